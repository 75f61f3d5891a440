package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"casccdn/pkg/app"
	"casccdn/pkg/config"
	"casccdn/pkg/server"
	"casccdn/pkg/service"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
)

func main() {
	// 1. Load Config
	cfgFile := flag.String("config", "", "config file (default is $HOME/.casc/config.yaml)")
	buildKey := flag.String("build", "", "build config key (default: current version from the patch server)")
	cdnKey := flag.String("cdn-config", "", "cdn config key, used with -build")
	cdnURL := flag.String("cdn-url", "", "CDN base URL")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := config.Load(*cfgFile); err != nil {
		logrus.Fatalf("config error: %v", err)
	}

	// 2. Init Core Application
	a, err := app.NewApp(ctx)
	if err != nil {
		logrus.Fatalf("failed to initialize app: %v", err)
	}
	defer a.Close()
	log := a.Log

	// 3. Open the build once; the service is read-only
	t, err := a.Complete(ctx, app.Target{CDNBase: *cdnURL, BuildKey: *buildKey, CDNKey: *cdnKey})
	if err != nil {
		log.Fatalf("failed to locate build: %v", err)
	}
	sess, err := a.Open(ctx, t)
	if err != nil {
		log.Fatalf("failed to open build %s: %v", t.BuildKey, err)
	}

	// 4. Setup Network
	lis, err := net.Listen("tcp", a.Settings.ServerListen)
	if err != nil {
		log.Fatalf("failed to listen on %s: %v", a.Settings.ServerListen, err)
	}

	// 5. Setup gRPC Server
	opts := append(server.NewInterceptors(log).ServerOptions(), grpc.MaxSendMsgSize(service.MaxMessageSize))
	grpcServer := grpc.NewServer(opts...)
	service.RegisterCASCServer(grpcServer, service.NewCASCService(sess, log))

	go func() {
		log.WithFields(logrus.Fields{"addr": a.Settings.ServerListen, "build": t.BuildKey}).Info("gRPC server listening")
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatalf("failed to serve: %v", err)
		}
	}()

	// 6. Metrics (optional)
	var metricsServer *http.Server
	if a.Registry != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: a.Settings.MetricsListen, Handler: mux}
		go func() {
			log.WithField("addr", a.Settings.MetricsListen).Info("metrics listening")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("metrics server failed")
			}
		}()
	}

	// 7. Graceful Shutdown
	<-ctx.Done()
	log.Info("shutting down server")
	grpcServer.GracefulStop()
	if metricsServer != nil {
		_ = metricsServer.Shutdown(context.Background())
	}
	log.Info("server stopped")
}
