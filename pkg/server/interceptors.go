package server

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Interceptors 持有拦截器共用的 logger
type Interceptors struct {
	log logrus.FieldLogger
}

func NewInterceptors(log logrus.FieldLogger) *Interceptors {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Interceptors{log: log}
}

// ServerOptions 返回按 recovery -> logging 顺序串联的拦截器
func (i *Interceptors) ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(i.UnaryRecovery, i.UnaryLogging),
		grpc.ChainStreamInterceptor(i.StreamRecovery, i.StreamLogging),
	}
}

// =============================================================================
// 1. Logging Interceptor (结构化日志)
// =============================================================================

// UnaryLogging 负责拦截普通请求 (Info / Resolve / ListFiles)
func (i *Interceptors) UnaryLogging(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	i.logRPC("unary", info.FullMethod, time.Since(start), err)
	return resp, err
}

// StreamLogging 负责拦截流式请求 (Download)
func (i *Interceptors) StreamLogging(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	start := time.Now()
	err := handler(srv, ss)
	i.logRPC("stream", info.FullMethod, time.Since(start), err)
	return err
}

// logRPC 统一的日志打印逻辑
func (i *Interceptors) logRPC(kind, method string, duration time.Duration, err error) {
	code := status.Code(err)
	entry := i.log.WithFields(logrus.Fields{
		"kind":   kind,
		"method": method,
		"code":   code.String(),
		"dur":    duration,
	})
	switch code {
	case codes.OK:
		entry.Info("gRPC request")
	case codes.Internal, codes.Unknown, codes.DataLoss:
		entry.WithError(err).Error("gRPC request")
	default:
		// NotFound 之类的业务错误
		entry.WithError(err).Warn("gRPC request")
	}
}

// =============================================================================
// 2. Recovery Interceptor
// =============================================================================

// UnaryRecovery 捕获 Panic
func (i *Interceptors) UnaryRecovery(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = i.recoverFromPanic(info.FullMethod, r)
		}
	}()
	return handler(ctx, req)
}

// StreamRecovery 捕获 Panic
func (i *Interceptors) StreamRecovery(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = i.recoverFromPanic(info.FullMethod, r)
		}
	}()
	return handler(srv, ss)
}

func (i *Interceptors) recoverFromPanic(method string, p any) error {
	i.log.WithFields(logrus.Fields{
		"method": method,
		"panic":  p,
		"stack":  string(debug.Stack()),
	}).Error("panic recovered")
	// 返回 Internal 给客户端，而不是直接断开连接
	return status.Errorf(codes.Internal, "internal server error: panic recovered")
}
