// pkg/app/app.go
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"casccdn/pkg/cdn"
	"casccdn/pkg/config"
	"casccdn/pkg/meta"
	"casccdn/pkg/observe"
	"casccdn/pkg/storage"
	"casccdn/pkg/storage/cache"
	"casccdn/pkg/storage/disk"
	"casccdn/pkg/storage/s3"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// App 是整个应用程序的依赖容器
// 它持有对象缓存、CDN 客户端与观测协作者，按需打开 build 会话
type App struct {
	Settings config.Settings
	Log      *logrus.Logger

	Store    storage.Store
	Patch    *cdn.PatchClient
	Registry *prometheus.Registry
	Observer observe.Observer

	closers []func() error
}

// NewApp 按当前 viper 配置组装应用，但不发起任何网络请求
func NewApp(ctx context.Context) (*App, error) {
	s := config.Current()

	// 1. 日志
	log := logrus.New()
	level, err := logrus.ParseLevel(s.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", s.LogLevel, err)
	}
	log.SetLevel(level)

	a := &App{Settings: s, Log: log}

	// 2. 对象缓存
	store, err := initStore(ctx, s, log)
	if err != nil {
		return nil, fmt.Errorf("failed to init storage: %w", err)
	}
	if s.RedisURL != "" {
		cs, err := cache.NewCachedStore(store, cache.Config{RedisURL: s.RedisURL, TTL: s.CacheTTL, Logger: log})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, cs.Close)
		store = cs
	}
	a.Store = store

	// 3. 观测: 日志 + (可选) 指标
	observers := observe.Multi{observe.NewLogger(log)}
	if s.MetricsEnabled {
		a.Registry = prometheus.NewRegistry()
		observers = append(observers, observe.NewMetrics(a.Registry))
	}
	a.Observer = observers

	a.Patch = cdn.NewPatchClient(s.PatchURL, s.Product)
	return a, nil
}

// initStore 根据 storage.type 创建对象缓存
func initStore(ctx context.Context, s config.Settings, log logrus.FieldLogger) (storage.Store, error) {
	switch s.StorageType {
	case "", "disk":
		if s.StoragePath == "" {
			return nil, fmt.Errorf("storage path not set")
		}
		return disk.NewAdapter(s.StoragePath)
	case "s3":
		if s.S3.Bucket == "" {
			return nil, fmt.Errorf("s3 bucket is required")
		}
		return s3.NewAdapter(ctx, s3.Config{
			Endpoint:        s.S3.Endpoint,
			Region:          s.S3.Region,
			Bucket:          s.S3.Bucket,
			Prefix:          s.S3.Prefix,
			AccessKeyID:     s.S3.AccessKeyID,
			SecretAccessKey: s.S3.SecretAccessKey,
			Logger:          log,
		})
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", s.StorageType)
	}
}

// Client 返回指向 base 的 CDN 客户端，使用 App 的缓存与观测
func (a *App) Client(base string) *cdn.Client {
	return cdn.NewClient(base,
		cdn.WithCache(a.Store),
		cdn.WithTimeout(a.Settings.Timeout),
		cdn.WithBreakerThreshold(a.Settings.BreakerThreshold),
		cdn.WithClientObserver(a.Observer),
		cdn.WithClientLogger(a.Log),
	)
}

// Target 描述要打开的 build
type Target struct {
	CDNBase  string
	Version  cdn.Version
	BuildKey string
	CDNKey   string
	Product  string
	Region   string
}

// Discover 查询 patch server，选出 region 对应的版本和 CDN
func (a *App) Discover(ctx context.Context) (*Target, error) {
	versions, err := a.Patch.Versions(ctx)
	if err != nil {
		return nil, err
	}
	v, ok := cdn.FindVersion(versions, a.Settings.Region)
	if !ok {
		return nil, fmt.Errorf("product %s has no version for region %q", a.Settings.Product, a.Settings.Region)
	}
	cdns, err := a.Patch.CDNs(ctx)
	if err != nil {
		return nil, err
	}
	base, err := cdn.PickCDN(cdns, a.Settings.Region, a.Settings.PreferHost)
	if err != nil {
		return nil, err
	}
	a.Log.WithFields(logrus.Fields{"cdn": base, "build": v.BuildConfig, "version": v.VersionsName}).Debug("discovered")
	return &Target{
		CDNBase:  base,
		Version:  v,
		BuildKey: v.BuildConfig,
		CDNKey:   v.CDNConfig,
		Product:  a.Settings.Product,
		Region:   a.Settings.Region,
	}, nil
}

// Complete 补全 t 中缺失的 CDN 地址与 build key
// 两者都已给出时不访问 patch server
func (a *App) Complete(ctx context.Context, t Target) (*Target, error) {
	if t.Product == "" {
		t.Product = a.Settings.Product
	}
	if t.Region == "" {
		t.Region = a.Settings.Region
	}
	if t.CDNBase != "" && t.BuildKey != "" {
		return &t, nil
	}
	found, err := a.Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover: %w", err)
	}
	if t.CDNBase == "" {
		t.CDNBase = found.CDNBase
	}
	if t.BuildKey == "" {
		t.BuildKey, t.CDNKey, t.Version = found.BuildKey, found.CDNKey, found.Version
	}
	return &t, nil
}

// Open 打开 target 描述的 build
func (a *App) Open(ctx context.Context, t *Target) (*Session, error) {
	return OpenSession(ctx, a.Client(t.CDNBase), t.BuildKey, t.CDNKey, SessionOptions{
		Verify:      a.Settings.Verify,
		Concurrency: a.Settings.Concurrency,
		UseArchives: a.Settings.UseArchives,
		Observer:    a.Observer,
		Logger:      a.Log,
	})
}

// Catalog 打开提取目录数据库，调用方负责 Close 返回的 DB
func (a *App) Catalog(ctx context.Context) (*meta.DB, *meta.Repository, error) {
	dsn := a.Settings.DatabaseDSN
	if a.Settings.DatabaseDriver != "postgres" {
		if err := ensureDir(filepath.Dir(dsn)); err != nil {
			return nil, nil, err
		}
	}
	db, err := meta.NewDB(ctx, meta.Config{Driver: a.Settings.DatabaseDriver, DSN: dsn})
	if err != nil {
		return nil, nil, err
	}
	return db, meta.NewRepository(db), nil
}

// Close 释放 App 持有的连接
func (a *App) Close() error {
	var first error
	for _, c := range a.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func ensureDir(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}
