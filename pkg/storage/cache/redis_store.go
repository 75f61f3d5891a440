package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"casccdn/pkg/storage"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// CachedStore 是一个装饰器，为底层的 storage.Store 添加 Redis 缓存层
// 1. 存在性缓存：避免对 S3 镜像反复发 HEAD
// 2. config 文档缓存：build/cdn config 很小且被频繁读取，直接存值
type CachedStore struct {
	backend storage.Store
	client  *redis.Client
	ttl     time.Duration
	prefix  string
	maxVal  int
	log     logrus.FieldLogger
}

var _ storage.RangeStore = (*CachedStore)(nil)

type Config struct {
	RedisURL string        // redis://<user>:<password>@<host>:<port>/<db>
	TTL      time.Duration // 过期时间
	Prefix   string        // key 前缀，默认 "casc"

	// MaxValueSize 是直接缓存内容的上限，只对 config 类对象生效
	MaxValueSize int

	Logger logrus.FieldLogger
}

func NewCachedStore(backend storage.Store, cfg Config) (*CachedStore, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	// Fail-fast 连接检查
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := &CachedStore{
		backend: backend,
		client:  client,
		ttl:     cfg.TTL,
		prefix:  cfg.Prefix,
		maxVal:  cfg.MaxValueSize,
		log:     cfg.Logger,
	}
	if s.prefix == "" {
		s.prefix = "casc"
	}
	if s.maxVal <= 0 {
		s.maxVal = 64 * 1024
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	return s, nil
}

// existsKey / valueKey 生成 Redis Key，添加前缀防止冲突
func (s *CachedStore) existsKey(kind, hexKey string) string {
	return s.prefix + ":obj:" + kind + ":" + hexKey
}

func (s *CachedStore) valueKey(kind, hexKey string) string {
	return s.prefix + ":val:" + kind + ":" + hexKey
}

// Has 优先查 Redis
func (s *CachedStore) Has(ctx context.Context, kind, hexKey string) (bool, error) {
	key := s.existsKey(kind, hexKey)

	// 1. 查 Redis
	val, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		// 缓存故障降级：退化为无缓存模式，直接查底层
		s.log.WithError(err).Warn("redis exists failed, falling back to backend")
	} else if val > 0 {
		return true, nil
	}

	// 2. 缓存未命中，查底层存储
	found, err := s.backend.Has(ctx, kind, hexKey)
	if err != nil {
		return false, err
	}

	// 3. 异步回填，上层 ctx 取消也能完成
	if found {
		go func() {
			fillCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.client.Set(fillCtx, key, "1", s.ttl)
		}()
	}
	return found, nil
}

// Put 利用 Has 的缓存能力进行预检
func (s *CachedStore) Put(ctx context.Context, kind, hexKey string, data []byte) error {
	exists, err := s.Has(ctx, kind, hexKey)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	if err := s.backend.Put(ctx, kind, hexKey, data); err != nil {
		return err
	}

	// 只有底层写成功了才写 Redis，Set 失败不影响主流程
	s.client.Set(ctx, s.existsKey(kind, hexKey), "1", s.ttl)
	if s.cacheable(kind, len(data)) {
		s.client.Set(ctx, s.valueKey(kind, hexKey), data, s.ttl)
	}
	return nil
}

// Get 对 config 类小对象走值缓存，其余透传
// 数据 blob 与 archive 可能很大，Redis 内存只留给元数据
func (s *CachedStore) Get(ctx context.Context, kind, hexKey string) (io.ReadCloser, error) {
	if kind != storage.KindConfig {
		return s.backend.Get(ctx, kind, hexKey)
	}

	data, err := s.client.Get(ctx, s.valueKey(kind, hexKey)).Bytes()
	switch {
	case err == nil:
		return io.NopCloser(bytes.NewReader(data)), nil
	case !errors.Is(err, redis.Nil):
		s.log.WithError(err).Warn("redis get failed, falling back to backend")
	}

	rc, err := s.backend.Get(ctx, kind, hexKey)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err = io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrIO, err)
	}
	if s.cacheable(kind, len(data)) {
		s.client.Set(ctx, s.valueKey(kind, hexKey), data, s.ttl)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// GetRange 透传给支持范围读取的底层
func (s *CachedStore) GetRange(ctx context.Context, kind, hexKey string, offset, size int64) ([]byte, error) {
	return storage.StoreFetcher{Store: s.backend}.FetchRange(ctx, kind, hexKey, offset, size)
}

func (s *CachedStore) cacheable(kind string, n int) bool {
	return kind == storage.KindConfig && n <= s.maxVal
}

// Close 关闭 Redis 连接
func (s *CachedStore) Close() error {
	return s.client.Close()
}
