package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"casccdn/pkg/archiveindex"
	"casccdn/pkg/blte"
	"casccdn/pkg/cdn"
	"casccdn/pkg/core"
	"casccdn/pkg/enctable"
	"casccdn/pkg/install"
	"casccdn/pkg/observe"
	"casccdn/pkg/resolver"
	"casccdn/pkg/storage"
	"casccdn/pkg/types"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Session 是打开一个 build 后得到的全部只读状态
type Session struct {
	BuildConfigKey string
	CDNConfigKey   string
	BuildConfig    *cdn.Config
	CDNConfig      *cdn.Config

	Encoding *enctable.Table
	Manifest *install.Manifest
	Archives *archiveindex.Group // 未加载 archive 时为 nil
	Pipeline *resolver.Pipeline
}

// SessionOptions 控制打开 build 的行为
type SessionOptions struct {
	Verify      bool
	Concurrency int
	UseArchives bool // 加载 cdn config 中的 archive index
	Observer    observe.Observer
	Logger      logrus.FieldLogger
}

// OpenSession 从 fetcher 打开一个 build
// build config -> cdn config -> encoding 表 -> install/encoding 一致性检查 -> install manifest -> archive index -> 管线
func OpenSession(ctx context.Context, f storage.Fetcher, buildKey, cdnKey string, o SessionOptions) (*Session, error) {
	obs := observe.OrNop(o.Observer)
	log := o.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Session{BuildConfigKey: buildKey, CDNConfigKey: cdnKey}

	// 1. config 文档
	var err error
	if s.BuildConfig, err = fetchConfig(ctx, f, buildKey); err != nil {
		return nil, fmt.Errorf("build config: %w", err)
	}
	if cdnKey != "" {
		if s.CDNConfig, err = fetchConfig(ctx, f, cdnKey); err != nil {
			return nil, fmt.Errorf("cdn config: %w", err)
		}
	}

	// 2. encoding 表: blob 按 ekey 获取，解码结果按 ckey 校验
	encKeys, err := s.BuildConfig.FileKeys("encoding")
	if err != nil {
		return nil, err
	}
	if types.Key(encKeys.EncodingKey).IsZero() {
		return nil, fmt.Errorf("%w: build config has no encoding key", core.ErrFormat)
	}
	raw, err := fetchDecoded(ctx, f, encKeys, o.Verify)
	if err != nil {
		return nil, fmt.Errorf("encoding: %w", err)
	}
	start := time.Now()
	s.Encoding, err = enctable.Parse(raw, enctable.WithVerify(o.Verify), enctable.WithParallelism(o.Concurrency))
	if err != nil {
		obs.Parsed("encoding", 0, time.Since(start), err)
		return nil, fmt.Errorf("encoding: %w", err)
	}
	obs.Parsed("encoding", s.Encoding.ContentCount(), time.Since(start), nil)

	// 3. install: encoding 表中登记的 ekey 必须与 build config 一致
	instKeys, err := s.BuildConfig.FileKeys("install")
	if err != nil {
		return nil, err
	}
	m, lerr := s.Encoding.Lookup(instKeys.ContentKey)
	switch {
	case lerr == nil && !types.Key(instKeys.EncodingKey).IsZero() && m.EncodingKey != instKeys.EncodingKey:
		return nil, fmt.Errorf("install: %w: encoding table maps %s to %s, build config says %s",
			core.ErrEncodingKeyMismatch, instKeys.ContentKey, m.EncodingKey, instKeys.EncodingKey)
	case lerr == nil:
		instKeys.EncodingKey = m.EncodingKey
	case types.Key(instKeys.EncodingKey).IsZero():
		return nil, fmt.Errorf("install: %w", lerr)
	}
	raw, err = fetchDecoded(ctx, f, instKeys, o.Verify)
	if err != nil {
		return nil, fmt.Errorf("install: %w", err)
	}
	start = time.Now()
	s.Manifest, err = install.Parse(raw)
	if err != nil {
		obs.Parsed("install", 0, time.Since(start), err)
		return nil, fmt.Errorf("install: %w", err)
	}
	obs.Parsed("install", s.Manifest.Len(), time.Since(start), nil)

	// 4. archive index (可选)
	if o.UseArchives && s.CDNConfig != nil {
		if s.Archives, err = loadArchives(ctx, f, s.CDNConfig, o, obs); err != nil {
			return nil, err
		}
	}

	// 5. 管线
	opts := []resolver.Option{
		resolver.WithManifest(s.Manifest),
		resolver.WithVerify(o.Verify),
		resolver.WithObserver(obs),
		resolver.WithLogger(log),
	}
	if o.Concurrency > 0 {
		opts = append(opts, resolver.WithConcurrency(o.Concurrency))
	}
	if s.Archives != nil {
		opts = append(opts, resolver.WithArchives(s.Archives))
	}
	s.Pipeline = resolver.New(s.Encoding, f, opts...)

	log.WithFields(logrus.Fields{
		"build":    s.BuildConfig.BuildName(),
		"contents": s.Encoding.ContentCount(),
		"files":    s.Manifest.Len(),
	}).Info("session opened")
	return s, nil
}

func fetchConfig(ctx context.Context, f storage.Fetcher, key string) (*cdn.Config, error) {
	data, err := f.Fetch(ctx, storage.KindConfig, key)
	if err != nil {
		return nil, err
	}
	return cdn.ParseConfig(string(data))
}

// fetchDecoded 获取并解码一个由 (ckey, ekey) 描述的 blob
func fetchDecoded(ctx context.Context, f storage.Fetcher, k cdn.FileKeys, verify bool) ([]byte, error) {
	blob, err := f.Fetch(ctx, storage.KindData, k.EncodingKey.String())
	if err != nil {
		return nil, err
	}
	data, err := blte.Decode(blob, types.Key(k.EncodingKey), blte.WithVerify(verify))
	if err != nil {
		return nil, err
	}
	if verify && core.Digest(data) != types.Key(k.ContentKey) {
		return nil, fmt.Errorf("%w: decoded content does not hash to %s", core.ErrChecksum, k.ContentKey)
	}
	return data, nil
}

// ErrNoRangeFetch 表示 fetcher 不支持 archive 需要的范围读取
var ErrNoRangeFetch = errors.New("fetcher does not support ranged reads")

func loadArchives(ctx context.Context, f storage.Fetcher, cfg *cdn.Config, o SessionOptions, obs observe.Observer) (*archiveindex.Group, error) {
	if _, ok := f.(storage.RangeFetcher); !ok {
		return nil, ErrNoRangeFetch
	}
	keys, err := cfg.Archives()
	if err != nil {
		return nil, err
	}

	indices := make([]*archiveindex.Index, len(keys))
	var g errgroup.Group
	n := o.Concurrency
	if n < 1 {
		n = resolver.DefaultConcurrency
	}
	g.SetLimit(n)
	for i, key := range keys {
		g.Go(func() error {
			raw, err := f.Fetch(ctx, storage.KindIndex, key.String())
			if err != nil {
				return fmt.Errorf("archive index %s: %w", key, err)
			}
			start := time.Now()
			idx, err := archiveindex.Parse(key, raw, archiveindex.WithVerify(o.Verify))
			if err != nil {
				obs.Parsed("index", 0, time.Since(start), err)
				return fmt.Errorf("archive index %s: %w", key, err)
			}
			obs.Parsed("index", idx.Len(), time.Since(start), nil)
			indices[i] = idx
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return archiveindex.NewGroup(indices...)
}
