package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"casccdn/pkg/archiveindex"
	"casccdn/pkg/blte"
	"casccdn/pkg/core"
	"casccdn/pkg/enctable"
	"casccdn/pkg/install"
	"casccdn/pkg/observe"
	"casccdn/pkg/storage"
	"casccdn/pkg/types"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// DefaultConcurrency 是批量解析的默认并发数
const DefaultConcurrency = 8

// Pipeline 把 content key 解析成解码后的字节
// content key -> encoding table -> encoding key -> fetch -> BLTE decode
// 构建后只读，可以被多个请求并发使用
type Pipeline struct {
	table    *enctable.Table
	fetcher  storage.Fetcher
	manifest *install.Manifest
	archives *archiveindex.Group

	verify      bool
	concurrency int
	obs         observe.Observer
	log         logrus.FieldLogger

	flight singleflight.Group
}

type Option func(*Pipeline)

// WithManifest 提供 install manifest，ResolveNamedAssets 需要它
func WithManifest(m *install.Manifest) Option {
	return func(p *Pipeline) { p.manifest = m }
}

// WithArchives 提供 archive 索引，编码 blob 优先从 archive 中按范围读取
func WithArchives(g *archiveindex.Group) Option {
	return func(p *Pipeline) { p.archives = g }
}

// WithVerify 控制 BLTE chunk 摘要与解码大小的校验 (默认开启)
func WithVerify(v bool) Option {
	return func(p *Pipeline) { p.verify = v }
}

// WithConcurrency 设置批量解析的并发上限
func WithConcurrency(n int) Option {
	return func(p *Pipeline) { p.concurrency = n }
}

func WithObserver(o observe.Observer) Option {
	return func(p *Pipeline) { p.obs = o }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(p *Pipeline) { p.log = l }
}

func New(table *enctable.Table, fetcher storage.Fetcher, opts ...Option) *Pipeline {
	p := &Pipeline{
		table:       table,
		fetcher:     fetcher,
		verify:      true,
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.obs = observe.OrNop(p.obs)
	if p.log == nil {
		p.log = logrus.StandardLogger()
	}
	if p.concurrency < 1 {
		p.concurrency = 1
	}
	return p
}

// Table 返回底层的 encoding 表
func (p *Pipeline) Table() *enctable.Table { return p.table }

// Manifest 返回 install manifest，可能为 nil
func (p *Pipeline) Manifest() *install.Manifest { return p.manifest }

// Resolve 返回 content key 对应的解码后字节
func (p *Pipeline) Resolve(ctx context.Context, ckey types.ContentKey) ([]byte, error) {
	start := time.Now()
	data, err := p.resolve(ctx, ckey)
	p.obs.Resolved(ckey.String(), len(data), time.Since(start), err)
	return data, err
}

func (p *Pipeline) resolve(ctx context.Context, ckey types.ContentKey) ([]byte, error) {
	m, err := p.table.Lookup(ckey)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownContentKey, ckey)
	}
	data, err := p.ResolveEncoded(ctx, m.EncodingKey)
	if err != nil {
		return nil, fmt.Errorf("content %s: %w", ckey, err)
	}
	if p.verify && uint64(len(data)) != m.Size {
		return nil, fmt.Errorf("content %s: %w: decoded %d bytes, table declares %d",
			ckey, core.ErrSize, len(data), m.Size)
	}
	return data, nil
}

// ResolveVerified 与 Resolve 相同，但要求 encoding 表中的 ekey 与调用方给的一致
// 表中没有该 content key 时直接按给定的 ekey 获取
func (p *Pipeline) ResolveVerified(ctx context.Context, ckey types.ContentKey, ekey types.EncodingKey) ([]byte, error) {
	start := time.Now()
	data, err := p.resolveVerified(ctx, ckey, ekey)
	p.obs.Resolved(ckey.String(), len(data), time.Since(start), err)
	return data, err
}

func (p *Pipeline) resolveVerified(ctx context.Context, ckey types.ContentKey, ekey types.EncodingKey) ([]byte, error) {
	m, err := p.table.Lookup(ckey)
	switch {
	case err == nil && m.EncodingKey != ekey:
		return nil, fmt.Errorf("%w: content %s maps to %s, expected %s",
			core.ErrEncodingKeyMismatch, ckey, m.EncodingKey, ekey)
	case err == nil:
		return p.resolve(ctx, ckey)
	case errors.Is(err, core.ErrNotFound):
		return p.ResolveEncoded(ctx, ekey)
	default:
		return nil, err
	}
}

// ResolveEncoded 获取并解码一个编码 blob，ekey 同时是 BLTE header 的期望摘要
func (p *Pipeline) ResolveEncoded(ctx context.Context, ekey types.EncodingKey) ([]byte, error) {
	raw, err := p.FetchEncoded(ctx, ekey)
	if err != nil {
		return nil, err
	}
	data, err := blte.Decode(raw, types.Key(ekey), blte.WithVerify(p.verify))
	if err != nil {
		return nil, fmt.Errorf("blob %s: %w", ekey, err)
	}
	return data, nil
}

// FetchEncoded 返回未解码的 BLTE blob
// 挂载了 archive 索引且 fetcher 支持范围读取时，从 archive 中读取，否则按 loose 文件获取
func (p *Pipeline) FetchEncoded(ctx context.Context, ekey types.EncodingKey) ([]byte, error) {
	start := time.Now()

	if p.archives != nil {
		if rf, ok := p.fetcher.(storage.RangeFetcher); ok {
			if loc, found := p.archives.Lookup(ekey); found {
				data, err := rf.FetchRange(ctx, storage.KindData, loc.Archive.String(), int64(loc.Offset), int64(loc.Size))
				p.obs.Fetched(storage.KindData, "archive", len(data), time.Since(start), err)
				if err != nil {
					return nil, fmt.Errorf("blob %s in archive %s: %w", ekey, loc.Archive, err)
				}
				return data, nil
			}
		}
	}

	data, err := p.fetcher.Fetch(ctx, storage.KindData, ekey.String())
	p.obs.Fetched(storage.KindData, "loose", len(data), time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("blob %s: %w", ekey, err)
	}
	return data, nil
}

// Result 是批量解析中单个文件的结果
type Result struct {
	Entry install.Entry
	Data  []byte
	Err   error
}

// ErrNoManifest 表示 Pipeline 没有挂载 install manifest
var ErrNoManifest = errors.New("pipeline has no install manifest")

// ResolveNamedAssets 对 manifest 过滤后的每个文件调用 Resolve
// 单个文件失败只记录在它自己的 Result 中，结果顺序与过滤结果一致
// 所有文件的内容同时驻留内存；大批量写出请用 EachNamedAsset
func (p *Pipeline) ResolveNamedAssets(ctx context.Context, pred install.Predicate) ([]Result, error) {
	if p.manifest == nil {
		return nil, ErrNoManifest
	}
	entries := p.manifest.Filter(pred)
	pos := make(map[int]int, len(entries))
	for i, e := range entries {
		pos[e.Index()] = i
	}
	results := make([]Result, len(entries))
	err := p.each(ctx, entries, func(r Result) {
		results[pos[r.Entry.Index()]] = r
	})
	return results, err
}

// EachNamedAsset 对 manifest 过滤后的每个文件调用 Resolve，并把结果交给 fn
// fn 按完成顺序串行调用，返回后该文件的内容不再被持有，
// 因此同时驻留内存的文件数不超过并发上限
func (p *Pipeline) EachNamedAsset(ctx context.Context, pred install.Predicate, fn func(Result)) error {
	if p.manifest == nil {
		return ErrNoManifest
	}
	return p.each(ctx, p.manifest.Filter(pred), fn)
}

func (p *Pipeline) each(ctx context.Context, entries []install.Entry, fn func(Result)) error {
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for _, e := range entries {
		g.Go(func() error {
			r := Result{Entry: e}
			if r.Err = ctx.Err(); r.Err == nil {
				r.Data, r.Err = p.resolveShared(ctx, e.ContentKey)
			}
			if r.Err != nil {
				p.log.WithError(r.Err).WithField("path", e.Name).Debug("asset failed")
			}
			mu.Lock()
			defer mu.Unlock()
			fn(r)
			return nil
		})
	}
	return g.Wait()
}

// resolveShared 合并同一 content key 的并发解析 (manifest 中同一内容可以有多个路径)
func (p *Pipeline) resolveShared(ctx context.Context, ckey types.ContentKey) ([]byte, error) {
	v, err, _ := p.flight.Do(ckey.String(), func() (any, error) {
		return p.Resolve(ctx, ckey)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}
