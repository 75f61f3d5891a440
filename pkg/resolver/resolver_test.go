package resolver

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"casccdn/internal/fixture"
	"casccdn/pkg/archiveindex"
	"casccdn/pkg/core"
	"casccdn/pkg/enctable"
	"casccdn/pkg/install"
	"casccdn/pkg/storage"
	"casccdn/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// asset 是测试用的一个文件：内容、对应的 BLTE blob 与 key
type asset struct {
	path string
	data []byte
	ckey types.ContentKey
	blob []byte
	ekey types.EncodingKey
}

func newAsset(i int, path string, data []byte) asset {
	blob, ekey := fixture.BLTE(
		fixture.Chunk{Encoding: 'Z', Data: data},
		fixture.Chunk{Encoding: 'N', Data: []byte(path)},
	)
	return asset{
		path: path,
		data: append(append([]byte(nil), data...), path...),
		ckey: fixture.CKey(0x10+byte(i), 0xcc),
		blob: blob,
		ekey: ekey,
	}
}

// env 是一个完整的内存环境：encoding 表 + manifest + 内存 store
type env struct {
	assets   []asset
	table    *enctable.Table
	manifest *install.Manifest
	store    *storage.Memory
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{store: storage.NewMemory()}
	paths := []string{"Wow.exe", "Data\\data.000", "Fonts\\FRIZQT__.TTF", "Interface\\Icons\\missing.blp"}
	for i, p := range paths {
		e.assets = append(e.assets, newAsset(i, p, bytes.Repeat([]byte{byte('a' + i)}, 100*(i+1))))
	}

	var enc fixture.Encoding
	var files []fixture.InstallFile
	for _, a := range e.assets {
		enc.Content = append(enc.Content, fixture.ContentEntry{
			CKey: a.ckey, EKeys: []types.EncodingKey{a.ekey}, Size: uint64(len(a.data)),
		})
		files = append(files, fixture.InstallFile{Path: a.path, CKey: a.ckey, Size: uint32(len(a.data))})
	}
	tbl, err := enctable.Parse(enc.Bytes())
	require.NoError(t, err)
	e.table = tbl

	m, err := install.Parse(fixture.Install([]fixture.InstallTag{
		{Name: "Windows", Type: 1, Files: []int{0, 1, 2, 3}},
		{Name: "enUS", Type: 3, Files: []int{0, 2, 3}},
	}, files))
	require.NoError(t, err)
	e.manifest = m

	// 最后一个资源的 blob 不上传，模拟 CDN 上缺失
	ctx := context.Background()
	for _, a := range e.assets[:len(e.assets)-1] {
		require.NoError(t, e.store.Put(ctx, storage.KindData, a.ekey.String(), a.blob))
	}
	return e
}

func (e *env) pipeline(opts ...Option) *Pipeline {
	opts = append([]Option{WithManifest(e.manifest)}, opts...)
	return New(e.table, storage.StoreFetcher{Store: e.store}, opts...)
}

func TestResolve(t *testing.T) {
	e := newEnv(t)
	p := e.pipeline()
	ctx := context.Background()

	for _, a := range e.assets[:3] {
		got, err := p.Resolve(ctx, a.ckey)
		require.NoError(t, err, a.path)
		assert.Equal(t, a.data, got)
	}

	_, err := p.Resolve(ctx, fixture.CKey(0x99))
	assert.ErrorIs(t, err, core.ErrUnknownContentKey)
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = p.Resolve(ctx, e.assets[3].ckey)
	assert.ErrorIs(t, err, storage.ErrNotFound, "缺失的 blob 返回传输层错误")
}

func TestResolveVerified(t *testing.T) {
	e := newEnv(t)
	p := e.pipeline()
	ctx := context.Background()
	a, b := e.assets[0], e.assets[1]

	got, err := p.ResolveVerified(ctx, a.ckey, a.ekey)
	require.NoError(t, err)
	assert.Equal(t, a.data, got)

	_, err = p.ResolveVerified(ctx, a.ckey, b.ekey)
	assert.ErrorIs(t, err, core.ErrEncodingKeyMismatch)

	// 表中没有该 ckey：按给定的 ekey 获取
	got, err = p.ResolveVerified(ctx, fixture.CKey(0x99), b.ekey)
	require.NoError(t, err)
	assert.Equal(t, b.data, got)
}

func TestResolve_Integrity(t *testing.T) {
	ctx := context.Background()

	t.Run("corrupt chunk", func(t *testing.T) {
		e := newEnv(t)
		a := e.assets[0]
		bad := append([]byte(nil), a.blob...)
		bad[len(bad)-1] ^= 0xff // 最后一个 'N' chunk 的内容
		store := storage.NewMemory()
		require.NoError(t, store.Put(ctx, storage.KindData, a.ekey.String(), bad))

		_, err := New(e.table, storage.StoreFetcher{Store: store}).Resolve(ctx, a.ckey)
		assert.ErrorIs(t, err, core.ErrChunkChecksum)

		got, err := New(e.table, storage.StoreFetcher{Store: store}, WithVerify(false)).Resolve(ctx, a.ckey)
		require.NoError(t, err)
		assert.Len(t, got, len(a.data))
	})

	t.Run("blob for another key", func(t *testing.T) {
		e := newEnv(t)
		a, b := e.assets[0], e.assets[1]
		store := storage.NewMemory()
		require.NoError(t, store.Put(ctx, storage.KindData, a.ekey.String(), b.blob))

		_, err := New(e.table, storage.StoreFetcher{Store: store}).Resolve(ctx, a.ckey)
		assert.ErrorIs(t, err, core.ErrHeaderChecksum)
	})

	t.Run("declared size mismatch", func(t *testing.T) {
		e := newEnv(t)
		a := e.assets[0]
		raw := fixture.Encoding{Content: []fixture.ContentEntry{
			{CKey: a.ckey, EKeys: []types.EncodingKey{a.ekey}, Size: uint64(len(a.data) + 1)},
		}}.Bytes()
		tbl, err := enctable.Parse(raw)
		require.NoError(t, err)

		_, err = New(tbl, storage.StoreFetcher{Store: e.store}).Resolve(ctx, a.ckey)
		assert.ErrorIs(t, err, core.ErrSize)
	})
}

func TestResolveNamedAssets(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	for _, n := range []int{1, 4} {
		p := e.pipeline(WithConcurrency(n))

		results, err := p.ResolveNamedAssets(ctx, install.RequireTags("Windows", "enUS"))
		require.NoError(t, err)
		require.Len(t, results, 3)

		// 顺序与 Filter 一致 (按路径排序)
		assert.Equal(t, "Fonts\\FRIZQT__.TTF", results[0].Entry.Name)
		assert.Equal(t, "Interface\\Icons\\missing.blp", results[1].Entry.Name)
		assert.Equal(t, "Wow.exe", results[2].Entry.Name)

		// 单个失败不影响其他文件
		require.NoError(t, results[0].Err)
		assert.Equal(t, e.assets[2].data, results[0].Data)
		assert.ErrorIs(t, results[1].Err, storage.ErrNotFound)
		assert.Nil(t, results[1].Data)
		require.NoError(t, results[2].Err)
		assert.Equal(t, e.assets[0].data, results[2].Data)
	}

	_, err := New(e.table, storage.StoreFetcher{Store: e.store}).ResolveNamedAssets(ctx, nil)
	assert.ErrorIs(t, err, ErrNoManifest)
}

func TestResolveNamedAssets_Canceled(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := e.pipeline().ResolveNamedAssets(ctx, install.MatchAll)
	require.NoError(t, err)
	require.Len(t, results, 4)
	for _, r := range results {
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
}

// heldFetcher 记录已获取但尚未交付的 blob 数的峰值
type heldFetcher struct {
	storage.StoreFetcher
	mu        sync.Mutex
	fetched   int
	delivered int
	peak      int
}

func (h *heldFetcher) Fetch(ctx context.Context, kind, hexKey string) ([]byte, error) {
	h.mu.Lock()
	h.fetched++
	h.peak = max(h.peak, h.fetched-h.delivered)
	h.mu.Unlock()
	return h.StoreFetcher.Fetch(ctx, kind, hexKey)
}

func (h *heldFetcher) deliver() {
	h.mu.Lock()
	h.delivered++
	h.mu.Unlock()
}

func TestEachNamedAsset(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	for _, n := range []int{1, 2} {
		h := &heldFetcher{StoreFetcher: storage.StoreFetcher{Store: e.store}}
		p := New(e.table, h, WithManifest(e.manifest), WithConcurrency(n))

		got := map[string]Result{}
		err := p.EachNamedAsset(ctx, install.MatchAll, func(r Result) {
			got[r.Entry.Name] = r
			h.deliver()
		})
		require.NoError(t, err)
		require.Len(t, got, 4)
		assert.Equal(t, e.assets[0].data, got["Wow.exe"].Data)
		assert.ErrorIs(t, got["Interface\\Icons\\missing.blp"].Err, storage.ErrNotFound)

		assert.Equal(t, 4, h.fetched)
		assert.LessOrEqual(t, h.peak, n, "交付前驻留的 blob 数不超过并发上限")
	}

	err := New(e.table, storage.StoreFetcher{Store: e.store}).EachNamedAsset(ctx, nil, func(Result) {})
	assert.ErrorIs(t, err, ErrNoManifest)
}

// spyFetcher 统计两种获取方式的调用次数
type spyFetcher struct {
	storage.StoreFetcher
	loose, ranged int32
}

func (s *spyFetcher) Fetch(ctx context.Context, kind, hexKey string) ([]byte, error) {
	atomic.AddInt32(&s.loose, 1)
	return s.StoreFetcher.Fetch(ctx, kind, hexKey)
}

func (s *spyFetcher) FetchRange(ctx context.Context, kind, hexKey string, offset, size int64) ([]byte, error) {
	atomic.AddInt32(&s.ranged, 1)
	return s.StoreFetcher.FetchRange(ctx, kind, hexKey, offset, size)
}

func TestResolve_FromArchive(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// 把前两个 blob 打包进一个 archive，不再作为 loose 文件存在
	archive := types.ArchiveKey(fixture.Key(0xa0, 0x01))
	var packed []byte
	var entries []fixture.IndexEntry
	for _, a := range e.assets[:2] {
		entries = append(entries, fixture.IndexEntry{EKey: a.ekey, Size: uint32(len(a.blob)), Offset: uint32(len(packed))})
		packed = append(packed, a.blob...)
	}
	store := storage.NewMemory()
	require.NoError(t, store.Put(ctx, storage.KindData, archive.String(), packed))
	require.NoError(t, store.Put(ctx, storage.KindData, e.assets[2].ekey.String(), e.assets[2].blob))

	idx, err := archiveindex.Parse(archive, fixture.ArchiveIndex(entries))
	require.NoError(t, err)
	group, err := archiveindex.NewGroup(idx)
	require.NoError(t, err)

	spy := &spyFetcher{StoreFetcher: storage.StoreFetcher{Store: store}}
	p := New(e.table, spy, WithArchives(group))

	for _, a := range e.assets[:3] {
		got, err := p.Resolve(ctx, a.ckey)
		require.NoError(t, err, a.path)
		assert.Equal(t, a.data, got)
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&spy.ranged), "archive 中的 blob 按范围读取")
	assert.Equal(t, int32(1), atomic.LoadInt32(&spy.loose), "不在 archive 中的 blob 按 loose 获取")
}

type recordingObserver struct {
	mu       sync.Mutex
	fetched  []string
	resolved int
	failed   int
}

func (r *recordingObserver) Parsed(string, int, time.Duration, error) {}

func (r *recordingObserver) Fetched(kind, source string, _ int, _ time.Duration, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetched = append(r.fetched, kind+"/"+source)
}

func (r *recordingObserver) Resolved(_ string, _ int, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.failed++
		return
	}
	r.resolved++
}

func TestResolve_Observer(t *testing.T) {
	e := newEnv(t)
	obs := &recordingObserver{}
	p := e.pipeline(WithObserver(obs))
	ctx := context.Background()

	_, err := p.Resolve(ctx, e.assets[0].ckey)
	require.NoError(t, err)
	_, err = p.Resolve(ctx, e.assets[3].ckey)
	require.Error(t, err)

	assert.Equal(t, []string{"data/loose", "data/loose"}, obs.fetched)
	assert.Equal(t, 1, obs.resolved)
	assert.Equal(t, 1, obs.failed)
}
