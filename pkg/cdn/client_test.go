package cdn

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"casccdn/pkg/core"
	"casccdn/pkg/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCDN 用 http.ServeContent 提供对象，支持 Range
type fakeCDN struct {
	mu       sync.Mutex
	objects  map[string][]byte
	requests int32
	ranged   int32
	fail     bool

	ignoreRange bool          // 忽略 Range，总是返回 200 与整个对象
	started     chan struct{} // 非 nil 时每个请求到达都发一个信号
	hold        chan struct{} // 非 nil 时请求阻塞到它被关闭
}

func (f *fakeCDN) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&f.requests, 1)
	if r.Header.Get("Range") != "" {
		atomic.AddInt32(&f.ranged, 1)
	}
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.hold != nil {
		<-f.hold
	}
	f.mu.Lock()
	data, ok := f.objects[r.URL.Path]
	fail := f.fail
	ignoreRange := f.ignoreRange
	f.mu.Unlock()
	if fail {
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	if ignoreRange {
		_, _ = w.Write(data)
		return
	}
	http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(data))
}

func newFakeCDN(t *testing.T) (*fakeCDN, *httptest.Server) {
	f := &fakeCDN{objects: map[string][]byte{}}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func TestClient_URL(t *testing.T) {
	c := NewClient("https://cdn.example.com/tpr/wow")
	key := "0017a402f556fbece46c38dc431a2c9b"

	u, err := c.URL(storage.KindConfig, key)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/tpr/wow/config/00/17/"+key, u)

	u, err = c.URL(storage.KindData, key)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/tpr/wow/data/00/17/"+key, u)

	u, err = c.URL(storage.KindIndex, key)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/tpr/wow/data/00/17/"+key+".index", u)

	_, err = c.URL("../etc", key)
	assert.ErrorIs(t, err, storage.ErrInvalidKey)
}

func TestClient_FetchThroughCache(t *testing.T) {
	f, srv := newFakeCDN(t)
	ctx := context.Background()

	cfg := []byte("# Build Configuration\nbuild-name = test\n")
	cfgKey := core.Digest(cfg).String()
	f.objects["/tpr/wow/config/"+cfgKey[:2]+"/"+cfgKey[2:4]+"/"+cfgKey] = cfg

	cache := storage.NewMemory()
	c := NewClient(srv.URL+"/tpr/wow/", WithCache(cache), WithTimeout(5*time.Second))

	got, err := c.Fetch(ctx, storage.KindConfig, cfgKey)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.requests))

	// 第二次命中 cache
	got, err = c.Fetch(ctx, storage.KindConfig, cfgKey)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.requests))
	ok, err := cache.Has(ctx, storage.KindConfig, cfgKey)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClient_ConfigDigest(t *testing.T) {
	f, srv := newFakeCDN(t)
	key := "00112233445566778899aabbccddeeff"
	f.objects["/config/00/11/"+key] = []byte("not the right content")

	cache := storage.NewMemory()
	c := NewClient(srv.URL, WithCache(cache))
	_, err := c.Fetch(context.Background(), storage.KindConfig, key)
	assert.ErrorIs(t, err, core.ErrChecksum)
	assert.Equal(t, 0, cache.Len(), "校验失败的对象不写入 cache")
}

func TestClient_NotFound(t *testing.T) {
	_, srv := newFakeCDN(t)
	c := NewClient(srv.URL, WithBreakerThreshold(1))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.Fetch(ctx, storage.KindData, "00112233445566778899aabbccddeeff")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
	assert.False(t, c.Tripped(), "404 不计入熔断")
}

func TestClient_Breaker(t *testing.T) {
	f, srv := newFakeCDN(t)
	f.fail = true
	c := NewClient(srv.URL, WithBreakerThreshold(2))
	ctx := context.Background()
	key := "00112233445566778899aabbccddeeff"

	for i := 0; i < 2; i++ {
		_, err := c.Fetch(ctx, storage.KindData, key)
		assert.ErrorIs(t, err, storage.ErrTransport)
	}
	assert.True(t, c.Tripped())

	before := atomic.LoadInt32(&f.requests)
	_, err := c.Fetch(ctx, storage.KindData, key)
	assert.ErrorIs(t, err, storage.ErrTransport)
	assert.Equal(t, before, atomic.LoadInt32(&f.requests), "熔断后不再发请求")
}

func TestClient_FetchRange(t *testing.T) {
	f, srv := newFakeCDN(t)
	ctx := context.Background()
	archive := "a0a1a2a3a4a5a6a7a8a9aaabacadaeaf"
	payload := []byte(strings.Repeat("0123456789", 10))
	f.objects["/data/a0/a1/"+archive] = payload

	cache := storage.NewMemory()
	c := NewClient(srv.URL, WithCache(cache))

	got, err := c.FetchRange(ctx, storage.KindData, archive, 15, 10)
	require.NoError(t, err)
	assert.Equal(t, payload[15:25], got)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.ranged))
	assert.Equal(t, 0, cache.Len(), "范围读取不写回 cache")

	got, err = c.FetchRange(ctx, storage.KindData, archive, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	// 整对象进入 cache 后，范围读取直接切片
	_, err = c.Fetch(ctx, storage.KindData, archive)
	require.NoError(t, err)
	before := atomic.LoadInt32(&f.requests)
	got, err = c.FetchRange(ctx, storage.KindData, archive, 90, 10)
	require.NoError(t, err)
	assert.Equal(t, payload[90:], got)
	assert.Equal(t, before, atomic.LoadInt32(&f.requests))

	_, err = c.FetchRange(ctx, storage.KindData, archive, -1, 10)
	assert.ErrorIs(t, err, storage.ErrIO)
}

func TestClient_FetchRange_Short(t *testing.T) {
	f, srv := newFakeCDN(t)
	ctx := context.Background()
	archive := "a0a1a2a3a4a5a6a7a8a9aaabacadaeaf"
	payload := []byte(strings.Repeat("0123456789", 10))
	f.objects["/data/a0/a1/"+archive] = payload
	c := NewClient(srv.URL, WithBreakerThreshold(1))

	// 1. 范围越过对象末尾: 206 只带回 5 字节
	_, err := c.FetchRange(ctx, storage.KindData, archive, 95, 10)
	assert.ErrorIs(t, err, core.ErrSize)
	assert.NotErrorIs(t, err, storage.ErrIO)

	// 2. 范围完全在对象之外: 416
	_, err = c.FetchRange(ctx, storage.KindData, archive, 200, 10)
	assert.ErrorIs(t, err, core.ErrSize)
	assert.False(t, c.Tripped(), "416 不计入熔断")

	// 3. 服务端忽略 Range 时从整个对象中切片
	f.mu.Lock()
	f.ignoreRange = true
	f.mu.Unlock()
	got, err := c.FetchRange(ctx, storage.KindData, archive, 15, 10)
	require.NoError(t, err)
	assert.Equal(t, payload[15:25], got)

	_, err = c.FetchRange(ctx, storage.KindData, archive, 95, 10)
	assert.ErrorIs(t, err, storage.ErrIO)
}

func TestClient_FetchSharedAcrossCancel(t *testing.T) {
	f, srv := newFakeCDN(t)
	key := "00112233445566778899aabbccddeeff"
	payload := []byte("shared blob")
	f.objects["/data/00/11/"+key] = payload
	f.started = make(chan struct{}, 4)
	f.hold = make(chan struct{})
	c := NewClient(srv.URL, WithTimeout(5*time.Second))

	// 1. A 发起下载并阻塞在服务端
	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := c.Fetch(ctxA, storage.KindData, key)
		errA <- err
	}()
	<-f.started

	// 2. B 以存活的 ctx 加入同一个下载
	type result struct {
		data []byte
		err  error
	}
	resB := make(chan result, 1)
	go func() {
		data, err := c.Fetch(context.Background(), storage.KindData, key)
		resB <- result{data, err}
	}()
	time.Sleep(50 * time.Millisecond)

	// 3. A 取消后立即返回，B 不受影响
	cancelA()
	select {
	case err := <-errA:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("canceled caller did not return")
	}
	close(f.hold)

	select {
	case r := <-resB:
		require.NoError(t, r.err)
		assert.Equal(t, payload, r.data)
	case <-time.After(5 * time.Second):
		t.Fatal("live caller did not return")
	}
}

func TestClient_Canceled(t *testing.T) {
	_, srv := newFakeCDN(t)
	c := NewClient(srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Fetch(ctx, storage.KindData, "00112233445566778899aabbccddeeff")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPatchClient(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/wow/versions", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(sampleVersions))
	})
	mux.HandleFunc("/wow/cdns", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(sampleCDNs))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewPatchClient(srv.URL+"/", "wow")
	ctx := context.Background()

	vs, err := p.Versions(ctx)
	require.NoError(t, err)
	assert.Len(t, vs, 2)

	cdns, err := p.CDNs(ctx)
	require.NoError(t, err)
	assert.Len(t, cdns, 2)

	_, err = NewPatchClient(srv.URL, "d3").Versions(ctx)
	assert.Error(t, err)
}
