package cdn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"casccdn/pkg/core"
	"casccdn/pkg/observe"
	"casccdn/pkg/storage"
	"casccdn/pkg/types"

	"github.com/rubyist/circuitbreaker"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTimeout          = 30 * time.Second
	DefaultBreakerThreshold = 10
)

// Client 从 CDN 获取 config / data / index 对象
// 实现 storage.Fetcher 与 storage.RangeFetcher；挂载 cache 后，整对象获取会先查 cache 再回源
type Client struct {
	base    string // 以 "/" 结尾，比如 https://level3.blizzard.com/tpr/wow/
	http    *http.Client
	cache   storage.Store
	breaker *circuit.Breaker
	timeout time.Duration

	obs observe.Observer
	log logrus.FieldLogger

	flight singleflight.Group
}

type ClientOption func(*Client)

func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithCache 挂载本地/远端对象缓存，获取到的整对象会写回
func WithCache(s storage.Store) ClientOption {
	return func(c *Client) { c.cache = s }
}

// WithTimeout 设置单次请求的超时 (同时是 breaker 的调用超时)
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithBreakerThreshold 连续失败 n 次后熔断
func WithBreakerThreshold(n int64) ClientOption {
	return func(c *Client) {
		if n <= 0 {
			n = DefaultBreakerThreshold
		}
		c.breaker = circuit.NewConsecutiveBreaker(n)
	}
}

func WithClientObserver(o observe.Observer) ClientOption {
	return func(c *Client) { c.obs = o }
}

func WithClientLogger(l logrus.FieldLogger) ClientOption {
	return func(c *Client) { c.log = l }
}

// NewClient 创建 CDN 客户端，base 是 PickCDN 返回的基础 URL
func NewClient(base string, opts ...ClientOption) *Client {
	c := &Client{
		base:    strings.TrimSuffix(base, "/") + "/",
		http:    http.DefaultClient,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = circuit.NewConsecutiveBreaker(DefaultBreakerThreshold)
	}
	if c.log == nil {
		c.log = logrus.StandardLogger()
	}
	c.obs = observe.OrNop(c.obs)
	return c
}

// Base 返回 CDN 基础 URL
func (c *Client) Base() string { return c.base }

// URL 返回对象在 CDN 上的地址
// index 文件与 archive 同在 data/ 下，带 .index 后缀
func (c *Client) URL(kind, hexKey string) (string, error) {
	if err := storage.ValidateKey(kind, hexKey); err != nil {
		return "", err
	}
	switch kind {
	case storage.KindIndex:
		return c.base + storage.KindData + "/" + types.ShardPath(hexKey) + ".index", nil
	default:
		return c.base + kind + "/" + types.ShardPath(hexKey), nil
	}
}

// Fetch 获取整个对象: cache -> CDN -> 写回 cache
func (c *Client) Fetch(ctx context.Context, kind, hexKey string) ([]byte, error) {
	if err := storage.ValidateKey(kind, hexKey); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 1. 查 cache
	if data, ok := c.fromCache(ctx, kind, hexKey); ok {
		return data, nil
	}

	// 2. 回源，同一对象的并发请求只发一次
	// 共享的下载不跟随任何一个调用方取消，只受 c.timeout 限制；每个调用方各自等待自己的 ctx
	ch := c.flight.DoChan(kind+"/"+hexKey, func() (any, error) {
		dctx, cancel := c.detached(ctx)
		defer cancel()
		return c.download(dctx, kind, hexKey)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.([]byte), nil
	}
}

// detached 返回脱离 ctx 取消信号、保留其 value 的 context
func (c *Client) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	base := context.WithoutCancel(ctx)
	if c.timeout > 0 {
		return context.WithTimeout(base, c.timeout)
	}
	return context.WithCancel(base)
}

func (c *Client) fromCache(ctx context.Context, kind, hexKey string) ([]byte, bool) {
	if c.cache == nil {
		return nil, false
	}
	start := time.Now()
	rc, err := c.cache.Get(ctx, kind, hexKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.log.WithError(err).WithField("key", hexKey).Warn("cache read failed, falling back to cdn")
		}
		return nil, false
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		c.log.WithError(err).WithField("key", hexKey).Warn("cache read failed, falling back to cdn")
		return nil, false
	}
	c.obs.Fetched(kind, "cache", len(data), time.Since(start), nil)
	return data, true
}

func (c *Client) download(ctx context.Context, kind, hexKey string) ([]byte, error) {
	start := time.Now()
	url, err := c.URL(kind, hexKey)
	if err != nil {
		return nil, err
	}
	data, _, err := c.get(ctx, url, "")
	if err == nil && kind == storage.KindConfig {
		// config 对象以自身内容的 MD5 命名
		if got := core.Digest(data).String(); got != hexKey {
			err = fmt.Errorf("%w: config %s has digest %s", core.ErrChecksum, hexKey, got)
		}
	}
	c.obs.Fetched(kind, "cdn", len(data), time.Since(start), err)
	if err != nil {
		return nil, err
	}

	// 3. 写回 cache，失败不影响本次结果
	if c.cache != nil {
		if perr := c.cache.Put(ctx, kind, hexKey, data); perr != nil {
			c.log.WithError(perr).WithField("key", hexKey).Warn("cache write failed")
		}
	}
	c.log.WithFields(logrus.Fields{"kind": kind, "key": hexKey, "size": len(data)}).Debug("downloaded")
	return data, nil
}

// FetchRange 读取对象的 [offset, offset+size)
// cache 中有整对象时从 cache 切片，否则发 HTTP Range 请求；范围读取的结果不写回 cache
func (c *Client) FetchRange(ctx context.Context, kind, hexKey string, offset, size int64) ([]byte, error) {
	if err := storage.ValidateKey(kind, hexKey); err != nil {
		return nil, err
	}
	if offset < 0 || size < 0 {
		return nil, fmt.Errorf("%w: bad range %d+%d", storage.ErrIO, offset, size)
	}

	if c.cache != nil {
		if ok, err := c.cache.Has(ctx, kind, hexKey); err == nil && ok {
			start := time.Now()
			data, err := storage.StoreFetcher{Store: c.cache}.FetchRange(ctx, kind, hexKey, offset, size)
			if err == nil {
				c.obs.Fetched(kind, "cache", len(data), time.Since(start), nil)
				return data, nil
			}
			c.log.WithError(err).WithField("key", hexKey).Warn("cache range read failed, falling back to cdn")
		}
	}

	start := time.Now()
	url, err := c.URL(kind, hexKey)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return []byte{}, nil
	}
	data, status, err := c.get(ctx, url, fmt.Sprintf("bytes=%d-%d", offset, offset+size-1))
	switch {
	case err != nil:
	case status == http.StatusOK:
		// 服务端忽略了 Range，返回了整个对象
		data, err = storage.Slice(data, offset, size)
	case int64(len(data)) != size:
		err = fmt.Errorf("%w: range %d+%d of %s returned %d bytes", core.ErrSize, offset, size, hexKey, len(data))
		data = nil
	}
	c.obs.Fetched(kind, "cdn-range", len(data), time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// get 经过 breaker 发起一次 GET，返回 body 与 HTTP 状态码
// 404 映射为 storage.ErrNotFound，416 映射为 core.ErrSize，两者都不计入熔断
func (c *Client) get(ctx context.Context, url, byteRange string) ([]byte, int, error) {
	var body []byte
	var status int

	err := c.breaker.CallContext(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		if byteRange != "" {
			req.Header.Set("Range", byteRange)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		status = resp.StatusCode
		switch status {
		case http.StatusOK, http.StatusPartialContent:
			body, err = io.ReadAll(resp.Body)
			return err
		case http.StatusNotFound, http.StatusRequestedRangeNotSatisfiable:
			return nil
		default:
			return fmt.Errorf("unexpected status %s", resp.Status)
		}
	}, c.timeout)

	if cerr := ctx.Err(); cerr != nil {
		return nil, 0, cerr
	}
	if err != nil {
		return nil, 0, fmt.Errorf("%w: GET %s: %v", storage.ErrTransport, url, err)
	}
	switch status {
	case http.StatusNotFound:
		return nil, status, fmt.Errorf("%w: %s", storage.ErrNotFound, url)
	case http.StatusRequestedRangeNotSatisfiable:
		return nil, status, fmt.Errorf("%w: range %s not satisfiable for %s", core.ErrSize, byteRange, url)
	}
	return body, status, nil
}

// Tripped 报告 breaker 当前是否处于熔断状态
func (c *Client) Tripped() bool { return c.breaker.Tripped() }
