package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"casccdn/pkg/types"
)

// 传输层错误分类
var (
	ErrNotFound   = errors.New("object not found")
	ErrIO         = errors.New("storage i/o error")
	ErrTransport  = errors.New("transport error")
	ErrInvalidKey = errors.New("invalid object key")
)

// 对象类别，对应 CDN 上的目录
const (
	KindConfig = "config"
	KindData   = "data"
	KindPatch  = "patch"
	KindIndex  = "index" // archive 的 .index 文件，CDN 上位于 data/ 下
)

// Fetcher 是解析链路消费的外部获取能力
// hexKey 是 16 字节 key 的小写十六进制
type Fetcher interface {
	Fetch(ctx context.Context, kind, hexKey string) ([]byte, error)
}

// RangeFetcher 额外支持读取对象的一段 (archive 内的编码 blob)
type RangeFetcher interface {
	Fetcher
	FetchRange(ctx context.Context, kind, hexKey string, offset, size int64) ([]byte, error)
}

// Store defines the interface for a local or remote object cache.
// Objects are addressed by (kind, hexKey) and never modified once written.
type Store interface {
	// Get 返回对象内容的流
	Get(ctx context.Context, kind, hexKey string) (io.ReadCloser, error)

	// Put 写入对象，已存在时直接返回 (幂等)
	Put(ctx context.Context, kind, hexKey string, data []byte) error

	// Has 检查对象是否存在
	Has(ctx context.Context, kind, hexKey string) (bool, error)
}

// RangeStore 是可以只读取对象一段数据的 Store
// archive 可能有几百 MB，只读需要的那一段
type RangeStore interface {
	Store
	GetRange(ctx context.Context, kind, hexKey string, offset, size int64) ([]byte, error)
}

// ObjectPath 返回对象的分片路径: <kind>/<aa>/<bb>/<hex>
func ObjectPath(kind, hexKey string) (string, error) {
	if err := ValidateKey(kind, hexKey); err != nil {
		return "", err
	}
	return path.Join(kind, types.ShardPath(hexKey)), nil
}

// ValidateKey 拒绝可能逃出存储根目录的 kind / key
func ValidateKey(kind, hexKey string) error {
	if kind == "" || strings.ContainsAny(kind, `/\.`) {
		return fmt.Errorf("%w: kind %q", ErrInvalidKey, kind)
	}
	if len(hexKey) < 4 {
		return fmt.Errorf("%w: key %q too short", ErrInvalidKey, hexKey)
	}
	for i := 0; i < len(hexKey); i++ {
		c := hexKey[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f') {
			return fmt.Errorf("%w: key %q is not lowercase hex", ErrInvalidKey, hexKey)
		}
	}
	return nil
}
