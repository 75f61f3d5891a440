package core

import (
	"errors"
	"fmt"
)

// 错误分类 (Category)
// 具体错误通过 %w 包装分类，调用方可以用 errors.Is 在两个粒度上判断
var (
	ErrTruncated = errors.New("truncated input")
	ErrFormat    = errors.New("format error")
	ErrChecksum  = errors.New("checksum mismatch")
	ErrSize      = errors.New("size mismatch")
	ErrNotFound  = errors.New("not found")
)

// BLTE
var (
	ErrBadMagic          = fmt.Errorf("%w: bad magic", ErrFormat)
	ErrUnsupportedLayout = fmt.Errorf("%w: headerless single-chunk layout not supported", ErrFormat)
	ErrHeaderChecksum    = fmt.Errorf("%w: header", ErrChecksum)
	ErrChunkChecksum     = fmt.Errorf("%w: chunk", ErrChecksum)
	ErrBadFlags          = fmt.Errorf("%w: bad flag byte", ErrFormat)
	ErrHeaderSize        = fmt.Errorf("%w: header size does not match chunk count", ErrSize)
	ErrUnknownEncoding   = errors.New("unknown chunk encoding")
	ErrTrailingData      = fmt.Errorf("%w: trailing data after last chunk", ErrFormat)
)

// 索引与解析链路
var (
	ErrUnknownContentKey   = fmt.Errorf("%w: unknown content key", ErrNotFound)
	ErrEncodingKeyMismatch = errors.New("encoding key mismatch")
	ErrDuplicateKey        = fmt.Errorf("%w: duplicate key", ErrFormat)
	ErrLastKeyMismatch     = fmt.Errorf("%w: block last key not found", ErrFormat)
	ErrCountMismatch       = fmt.Errorf("%w: element count mismatch", ErrFormat)
)
