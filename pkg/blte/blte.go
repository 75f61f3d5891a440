package blte

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"casccdn/pkg/core"
	"casccdn/pkg/types"

	"github.com/klauspost/compress/zlib"
)

// 容器格式常量
const (
	Magic        = "BLTE"
	MinSize      = 12   // magic + header size + flags + chunk count
	FlagByte     = 0x0F // 唯一支持的 flag
	ChunkInfoLen = 24   // compressed(4) + decoded(4) + md5(16)
	HeaderBase   = 12   // header 中除 chunk 表以外的部分

	EncodingRaw  = 'N'
	EncodingZlib = 'Z'
)

// ChunkInfo 是 header 中每个 chunk 的声明
type ChunkInfo struct {
	CompressedSize uint32
	DecodedSize    uint32
	Digest         types.Key
}

// Header 是解析后的容器头
type Header struct {
	HeaderSize  uint32
	Chunks      []ChunkInfo
	DecodedSize uint64
}

type options struct {
	verify bool
}

// Option 配置解码行为
type Option func(*options)

// WithVerify 控制是否校验每个 chunk 的 MD5 (默认开启)
// header 校验始终执行，因为它是容器与 encoding key 之间唯一的绑定
func WithVerify(v bool) Option {
	return func(o *options) { o.verify = v }
}

// Decode 解码一个 BLTE 容器，expected 是 header 的 MD5 (即 encoding key)
func Decode(data []byte, expected types.Key, opts ...Option) ([]byte, error) {
	o := options{verify: true}
	for _, opt := range opts {
		opt(&o)
	}

	hdr, r, err := parseHeader(data, &expected)
	if err != nil {
		return nil, err
	}

	// 1. 一次性分配输出缓冲 (不多分配，不扩容)
	if hdr.DecodedSize > uint64(maxInt) {
		return nil, fmt.Errorf("%w: decoded size %d too large", core.ErrSize, hdr.DecodedSize)
	}
	out := make([]byte, int(hdr.DecodedSize))

	// 2. 逐个解码 chunk
	pos := 0
	for i, ci := range hdr.Chunks {
		chunk := r.Bytes(int(ci.CompressedSize))
		if err := r.Err(); err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
		if o.verify && !core.VerifyDigest(chunk, ci.Digest) {
			return nil, fmt.Errorf("chunk %d: %w", i, core.ErrChunkChecksum)
		}
		dst := out[pos : pos+int(ci.DecodedSize)]
		if err := decodeChunk(chunk, dst); err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
		pos += int(ci.DecodedSize)
	}

	// 3. 最后一个 chunk 之后不允许有多余数据
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d bytes", core.ErrTrailingData, r.Len())
	}
	return out, nil
}

// Info 只解析 header，不校验摘要也不解压
func Info(data []byte) (*Header, error) {
	hdr, _, err := parseHeader(data, nil)
	return hdr, err
}

const maxInt = int(^uint(0) >> 1)

func parseHeader(data []byte, expected *types.Key) (*Header, *core.Reader, error) {
	if len(data) < MinSize {
		return nil, nil, fmt.Errorf("%w: %d bytes, need at least %d", core.ErrTruncated, len(data), MinSize)
	}
	r := core.NewReader(data)
	if string(r.Bytes(4)) != Magic {
		return nil, nil, core.ErrBadMagic
	}

	headerSize := r.Uint32()
	if headerSize == 0 {
		return nil, nil, core.ErrUnsupportedLayout
	}
	if headerSize < 8 || int64(headerSize)-8 > int64(r.Len()) {
		return nil, nil, fmt.Errorf("%w: header size %d exceeds %d available bytes", core.ErrTruncated, headerSize, len(data))
	}
	if expected != nil && !core.VerifyDigest(data[:headerSize], *expected) {
		return nil, nil, core.ErrHeaderChecksum
	}

	if flags := r.Uint8(); flags != FlagByte {
		return nil, nil, fmt.Errorf("%w: 0x%02x", core.ErrBadFlags, flags)
	}
	count := r.Uint24()
	if uint64(headerSize) != uint64(count)*ChunkInfoLen+HeaderBase {
		return nil, nil, fmt.Errorf("%w: header %d, chunks %d", core.ErrHeaderSize, headerSize, count)
	}

	hdr := &Header{HeaderSize: headerSize, Chunks: make([]ChunkInfo, 0, count)}
	for i := uint32(0); i < count; i++ {
		ci := ChunkInfo{
			CompressedSize: r.Uint32(),
			DecodedSize:    r.Uint32(),
			Digest:         r.Key(),
		}
		hdr.Chunks = append(hdr.Chunks, ci)
		hdr.DecodedSize += uint64(ci.DecodedSize)
	}
	if err := r.Err(); err != nil {
		return nil, nil, err
	}
	return hdr, r, nil
}

// decodeChunk 把一个 chunk (1 字节编码标记 + 数据) 解到 dst
// dst 的长度就是声明的解码长度，实际长度必须严格相等
func decodeChunk(chunk []byte, dst []byte) error {
	if len(chunk) < 1 {
		return fmt.Errorf("%w: empty chunk", core.ErrTruncated)
	}
	payload := chunk[1:]
	switch chunk[0] {
	case EncodingRaw:
		if len(payload) != len(dst) {
			return fmt.Errorf("%w: raw chunk has %d bytes, declared %d", core.ErrSize, len(payload), len(dst))
		}
		copy(dst, payload)
		return nil
	case EncodingZlib:
		return inflate(payload, dst)
	default:
		return fmt.Errorf("%w: %q", core.ErrUnknownEncoding, chunk[0])
	}
}

func inflate(payload []byte, dst []byte) error {
	zr, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: zlib header: %v", core.ErrFormat, err)
	}
	defer zr.Close()

	n, err := io.ReadFull(zr, dst)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: inflated %d bytes, declared %d", core.ErrSize, n, len(dst))
		}
		return fmt.Errorf("%w: inflate: %v", core.ErrFormat, err)
	}

	// 流必须恰好在声明长度处结束
	var extra [1]byte
	m, err := zr.Read(extra[:])
	if m > 0 {
		return fmt.Errorf("%w: inflated data exceeds declared %d bytes", core.ErrSize, len(dst))
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: inflate: %v", core.ErrFormat, err)
	}
	return nil
}
