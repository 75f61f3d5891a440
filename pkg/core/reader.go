package core

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"casccdn/pkg/types"
)

// Reader 是一个带边界检查的游标，用于解析不可信的二进制数据
// 读取越界时不会 panic：记录第一个错误，之后所有读取返回零值
// 调用方在一组读取之后检查 Err()
type Reader struct {
	buf []byte
	off int
	err error
}

func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Err 返回第一个遇到的错误 (包装 ErrTruncated)
func (r *Reader) Err() error { return r.err }

// Offset 是已经消费的字节数
func (r *Reader) Offset() int { return r.off }

// Len 是剩余的字节数
func (r *Reader) Len() int { return len(r.buf) - r.off }

// Rest 返回剩余数据，不移动游标
func (r *Reader) Rest() []byte { return r.buf[r.off:] }

// Peek 查看下一个字节
func (r *Reader) Peek() (byte, bool) {
	if r.err != nil || r.off >= len(r.buf) {
		return 0, false
	}
	return r.buf[r.off], true
}

func (r *Reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || n > len(r.buf)-r.off {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrTruncated, n, r.off, len(r.buf)-r.off)
		return false
	}
	return true
}

// Bytes 返回接下来的 n 个字节 (子切片，不复制)
func (r *Reader) Bytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) Skip(n int) {
	r.Bytes(n)
}

func (r *Reader) Uint8() uint8 {
	b := r.Bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) Uint16() uint16 {
	b := r.Bytes(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

// Uint24 读取大端 24 位整数 (BLTE chunk count)
func (r *Reader) Uint24() uint32 {
	b := r.Bytes(3)
	if b == nil {
		return 0
	}
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

func (r *Reader) Uint32() uint32 {
	b := r.Bytes(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *Reader) Uint32LE() uint32 {
	b := r.Bytes(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// Uint40 读取 1 字节高位 + 4 字节低位的 40 位大端整数 (encoding 文件大小)
func (r *Reader) Uint40() uint64 {
	b := r.Bytes(5)
	if b == nil {
		return 0
	}
	return uint64(b[0])<<32 | uint64(binary.BigEndian.Uint32(b[1:]))
}

func (r *Reader) Uint64() uint64 {
	b := r.Bytes(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *Reader) Key() types.Key {
	b := r.Bytes(types.KeySize)
	if b == nil {
		return types.Key{}
	}
	return types.KeyFromBytes(b)
}

// CString 读取一个以 NUL 结尾的字符串 (不包含 NUL)
func (r *Reader) CString() string {
	if r.err != nil {
		return ""
	}
	i := bytes.IndexByte(r.buf[r.off:], 0)
	if i < 0 {
		r.err = fmt.Errorf("%w: unterminated string at offset %d", ErrTruncated, r.off)
		return ""
	}
	s := string(r.buf[r.off : r.off+i])
	r.off += i + 1
	return s
}
