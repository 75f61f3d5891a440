// pkg/types/common.go
package types

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
)

// KeySize 是所有 CASC 键的固定宽度 (128 bit)
const KeySize = 16

// Key 是一个不透明的 128 位标识符
// 只支持排序与相等比较，按大端 u128 的顺序排列 (等价于逐字节比较)
type Key [KeySize]byte

// String 返回小写的 32 位十六进制表示
func (k Key) String() string { return hex.EncodeToString(k[:]) }

func (k Key) IsZero() bool { return k == Key{} }

// Compare 逐字节比较，返回 -1/0/1
func (k Key) Compare(o Key) int { return bytes.Compare(k[:], o[:]) }

// ParseKey 从十六进制字符串解析 Key (大小写均可)
func ParseKey(s string) (Key, error) {
	var k Key
	s = strings.TrimSpace(s)
	if len(s) != KeySize*2 {
		return k, fmt.Errorf("invalid key %q: want %d hex chars, got %d", s, KeySize*2, len(s))
	}
	if _, err := hex.Decode(k[:], []byte(s)); err != nil {
		return k, fmt.Errorf("invalid key %q: %w", s, err)
	}
	return k, nil
}

// KeyFromBytes 复制前 16 字节构造 Key，调用方保证长度足够
func KeyFromBytes(b []byte) Key {
	var k Key
	copy(k[:], b)
	return k
}

// ContentKey 标识资源解码后内容 (decoded bytes 的 MD5)
type ContentKey Key

func (k ContentKey) String() string          { return Key(k).String() }
func (k ContentKey) Compare(o ContentKey) int { return Key(k).Compare(Key(o)) }

// EncodingKey 标识资源的某一种编码表示 (BLTE 容器)
// 同一个 ContentKey 可能因为重新编码而对应多个 EncodingKey
type EncodingKey Key

func (k EncodingKey) String() string           { return Key(k).String() }
func (k EncodingKey) Compare(o EncodingKey) int { return Key(k).Compare(Key(o)) }

// ArchiveKey 标识 CDN 上的一个 archive 文件
type ArchiveKey Key

func (k ArchiveKey) String() string { return Key(k).String() }

func ParseContentKey(s string) (ContentKey, error) {
	k, err := ParseKey(s)
	return ContentKey(k), err
}

func ParseEncodingKey(s string) (EncodingKey, error) {
	k, err := ParseKey(s)
	return EncodingKey(k), err
}

func ParseArchiveKey(s string) (ArchiveKey, error) {
	k, err := ParseKey(s)
	return ArchiveKey(k), err
}

// ShardPath 返回 "<aa>/<bb>/<hex>" 形式的分片路径
// CDN 与本地缓存都使用这种布局
func ShardPath(hexKey string) string {
	if len(hexKey) < 4 {
		return hexKey
	}
	return hexKey[0:2] + "/" + hexKey[2:4] + "/" + hexKey
}
