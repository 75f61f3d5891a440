package core

import (
	"crypto/md5"
	"encoding/binary"

	"casccdn/pkg/types"
)

// Digest 计算数据的 MD5，CASC 的所有 header/page/chunk 校验都基于它
func Digest(data []byte) types.Key {
	return types.Key(md5.Sum(data))
}

// DigestHigh64 返回 MD5 的高 64 位 (前 8 字节，大端)
// archive index 的 block/toc/footer 校验只保留这 8 字节
func DigestHigh64(data []byte) uint64 {
	sum := md5.Sum(data)
	return binary.BigEndian.Uint64(sum[:8])
}

// VerifyDigest 校验数据的 MD5 是否等于 want
func VerifyDigest(data []byte, want types.Key) bool {
	return Digest(data) == want
}
