// Package fixture 构造合法的 CASC 二进制数据，供各个包的测试使用
// 这里只是测试用的最小编码器，不是写路径
package fixture

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"sort"

	"casccdn/pkg/types"

	"github.com/klauspost/compress/zlib"
)

// Key 构造一个前几个字节可控的测试 Key
func Key(prefix ...byte) types.Key {
	var k types.Key
	copy(k[:], prefix)
	// 尾字节固定为非零，避免与零填充混淆
	k[types.KeySize-1] |= 0x01
	return k
}

func CKey(prefix ...byte) types.ContentKey  { return types.ContentKey(Key(prefix...)) }
func EKey(prefix ...byte) types.EncodingKey { return types.EncodingKey(Key(prefix...)) }

func md5Key(b []byte) types.Key { return types.Key(md5.Sum(b)) }

// -----------------------------------------------------------------------------
// BLTE
// -----------------------------------------------------------------------------

// Chunk 是一个待编码的 chunk，Data 是解码后的内容
type Chunk struct {
	Encoding byte // 'N' 或 'Z'
	Data     []byte
}

// BLTE 编码一组 chunk，返回容器字节和 header 的 MD5 (encoding key)
func BLTE(chunks ...Chunk) ([]byte, types.EncodingKey) {
	payloads := make([][]byte, len(chunks))
	for i, c := range chunks {
		var body []byte
		switch c.Encoding {
		case 'Z':
			var zb bytes.Buffer
			zw := zlib.NewWriter(&zb)
			zw.Write(c.Data)
			zw.Close()
			body = zb.Bytes()
		default:
			body = c.Data
		}
		payloads[i] = append([]byte{c.Encoding}, body...)
	}

	headerSize := 12 + 24*len(chunks)
	var buf bytes.Buffer
	buf.WriteString("BLTE")
	binary.Write(&buf, binary.BigEndian, uint32(headerSize))
	buf.WriteByte(0x0F)
	n := len(chunks)
	buf.Write([]byte{byte(n >> 16), byte(n >> 8), byte(n)})
	for i, c := range chunks {
		binary.Write(&buf, binary.BigEndian, uint32(len(payloads[i])))
		binary.Write(&buf, binary.BigEndian, uint32(len(c.Data)))
		d := md5.Sum(payloads[i])
		buf.Write(d[:])
	}
	ekey := types.EncodingKey(md5Key(buf.Bytes()))
	for _, p := range payloads {
		buf.Write(p)
	}
	return buf.Bytes(), ekey
}

// -----------------------------------------------------------------------------
// Encoding table
// -----------------------------------------------------------------------------

// ContentEntry 是内容页中的一条记录
type ContentEntry struct {
	CKey  types.ContentKey
	EKeys []types.EncodingKey
	Size  uint64
}

// EncodedEntry 是编码页中的一条记录
type EncodedEntry struct {
	EKey       types.EncodingKey
	ESpecIndex uint32
	Size       uint64
}

// Encoding 描述一个 encoding 表，调用方负责提供已排序的条目
type Encoding struct {
	PageSizeKB    int // 默认 4
	ESpecs        []string
	Content       []ContentEntry
	Encoded       []EncodedEntry
	TrailingESpec string
}

type page struct {
	first types.Key
	body  []byte
}

func packPages(pageSize int, records [][]byte, firsts []types.Key) []page {
	var pages []page
	var cur []byte
	var first types.Key
	for i, rec := range records {
		if len(cur)+len(rec) > pageSize && len(cur) > 0 {
			pages = append(pages, page{first: first, body: cur})
			cur = nil
		}
		if len(cur) == 0 {
			first = firsts[i]
		}
		cur = append(cur, rec...)
	}
	if len(cur) > 0 {
		pages = append(pages, page{first: first, body: cur})
	}
	for i := range pages {
		padded := make([]byte, pageSize)
		copy(padded, pages[i].body)
		pages[i].body = padded
	}
	return pages
}

func put40(b []byte, v uint64) []byte {
	return append(b, byte(v>>32), byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// Bytes 编码整个 encoding 表 (未经 BLTE 包装)
func (e Encoding) Bytes() []byte {
	kb := e.PageSizeKB
	if kb == 0 {
		kb = 4
	}
	pageSize := kb * 1024

	var crecs [][]byte
	var cfirst []types.Key
	for _, c := range e.Content {
		rec := []byte{byte(len(c.EKeys))}
		rec = put40(rec, c.Size)
		rec = append(rec, c.CKey[:]...)
		for _, ek := range c.EKeys {
			rec = append(rec, ek[:]...)
		}
		crecs = append(crecs, rec)
		cfirst = append(cfirst, types.Key(c.CKey))
	}
	var erecs [][]byte
	var efirst []types.Key
	for _, en := range e.Encoded {
		rec := append([]byte{}, en.EKey[:]...)
		rec = binary.BigEndian.AppendUint32(rec, en.ESpecIndex)
		rec = put40(rec, en.Size)
		erecs = append(erecs, rec)
		efirst = append(efirst, types.Key(en.EKey))
	}
	cpages := packPages(pageSize, crecs, cfirst)
	epages := packPages(pageSize, erecs, efirst)

	var espec []byte
	for _, s := range e.ESpecs {
		espec = append(espec, s...)
		espec = append(espec, 0)
	}

	var buf bytes.Buffer
	buf.WriteString("EN")
	buf.WriteByte(1)
	buf.WriteByte(16)
	buf.WriteByte(16)
	binary.Write(&buf, binary.BigEndian, uint16(kb))
	binary.Write(&buf, binary.BigEndian, uint16(kb))
	binary.Write(&buf, binary.BigEndian, uint32(len(cpages)))
	binary.Write(&buf, binary.BigEndian, uint32(len(epages)))
	buf.WriteByte(0)
	binary.Write(&buf, binary.BigEndian, uint32(len(espec)))
	buf.Write(espec)
	for _, p := range cpages {
		buf.Write(p.first[:])
		d := md5.Sum(p.body)
		buf.Write(d[:])
	}
	for _, p := range cpages {
		buf.Write(p.body)
	}
	for _, p := range epages {
		buf.Write(p.first[:])
		d := md5.Sum(p.body)
		buf.Write(d[:])
	}
	for _, p := range epages {
		buf.Write(p.body)
	}
	buf.WriteString(e.TrailingESpec)
	return buf.Bytes()
}

// ContentPageOffset 返回第 i 个内容页在 Bytes() 输出中的起始偏移
func (e Encoding) ContentPageOffset(i int) int {
	var especLen int
	for _, s := range e.ESpecs {
		especLen += len(s) + 1
	}
	kb := e.PageSizeKB
	if kb == 0 {
		kb = 4
	}
	// header 22 字节 + espec + 内容页目录
	pages := e.contentPageCount(kb * 1024)
	return 22 + especLen + pages*32 + i*kb*1024
}

func (e Encoding) contentPageCount(pageSize int) int {
	var recs [][]byte
	var firsts []types.Key
	for _, c := range e.Content {
		recs = append(recs, make([]byte, 22+16*len(c.EKeys)))
		firsts = append(firsts, types.Key(c.CKey))
	}
	return len(packPages(pageSize, recs, firsts))
}

// -----------------------------------------------------------------------------
// Install manifest
// -----------------------------------------------------------------------------

type InstallTag struct {
	Name  string
	Type  uint16
	Files []int // 携带该 tag 的文件下标
}

type InstallFile struct {
	Path string
	CKey types.ContentKey
	Size uint32
}

// Install 编码一个 install manifest
func Install(tags []InstallTag, files []InstallFile) []byte {
	maskLen := (len(files) + 7) / 8

	var buf bytes.Buffer
	buf.WriteString("IN")
	buf.WriteByte(1)
	buf.WriteByte(0)
	binary.Write(&buf, binary.BigEndian, uint16(len(tags)))
	binary.Write(&buf, binary.BigEndian, uint32(len(files)))
	for _, t := range tags {
		buf.WriteString(t.Name)
		buf.WriteByte(0)
		binary.Write(&buf, binary.BigEndian, t.Type)
		mask := make([]byte, maskLen)
		for _, i := range t.Files {
			mask[i/8] |= 1 << (i % 8)
		}
		buf.Write(mask)
	}
	for _, f := range files {
		buf.WriteString(f.Path)
		buf.WriteByte(0)
		buf.Write(f.CKey[:])
		binary.Write(&buf, binary.BigEndian, f.Size)
	}
	return buf.Bytes()
}

// -----------------------------------------------------------------------------
// Archive index
// -----------------------------------------------------------------------------

const (
	IndexBlockSize    = 4096
	IndexEntrySize    = 24
	IndexPerBlock     = IndexBlockSize / IndexEntrySize
	IndexFooterSize   = 28
	IndexTOCEntrySize = 24
)

type IndexEntry struct {
	EKey   types.EncodingKey
	Size   uint32
	Offset uint32
}

func high8(b []byte) []byte {
	d := md5.Sum(b)
	return d[:8]
}

// ArchiveIndex 编码一个 archive .index 文件，条目会先按 key 排序
func ArchiveIndex(entries []IndexEntry) []byte {
	sorted := append([]IndexEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].EKey.Compare(sorted[j].EKey) < 0 })

	var blocks [][]IndexEntry
	var lastKeys []types.EncodingKey
	for start := 0; start < len(sorted); start += IndexPerBlock {
		end := min(start+IndexPerBlock, len(sorted))
		blocks = append(blocks, sorted[start:end])
		lastKeys = append(lastKeys, sorted[end-1].EKey)
	}
	return ArchiveIndexRaw(blocks, lastKeys, uint32(len(sorted)))
}

// ArchiveIndexRaw 按给定的块划分、TOC last key 与声明数量编码，不做任何检查
// 用于构造重复 key / last key 不匹配 / 数量不符等非法输入
func ArchiveIndexRaw(blocks [][]IndexEntry, lastKeys []types.EncodingKey, count uint32) []byte {
	var raw [][]byte
	for _, entries := range blocks {
		block := make([]byte, 0, IndexBlockSize)
		for _, e := range entries {
			block = append(block, e.EKey[:]...)
			block = binary.BigEndian.AppendUint32(block, e.Size)
			block = binary.BigEndian.AppendUint32(block, e.Offset)
		}
		raw = append(raw, block[:IndexBlockSize])
	}

	var toc []byte
	for _, k := range lastKeys {
		toc = append(toc, k[:]...)
	}
	for _, b := range raw {
		toc = append(toc, high8(b)...)
	}

	footer := append([]byte{}, high8(toc)...)
	footer = append(footer, 1, 0, 0, 4, 4, 4, 16, 8)
	footer = binary.LittleEndian.AppendUint32(footer, count)
	footer = append(footer, IndexFooterChecksum(footer)...)

	var buf bytes.Buffer
	for _, b := range raw {
		buf.Write(b)
	}
	buf.Write(toc)
	buf.Write(footer)
	return buf.Bytes()
}

// IndexFooterChecksum 计算 footer 自身的校验值：[8:20] 补零到 20 字节后的 md5 高 8 字节
func IndexFooterChecksum(footer []byte) []byte {
	check := make([]byte, 20)
	copy(check, footer[8:20])
	return high8(check)
}
