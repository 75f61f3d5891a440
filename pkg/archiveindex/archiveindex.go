package archiveindex

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"casccdn/pkg/core"
	"casccdn/pkg/types"
)

// 文件格式常量
const (
	BlockSize    = 4096
	EntrySize    = 16 + 4 + 4 // ekey + size + offset
	TOCEntrySize = 16 + 8     // last key + block hash 高 8 字节
	FooterSize   = 28

	// footer 中固定的版本与参数字节
	footerVersion     = 1
	footerBlockSizeKB = 4
	footerOffsetBytes = 4
	footerSizeBytes   = 4
	footerKeySize     = 16
	footerHashSize    = 8
)

// Location 描述一个编码 blob 在 archive 中的位置
type Location struct {
	Archive types.ArchiveKey
	Size    uint32
	Offset  uint32
}

// Entry 是 Entries() 迭代的单条记录
type Entry struct {
	EncodingKey types.EncodingKey
	Location
}

// Index 是单个 archive 的 .index 文件，构建后只读
type Index struct {
	archive types.ArchiveKey
	entries map[types.EncodingKey]Location
}

type options struct {
	verify bool
}

type Option func(*options)

// WithVerify 控制是否校验每个数据块的摘要 (默认开启)
// TOC 与 footer 的摘要始终校验
func WithVerify(v bool) Option {
	return func(o *options) { o.verify = v }
}

type footer struct {
	tocHash uint64
	count   uint32
}

// Parse 解析 archive 的 .index 文件
func Parse(archive types.ArchiveKey, raw []byte, opts ...Option) (*Index, error) {
	o := options{verify: true}
	for _, opt := range opts {
		opt(&o)
	}

	// 1. footer 之前必须是整数个 (block + toc entry)
	if len(raw) < FooterSize {
		return nil, fmt.Errorf("%w: archive index %s is %d bytes", core.ErrTruncated, archive, len(raw))
	}
	body := len(raw) - FooterSize
	if body%(BlockSize+TOCEntrySize) != 0 {
		return nil, fmt.Errorf("%w: archive index %s body is not a whole number of blocks", core.ErrFormat, archive)
	}
	nblocks := body / (BlockSize + TOCEntrySize)
	tocStart := nblocks * BlockSize
	toc := raw[tocStart:body]

	// 2. footer
	f, err := parseFooter(raw[body:])
	if err != nil {
		return nil, fmt.Errorf("archive index %s: %w", archive, err)
	}
	if core.DigestHigh64(toc) != f.tocHash {
		return nil, fmt.Errorf("archive index %s: %w: table of contents", archive, core.ErrChecksum)
	}

	// 3. TOC: 先是 nblocks 个 last key，再是 nblocks 个块摘要
	tr := core.NewReader(toc)
	lastKeys := make([]types.EncodingKey, nblocks)
	for i := range lastKeys {
		lastKeys[i] = types.EncodingKey(tr.Key())
	}
	blockHashes := make([]uint64, nblocks)
	for i := range blockHashes {
		blockHashes[i] = tr.Uint64()
	}
	if err := tr.Err(); err != nil {
		return nil, fmt.Errorf("archive index %s toc: %w", archive, err)
	}

	// 4. 逐块扫描
	// 容量以块数为上限，不信任 footer 中的数量
	capacity := min(int64(f.count), int64(nblocks)*(BlockSize/EntrySize))
	idx := &Index{archive: archive, entries: make(map[types.EncodingKey]Location, capacity)}
	for i := 0; i < nblocks; i++ {
		block := raw[i*BlockSize : (i+1)*BlockSize]
		if o.verify && core.DigestHigh64(block) != blockHashes[i] {
			return nil, fmt.Errorf("archive index %s block %d: %w", archive, i, core.ErrChecksum)
		}
		if err := idx.scanBlock(block, lastKeys[i]); err != nil {
			return nil, fmt.Errorf("archive index %s block %d: %w", archive, i, err)
		}
	}

	if uint64(len(idx.entries)) != uint64(f.count) {
		return nil, fmt.Errorf("archive index %s: %w: footer declares %d, found %d",
			archive, core.ErrCountMismatch, f.count, len(idx.entries))
	}
	return idx, nil
}

func parseFooter(b []byte) (footer, error) {
	r := core.NewReader(b)
	var f footer
	f.tocHash = r.Uint64()
	params := r.Bytes(8)
	f.count = r.Uint32LE()
	check := r.Uint64()
	if err := r.Err(); err != nil {
		return f, err
	}

	want := []byte{footerVersion, 0, 0, footerBlockSizeKB, footerOffsetBytes, footerSizeBytes, footerKeySize, footerHashSize}
	if !bytes.Equal(params, want) {
		return f, fmt.Errorf("%w: unexpected footer parameters % x", core.ErrFormat, params)
	}

	// footer 自身的校验：对 [8:20] 补零到 20 字节后取 md5 高 8 字节
	var window [20]byte
	copy(window[:], b[8:20])
	if core.DigestHigh64(window[:]) != check {
		return f, fmt.Errorf("%w: footer", core.ErrChecksum)
	}
	return f, nil
}

// scanBlock 顺序读取条目，直到遇到 TOC 中记录的该块最后一个 key
func (idx *Index) scanBlock(block []byte, last types.EncodingKey) error {
	r := core.NewReader(block)
	for r.Len() >= EntrySize {
		ekey := types.EncodingKey(r.Key())
		size := r.Uint32()
		offset := r.Uint32()
		if types.Key(ekey).IsZero() {
			// 零填充，块已经结束
			break
		}
		if _, dup := idx.entries[ekey]; dup {
			return fmt.Errorf("%w: %s", core.ErrDuplicateKey, ekey)
		}
		idx.entries[ekey] = Location{Archive: idx.archive, Size: size, Offset: offset}
		if ekey == last {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", core.ErrLastKeyMismatch, last)
}

// Lookup 返回 ekey 在本 archive 中的位置
func (idx *Index) Lookup(ekey types.EncodingKey) (Location, bool) {
	loc, ok := idx.entries[ekey]
	return loc, ok
}

// Entries 返回所有条目，按 ekey 排序
func (idx *Index) Entries() []Entry {
	out := make([]Entry, 0, len(idx.entries))
	for k, loc := range idx.entries {
		out = append(out, Entry{EncodingKey: k, Location: loc})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EncodingKey.Compare(out[j].EncodingKey) < 0 })
	return out
}

func (idx *Index) Archive() types.ArchiveKey { return idx.archive }
func (idx *Index) Len() int                  { return len(idx.entries) }

func (idx *Index) String() string {
	return fmt.Sprintf("ArchiveIndex{archive: %s, entries: %d}", idx.archive, len(idx.entries))
}

// Group 把多个 archive 的索引合并成一个查询面
// 同一个 ekey 出现在两个 archive 中视为错误
type Group struct {
	archives []types.ArchiveKey
	entries  map[types.EncodingKey]Location
}

func NewGroup(indices ...*Index) (*Group, error) {
	g := &Group{entries: make(map[types.EncodingKey]Location)}
	for _, idx := range indices {
		if err := g.Add(idx); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Add 合并一个索引，出现重复 key 时 Group 保持不变
func (g *Group) Add(idx *Index) error {
	for k := range idx.entries {
		if prev, dup := g.entries[k]; dup {
			return fmt.Errorf("%w: %s in archives %s and %s", core.ErrDuplicateKey, k, prev.Archive, idx.archive)
		}
	}
	for k, loc := range idx.entries {
		g.entries[k] = loc
	}
	g.archives = append(g.archives, idx.archive)
	return nil
}

func (g *Group) Lookup(ekey types.EncodingKey) (Location, bool) {
	loc, ok := g.entries[ekey]
	return loc, ok
}

func (g *Group) Len() int                     { return len(g.entries) }
func (g *Group) Archives() []types.ArchiveKey { return g.archives }

// FooterCount 读取 footer 中声明的条目数 (小端)，不做任何校验
func FooterCount(raw []byte) (uint32, bool) {
	if len(raw) < FooterSize {
		return 0, false
	}
	return binary.LittleEndian.Uint32(raw[len(raw)-FooterSize+16:]), true
}
