package enctable

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"casccdn/pkg/core"
	"casccdn/pkg/types"

	"golang.org/x/sync/errgroup"
)

// 文件格式常量
const (
	Magic    = "EN"
	Version  = 1
	HashSize = 16

	// 页尾填充的哨兵字节
	PaddingSentinel = '0'

	dirEntrySize     = HashSize * 2     // first key + page md5
	minContentEntry  = 1 + 5 + HashSize // key count + size + ckey
	encodedEntrySize = HashSize + 4 + 5 // ekey + espec index + size
)

type contentEntry struct {
	ckey types.ContentKey
	ekey types.EncodingKey
	size uint64
}

type encodedEntry struct {
	ekey       types.EncodingKey
	especIndex uint32
	size       uint64
}

// Table 是解析后的 encoding 表，构建后只读，可并发查询
type Table struct {
	especs        []string
	content       []contentEntry                           // 按 ckey 全局有序 (来自输入)
	alternates    map[types.ContentKey][]types.EncodingKey // 多 ekey 的少数条目
	encoded       []encodedEntry                           // 按 ekey 全局有序 (来自输入)
	trailingESpec string
}

// Mapping 是一次 ckey 查询的结果
// 绝大多数条目只有一个 ekey，此时 Alternates 为 nil，不额外分配
type Mapping struct {
	ContentKey  types.ContentKey
	EncodingKey types.EncodingKey // 权威的第一个 ekey
	Size        uint64            // 声明的解码后大小
	Alternates  []types.EncodingKey
}

// Multi 表示该内容有多个编码表示
func (m Mapping) Multi() bool { return len(m.Alternates) > 0 }

// EncodedInfo 是 ekey 页中的一条记录
type EncodedInfo struct {
	EncodingKey types.EncodingKey
	ESpecIndex  uint32
	Size        uint64 // 编码后 (BLTE) 的大小
	ESpec       string // ESpecIndex 指向的字符串，越界时为空
}

type options struct {
	verify      bool
	parallelism int
}

type Option func(*options)

// WithVerify 控制是否校验每一页的 MD5 (默认开启)
func WithVerify(v bool) Option {
	return func(o *options) { o.verify = v }
}

// WithParallelism 设置并行解析页的 goroutine 数，<=1 表示串行
func WithParallelism(n int) Option {
	return func(o *options) { o.parallelism = n }
}

type pageDir struct {
	first  types.Key
	digest types.Key
}

// Parse 解析 (已经 BLTE 解码的) encoding 表
func Parse(raw []byte, opts ...Option) (*Table, error) {
	o := options{verify: true, parallelism: 1}
	for _, opt := range opts {
		opt(&o)
	}

	r := core.NewReader(raw)

	// 1. 固定头
	if string(r.Bytes(2)) != Magic {
		if r.Err() != nil {
			return nil, r.Err()
		}
		return nil, core.ErrBadMagic
	}
	version := r.Uint8()
	ckeySize := r.Uint8()
	ekeySize := r.Uint8()
	cpageKB := int(r.Uint16())
	epageKB := int(r.Uint16())
	ccount := r.Uint32()
	ecount := r.Uint32()
	reserved := r.Uint8()
	especSize := r.Uint32()
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("encoding header: %w", err)
	}
	switch {
	case version != Version:
		return nil, fmt.Errorf("%w: unsupported encoding version %d", core.ErrFormat, version)
	case ckeySize != HashSize || ekeySize != HashSize:
		return nil, fmt.Errorf("%w: unsupported hash sizes %d/%d", core.ErrFormat, ckeySize, ekeySize)
	case reserved != 0:
		return nil, fmt.Errorf("%w: unexpected nonzero header byte", core.ErrFormat)
	case (ccount > 0 && cpageKB == 0) || (ecount > 0 && epageKB == 0):
		return nil, fmt.Errorf("%w: zero page size", core.ErrFormat)
	}

	// 2. espec 字符串表
	if uint64(especSize) > uint64(r.Len()) {
		return nil, fmt.Errorf("%w: espec table", core.ErrTruncated)
	}
	especs, err := splitESpecs(r.Bytes(int(especSize)))
	if err != nil {
		return nil, err
	}

	t := &Table{especs: especs}

	// 3. 内容页：先读目录，再读页体
	cdir, err := readDir(r, ccount)
	if err != nil {
		return nil, fmt.Errorf("content page directory: %w", err)
	}
	cbodies, err := readPages(r, cdir, cpageKB*1024)
	if err != nil {
		return nil, fmt.Errorf("content pages: %w", err)
	}
	if err := t.buildContent(cdir, cbodies, o); err != nil {
		return nil, err
	}

	// 4. 编码页
	edir, err := readDir(r, ecount)
	if err != nil {
		return nil, fmt.Errorf("encoding page directory: %w", err)
	}
	ebodies, err := readPages(r, edir, epageKB*1024)
	if err != nil {
		return nil, fmt.Errorf("encoding pages: %w", err)
	}
	if err := t.buildEncoded(edir, ebodies, o); err != nil {
		return nil, err
	}

	// 5. 表尾是本表自身的 espec
	t.trailingESpec = string(r.Rest())
	return t, nil
}

func splitESpecs(b []byte) ([]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	s := strings.TrimSuffix(string(b), "\x00")
	if !utf8.ValidString(s) {
		return nil, fmt.Errorf("%w: espec table is not valid utf-8", core.ErrFormat)
	}
	return strings.Split(s, "\x00"), nil
}

func readDir(r *core.Reader, count uint32) ([]pageDir, error) {
	if uint64(count)*dirEntrySize > uint64(r.Len()) {
		return nil, fmt.Errorf("%w: %d entries", core.ErrTruncated, count)
	}
	dir := make([]pageDir, count)
	for i := range dir {
		dir[i].first = r.Key()
		dir[i].digest = r.Key()
	}
	return dir, r.Err()
}

func readPages(r *core.Reader, dir []pageDir, pageSize int) ([][]byte, error) {
	if uint64(len(dir))*uint64(pageSize) > uint64(r.Len()) {
		return nil, fmt.Errorf("%w: %d pages of %d bytes", core.ErrTruncated, len(dir), pageSize)
	}
	bodies := make([][]byte, len(dir))
	for i := range bodies {
		bodies[i] = r.Bytes(pageSize)
	}
	return bodies, r.Err()
}

// forEachPage 对每一页调用 fn，页之间没有共享状态，可以并行
func forEachPage(n int, o options, fn func(i int) error) error {
	if o.parallelism <= 1 || n <= 1 {
		for i := 0; i < n; i++ {
			if err := fn(i); err != nil {
				return err
			}
		}
		return nil
	}
	var g errgroup.Group
	g.SetLimit(o.parallelism)
	for i := 0; i < n; i++ {
		g.Go(func() error { return fn(i) })
	}
	return g.Wait()
}

type contentPage struct {
	entries []contentEntry
	extra   map[types.ContentKey][]types.EncodingKey
}

func (t *Table) buildContent(dir []pageDir, bodies [][]byte, o options) error {
	pages := make([]contentPage, len(dir))
	err := forEachPage(len(dir), o, func(i int) error {
		if o.verify && !core.VerifyDigest(bodies[i], dir[i].digest) {
			return fmt.Errorf("content page %d: %w", i, core.ErrChecksum)
		}
		p, err := parseContentPage(bodies[i])
		if err != nil {
			return fmt.Errorf("content page %d: %w", i, err)
		}
		if o.verify && len(p.entries) > 0 && types.Key(p.entries[0].ckey) != dir[i].first {
			return fmt.Errorf("%w: content page %d first key mismatch", core.ErrFormat, i)
		}
		pages[i] = p
		return nil
	})
	if err != nil {
		return err
	}

	// 按页序合并 (不重新排序：输入本身全局有序)
	total := 0
	for _, p := range pages {
		total += len(p.entries)
	}
	t.content = make([]contentEntry, 0, total)
	for _, p := range pages {
		t.content = append(t.content, p.entries...)
		for k, v := range p.extra {
			if t.alternates == nil {
				t.alternates = make(map[types.ContentKey][]types.EncodingKey)
			}
			t.alternates[k] = v
		}
	}
	return nil
}

func parseContentPage(body []byte) (contentPage, error) {
	var p contentPage
	r := core.NewReader(body)
	for r.Len() >= minContentEntry {
		if b, _ := r.Peek(); b == PaddingSentinel {
			break
		}
		keyCount := int(r.Uint8())
		size := r.Uint40()
		ckey := types.ContentKey(r.Key())
		// 没有 ekey 的记录 (包括页尾的零填充) 跳过
		if keyCount == 0 {
			continue
		}
		if keyCount*HashSize > r.Len() {
			return p, fmt.Errorf("%w: entry %s declares %d encoding keys", core.ErrTruncated, ckey, keyCount)
		}
		p.entries = append(p.entries, contentEntry{
			ckey: ckey,
			ekey: types.EncodingKey(r.Key()),
			size: size,
		})
		if keyCount > 1 {
			alts := make([]types.EncodingKey, 0, keyCount-1)
			for j := 1; j < keyCount; j++ {
				alts = append(alts, types.EncodingKey(r.Key()))
			}
			if p.extra == nil {
				p.extra = make(map[types.ContentKey][]types.EncodingKey)
			}
			p.extra[ckey] = alts
		}
	}
	return p, r.Err()
}

func (t *Table) buildEncoded(dir []pageDir, bodies [][]byte, o options) error {
	pages := make([][]encodedEntry, len(dir))
	err := forEachPage(len(dir), o, func(i int) error {
		if o.verify && !core.VerifyDigest(bodies[i], dir[i].digest) {
			return fmt.Errorf("encoding page %d: %w", i, core.ErrChecksum)
		}
		entries, err := parseEncodedPage(bodies[i])
		if err != nil {
			return fmt.Errorf("encoding page %d: %w", i, err)
		}
		if o.verify && len(entries) > 0 && types.Key(entries[0].ekey) != dir[i].first {
			return fmt.Errorf("%w: encoding page %d first key mismatch", core.ErrFormat, i)
		}
		pages[i] = entries
		return nil
	})
	if err != nil {
		return err
	}

	total := 0
	for _, p := range pages {
		total += len(p)
	}
	t.encoded = make([]encodedEntry, 0, total)
	for _, p := range pages {
		t.encoded = append(t.encoded, p...)
	}
	return nil
}

func parseEncodedPage(body []byte) ([]encodedEntry, error) {
	var entries []encodedEntry
	r := core.NewReader(body)
	for r.Len() >= encodedEntrySize {
		if b, _ := r.Peek(); b == PaddingSentinel {
			break
		}
		ekey := types.EncodingKey(r.Key())
		if types.Key(ekey).IsZero() {
			// 零填充
			break
		}
		entries = append(entries, encodedEntry{
			ekey:       ekey,
			especIndex: r.Uint32(),
			size:       r.Uint40(),
		})
	}
	return entries, r.Err()
}

// LookupEncodingKey 返回 ckey 对应的权威 ekey
func (t *Table) LookupEncodingKey(ckey types.ContentKey) (types.EncodingKey, error) {
	i, ok := t.search(ckey)
	if !ok {
		return types.EncodingKey{}, fmt.Errorf("%w: content key %s", core.ErrNotFound, ckey)
	}
	return t.content[i].ekey, nil
}

// Lookup 返回 ckey 的完整映射 (含备用 ekey 与解码大小)
func (t *Table) Lookup(ckey types.ContentKey) (Mapping, error) {
	i, ok := t.search(ckey)
	if !ok {
		return Mapping{}, fmt.Errorf("%w: content key %s", core.ErrNotFound, ckey)
	}
	e := t.content[i]
	return Mapping{
		ContentKey:  e.ckey,
		EncodingKey: e.ekey,
		Size:        e.size,
		Alternates:  t.alternates[ckey],
	}, nil
}

func (t *Table) search(ckey types.ContentKey) (int, bool) {
	i := sort.Search(len(t.content), func(i int) bool {
		return t.content[i].ckey.Compare(ckey) >= 0
	})
	return i, i < len(t.content) && t.content[i].ckey == ckey
}

// LookupEncodingInfo 查询 ekey 页中的记录
func (t *Table) LookupEncodingInfo(ekey types.EncodingKey) (EncodedInfo, error) {
	i := sort.Search(len(t.encoded), func(i int) bool {
		return t.encoded[i].ekey.Compare(ekey) >= 0
	})
	if i >= len(t.encoded) || t.encoded[i].ekey != ekey {
		return EncodedInfo{}, fmt.Errorf("%w: encoding key %s", core.ErrNotFound, ekey)
	}
	e := t.encoded[i]
	info := EncodedInfo{EncodingKey: e.ekey, ESpecIndex: e.especIndex, Size: e.size}
	if int64(e.especIndex) < int64(len(t.especs)) {
		info.ESpec = t.especs[e.especIndex]
	}
	return info, nil
}

// CheckSorted 断言两组条目都严格递增
// 解析器不会重新排序，乱序输入只会导致查询失败，这里用于校验模式与测试
func (t *Table) CheckSorted() error {
	for i := 1; i < len(t.content); i++ {
		if t.content[i-1].ckey.Compare(t.content[i].ckey) >= 0 {
			return fmt.Errorf("%w: content keys not sorted at %d", core.ErrFormat, i)
		}
	}
	for i := 1; i < len(t.encoded); i++ {
		if t.encoded[i-1].ekey.Compare(t.encoded[i].ekey) >= 0 {
			return fmt.Errorf("%w: encoding keys not sorted at %d", core.ErrFormat, i)
		}
	}
	return nil
}

func (t *Table) ContentCount() int     { return len(t.content) }
func (t *Table) EncodingCount() int    { return len(t.encoded) }
func (t *Table) MultiKeyCount() int    { return len(t.alternates) }
func (t *Table) ESpecs() []string      { return t.especs }
func (t *Table) TrailingESpec() string { return t.trailingESpec }

func (t *Table) String() string {
	return fmt.Sprintf("Encoding{content: %d, encoded: %d, multi: %d, especs: %d}",
		len(t.content), len(t.encoded), len(t.alternates), len(t.especs))
}
