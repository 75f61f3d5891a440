package install

import (
	"fmt"
	"sort"
	"strings"

	"casccdn/pkg/core"
	"casccdn/pkg/types"
)

const (
	Magic   = "IN"
	Version = 1

	// PathSeparator 是 manifest 中使用的目录分隔符
	PathSeparator = '\\'

	headerSize = 2 + 1 + 1 + 2 + 4
)

// Tag 是一个标签 (平台/架构/语言等) 及其文件掩码
type Tag struct {
	Name string
	Type uint16
	mask []byte
}

// Has 判断第 i 个文件是否带有该标签 (字节 i/8 的第 i%8 位)
func (t Tag) Has(i int) bool {
	if i < 0 || i/8 >= len(t.mask) {
		return false
	}
	return t.mask[i/8]&(1<<(i%8)) != 0
}

// Entry 是 manifest 中的一个文件
type Entry struct {
	Name       string
	ContentKey types.ContentKey
	Size       uint32
	index      int // 在 manifest 中的原始下标，决定掩码位
}

// Index 返回文件在 manifest 中的原始下标
func (e Entry) Index() int { return e.index }

// Manifest 是解析后的 install 文件，构建后只读
type Manifest struct {
	tags      []Tag
	entries   []Entry // 原始顺序
	rootNames []string
}

// Parse 解析 (已经 BLTE 解码的) install manifest
func Parse(raw []byte) (*Manifest, error) {
	r := core.NewReader(raw)
	if len(raw) < headerSize {
		return nil, fmt.Errorf("%w: install header", core.ErrTruncated)
	}
	if string(r.Bytes(2)) != Magic {
		return nil, core.ErrBadMagic
	}
	if v := r.Uint8(); v != Version {
		return nil, fmt.Errorf("%w: unsupported install version %d", core.ErrFormat, v)
	}
	r.Skip(1) // reserved
	tagCount := int(r.Uint16())
	fileCount := r.Uint32()
	maskLen := int((uint64(fileCount) + 7) / 8)

	// 每个文件至少 1 (NUL) + 16 + 4 字节，防止伪造的数量导致大分配
	if uint64(fileCount)*21 > uint64(r.Len()) {
		return nil, fmt.Errorf("%w: %d files declared", core.ErrTruncated, fileCount)
	}

	m := &Manifest{tags: make([]Tag, 0, tagCount)}
	for i := 0; i < tagCount; i++ {
		name := r.CString()
		typ := r.Uint16()
		mask := r.Bytes(maskLen)
		if err := r.Err(); err != nil {
			return nil, fmt.Errorf("tag %d: %w", i, err)
		}
		m.tags = append(m.tags, Tag{Name: name, Type: typ, mask: mask})
	}

	m.entries = make([]Entry, 0, fileCount)
	for i := 0; i < int(fileCount); i++ {
		name := r.CString()
		ckey := types.ContentKey(r.Key())
		size := r.Uint32()
		if err := r.Err(); err != nil {
			return nil, fmt.Errorf("file %d: %w", i, err)
		}
		m.entries = append(m.entries, Entry{Name: name, ContentKey: ckey, Size: size, index: i})
		if !strings.ContainsRune(name, PathSeparator) {
			m.rootNames = append(m.rootNames, name)
		}
	}
	sort.Strings(m.rootNames)
	return m, nil
}

// Predicate 决定一个文件是否保留
// 实现只能依赖传入的标签集合，不能有副作用
type Predicate interface {
	Match(m *Manifest, e Entry) bool
}

// PredicateFunc 适配普通函数
type PredicateFunc func(m *Manifest, e Entry) bool

func (f PredicateFunc) Match(m *Manifest, e Entry) bool { return f(m, e) }

// MatchAll 保留所有文件
var MatchAll Predicate = PredicateFunc(func(*Manifest, Entry) bool { return true })

// RequiredTags 要求文件带有集合中的每一个标签
// 不存在的标签名意味着没有文件能满足条件
type RequiredTags []string

func RequireTags(names ...string) RequiredTags { return RequiredTags(names) }

func (rt RequiredTags) Match(m *Manifest, e Entry) bool {
	for _, name := range rt {
		tag, ok := m.Tag(name)
		if !ok || !tag.Has(e.index) {
			return false
		}
	}
	return true
}

// Filter 返回满足谓词的文件，按路径排序
func (m *Manifest) Filter(p Predicate) []Entry {
	if p == nil {
		p = MatchAll
	}
	var out []Entry
	for _, e := range m.entries {
		if p.Match(m, e) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Tag 按名字查找标签
func (m *Manifest) Tag(name string) (Tag, bool) {
	for _, t := range m.tags {
		if t.Name == name {
			return t, true
		}
	}
	return Tag{}, false
}

// Lookup 按路径查找文件，'/' 与 '\\' 视为相同的分隔符
// 同名文件出现多次时返回第一个
func (m *Manifest) Lookup(name string) (Entry, bool) {
	name = strings.ReplaceAll(name, "/", `\`)
	for _, e := range m.entries {
		if strings.ReplaceAll(e.Name, "/", `\`) == name {
			return e, true
		}
	}
	return Entry{}, false
}

// TagsOf 返回文件携带的所有标签名 (按 manifest 中的顺序)
func (m *Manifest) TagsOf(e Entry) []string {
	var names []string
	for _, t := range m.tags {
		if t.Has(e.index) {
			names = append(names, t.Name)
		}
	}
	return names
}

func (m *Manifest) Tags() []Tag         { return m.tags }
func (m *Manifest) Entries() []Entry    { return m.entries }
func (m *Manifest) RootNames() []string { return m.rootNames }
func (m *Manifest) Len() int            { return len(m.entries) }

func (m *Manifest) String() string {
	return fmt.Sprintf("Install{files: %d, tags: %d, root: %d}", len(m.entries), len(m.tags), len(m.rootNames))
}
