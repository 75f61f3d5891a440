package fixture

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"casccdn/pkg/types"
)

// File 是一个测试 build 中的命名文件
type File struct {
	Path string
	Data []byte
	Tags []string
}

// Build 是一个完整的测试 build: 所有 blob、encoding 表、install manifest 与两个 config 文档
type Build struct {
	Files []File
	CKeys []types.ContentKey
	EKeys []types.EncodingKey

	Encoding     []byte
	EncodingCKey types.ContentKey
	EncodingEKey types.EncodingKey

	Install     []byte
	InstallCKey types.ContentKey
	InstallEKey types.EncodingKey

	// Blobs 以 ekey 为键，包含文件、encoding 与 install 的 BLTE blob
	Blobs map[types.EncodingKey][]byte

	BuildConfig    string
	BuildConfigKey string
	CDNConfig      string
	CDNConfigKey   string
}

// NewBuild 构建一个 build；标签按首次出现的顺序编号，每个 blob 是单个 'Z' chunk
func NewBuild(files []File) *Build {
	b := &Build{Files: files, Blobs: make(map[types.EncodingKey][]byte)}

	// 1. 文件 blob
	var content []ContentEntry
	var installFiles []InstallFile
	tagFiles := map[string][]int{}
	var tagOrder []string
	for i, f := range files {
		ckey := types.ContentKey(md5Key(f.Data))
		blob, ekey := BLTE(Chunk{Encoding: 'Z', Data: f.Data})
		b.CKeys = append(b.CKeys, ckey)
		b.EKeys = append(b.EKeys, ekey)
		b.Blobs[ekey] = blob
		content = append(content, ContentEntry{CKey: ckey, EKeys: []types.EncodingKey{ekey}, Size: uint64(len(f.Data))})
		installFiles = append(installFiles, InstallFile{Path: f.Path, CKey: ckey, Size: uint32(len(f.Data))})
		for _, t := range f.Tags {
			if _, ok := tagFiles[t]; !ok {
				tagOrder = append(tagOrder, t)
			}
			tagFiles[t] = append(tagFiles[t], i)
		}
	}

	// 2. install manifest 本身也经由 encoding 表解析
	var tags []InstallTag
	for i, name := range tagOrder {
		tags = append(tags, InstallTag{Name: name, Type: uint16(i + 1), Files: tagFiles[name]})
	}
	b.Install = Install(tags, installFiles)
	b.InstallCKey = types.ContentKey(md5Key(b.Install))
	blob, ekey := BLTE(Chunk{Encoding: 'Z', Data: b.Install})
	b.InstallEKey = ekey
	b.Blobs[ekey] = blob
	content = append(content, ContentEntry{CKey: b.InstallCKey, EKeys: []types.EncodingKey{ekey}, Size: uint64(len(b.Install))})

	// 3. encoding 表 (内容页必须按 ckey 有序，相同内容只保留一条)
	sort.Slice(content, func(i, j int) bool { return content[i].CKey.Compare(content[j].CKey) < 0 })
	dedup := content[:0]
	for i, c := range content {
		if i > 0 && c.CKey == content[i-1].CKey {
			continue
		}
		dedup = append(dedup, c)
	}
	b.Encoding = Encoding{ESpecs: []string{"z"}, Content: dedup}.Bytes()
	b.EncodingCKey = types.ContentKey(md5Key(b.Encoding))
	blob, ekey = BLTE(Chunk{Encoding: 'Z', Data: b.Encoding})
	b.EncodingEKey = ekey
	b.Blobs[ekey] = blob

	// 4. config 文档
	b.BuildConfig = fmt.Sprintf("# Build Configuration\n\nroot = %s\ninstall = %s %s\nencoding = %s %s\nbuild-name = TEST-1\n",
		strings.Repeat("0", 32), b.InstallCKey, b.InstallEKey, b.EncodingCKey, b.EncodingEKey)
	b.BuildConfigKey = hexMD5(b.BuildConfig)
	b.CDNConfig = "# CDN Configuration\n\narchives = \n"
	b.CDNConfigKey = hexMD5(b.CDNConfig)
	return b
}

// WithArchive 把前 n 个文件的 blob 打包进一个 archive，并在 cdn config 中登记
// 返回 archive key、archive 内容与 index 文件
func (b *Build) WithArchive(n int) (types.ArchiveKey, []byte, []byte) {
	var packed []byte
	var entries []IndexEntry
	seen := map[types.EncodingKey]bool{}
	for _, ekey := range b.EKeys[:n] {
		if seen[ekey] {
			continue
		}
		seen[ekey] = true
		blob := b.Blobs[ekey]
		entries = append(entries, IndexEntry{EKey: ekey, Size: uint32(len(blob)), Offset: uint32(len(packed))})
		packed = append(packed, blob...)
		delete(b.Blobs, ekey)
	}
	index := ArchiveIndex(entries)
	archive := types.ArchiveKey(md5Key(index))
	b.CDNConfig = fmt.Sprintf("# CDN Configuration\n\narchives = %s\n", archive)
	b.CDNConfigKey = hexMD5(b.CDNConfig)
	return archive, packed, index
}

// Objects 返回 build 的全部对象，键为 "<kind>/<hex>"
func (b *Build) Objects() map[string][]byte {
	out := map[string][]byte{
		"config/" + b.BuildConfigKey: []byte(b.BuildConfig),
		"config/" + b.CDNConfigKey:   []byte(b.CDNConfig),
	}
	for ekey, blob := range b.Blobs {
		out["data/"+ekey.String()] = blob
	}
	return out
}

func hexMD5(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
