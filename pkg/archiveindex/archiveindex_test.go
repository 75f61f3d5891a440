package archiveindex

import (
	"encoding/binary"
	"testing"

	"casccdn/internal/fixture"
	"casccdn/pkg/core"
	"casccdn/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testArchive = types.ArchiveKey(fixture.Key(0xa1, 0xc4))

// sampleEntries 生成 n 个互不相同的条目，offset 连续排布
func sampleEntries(n int) []fixture.IndexEntry {
	out := make([]fixture.IndexEntry, n)
	var offset uint32
	for i := range out {
		size := uint32(1000 + i)
		out[i] = fixture.IndexEntry{
			EKey:   fixture.EKey(0x40+byte(i/256), byte(i), 0xee),
			Size:   size,
			Offset: offset,
		}
		offset += size
	}
	return out
}

func TestParse_MultiBlock(t *testing.T) {
	entries := sampleEntries(400) // 170 + 170 + 60
	raw := fixture.ArchiveIndex(entries)
	require.Len(t, raw, 3*(BlockSize+TOCEntrySize)+FooterSize)

	idx, err := Parse(testArchive, raw)
	require.NoError(t, err)
	assert.Equal(t, 400, idx.Len())
	assert.Equal(t, testArchive, idx.Archive())

	var end uint32
	for _, e := range entries {
		loc, ok := idx.Lookup(e.EKey)
		require.True(t, ok, "missing %s", e.EKey)
		assert.Equal(t, Location{Archive: testArchive, Size: e.Size, Offset: e.Offset}, loc)
		end = max(end, e.Offset+e.Size)
	}

	_, ok := idx.Lookup(fixture.EKey(0x01))
	assert.False(t, ok)

	// 迭代有序，且每个区间都落在 archive 范围内
	list := idx.Entries()
	require.Len(t, list, 400)
	for i := 1; i < len(list); i++ {
		assert.Negative(t, list[i-1].EncodingKey.Compare(list[i].EncodingKey))
	}
	for _, e := range list {
		assert.LessOrEqual(t, uint64(e.Offset)+uint64(e.Size), uint64(end))
	}

	n, ok := FooterCount(raw)
	assert.True(t, ok)
	assert.Equal(t, uint32(400), n)
}

func TestParse_Empty(t *testing.T) {
	raw := fixture.ArchiveIndex(nil)
	require.Len(t, raw, FooterSize)

	idx, err := Parse(testArchive, raw)
	require.NoError(t, err)
	assert.Equal(t, 0, idx.Len())
	assert.Empty(t, idx.Entries())
}

func TestParse_Errors(t *testing.T) {
	entries := sampleEntries(10)
	good := fixture.ArchiveIndex(entries)
	footerAt := len(good) - FooterSize
	mutate := func(fn func(b []byte) []byte) []byte {
		return fn(append([]byte(nil), good...))
	}

	a, b, c := entries[0], entries[1], entries[2]

	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{"too short", good[:10], core.ErrTruncated},
		{"ragged body", mutate(func(b []byte) []byte { return append([]byte{0}, b...) }), core.ErrFormat},
		{"block checksum", mutate(func(b []byte) []byte { b[17] ^= 0xff; return b }), core.ErrChecksum},
		{"toc checksum", mutate(func(b []byte) []byte { b[BlockSize] ^= 0xff; return b }), core.ErrChecksum},
		{"footer version", mutate(func(b []byte) []byte { b[footerAt+8] = 2; return b }), core.ErrFormat},
		{"footer key size", mutate(func(b []byte) []byte { b[footerAt+14] = 9; return b }), core.ErrFormat},
		{"footer checksum", mutate(func(b []byte) []byte { b[len(b)-1] ^= 0xff; return b }), core.ErrChecksum},
		{"count mismatch", fixture.ArchiveIndexRaw(
			[][]fixture.IndexEntry{{a, b}}, []types.EncodingKey{b.EKey}, 3), core.ErrCountMismatch},
		{"duplicate key", fixture.ArchiveIndexRaw(
			[][]fixture.IndexEntry{{a, b}, {b, c}}, []types.EncodingKey{b.EKey, c.EKey}, 3), core.ErrDuplicateKey},
		{"last key mismatch", fixture.ArchiveIndexRaw(
			[][]fixture.IndexEntry{{a, b}}, []types.EncodingKey{c.EKey}, 2), core.ErrLastKeyMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(testArchive, tt.data)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestParse_StopsAtLastKey(t *testing.T) {
	// 块内 last key 之后的数据不被读取
	entries := sampleEntries(3)
	raw := fixture.ArchiveIndexRaw(
		[][]fixture.IndexEntry{entries},
		[]types.EncodingKey{entries[1].EKey},
		2,
	)
	idx, err := Parse(testArchive, raw)
	require.NoError(t, err)
	assert.Equal(t, 2, idx.Len())
	_, ok := idx.Lookup(entries[2].EKey)
	assert.False(t, ok)
}

func TestParse_VerifyDisabled(t *testing.T) {
	entries := sampleEntries(5)
	raw := fixture.ArchiveIndex(entries)

	// 改写第一条记录的 size 字段：块摘要失效，但结构仍合法
	binary.BigEndian.PutUint32(raw[16:20], 7)

	_, err := Parse(testArchive, raw)
	assert.ErrorIs(t, err, core.ErrChecksum)

	idx, err := Parse(testArchive, raw, WithVerify(false))
	require.NoError(t, err)
	loc, ok := idx.Lookup(entries[0].EKey)
	require.True(t, ok)
	assert.Equal(t, uint32(7), loc.Size)
}

func TestParse_CorruptionNeverPanics(t *testing.T) {
	raw := fixture.ArchiveIndex(sampleEntries(20))
	for i := 0; i < len(raw); i += 7 {
		corrupt := append([]byte(nil), raw...)
		corrupt[i] ^= 0x3c
		assert.NotPanics(t, func() {
			_, _ = Parse(testArchive, corrupt, WithVerify(false))
		})
	}
}

func TestGroup(t *testing.T) {
	all := sampleEntries(30)
	archA := types.ArchiveKey(fixture.Key(0x0a))
	archB := types.ArchiveKey(fixture.Key(0x0b))

	idxA, err := Parse(archA, fixture.ArchiveIndex(all[:20]))
	require.NoError(t, err)
	idxB, err := Parse(archB, fixture.ArchiveIndex(all[20:]))
	require.NoError(t, err)

	g, err := NewGroup(idxA, idxB)
	require.NoError(t, err)
	assert.Equal(t, 30, g.Len())
	assert.Equal(t, []types.ArchiveKey{archA, archB}, g.Archives())

	loc, ok := g.Lookup(all[3].EKey)
	require.True(t, ok)
	assert.Equal(t, archA, loc.Archive)

	loc, ok = g.Lookup(all[25].EKey)
	require.True(t, ok)
	assert.Equal(t, archB, loc.Archive)
	assert.Equal(t, all[25].Offset, loc.Offset)

	t.Run("duplicate across archives", func(t *testing.T) {
		archC := types.ArchiveKey(fixture.Key(0x0c))
		idxC, err := Parse(archC, fixture.ArchiveIndex(all[18:22]))
		require.NoError(t, err)

		err = g.Add(idxC)
		assert.ErrorIs(t, err, core.ErrDuplicateKey)
		assert.Equal(t, 30, g.Len(), "失败的 Add 不改变 Group")
		assert.Len(t, g.Archives(), 2)
	})
}
