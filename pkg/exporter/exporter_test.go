package exporter

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"casccdn/internal/fixture"
	"casccdn/pkg/enctable"
	"casccdn/pkg/ignore"
	"casccdn/pkg/install"
	"casccdn/pkg/meta"
	"casccdn/pkg/resolver"
	"casccdn/pkg/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testFiles() []fixture.File {
	return []fixture.File{
		{Path: "Wow.exe", Data: bytes.Repeat([]byte("MZ"), 300), Tags: []string{"Windows", "enUS"}},
		{Path: `Data\data.000`, Data: []byte("archive payload"), Tags: []string{"Windows"}},
		{Path: `Fonts\FRIZQT__.TTF`, Data: []byte("font bytes"), Tags: []string{"Windows", "enUS"}},
		{Path: `Wow.pdb`, Data: []byte("symbols"), Tags: []string{"Windows", "enUS"}},
		{Path: `World of Warcraft.app`, Data: []byte("mach-o"), Tags: []string{"OSX", "enUS"}},
	}
}

// newPipeline 把 build 的对象放进内存 store 并构造解析管线
func newPipeline(t *testing.T, b *fixture.Build) (*resolver.Pipeline, *storage.Memory) {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemory()
	for k, v := range b.Objects() {
		kind, key, _ := strings.Cut(k, "/")
		require.NoError(t, store.Put(ctx, kind, key, v))
	}
	tbl, err := enctable.Parse(b.Encoding)
	require.NoError(t, err)
	m, err := install.Parse(b.Install)
	require.NoError(t, err)
	return resolver.New(tbl, storage.StoreFetcher{Store: store}, resolver.WithManifest(m)), store
}

func newCatalog(t *testing.T) *meta.Repository {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	metaDB := meta.NewWithConn(db)
	require.NoError(t, metaDB.AutoMigrate(meta.Models()...))
	return meta.NewRepository(metaDB)
}

func TestExtract(t *testing.T) {
	b := fixture.NewBuild(testFiles())
	p, _ := newPipeline(t, b)
	out := t.TempDir()
	ctx := context.Background()

	matcher, err := ignore.NewMatcher(out, "*.pdb")
	require.NoError(t, err)
	exp := NewExporter(p, WithExclude(matcher))

	var written []string
	st, err := exp.Extract(ctx, install.RequireTags("Windows", "enUS"), out, b.BuildConfigKey, func(name, _ string, err error) {
		require.NoError(t, err)
		written = append(written, name)
	})
	require.NoError(t, err)

	assert.Equal(t, Stats{Written: 2, Excluded: 1, Bytes: 610}, st)
	assert.ElementsMatch(t, []string{`Fonts\FRIZQT__.TTF`, "Wow.exe"}, written)

	got, err := os.ReadFile(filepath.Join(out, "Fonts", "FRIZQT__.TTF"))
	require.NoError(t, err)
	assert.Equal(t, []byte("font bytes"), got)
	_, err = os.Stat(filepath.Join(out, "Wow.pdb"))
	assert.True(t, os.IsNotExist(err))
}

func TestExtract_SkipsUnchanged(t *testing.T) {
	b := fixture.NewBuild(testFiles())
	p, _ := newPipeline(t, b)
	out := t.TempDir()
	ctx := context.Background()
	exp := NewExporter(p, WithCatalog(newCatalog(t)))

	st, err := exp.Extract(ctx, install.RequireTags("Windows"), out, b.BuildConfigKey, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, st.Written)

	// 第二次全部跳过
	st, err = exp.Extract(ctx, install.RequireTags("Windows"), out, b.BuildConfigKey, nil)
	require.NoError(t, err)
	assert.Equal(t, Stats{Unchanged: 4}, st)

	// 手动删除的文件重新提取
	require.NoError(t, os.Remove(filepath.Join(out, "Wow.exe")))
	st, err = exp.Extract(ctx, install.RequireTags("Windows"), out, b.BuildConfigKey, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Written)
	assert.Equal(t, 3, st.Unchanged)
}

func TestExtract_PartialFailure(t *testing.T) {
	b := fixture.NewBuild(testFiles())
	// Wow.exe 的 blob 在 CDN 上缺失
	delete(b.Blobs, b.EKeys[0])
	p, _ := newPipeline(t, b)
	out := t.TempDir()

	var failed []string
	st, err := NewExporter(p).Extract(context.Background(), install.RequireTags("enUS"), out, "", func(name, _ string, err error) {
		if err != nil {
			failed = append(failed, name)
			assert.ErrorIs(t, err, storage.ErrNotFound)
		}
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Wow.exe"}, failed)
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, 3, st.Written)
}

// countingFetcher 记录已获取但尚未写出的 blob 数的峰值
type countingFetcher struct {
	storage.StoreFetcher
	mu      sync.Mutex
	fetched int
	written int
	peak    int
}

func (c *countingFetcher) Fetch(ctx context.Context, kind, hexKey string) ([]byte, error) {
	c.mu.Lock()
	c.fetched++
	c.peak = max(c.peak, c.fetched-c.written)
	c.mu.Unlock()
	return c.StoreFetcher.Fetch(ctx, kind, hexKey)
}

func TestExtract_WritesAsResolved(t *testing.T) {
	b := fixture.NewBuild(testFiles())
	_, store := newPipeline(t, b)
	tbl, err := enctable.Parse(b.Encoding)
	require.NoError(t, err)
	m, err := install.Parse(b.Install)
	require.NoError(t, err)

	for _, n := range []int{1, 3} {
		cf := &countingFetcher{StoreFetcher: storage.StoreFetcher{Store: store}}
		p := resolver.New(tbl, cf, resolver.WithManifest(m), resolver.WithConcurrency(n))

		st, err := NewExporter(p).Extract(context.Background(), install.MatchAll, t.TempDir(), "", func(_, _ string, err error) {
			require.NoError(t, err)
			cf.mu.Lock()
			cf.written++
			cf.mu.Unlock()
		})
		require.NoError(t, err)
		assert.Equal(t, 5, st.Written)
		assert.Equal(t, 5, cf.fetched)
		assert.LessOrEqual(t, cf.peak, n, "写出前驻留的文件数不超过并发上限")
	}
}

func TestTarget(t *testing.T) {
	got, err := Target("/out", `Interface\Icons\a.blp`)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/out", "Interface", "Icons", "a.blp"), got)

	for _, bad := range []string{`..\..\etc\passwd`, "/etc/passwd", ""} {
		_, err := Target("/out", bad)
		assert.ErrorIs(t, err, ErrUnsafePath, bad)
	}
}

func TestExportFile(t *testing.T) {
	b := fixture.NewBuild(testFiles())
	p, _ := newPipeline(t, b)

	var buf bytes.Buffer
	require.NoError(t, NewExporter(p).ExportFile(context.Background(), b.CKeys[2], &buf))
	assert.Equal(t, "font bytes", buf.String())
}

func TestPrinters(t *testing.T) {
	b := fixture.NewBuild(testFiles())
	p, _ := newPipeline(t, b)

	var buf bytes.Buffer
	m := p.Manifest()
	require.NoError(t, PrintManifest(&buf, m, m.Filter(install.RequireTags("OSX"))))
	assert.Contains(t, buf.String(), "Tags:  Windows enUS OSX")
	assert.Contains(t, buf.String(), "World of Warcraft.app")
	assert.Contains(t, buf.String(), "Files: 1 of 5")

	buf.Reset()
	require.NoError(t, PrintEncoding(&buf, p.Table()))
	assert.Contains(t, buf.String(), "ContentKeys: 6")

	buf.Reset()
	PrintStats(&buf, Stats{Written: 2, Bytes: 2048, Failed: 1})
	assert.Equal(t, "written 2 (2.0 KiB), unchanged 0, excluded 0, failed 1\n", buf.String())
}
