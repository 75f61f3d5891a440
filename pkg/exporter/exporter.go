package exporter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"casccdn/pkg/ignore"
	"casccdn/pkg/install"
	"casccdn/pkg/meta"
	"casccdn/pkg/resolver"
	"casccdn/pkg/types"

	"github.com/sirupsen/logrus"
)

// ErrUnsafePath 表示 manifest 中的路径会逃出输出目录
var ErrUnsafePath = errors.New("unsafe output path")

// Exporter 把解析后的命名文件写到本地目录
type Exporter struct {
	pipeline *resolver.Pipeline
	catalog  *meta.Repository
	exclude  *ignore.Matcher
	log      logrus.FieldLogger
}

type Option func(*Exporter)

// WithCatalog 记录已提取的文件，content key 未变的文件下次跳过
func WithCatalog(r *meta.Repository) Option {
	return func(e *Exporter) { e.catalog = r }
}

// WithExclude 设置排除规则
func WithExclude(m *ignore.Matcher) Option {
	return func(e *Exporter) { e.exclude = m }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Exporter) { e.log = l }
}

func NewExporter(p *resolver.Pipeline, opts ...Option) *Exporter {
	e := &Exporter{pipeline: p}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = logrus.StandardLogger()
	}
	return e
}

// ExportFile 解析一个 content key 并写入 writer
func (e *Exporter) ExportFile(ctx context.Context, ckey types.ContentKey, w io.Writer) error {
	data, err := e.pipeline.Resolve(ctx, ckey)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Stats 是一次提取的汇总
type Stats struct {
	Written   int
	Unchanged int
	Excluded  int
	Failed    int
	Bytes     int64
}

// Callback 在每个文件处理完成后调用，err 非空表示该文件失败
// 调用按完成顺序串行进行
type Callback func(name, target string, err error)

// Extract 把满足 pred 的文件写到 outDir 下
// 路径中的 '\' 转为目录分隔符；单个文件失败计入 Stats.Failed，不中断其余文件
func (e *Exporter) Extract(ctx context.Context, pred install.Predicate, outDir, build string, onFile Callback) (Stats, error) {
	var st Stats
	m := e.pipeline.Manifest()
	if m == nil {
		return st, resolver.ErrNoManifest
	}
	if pred == nil {
		pred = install.MatchAll
	}
	absOut, err := filepath.Abs(outDir)
	if err != nil {
		return st, err
	}

	// 1. 预过滤: 排除规则 + catalog 中未变化的文件
	keep := make(map[int]bool)
	for _, entry := range m.Filter(pred) {
		if e.exclude.Matches(entry.Name) {
			st.Excluded++
			continue
		}
		if e.unchanged(ctx, absOut, entry) {
			st.Unchanged++
			continue
		}
		keep[entry.Index()] = true
	}
	if len(keep) == 0 {
		return st, nil
	}

	// 2. 并发解析，每个文件解析完成后立即写出并释放
	err = e.pipeline.EachNamedAsset(ctx, install.PredicateFunc(func(m *install.Manifest, entry install.Entry) bool {
		return keep[entry.Index()] && pred.Match(m, entry)
	}), func(r resolver.Result) {
		target, err := e.write(absOut, r)
		if err == nil {
			st.Written++
			st.Bytes += int64(len(r.Data))
			e.record(ctx, absOut, build, r)
		} else {
			st.Failed++
			e.log.WithError(err).WithField("path", r.Entry.Name).Warn("extract failed")
		}
		if onFile != nil {
			onFile(r.Entry.Name, target, err)
		}
	})
	if err != nil {
		return st, err
	}
	return st, ctx.Err()
}

// Target 返回 manifest 路径在 outDir 下的目标路径
func Target(outDir, name string) (string, error) {
	rel := filepath.FromSlash(ignore.ToSlash(name))
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return filepath.Join(outDir, rel), nil
}

func (e *Exporter) write(outDir string, r resolver.Result) (string, error) {
	if r.Err != nil {
		return "", r.Err
	}
	target, err := Target(outDir, r.Entry.Name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return target, fmt.Errorf("failed to create dir: %w", err)
	}

	// 先写临时文件再 rename，避免留下半个文件
	tmp, err := os.CreateTemp(filepath.Dir(target), ".extract-*")
	if err != nil {
		return target, err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(r.Data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return target, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return target, err
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return target, err
	}
	return target, nil
}

func (e *Exporter) unchanged(ctx context.Context, outDir string, entry install.Entry) bool {
	if e.catalog == nil {
		return false
	}
	target, err := Target(outDir, entry.Name)
	if err != nil {
		return false
	}
	// 文件被手动删除时重新提取
	if _, err := os.Stat(target); err != nil {
		return false
	}
	same, err := e.catalog.Unchanged(ctx, outDir, ignore.ToSlash(entry.Name), entry.ContentKey.String())
	if err != nil {
		e.log.WithError(err).Warn("catalog lookup failed")
		return false
	}
	return same
}

func (e *Exporter) record(ctx context.Context, outDir, build string, r resolver.Result) {
	if e.catalog == nil {
		return
	}
	err := e.catalog.RecordExtracted(ctx, meta.ExtractedFile{
		OutputDir:   outDir,
		Path:        ignore.ToSlash(r.Entry.Name),
		ContentKey:  r.Entry.ContentKey.String(),
		Size:        int64(len(r.Data)),
		BuildConfig: build,
	})
	if err != nil {
		e.log.WithError(err).WithField("path", r.Entry.Name).Warn("catalog write failed")
	}
}
