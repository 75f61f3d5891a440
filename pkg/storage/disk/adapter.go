package disk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"casccdn/pkg/storage"
)

// Adapter 实现了 storage.RangeStore 接口
type Adapter struct {
	rootPath string // 比如: /home/user/.casc/cache
}

var _ storage.RangeStore = (*Adapter)(nil)

// NewAdapter 创建一个新的磁盘缓存适配器
func NewAdapter(root string) (*Adapter, error) {
	// 确保根目录存在
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root storage dir: %w", err)
	}
	return &Adapter{rootPath: root}, nil
}

// layout 返回对象对应的物理路径
// 策略：kind 目录下用 key 的前两个字节分两级 (Sharding)
// Example: ("data", "aabbcc...") -> root/data/aa/bb/aabbcc...
func (s *Adapter) layout(kind, hexKey string) (string, error) {
	rel, err := storage.ObjectPath(kind, hexKey)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.rootPath, filepath.FromSlash(rel)), nil
}

func (s *Adapter) Put(ctx context.Context, kind, hexKey string, data []byte) error {
	targetPath, err := s.layout(kind, hexKey)
	if err != nil {
		return err
	}

	// 1. 检查是否存在 (幂等性)
	if _, err := os.Stat(targetPath); err == nil {
		return nil
	}

	// 2. 准备目录
	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrIO, err)
	}

	// 3. 原子写入：先写临时文件再 Rename
	// 要么文件不存在，要么文件是完整的
	tempFile, err := os.CreateTemp(dir, "temp-*")
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrIO, err)
	}
	defer os.Remove(tempFile.Name())

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("%w: %v", storage.ErrIO, err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrIO, err)
	}

	// 4. 移动到最终位置
	if err := os.Rename(tempFile.Name(), targetPath); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrIO, err)
	}
	return nil
}

func (s *Adapter) open(kind, hexKey string) (*os.File, error) {
	targetPath, err := s.layout(kind, hexKey)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(targetPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s/%s", storage.ErrNotFound, kind, hexKey)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrIO, err)
	}
	return f, nil
}

func (s *Adapter) Get(ctx context.Context, kind, hexKey string) (io.ReadCloser, error) {
	return s.open(kind, hexKey)
}

// GetRange 只读取 [offset, offset+size)，不加载整个 archive
func (s *Adapter) GetRange(ctx context.Context, kind, hexKey string, offset, size int64) ([]byte, error) {
	f, err := s.open(kind, hexKey)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if offset < 0 || size < 0 {
		return nil, fmt.Errorf("%w: bad range [%d, +%d)", storage.ErrIO, offset, size)
	}
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("%w: read %s/%s at %d: %v", storage.ErrIO, kind, hexKey, offset, err)
	}
	return buf, nil
}

func (s *Adapter) Has(ctx context.Context, kind, hexKey string) (bool, error) {
	targetPath, err := s.layout(kind, hexKey)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(targetPath)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("%w: %v", storage.ErrIO, err)
}

// Root 返回缓存根目录
func (s *Adapter) Root() string { return s.rootPath }
