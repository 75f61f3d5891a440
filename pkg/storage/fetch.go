package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// StoreFetcher 把一个 Store 当作 Fetcher 使用 (离线模式：只读本地缓存)
type StoreFetcher struct {
	Store Store
}

var _ RangeFetcher = StoreFetcher{}

func (f StoreFetcher) Fetch(ctx context.Context, kind, hexKey string) ([]byte, error) {
	rc, err := f.Store.Get(ctx, kind, hexKey)
	if err != nil {
		return nil, classify(err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s/%s: %v", ErrIO, kind, hexKey, err)
	}
	return data, nil
}

// FetchRange 优先使用 RangeStore，否则读取整个对象后截取
func (f StoreFetcher) FetchRange(ctx context.Context, kind, hexKey string, offset, size int64) ([]byte, error) {
	if rs, ok := f.Store.(RangeStore); ok {
		data, err := rs.GetRange(ctx, kind, hexKey, offset, size)
		if err != nil {
			return nil, classify(err)
		}
		return data, nil
	}
	data, err := f.Fetch(ctx, kind, hexKey)
	if err != nil {
		return nil, err
	}
	return Slice(data, offset, size)
}

// Slice 检查范围后返回 data[offset:offset+size]
func Slice(data []byte, offset, size int64) ([]byte, error) {
	if offset < 0 || size < 0 || offset > int64(len(data)) || size > int64(len(data))-offset {
		return nil, fmt.Errorf("%w: range [%d, +%d) outside object of %d bytes", ErrIO, offset, size, len(data))
	}
	return data[offset : offset+size], nil
}

// classify 保留已知的分类错误，其余归为 ErrIO
func classify(err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrIO), errors.Is(err, ErrTransport), errors.Is(err, ErrInvalidKey):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
}

// Memory 是进程内的 Store，用于测试与一次性会话
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

var _ RangeStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, kind, hexKey string) (io.ReadCloser, error) {
	data, err := m.get(kind, hexKey)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *Memory) GetRange(_ context.Context, kind, hexKey string, offset, size int64) ([]byte, error) {
	data, err := m.get(kind, hexKey)
	if err != nil {
		return nil, err
	}
	return Slice(data, offset, size)
}

func (m *Memory) get(kind, hexKey string) ([]byte, error) {
	p, err := ObjectPath(kind, hexKey)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return data, nil
}

func (m *Memory) Put(_ context.Context, kind, hexKey string, data []byte) error {
	p, err := ObjectPath(kind, hexKey)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[p]; !ok {
		m.objects[p] = append([]byte(nil), data...)
	}
	return nil
}

func (m *Memory) Has(_ context.Context, kind, hexKey string) (bool, error) {
	p, err := ObjectPath(kind, hexKey)
	if err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[p]
	return ok, nil
}

// Len 返回对象数量
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
