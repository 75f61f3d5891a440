package refs

import (
	"context"
	"errors"
	"fmt"

	"casccdn/pkg/meta"
)

var (
	ErrNoHead    = errors.New("head not found (nothing extracted yet)")
	ErrStaleHead = errors.New("head was moved by another process")
)

// maxRetries 是 Advance 遇到并发更新时的重试次数
const maxRetries = 3

// Manager 负责管理 head: 每个 product/region 最近一次完整提取的 build
type Manager struct {
	repo *meta.Repository
}

func NewManager(repo *meta.Repository) *Manager {
	return &Manager{repo: repo}
}

// Name 返回 head 的名字，如 "wow/us"
func Name(product, region string) string {
	return product + "/" + region
}

// GetHead 返回 head 指向的 build config key 与当前版本号
// 从未提取过时返回 ErrNoHead
func (m *Manager) GetHead(ctx context.Context, name string) (string, int64, error) {
	h, err := m.repo.GetHead(ctx, name)
	if errors.Is(err, meta.ErrHeadNotFound) {
		return "", 0, ErrNoHead
	}
	if err != nil {
		return "", 0, fmt.Errorf("failed to read head %s: %w", name, err)
	}
	return h.BuildConfig, h.Version, nil
}

// UpdateHead 基于 oldVersion 更新 head (CAS)，oldVersion 为 0 表示首次创建
func (m *Manager) UpdateHead(ctx context.Context, name, buildConfig string, oldVersion int64) error {
	err := m.repo.UpdateHead(ctx, name, buildConfig, oldVersion)
	if errors.Is(err, meta.ErrConcurrentUpdate) {
		return ErrStaleHead
	}
	return err
}

// Advance 把 head 移到 buildConfig
// 已经指向它时不做任何事；版本冲突时重新读取后重试
func (m *Manager) Advance(ctx context.Context, name, buildConfig string) error {
	for range maxRetries {
		current, version, err := m.GetHead(ctx, name)
		switch {
		case errors.Is(err, ErrNoHead):
		case err != nil:
			return err
		case current == buildConfig:
			return nil
		}

		err = m.UpdateHead(ctx, name, buildConfig, version)
		if !errors.Is(err, ErrStaleHead) {
			return err
		}
	}
	return fmt.Errorf("head %s: %w after %d attempts", name, ErrStaleHead, maxRetries)
}
