package meta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrHeadNotFound     = errors.New("head not found")
	ErrConcurrentUpdate = errors.New("concurrent update detected (CAS failed)")
	ErrBuildNotFound    = errors.New("build not found in catalog")
)

// Repository 封装所有对 SQL 数据库的操作
type Repository struct {
	db *DB
}

func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// -----------------------------------------------------------------------------
// 1. Head (product/region -> build)
// -----------------------------------------------------------------------------

func (r *Repository) GetHead(ctx context.Context, name string) (*Head, error) {
	var h Head
	err := r.db.GetConn().WithContext(ctx).
		Where("name = ?", name).
		First(&h).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrHeadNotFound
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// UpdateHead 原子更新 head (CAS)
// oldVersion 为 0 表示首次创建；版本号不匹配时返回 ErrConcurrentUpdate
func (r *Repository) UpdateHead(ctx context.Context, name, buildConfig string, oldVersion int64) error {
	return r.db.GetConn().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 场景 A: 首次创建
		if oldVersion == 0 {
			h := Head{Name: name, BuildConfig: buildConfig, Version: 1}
			if err := tx.Create(&h).Error; err != nil {
				// PG 与 SQLite 的唯一约束错误不同
				if errors.Is(err, gorm.ErrDuplicatedKey) ||
					strings.Contains(err.Error(), "UNIQUE constraint failed") {
					return ErrConcurrentUpdate
				}
				return fmt.Errorf("failed to create head: %w", err)
			}
			return nil
		}

		// 场景 B: UPDATE heads SET build_config = ?, version = version + 1 WHERE name = ? AND version = ?
		result := tx.Model(&Head{}).
			Where("name = ? AND version = ?", name, oldVersion).
			Updates(map[string]any{
				"build_config": buildConfig,
				"version":      gorm.Expr("version + 1"),
				"updated_at":   time.Now(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrConcurrentUpdate
		}
		return nil
	})
}

// -----------------------------------------------------------------------------
// 2. Builds
// -----------------------------------------------------------------------------

// RecordBuild 写入一个 build，已存在时不做任何事 (幂等)
func (r *Repository) RecordBuild(ctx context.Context, b Build, tags []string) error {
	if tags == nil {
		tags = []string{}
	}
	raw, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}
	b.Tags = datatypes.JSON(raw)

	err = r.db.GetConn().WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "build_config"}},
			DoNothing: true,
		}).
		Create(&b).Error
	if err != nil {
		return fmt.Errorf("failed to record build: %w", err)
	}
	return nil
}

func (r *Repository) GetBuild(ctx context.Context, buildConfig string) (*Build, error) {
	var b Build
	err := r.db.GetConn().WithContext(ctx).
		Where("build_config = ?", buildConfig).
		First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrBuildNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ListBuilds 按记录时间倒序列出某个 product 的 build
func (r *Repository) ListBuilds(ctx context.Context, product string, limit int) ([]Build, error) {
	var builds []Build
	err := r.db.GetConn().WithContext(ctx).
		Where("product = ?", product).
		Order("created_at DESC").
		Limit(limit).
		Find(&builds).Error
	return builds, err
}

// -----------------------------------------------------------------------------
// 3. 提取记录
// -----------------------------------------------------------------------------

// RecordExtracted 记录 (或覆盖) 输出目录中一个文件的 content key
func (r *Repository) RecordExtracted(ctx context.Context, f ExtractedFile) error {
	f.UpdatedAt = time.Now()
	err := r.db.GetConn().WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "output_dir"}, {Name: "path"}},
			DoUpdates: clause.AssignmentColumns([]string{"content_key", "size", "build_config", "updated_at"}),
		}).
		Create(&f).Error
	if err != nil {
		return fmt.Errorf("failed to record extracted file: %w", err)
	}
	return nil
}

// Unchanged 判断 outputDir 下的 path 是否已是 ckey 对应的内容
func (r *Repository) Unchanged(ctx context.Context, outputDir, path, ckey string) (bool, error) {
	var count int64
	err := r.db.GetConn().WithContext(ctx).
		Model(&ExtractedFile{}).
		Where("output_dir = ? AND path = ? AND content_key = ?", outputDir, path, ckey).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListExtracted 列出输出目录中记录的全部文件 (按路径排序)
func (r *Repository) ListExtracted(ctx context.Context, outputDir string) ([]ExtractedFile, error) {
	var files []ExtractedFile
	err := r.db.GetConn().WithContext(ctx).
		Where("output_dir = ?", outputDir).
		Order("path").
		Find(&files).Error
	return files, err
}
