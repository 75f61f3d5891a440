package meta

import (
	"time"

	"gorm.io/datatypes"
)

// Head 记录某个 product/region 最近一次完整提取所用的 build
// 例如 "wow/us" -> build config key
type Head struct {
	Name        string `gorm:"primaryKey;type:varchar(255)"`
	BuildConfig string `gorm:"type:char(32);not null"`

	// Version 用于乐观锁并发控制 (CAS)，每次更新 +1
	Version int64 `gorm:"default:1"`

	UpdatedAt time.Time
}

// Build 是一次会话解析到的 build 的投影
type Build struct {
	BuildConfig  string `gorm:"primaryKey;type:char(32)"`
	CDNConfig    string `gorm:"type:char(32)"`
	Product      string `gorm:"index;type:varchar(64)"`
	Region       string `gorm:"type:varchar(16)"`
	BuildName    string `gorm:"type:varchar(255)"`
	VersionsName string `gorm:"type:varchar(64)"`

	EncodingCKey string `gorm:"type:char(32)"`
	InstallCKey  string `gorm:"type:char(32)"`

	// Tags: install manifest 中的标签名列表 ["Windows", "enUS", ...]
	Tags  datatypes.JSON
	Files int

	CreatedAt time.Time
}

// ExtractedFile 记录一个已写到输出目录的文件
// 再次提取时 content key 未变则跳过
type ExtractedFile struct {
	OutputDir   string `gorm:"primaryKey;type:varchar(1024)"`
	Path        string `gorm:"primaryKey;type:varchar(1024)"`
	ContentKey  string `gorm:"index;type:char(32);not null"`
	Size        int64
	BuildConfig string `gorm:"type:char(32)"`

	UpdatedAt time.Time
}

// Models 返回需要迁移的全部表
func Models() []any {
	return []any{&Head{}, &Build{}, &ExtractedFile{}}
}
