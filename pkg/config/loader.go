package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Load 初始化 Viper 配置
// cfgFile: 可选，用户显式指定的配置文件路径
func Load(cfgFile string) error {
	// 1. 设置默认值 (Defaults)
	setDefaults()

	// 2. 配置搜索路径
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}

		// 搜索顺序：当前目录 -> ./.casc -> ~/.casc
		viper.AddConfigPath(".")
		viper.AddConfigPath(".casc")
		viper.AddConfigPath(filepath.Join(home, ".casc"))

		viper.SetConfigType("yaml")
		viper.SetConfigName("config") // 找 config.yaml
	}

	// 3. 读取环境变量 (CASC_CDN_REGION 等)
	viper.SetEnvPrefix("CASC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// 4. 读取配置文件
	if err := viper.ReadInConfig(); err != nil {
		// 没找到配置文件时只用默认值和环境变量
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			logrus.Debug("no config file found, using defaults/env vars")
		} else {
			return fmt.Errorf("fatal error config file: %w", err)
		}
	} else {
		logrus.WithField("file", viper.ConfigFileUsed()).Debug("using config file")
	}

	return nil
}

func setDefaults() {
	// CDN
	viper.SetDefault("cdn.patch_url", "http://us.patch.battle.net:1119")
	viper.SetDefault("cdn.product", "wow")
	viper.SetDefault("cdn.region", "us")
	viper.SetDefault("cdn.host", "cdn.blizzard.com")
	viper.SetDefault("cdn.timeout", "30s")
	viper.SetDefault("cdn.breaker_threshold", 10)
	viper.SetDefault("cdn.archives", false)

	// 存储默认值
	wd, _ := os.Getwd()
	viper.SetDefault("storage.path", filepath.Join(wd, ".casc", "objects"))
	viper.SetDefault("storage.type", "disk")
	viper.SetDefault("storage.s3.region", "us-east-1")
	viper.SetDefault("storage.s3.bucket", "casc")

	// 缓存
	viper.SetDefault("cache.redis_url", "")
	viper.SetDefault("cache.ttl", "24h")

	// 解析
	viper.SetDefault("verify.checksums", true)
	viper.SetDefault("resolve.concurrency", 8)

	// 数据库默认值
	viper.SetDefault("database.driver", "sqlite")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.sslmode", "disable")

	viper.SetDefault("metrics.enabled", false)
	viper.SetDefault("metrics.listen", ":9090")
	viper.SetDefault("server.listen", ":8080")
	viper.SetDefault("log.level", "info")
}

// Settings 是从 viper 中读出的强类型配置快照
type Settings struct {
	PatchURL         string
	Product          string
	Region           string
	PreferHost       string
	Timeout          time.Duration
	BreakerThreshold int64
	UseArchives      bool

	StorageType string
	StoragePath string
	S3          S3Settings

	RedisURL string
	CacheTTL time.Duration

	Verify      bool
	Concurrency int

	DatabaseDriver string
	DatabaseDSN    string

	MetricsEnabled bool
	MetricsListen  string
	ServerListen   string
	LogLevel       string
}

type S3Settings struct {
	Endpoint        string
	Region          string
	Bucket          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
}

// Current 读取当前 viper 状态
func Current() Settings {
	return Settings{
		PatchURL:         viper.GetString("cdn.patch_url"),
		Product:          viper.GetString("cdn.product"),
		Region:           viper.GetString("cdn.region"),
		PreferHost:       viper.GetString("cdn.host"),
		Timeout:          viper.GetDuration("cdn.timeout"),
		BreakerThreshold: viper.GetInt64("cdn.breaker_threshold"),
		UseArchives:      viper.GetBool("cdn.archives"),

		StorageType: viper.GetString("storage.type"),
		StoragePath: viper.GetString("storage.path"),
		S3: S3Settings{
			Endpoint:        viper.GetString("storage.s3.endpoint"),
			Region:          viper.GetString("storage.s3.region"),
			Bucket:          viper.GetString("storage.s3.bucket"),
			Prefix:          viper.GetString("storage.s3.prefix"),
			AccessKeyID:     viper.GetString("storage.s3.access_key_id"),
			SecretAccessKey: viper.GetString("storage.s3.secret_access_key"),
		},

		RedisURL: viper.GetString("cache.redis_url"),
		CacheTTL: viper.GetDuration("cache.ttl"),

		Verify:      viper.GetBool("verify.checksums"),
		Concurrency: viper.GetInt("resolve.concurrency"),

		DatabaseDriver: viper.GetString("database.driver"),
		DatabaseDSN:    DatabaseDSN(),

		MetricsEnabled: viper.GetBool("metrics.enabled"),
		MetricsListen:  viper.GetString("metrics.listen"),
		ServerListen:   viper.GetString("server.listen"),
		LogLevel:       viper.GetString("log.level"),
	}
}

// DatabaseDSN 返回数据库连接串
// 显式设置的 database.dsn 优先；否则 sqlite 用默认文件，postgres 由 database.* 字段拼出
func DatabaseDSN() string {
	if dsn := viper.GetString("database.dsn"); dsn != "" {
		return dsn
	}
	if viper.GetString("database.driver") != "postgres" {
		wd, _ := os.Getwd()
		return filepath.Join(wd, ".casc", "catalog.db")
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		viper.GetString("database.host"),
		viper.GetInt("database.port"),
		viper.GetString("database.user"),
		viper.GetString("database.password"),
		viper.GetString("database.dbname"),
		viper.GetString("database.sslmode"),
	)
}
