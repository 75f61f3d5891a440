package cdn

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"casccdn/pkg/types"
)

// Config 是 build config / cdn config 文档: 每行 "key = value"，'#' 开头为注释
type Config struct {
	values map[string]string
	keys   []string // 原始顺序
}

// ParseConfig 解析 config 文档
func ParseConfig(text string) (*Config, error) {
	c := &Config{values: make(map[string]string)}
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024) // vfs-* 行可能很长
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("config line %d: missing '='", n)
		}
		k = strings.TrimSpace(k)
		if _, dup := c.values[k]; !dup {
			c.keys = append(c.keys, k)
		}
		c.values[k] = strings.TrimSpace(v)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return c, nil
}

// Get 返回原始值
func (c *Config) Get(key string) string { return c.values[key] }

// Fields 返回按空白分隔的值
func (c *Config) Fields(key string) []string { return strings.Fields(c.values[key]) }

// Keys 返回所有 key (文档顺序)
func (c *Config) Keys() []string { return c.keys }

// FileKeys 是 build config 中 "<ckey> <ekey>" 形式的一对 key
type FileKeys struct {
	ContentKey  types.ContentKey
	EncodingKey types.EncodingKey
}

// FileKeys 解析 "encoding = <ckey> <ekey>" 这类字段
// install/download 等字段在没有 ekey 时只有 ckey，此时 EncodingKey 为零值
func (c *Config) FileKeys(key string) (FileKeys, error) {
	f := c.Fields(key)
	if len(f) == 0 {
		return FileKeys{}, fmt.Errorf("config: missing %q", key)
	}
	var fk FileKeys
	var err error
	if fk.ContentKey, err = types.ParseContentKey(f[0]); err != nil {
		return fk, fmt.Errorf("config %q: %w", key, err)
	}
	if len(f) > 1 {
		if fk.EncodingKey, err = types.ParseEncodingKey(f[1]); err != nil {
			return fk, fmt.Errorf("config %q: %w", key, err)
		}
	}
	return fk, nil
}

// Sizes 解析 "encoding-size = <csize> <esize>" 这类字段
func (c *Config) Sizes(key string) ([]uint64, error) {
	var out []uint64
	for _, f := range c.Fields(key) {
		n, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("config %q: %w", key, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// Archives 解析 cdn config 中的 archive 列表
func (c *Config) Archives() ([]types.ArchiveKey, error) {
	var out []types.ArchiveKey
	for _, f := range c.Fields("archives") {
		k, err := types.ParseArchiveKey(f)
		if err != nil {
			return nil, fmt.Errorf("config archives: %w", err)
		}
		out = append(out, k)
	}
	return out, nil
}

// BuildName 返回 build-name 字段
func (c *Config) BuildName() string { return c.values["build-name"] }
