package cdn

import (
	"fmt"
	"strconv"
	"strings"
)

// Heading 是 PSV 表头的一列: "Name!TYPE:size"
type Heading struct {
	Name string
	Type string
	Size int
}

// Table 是 patch server 返回的 pipe-separated 表 (versions / cdns / .build.info)
// 列数不符或以 "##" 开头的行进入 Meta
type Table struct {
	Headings []Heading
	Rows     [][]string
	Meta     []string
}

// ParseTable 解析一个 PSV 文本
func ParseTable(text string) (*Table, error) {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	// 1. 第一行非空行是表头
	i := 0
	for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	if i == len(lines) {
		return nil, fmt.Errorf("psv: empty document")
	}
	t := &Table{}
	for _, col := range strings.Split(lines[i], "|") {
		h, err := parseHeading(col)
		if err != nil {
			return nil, err
		}
		t.Headings = append(t.Headings, h)
	}

	// 2. 数据行
	for _, line := range lines[i+1:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.Split(line, "|")
		if strings.HasPrefix(line, "##") || len(parts) != len(t.Headings) {
			t.Meta = append(t.Meta, line)
			continue
		}
		for j := range parts {
			parts[j] = strings.TrimSpace(parts[j])
		}
		t.Rows = append(t.Rows, parts)
	}
	return t, nil
}

func parseHeading(col string) (Heading, error) {
	col = strings.TrimSpace(col)
	name, typ, ok := strings.Cut(col, "!")
	h := Heading{Name: name}
	if !ok {
		return h, nil
	}
	typ, size, ok := strings.Cut(typ, ":")
	h.Type = typ
	if ok {
		n, err := strconv.Atoi(size)
		if err != nil {
			return h, fmt.Errorf("psv: bad heading %q: %w", col, err)
		}
		h.Size = n
	}
	return h, nil
}

// Column 返回列名对应的下标 (大小写不敏感)，不存在时返回 -1
func (t *Table) Column(name string) int {
	for i, h := range t.Headings {
		if strings.EqualFold(h.Name, name) {
			return i
		}
	}
	return -1
}

// Value 返回第 row 行中名为 name 的列，不存在时为空串
func (t *Table) Value(row int, name string) string {
	c := t.Column(name)
	if c < 0 || row < 0 || row >= len(t.Rows) {
		return ""
	}
	return t.Rows[row][c]
}

// Seqn 返回 "## seqn = N" 元数据行中的序号
func (t *Table) Seqn() (int, bool) {
	for _, m := range t.Meta {
		k, v, ok := strings.Cut(strings.TrimPrefix(m, "##"), "=")
		if !ok || strings.TrimSpace(k) != "seqn" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err == nil {
			return n, true
		}
	}
	return 0, false
}

// Version 是 versions 表中的一行
type Version struct {
	Region        string
	BuildConfig   string
	CDNConfig     string
	KeyRing       string
	BuildID       string
	VersionsName  string
	ProductConfig string
}

// ParseVersions 解析 versions 表
func ParseVersions(text string) ([]Version, error) {
	t, err := ParseTable(text)
	if err != nil {
		return nil, err
	}
	if t.Column("Region") < 0 || t.Column("BuildConfig") < 0 || t.Column("CDNConfig") < 0 {
		return nil, fmt.Errorf("psv: versions table is missing required columns")
	}
	out := make([]Version, 0, len(t.Rows))
	for i := range t.Rows {
		out = append(out, Version{
			Region:        t.Value(i, "Region"),
			BuildConfig:   t.Value(i, "BuildConfig"),
			CDNConfig:     t.Value(i, "CDNConfig"),
			KeyRing:       t.Value(i, "KeyRing"),
			BuildID:       t.Value(i, "BuildId"),
			VersionsName:  t.Value(i, "VersionsName"),
			ProductConfig: t.Value(i, "ProductConfig"),
		})
	}
	return out, nil
}

// CDN 是 cdns 表中的一行
type CDN struct {
	Name       string // region
	Path       string // 比如 "tpr/wow"
	Hosts      []string
	Servers    []string // 完整 URL，可能带查询参数
	ConfigPath string
}

// ParseCDNs 解析 cdns 表
func ParseCDNs(text string) ([]CDN, error) {
	t, err := ParseTable(text)
	if err != nil {
		return nil, err
	}
	if t.Column("Name") < 0 || t.Column("Path") < 0 || t.Column("Hosts") < 0 {
		return nil, fmt.Errorf("psv: cdns table is missing required columns")
	}
	out := make([]CDN, 0, len(t.Rows))
	for i := range t.Rows {
		out = append(out, CDN{
			Name:       t.Value(i, "Name"),
			Path:       t.Value(i, "Path"),
			Hosts:      strings.Fields(t.Value(i, "Hosts")),
			Servers:    strings.Fields(t.Value(i, "Servers")),
			ConfigPath: t.Value(i, "ConfigPath"),
		})
	}
	return out, nil
}

// FindVersion 返回 region 对应的版本
func FindVersion(versions []Version, region string) (Version, bool) {
	for _, v := range versions {
		if v.Region == region {
			return v, true
		}
	}
	return Version{}, false
}

// PickCDN 为 region 选择一个 CDN，返回以 "/" 结尾的基础 URL
// 规则: 优先 https 的 server，其中优先包含 preferHost 的；没有 server 时退回 http://<host>
func PickCDN(cdns []CDN, region, preferHost string) (string, error) {
	for _, c := range cdns {
		if c.Name != region {
			continue
		}
		var https []string
		for _, s := range c.Servers {
			if strings.HasPrefix(s, "https://") {
				https = append(https, s)
			}
		}
		var server string
		for _, s := range https {
			if preferHost != "" && strings.Contains(s, preferHost) {
				server = s
				break
			}
		}
		if server == "" && len(https) > 0 {
			server = https[0]
		}
		if server == "" {
			if len(c.Hosts) == 0 {
				return "", fmt.Errorf("cdn %s has no hosts", c.Name)
			}
			host := c.Hosts[0]
			for _, h := range c.Hosts {
				if preferHost != "" && strings.Contains(h, preferHost) {
					host = h
					break
				}
			}
			server = "http://" + host
		}
		if i := strings.IndexByte(server, '?'); i >= 0 {
			server = server[:i]
		}
		return strings.TrimSuffix(server, "/") + "/" + strings.Trim(c.Path, "/") + "/", nil
	}
	return "", fmt.Errorf("no cdn for region %q", region)
}
