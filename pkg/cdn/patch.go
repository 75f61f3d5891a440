package cdn

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// DefaultPatchURL 是 patch server 的默认地址
const DefaultPatchURL = "http://us.patch.battle.net:1119"

// PatchClient 读取 patch server 上某个 product 的 versions / cdns 表
type PatchClient struct {
	BaseURL string
	Product string
	HTTP    *http.Client
}

func NewPatchClient(baseURL, product string) *PatchClient {
	if baseURL == "" {
		baseURL = DefaultPatchURL
	}
	return &PatchClient{BaseURL: strings.TrimSuffix(baseURL, "/"), Product: product, HTTP: http.DefaultClient}
}

// Versions 获取并解析 versions 表
func (p *PatchClient) Versions(ctx context.Context) ([]Version, error) {
	text, err := p.get(ctx, "versions")
	if err != nil {
		return nil, err
	}
	return ParseVersions(text)
}

// CDNs 获取并解析 cdns 表
func (p *PatchClient) CDNs(ctx context.Context) ([]CDN, error) {
	text, err := p.get(ctx, "cdns")
	if err != nil {
		return nil, err
	}
	return ParseCDNs(text)
}

func (p *PatchClient) get(ctx context.Context, table string) (string, error) {
	url := fmt.Sprintf("%s/%s/%s", p.BaseURL, p.Product, table)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := p.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("patch %s: %w", table, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("patch %s: unexpected status %s", table, resp.Status)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("patch %s: %w", table, err)
	}
	return string(b), nil
}
