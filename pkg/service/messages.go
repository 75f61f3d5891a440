package service

// 服务消息，使用 CBOR 编码 (见 codec.go)
// 十六进制键都是 32 个字符的小写字符串

type InfoRequest struct{}

type InfoResponse struct {
	BuildConfig  string   `cbor:"build_config"`
	CDNConfig    string   `cbor:"cdn_config,omitempty"`
	BuildName    string   `cbor:"build_name,omitempty"`
	ContentKeys  int      `cbor:"content_keys"`
	EncodingKeys int      `cbor:"encoding_keys"`
	Files        int      `cbor:"files"`
	Archives     int      `cbor:"archives"`
	Tags         []string `cbor:"tags"`
}

// ResolveRequest 按 content key 或 manifest 路径解析一个文件
// EncodingKey 非空时要求 encoding 表中的映射与之一致
type ResolveRequest struct {
	ContentKey  string `cbor:"content_key,omitempty"`
	EncodingKey string `cbor:"encoding_key,omitempty"`
	Path        string `cbor:"path,omitempty"`
}

type ResolveResponse struct {
	ContentKey string `cbor:"content_key"`
	Data       []byte `cbor:"data"`
}

// ListFilesRequest 过滤 install manifest
// 文件必须带有全部 Tags，且不匹配任何 Exclude (gitignore 语法)
type ListFilesRequest struct {
	Tags    []string `cbor:"tags,omitempty"`
	Exclude []string `cbor:"exclude,omitempty"`
}

type FileInfo struct {
	Path       string   `cbor:"path"`
	ContentKey string   `cbor:"content_key"`
	Size       uint32   `cbor:"size"`
	Tags       []string `cbor:"tags,omitempty"`
}

type ListFilesResponse struct {
	Files []FileInfo `cbor:"files"`
}

// DownloadRequest 与 ResolveRequest 相同，结果以分块流返回
type DownloadRequest = ResolveRequest

type DownloadChunk struct {
	Data []byte `cbor:"data"`
}
