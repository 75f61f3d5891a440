package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"casccdn/pkg/storage"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"
)

// Adapter 实现了 storage.RangeStore 接口
// 用作共享的 CDN 镜像：多个机器共用一个桶，避免重复从 CDN 下载
type Adapter struct {
	client *s3.Client
	bucket string
	prefix string
}

var _ storage.RangeStore = (*Adapter)(nil)

// Config 用于初始化 Adapter
type Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	Prefix          string // 桶内的 key 前缀，比如 "tpr/wow"
	AccessKeyID     string
	SecretAccessKey string

	Logger logrus.FieldLogger
}

// NewAdapter 初始化 S3 客户端 (AWS SDK v2)
func NewAdapter(ctx context.Context, cfg Config) (*Adapter, error) {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	// 1. 加载基础配置 (Region 和 Credentials)
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	// 2. 创建 S3 客户端，使用 BaseEndpoint 而不是全局 Resolver
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// 指定了 Endpoint (比如 MinIO 的 localhost:9000) 时覆盖默认值
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		// MinIO 必须使用 Path Style
		o.UsePathStyle = true
	})

	// 3. 确保 Bucket 存在
	_, err = client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &cfg.Bucket})
	if err != nil {
		_, err = client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: &cfg.Bucket})
		if err != nil {
			// 并发创建或权限问题，继续运行，后续请求会暴露真正的错误
			log.WithError(err).WithField("bucket", cfg.Bucket).Warn("failed to ensure bucket exists")
		}
	}

	return &Adapter{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// objectKey 把 (kind, hex) 转成 S3 Key，分片规则与磁盘缓存相同
// Logic: ("data", "aabbcc...") -> "<prefix>/data/aa/bb/aabbcc..."
func (s *Adapter) objectKey(kind, hexKey string) (string, error) {
	rel, err := storage.ObjectPath(kind, hexKey)
	if err != nil {
		return "", err
	}
	if s.prefix == "" {
		return rel, nil
	}
	return path.Join(s.prefix, rel), nil
}

// Put 上传对象
func (s *Adapter) Put(ctx context.Context, kind, hexKey string, data []byte) error {
	key, err := s.objectKey(kind, hexKey)
	if err != nil {
		return err
	}

	// 1. 幂等性检查，Head 比 Put 便宜
	exists, err := s.Has(ctx, kind, hexKey)
	if err != nil {
		return fmt.Errorf("s3 put existence check failed: %w", err)
	}
	if exists {
		return nil
	}

	// 2. 执行上传
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("%w: s3 put failed: %v", storage.ErrTransport, err)
	}
	return nil
}

// Get 下载对象
func (s *Adapter) Get(ctx context.Context, kind, hexKey string) (io.ReadCloser, error) {
	return s.get(ctx, kind, hexKey, nil)
}

// GetRange 使用 HTTP Range 只下载需要的片段
func (s *Adapter) GetRange(ctx context.Context, kind, hexKey string, offset, size int64) ([]byte, error) {
	if offset < 0 || size <= 0 {
		if size == 0 && offset >= 0 {
			return []byte{}, nil
		}
		return nil, fmt.Errorf("%w: bad range [%d, +%d)", storage.ErrIO, offset, size)
	}
	rng := fmt.Sprintf("bytes=%d-%d", offset, offset+size-1)
	body, err := s.get(ctx, kind, hexKey, aws.String(rng))
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("%w: s3 read failed: %v", storage.ErrTransport, err)
	}
	if int64(len(data)) != size {
		return nil, fmt.Errorf("%w: s3 range returned %d bytes, want %d", storage.ErrIO, len(data), size)
	}
	return data, nil
}

func (s *Adapter) get(ctx context.Context, kind, hexKey string, rng *string) (io.ReadCloser, error) {
	key, err := s.objectKey(kind, hexKey)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Range:  rng,
	})
	if err != nil {
		// 将 AWS 的 NoSuchKey 错误映射为 ErrNotFound
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
		}
		return nil, fmt.Errorf("%w: s3 get failed: %v", storage.ErrTransport, err)
	}
	return resp.Body, nil
}

// Has 检查对象是否存在
func (s *Adapter) Has(ctx context.Context, kind, hexKey string) (bool, error) {
	key, err := s.objectKey(kind, hexKey)
	if err != nil {
		return false, err
	}

	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}

	var notFound *s3types.NotFound
	var noKey *s3types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noKey) {
		return false, nil
	}
	// 兼容性：某些 S3 实现只返回 generic 404
	if strings.Contains(err.Error(), "404") {
		return false, nil
	}
	return false, fmt.Errorf("%w: s3 head failed: %v", storage.ErrTransport, err)
}
