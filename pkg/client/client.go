package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"casccdn/pkg/service"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// CASCClient 封装了与 casc-server 的连接
type CASCClient struct {
	conn *grpc.ClientConn
}

// DialOptions 返回连接 casc-server 需要的选项: CBOR 编码、消息大小上限、keepalive
func DialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(service.CodecName),
			grpc.MaxCallRecvMsgSize(service.MaxMessageSize),
			grpc.MaxCallSendMsgSize(service.MaxMessageSize),
		),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             20 * time.Second,
			PermitWithoutStream: true,
		}),
	}
}

// NewCASCClient 创建客户端
// 它会立即返回，连接在后台进行
func NewCASCClient(addr string, extra ...grpc.DialOption) (*CASCClient, error) {
	conn, err := grpc.NewClient(addr, append(DialOptions(), extra...)...)
	if err != nil {
		// 这里的 err 通常只是配置错误 (如地址格式不对)
		return nil, fmt.Errorf("failed to create grpc client for %s: %w", addr, err)
	}
	return &CASCClient{conn: conn}, nil
}

func (c *CASCClient) Info(ctx context.Context) (*service.InfoResponse, error) {
	out := new(service.InfoResponse)
	if err := c.conn.Invoke(ctx, service.FullMethod("Info"), &service.InfoRequest{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *CASCClient) Resolve(ctx context.Context, req *service.ResolveRequest) (*service.ResolveResponse, error) {
	out := new(service.ResolveResponse)
	if err := c.conn.Invoke(ctx, service.FullMethod("Resolve"), req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *CASCClient) ListFiles(ctx context.Context, req *service.ListFilesRequest) (*service.ListFilesResponse, error) {
	out := new(service.ListFilesResponse)
	if err := c.conn.Invoke(ctx, service.FullMethod("ListFiles"), req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Download 把流式返回的文件内容写入 w，返回写入的字节数
func (c *CASCClient) Download(ctx context.Context, req *service.DownloadRequest, w io.Writer) (int64, error) {
	desc := &service.ServiceDesc.Streams[0]
	stream, err := c.conn.NewStream(ctx, desc, service.FullMethod(desc.StreamName))
	if err != nil {
		return 0, err
	}
	if err := stream.SendMsg(req); err != nil {
		return 0, err
	}
	if err := stream.CloseSend(); err != nil {
		return 0, err
	}

	var total int64
	for {
		var chunk service.DownloadChunk
		err := stream.RecvMsg(&chunk)
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
		n, err := w.Write(chunk.Data)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
}

// Close 关闭底层连接
func (c *CASCClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
