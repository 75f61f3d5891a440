package service

import (
	"context"
	"fmt"
)

// DownloadStream 定义了 Download 接口所需的最小集合，方便测试 Mock
type DownloadStream interface {
	Send(*DownloadChunk) error
	Context() context.Context
}

// GrpcStreamWriter 将 Download 流包装为 io.Writer
// 每次 Write 按 chunkSize 切成多条消息发送
type GrpcStreamWriter struct {
	stream    DownloadStream
	chunkSize int
}

func NewGrpcStreamWriter(stream DownloadStream, chunkSize int) *GrpcStreamWriter {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &GrpcStreamWriter{stream: stream, chunkSize: chunkSize}
}

// Write 实现了 io.Writer 接口
// 空文件也发送一条空消息，客户端据此区分 "空内容" 与 "没有响应"
func (w *GrpcStreamWriter) Write(p []byte) (int, error) {
	n := 0
	for {
		end := min(n+w.chunkSize, len(p))
		if err := w.stream.Send(&DownloadChunk{Data: p[n:end]}); err != nil {
			return n, fmt.Errorf("grpc send failed: %w", err)
		}
		n = end
		if n >= len(p) {
			return n, nil
		}
	}
}
