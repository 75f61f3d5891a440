package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"casccdn/internal/fixture"
	"casccdn/pkg/app"
	"casccdn/pkg/core"
	"casccdn/pkg/storage"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func testBuild() *fixture.Build {
	return fixture.NewBuild([]fixture.File{
		{Path: "Wow.exe", Data: bytes.Repeat([]byte("MZ"), 300), Tags: []string{"Windows", "enUS"}},
		{Path: `Data\data.000`, Data: []byte("data file"), Tags: []string{"Windows"}},
		{Path: "World of Warcraft.app", Data: []byte("mach-o"), Tags: []string{"OSX", "enUS"}},
	})
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// newService 在内存 store 上打开 build 并构造服务
func newService(t *testing.T, b *fixture.Build) *CASCService {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemory()
	for k, v := range b.Objects() {
		kind, key, _ := strings.Cut(k, "/")
		require.NoError(t, store.Put(ctx, kind, key, v))
	}
	s, err := app.OpenSession(ctx, storage.StoreFetcher{Store: store}, b.BuildConfigKey, b.CDNConfigKey,
		app.SessionOptions{Verify: true, Logger: quietLogger()})
	require.NoError(t, err)
	return NewCASCService(s, quietLogger())
}

func TestInfo(t *testing.T) {
	b := testBuild()
	resp, err := newService(t, b).Info(context.Background(), &InfoRequest{})
	require.NoError(t, err)

	assert.Equal(t, b.BuildConfigKey, resp.BuildConfig)
	assert.Equal(t, "TEST-1", resp.BuildName)
	assert.Equal(t, 4, resp.ContentKeys)
	assert.Equal(t, 3, resp.Files)
	assert.Equal(t, []string{"Windows", "enUS", "OSX"}, resp.Tags)
	assert.Zero(t, resp.Archives)
}

func TestResolve(t *testing.T) {
	b := testBuild()
	svc := newService(t, b)
	ctx := context.Background()

	tests := []struct {
		name string
		req  *ResolveRequest
	}{
		{"by content key", &ResolveRequest{ContentKey: b.CKeys[1].String()}},
		{"by path", &ResolveRequest{Path: `Data\data.000`}},
		{"by slash path", &ResolveRequest{Path: "Data/data.000"}},
		{"with encoding key", &ResolveRequest{ContentKey: b.CKeys[1].String(), EncodingKey: b.EKeys[1].String()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := svc.Resolve(ctx, tt.req)
			require.NoError(t, err)
			assert.Equal(t, []byte("data file"), resp.Data)
			assert.Equal(t, b.CKeys[1].String(), resp.ContentKey)
		})
	}
}

func TestResolve_Errors(t *testing.T) {
	b := testBuild()
	// Wow.exe 的 blob 被换成了另一个文件的 blob
	b.Blobs[b.EKeys[0]] = b.Blobs[b.EKeys[1]]
	svc := newService(t, b)
	ctx := context.Background()

	tests := []struct {
		name string
		req  *ResolveRequest
		want codes.Code
	}{
		{"empty request", &ResolveRequest{}, codes.InvalidArgument},
		{"bad key", &ResolveRequest{ContentKey: "xyz"}, codes.InvalidArgument},
		{"bad encoding key", &ResolveRequest{ContentKey: b.CKeys[1].String(), EncodingKey: "zz"}, codes.InvalidArgument},
		{"unknown path", &ResolveRequest{Path: "missing.txt"}, codes.NotFound},
		{"unknown content key", &ResolveRequest{ContentKey: strings.Repeat("ab", 16)}, codes.NotFound},
		{"path and key disagree", &ResolveRequest{Path: "Wow.exe", ContentKey: b.CKeys[1].String()}, codes.InvalidArgument},
		{"encoding key mismatch", &ResolveRequest{ContentKey: b.CKeys[1].String(), EncodingKey: b.EKeys[2].String()}, codes.FailedPrecondition},
		{"corrupt blob", &ResolveRequest{Path: "Wow.exe"}, codes.DataLoss},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Resolve(ctx, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.want, status.Code(err), err.Error())
		})
	}
}

func TestListFiles(t *testing.T) {
	svc := newService(t, testBuild())
	ctx := context.Background()

	resp, err := svc.ListFiles(ctx, &ListFilesRequest{Tags: []string{"Windows"}})
	require.NoError(t, err)
	require.Len(t, resp.Files, 2)
	assert.Equal(t, `Data\data.000`, resp.Files[0].Path)
	assert.Equal(t, "Wow.exe", resp.Files[1].Path)
	assert.Equal(t, uint32(600), resp.Files[1].Size)
	assert.Equal(t, []string{"Windows", "enUS"}, resp.Files[1].Tags)

	resp, err = svc.ListFiles(ctx, &ListFilesRequest{Tags: []string{"Windows"}, Exclude: []string{"*.exe"}})
	require.NoError(t, err)
	require.Len(t, resp.Files, 1)
	assert.Equal(t, `Data\data.000`, resp.Files[0].Path)

	// 没有过滤条件时返回全部
	resp, err = svc.ListFiles(ctx, &ListFilesRequest{})
	require.NoError(t, err)
	assert.Len(t, resp.Files, 3)

	_, err = svc.ListFiles(ctx, &ListFilesRequest{Tags: []string{"Linux"}})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

// fakeStream 记录发送的分块
type fakeStream struct {
	ctx    context.Context
	chunks [][]byte
	err    error
}

func (f *fakeStream) Send(c *DownloadChunk) error {
	if f.err != nil {
		return f.err
	}
	f.chunks = append(f.chunks, append([]byte(nil), c.Data...))
	return nil
}

func (f *fakeStream) Context() context.Context { return f.ctx }

func TestDownload(t *testing.T) {
	b := testBuild()
	svc := newService(t, b)
	svc.chunkSize = 256

	stream := &fakeStream{ctx: context.Background()}
	require.NoError(t, svc.Download(&DownloadRequest{Path: "Wow.exe"}, stream))
	require.Len(t, stream.chunks, 3)
	assert.Len(t, stream.chunks[2], 600-512)
	assert.Equal(t, b.Files[0].Data, bytes.Join(stream.chunks, nil))

	stream = &fakeStream{ctx: context.Background(), err: errors.New("broken pipe")}
	err := svc.Download(&DownloadRequest{Path: "Wow.exe"}, stream)
	assert.Equal(t, codes.Unavailable, status.Code(err))

	stream = &fakeStream{ctx: context.Background()}
	err = svc.Download(&DownloadRequest{Path: "nope"}, stream)
	assert.Equal(t, codes.NotFound, status.Code(err))
	assert.Empty(t, stream.chunks)
}

func TestGrpcStreamWriter_Empty(t *testing.T) {
	stream := &fakeStream{ctx: context.Background()}
	n, err := NewGrpcStreamWriter(stream, 0).Write(nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, stream.chunks, 1, "空内容也有一条消息")
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{context.Canceled, codes.Canceled},
		{fmt.Errorf("fetch: %w", context.DeadlineExceeded), codes.DeadlineExceeded},
		{fmt.Errorf("blob: %w", storage.ErrNotFound), codes.NotFound},
		{core.ErrUnknownContentKey, codes.NotFound},
		{core.ErrHeaderChecksum, codes.DataLoss},
		{core.ErrTruncated, codes.DataLoss},
		{core.ErrUnknownEncoding, codes.Unimplemented},
		{fmt.Errorf("%w: 503", storage.ErrTransport), codes.Unavailable},
		{storage.ErrInvalidKey, codes.InvalidArgument},
		{errors.New("boom"), codes.Internal},
		{status.Error(codes.Aborted, "already a status"), codes.Aborted},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, status.Code(ToStatus(tt.err)), tt.err.Error())
	}
	assert.NoError(t, ToStatus(nil))
}

func TestCodec(t *testing.T) {
	c := Codec{}
	assert.Equal(t, "cbor", c.Name())

	in := &ListFilesResponse{Files: []FileInfo{{Path: `a\b`, ContentKey: strings.Repeat("0", 32), Size: 7, Tags: []string{"x"}}}}
	data, err := c.Marshal(in)
	require.NoError(t, err)
	out := new(ListFilesResponse)
	require.NoError(t, c.Unmarshal(data, out))
	assert.Equal(t, in, out)
}
