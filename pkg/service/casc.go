package service

import (
	"context"
	"errors"

	"casccdn/pkg/app"
	"casccdn/pkg/core"
	"casccdn/pkg/ignore"
	"casccdn/pkg/install"
	"casccdn/pkg/resolver"
	"casccdn/pkg/storage"
	"casccdn/pkg/types"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	ServiceName = "casc.v1.CASC"

	// MaxMessageSize 限制单个消息，Resolve 的结果整个放在一条消息里
	MaxMessageSize = 256 << 20

	// DefaultChunkSize 是 Download 流中每条消息的数据量
	DefaultChunkSize = 1 << 20
)

// CASCServer 是 casc.v1.CASC 服务的服务端接口
type CASCServer interface {
	Info(context.Context, *InfoRequest) (*InfoResponse, error)
	Resolve(context.Context, *ResolveRequest) (*ResolveResponse, error)
	ListFiles(context.Context, *ListFilesRequest) (*ListFilesResponse, error)
	Download(*DownloadRequest, DownloadStream) error
}

// CASCService 在一个已打开的 build 上提供只读查询
type CASCService struct {
	session   *app.Session
	chunkSize int
	log       logrus.FieldLogger
}

func NewCASCService(s *app.Session, log logrus.FieldLogger) *CASCService {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &CASCService{session: s, chunkSize: DefaultChunkSize, log: log}
}

// =============================================================================
// 1. Unary
// =============================================================================

func (s *CASCService) Info(_ context.Context, _ *InfoRequest) (*InfoResponse, error) {
	sess := s.session
	resp := &InfoResponse{
		BuildConfig:  sess.BuildConfigKey,
		CDNConfig:    sess.CDNConfigKey,
		BuildName:    sess.BuildConfig.BuildName(),
		ContentKeys:  sess.Encoding.ContentCount(),
		EncodingKeys: sess.Encoding.EncodingCount(),
		Files:        sess.Manifest.Len(),
	}
	for _, t := range sess.Manifest.Tags() {
		resp.Tags = append(resp.Tags, t.Name)
	}
	if sess.Archives != nil {
		resp.Archives = sess.Archives.Len()
	}
	return resp, nil
}

func (s *CASCService) Resolve(ctx context.Context, req *ResolveRequest) (*ResolveResponse, error) {
	ckey, data, err := s.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	return &ResolveResponse{ContentKey: ckey.String(), Data: data}, nil
}

func (s *CASCService) ListFiles(_ context.Context, req *ListFilesRequest) (*ListFilesResponse, error) {
	m := s.session.Manifest
	// 1. 未知标签不匹配任何文件，这里提前报错更友好
	for _, name := range req.Tags {
		if _, ok := m.Tag(name); !ok {
			return nil, status.Errorf(codes.InvalidArgument, "unknown tag %q", name)
		}
	}

	// 2. 排除规则与 extract 的 --exclude 相同
	var exclude *ignore.Matcher
	if len(req.Exclude) > 0 {
		var err error
		if exclude, err = ignore.NewMatcher("", req.Exclude...); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "bad exclude pattern: %v", err)
		}
	}

	resp := &ListFilesResponse{Files: []FileInfo{}}
	for _, e := range m.Filter(install.RequireTags(req.Tags...)) {
		if exclude.Matches(e.Name) {
			continue
		}
		resp.Files = append(resp.Files, FileInfo{
			Path:       e.Name,
			ContentKey: e.ContentKey.String(),
			Size:       e.Size,
			Tags:       m.TagsOf(e),
		})
	}
	return resp, nil
}

// =============================================================================
// 2. Stream
// =============================================================================

// Download 解析文件并按 chunkSize 分块发送
func (s *CASCService) Download(req *DownloadRequest, stream DownloadStream) error {
	_, data, err := s.resolve(stream.Context(), req)
	if err != nil {
		return err
	}
	w := NewGrpcStreamWriter(stream, s.chunkSize)
	if _, err := w.Write(data); err != nil {
		return status.Errorf(codes.Unavailable, "send: %v", err)
	}
	return nil
}

// resolve 把请求中的路径或键解析为内容，错误已转换为 gRPC status
func (s *CASCService) resolve(ctx context.Context, req *ResolveRequest) (types.ContentKey, []byte, error) {
	// 1. 定位 content key
	var ckey types.ContentKey
	switch {
	case req.Path != "":
		e, ok := s.session.Manifest.Lookup(req.Path)
		if !ok {
			return ckey, nil, status.Errorf(codes.NotFound, "no file %q in install manifest", req.Path)
		}
		ckey = e.ContentKey
		if req.ContentKey != "" && req.ContentKey != ckey.String() {
			return ckey, nil, status.Errorf(codes.InvalidArgument, "%s has content key %s, not %s", req.Path, ckey, req.ContentKey)
		}
	case req.ContentKey != "":
		var err error
		if ckey, err = types.ParseContentKey(req.ContentKey); err != nil {
			return ckey, nil, status.Error(codes.InvalidArgument, err.Error())
		}
	default:
		return ckey, nil, status.Error(codes.InvalidArgument, "content_key or path is required")
	}

	// 2. 解析
	var data []byte
	var err error
	if req.EncodingKey != "" {
		ekey, perr := types.ParseEncodingKey(req.EncodingKey)
		if perr != nil {
			return ckey, nil, status.Error(codes.InvalidArgument, perr.Error())
		}
		data, err = s.session.Pipeline.ResolveVerified(ctx, ckey, ekey)
	} else {
		data, err = s.session.Pipeline.Resolve(ctx, ckey)
	}
	if err != nil {
		s.log.WithError(err).WithField("ckey", ckey.String()).Debug("resolve failed")
		return ckey, nil, ToStatus(err)
	}
	return ckey, data, nil
}

// ToStatus 把解析链路的错误分类映射为 gRPC 状态码
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, storage.ErrInvalidKey):
		code = codes.InvalidArgument
	case errors.Is(err, core.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, core.ErrEncodingKeyMismatch):
		code = codes.FailedPrecondition
	case errors.Is(err, core.ErrUnknownEncoding):
		code = codes.Unimplemented
	case errors.Is(err, core.ErrChecksum), errors.Is(err, core.ErrFormat),
		errors.Is(err, core.ErrSize), errors.Is(err, core.ErrTruncated):
		code = codes.DataLoss
	case errors.Is(err, storage.ErrTransport), errors.Is(err, storage.ErrIO):
		code = codes.Unavailable
	case errors.Is(err, resolver.ErrNoManifest):
		code = codes.FailedPrecondition
	}
	return status.Error(code, err.Error())
}

// =============================================================================
// 3. Service descriptor
// =============================================================================

// ServiceDesc 描述 casc.v1.CASC，消息使用 CBOR 编码
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CASCServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Info", Handler: infoHandler},
		{MethodName: "Resolve", Handler: resolveHandler},
		{MethodName: "ListFiles", Handler: listFilesHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Download", Handler: downloadHandler, ServerStreams: true},
	},
	Metadata: "casc/v1/casc.cbor",
}

// RegisterCASCServer 在 gRPC server 上注册服务
func RegisterCASCServer(s grpc.ServiceRegistrar, srv CASCServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// FullMethod 返回方法的完整名字，如 /casc.v1.CASC/Resolve
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary[Req any, Resp any](name string, call func(CASCServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(CASCServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(CASCServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var (
	infoHandler      = unary("Info", CASCServer.Info)
	resolveHandler   = unary("Resolve", CASCServer.Resolve)
	listFilesHandler = unary("ListFiles", CASCServer.ListFiles)
)

func downloadHandler(srv any, stream grpc.ServerStream) error {
	in := new(DownloadRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(CASCServer).Download(in, &downloadServer{stream})
}

type downloadServer struct {
	grpc.ServerStream
}

func (x *downloadServer) Send(m *DownloadChunk) error {
	return x.ServerStream.SendMsg(m)
}
