package service

import (
	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc/encoding"
)

// CodecName 是 CASC 服务使用的 gRPC content-subtype
// 客户端需要带上 grpc.CallContentSubtype(CodecName)
const CodecName = "cbor"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// 确定性编码: 相同的消息总是得到相同的字节
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic("service: cbor encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		// ListFiles 的结果可以有几十万项
		MaxArrayElements: 1 << 22,
		MaxMapPairs:      1024,
		MaxNestedLevels:  16,
		IndefLength:      cbor.IndefLengthForbidden,
	}.DecMode()
	if err != nil {
		panic("service: cbor decoder: " + err.Error())
	}
	encoding.RegisterCodec(Codec{})
}

// Codec 用 CBOR 序列化服务消息，代替生成的 protobuf 代码
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error)      { return encMode.Marshal(v) }
func (Codec) Unmarshal(data []byte, v any) error { return decMode.Unmarshal(data, v) }
func (Codec) Name() string                       { return CodecName }
