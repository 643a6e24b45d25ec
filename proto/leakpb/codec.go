package leakpb

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// wireMessage is satisfied by every message in this package. grpc's default
// codec (google.golang.org/grpc/encoding/proto) requires protoreflect-based
// messages, which these hand-maintained types deliberately are not; codec
// registers a replacement under the same "proto" name so the stock
// grpc.Dial / grpc.NewServer plumbing keeps working unmodified. This mirrors
// how gogo/protobuf-based services override the default codec in practice.
type wireMessage interface {
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

type codec struct{}

func (codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("leakpb: codec: %T does not implement wireMessage", v)
	}
	return m.Marshal()
}

func (codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(wireMessage)
	if !ok {
		return fmt.Errorf("leakpb: codec: %T does not implement wireMessage", v)
	}
	return m.Unmarshal(data)
}

func (codec) Name() string { return "proto" }

func init() {
	encoding.RegisterCodec(codec{})
}
