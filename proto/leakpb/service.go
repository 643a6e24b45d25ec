package leakpb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	LeakCollector_RegisterRun_FullMethodName = "/leakpb.LeakCollector/RegisterRun"
	LeakCollector_StreamLeaks_FullMethodName = "/leakpb.LeakCollector/StreamLeaks"
)

// LeakCollectorClient is the client API for the LeakCollector service.
type LeakCollectorClient interface {
	RegisterRun(ctx context.Context, in *RegisterRunRequest, opts ...grpc.CallOption) (*RegisterRunResponse, error)
	StreamLeaks(ctx context.Context, opts ...grpc.CallOption) (LeakCollector_StreamLeaksClient, error)
}

type leakCollectorClient struct {
	cc grpc.ClientConnInterface
}

func NewLeakCollectorClient(cc grpc.ClientConnInterface) LeakCollectorClient {
	return &leakCollectorClient{cc}
}

func (c *leakCollectorClient) RegisterRun(ctx context.Context, in *RegisterRunRequest, opts ...grpc.CallOption) (*RegisterRunResponse, error) {
	out := new(RegisterRunResponse)
	if err := c.cc.Invoke(ctx, LeakCollector_RegisterRun_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *leakCollectorClient) StreamLeaks(ctx context.Context, opts ...grpc.CallOption) (LeakCollector_StreamLeaksClient, error) {
	stream, err := c.cc.NewStream(ctx, &LeakCollector_ServiceDesc.Streams[0], LeakCollector_StreamLeaks_FullMethodName, opts...)
	if err != nil {
		return nil, err
	}
	return &leakCollectorStreamLeaksClient{stream}, nil
}

// LeakCollector_StreamLeaksClient is the forwarder's side of StreamLeaks: a
// persistent bidirectional stream, one LeakSummary pushed per resolved
// trace and one Ack read back per summary, kept open for the life of the
// connection rather than torn down after a single message.
type LeakCollector_StreamLeaksClient interface {
	Send(*LeakSummary) error
	Recv() (*Ack, error)
	grpc.ClientStream
}

type leakCollectorStreamLeaksClient struct {
	grpc.ClientStream
}

func (x *leakCollectorStreamLeaksClient) Send(m *LeakSummary) error {
	return x.ClientStream.SendMsg(m)
}

func (x *leakCollectorStreamLeaksClient) Recv() (*Ack, error) {
	m := new(Ack)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// LeakCollectorServer is the server API for the LeakCollector service.
type LeakCollectorServer interface {
	RegisterRun(context.Context, *RegisterRunRequest) (*RegisterRunResponse, error)
	StreamLeaks(LeakCollector_StreamLeaksServer) error
}

// UnimplementedLeakCollectorServer embeds into concrete server
// implementations for forward compatibility with new RPCs.
type UnimplementedLeakCollectorServer struct{}

func (UnimplementedLeakCollectorServer) RegisterRun(context.Context, *RegisterRunRequest) (*RegisterRunResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method RegisterRun not implemented")
}

func (UnimplementedLeakCollectorServer) StreamLeaks(LeakCollector_StreamLeaksServer) error {
	return status.Error(codes.Unimplemented, "method StreamLeaks not implemented")
}

type LeakCollector_StreamLeaksServer interface {
	Send(*Ack) error
	Recv() (*LeakSummary, error)
	grpc.ServerStream
}

type leakCollectorStreamLeaksServer struct {
	grpc.ServerStream
}

func (x *leakCollectorStreamLeaksServer) Send(m *Ack) error {
	return x.ServerStream.SendMsg(m)
}

func (x *leakCollectorStreamLeaksServer) Recv() (*LeakSummary, error) {
	m := new(LeakSummary)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func RegisterLeakCollectorServer(s grpc.ServiceRegistrar, srv LeakCollectorServer) {
	s.RegisterService(&LeakCollector_ServiceDesc, srv)
}

func _LeakCollector_RegisterRun_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RegisterRunRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LeakCollectorServer).RegisterRun(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: LeakCollector_RegisterRun_FullMethodName,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LeakCollectorServer).RegisterRun(ctx, req.(*RegisterRunRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _LeakCollector_StreamLeaks_Handler(srv any, stream grpc.ServerStream) error {
	return srv.(LeakCollectorServer).StreamLeaks(&leakCollectorStreamLeaksServer{stream})
}

// LeakCollector_ServiceDesc is the grpc.ServiceDesc for the LeakCollector
// service, built by hand in the same shape protoc-gen-go-grpc emits.
var LeakCollector_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "leakpb.LeakCollector",
	HandlerType: (*LeakCollectorServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "RegisterRun",
			Handler:    _LeakCollector_RegisterRun_Handler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamLeaks",
			Handler:       _LeakCollector_StreamLeaks_Handler,
			ClientStreams: true,
			ServerStreams: true,
		},
	},
	Metadata: "leakpb/leak.proto",
}
