package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// raftTransportServer is the interface the hand-written service
// descriptor below dispatches to — the same shape protoc-gen-go-grpc
// would generate from a two-RPC .proto file, kept here directly since
// the wire messages are just bytes and a stable .proto isn't needed to
// evolve them.
type raftTransportServer interface {
	// Deliver carries one gob-encoded types.PeerMessage (spec.md §6).
	Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error)
	// Ping is the liveness oracle's health probe.
	Ping(ctx context.Context, in *emptypb.Empty) (*emptypb.Empty, error)
}

const (
	serviceName       = "ravel.transport.RaftTransport"
	deliverFullMethod = "/" + serviceName + "/Deliver"
	pingFullMethod    = "/" + serviceName + "/Ping"
)

func _RaftTransport_Deliver_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(raftTransportServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverFullMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(raftTransportServer).Deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _RaftTransport_Ping_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(raftTransportServer).Ping(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: pingFullMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(raftTransportServer).Ping(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

var raftTransportServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*raftTransportServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: _RaftTransport_Deliver_Handler},
		{MethodName: "Ping", Handler: _RaftTransport_Ping_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pkg/transport/service.go",
}

// raftTransportClient is the client stub, matching the shape
// protoc-gen-go-grpc emits for a two-unary-RPC service.
type raftTransportClient struct {
	cc *grpc.ClientConn
}

func (c *raftTransportClient) Deliver(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, deliverFullMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *raftTransportClient) Ping(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, pingFullMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
