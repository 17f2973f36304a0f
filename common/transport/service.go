// Package transport carries forward and sync-up requests between nodes over gRPC.
//
// The service is described by a hand-written grpc.ServiceDesc and its messages are encoded with the wire
// package, so no generated protobuf code is involved.
package transport

import (
	"context"

	"github.com/scusemua/mlcommons-cluster/common/forward"
	"github.com/scusemua/mlcommons-cluster/common/syncup"
	"google.golang.org/grpc"
)

const (
	ServiceName = "mlcluster.NodeTransport"

	ForwardMethod = "/" + ServiceName + "/Forward"
	SyncUpMethod  = "/" + ServiceName + "/SyncUp"
)

// NodeTransportServer is implemented by every node.
type NodeTransportServer interface {
	Forward(ctx context.Context, req *forward.Request) (*forward.Response, error)
	SyncUp(ctx context.Context, input *syncup.Input) (*syncup.NodeResponse, error)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*NodeTransportServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Forward",
			Handler:    forwardHandler,
		},
		{
			MethodName: "SyncUp",
			Handler:    syncUpHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mlcluster/transport",
}

func forwardHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(forward.Request)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeTransportServer).Forward(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: ForwardMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NodeTransportServer).Forward(ctx, req.(*forward.Request))
	}
	return interceptor(ctx, in, info, handler)
}

func syncUpHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(syncup.Input)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeTransportServer).SyncUp(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: SyncUpMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NodeTransportServer).SyncUp(ctx, req.(*syncup.Input))
	}
	return interceptor(ctx, in, info, handler)
}
