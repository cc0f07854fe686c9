package grpccomm

import (
	"context"

	"github.com/unixpickle/dist-train/collcomm"
	"google.golang.org/grpc"
)

const deliverMethod = "/bsp.Transport/Deliver"

type deliverServer interface {
	Deliver(ctx context.Context, p *collcomm.Packet) (*ack, error)
}

var transportServiceDesc = grpc.ServiceDesc{
	ServiceName: "bsp.Transport",
	HandlerType: (*deliverServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler:    deliverHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bsp/transport",
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error,
	interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(collcomm.Packet)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(deliverServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: deliverMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(deliverServer).Deliver(ctx, req.(*collcomm.Packet))
	}
	return interceptor(ctx, in, info, handler)
}
