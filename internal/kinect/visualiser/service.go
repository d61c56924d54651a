package visualiser

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// StreamBodiesMethod is the full method name of the body stream RPC.
const StreamBodiesMethod = "/kv2share.visualiser.BodyStream/StreamBodies"

// BodyStreamServer is the server side of the body stream service.
type BodyStreamServer interface {
	StreamBodies(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

// BodyStreamServiceDesc describes the service for grpc.Server.RegisterService.
// Messages are well-known Struct types so no generated code is needed.
var BodyStreamServiceDesc = grpc.ServiceDesc{
	ServiceName: "kv2share.visualiser.BodyStream",
	HandlerType: (*BodyStreamServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamBodies",
			Handler:       streamBodiesHandler,
			ServerStreams: true,
		},
	},
	Metadata: "kv2share/visualiser/body_stream",
}

// RegisterBodyStreamServer registers srv on s.
func RegisterBodyStreamServer(s grpc.ServiceRegistrar, srv BodyStreamServer) {
	s.RegisterService(&BodyStreamServiceDesc, srv)
}

func streamBodiesHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(BodyStreamServer).StreamBodies(req, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// StreamBodies opens a body stream on cc.
func StreamBodies(ctx context.Context, cc grpc.ClientConnInterface, req StreamRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := cc.NewStream(ctx, &BodyStreamServiceDesc.Streams[0], StreamBodiesMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(req.Struct()); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
