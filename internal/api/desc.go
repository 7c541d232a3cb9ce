// Package api serves the consumer query surface over gRPC. Messages are
// google.protobuf.Struct values, so the service is described by hand
// instead of through generated stubs.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "omnichat.v1.Omni"

// OmniServer is the server API for omnichat.v1.Omni.
type OmniServer interface {
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Connect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Disconnect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubmitAuth(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AbandonAuth(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Logout(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetRoster(context.Context, *structpb.Struct) (*structpb.Struct, error)
	OpenChat(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CloseChat(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LoadHistory(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetrySend(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetContext(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Search(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, grpc.ServerStream) error
}

type unaryMethod func(OmniServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, m unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return m(srv.(OmniServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return m(srv.(OmniServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(OmniServer).WatchEvents(in, stream)
}

// ServiceDesc is the grpc.ServiceDesc for omnichat.v1.Omni.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OmniServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Status", OmniServer.Status),
		unary("Connect", OmniServer.Connect),
		unary("Disconnect", OmniServer.Disconnect),
		unary("SubmitAuth", OmniServer.SubmitAuth),
		unary("AbandonAuth", OmniServer.AbandonAuth),
		unary("Logout", OmniServer.Logout),
		unary("GetRoster", OmniServer.GetRoster),
		unary("OpenChat", OmniServer.OpenChat),
		unary("CloseChat", OmniServer.CloseChat),
		unary("GetMessages", OmniServer.GetMessages),
		unary("LoadHistory", OmniServer.LoadHistory),
		unary("SendMessage", OmniServer.SendMessage),
		unary("RetrySend", OmniServer.RetrySend),
		unary("GetContext", OmniServer.GetContext),
		unary("Search", OmniServer.Search),
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchEvents", Handler: watchEventsHandler, ServerStreams: true},
	},
	Metadata: "omnichat/v1/omni.proto",
}

// Register attaches srv to s.
func Register(s grpc.ServiceRegistrar, srv OmniServer) {
	s.RegisterService(&ServiceDesc, srv)
}
