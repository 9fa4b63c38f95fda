package rpc

import (
	"context"

	"google.golang.org/grpc"
)

const (
	ServiceName            = "notifications.NotificationService"
	SendNotificationMethod = "/notifications.NotificationService/SendNotification"
)

// NotificationServiceServer 是投递服务端需要实现的接口
type NotificationServiceServer interface {
	SendNotification(ctx context.Context, req *NotificationRequest) (*NotificationResponse, error)
}

// NotificationServiceClient 是投递客户端使用的接口
type NotificationServiceClient interface {
	SendNotification(ctx context.Context, req *NotificationRequest, opts ...grpc.CallOption) (*NotificationResponse, error)
}

func sendNotificationHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(NotificationRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NotificationServiceServer).SendNotification(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: SendNotificationMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NotificationServiceServer).SendNotification(ctx, req.(*NotificationRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc 描述 notifications.NotificationService
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*NotificationServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "SendNotification",
			Handler:    sendNotificationHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "notifications.proto",
}

func RegisterNotificationServiceServer(s grpc.ServiceRegistrar, srv NotificationServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServerCodec 服务端强制使用本包 Codec
func ServerCodec() grpc.ServerOption {
	return grpc.ForceServerCodec(Codec{})
}

type notificationServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewNotificationServiceClient(cc grpc.ClientConnInterface) NotificationServiceClient {
	return &notificationServiceClient{cc: cc}
}

func (c *notificationServiceClient) SendNotification(ctx context.Context, req *NotificationRequest, opts ...grpc.CallOption) (*NotificationResponse, error) {
	out := new(NotificationResponse)
	opts = append([]grpc.CallOption{grpc.ForceCodec(Codec{})}, opts...)
	if err := c.cc.Invoke(ctx, SendNotificationMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
