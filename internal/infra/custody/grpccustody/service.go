package grpccustody

import (
	"context"

	"google.golang.org/grpc"
)

const (
	serviceName  = "lmnt.custody.v1.KeyCustody"
	unwrapMethod = "/" + serviceName + "/Unwrap"
)

// UnwrapRequest 是 Unwrap RPC 的请求体，凭据放在 authorization 元数据中。
type UnwrapRequest struct {
	DeviceID string `cbor:"device_id"`
	KeyID    string `cbor:"key_id,omitempty"`
	Envelope []byte `cbor:"envelope"`
}

// UnwrapResponse 返回明文设备密钥。
type UnwrapResponse struct {
	Key []byte `cbor:"key"`
}

// KeyCustodyServer 是托管服务端需要实现的接口。
type KeyCustodyServer interface {
	Unwrap(ctx context.Context, req *UnwrapRequest) (*UnwrapResponse, error)
}

// RegisterKeyCustodyServer 将实现注册到 gRPC server。
func RegisterKeyCustodyServer(s grpc.ServiceRegistrar, srv KeyCustodyServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*KeyCustodyServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Unwrap", Handler: unwrapHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "lmnt/custody/v1/custody.cbor",
}

func unwrapHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(UnwrapRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KeyCustodyServer).Unwrap(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: unwrapMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(KeyCustodyServer).Unwrap(ctx, req.(*UnwrapRequest))
	}
	return interceptor(ctx, in, info, handler)
}
