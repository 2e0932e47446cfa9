package api

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype of the daemon services. Clients
// select it per call with grpc.CallContentSubtype.
const CodecName = "json"

// Fully qualified service names.
const (
	SessionServiceName = "nexus.v1.SessionService"
	SyncServiceName    = "nexus.v1.SyncService"
	ChatServiceName    = "nexus.v1.ChatService"
	MessageServiceName = "nexus.v1.MessageService"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

// FullMethod returns the invoke path of method on service.
func FullMethod(service, method string) string {
	return "/" + service + "/" + method
}

// unary builds a method descriptor whose handler decodes Req and calls fn on
// the registered server S.
func unary[S any, Req any, Resp any](service, method string, fn func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(service, method)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(srv.(S), ctx, req.(*Req))
			})
		},
	}
}

// EventStream is the server side of a Watch call.
type EventStream interface {
	Send(*Event) error
	Context() context.Context
}

type eventStream struct {
	grpc.ServerStream
}

func (s eventStream) Send(evt *Event) error {
	return s.ServerStream.SendMsg(evt)
}

// watchStream builds the descriptor of a server-streaming Watch method.
func watchStream[S any](name string, fn func(S, *WatchRequest, EventStream) error) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName:    name,
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(WatchRequest)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return fn(srv.(S), in, eventStream{stream})
		},
	}
}
