package controller

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// grpcServiceName is the fully-qualified service name used on the wire.
// There is no .proto file behind this service: the handshake payload is
// small and JSON-shaped already, so it travels as a structpb.Struct
// (itself a real generated proto.Message from google.golang.org/protobuf)
// rather than through a hand-maintained generated stub.
const grpcServiceName = "hostd.controller.v1.Handshake"

// GRPCTransport is the alternative controller transport for deployments
// whose controller speaks gRPC. It dials a fresh channel for every call
// and closes it afterwards; no connection is kept open between calls.
type GRPCTransport struct {
	endpoints []string
}

// NewGRPCTransport builds a GRPCTransport posting to endpoints in order,
// exactly like HTTPTransport's fall-through-the-list behavior.
func NewGRPCTransport(endpoints []string) *GRPCTransport {
	return &GRPCTransport{endpoints: endpoints}
}

// Connect dials each endpoint in turn over an insecure (plaintext)
// channel and invokes the Connect method until one succeeds. Transport
// credentials are fixed to insecure; callers cannot supply TLS options.
func (t *GRPCTransport) Connect(ctx context.Context, info ServerInfo) (ConnectResult, error) {
	if len(t.endpoints) == 0 {
		return ConnectResult{Signal: SignalNotDefined}, nil
	}

	reqStruct, err := serverInfoToStruct(info)
	if err != nil {
		return ConnectResult{}, fmt.Errorf("encode server info: %w", err)
	}

	for _, endpoint := range t.endpoints {
		setup, ok := t.tryConnect(ctx, endpoint, reqStruct)
		if ok {
			return ConnectResult{Signal: SignalReady, Setup: setup}, nil
		}
	}
	return ConnectResult{Signal: SignalNotConnected}, nil
}

func (t *GRPCTransport) tryConnect(ctx context.Context, endpoint string, req *structpb.Struct) (*Setup, bool) {
	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, false
	}
	defer conn.Close()

	reply := &structpb.Struct{}
	method := "/" + grpcServiceName + "/Connect"
	if err := conn.Invoke(ctx, method, req, reply); err != nil {
		return nil, false
	}

	setup, err := structToSetup(reply)
	if err != nil {
		return nil, false
	}
	return setup, true
}

// Disconnect notifies every endpoint, best-effort.
func (t *GRPCTransport) Disconnect(ctx context.Context, info ServerInfo) error {
	reqStruct, err := serverInfoToStruct(info)
	if err != nil {
		return fmt.Errorf("encode server info: %w", err)
	}

	var firstErr error
	for _, endpoint := range t.endpoints {
		conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		method := "/" + grpcServiceName + "/Disconnect"
		if err := conn.Invoke(ctx, method, reqStruct, &structpb.Struct{}); err != nil && firstErr == nil {
			firstErr = err
		}
		conn.Close()
	}
	return firstErr
}

func serverInfoToStruct(info ServerInfo) (*structpb.Struct, error) {
	data, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func structToSetup(s *structpb.Struct) (*Setup, error) {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return nil, err
	}
	var setup Setup
	if err := json.Unmarshal(data, &setup); err != nil {
		return nil, err
	}
	return &setup, nil
}

func setupToStruct(setup *Setup) (*structpb.Struct, error) {
	data, err := json.Marshal(setup)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// RegisterGRPCHandshakeServer wires a Handshake implementation into srv
// using a hand-built grpc.ServiceDesc -- there is no generated stub
// behind this service (see grpcServiceName), so registration happens
// directly against the grpc.Server API instead of a generated
// RegisterXxxServer function.
func RegisterGRPCHandshakeServer(srv *grpc.Server, impl GRPCHandshakeServer) {
	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: grpcServiceName,
		HandlerType: (*GRPCHandshakeServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Connect", Handler: connectHandler},
			{MethodName: "Disconnect", Handler: disconnectHandler},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "internal/controller/grpc.go",
	}, impl)
}

// GRPCHandshakeServer is implemented by whatever owns the controller side
// of the handshake; the host engine only needs the client half, but the
// server interface is exported so a test controller can stand one up.
type GRPCHandshakeServer interface {
	Connect(ctx context.Context, info ServerInfo) (*Setup, error)
	Disconnect(ctx context.Context, info ServerInfo) error
}

func connectHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := &structpb.Struct{}
	if err := dec(req); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req any) (any, error) {
		data, err := json.Marshal(req.(*structpb.Struct).AsMap())
		if err != nil {
			return nil, err
		}
		var info ServerInfo
		if err := json.Unmarshal(data, &info); err != nil {
			return nil, err
		}
		setup, err := srv.(GRPCHandshakeServer).Connect(ctx, info)
		if err != nil {
			return nil, err
		}
		return setupToStruct(setup)
	}
	if interceptor == nil {
		return handler(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + grpcServiceName + "/Connect"}
	return interceptor(ctx, req, info, handler)
}

func disconnectHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := &structpb.Struct{}
	if err := dec(req); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req any) (any, error) {
		data, err := json.Marshal(req.(*structpb.Struct).AsMap())
		if err != nil {
			return nil, err
		}
		var info ServerInfo
		if err := json.Unmarshal(data, &info); err != nil {
			return nil, err
		}
		if err := srv.(GRPCHandshakeServer).Disconnect(ctx, info); err != nil {
			return nil, err
		}
		return &structpb.Struct{}, nil
	}
	if interceptor == nil {
		return handler(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + grpcServiceName + "/Disconnect"}
	return interceptor(ctx, req, info, handler)
}
