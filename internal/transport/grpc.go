package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service the coordinator exposes.
const ServiceName = "faasbridge.coordination.v1.TaskService"

// GRPCTransport sends protocol messages as google.protobuf.Struct values over
// one shared connection. Task base URLs are ignored; the target is fixed.
type GRPCTransport struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration

	mu     sync.Mutex
	owned  *grpc.ClientConn
	closed bool
}

// NewGRPC wraps an existing connection.
func NewGRPC(conn grpc.ClientConnInterface, timeout time.Duration) *GRPCTransport {
	return &GRPCTransport{conn: conn, timeout: timeout}
}

// DialGRPC creates a client connection to target. The caller owns Close.
func DialGRPC(target string, timeout time.Duration) (*GRPCTransport, error) {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", target, err)
	}
	t := NewGRPC(conn, timeout)
	t.owned = conn
	return t, nil
}

// Dialer returns a Dialer that always hands out t.
func (t *GRPCTransport) Dialer() Dialer {
	return func(string) (Transport, error) { return t, nil }
}

// Claim implements Transport.
func (t *GRPCTransport) Claim(ctx context.Context, req ClaimRequest) (*ClaimResponse, error) {
	var resp ClaimResponse
	if err := t.invoke(ctx, "Claim", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Complete implements Transport.
func (t *GRPCTransport) Complete(ctx context.Context, req CompleteRequest) error {
	return t.invoke(ctx, "Complete", req, nil)
}

// Suspend implements Transport.
func (t *GRPCTransport) Suspend(ctx context.Context, req SuspendRequest) error {
	return t.invoke(ctx, "Suspend", req, nil)
}

// Close closes the connection if this transport dialed it.
func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.owned != nil {
		return t.owned.Close()
	}
	return nil
}

func (t *GRPCTransport) invoke(ctx context.Context, method string, in, out any) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	req, err := toStruct(in)
	if err != nil {
		return fmt.Errorf("transport: %s: encode: %w", method, err)
	}

	resp := new(structpb.Struct)
	if err := t.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp); err != nil {
		st, ok := status.FromError(err)
		if !ok {
			return fmt.Errorf("transport: %s: %w", method, err)
		}
		return &StatusError{Op: method, Code: int(st.Code()), Message: st.Message()}
	}

	if out == nil {
		return nil
	}
	if err := fromStruct(resp, out); err != nil {
		return fmt.Errorf("transport: %s: decode: %w", method, err)
	}
	return nil
}

// toStruct converts a JSON-tagged message into a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// fromStruct is the inverse of toStruct.
func fromStruct(s *structpb.Struct, v any) error {
	b, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// CoordinatorServer is the server side of ServiceName.
type CoordinatorServer interface {
	Claim(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Complete(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Suspend(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterCoordinatorServer registers srv on s under ServiceName.
func RegisterCoordinatorServer(s grpc.ServiceRegistrar, srv CoordinatorServer) {
	s.RegisterService(&coordinatorServiceDesc, srv)
}

type structCall func(CoordinatorServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call structCall) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(CoordinatorServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + ServiceName + "/" + method,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(CoordinatorServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var coordinatorServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CoordinatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Claim", Handler: unaryHandler("Claim", CoordinatorServer.Claim)},
		{MethodName: "Complete", Handler: unaryHandler("Complete", CoordinatorServer.Complete)},
		{MethodName: "Suspend", Handler: unaryHandler("Suspend", CoordinatorServer.Suspend)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "faasbridge/coordination/v1",
}
