package rpc

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"

	"github.com/basekick-labs/tsdbclient/pkg/model"
)

// msgpackCodecName registers a grpc codec that marshals the plain Go
// structs in wire.go (and, via Value's CustomEncoder, points' tag/field
// values) directly, instead of requiring protoc-generated proto.Message
// types. This is grpc's documented mechanism for building a client against
// a service without vendoring generated stubs (google.golang.org/grpc
// exposes ClientConn.Invoke/NewStream for exactly this), and keeps the
// wire encoding consistent with spec.md 6's msgpack point format.
const msgpackCodecName = "tsdbclient-msgpack"

type msgpackCodec struct{}

func (msgpackCodec) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (msgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }
func (msgpackCodec) Name() string                       { return msgpackCodecName }

func init() {
	encoding.RegisterCodec(msgpackCodec{})
}

const (
	methodRoute           = "/tsdbclient.v1.RouterService/Route"
	methodWrite           = "/tsdbclient.v1.WriteService/Write"
	methodWriteStream     = "/tsdbclient.v1.WriteService/StreamWrite"
	methodQuery           = "/tsdbclient.v1.QueryService/Query"
	methodQueryStream     = "/tsdbclient.v1.QueryService/StreamQuery"
)

// GrpcTransport is the concrete Transport implementation over
// google.golang.org/grpc, dialing one *grpc.ClientConn per endpoint and
// reusing it across calls.
type GrpcTransport struct {
	dialOpts []grpc.DialOption

	mu    sync.Mutex
	conns map[model.Endpoint]*grpc.ClientConn
}

// NewGrpcTransport builds a transport that dials plaintext gRPC
// connections. Callers needing TLS should pass additional grpc.DialOption
// values (e.g. grpc.WithTransportCredentials(credentials.NewTLS(...))).
func NewGrpcTransport(extra ...grpc.DialOption) *GrpcTransport {
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(msgpackCodecName)),
	}, extra...)
	return &GrpcTransport{
		dialOpts: opts,
		conns:    make(map[model.Endpoint]*grpc.ClientConn),
	}
}

func (t *GrpcTransport) connFor(endpoint model.Endpoint) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if conn, ok := t.conns[endpoint]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(endpoint.String(), t.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("rpc: dial %s: %w", endpoint, err)
	}
	t.conns[endpoint] = conn
	return conn, nil
}

func (t *GrpcTransport) InvokeRoute(ctx context.Context, endpoint model.Endpoint, req *RouteRequest, timeoutMs int64) (*RouteResponse, error) {
	conn, err := t.connFor(endpoint)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, timeoutMs)
	defer cancel()
	resp := &RouteResponse{}
	if err := conn.Invoke(ctx, methodRoute, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (t *GrpcTransport) InvokeWrite(ctx context.Context, endpoint model.Endpoint, req *WriteRequest, timeoutMs int64) (*WriteResponse, error) {
	conn, err := t.connFor(endpoint)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, timeoutMs)
	defer cancel()
	resp := &WriteResponse{}
	if err := conn.Invoke(ctx, methodWrite, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (t *GrpcTransport) InvokeQuery(ctx context.Context, endpoint model.Endpoint, req *SqlQueryRequest, timeoutMs int64) (*SqlQueryResponse, error) {
	conn, err := t.connFor(endpoint)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, timeoutMs)
	defer cancel()
	resp := &SqlQueryResponse{}
	if err := conn.Invoke(ctx, methodQuery, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (t *GrpcTransport) InvokeServerStreamingQuery(ctx context.Context, endpoint model.Endpoint, req *SqlQueryRequest) (ServerStream, error) {
	conn, err := t.connFor(endpoint)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	stream, err := conn.NewStream(ctx, &grpc.StreamDesc{ServerStreams: true}, methodQueryStream)
	if err != nil {
		cancel()
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		cancel()
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, err
	}
	return &grpcServerStream{stream: stream, cancel: cancel}, nil
}

func (t *GrpcTransport) InvokeClientStreamingWrite(ctx context.Context, endpoint model.Endpoint) (ClientStream, error) {
	conn, err := t.connFor(endpoint)
	if err != nil {
		return nil, err
	}
	stream, err := conn.NewStream(ctx, &grpc.StreamDesc{ClientStreams: true}, methodWriteStream)
	if err != nil {
		return nil, err
	}
	return &grpcClientStream{stream: stream}, nil
}

func (t *GrpcTransport) CheckConnection(ctx context.Context, endpoint model.Endpoint, createIfAbsent bool) bool {
	t.mu.Lock()
	conn, ok := t.conns[endpoint]
	t.mu.Unlock()
	if !ok {
		if !createIfAbsent {
			return false
		}
		var err error
		conn, err = t.connFor(endpoint)
		if err != nil {
			return false
		}
	}
	state := conn.GetState()
	return state.String() == "READY" || state.String() == "IDLE"
}

func (t *GrpcTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for ep, conn := range t.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.conns, ep)
	}
	return firstErr
}

func withTimeout(ctx context.Context, timeoutMs int64) (context.Context, context.CancelFunc) {
	if timeoutMs <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
}

type grpcServerStream struct {
	stream grpc.ClientStream
	cancel context.CancelFunc
}

func (s *grpcServerStream) Recv() (*SqlQueryResponse, error) {
	resp := &SqlQueryResponse{}
	if err := s.stream.RecvMsg(resp); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, err
	}
	return resp, nil
}

func (s *grpcServerStream) Close() error {
	s.cancel()
	return nil
}

type grpcClientStream struct {
	stream grpc.ClientStream
	mu     sync.Mutex
}

func (s *grpcClientStream) Send(req *WriteRequest) error {
	return s.stream.SendMsg(req)
}

func (s *grpcClientStream) CloseAndRecv() (*WriteResponse, error) {
	if err := s.stream.CloseSend(); err != nil {
		return nil, err
	}
	resp := &WriteResponse{}
	if err := s.stream.RecvMsg(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Ready reports whether the underlying HTTP/2 stream's flow-control window
// currently permits another Send without blocking. grpc-go does not expose
// this directly on grpc.ClientStream, so the adaptive limiter (which gates
// concurrency independently) is the primary backpressure signal; Ready
// here is conservative and always reports true, deferring to the limiter.
func (s *grpcClientStream) Ready() bool {
	return true
}
