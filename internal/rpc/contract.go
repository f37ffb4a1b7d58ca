// Package rpc defines the transport contract this client consumes and is
// consumed from (spec.md 6). The concrete transport -- framing, encoding,
// connection pooling -- is an external collaborator; GrpcTransport here is
// one real implementation over google.golang.org/grpc, but every internal
// package depends only on the Transport interface so a test double can
// stand in for the network.
package rpc

import (
	"context"

	"github.com/basekick-labs/tsdbclient/pkg/model"
)

// ServerStream receives responses pushed by the server for one
// invokeServerStreaming call.
type ServerStream interface {
	// Recv blocks until the next response, or returns io.EOF when the
	// server half-closes, or another error on transport failure.
	Recv() (*SqlQueryResponse, error)
	// Close releases the stream's resources.
	Close() error
}

// ClientStream is the observer a client-streaming session writes into. It
// is the Go analogue of spec.md's {onNext, onError, onCompleted} observer
// triple: Send is onNext, CloseAndRecv drives onCompleted, and any error
// returned by either method is onError.
type ClientStream interface {
	// Send pushes one request frame. It does not consult Ready itself;
	// callers check Ready first (StreamWriter turns a not-ready peer into a
	// FLOW_CONTROL error or waits, per BlockOnLimit).
	Send(*WriteRequest) error
	// CloseAndRecv half-closes the stream and blocks for the server's final
	// aggregated response.
	CloseAndRecv() (*WriteResponse, error)
	// Ready reports the backpressure signal from spec.md 4.5/4.6: false
	// means the transport's adaptive limiter or flow-control window is
	// currently exhausted.
	Ready() bool
}

// Transport is the RPC contract spec.md 6 requires from the collaborator:
// async unary, server-streaming, and client-streaming primitives over a
// framed protocol, plus a connectivity probe used by the router's fallback
// path.
type Transport interface {
	// InvokeRoute performs the unary RouteRequest/RouteResponse RPC.
	InvokeRoute(ctx context.Context, endpoint model.Endpoint, req *RouteRequest, timeoutMs int64) (*RouteResponse, error)
	// InvokeWrite performs the unary WriteRequest/WriteResponse RPC.
	InvokeWrite(ctx context.Context, endpoint model.Endpoint, req *WriteRequest, timeoutMs int64) (*WriteResponse, error)
	// InvokeQuery performs the unary SqlQueryRequest/SqlQueryResponse RPC.
	InvokeQuery(ctx context.Context, endpoint model.Endpoint, req *SqlQueryRequest, timeoutMs int64) (*SqlQueryResponse, error)
	// InvokeServerStreamingQuery opens a server-streaming SQL query.
	InvokeServerStreamingQuery(ctx context.Context, endpoint model.Endpoint, req *SqlQueryRequest) (ServerStream, error)
	// InvokeClientStreamingWrite opens a client-streaming write session.
	InvokeClientStreamingWrite(ctx context.Context, endpoint model.Endpoint) (ClientStream, error)
	// CheckConnection reports whether endpoint is reachable, optionally
	// dialing a new connection if one is not already established.
	CheckConnection(ctx context.Context, endpoint model.Endpoint, createIfAbsent bool) bool
	// Close releases all connections held by the transport.
	Close() error
}
