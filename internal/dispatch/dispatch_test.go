package dispatch

import (
	"context"
	"io"
	"sync"

	"github.com/basekick-labs/tsdbclient/internal/rpc"
	"github.com/basekick-labs/tsdbclient/pkg/model"
)

// fakeTransport is a hand-rolled test double for rpc.Transport, grounded on
// the teacher's own preference for lightweight fakes over generated mocks
// (see internal/cluster/sharding's *_test.go files).
type fakeTransport struct {
	mu sync.Mutex

	routeResponses map[string]*rpc.RouteResponse   // keyed by comma-joined table list
	writeResponses map[string][]*rpc.WriteResponse // keyed by endpoint, consumed in order
	writeCalls     []writeCall
	invokeQueryErr error

	queryResponses  map[string][]*rpc.SqlQueryResponse // keyed by endpoint, consumed in order
	queryCalls      []model.Endpoint
	streamResponses map[string][]*rpc.SqlQueryResponse // keyed by endpoint
	streamErr       error
	// streamBlocks makes fakeServerStream.Recv block until Close is called,
	// simulating a server that never sends another message.
	streamBlocks bool
}

// fakeServerStream replays a fixed queue of SqlQueryResponse fixtures, then
// returns io.EOF, unless blocks is set, in which case Recv hangs until
// Close is called (simulating a stalled server for timeout tests).
type fakeServerStream struct {
	queue  []*rpc.SqlQueryResponse
	pos    int
	blocks bool
	closed chan struct{}
}

func (s *fakeServerStream) Recv() (*rpc.SqlQueryResponse, error) {
	if s.pos >= len(s.queue) {
		if s.blocks {
			<-s.closed
			return nil, io.EOF
		}
		return nil, io.EOF
	}
	resp := s.queue[s.pos]
	s.pos++
	return resp, nil
}

func (s *fakeServerStream) Close() error {
	if s.blocks {
		select {
		case <-s.closed:
		default:
			close(s.closed)
		}
	}
	return nil
}

type writeCall struct {
	endpoint model.Endpoint
	points   []model.Point
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		routeResponses:  make(map[string]*rpc.RouteResponse),
		writeResponses:  make(map[string][]*rpc.WriteResponse),
		queryResponses:  make(map[string][]*rpc.SqlQueryResponse),
		streamResponses: make(map[string][]*rpc.SqlQueryResponse),
	}
}

func (f *fakeTransport) InvokeRoute(ctx context.Context, endpoint model.Endpoint, req *rpc.RouteRequest, timeoutMs int64) (*rpc.RouteResponse, error) {
	key := joinTables(req.Tables)
	resp, ok := f.routeResponses[key]
	if !ok {
		return &rpc.RouteResponse{Header: rpc.Header{Code: rpc.StatusInternal, Msg: "no fixture for " + key}}, nil
	}
	return resp, nil
}

func (f *fakeTransport) InvokeWrite(ctx context.Context, endpoint model.Endpoint, req *rpc.WriteRequest, timeoutMs int64) (*rpc.WriteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeCalls = append(f.writeCalls, writeCall{endpoint: endpoint, points: req.Points})

	queue := f.writeResponses[endpoint.String()]
	if len(queue) == 0 {
		return &rpc.WriteResponse{Header: rpc.Header{Code: rpc.StatusOK}, Success: uint64(len(req.Points))}, nil
	}
	resp := queue[0]
	f.writeResponses[endpoint.String()] = queue[1:]
	return resp, nil
}

func (f *fakeTransport) InvokeQuery(ctx context.Context, endpoint model.Endpoint, req *rpc.SqlQueryRequest, timeoutMs int64) (*rpc.SqlQueryResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryCalls = append(f.queryCalls, endpoint)
	if f.invokeQueryErr != nil {
		return nil, f.invokeQueryErr
	}
	queue := f.queryResponses[endpoint.String()]
	if len(queue) == 0 {
		return &rpc.SqlQueryResponse{Header: rpc.Header{Code: rpc.StatusOK}}, nil
	}
	resp := queue[0]
	f.queryResponses[endpoint.String()] = queue[1:]
	return resp, nil
}

func (f *fakeTransport) InvokeServerStreamingQuery(ctx context.Context, endpoint model.Endpoint, req *rpc.SqlQueryRequest) (rpc.ServerStream, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return &fakeServerStream{queue: f.streamResponses[endpoint.String()], blocks: f.streamBlocks, closed: make(chan struct{})}, nil
}

func (f *fakeTransport) InvokeClientStreamingWrite(ctx context.Context, endpoint model.Endpoint) (rpc.ClientStream, error) {
	return nil, nil
}

func (f *fakeTransport) CheckConnection(ctx context.Context, endpoint model.Endpoint, createIfAbsent bool) bool {
	return true
}

func (f *fakeTransport) Close() error { return nil }

func joinTables(tables []string) string {
	out := ""
	for i, t := range tables {
		if i > 0 {
			out += ","
		}
		out += t
	}
	return out
}
