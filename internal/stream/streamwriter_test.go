package stream

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basekick-labs/tsdbclient/internal/rpc"
	"github.com/basekick-labs/tsdbclient/pkg/errs"
	"github.com/basekick-labs/tsdbclient/pkg/model"
)

// fakeClientStream is a hand-rolled rpc.ClientStream double, grounded on the
// same fake-over-mock preference as internal/dispatch's fakeTransport.
type fakeClientStream struct {
	mu       sync.Mutex
	sends    []*rpc.WriteRequest
	ready    bool
	sendErr  error
	closeResp *rpc.WriteResponse
	closeErr  error
}

func (s *fakeClientStream) Send(req *rpc.WriteRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sends = append(s.sends, req)
	return nil
}

func (s *fakeClientStream) CloseAndRecv() (*rpc.WriteResponse, error) {
	if s.closeErr != nil {
		return nil, s.closeErr
	}
	if s.closeResp != nil {
		return s.closeResp, nil
	}
	return &rpc.WriteResponse{Header: rpc.Header{Code: rpc.StatusOK}}, nil
}

func (s *fakeClientStream) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// fakeStreamTransport only implements InvokeClientStreamingWrite meaningfully;
// the StreamWriter under test never calls the other Transport methods.
type fakeStreamTransport struct {
	stream *fakeClientStream
	err    error
}

func (f *fakeStreamTransport) InvokeRoute(context.Context, model.Endpoint, *rpc.RouteRequest, int64) (*rpc.RouteResponse, error) {
	return nil, nil
}
func (f *fakeStreamTransport) InvokeWrite(context.Context, model.Endpoint, *rpc.WriteRequest, int64) (*rpc.WriteResponse, error) {
	return nil, nil
}
func (f *fakeStreamTransport) InvokeQuery(context.Context, model.Endpoint, *rpc.SqlQueryRequest, int64) (*rpc.SqlQueryResponse, error) {
	return nil, nil
}
func (f *fakeStreamTransport) InvokeServerStreamingQuery(context.Context, model.Endpoint, *rpc.SqlQueryRequest) (rpc.ServerStream, error) {
	return nil, nil
}
func (f *fakeStreamTransport) InvokeClientStreamingWrite(ctx context.Context, endpoint model.Endpoint) (rpc.ClientStream, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.stream, nil
}
func (f *fakeStreamTransport) CheckConnection(context.Context, model.Endpoint, bool) bool { return true }
func (f *fakeStreamTransport) Close() error                                               { return nil }

func openTestWriter(t *testing.T, fs *fakeClientStream, cfg Config) *StreamWriter {
	t.Helper()
	cfg.Logger = zerolog.Nop()
	w, err := Open(context.Background(), &fakeStreamTransport{stream: fs}, cfg)
	require.NoError(t, err)
	return w
}

func TestStreamWriterBuffersUntilFlushThreshold(t *testing.T) {
	fs := &fakeClientStream{ready: true}
	w := openTestWriter(t, fs, Config{BufferSize: 3})

	require.NoError(t, w.Write(context.Background(), model.Point{Table: "cpu", Timestamp: 1}))
	require.NoError(t, w.Write(context.Background(), model.Point{Table: "cpu", Timestamp: 2}))
	assert.Empty(t, fs.sends, "should not flush before BufferSize is reached")

	require.NoError(t, w.Write(context.Background(), model.Point{Table: "cpu", Timestamp: 3}))
	require.Len(t, fs.sends, 1, "should flush automatically once BufferSize is reached")
	assert.Len(t, fs.sends[0].Points, 3)
}

func TestStreamWriterWriteAfterCompletedRejected(t *testing.T) {
	fs := &fakeClientStream{ready: true}
	w := openTestWriter(t, fs, Config{BufferSize: 10})

	_, err := w.Completed(context.Background())
	require.NoError(t, err)

	err = w.Write(context.Background(), model.Point{Table: "cpu", Timestamp: 1})
	require.ErrorIs(t, err, errs.ErrStreamClosed)
}

func TestStreamWriterCompletedTwiceRejected(t *testing.T) {
	fs := &fakeClientStream{ready: true}
	w := openTestWriter(t, fs, Config{BufferSize: 10})

	_, err := w.Completed(context.Background())
	require.NoError(t, err)

	_, err = w.Completed(context.Background())
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.CodeClientState, e.Code)
}

func TestStreamWriterNotReadyWithoutBlockReturnsFlowControl(t *testing.T) {
	fs := &fakeClientStream{ready: false}
	w := openTestWriter(t, fs, Config{BufferSize: 10, BlockOnLimit: false})

	err := w.WriteAndFlush(context.Background(), model.Point{Table: "cpu", Timestamp: 1})
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.CodeFlowControl, e.Code)
	assert.Empty(t, fs.sends)

	w.mu.Lock()
	pending := len(w.pending)
	w.mu.Unlock()
	assert.Equal(t, 1, pending, "the unsent point should be requeued for the next flush")
}

func TestStreamWriterCompletedReturnsAggregatedResult(t *testing.T) {
	fs := &fakeClientStream{ready: true, closeResp: &rpc.WriteResponse{Header: rpc.Header{Code: rpc.StatusOK}, Success: 5, Failed: 1}}
	w := openTestWriter(t, fs, Config{BufferSize: 10})

	require.NoError(t, w.Write(context.Background(), model.Point{Table: "cpu", Timestamp: 1}))
	ok, err := w.Completed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(5), ok.Success)
	assert.Equal(t, uint64(1), ok.Failed)
	assert.Equal(t, StateClosed, w.State())
	require.Len(t, fs.sends, 1, "the pending point should be flushed before close")
}

func TestStreamWriterCompletedSurfacesServerError(t *testing.T) {
	fs := &fakeClientStream{ready: true, closeResp: &rpc.WriteResponse{Header: rpc.Header{Code: rpc.StatusServerError, Msg: "boom"}}}
	w := openTestWriter(t, fs, Config{BufferSize: 10})

	_, err := w.Completed(context.Background())
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.CodeServerError, e.Code)
	assert.Equal(t, StateClosed, w.State())
}
