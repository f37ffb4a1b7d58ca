package tsdbclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basekick-labs/tsdbclient/internal/rpc"
	"github.com/basekick-labs/tsdbclient/pkg/model"
)

// noopTransport is a hand-rolled rpc.Transport double for exercising Client
// lifecycle wiring without a live connection.
type noopTransport struct {
	closed        bool
	routeRPCCalls int
}

func (t *noopTransport) InvokeRoute(context.Context, model.Endpoint, *rpc.RouteRequest, int64) (*rpc.RouteResponse, error) {
	t.routeRPCCalls++
	return &rpc.RouteResponse{Header: rpc.Header{Code: rpc.StatusOK}}, nil
}
func (t *noopTransport) InvokeWrite(context.Context, model.Endpoint, *rpc.WriteRequest, int64) (*rpc.WriteResponse, error) {
	return &rpc.WriteResponse{Header: rpc.Header{Code: rpc.StatusOK}}, nil
}
func (t *noopTransport) InvokeQuery(context.Context, model.Endpoint, *rpc.SqlQueryRequest, int64) (*rpc.SqlQueryResponse, error) {
	return &rpc.SqlQueryResponse{Header: rpc.Header{Code: rpc.StatusOK}}, nil
}
func (t *noopTransport) InvokeServerStreamingQuery(context.Context, model.Endpoint, *rpc.SqlQueryRequest) (rpc.ServerStream, error) {
	return nil, nil
}
func (t *noopTransport) InvokeClientStreamingWrite(context.Context, model.Endpoint) (rpc.ClientStream, error) {
	return nil, nil
}
func (t *noopTransport) CheckConnection(context.Context, model.Endpoint, bool) bool { return true }
func (t *noopTransport) Close() error                                              { t.closed = true; return nil }

func newTestClient(t *testing.T) (*Client, *noopTransport) {
	t.Helper()
	opts := validOptions()
	opts.Router.GCIntervalMS = 1
	c, err := New(opts)
	require.NoError(t, err)
	tr := &noopTransport{}
	require.NoError(t, c.Init(tr))
	return c, tr
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestOperationsFailBeforeInit(t *testing.T) {
	opts := validOptions()
	c, err := New(opts)
	require.NoError(t, err)

	_, err = c.Write(context.Background(), model.WriteRequest{})
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, err = c.Query(context.Background(), model.SqlQueryRequest{})
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestInitTwiceFails(t *testing.T) {
	c, _ := newTestClient(t)
	defer c.ShutdownGracefully(context.Background())

	err := c.Init(&noopTransport{})
	assert.ErrorIs(t, err, ErrAlreadyInitialized)
}

func TestShutdownIsIdempotentAndClosesTransport(t *testing.T) {
	c, tr := newTestClient(t)

	require.NoError(t, c.ShutdownGracefully(context.Background()))
	assert.True(t, tr.closed)

	require.NoError(t, c.ShutdownGracefully(context.Background()), "a second shutdown must be a no-op, not an error")
}

func TestOperationsFailAfterShutdown(t *testing.T) {
	c, _ := newTestClient(t)
	require.NoError(t, c.ShutdownGracefully(context.Background()))

	_, err := c.Write(context.Background(), model.WriteRequest{})
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestParseEndpointRejectsMalformedAddress(t *testing.T) {
	_, err := parseEndpoint("not-a-valid-address")
	assert.Error(t, err)

	ep, err := parseEndpoint("cluster.local:9000")
	require.NoError(t, err)
	assert.Equal(t, "cluster.local", ep.Host)
	assert.Equal(t, uint16(9000), ep.Port)
}

func TestProxyRouteModeSkipsRouteResolution(t *testing.T) {
	opts := validOptions()
	opts.RouteMode = "proxy"
	c, err := New(opts)
	require.NoError(t, err)

	tr := &noopTransport{}
	require.NoError(t, c.Init(tr))
	defer c.ShutdownGracefully(context.Background())

	// noopTransport.InvokeRoute would return an OK response for any table,
	// but in proxy mode it must never be called: RouteFor is answered
	// entirely by ProxyResolver.
	_, err = c.Write(context.Background(), model.WriteRequest{
		Points: []model.Point{{Table: "cpu", Timestamp: 1}},
	})
	require.NoError(t, err)
	assert.Zero(t, tr.routeRPCCalls, "proxy mode must not issue a route RPC")
}

func TestLimiterForReturnsSharedInstancePerEndpoint(t *testing.T) {
	c, _ := newTestClient(t)
	defer c.ShutdownGracefully(context.Background())

	ep := model.Endpoint{Host: "node-1", Port: 9000}
	l1 := c.limiterFor(ep)
	l2 := c.limiterFor(ep)
	assert.Same(t, l1, l2)
}
