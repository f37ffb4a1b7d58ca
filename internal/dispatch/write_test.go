package dispatch

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basekick-labs/tsdbclient/internal/router"
	"github.com/basekick-labs/tsdbclient/internal/rpc"
	"github.com/basekick-labs/tsdbclient/pkg/errs"
	"github.com/basekick-labs/tsdbclient/pkg/model"
)

func newTestResolver(t *testing.T, transport rpc.Transport) *router.Resolver {
	t.Helper()
	cache := router.New(router.Config{MaxCachedSize: 1000, Logger: zerolog.Nop()})
	return router.NewResolver(router.ResolverConfig{
		Cache:          cache,
		Transport:      transport,
		ClusterAddress: model.Endpoint{Host: "cluster", Port: 9000},
		Logger:         zerolog.Nop(),
	})
}

func TestWriteDispatcherHappyPath(t *testing.T) {
	ft := newFakeTransport()
	ft.routeResponses["cpu"] = &rpc.RouteResponse{
		Header: rpc.Header{Code: rpc.StatusOK},
		Routes: []rpc.RouteEntry{{Table: "cpu", Endpoint: rpc.EndpointPB{IP: "node-1", Port: 9000}}},
	}

	d := NewWriteDispatcher(WriteConfig{
		Resolver: newTestResolver(t, ft),
		Transport: ft,
		MaxRetries: 2,
		Logger:     zerolog.Nop(),
	})

	req := model.NewWriteRequest(
		model.Point{Table: "cpu", Timestamp: 1},
		model.Point{Table: "cpu", Timestamp: 2},
	)
	ok, err := d.Write(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ok.Success)
}

func TestWriteDispatcherEmptyRequest(t *testing.T) {
	ft := newFakeTransport()
	d := NewWriteDispatcher(WriteConfig{Resolver: newTestResolver(t, ft), Transport: ft, Logger: zerolog.Nop()})
	ok, err := d.Write(context.Background(), model.WriteRequest{})
	require.NoError(t, err)
	assert.Equal(t, model.WriteOk{}, ok)
}

func TestWriteDispatcherRetriesOnInvalidRoute(t *testing.T) {
	ft := newFakeTransport()
	ft.routeResponses["cpu"] = &rpc.RouteResponse{
		Header: rpc.Header{Code: rpc.StatusOK},
		Routes: []rpc.RouteEntry{{Table: "cpu", Endpoint: rpc.EndpointPB{IP: "node-1", Port: 9000}}},
	}
	staleEndpoint := model.Endpoint{Host: "node-1", Port: 9000}.String()
	ft.writeResponses[staleEndpoint] = []*rpc.WriteResponse{
		{Header: rpc.Header{Code: rpc.StatusInvalidRoute, Msg: "stale route"}},
	}

	d := NewWriteDispatcher(WriteConfig{
		Resolver:   newTestResolver(t, ft),
		Transport:  ft,
		MaxRetries: 2,
		Logger:     zerolog.Nop(),
	})

	req := model.NewWriteRequest(model.Point{Table: "cpu", Timestamp: 1})
	ok, err := d.Write(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ok.Success, "the retried attempt should have succeeded")
	assert.GreaterOrEqual(t, len(ft.writeCalls), 2, "should have retried the write")
}

func TestWriteDispatcherNonRetriableSurfacesErr(t *testing.T) {
	ft := newFakeTransport()
	ft.routeResponses["cpu"] = &rpc.RouteResponse{
		Header: rpc.Header{Code: rpc.StatusOK},
		Routes: []rpc.RouteEntry{{Table: "cpu", Endpoint: rpc.EndpointPB{IP: "node-1", Port: 9000}}},
	}
	staleEndpoint := model.Endpoint{Host: "node-1", Port: 9000}.String()
	ft.writeResponses[staleEndpoint] = []*rpc.WriteResponse{
		{Header: rpc.Header{Code: rpc.StatusBadRequest, Msg: "malformed point"}},
	}

	d := NewWriteDispatcher(WriteConfig{
		Resolver:   newTestResolver(t, ft),
		Transport:  ft,
		MaxRetries: 2,
		Logger:     zerolog.Nop(),
	})

	req := model.NewWriteRequest(model.Point{Table: "cpu", Timestamp: 1})
	_, err := d.Write(context.Background(), req)
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.CodeBadRequest, e.Code)
	assert.False(t, e.Retriable())
}

func TestWriteDispatcherDoesNotRetryUnavailableEvenThoughGenerallyRetriable(t *testing.T) {
	ft := newFakeTransport()
	ft.routeResponses["cpu"] = &rpc.RouteResponse{
		Header: rpc.Header{Code: rpc.StatusOK},
		Routes: []rpc.RouteEntry{{Table: "cpu", Endpoint: rpc.EndpointPB{IP: "node-1", Port: 9000}}},
	}
	staleEndpoint := model.Endpoint{Host: "node-1", Port: 9000}.String()
	ft.writeResponses[staleEndpoint] = []*rpc.WriteResponse{
		{Header: rpc.Header{Code: rpc.StatusUnavailable, Msg: "node unreachable"}},
	}

	d := NewWriteDispatcher(WriteConfig{
		Resolver:   newTestResolver(t, ft),
		Transport:  ft,
		MaxRetries: 2,
		Logger:     zerolog.Nop(),
	})

	req := model.NewWriteRequest(model.Point{Table: "cpu", Timestamp: 1})
	_, err := d.Write(context.Background(), req)
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.CodeUnavailable, e.Code)
	assert.True(t, e.Retriable(), "UNAVAILABLE is retriable in the general taxonomy")
	assert.Equal(t, 1, len(ft.writeCalls), "writes must not retry UNAVAILABLE, only INVALID_ROUTE/FLOW_CONTROL")
}
