package router

import (
	"context"
	"time"

	"github.com/basekick-labs/tsdbclient/pkg/model"
)

// ProxyResolver is the degenerate RouteResolver for Proxy route mode
// (spec.md 6's routeMode=Proxy): every table maps to the same fixed
// endpoint, with no cache, no refresh RPC, and no fallback round-robin.
// It mirrors the short-circuit the teacher's ShardRouter.CanHandleLocally
// takes when a request needs no shard lookup at all -- here every request
// is answered without consulting the cluster.
type ProxyResolver struct {
	endpoint model.Endpoint
	clock    func() int64
}

func NewProxyResolver(endpoint model.Endpoint) *ProxyResolver {
	return &ProxyResolver{
		endpoint: endpoint,
		clock:    func() int64 { return time.Now().UnixMilli() },
	}
}

// RouteFor always resolves every requested table to the configured proxy
// endpoint; it never fails and never needs to consult a cache.
func (r *ProxyResolver) RouteFor(_ context.Context, tables []string) (map[string]*model.Route, error) {
	now := r.clock()
	out := make(map[string]*model.Route, len(tables))
	for _, t := range tables {
		out[t] = model.NewRoute(t, r.endpoint, now)
	}
	return out, nil
}

// ClearRouteCacheBy is a no-op: there is no cache to evict from, since
// there is only ever one possible route per table.
func (r *ProxyResolver) ClearRouteCacheBy(_ []string) {}
