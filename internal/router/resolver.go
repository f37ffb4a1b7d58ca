package router

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/basekick-labs/tsdbclient/internal/metrics"
	"github.com/basekick-labs/tsdbclient/internal/rpc"
	"github.com/basekick-labs/tsdbclient/pkg/model"
)

// RouteResolver is the interface WriteDispatcher, QueryDispatcher, and
// Client depend on for table -> endpoint resolution, satisfied by both
// Resolver (spec.md 4.1's Direct route mode) and ProxyResolver (Proxy mode).
type RouteResolver interface {
	RouteFor(ctx context.Context, tables []string) (map[string]*model.Route, error)
	ClearRouteCacheBy(tables []string)
}

// ErrRouteTable is returned when the resolver cannot produce a route for
// one or more tables and has no cluster address to fall back to
// (spec.md 7's ROUTE_TABLE_EXCEPTION).
type ErrRouteTable struct {
	Tables []string
	Cause  error
}

func (e *ErrRouteTable) Error() string {
	return fmt.Sprintf("router: could not resolve routes for %v: %v", e.Tables, e.Cause)
}

func (e *ErrRouteTable) Unwrap() error { return e.Cause }

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	Cache          *Cache
	Transport      rpc.Transport
	ClusterAddress model.Endpoint
	Database       string
	RefreshTimeout time.Duration
	Logger         zerolog.Logger
	Metrics        *metrics.Metrics
	// Clock mirrors Config.Clock; the resolver stamps new routes with it.
	Clock func() int64
}

// Resolver implements RouteFor/RouteRefreshFor from spec.md 4.2: cache-first
// lookup, batched refresh on miss, and cluster-address synthesis as the
// last-resort fallback that keeps writes/queries flowing during a cluster
// address outage.
type Resolver struct {
	cache          *Cache
	transport      rpc.Transport
	clusterAddress model.Endpoint
	database       string
	timeout        time.Duration
	logger         zerolog.Logger
	m              *metrics.Metrics
	clock          func() int64

	sf       singleflight.Group
	rrCursor atomic.Uint64
}

func NewResolver(cfg ResolverConfig) *Resolver {
	clock := cfg.Clock
	if clock == nil {
		clock = func() int64 { return time.Now().UnixMilli() }
	}
	timeout := cfg.RefreshTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Resolver{
		cache:          cfg.Cache,
		transport:      cfg.Transport,
		clusterAddress: cfg.ClusterAddress,
		database:       cfg.Database,
		timeout:        timeout,
		logger:         cfg.Logger.With().Str("component", "route-resolver").Logger(),
		m:              cfg.Metrics,
		clock:          clock,
	}
}

// RouteFor resolves routes for tables, preferring cache hits, refreshing
// misses from the cluster, and synthesizing a cluster-address route for any
// table the refresh still could not place (spec.md 4.2).
func (r *Resolver) RouteFor(ctx context.Context, tables []string) (map[string]*model.Route, error) {
	hits, misses := r.cache.GetMany(tables)
	if len(misses) == 0 {
		return hits, nil
	}

	refreshed, refreshErr := r.RouteRefreshFor(ctx, misses)

	out := make(map[string]*model.Route, len(tables))
	for t, rt := range hits {
		out[t] = rt
	}
	for t, rt := range refreshed {
		out[t] = rt
	}

	var stillMissing []string
	for _, t := range misses {
		if _, ok := out[t]; !ok {
			stillMissing = append(stillMissing, t)
		}
	}

	if len(stillMissing) == 0 {
		return out, nil
	}

	if r.clusterAddress.IsZero() {
		return nil, &ErrRouteTable{Tables: stillMissing, Cause: refreshErr}
	}

	now := r.clock()
	var synthesized []*model.Route
	for _, t := range stillMissing {
		route := model.NewRoute(t, r.clusterAddress, now)
		out[t] = route
		synthesized = append(synthesized, route)
	}
	r.cache.PutAll(synthesized)

	r.logger.Debug().
		Strs("tables", stillMissing).
		Err(refreshErr).
		Msg("synthesized cluster-address fallback routes")

	return out, nil
}

// RouteRefreshFor unconditionally refreshes tables from the cluster,
// overwriting whatever is cached. Unlike RouteFor it never synthesizes a
// fallback route -- callers that need one call RouteFor instead.
func (r *Resolver) RouteRefreshFor(ctx context.Context, tables []string) (map[string]*model.Route, error) {
	if len(tables) == 0 {
		return nil, nil
	}

	key := singleflightKey(tables)
	v, err, _ := r.sf.Do(key, func() (any, error) {
		return r.doRefresh(ctx, tables)
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]*model.Route), nil
}

func (r *Resolver) doRefresh(ctx context.Context, tables []string) (map[string]*model.Route, error) {
	req := &rpc.RouteRequest{
		Context: model.RequestContext{Database: r.database},
		Tables:  tables,
	}

	resp, err := r.tryEndpoint(ctx, r.clusterAddress, req)
	if err != nil {
		resp, err = r.tryFallbackEndpoints(ctx, req)
		if err != nil {
			return nil, err
		}
	}

	now := r.clock()
	routes := make(map[string]*model.Route, len(resp.Routes))
	var toStore []*model.Route
	for _, e := range resp.Routes {
		route := model.NewRoute(e.Table, model.Endpoint{Host: e.Endpoint.IP, Port: e.Endpoint.Port}, now)
		routes[e.Table] = route
		toStore = append(toStore, route)
	}
	r.cache.PutAll(toStore)

	if r.m != nil {
		r.m.RouteForTablesRefreshedSize.Observe(float64(len(routes)))
	}
	return routes, nil
}

func (r *Resolver) tryEndpoint(ctx context.Context, endpoint model.Endpoint, req *rpc.RouteRequest) (*rpc.RouteResponse, error) {
	if endpoint.IsZero() {
		return nil, fmt.Errorf("router: no cluster address configured")
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp, err := r.transport.InvokeRoute(ctx, endpoint, req, r.timeout.Milliseconds())
	if err != nil {
		return nil, err
	}
	if !resp.Header.Ok() {
		return nil, fmt.Errorf("router: refresh rejected: %s", resp.Header.Msg)
	}
	return resp, nil
}

// tryFallbackEndpoints round-robins over the set of endpoints currently
// backing any cached route, per spec.md 4.2, using only ones the transport
// reports as reachable.
func (r *Resolver) tryFallbackEndpoints(ctx context.Context, req *rpc.RouteRequest) (*rpc.RouteResponse, error) {
	candidates := r.cache.DistinctEndpoints()
	if len(candidates) == 0 {
		return nil, fmt.Errorf("router: cluster address unreachable and no fallback candidates cached")
	}

	start := int(r.rrCursor.Add(1)-1) % len(candidates)
	var lastErr error
	for i := 0; i < len(candidates); i++ {
		ep := candidates[(start+i)%len(candidates)]
		if !r.transport.CheckConnection(ctx, ep, true) {
			continue
		}
		resp, err := r.tryEndpoint(ctx, ep, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("router: no fallback candidate had an established connection")
	}
	return nil, lastErr
}

// ClearRouteCacheBy evicts the named tables from the cache, forcing the
// next RouteFor to refresh them from the cluster. Dispatchers call this on
// an INVALID_ROUTE response before retrying the affected points.
func (r *Resolver) ClearRouteCacheBy(tables []string) {
	r.cache.ClearBy(tables)
}

func singleflightKey(tables []string) string {
	sorted := append([]string(nil), tables...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}
