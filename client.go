// Package tsdbclient is the core client library for a columnar
// time-series database: a routing cache backed by a resolver that talks to
// a cluster address, and write/query dispatchers that partition requests
// by resolved endpoint.
//
// Grounded on the teacher's top-level server wiring
// (internal/database + internal/api's constructor sequence), adapted from
// "own a storage engine and an HTTP router" to "own a route cache and an
// RPC transport."
package tsdbclient

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/basekick-labs/tsdbclient/internal/dispatch"
	"github.com/basekick-labs/tsdbclient/internal/metrics"
	"github.com/basekick-labs/tsdbclient/internal/ratelimit"
	"github.com/basekick-labs/tsdbclient/internal/router"
	"github.com/basekick-labs/tsdbclient/internal/rpc"
	"github.com/basekick-labs/tsdbclient/internal/stream"
	"github.com/basekick-labs/tsdbclient/pkg/model"
)

// Client is the entry point for writes, queries, and streaming writes
// against one cluster. A Client owns exactly one RouterCache and one
// Transport; embedders that talk to multiple clusters construct one Client
// per cluster.
type Client struct {
	opts   Options
	logger zerolog.Logger

	transport rpc.Transport
	cache     *router.Cache
	resolver  router.RouteResolver
	metrics   *metrics.Metrics

	writeDispatcher *dispatch.WriteDispatcher
	queryDispatcher *dispatch.QueryDispatcher

	limitersMu sync.Mutex
	limiters   map[model.Endpoint]*ratelimit.Limiter

	initialized atomic.Bool
	shutdown    atomic.Bool

	gcCancel context.CancelFunc
	gcDone   chan struct{}
}

// New constructs a Client. The client is not usable until Init succeeds;
// New only validates and stores configuration, matching the teacher's
// split between constructing a struct and starting its background work.
func New(opts Options) (*Client, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		opts:     opts,
		limiters: make(map[model.Endpoint]*ratelimit.Limiter),
	}, nil
}

// Init wires the router cache, resolver, dispatchers, and metrics against
// transport, and starts the background GC loop. A second call to Init
// fails with ErrAlreadyInitialized (spec.md 5's idempotent-by-refusal
// lifecycle).
func (c *Client) Init(transport rpc.Transport) error {
	if !c.initialized.CompareAndSwap(false, true) {
		return ErrAlreadyInitialized
	}

	c.logger = newLogger(c.opts.Log)
	c.transport = transport

	clusterEndpoint, err := parseEndpoint(c.opts.ClusterAddress)
	if err != nil {
		c.initialized.Store(false)
		return fmt.Errorf("tsdbclient: %w", err)
	}

	if c.opts.Metrics.Enabled {
		c.metrics = metrics.New(c.opts.Metrics.Namespace)
	}

	c.cache = router.New(router.Config{
		MaxCachedSize: c.opts.Router.MaxCachedSize,
		Logger:        c.logger,
		Metrics:       c.metrics,
	})

	if c.opts.routeMode() == model.RouteModeProxy {
		c.resolver = router.NewProxyResolver(clusterEndpoint)
	} else {
		c.resolver = router.NewResolver(router.ResolverConfig{
			Cache:          c.cache,
			Transport:      transport,
			ClusterAddress: clusterEndpoint,
			Database:       c.opts.Database,
			RefreshTimeout: c.opts.refreshTimeout(),
			Logger:         c.logger,
			Metrics:        c.metrics,
		})
	}

	c.writeDispatcher = dispatch.NewWriteDispatcher(dispatch.WriteConfig{
		Resolver:   c.resolver,
		Transport:  transport,
		Database:   c.opts.Database,
		MaxRetries: c.opts.Retry.WriteMaxRetries,
		RpcTimeout: c.opts.rpcTimeout(),
		Logger:     c.logger,
		Metrics:    c.metrics,
		LimiterFor: c.limiterFor,
	})

	c.queryDispatcher = dispatch.NewQueryDispatcher(dispatch.QueryConfig{
		Resolver:         c.resolver,
		Transport:        transport,
		Database:         c.opts.Database,
		MaxRetries:       c.opts.Retry.ReadMaxRetries,
		RpcTimeout:       c.opts.rpcTimeout(),
		StreamBufferSize: c.opts.Rpc.StreamBufferSize,
		Logger:           c.logger,
		Metrics:          c.metrics,
	})

	ctx, cancel := context.WithCancel(context.Background())
	c.gcCancel = cancel
	c.gcDone = make(chan struct{})
	go c.runGCLoop(ctx)

	c.logger.Info().Str("cluster_address", c.opts.ClusterAddress).Msg("tsdbclient initialized")
	return nil
}

// Write dispatches req to its resolved endpoints, per spec.md 4.3.
func (c *Client) Write(ctx context.Context, req model.WriteRequest) (model.WriteOk, error) {
	if err := c.checkReady(); err != nil {
		return model.WriteOk{}, err
	}
	return c.writeDispatcher.Write(ctx, req)
}

// Query executes req as a unary SQL query, per spec.md 4.4.
func (c *Client) Query(ctx context.Context, req model.SqlQueryRequest) (model.SqlQueryOk, error) {
	if err := c.checkReady(); err != nil {
		return model.SqlQueryOk{}, err
	}
	return c.queryDispatcher.Query(ctx, req)
}

// StreamQuery opens a server-streaming SQL query and returns a pull
// iterator, per spec.md 4.4.
func (c *Client) StreamQuery(ctx context.Context, req model.SqlQueryRequest) (*model.RowIterator, error) {
	if err := c.checkReady(); err != nil {
		return nil, err
	}
	return c.queryDispatcher.StreamQuery(ctx, req)
}

// OpenStreamWriter opens a client-streaming write session against the
// endpoint that owns table, per spec.md 4.5.
func (c *Client) OpenStreamWriter(ctx context.Context, table string) (*stream.StreamWriter, error) {
	if err := c.checkReady(); err != nil {
		return nil, err
	}
	routes, err := c.resolver.RouteFor(ctx, []string{table})
	if err != nil {
		return nil, err
	}
	route, ok := routes[table]
	if !ok {
		return nil, fmt.Errorf("tsdbclient: no route resolved for table %q", table)
	}
	return stream.Open(ctx, c.transport, stream.Config{
		Endpoint:     route.Endpoint,
		Database:     c.opts.Database,
		Limiter:      c.limiterFor(route.Endpoint),
		BlockOnLimit: c.opts.Rpc.BlockOnLimit,
		BufferSize:   c.opts.Rpc.StreamBufferSize,
		Logger:       c.logger,
	})
}

// ShutdownGracefully stops the background GC loop, closes the transport,
// and clears the route cache. It is idempotent: a second call is a no-op
// (spec.md 5).
func (c *Client) ShutdownGracefully(ctx context.Context) error {
	if !c.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	if c.gcCancel != nil {
		c.gcCancel()
		select {
		case <-c.gcDone:
		case <-ctx.Done():
		}
	}
	if c.cache != nil {
		c.cache.Clear()
	}
	if c.transport != nil {
		if err := c.transport.Close(); err != nil {
			return fmt.Errorf("tsdbclient: shutdown: %w", err)
		}
	}
	c.logger.Info().Msg("tsdbclient shut down")
	return nil
}

func (c *Client) checkReady() error {
	if !c.initialized.Load() {
		return ErrNotInitialized
	}
	if c.shutdown.Load() {
		return ErrShutdown
	}
	return nil
}

// limiterFor lazily creates one adaptive limiter per endpoint, shared
// across every write/stream call to that endpoint (spec.md 4.6).
func (c *Client) limiterFor(endpoint model.Endpoint) *ratelimit.Limiter {
	c.limitersMu.Lock()
	defer c.limitersMu.Unlock()

	if l, ok := c.limiters[endpoint]; ok {
		return l
	}

	var onChange func(name string, oldLimit, newLimit int)
	if c.opts.Rpc.LogOnLimitChange {
		logger := c.logger
		onChange = func(name string, oldLimit, newLimit int) {
			logger.Info().Str("endpoint", name).Int("old_limit", oldLimit).Int("new_limit", newLimit).Msg("adaptive limit changed")
		}
	}

	l := ratelimit.New(ratelimit.Config{
		Kind:          c.opts.limiterKind(),
		InitialLimit:  c.opts.Rpc.InitialLimit,
		MinLimit:      c.opts.Rpc.MinLimit,
		MaxLimit:      c.opts.Rpc.MaxLimit,
		Logger:        c.logger,
		OnLimitChange: onChange,
		Name:          endpoint.String(),
	})
	c.limiters[endpoint] = l
	return l
}

// runGCLoop periodically runs the route cache's GC pass until ctx is
// cancelled, mirroring the teacher's background-goroutine-plus-ticker
// shutdown shape (internal/compaction's scheduler loop).
func (c *Client) runGCLoop(ctx context.Context) {
	defer close(c.gcDone)
	ticker := time.NewTicker(c.opts.gcInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.cache.GC()
		}
	}
}

// newLogger builds the zerolog.Logger every component derives its
// component-scoped child from, matching the teacher's console/JSON writer
// selection by LogConfig.Format.
func newLogger(opts LogOptions) zerolog.Logger {
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if opts.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return logger.Level(level)
}

func parseEndpoint(addr string) (model.Endpoint, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return model.Endpoint{}, fmt.Errorf("invalid cluster_address %q: %w", addr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return model.Endpoint{}, fmt.Errorf("invalid cluster_address port %q: %w", portStr, err)
	}
	return model.Endpoint{Host: host, Port: uint16(port)}, nil
}
