// Package dispatch implements WriteDispatcher and QueryDispatcher from
// spec.md 4.3/4.4: partition a request by resolved route, fan out per
// endpoint in parallel, merge results, and retry the still-failed subset on
// a whitelisted set of error codes.
//
// Grounded on internal/cluster/writer_failover.go's config-struct
// constructor and callback-free lifecycle, and internal/cluster/sharding/
// scatter_gather.go's "collect results from N endpoints" shape.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/basekick-labs/tsdbclient/internal/metrics"
	"github.com/basekick-labs/tsdbclient/internal/ratelimit"
	"github.com/basekick-labs/tsdbclient/internal/router"
	"github.com/basekick-labs/tsdbclient/internal/rpc"
	"github.com/basekick-labs/tsdbclient/pkg/errs"
	"github.com/basekick-labs/tsdbclient/pkg/model"
)

// WriteConfig configures a WriteDispatcher.
type WriteConfig struct {
	Resolver           router.RouteResolver
	Transport          rpc.Transport
	Database           string
	MaxRetries         int
	CollectWroteDetail bool
	RpcTimeout         time.Duration
	Logger             zerolog.Logger
	Metrics            *metrics.Metrics
	// LimiterFor returns the adaptive limiter for an endpoint, or nil to
	// disable limiting. Endpoints are expected to share one Limiter across
	// calls (see Client.limiterFor).
	LimiterFor func(model.Endpoint) *ratelimit.Limiter
}

// WriteDispatcher implements spec.md 4.3.
type WriteDispatcher struct {
	cfg    WriteConfig
	logger zerolog.Logger
}

func NewWriteDispatcher(cfg WriteConfig) *WriteDispatcher {
	if cfg.RpcTimeout <= 0 {
		cfg.RpcTimeout = 10 * time.Second
	}
	return &WriteDispatcher{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "write-dispatcher").Logger(),
	}
}

// Write delivers every point in req to its resolved endpoint, merging
// results and retrying the failed subset on INVALID_ROUTE/FLOW_CONTROL up
// to MaxRetries times (spec.md 4.3 steps 1-7).
func (d *WriteDispatcher) Write(ctx context.Context, req model.WriteRequest) (model.WriteOk, error) {
	if len(req.Points) == 0 {
		return model.WriteOk{}, nil
	}

	pending := req.Points
	total := model.WriteOk{}
	var lastErr *errs.Err

	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		routes, err := d.cfg.Resolver.RouteFor(ctx, tablesOf(pending))
		if err != nil {
			return total, errs.New(errs.CodeRouteTableException, err.Error(), model.Endpoint{}, pending, req, err)
		}

		batches := partitionByRoute(pending, routes)
		results := d.dispatchBatches(ctx, batches)

		var retryable []model.Point
		var invalidTables []string
		anyNonRetriable := false

		for _, res := range results {
			total = total.Combine(res.ok)
			if res.err == nil {
				continue
			}
			lastErr = res.err
			if !isWriteRetriable(res.err.Code) {
				anyNonRetriable = true
				continue
			}
			retryable = append(retryable, res.err.Failed...)
			if res.err.Code == errs.CodeInvalidRoute {
				invalidTables = append(invalidTables, distinctTables(res.err.Failed)...)
			}
		}

		if len(retryable) == 0 || anyNonRetriable {
			if anyNonRetriable && lastErr != nil {
				return total, lastErr
			}
			if len(retryable) > 0 && lastErr != nil {
				// Retriable failures remain but retries are exhausted or a
				// non-retriable error co-occurred; surface as failed subset.
				return total, lastErr
			}
			return total, nil
		}

		if len(invalidTables) > 0 {
			d.cfg.Resolver.ClearRouteCacheBy(invalidTables)
		}
		pending = retryable

		if attempt == d.cfg.MaxRetries {
			return total, lastErr
		}
	}

	return total, lastErr
}

type endpointResult struct {
	endpoint model.Endpoint
	ok       model.WriteOk
	err      *errs.Err
}

// dispatchBatches fans the per-endpoint sub-batches out in parallel and
// collects every result -- unlike errgroup's default fail-fast behavior,
// a per-endpoint error must not cancel siblings, since partial success is
// required to be preserved (spec.md 4.3 step 5).
func (d *WriteDispatcher) dispatchBatches(ctx context.Context, batches map[model.Endpoint][]model.Point) []endpointResult {
	results := make([]endpointResult, len(batches))
	var g errgroup.Group
	var mu sync.Mutex
	i := 0
	for ep, points := range batches {
		idx := i
		i++
		endpoint := ep
		pts := points
		g.Go(func() error {
			res := d.dispatchOne(ctx, endpoint, pts)
			mu.Lock()
			results[idx] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (d *WriteDispatcher) dispatchOne(ctx context.Context, endpoint model.Endpoint, points []model.Point) endpointResult {
	requestID := uuid.NewString()
	log := d.logger.With().Str("request_id", requestID).Str("endpoint", endpoint.String()).Logger()
	log.Debug().Int("points", len(points)).Msg("dispatching write sub-batch")

	var limiterToken interface{ Release(bool) }
	if d.cfg.LimiterFor != nil {
		if l := d.cfg.LimiterFor(endpoint); l != nil {
			tok, ok := l.Acquire()
			if !ok {
				return endpointResult{endpoint: endpoint, err: errs.New(errs.CodeFlowControl, "adaptive limit exhausted", endpoint, points, nil, nil)}
			}
			limiterToken = tok
		}
	}

	start := time.Now()
	wireReq := &rpc.WriteRequest{
		Context: model.RequestContext{Database: d.cfg.Database},
		Points:  points,
	}
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.RpcTimeout)
	defer cancel()

	resp, err := d.cfg.Transport.InvokeWrite(callCtx, endpoint, wireReq, d.cfg.RpcTimeout.Milliseconds())

	if d.cfg.Metrics != nil {
		d.cfg.Metrics.WriteLatency.WithLabelValues(endpoint.String()).Observe(time.Since(start).Seconds())
		d.cfg.Metrics.WriteBatch.Observe(float64(len(points)))
	}

	if err != nil {
		if limiterToken != nil {
			limiterToken.Release(true)
		}
		return endpointResult{endpoint: endpoint, err: errs.New(errs.CodeUnavailable, err.Error(), endpoint, points, nil, err)}
	}
	if limiterToken != nil {
		limiterToken.Release(false)
	}

	code, _ := classify(resp.Header.Code)
	if !resp.Header.Ok() {
		if d.cfg.Metrics != nil {
			d.cfg.Metrics.RetriesByCode.WithLabelValues(code.String()).Inc()
		}
		failed := resp.FailedPoints
		if failed == nil {
			failed = points
		}
		e := errs.New(code, resp.Header.Msg, endpoint, failed, nil, nil)
		return endpointResult{endpoint: endpoint, ok: model.WriteOk{Success: resp.Success}, err: e}
	}

	ok := model.WriteOk{Success: resp.Success, Failed: resp.Failed}
	if d.cfg.CollectWroteDetail {
		ok.Tables = make(map[string]struct{})
		for t := range distinctTablesSet(points) {
			ok.Tables[t] = struct{}{}
		}
	}
	return endpointResult{endpoint: endpoint, ok: ok}
}

// isWriteRetriable narrows the general errs.Code.Retriable() taxonomy to
// the whitelist writes are allowed to retry on: INVALID_ROUTE and
// FLOW_CONTROL only. UNAVAILABLE and SHOULD_RETRY are retriable in the
// general taxonomy (read paths retry on them) but a write must not replay
// points against an endpoint that may have already durably written them.
func isWriteRetriable(code errs.Code) bool {
	return code == errs.CodeInvalidRoute || code == errs.CodeFlowControl
}

// classify maps a wire status code to the client-side taxonomy and reports
// whether it is in the retriable whitelist.
func classify(code rpc.StatusCode) (errs.Code, bool) {
	switch code {
	case rpc.StatusInvalidRoute:
		return errs.CodeInvalidRoute, true
	case rpc.StatusFlowControl:
		return errs.CodeFlowControl, true
	case rpc.StatusUnavailable:
		return errs.CodeUnavailable, true
	case rpc.StatusShouldRetry:
		return errs.CodeShouldRetry, true
	case rpc.StatusBadRequest:
		return errs.CodeBadRequest, false
	case rpc.StatusStreamTooLarge:
		return errs.CodeStreamTooLarge, false
	case rpc.StatusInternal:
		return errs.CodeInternal, false
	case rpc.StatusServerError:
		return errs.CodeServerError, false
	default:
		return errs.CodeInternal, false
	}
}

func tablesOf(points []model.Point) []string {
	req := model.NewWriteRequest(points...)
	return req.Tables()
}

func distinctTables(points []model.Point) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, p := range points {
		if _, ok := seen[p.Table]; ok {
			continue
		}
		seen[p.Table] = struct{}{}
		out = append(out, p.Table)
	}
	return out
}

func distinctTablesSet(points []model.Point) map[string]struct{} {
	out := map[string]struct{}{}
	for _, p := range points {
		out[p.Table] = struct{}{}
	}
	return out
}

// partitionByRoute splits points into per-endpoint sub-batches, preserving
// the input order within each sub-batch (spec.md 4.3 step 3).
func partitionByRoute(points []model.Point, routes map[string]*model.Route) map[model.Endpoint][]model.Point {
	out := make(map[model.Endpoint][]model.Point)
	for _, p := range points {
		route, ok := routes[p.Table]
		if !ok {
			continue
		}
		out[route.Endpoint] = append(out[route.Endpoint], p)
	}
	return out
}
