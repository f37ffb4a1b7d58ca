// Package stream implements StreamWriter from spec.md 4.5: a long-lived
// client-streaming write session with buffered backpressure.
//
// Grounded on the teacher's replication sender, but without its channel and
// background goroutine: points collect in a mutex-guarded pending slice that
// is sent on the caller's goroutine when it is flushed, with atomic counters
// for stats and a state machine gating writes after close. Generalized from
// replicating WAL segments to one endpoint's write stream.
package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/basekick-labs/tsdbclient/internal/ratelimit"
	"github.com/basekick-labs/tsdbclient/internal/rpc"
	"github.com/basekick-labs/tsdbclient/pkg/errs"
	"github.com/basekick-labs/tsdbclient/pkg/model"
)

// State is the StreamWriter lifecycle from spec.md 4.5.
type State int32

const (
	StateOpen State = iota
	StateHalfClosed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHalfClosed:
		return "half-closed"
	case StateClosed:
		return "closed"
	default:
		return "open"
	}
}

// Config configures a StreamWriter.
type Config struct {
	Endpoint   model.Endpoint
	Database   string
	Limiter    *ratelimit.Limiter
	BlockOnLimit bool
	// BufferSize is the number of pending points at which Write flushes the
	// buffer to the transport. Points requeued after a failed flush stay
	// pending, so the buffer can hold more than BufferSize points.
	BufferSize int
	Logger     zerolog.Logger
}

// StreamWriter buffers points into a client-streaming write session. write
// enqueues without necessarily flushing to the wire; writeAndFlush and
// flush force delivery; completed() half-closes and returns the server's
// final aggregated response.
type StreamWriter struct {
	cfg    Config
	logger zerolog.Logger

	stream rpc.ClientStream

	state atomic.Int32

	mu      sync.Mutex
	pending []model.Point

	success atomic.Uint64
	failed  atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

// Open starts a client-streaming write session against transport.
func Open(ctx context.Context, transport rpc.Transport, cfg Config) (*StreamWriter, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	stream, err := transport.InvokeClientStreamingWrite(ctx, cfg.Endpoint)
	if err != nil {
		return nil, errs.New(errs.CodeUnavailable, err.Error(), cfg.Endpoint, nil, nil, err)
	}
	w := &StreamWriter{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "stream-writer").Str("endpoint", cfg.Endpoint.String()).Logger(),
		stream: stream,
	}
	return w, nil
}

func (w *StreamWriter) State() State {
	return State(w.state.Load())
}

// Write enqueues one point. It flushes the buffer once BufferSize is
// reached, applying the same backpressure rule as flush.
func (w *StreamWriter) Write(ctx context.Context, p model.Point) error {
	if w.State() == StateClosed {
		return errs.ErrStreamClosed
	}
	if w.State() != StateOpen {
		return errs.New(errs.CodeClientState, "stream is not open", w.cfg.Endpoint, []model.Point{p}, nil, nil)
	}

	w.mu.Lock()
	w.pending = append(w.pending, p)
	shouldFlush := len(w.pending) >= w.cfg.BufferSize
	w.mu.Unlock()

	if shouldFlush {
		return w.Flush(ctx)
	}
	return nil
}

// WriteAndFlush enqueues p and forces immediate delivery.
func (w *StreamWriter) WriteAndFlush(ctx context.Context, p model.Point) error {
	if err := w.Write(ctx, p); err != nil {
		return err
	}
	return w.Flush(ctx)
}

// Flush drains the pending buffer onto the wire, honoring the transport's
// Ready() backpressure signal per BlockOnLimit. It is allowed while the
// stream is half-closed so Completed can drain the buffer before closing.
func (w *StreamWriter) Flush(ctx context.Context) error {
	if w.State() == StateClosed {
		return errs.New(errs.CodeClientState, "stream is closed", w.cfg.Endpoint, nil, nil, nil)
	}

	w.mu.Lock()
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if !w.awaitReady(ctx) {
		w.mu.Lock()
		w.pending = append(batch, w.pending...)
		w.mu.Unlock()
		return errs.New(errs.CodeFlowControl, "stream peer not ready", w.cfg.Endpoint, batch, nil, nil)
	}

	var token *ratelimit.Token
	if w.cfg.Limiter != nil {
		tok, ok := w.cfg.Limiter.Acquire()
		for !ok && w.cfg.BlockOnLimit && ctx.Err() == nil {
			time.Sleep(5 * time.Millisecond)
			tok, ok = w.cfg.Limiter.Acquire()
		}
		if !ok {
			w.mu.Lock()
			w.pending = append(batch, w.pending...)
			w.mu.Unlock()
			return errs.New(errs.CodeFlowControl, "adaptive limit exhausted", w.cfg.Endpoint, batch, nil, nil)
		}
		token = tok
	}

	start := time.Now()
	err := w.stream.Send(&rpc.WriteRequest{
		Context: model.RequestContext{Database: w.cfg.Database},
		Points:  batch,
	})
	if token != nil {
		token.Release(err != nil)
	}
	_ = start

	if err != nil {
		return errs.New(errs.CodeUnavailable, err.Error(), w.cfg.Endpoint, batch, nil, err)
	}
	return nil
}

// awaitReady polls the transport's Ready() signal, honoring BlockOnLimit
// (spec.md 4.6): when false, a not-ready peer is reported to the caller as
// FLOW_CONTROL instead of blocking indefinitely.
func (w *StreamWriter) awaitReady(ctx context.Context) bool {
	if w.stream.Ready() {
		return true
	}
	if !w.cfg.BlockOnLimit {
		return false
	}
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if w.stream.Ready() {
				return true
			}
		}
	}
}

// Completed flushes any remaining buffered points, half-closes the stream,
// and blocks for the server's aggregated final response.
func (w *StreamWriter) Completed(ctx context.Context) (model.WriteOk, error) {
	if !w.state.CompareAndSwap(int32(StateOpen), int32(StateHalfClosed)) {
		if w.State() == StateClosed {
			return model.WriteOk{}, errs.New(errs.CodeClientState, "stream already completed", w.cfg.Endpoint, nil, nil, nil)
		}
	}

	if err := w.Flush(ctx); err != nil {
		w.finish(err)
		return model.WriteOk{}, err
	}

	resp, err := w.stream.CloseAndRecv()
	if err != nil {
		wrapped := errs.New(errs.CodeUnavailable, err.Error(), w.cfg.Endpoint, nil, nil, err)
		w.finish(wrapped)
		return model.WriteOk{}, wrapped
	}
	if !resp.Header.Ok() {
		code, _ := classifyLocal(resp.Header.Code)
		e := errs.New(code, resp.Header.Msg, w.cfg.Endpoint, resp.FailedPoints, nil, nil)
		w.finish(e)
		return model.WriteOk{Success: resp.Success, Failed: resp.Failed}, e
	}

	w.success.Store(resp.Success)
	w.failed.Store(resp.Failed)
	w.finish(nil)
	return model.WriteOk{Success: resp.Success, Failed: resp.Failed}, nil
}

func (w *StreamWriter) finish(err error) {
	w.closeOnce.Do(func() {
		w.state.Store(int32(StateClosed))
		w.closeErr = err
		w.logger.Debug().Err(err).Msg("stream writer closed")
	})
}

// classifyLocal mirrors dispatch.classify without importing the dispatch
// package (which would create a cycle through Client).
func classifyLocal(code rpc.StatusCode) (errs.Code, bool) {
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
