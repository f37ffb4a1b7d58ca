// Package ratelimit implements the per-endpoint adaptive concurrency limit
// from spec.md 4.6. It is generalized from internal/circuitbreaker's state
// machine: a config struct with an OnStateChange-shaped callback, an
// RWMutex-guarded mutable state, and an atomic fast path for the
// in-flight counter, but adjusting a continuous limit instead of a
// three-state breaker.
package ratelimit

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Kind selects the adaptive strategy.
type Kind int

const (
	KindVegas Kind = iota
	KindGradient
)

func (k Kind) String() string {
	if k == KindGradient {
		return "gradient"
	}
	return "vegas"
}

// Config configures a Limiter.
type Config struct {
	Kind         Kind
	InitialLimit int
	MinLimit     int
	MaxLimit     int
	Logger       zerolog.Logger
	// OnLimitChange is called whenever the limit is adjusted, mirroring
	// RpcOptions.logOnLimitChange from spec.md 6.
	OnLimitChange func(name string, oldLimit, newLimit int)
	Name          string
}

// ewma is a minimal exponentially-weighted moving average used for both the
// Vegas minRTT tracker and the Gradient short/long RTT windows.
type ewma struct {
	alpha float64
	value float64
	init  bool
}

func newEWMA(halfLife int) *ewma {
	// alpha chosen so `halfLife` samples decay the initial value by half.
	alpha := 1 - math.Pow(0.5, 1.0/float64(halfLife))
	return &ewma{alpha: alpha}
}

func (e *ewma) update(sample float64) float64 {
	if !e.init {
		e.value = sample
		e.init = true
		return e.value
	}
	e.value = e.alpha*sample + (1-e.alpha)*e.value
	return e.value
}

func (e *ewma) get() float64 { return e.value }

// Limiter gates concurrency for one endpoint. Acquire must be paired with a
// call to the returned Token's Release once the RPC completes (or is
// denied entry, if the initial acquire failed backpressure).
type Limiter struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	limit    float64
	inFlight atomic.Int64

	minRTT   int64 // nanoseconds, smallest ever observed (Vegas)
	shortRTT *ewma // Gradient
	longRTT  *ewma // Gradient
}

// Token represents one granted concurrency slot.
type Token struct {
	l        *Limiter
	acquired time.Time
	released bool
}

func New(cfg Config) *Limiter {
	if cfg.InitialLimit <= 0 {
		cfg.InitialLimit = 20
	}
	if cfg.MinLimit <= 0 {
		cfg.MinLimit = 1
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 1000
	}
	return &Limiter{
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "adaptive-limiter").Str("kind", cfg.Kind.String()).Logger(),
		limit:    float64(cfg.InitialLimit),
		shortRTT: newEWMA(10),
		longRTT:  newEWMA(1000),
	}
}

// Acquire attempts to reserve a concurrency slot. ok is false when the
// limiter is at capacity; the caller (write/query dispatcher or
// StreamWriter) is responsible for turning a denial into a FLOW_CONTROL
// error or blocking, per RpcOptions.blockOnLimit.
func (l *Limiter) Acquire() (*Token, bool) {
	l.mu.Lock()
	limit := int64(l.limit)
	if l.inFlight.Load() >= limit {
		l.mu.Unlock()
		return nil, false
	}
	l.mu.Unlock()

	l.inFlight.Add(1)
	return &Token{l: l, acquired: time.Now()}, true
}

// Limit returns the current integer concurrency limit.
func (l *Limiter) Limit() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int(l.limit)
}

// InFlight returns the number of currently outstanding acquisitions.
func (l *Limiter) InFlight() int64 { return l.inFlight.Load() }

// Release finishes the RPC this token guarded. dropped indicates the call
// failed in a way that should be treated as a negative sample (timeout,
// UNAVAILABLE) rather than a clean completion.
func (t *Token) Release(dropped bool) {
	if t.released {
		return
	}
	t.released = true
	rtt := time.Since(t.acquired)
	t.l.inFlight.Add(-1)
	t.l.onSample(rtt, dropped)
}

func (l *Limiter) onSample(rtt time.Duration, dropped bool) {
	switch l.cfg.Kind {
	case KindGradient:
		l.sampleGradient(rtt, dropped)
	default:
		l.sampleVegas(rtt, dropped)
	}
}

// sampleVegas implements the classic RTT-based Vegas rule: track the
// smallest RTT ever seen as an estimate of the unqueued round trip, and
// compare it against the current sample to estimate queueing. A growing
// queue backs the limit off; a queue near zero grows it.
func (l *Limiter) sampleVegas(rtt time.Duration, dropped bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sample := rtt.Nanoseconds()
	if sample <= 0 {
		sample = 1
	}
	if l.minRTT == 0 || sample < l.minRTT {
		l.minRTT = sample
	}

	old := l.limit
	if dropped {
		l.setLimitLocked(l.limit * 0.75)
		return
	}

	queueSize := l.limit * (1 - float64(l.minRTT)/float64(sample))
	switch {
	case queueSize < 1:
		l.setLimitLocked(l.limit + 1)
	case queueSize > 3:
		l.setLimitLocked(l.limit - 1)
	}
	_ = old
}

// sampleGradient compares a short-window RTT average against a long-window
// one: a ratio near 1 means latency is stable and the limit may grow; a
// ratio well above 1 means latency is degrading and the limit backs off.
func (l *Limiter) sampleGradient(rtt time.Duration, dropped bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sample := float64(rtt.Nanoseconds())
	short := l.shortRTT.update(sample)
	long := l.longRTT.update(sample)

	if dropped {
		l.setLimitLocked(l.limit * 0.75)
		return
	}
	if long <= 0 {
		return
	}

	gradient := long / short
	if gradient > 1.5 {
		gradient = 1.5
	}
	if gradient < 0.5 {
		gradient = 0.5
	}
	// sqrt(limit) of queueing headroom on top of the scaled limit lets a
	// stable ratio grow the limit, as in the standard Gradient strategy.
	l.setLimitLocked(l.limit*gradient + math.Sqrt(l.limit))
}

func (l *Limiter) setLimitLocked(newLimit float64) {
	if newLimit < float64(l.cfg.MinLimit) {
		newLimit = float64(l.cfg.MinLimit)
	}
	if newLimit > float64(l.cfg.MaxLimit) {
		newLimit = float64(l.cfg.MaxLimit)
	}
	old := l.limit
	if int(old) == int(newLimit) {
		l.limit = newLimit
		return
	}
	l.limit = newLimit
	if l.cfg.OnLimitChange != nil {
		l.cfg.OnLimitChange(l.cfg.Name, int(old), int(newLimit))
	}
}
