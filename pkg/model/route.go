package model

import (
	"fmt"
	"sync/atomic"
)

// Endpoint identifies a database server. It is immutable and compared
// structurally.
type Endpoint struct {
	Host string
	Port uint16
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

func (e Endpoint) IsZero() bool {
	return e.Host == "" && e.Port == 0
}

// RouteMode selects how the client resolves table -> endpoint mappings.
type RouteMode int

const (
	// RouteModeDirect resolves per-table routes against a cluster address.
	RouteModeDirect RouteMode = iota
	// RouteModeProxy sends every request to a single fixed endpoint.
	RouteModeProxy
)

func (m RouteMode) String() string {
	if m == RouteModeProxy {
		return "proxy"
	}
	return "direct"
}

// Route maps one table to the endpoint currently believed to own it, plus a
// recency stamp used by the cache's GC. LastHit is updated with a
// best-effort compare-and-swap (see cache package); readers should treat it
// as approximate.
type Route struct {
	Table    string
	Endpoint Endpoint
	lastHit  atomic.Int64 // monotonic millis
}

// NewRoute creates a Route stamped with the given monotonic hit time.
func NewRoute(table string, endpoint Endpoint, hitMillis int64) *Route {
	r := &Route{Table: table, Endpoint: endpoint}
	r.lastHit.Store(hitMillis)
	return r
}

// LastHit returns the route's recency stamp.
func (r *Route) LastHit() int64 {
	return r.lastHit.Load()
}

// TouchWeak attempts a single CAS from the last-observed value to now. A
// failed CAS (lost race) is dropped rather than retried, per spec.md 4.2's
// "weak" update policy -- GC only needs approximate ordering.
func (r *Route) TouchWeak(now int64) {
	old := r.lastHit.Load()
	if now <= old {
		return
	}
	r.lastHit.CompareAndSwap(old, now)
}

// RequestContext carries the per-request database and tenant metadata
// attached to every outgoing RPC.
type RequestContext struct {
	Database string
	Tenant   Tenant
}

// Tenant identifies the caller for multi-tenant deployments. Token is
// forwarded as a bearer credential; the client performs no authentication
// beyond this forwarding step.
type Tenant struct {
	Tenant    string
	SubTenant string
	Token     string
}
