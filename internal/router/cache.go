// Package router implements the RouterCache and RouteResolver from
// spec.md 4.2: a concurrent table -> endpoint map with size-bounded,
// least-recently-hit GC, and a resolver that refreshes misses from a
// cluster address with round-robin fallback over already-cached endpoints.
//
// Grounded on internal/cluster/registry.go's RWMutex-guarded map with a
// config-struct constructor, generalized from node membership to route
// caching.
package router

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/basekick-labs/tsdbclient/internal/metrics"
	"github.com/basekick-labs/tsdbclient/pkg/model"
)

// cleanHighRatio, evictFraction and maxConsecutiveGC drive the GC algorithm
// from spec.md 4.2: GC runs while size >= maxSize*cleanHighRatio and removes
// evictFraction of the current size each round, up to maxConsecutiveGC times.
const (
	cleanHighRatio     = 0.75
	evictFraction      = 0.10
	maxConsecutiveGC   = 3
)

// Config configures a RouterCache.
type Config struct {
	// MaxCachedSize is the soft upper bound on cache entries; GC kicks in
	// at MaxCachedSize * 0.75.
	MaxCachedSize int
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
	// Clock returns the monotonic millisecond tick used to stamp lastHit.
	// Defaults to time.Now().UnixMilli. Overridable for deterministic tests.
	Clock func() int64
}

// Cache is the concurrent table -> Route map. Reads are wait-free aside
// from the RWMutex's read-lock fast path; writes take the write lock.
type Cache struct {
	mu     sync.RWMutex
	routes map[string]*model.Route
	max    int
	clock  func() int64
	logger zerolog.Logger
	m      *metrics.Metrics

	consecutiveGC int
}

// New creates a RouterCache. A zero or negative MaxCachedSize disables the
// size bound (GC becomes a no-op).
func New(cfg Config) *Cache {
	clock := cfg.Clock
	if clock == nil {
		clock = func() int64 { return time.Now().UnixMilli() }
	}
	return &Cache{
		routes: make(map[string]*model.Route),
		max:    cfg.MaxCachedSize,
		clock:  clock,
		logger: cfg.Logger.With().Str("component", "router-cache").Logger(),
		m:      cfg.Metrics,
	}
}

// Get returns the cached Route for table, touching its lastHit stamp on a
// hit. The bool is false on a miss.
func (c *Cache) Get(table string) (*model.Route, bool) {
	c.mu.RLock()
	r, ok := c.routes[table]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	r.TouchWeak(c.clock())
	return r, true
}

// GetMany splits tables into cache hits and misses, touching lastHit on
// every hit.
func (c *Cache) GetMany(tables []string) (hits map[string]*model.Route, misses []string) {
	hits = make(map[string]*model.Route, len(tables))
	now := c.clock()

	c.mu.RLock()
	for _, t := range tables {
		if r, ok := c.routes[t]; ok {
			hits[t] = r
		} else {
			misses = append(misses, t)
		}
	}
	c.mu.RUnlock()

	for _, r := range hits {
		r.TouchWeak(now)
	}
	return hits, misses
}

// Put inserts or overwrites one route. Last-writer-wins under concurrent
// PutAll races, which is safe because refresh RPCs are idempotent
// (spec.md 4.2).
func (c *Cache) Put(route *model.Route) {
	c.mu.Lock()
	c.routes[route.Table] = route
	size := len(c.routes)
	c.mu.Unlock()

	if c.m != nil {
		c.m.RouteForTablesCachedSize.Observe(float64(size))
	}
}

// PutAll inserts or overwrites many routes atomically with respect to
// concurrent readers (each individual entry becomes visible together).
func (c *Cache) PutAll(routes []*model.Route) {
	if len(routes) == 0 {
		return
	}
	c.mu.Lock()
	for _, r := range routes {
		c.routes[r.Table] = r
	}
	size := len(c.routes)
	c.mu.Unlock()

	if c.m != nil {
		c.m.RouteForTablesCachedSize.Observe(float64(size))
	}
}

// ClearBy drops the named tables from the cache. Used by dispatchers on
// INVALID_ROUTE to force a fresh resolve for just the affected tables.
func (c *Cache) ClearBy(tables []string) {
	if len(tables) == 0 {
		return
	}
	c.mu.Lock()
	for _, t := range tables {
		delete(c.routes, t)
	}
	c.mu.Unlock()
}

// Clear drops every cached route (shutdown / full reset).
func (c *Cache) Clear() {
	c.mu.Lock()
	c.routes = make(map[string]*model.Route)
	c.mu.Unlock()
}

// Size returns the current number of cached routes.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.routes)
}

// DistinctEndpoints returns the set of endpoints currently backing any
// cached route, used by the resolver's fallback path.
func (c *Cache) DistinctEndpoints() []model.Endpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[model.Endpoint]struct{})
	var out []model.Endpoint
	for _, r := range c.routes {
		ep := r.Endpoint
		if _, ok := seen[ep]; ok {
			continue
		}
		seen[ep] = struct{}{}
		out = append(out, ep)
	}
	return out
}

// GC runs one scheduled GC pass: while size >= max*0.75 and the
// consecutive-round count is under the bound, evict the 10% of entries
// with the smallest lastHit. Returns the total number of entries evicted
// this call. Safe to call concurrently with reads/writes (best effort:
// entries inserted mid-GC may be counted in a later round instead of this
// one, per spec.md's tolerated read/GC race).
func (c *Cache) GC() int {
	if c.max <= 0 {
		return 0
	}
	start := time.Now()
	totalEvicted := 0
	rounds := 0

	for rounds < maxConsecutiveGC {
		n := c.Size()
		threshold := float64(c.max) * cleanHighRatio
		if float64(n) < threshold {
			break
		}

		k := int(float64(n) * evictFraction)
		if k <= 0 {
			break
		}
		evicted := c.evictOldest(k)
		totalEvicted += evicted
		rounds++

		if c.m != nil {
			c.m.RouteForTablesGCItems.Observe(float64(evicted))
		}
	}

	c.consecutiveGC = rounds
	if c.m != nil {
		c.m.ObserveGC(totalEvicted, time.Since(start))
	}
	if totalEvicted > 0 {
		c.logger.Debug().Int("evicted", totalEvicted).Int("rounds", rounds).Msg("route cache gc")
	}
	return totalEvicted
}

// evictOldest removes the k entries with the smallest lastHit, ties broken
// by map iteration order (arbitrary, per spec.md 4.2).
func (c *Cache) evictOldest(k int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if k >= len(c.routes) {
		evicted := len(c.routes)
		c.routes = make(map[string]*model.Route)
		return evicted
	}

	type entry struct {
		table   string
		lastHit int64
	}
	entries := make([]entry, 0, len(c.routes))
	for t, r := range c.routes {
		entries = append(entries, entry{table: t, lastHit: r.LastHit()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].lastHit < entries[j].lastHit })

	for i := 0; i < k && i < len(entries); i++ {
		delete(c.routes, entries[i].table)
	}
	return k
}
