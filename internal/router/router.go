// Package router resolves request paths to backends by longest-matching
// prefix with round-robin selection among the healthy set.
package router

import (
	"errors"
	"strings"
	"sync"

	"github.com/vyrodovalexey/avregw/internal/backend"
	"github.com/vyrodovalexey/avregw/internal/observability"
)

// Routing errors. Both surface as 404 at the HTTP edge, but are distinct for
// logging and diagnostics.
var (
	// ErrNoRoute indicates no registered prefix matches the path.
	ErrNoRoute = errors.New("no route configured for path")

	// ErrNoHealthyBackend indicates a prefix matched but every backend
	// under it is unhealthy.
	ErrNoHealthyBackend = errors.New("no healthy backend for route")
)

// Router selects a backend for a request path from the cache's current
// snapshot.
//
// Round-robin counters are keyed by matched prefix, not backend name, and
// are monotonic for the life of the process: a cache refresh does not reset
// them.
type Router struct {
	cache  *backend.Cache
	logger observability.Logger

	mu       sync.Mutex
	counters map[string]uint64
}

// RouterOption is a functional option for configuring the router.
type RouterOption func(*Router)

// WithRouterLogger sets the logger for the router.
func WithRouterLogger(logger observability.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// New creates a router over the given cache.
func New(cache *backend.Cache, opts ...RouterOption) *Router {
	r := &Router{
		cache:    cache,
		logger:   observability.NopLogger(),
		counters: make(map[string]uint64),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// FindBackend resolves a path to a backend.
//
// The most specific (longest) matching prefix wins. Registered prefixes are
// unique strings, so equal-length ties should not occur; if they do, the
// entry enumerated last wins.
func (r *Router) FindBackend(path string) (*backend.Backend, error) {
	snap := r.cache.Snapshot()

	var matched *backend.RouteEntry
	bestLen := -1

	for i := range snap.Entries {
		entry := &snap.Entries[i]
		if matchesPrefix(path, entry.Prefix) && len(entry.Prefix) >= bestLen {
			matched = entry
			bestLen = len(entry.Prefix)
		}
	}

	if matched == nil {
		return nil, ErrNoRoute
	}

	healthy := make([]*backend.Backend, 0, len(matched.Names))
	for _, name := range matched.Names {
		if b, ok := snap.Backends[name]; ok && b.Healthy() {
			healthy = append(healthy, b)
		}
	}

	if len(healthy) == 0 {
		r.logger.Warn("prefix matched but no backend is healthy",
			observability.String("prefix", matched.Prefix),
			observability.Int("backends", len(matched.Names)),
		)
		return nil, ErrNoHealthyBackend
	}

	return healthy[r.next(matched.Prefix)%uint64(len(healthy))], nil
}

// next returns the current round-robin counter for a prefix and increments
// it. Wrapping is handled by the caller's modulo.
func (r *Router) next(prefix string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	counter := r.counters[prefix]
	r.counters[prefix] = counter + 1
	return counter
}

// matchesPrefix reports whether a path falls under a normalized prefix.
// "/api" matches "/api" and "/api/..." but not "/apix".
func matchesPrefix(path, prefix string) bool {
	return path == prefix || prefix == "/" || strings.HasPrefix(path, prefix+"/")
}

// StripPrefix removes a backend's prefix from the front of a path to obtain
// the path forwarded upstream. An empty remainder becomes "/". A path that
// does not actually start with the prefix is returned unchanged; the
// matching logic should make that impossible, this is a defensive fallback.
func StripPrefix(path, prefix string) string {
	prefix = backend.NormalizePrefix(prefix)
	if prefix == "/" {
		return path
	}

	if !strings.HasPrefix(path, prefix) {
		return path
	}

	remaining := strings.TrimPrefix(path, prefix)
	if remaining == "" {
		return "/"
	}
	if !strings.HasPrefix(remaining, "/") {
		remaining = "/" + remaining
	}
	return remaining
}
