package backend

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vyrodovalexey/avregw/internal/observability"
	"github.com/vyrodovalexey/avregw/internal/registry"
	"github.com/vyrodovalexey/avregw/internal/secrets"
)

// DefaultCacheTTL is the default lifetime of a cache snapshot.
const DefaultCacheTTL = 30 * time.Second

// Lister fetches the backend collection from the registry.
type Lister interface {
	ListBackends(ctx context.Context) ([]registry.Record, error)
}

// RouteEntry maps a normalized prefix to the ordered backend names sharing
// it. Order is the registry response order.
type RouteEntry struct {
	Prefix string
	Names  []string
}

// Snapshot is one immutable view of the registered backends. It is replaced
// wholesale on refresh and never mutated, so readers can hold onto it
// without locking. Health state inside the individual Backends is atomic.
type Snapshot struct {
	Backends    map[string]*Backend
	Entries     []RouteEntry
	RefreshedAt time.Time
}

// emptySnapshot is served before the first successful refresh.
var emptySnapshot = &Snapshot{Backends: map[string]*Backend{}}

// Cache owns the in-memory set of known backends and the routing index.
//
// Lifecycle: Stale -> Refreshing -> Fresh -> (TTL elapses) -> Stale. At most
// one refresh is in flight at any time; concurrent callers during a refresh
// await the same result instead of starting their own fetch.
type Cache struct {
	lister Lister
	cipher *secrets.Cipher
	logger observability.Logger

	ttl         atomic.Int64
	snapshot    atomic.Pointer[Snapshot]
	lastRefresh atomic.Int64
	group       singleflight.Group
}

// CacheOption is a functional option for configuring the cache.
type CacheOption func(*Cache)

// WithCacheLogger sets the logger for the cache.
func WithCacheLogger(logger observability.Logger) CacheOption {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithCacheTTL sets the snapshot TTL.
func WithCacheTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		c.ttl.Store(int64(ttl))
	}
}

// NewCache creates a backend cache.
func NewCache(lister Lister, cipher *secrets.Cipher, opts ...CacheOption) *Cache {
	c := &Cache{
		lister: lister,
		cipher: cipher,
		logger: observability.NopLogger(),
	}
	c.ttl.Store(int64(DefaultCacheTTL))

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// SetTTL updates the snapshot TTL. Safe to call while serving.
func (c *Cache) SetTTL(ttl time.Duration) {
	c.ttl.Store(int64(ttl))
}

// Snapshot returns the current view. Never nil.
func (c *Cache) Snapshot() *Snapshot {
	if snap := c.snapshot.Load(); snap != nil {
		return snap
	}
	return emptySnapshot
}

// Len returns the number of known backends.
func (c *Cache) Len() int {
	return len(c.Snapshot().Backends)
}

// Age returns how long ago the cache was last refreshed successfully.
func (c *Cache) Age() time.Duration {
	last := c.lastRefresh.Load()
	if last == 0 {
		return 0
	}
	return time.Since(time.Unix(0, last))
}

// EnsureFresh refreshes the cache if its TTL has elapsed. Concurrent callers
// observing a stale cache are coalesced into a single registry fetch.
//
// A refresh failure is absorbed: the previous snapshot keeps serving and the
// failure is only logged. Stale-but-available beats unavailable.
func (c *Cache) EnsureFresh(ctx context.Context) {
	if c.fresh() {
		return
	}

	_, _, _ = c.group.Do("refresh", func() (any, error) {
		// A caller queued behind a completed refresh must not trigger
		// a second fetch.
		if c.fresh() {
			return nil, nil
		}
		if err := c.refresh(ctx); err != nil {
			c.logger.Warn("backend refresh failed, serving previous cache",
				observability.Error(err),
				observability.Int("backends", c.Len()),
			)
		}
		return nil, nil
	})
}

// Refresh forces a refresh regardless of TTL, still coalescing with any
// refresh already in flight. Used by the manual reload endpoint.
func (c *Cache) Refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("refresh", func() (any, error) {
		return nil, c.refresh(ctx)
	})
	return err
}

// fresh reports whether the snapshot is inside its TTL window.
func (c *Cache) fresh() bool {
	last := c.lastRefresh.Load()
	if last == 0 {
		return false
	}
	return time.Since(time.Unix(0, last)) < time.Duration(c.ttl.Load())
}

// refresh fetches the backend collection and atomically swaps in a new
// snapshot. The old snapshot stays untouched on any error.
func (c *Cache) refresh(ctx context.Context) error {
	start := time.Now()

	records, err := c.lister.ListBackends(ctx)
	if err != nil {
		GetCacheMetrics().refreshesTotal.WithLabelValues("error").Inc()
		return err
	}

	prev := c.Snapshot()

	backends := make(map[string]*Backend, len(records))
	entries := make([]RouteEntry, 0, len(records))
	entryIndex := make(map[string]int, len(records))

	for _, record := range records {
		if record.Data.URL == "" || record.Data.Token == "" || record.Data.Prefix == "" {
			c.logger.Warn("skipping incomplete backend record",
				observability.String("key", record.Key),
			)
			continue
		}

		name := record.Key
		if name == "" {
			name = record.Data.Name
		}

		b := &Backend{
			Name:           name,
			URL:            record.Data.URL,
			Prefix:         NormalizePrefix(record.Data.Prefix),
			EncryptedToken: record.Data.Token,
			Token:          c.cipher.Decrypt(record.Data.Token),
		}
		if old, ok := prev.Backends[name]; ok {
			b.restoreHealth(old)
		}

		backends[name] = b

		idx, ok := entryIndex[b.Prefix]
		if !ok {
			idx = len(entries)
			entryIndex[b.Prefix] = idx
			entries = append(entries, RouteEntry{Prefix: b.Prefix})
		}
		entries[idx].Names = append(entries[idx].Names, name)
	}

	c.snapshot.Store(&Snapshot{
		Backends:    backends,
		Entries:     entries,
		RefreshedAt: time.Now(),
	})
	c.lastRefresh.Store(time.Now().UnixNano())

	GetCacheMetrics().refreshesTotal.WithLabelValues("success").Inc()
	GetCacheMetrics().refreshDuration.Observe(time.Since(start).Seconds())
	GetCacheMetrics().backendsKnown.Set(float64(len(backends)))

	c.logger.Info("backend cache refreshed",
		observability.Int("backends", len(backends)),
		observability.Int("prefixes", len(entries)),
		observability.Duration("took", time.Since(start)),
	)

	return nil
}
