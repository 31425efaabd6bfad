// Package backend provides the gateway's view of registered upstream
// services: the backend model with its health state, and the TTL-bounded
// cache refreshed from the registry.
package backend

import (
	"strings"
	"sync/atomic"
	"time"
)

// UnhealthyThreshold is the number of consecutive failed probes after which
// a backend is considered unhealthy.
const UnhealthyThreshold = 3

// Backend represents one registered upstream service.
//
// Identity fields are immutable after construction. Health state is mutable
// and carried over across cache refreshes, so concurrent probes and readers
// go through atomics.
type Backend struct {
	Name           string
	URL            string
	Prefix         string
	EncryptedToken string

	// Token is the decrypted credential presented to the upstream. It is
	// decrypted once per cache load and held only in memory.
	Token string

	consecutiveFailures atomic.Int32
	lastCheck           atomic.Int64
}

// Healthy reports whether the backend is below the consecutive-failure
// threshold.
func (b *Backend) Healthy() bool {
	return b.consecutiveFailures.Load() < UnhealthyThreshold
}

// ConsecutiveFailures returns the current consecutive probe failure count.
func (b *Backend) ConsecutiveFailures() int {
	return int(b.consecutiveFailures.Load())
}

// RecordSuccess resets the failure counter after a successful probe.
func (b *Backend) RecordSuccess() {
	b.consecutiveFailures.Store(0)
	b.lastCheck.Store(time.Now().UnixNano())
}

// RecordFailure increments the failure counter after a failed probe.
func (b *Backend) RecordFailure() {
	b.consecutiveFailures.Add(1)
	b.lastCheck.Store(time.Now().UnixNano())
}

// LastCheck returns the time of the last health probe, or the zero time if
// the backend has never been probed.
func (b *Backend) LastCheck() time.Time {
	nanos := b.lastCheck.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// restoreHealth carries health state over from a previous incarnation of the
// same backend, so a cache reload does not reset probe history.
func (b *Backend) restoreHealth(prev *Backend) {
	b.consecutiveFailures.Store(prev.consecutiveFailures.Load())
	b.lastCheck.Store(prev.lastCheck.Load())
}

// NormalizePrefix normalizes a routing prefix: leading "/" is ensured and a
// single trailing "/" is stripped unless the prefix is exactly the root.
// The function is idempotent.
func NormalizePrefix(prefix string) string {
	normalized := strings.TrimSpace(prefix)
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if len(normalized) > 1 && strings.HasSuffix(normalized, "/") {
		normalized = normalized[:len(normalized)-1]
	}
	return normalized
}
