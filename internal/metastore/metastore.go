// Package metastore is the fast key-value tier: mosaic handles, tile
// pointers, election locks and rate-limit counters. The object bytes
// themselves live in blobstore; metastore only ever holds small values.
package metastore

import (
	"context"
	"time"
)

// Store is the MetaStore contract. Implementations must degrade open: a
// Store that is unreachable should let callers fall back to a local policy
// rather than fail the request outright (see internal/limiter and
// internal/mosaiccache for the degrade-open call sites).
type Store interface {
	// Get returns the value for key, and ok=false if the key is absent.
	Get(ctx context.Context, key string) (val []byte, ok bool, err error)

	// MGet returns the values found for the given keys, keyed by the
	// original key string. Keys not found are simply absent from the map.
	MGet(ctx context.Context, keys []string) (map[string][]byte, error)

	// Set writes key=val with the given TTL. TTL<=0 means no expiry.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error

	// SetNX writes key=val with the given TTL only if key does not already
	// exist, reporting whether this call won the race. This is the
	// cross-process single-flight election primitive: the first caller to
	// SetNX a build-lock key owns the build; everyone else polls.
	SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (won bool, err error)

	// Del removes the given keys. Deleting an absent key is not an error.
	Del(ctx context.Context, keys ...string) error

	// IncrBucket atomically evaluates a token bucket in one round trip: it
	// refills tokens for the time elapsed since the bucket's last touch (up
	// to capacity, at rate tokens/sec), then withdraws cost tokens if
	// enough are available. now is the caller's clock, so the refill stays
	// deterministic under test. resetAt is when cost tokens will next be
	// available, used to set Retry-After on a Throttled response.
	IncrBucket(ctx context.Context, key string, cost, capacity int, rate float64, now time.Time) (allowed bool, remaining int, resetAt time.Time, err error)

	// Ping reports whether the store is currently reachable.
	Ping(ctx context.Context) error

	Close() error
}

// ErrUnavailable is returned (wrapped) by implementations when the backing
// store cannot be reached at all, distinct from a normal miss.
type ErrUnavailable struct{ Cause error }

func (e *ErrUnavailable) Error() string { return "metastore unavailable: " + e.Cause.Error() }
func (e *ErrUnavailable) Unwrap() error { return e.Cause }
