// Package limiter implements the two independent rate-limiting tiers: the
// edge limiter (per-client token bucket, backed by MetaStore, degrading to
// an in-process fallback on MetaStore outage) and the upstream limiter (a
// bounded semaphore, pacing delay, and circuit breaker around the imagery
// backend).
package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lapig-ufg/tiles/internal/metastore"
	"github.com/lapig-ufg/tiles/internal/observability"
)

// EdgeConfig controls the per-client request rate.
type EdgeConfig struct {
	RatePerSecond float64
	Burst         int

	// Fallback governs the in-process limiter used when MetaStore cannot
	// be reached; this deliberately clamps lower than RatePerSecond since
	// it has no cross-instance visibility into the client's recent usage.
	FallbackRatePerSecond float64
	FallbackBurst         int

	CleanupInterval time.Duration
}

// Edge is the per-client edge rate limiter.
type Edge struct {
	meta metastore.Store
	cfg  EdgeConfig

	mu          sync.Mutex
	fallback    map[string]*rate.Limiter
	lastCleanup time.Time
}

// NewEdge builds an Edge limiter backed by meta.
func NewEdge(meta metastore.Store, cfg EdgeConfig) *Edge {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	return &Edge{
		meta:        meta,
		cfg:         cfg,
		fallback:    make(map[string]*rate.Limiter),
		lastCleanup: time.Now(),
	}
}

// Allow reports whether clientID may proceed and, when it may not, how long
// the caller should wait before retrying. On MetaStore failure it degrades
// to an in-process per-client token bucket rather than denying every
// request (degrade-open), at the FallbackRatePerSecond/FallbackBurst which
// is intentionally more conservative.
//
// The bucket's capacity is RatePerSecond+Burst so a fresh client can spend a
// full second's steady-state allowance plus its burst headroom immediately,
// then refills at RatePerSecond tokens/sec.
func (e *Edge) Allow(ctx context.Context, clientID string) (bool, time.Duration) {
	bucketKey := fmt.Sprintf("ratelimit:edge:%s", clientID)
	capacity := int(e.cfg.RatePerSecond) + e.cfg.Burst

	allowed, _, resetAt, err := e.meta.IncrBucket(ctx, bucketKey, 1, capacity, e.cfg.RatePerSecond, time.Now())
	if err != nil {
		observability.IncRateLimitRejection("edge_degraded")
		if e.allowFallback(clientID) {
			return true, 0
		}
		return false, time.Second
	}
	if !allowed {
		observability.IncRateLimitRejection("edge")
		if wait := time.Until(resetAt); wait > 0 {
			return false, wait
		}
		return false, 0
	}
	return true, 0
}

func (e *Edge) allowFallback(clientID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	lim, ok := e.fallback[clientID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(e.cfg.FallbackRatePerSecond), e.cfg.FallbackBurst)
		e.fallback[clientID] = lim
	}
	e.maybeCleanupLocked()
	return lim.Allow()
}

func (e *Edge) maybeCleanupLocked() {
	if time.Since(e.lastCleanup) < e.cfg.CleanupInterval {
		return
	}
	e.fallback = make(map[string]*rate.Limiter)
	e.lastCleanup = time.Now()
}
