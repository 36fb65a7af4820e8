// Package observability exposes the prometheus metrics emitted across the
// tile server's request path, mosaic lifecycle, and rate limiter.
package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tiles_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tiles_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	upstreamLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tiles_upstream_latency_seconds",
			Help:    "Latency of upstream imagery-backend calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"layer"},
	)

	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tiles_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)

	tileCacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tiles_tile_cache_results_total",
			Help: "Tile cache lookups by outcome (hit, miss, coalesced, stale).",
		},
		[]string{"outcome"},
	)

	mosaicBuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tiles_mosaic_builds_total",
			Help: "Mosaic builds by terminal outcome (ready, failed).",
		},
		[]string{"layer", "outcome"},
	)

	coalescedWaitersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tiles_coalesced_waiters_total",
			Help: "Requests that coalesced onto an in-flight build or fetch.",
		},
		[]string{"layer", "scope"}, // scope: process|cluster
	)

	circuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tiles_circuit_breaker_state",
			Help: "Upstream circuit breaker state (0=closed, 1=half-open, 2=open).",
		},
		[]string{"breaker"},
	)

	rateLimitRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tiles_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter, by tier.",
		},
		[]string{"tier"}, // edge|edge_degraded|upstream_breaker|blobstore_degraded
	)

	jobQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tiles_job_queue_depth",
			Help: "Pending jobs per priority queue.",
		},
		[]string{"priority"},
	)
)

// ObserveHTTP records one completed HTTP request.
func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

// ObserveUpstreamLatency records one completed upstream fetch.
func ObserveUpstreamLatency(layer string, durationSeconds float64) {
	upstreamLatencySeconds.WithLabelValues(layer).Observe(durationSeconds)
}

// IncTileCacheHit, IncTileCacheMiss, IncTileCacheCoalesced, IncTileCacheStale
// record the outcome of one tile lookup.
func IncTileCacheHit()       { tileCacheResults.WithLabelValues("hit").Inc() }
func IncTileCacheMiss()      { tileCacheResults.WithLabelValues("miss").Inc() }
func IncTileCacheCoalesced() { tileCacheResults.WithLabelValues("coalesced").Inc() }
func IncTileCacheStale()     { tileCacheResults.WithLabelValues("stale").Inc() }

// IncMosaicBuild records a mosaic build's terminal outcome.
func IncMosaicBuild(layer, outcome string) {
	mosaicBuildsTotal.WithLabelValues(layer, outcome).Inc()
}

// IncCoalescedWaiter records a request that coalesced onto an in-flight
// build or fetch, either in-process or cluster-wide.
func IncCoalescedWaiter(layer, scope string) {
	coalescedWaitersTotal.WithLabelValues(layer, scope).Inc()
}

// SetCircuitBreakerState records the upstream circuit breaker's current
// state: 0 closed, 1 half-open, 2 open.
func SetCircuitBreakerState(breaker string, state float64) {
	circuitBreakerState.WithLabelValues(breaker).Set(state)
}

// IncRateLimitRejection records a request rejected at the given tier.
func IncRateLimitRejection(tier string) {
	rateLimitRejectionsTotal.WithLabelValues(tier).Inc()
}

// SetJobQueueDepth reports the current pending depth of a priority queue.
func SetJobQueueDepth(priority string, depth float64) {
	jobQueueDepth.WithLabelValues(priority).Set(depth)
}

// ExposeBuildInfo publishes the running binary's version as a gauge.
func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}
