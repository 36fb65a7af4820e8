// Package config loads the tile server's runtime configuration from the
// environment, following the same getenv/getint/getbool/getduration helper
// style the rest of this codebase's config loaders use.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full runtime configuration for the tile server.
type Config struct {
	Addr     string
	LogLevel string

	// Upstream imagery backend.
	UpstreamURL         string
	UpstreamTimeout     time.Duration
	UpstreamMaxInflight int
	UpstreamPaceDelay   time.Duration

	// MetaStore (Redis).
	RedisAddr     string
	RedisPoolSize int

	// BlobStore (S3-compatible object store).
	BlobEndpoint  string
	BlobBucket    string
	BlobAccessKey string
	BlobSecretKey string
	BlobUseTLS    bool

	// LocalCache (in-process LRU).
	LocalCacheEnabled    bool
	LocalCacheMaxEntries int
	LocalCacheMaxBytes   int64

	// MosaicCache lifecycle.
	MosaicBuildTimeout time.Duration
	MosaicTTLDefault   time.Duration
	MosaicTTLOverrides map[string]time.Duration
	MosaicCooldown     time.Duration
	MosaicElectionTTL  time.Duration
	MosaicPollInterval time.Duration

	// BlobStore object TTL, and the per-request deadline every tile request
	// carries end to end (HTTP handler boundary and singleflight detach).
	BlobTTL         time.Duration
	RequestDeadline time.Duration

	// Edge rate limiting.
	EdgeRatePerSecond float64
	EdgeBurst         int
	EdgeFallbackRate  float64
	EdgeFallbackBurst int

	// Upstream circuit breaker.
	BreakerMaxRequests  uint32
	BreakerInterval     time.Duration
	BreakerTimeout      time.Duration
	BreakerTripRatio    float64
	BreakerTripMinCalls uint32

	// VisParam catalogue.
	VisParamSnapshotPath     string
	VisParamReloadOnFsnotify bool

	// JobEngine.
	JobPoolSize         int
	JobQueueSize        map[string]int
	JobWorkerCount      map[string]int
	JobMaxRetries       int
	InvalidationTopic   string
	InvalidationBrokers string
	InvalidationGroupID string
	InvalidationEnabled bool

	// ControlPlane.
	AdminUsername           string
	AdminPassword           string
	AdminRateLimitPerMinute int
	AdminRequiredRole       string
}

// FromEnv builds a Config from the process environment, falling back to the
// defaults spec §6 enumerates for anything unset.
func FromEnv() Config {
	jobPool := getint("JOB_POOL_SIZE", 8)
	poolSplit := splitJobPool(jobPool)

	return Config{
		Addr:     fmt.Sprintf(":%d", getint("PORT", 8080)),
		LogLevel: getenv("LOG_LEVEL", "info"),

		UpstreamURL:         getenv("UPSTREAM_URL", "http://localhost:8080/imagery"),
		UpstreamTimeout:     getduration("UPSTREAM_TIMEOUT", 30*time.Second),
		UpstreamMaxInflight: getint("UPSTREAM_CONCURRENCY", 25),
		UpstreamPaceDelay:   time.Duration(getint("UPSTREAM_PACING_MS", 50)) * time.Millisecond,

		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPoolSize: getint("REDIS_POOL_SIZE", 32),

		BlobEndpoint:  getenv("BLOB_ENDPOINT", "localhost:9000"),
		BlobBucket:    getenv("BLOB_BUCKET", "tiles"),
		BlobAccessKey: getenv("BLOB_ACCESS_KEY", ""),
		BlobSecretKey: getenv("BLOB_SECRET_KEY", ""),
		BlobUseTLS:    getbool("BLOB_USE_TLS", false),

		LocalCacheEnabled:    getbool("LOCAL_CACHE_ENABLED", true),
		LocalCacheMaxEntries: getint("LOCAL_CACHE_MAX_ENTRIES", 4096),
		LocalCacheMaxBytes:   int64(getint("LOCAL_CACHE_BYTES", 512<<20)),

		MosaicBuildTimeout: getduration("MOSAIC_BUILD_TIMEOUT", 45*time.Second),
		MosaicTTLDefault:   time.Duration(getint("MOSAIC_TTL_HOURS", 24)) * time.Hour,
		MosaicTTLOverrides: parseDurationMap(getenv("MOSAIC_TTL_OVERRIDES", "")),
		MosaicCooldown:     getduration("MOSAIC_COOLDOWN", 30*time.Second),
		MosaicElectionTTL:  getduration("MOSAIC_ELECTION_TTL", 60*time.Second),
		MosaicPollInterval: getduration("MOSAIC_POLL_INTERVAL", 200*time.Millisecond),

		BlobTTL:         time.Duration(getint("TILE_BLOB_TTL_DAYS", 30)) * 24 * time.Hour,
		RequestDeadline: time.Duration(getint("REQUEST_DEADLINE_MS", 30000)) * time.Millisecond,

		EdgeRatePerSecond: getfloat("EDGE_RATE_PER_MINUTE", 100000) / 60.0,
		EdgeBurst:         getint("EDGE_BURST", 10000),
		EdgeFallbackRate:  getfloat("EDGE_FALLBACK_RATE", 5.0),
		EdgeFallbackBurst: getint("EDGE_FALLBACK_BURST", 10),

		BreakerMaxRequests:  uint32(getint("BREAKER_MAX_REQUESTS", 3)),
		BreakerInterval:     getduration("BREAKER_INTERVAL", time.Minute),
		BreakerTimeout:      getduration("BREAKER_TIMEOUT", 60*time.Second),
		BreakerTripRatio:    getfloat("BREAKER_TRIP_RATIO", 0.6),
		BreakerTripMinCalls: uint32(getint("BREAKER_TRIP_MIN_CALLS", 10)),

		VisParamSnapshotPath:     getenv("VISPARAM_SNAPSHOT_PATH", "visparams.json"),
		VisParamReloadOnFsnotify: getbool("VISPARAM_RELOAD_ON_FSNOTIFY", true),

		JobPoolSize: jobPool,
		JobQueueSize: map[string]int{
			"high":        getint("JOB_QUEUE_SIZE_HIGH", 256),
			"standard":    getint("JOB_QUEUE_SIZE_STANDARD", 512),
			"low":         getint("JOB_QUEUE_SIZE_LOW", 1024),
			"maintenance": getint("JOB_QUEUE_SIZE_MAINTENANCE", 256),
		},
		JobWorkerCount: map[string]int{
			"high":        getint("JOB_WORKERS_HIGH", poolSplit["high"]),
			"standard":    getint("JOB_WORKERS_STANDARD", poolSplit["standard"]),
			"low":         getint("JOB_WORKERS_LOW", poolSplit["low"]),
			"maintenance": getint("JOB_WORKERS_MAINTENANCE", poolSplit["maintenance"]),
		},
		JobMaxRetries:       getint("JOB_MAX_RETRIES", 3),
		InvalidationEnabled: getbool("INVALIDATION_ENABLED", false),
		InvalidationTopic:   getenv("KAFKA_TOPIC", "tile-invalidation"),
		InvalidationBrokers: getenv("KAFKA_BROKERS", "localhost:9092"),
		InvalidationGroupID: getenv("KAFKA_GROUP_ID", "tile-invalidator"),

		AdminUsername:           getenv("ADMIN_USERNAME", "admin"),
		AdminPassword:           getenv("ADMIN_PASSWORD", ""),
		AdminRateLimitPerMinute: getint("ADMIN_RATE_LIMIT_PER_MINUTE", 60),
		AdminRequiredRole:       getenv("ADMIN_REQUIRED_ROLE", "super-admin"),
	}
}

// splitJobPool distributes JOB_POOL_SIZE across the four job priorities,
// heaviest first, the way the default 8-worker pool was split before
// JOB_POOL_SIZE existed (4/2/1/1); JOB_WORKERS_<priority> still overrides any
// one priority's share individually.
func splitJobPool(pool int) map[string]int {
	if pool <= 0 {
		pool = 8
	}
	high := pool / 2
	if high < 1 {
		high = 1
	}
	standard := pool / 4
	low := pool / 8
	maintenance := pool - high - standard - low
	if maintenance < 1 {
		maintenance = 1
	}
	return map[string]int{"high": high, "standard": standard, "low": low, "maintenance": maintenance}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// parseDurationMap parses "key=5m,other=30s" style overrides, the way
// MOSAIC_TTL_OVERRIDES lets an operator extend individual layers' TTL.
func parseDurationMap(s string) map[string]time.Duration {
	out := map[string]time.Duration{}
	s = strings.TrimSpace(s)
	if s == "" {
		return out
	}
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		k := strings.TrimSpace(kv[0])
		v := strings.TrimSpace(kv[1])
		if k == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err == nil {
			out[k] = d
		}
	}
	return out
}
