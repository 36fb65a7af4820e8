// Command tileserver is the tile server's process entrypoint: it wires every
// component (MetaStore, BlobStore, LocalCache, VisParam registry, upstream
// client, MosaicCache, rate limiters, TileEngine, JobEngine, ControlPlane)
// and runs the public tile listener and the authenticated admin listener
// side by side, shutting both down on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lapig-ufg/tiles/internal/blobstore"
	"github.com/lapig-ufg/tiles/internal/config"
	"github.com/lapig-ufg/tiles/internal/controlplane"
	"github.com/lapig-ufg/tiles/internal/jobengine"
	"github.com/lapig-ufg/tiles/internal/limiter"
	"github.com/lapig-ufg/tiles/internal/localcache"
	"github.com/lapig-ufg/tiles/internal/logging"
	"github.com/lapig-ufg/tiles/internal/metastore"
	"github.com/lapig-ufg/tiles/internal/model"
	"github.com/lapig-ufg/tiles/internal/mosaiccache"
	"github.com/lapig-ufg/tiles/internal/observability"
	"github.com/lapig-ufg/tiles/internal/pointstore"
	"github.com/lapig-ufg/tiles/internal/tileengine"
	"github.com/lapig-ufg/tiles/internal/upstream"
	"github.com/lapig-ufg/tiles/internal/visparam"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.FromEnv()

	log := logging.Build(logging.Config{
		Level:     cfg.LogLevel,
		Console:   strings.ToLower(os.Getenv("LOG_CONSOLE")) == "true",
		SampleN:   envInt("LOG_SAMPLE_N", 0),
		Component: "tileserver",
	}, os.Stdout)

	observability.ExposeBuildInfo(version)
	log.Info().Str("addr", cfg.Addr).Str("version", version).Str("upstream", cfg.UpstreamURL).Msg("starting tileserver")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	meta, err := metastore.NewRedis(ctx, cfg.RedisAddr, metastore.WithPoolSize(cfg.RedisPoolSize))
	if err != nil {
		log.Error().Err(err).Msg("connect metastore")
		return 1
	}
	defer meta.Close()

	blobs, err := blobstore.NewMinio(cfg.BlobEndpoint, cfg.BlobAccessKey, cfg.BlobSecretKey, cfg.BlobBucket, cfg.BlobUseTLS)
	if err != nil {
		log.Error().Err(err).Msg("connect blobstore")
		return 1
	}
	defer blobs.Close()

	var local *localcache.Cache
	if cfg.LocalCacheEnabled {
		local, err = localcache.New(cfg.LocalCacheMaxEntries, cfg.LocalCacheMaxBytes)
		if err != nil {
			log.Error().Err(err).Msg("build localcache")
			return 1
		}
	}

	visreg, err := visparam.Load(cfg.VisParamSnapshotPath, log)
	if err != nil {
		log.Error().Err(err).Msg("load visparam catalogue")
		return 1
	}
	watcherStop := make(chan struct{})
	defer close(watcherStop)
	if cfg.VisParamReloadOnFsnotify {
		if err := visreg.StartWatcher(watcherStop); err != nil {
			log.Warn().Err(err).Msg("visparam fsnotify watcher unavailable, catalogue will not hot-reload")
		}
	}

	points, err := pointstore.Load(envOr("POINTSTORE_SNAPSHOT_PATH", "points.json"), log)
	if err != nil {
		log.Error().Err(err).Msg("load point registry")
		return 1
	}
	if err := points.StartWatcher(watcherStop); err != nil {
		log.Warn().Err(err).Msg("point registry fsnotify watcher unavailable, registry will not hot-reload")
	}

	fetcher := upstream.New(cfg.UpstreamURL, cfg.UpstreamTimeout)

	mosaics := mosaiccache.New(meta, fetcher, mosaiccache.Config{
		BuildTimeout: cfg.MosaicBuildTimeout,
		TTLDefault:   cfg.MosaicTTLDefault,
		TTLOverrides: layerTTLOverrides(cfg.MosaicTTLOverrides),
		Cooldown:     cfg.MosaicCooldown,
		ElectionTTL:  cfg.MosaicElectionTTL,
		PollInterval: cfg.MosaicPollInterval,
	})

	edge := limiter.NewEdge(meta, limiter.EdgeConfig{
		RatePerSecond:         cfg.EdgeRatePerSecond,
		Burst:                 cfg.EdgeBurst,
		FallbackRatePerSecond: cfg.EdgeFallbackRate,
		FallbackBurst:         cfg.EdgeFallbackBurst,
	})
	upstreamLimiter := limiter.NewUpstream("imagery-backend", limiter.UpstreamConfig{
		MaxInflight:         cfg.UpstreamMaxInflight,
		PaceDelay:           cfg.UpstreamPaceDelay,
		BreakerMaxRequests:  cfg.BreakerMaxRequests,
		BreakerInterval:     cfg.BreakerInterval,
		BreakerTimeout:      cfg.BreakerTimeout,
		BreakerTripRatio:    cfg.BreakerTripRatio,
		BreakerTripMinCalls: cfg.BreakerTripMinCalls,
	})

	tiles := tileengine.New(local, blobs, mosaics, visreg, edge, upstreamLimiter, fetcher, log, tileengine.Config{
		RequestDeadline: cfg.RequestDeadline,
		BlobTTL:         cfg.BlobTTL,
	})

	jobCfg := jobengine.Config{
		QueueSize:         queueSizeByPriority(cfg.JobQueueSize),
		WorkerCount:       sumWorkers(cfg.JobWorkerCount),
		PerJobConcurrency: cfg.UpstreamMaxInflight,
		MaxRetries:        cfg.JobMaxRetries,
	}

	var producer jobengine.Producer
	if cfg.InvalidationEnabled {
		p, err := jobengine.NewKafkaProducer(jobengine.BrokerConfig{
			Enabled:     true,
			Brokers:     strings.Split(cfg.InvalidationBrokers, ","),
			TopicPrefix: cfg.InvalidationTopic,
			GroupID:     cfg.InvalidationGroupID,
		})
		if err != nil {
			log.Error().Err(err).Msg("connect kafka producer")
			return 1
		}
		defer p.Close()
		producer = p
	}

	jobs := jobengine.New(jobCfg, meta, blobs, local, tiles, points, producer, log)
	tiles.SetHotness(jobs.Hotness())

	jobsCtx, cancelJobs := context.WithCancel(ctx)
	defer cancelJobs()
	go jobs.Run(jobsCtx)

	authn, err := controlplane.NewEnvAuthenticator(cfg.AdminUsername, cfg.AdminPassword)
	if err != nil {
		log.Error().Err(err).Msg("build admin authenticator")
		return 1
	}
	cp := controlplane.New(jobs, points, points, blobs, meta, local, visreg, controlplane.Defaults{
		Layers: tileengine.KnownLayers(),
	})

	publicRouter := chi.NewRouter()
	publicRouter.Get("/api/layers/{layer}/{x}/{y}/{z}", tileengine.Handler(tiles))
	publicRouter.Get("/api/capabilities", tileengine.CapabilitiesHandler(tiles))
	publicRouter.Get("/healthz", healthzHandler(meta))
	publicRouter.Handle("/metrics", promhttp.Handler())

	publicSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           publicRouter,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("public http listen")
		if err := publicSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	adminAddr := envOr("ADMIN_ADDR", ":8091")
	go func() {
		if err := controlplane.Run(ctx, controlplane.Config{
			Addr:                    adminAddr,
			AdminRateLimitPerMinute: cfg.AdminRateLimitPerMinute,
			RequiredRole:            cfg.AdminRequiredRole,
		}, authn, cp, log); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.Error().Err(err).Msg("server exited with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := publicSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("public server shutdown")
	}
	points.Stop()
	visreg.Stop()

	log.Info().Msg("tileserver stopped")
	return 0
}

func healthzHandler(meta metastore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := meta.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metastore unreachable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

func layerTTLOverrides(byName map[string]time.Duration) map[model.Layer]time.Duration {
	out := make(map[model.Layer]time.Duration, len(byName))
	for name, ttl := range byName {
		out[model.Layer(name)] = ttl
	}
	return out
}

func queueSizeByPriority(byName map[string]int) map[jobengine.Priority]int {
	out := make(map[jobengine.Priority]int, len(byName))
	for name, size := range byName {
		p, err := jobengine.ParsePriority(name)
		if err != nil {
			continue
		}
		out[p] = size
	}
	return out
}

func sumWorkers(byName map[string]int) int {
	total := 0
	for _, n := range byName {
		total += n
	}
	return total
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
