// Package controlplane is the authenticated admin surface spec §4.11
// describes: cache introspection, coarse invalidation, and warming job
// dispatch. It never shares a listener with the public tile endpoint.
package controlplane

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Config controls the ControlPlane's own HTTP listener and admin rate limit.
type Config struct {
	Addr                    string
	AdminRateLimitPerMinute int

	// RequiredRole names the role the Basic Auth challenge advertises as the
	// realm. EnvAuthenticator only ever grants a single super-admin role, so
	// this doesn't gate anything beyond that boolean yet, but it keeps the
	// challenge honest about which role a caller needs and gives a future
	// multi-role Authenticator a config knob to read.
	RequiredRole string
}

// Run builds the chi router, wraps it in an http.Server, and blocks until ctx
// is cancelled, mirroring the teacher's server.Run shutdown shape.
func Run(ctx context.Context, cfg Config, authn Authenticator, cp *ControlPlane, logger zerolog.Logger) error {
	requiredRole := cfg.RequiredRole
	if requiredRole == "" {
		requiredRole = "super-admin"
	}

	r := chi.NewRouter()
	r.Use(recoverMiddleware(logger))
	r.Use(logging(logger))
	r.Use(cors())
	r.Use(basicAuth(authn, requiredRole))
	r.Use(adminRateLimit(cfg.AdminRateLimitPerMinute))

	r.Get("/cache/stats", cp.handleCacheStats)
	r.Delete("/cache/clear", cp.handleCacheClear)
	r.Post("/cache/warmup", cp.handleCacheWarmup)
	r.Post("/cache/point/start", cp.handleCachePointStart)
	r.Post("/cache/campaign/start", cp.handleCacheCampaignStart)
	r.Get("/cache/point/{id}/status", cp.handleRefStatus)
	r.Get("/cache/campaign/{id}/status", cp.handleRefStatus)
	r.Get("/tasks/{id}", cp.handleTaskStatus)
	r.Post("/tasks/purge", cp.handleTasksPurge)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("required_role", requiredRole).Msg("controlplane http listen")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
