// Package mosaiccache implements the MosaicCache state machine:
// absent -> BUILDING -> {READY, FAILED} -> absent (via TTL expiry or
// cool-down). Coalescing happens at two independent layers: in-process via
// golang.org/x/sync/singleflight, and cross-process via a Redis SETNX
// election; everyone who loses it polls MetaStore at a fixed PollInterval
// until a terminal state or BuildTimeout. The interval does not grow
// between polls.
package mosaiccache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lapig-ufg/tiles/internal/apierr"
	"github.com/lapig-ufg/tiles/internal/keyspace"
	"github.com/lapig-ufg/tiles/internal/metastore"
	"github.com/lapig-ufg/tiles/internal/model"
	"github.com/lapig-ufg/tiles/internal/observability"
)

// Resolver builds a mosaic's URL template against the upstream imagery
// backend. internal/upstream.Client satisfies this.
type Resolver interface {
	ResolveMosaic(ctx context.Context, mk model.MosaicKey) (string, error)
}

// Config controls the cache's lifecycle timing.
type Config struct {
	BuildTimeout time.Duration
	TTLDefault   time.Duration
	TTLOverrides map[model.Layer]time.Duration
	Cooldown     time.Duration
	ElectionTTL  time.Duration
	PollInterval time.Duration
}

// Cache is the MosaicCache.
type Cache struct {
	meta     metastore.Store
	resolver Resolver
	cfg      Config
	sf       singleflight.Group
}

// New builds a Cache.
func New(meta metastore.Store, resolver Resolver, cfg Config) *Cache {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.ElectionTTL <= 0 {
		cfg.ElectionTTL = 60 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Cache{meta: meta, resolver: resolver, cfg: cfg}
}

func (c *Cache) ttlFor(layer model.Layer) time.Duration {
	if d, ok := c.cfg.TTLOverrides[layer]; ok {
		return d
	}
	return c.cfg.TTLDefault
}

// Resolve returns the URL template for mk, building it upstream if absent or
// expired, and coalescing concurrent callers onto a single build.
func (c *Cache) Resolve(ctx context.Context, mk model.MosaicKey) (string, error) {
	key := keyspace.MosaicKeyString(mk)

	v, err, _ := c.sf.Do(key, func() (interface{}, error) {
		return c.resolveOnce(ctx, mk, key)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Cache) resolveOnce(ctx context.Context, mk model.MosaicKey, key string) (string, error) {
	lockKey := "lock:" + key

	handle, found, err := c.getHandle(ctx, key)
	if err != nil {
		// MetaStore unreachable: degrade open. Build directly against
		// upstream without any coalescing or caching rather than fail
		// the request.
		return c.buildDirect(ctx, mk)
	}

	now := time.Now()
	if found {
		switch handle.State {
		case model.HandleReady:
			if !handle.Expired(now) {
				return handle.URLTemplate, nil
			}
		case model.HandleFailed:
			if !handle.Expired(now) {
				return "", apierr.New(apierr.UpstreamPermanent, handle.Error)
			}
		case model.HandleBuilding:
			return c.pollUntilDone(ctx, mk, key)
		}
	}

	won, err := c.meta.SetNX(ctx, lockKey, []byte("1"), c.cfg.ElectionTTL)
	if err != nil {
		return c.buildDirect(ctx, mk)
	}
	if !won {
		return c.pollUntilDone(ctx, mk, key)
	}
	defer func() { _ = c.meta.Del(context.WithoutCancel(ctx), lockKey) }()

	return c.build(ctx, mk, key)
}

func (c *Cache) build(ctx context.Context, mk model.MosaicKey, key string) (string, error) {
	_ = c.putHandle(ctx, key, model.MosaicHandle{
		State:      model.HandleBuilding,
		AcquiredAt: time.Now(),
		TTL:        c.cfg.BuildTimeout,
	})

	buildCtx, cancel := context.WithTimeout(ctx, c.cfg.BuildTimeout)
	defer cancel()

	urlTemplate, err := c.resolver.ResolveMosaic(buildCtx, mk)
	if err != nil {
		observability.IncMosaicBuild(string(mk.Layer), "failed")
		_ = c.putHandle(ctx, key, model.MosaicHandle{
			State:      model.HandleFailed,
			AcquiredAt: time.Now(),
			TTL:        c.cfg.Cooldown,
			Error:      err.Error(),
		})
		return "", err
	}

	observability.IncMosaicBuild(string(mk.Layer), "ready")
	_ = c.putHandle(ctx, key, model.MosaicHandle{
		URLTemplate: urlTemplate,
		State:       model.HandleReady,
		AcquiredAt:  time.Now(),
		TTL:         c.ttlFor(mk.Layer),
	})
	return urlTemplate, nil
}

func (c *Cache) buildDirect(ctx context.Context, mk model.MosaicKey) (string, error) {
	buildCtx, cancel := context.WithTimeout(ctx, c.cfg.BuildTimeout)
	defer cancel()
	return c.resolver.ResolveMosaic(buildCtx, mk)
}

// pollUntilDone is the cross-process coalescing path: a caller who lost the
// SETNX election, or who found the handle already BUILDING, polls MetaStore
// until the winner publishes a terminal state or the build timeout elapses.
func (c *Cache) pollUntilDone(ctx context.Context, mk model.MosaicKey, key string) (string, error) {
	observability.IncCoalescedWaiter(string(mk.Layer), "cluster")

	deadline := time.Now().Add(c.cfg.BuildTimeout)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", apierr.Wrap(apierr.Timeout, "mosaic build wait cancelled", ctx.Err())
		case <-ticker.C:
			handle, found, err := c.getHandle(ctx, key)
			if err != nil {
				return c.buildDirect(ctx, mk)
			}
			if found {
				switch handle.State {
				case model.HandleReady:
					return handle.URLTemplate, nil
				case model.HandleFailed:
					return "", apierr.New(apierr.UpstreamPermanent, handle.Error)
				}
			}
			if time.Now().After(deadline) {
				return "", apierr.New(apierr.Timeout, "timed out waiting for in-flight mosaic build")
			}
		}
	}
}

func (c *Cache) getHandle(ctx context.Context, key string) (model.MosaicHandle, bool, error) {
	raw, ok, err := c.meta.Get(ctx, key)
	if err != nil {
		var unavail *metastore.ErrUnavailable
		if errors.As(err, &unavail) {
			return model.MosaicHandle{}, false, err
		}
		return model.MosaicHandle{}, false, fmt.Errorf("mosaiccache: get handle: %w", err)
	}
	if !ok {
		return model.MosaicHandle{}, false, nil
	}
	var h model.MosaicHandle
	if err := json.Unmarshal(raw, &h); err != nil {
		return model.MosaicHandle{}, false, fmt.Errorf("mosaiccache: decode handle: %w", err)
	}
	return h, true, nil
}

func (c *Cache) putHandle(ctx context.Context, key string, h model.MosaicHandle) error {
	raw, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("mosaiccache: encode handle: %w", err)
	}
	return c.meta.Set(ctx, key, raw, h.TTL)
}

// Invalidate clears mk's handle, forcing the next Resolve to rebuild.
func (c *Cache) Invalidate(ctx context.Context, mk model.MosaicKey) error {
	return c.meta.Del(ctx, keyspace.MosaicKeyString(mk))
}
