// Package tileengine is the hot path: it takes a validated tile request and
// walks it through LocalCache, BlobStore, MosaicCache and the upstream
// imagery backend, coalescing duplicate in-flight fetches for the same tile
// and populating every cache tier it missed on the way.
package tileengine

import (
	"context"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/lapig-ufg/tiles/internal/apierr"
	"github.com/lapig-ufg/tiles/internal/blobstore"
	"github.com/lapig-ufg/tiles/internal/keyspace"
	"github.com/lapig-ufg/tiles/internal/limiter"
	"github.com/lapig-ufg/tiles/internal/localcache"
	"github.com/lapig-ufg/tiles/internal/model"
	"github.com/lapig-ufg/tiles/internal/mosaiccache"
	"github.com/lapig-ufg/tiles/internal/observability"
	"github.com/lapig-ufg/tiles/internal/visparam"
)

// TileFetcher is the upstream tile-byte source. internal/upstream.Client
// satisfies this.
type TileFetcher interface {
	FetchTile(ctx context.Context, urlTemplate string, z, x, y int) ([]byte, error)
}

// yearFloor is the earliest year each layer's upstream can serve a mosaic
// for; requests below this bound are NotFound, per spec's "year outside
// layer range" rule.
var yearFloor = map[model.Layer]int{
	model.LayerS2Harmonized: 2017,
	model.LayerLandsat:      1985,
}

// YearFloor reports the earliest year layer can be warmed/served for, for
// ControlPlane's default-warming-parameters computation.
func YearFloor(layer model.Layer) (int, bool) {
	floor, ok := yearFloor[layer]
	return floor, ok
}

// KnownLayers lists every layer this core knows how to serve, in a stable
// order, for ControlPlane's coarse cache-clear enumeration and the
// capabilities endpoint.
func KnownLayers() []model.Layer {
	return []model.Layer{model.LayerS2Harmonized, model.LayerLandsat}
}

const (
	minZoom = 6
	maxZoom = 18

	fetchMaxAttempts  = 2
	fetchBackoffFirst = 100 * time.Millisecond
)

// Config controls timing and cache sizing that isn't already owned by one
// of the composed components.
type Config struct {
	BlobPutTimeout time.Duration

	// RequestDeadline bounds every tile request end to end: Handler derives
	// the inbound request's context from it, and the shared singleflight
	// fetch is rebounded by it after being detached from whichever caller
	// happened to win the race.
	RequestDeadline time.Duration

	// BlobTTL is the object lifetime advertised via Cache-Control; it does
	// not expire anything itself (BlobStore has no TTL of its own), it only
	// tells clients/CDNs how long the PNG at a given path is good for.
	BlobTTL time.Duration
}

// Result is one served tile.
type Result struct {
	Body        []byte
	CacheStatus string // LOCAL | HIT | MISS
	ETag        string
}

// Engine composes every cache tier and the upstream client into the request
// pipeline described by spec §4.9: admit -> validate & key -> LocalCache ->
// BlobStore -> MosaicCache -> upstream fetch (single-flighted per TileKey).
type Engine struct {
	local    *localcache.Cache
	blobs    blobstore.Store
	mosaics  *mosaiccache.Cache
	visreg   *visparam.Registry
	edge     *limiter.Edge
	upstream *limiter.Upstream
	fetcher  TileFetcher
	cfg      Config
	logger   zerolog.Logger

	sf  singleflight.Group
	hot Hotness
}

// Hotness records tile popularity for JobEngine's warm-popular job. It is
// optional: SetHotness is a no-op sink until wired. Inc takes the structured
// TileKey (not its opaque hashed string form) so a popularity tracker can
// later reconstruct a fetchable TileRequest from it.
type Hotness interface {
	Inc(tk model.TileKey)
}

// SetHotness wires a popularity recorder into the hot path. Every Fetch call
// (LOCAL, HIT, or MISS) increments the requested tile's score.
func (e *Engine) SetHotness(h Hotness) { e.hot = h }

// New builds an Engine. local and blobs may independently degrade (local
// may be nil to disable the L0 tier; blobs errors degrade to upstream-only
// per spec §7). logger is used only for the async write-back failure path;
// its zero value discards output.
func New(local *localcache.Cache, blobs blobstore.Store, mosaics *mosaiccache.Cache, visreg *visparam.Registry, edge *limiter.Edge, upstream *limiter.Upstream, fetcher TileFetcher, logger zerolog.Logger, cfg Config) *Engine {
	if cfg.BlobPutTimeout <= 0 {
		cfg.BlobPutTimeout = 10 * time.Second
	}
	if cfg.RequestDeadline <= 0 {
		cfg.RequestDeadline = 30 * time.Second
	}
	if cfg.BlobTTL <= 0 {
		cfg.BlobTTL = 30 * 24 * time.Hour
	}
	return &Engine{
		local:    local,
		blobs:    blobs,
		mosaics:  mosaics,
		visreg:   visreg,
		edge:     edge,
		upstream: upstream,
		fetcher:  fetcher,
		logger:   logger,
		cfg:      cfg,
	}
}

// Canonicalize validates req and derives its TileKey, per spec §4.1/§4.9
// step 2. BadRequest covers malformed shape (range, enum, month-iff-MONTH);
// NotFound covers values that are well-formed but reference something the
// core doesn't serve (unknown layer, out-of-range year, unknown/incompatible
// visparam).
func (e *Engine) Canonicalize(req model.TileRequest) (model.TileKey, error) {
	floor, knownLayer := yearFloor[req.Layer]
	if !knownLayer {
		return model.TileKey{}, apierr.New(apierr.NotFound, "unknown layer")
	}

	if req.Z < minZoom || req.Z > maxZoom {
		return model.TileKey{}, apierr.New(apierr.BadRequest, "zoom out of range")
	}
	span := int64(1) << uint(req.Z)
	if req.X < 0 || int64(req.X) >= span || req.Y < 0 || int64(req.Y) >= span {
		return model.TileKey{}, apierr.New(apierr.BadRequest, "tile coordinate out of range for zoom")
	}

	switch req.Period {
	case model.PeriodWet, model.PeriodDry:
		if req.Month != 0 {
			return model.TileKey{}, apierr.New(apierr.BadRequest, "month must not be set unless period is MONTH")
		}
	case model.PeriodMonth:
		if req.Month < 1 || req.Month > 12 {
			return model.TileKey{}, apierr.New(apierr.BadRequest, "month must be in 1..12 when period is MONTH")
		}
	default:
		return model.TileKey{}, apierr.New(apierr.BadRequest, "invalid period")
	}

	if req.Year < floor {
		return model.TileKey{}, apierr.New(apierr.NotFound, "year outside layer's supported range")
	}

	if e.visreg != nil {
		if _, err := e.visreg.Lookup(req.VisParam, req.Layer); err != nil {
			return model.TileKey{}, err
		}
	}

	return model.TileKey{
		Mosaic: model.MosaicKey{
			Layer:    req.Layer,
			Period:   req.Period,
			Year:     req.Year,
			Month:    req.Month,
			VisParam: req.VisParam,
		},
		Z: req.Z, X: req.X, Y: req.Y,
	}, nil
}

// Fetch runs the full pipeline for one tile request on behalf of clientID.
func (e *Engine) Fetch(ctx context.Context, clientID string, req model.TileRequest) (*Result, error) {
	if e.edge != nil {
		if allowed, retryAfter := e.edge.Allow(ctx, clientID); !allowed {
			throttled := apierr.New(apierr.Throttled, "edge rate limit exceeded")
			throttled.RetryAfter = retryAfter
			return nil, throttled
		}
	}

	tileKey, err := e.Canonicalize(req)
	if err != nil {
		return nil, err
	}
	tileKeyStr := keyspace.TileKeyString(tileKey)
	etag := etagFor(tileKeyStr)
	if e.hot != nil {
		e.hot.Inc(tileKey)
	}

	if e.local != nil {
		if data, ok := e.local.Get(tileKeyStr); ok {
			observability.IncTileCacheHit()
			return &Result{Body: data, CacheStatus: "LOCAL", ETag: etag}, nil
		}
	}

	blobPath := keyspace.BlobPath(tileKey)
	blobDegraded := false
	if e.blobs != nil {
		data, ok, err := e.blobs.Get(ctx, blobPath)
		if err != nil {
			blobDegraded = true
		} else if ok {
			if e.local != nil {
				e.local.Put(tileKeyStr, data)
			}
			observability.IncTileCacheHit()
			return &Result{Body: data, CacheStatus: "HIT", ETag: etag}, nil
		}
	}

	urlTemplate, err := e.mosaics.Resolve(ctx, tileKey.Mosaic)
	if err != nil {
		return nil, err
	}

	// The singleflight closure runs on whichever caller's goroutine happened
	// to win the race, so it must not inherit that caller's own ctx: if that
	// specific request disconnects, every other waiter coalesced onto the
	// same fetch would otherwise be cancelled with it. Detach from the
	// winner's cancellation and rebind to the engine's own deadline instead,
	// so the fetch still has a bound but it's not tied to any one waiter.
	v, err, shared := e.sf.Do(tileKeyStr, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.RequestDeadline)
		defer cancel()
		return e.fetchAndStore(fetchCtx, tileKey, tileKeyStr, blobPath, urlTemplate, blobDegraded)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		observability.IncTileCacheCoalesced()
	} else {
		observability.IncTileCacheMiss()
	}
	return &Result{Body: v.([]byte), CacheStatus: "MISS", ETag: etag}, nil
}

func (e *Engine) fetchAndStore(ctx context.Context, tileKey model.TileKey, tileKeyStr, blobPath, urlTemplate string, blobDegraded bool) ([]byte, error) {
	var data []byte
	var fetchErr error

	for attempt := 1; attempt <= fetchMaxAttempts; attempt++ {
		result, err := e.upstream.Do(ctx, func(ctx context.Context) (any, error) {
			return e.fetcher.FetchTile(ctx, urlTemplate, tileKey.Z, tileKey.X, tileKey.Y)
		})
		if err == nil {
			data = result.([]byte)
			fetchErr = nil
			break
		}
		fetchErr = err
		if apierr.KindOf(err) != apierr.UpstreamTransient || attempt == fetchMaxAttempts {
			break
		}
		select {
		case <-time.After(fetchBackoffFirst):
		case <-ctx.Done():
			return nil, apierr.Wrap(apierr.Timeout, "tile fetch cancelled during retry backoff", ctx.Err())
		}
	}
	if fetchErr != nil {
		return nil, fetchErr
	}

	if e.local != nil {
		e.local.Put(tileKeyStr, data)
	}
	if e.blobs != nil && !blobDegraded {
		go e.writeBackAsync(blobPath, data)
	} else if blobDegraded {
		observability.IncRateLimitRejection("blobstore_degraded")
	}
	return data, nil
}

func (e *Engine) writeBackAsync(blobPath string, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.BlobPutTimeout)
	defer cancel()
	if err := e.blobs.Put(ctx, blobPath, data, "image/png"); err != nil {
		e.logger.Warn().Err(err).Str("blob_path", blobPath).Msg("blobstore write-back failed")
	}
}

// Invalidate removes one tile from LocalCache and deletes its BlobStore
// object. It does not touch MetaStore.
func (e *Engine) Invalidate(ctx context.Context, tileKey model.TileKey) error {
	tileKeyStr := keyspace.TileKeyString(tileKey)
	if e.local != nil {
		e.local.Remove(tileKeyStr)
	}
	return e.blobs.Delete(ctx, keyspace.BlobPath(tileKey))
}

func etagFor(tileKeyStr string) string {
	return "\"" + hex16(xxhash.Sum64String(tileKeyStr)) + "\""
}

func hex16(v uint64) string {
	const hexdigits = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = hexdigits[v&0xf]
		v >>= 4
	}
	return string(buf)
}
