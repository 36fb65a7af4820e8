package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lapig-ufg/tiles/internal/apierr"
	"github.com/lapig-ufg/tiles/internal/blobstore"
	"github.com/lapig-ufg/tiles/internal/jobengine"
	"github.com/lapig-ufg/tiles/internal/localcache"
	"github.com/lapig-ufg/tiles/internal/metastore"
	"github.com/lapig-ufg/tiles/internal/model"
	"github.com/lapig-ufg/tiles/internal/tileengine"
	"github.com/lapig-ufg/tiles/internal/visparam"
)

// PointStore resolves a registered warm-point's ID to its coordinates. Owned
// externally, the same way jobengine.CampaignStore owns a campaign's points.
type PointStore interface {
	Point(ctx context.Context, id string) (model.Point, error)
}

// Defaults fills in the warming parameters spec's minimal request bodies
// (`{point_id}`, `{layer, region?, max_tiles, batch_size}`) leave implicit.
type Defaults struct {
	Zooms     []int
	Period    model.Period
	Layers    []model.Layer
	YearsBack int
}

func (d Defaults) zooms() []int {
	if len(d.Zooms) > 0 {
		return d.Zooms
	}
	return []int{12, 13, 14}
}

func (d Defaults) period() model.Period {
	if d.Period != "" {
		return d.Period
	}
	return model.PeriodWet
}

func (d Defaults) layers() []model.Layer {
	if len(d.Layers) > 0 {
		return d.Layers
	}
	return tileengine.KnownLayers()
}

func (d Defaults) years() []int {
	back := d.YearsBack
	if back <= 0 {
		back = 3
	}
	now := time.Now().Year()
	years := make([]int, 0, back)
	for y := now - back + 1; y <= now; y++ {
		years = append(years, y)
	}
	return years
}

// ControlPlane is the authenticated admin surface: cache introspection,
// coarse invalidation, and warming job dispatch, all delegating the actual
// work to jobengine.Engine and the cache tiers it shares with the tile hot
// path.
type ControlPlane struct {
	engine    *jobengine.Engine
	points    PointStore
	campaigns jobengine.CampaignStore
	blobs     blobstore.Store
	meta      metastore.Store
	local     *localcache.Cache
	visreg    *visparam.Registry
	defaults  Defaults

	mu       sync.Mutex
	jobByRef map[string]string // point_id/campaign_id -> most recent job ID
}

// New builds a ControlPlane. points and campaigns may be nil: without them,
// the point/campaign-start endpoints fail with apierr.Internal, same as
// jobengine.Engine itself does for warm-campaign without a CampaignStore.
func New(engine *jobengine.Engine, points PointStore, campaigns jobengine.CampaignStore, blobs blobstore.Store, meta metastore.Store, local *localcache.Cache, visreg *visparam.Registry, defaults Defaults) *ControlPlane {
	return &ControlPlane{
		engine: engine, points: points, campaigns: campaigns,
		blobs: blobs, meta: meta, local: local, visreg: visreg,
		defaults: defaults, jobByRef: map[string]string{},
	}
}

func (cp *ControlPlane) rememberJob(ref, jobID string) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.jobByRef[ref] = jobID
}

func (cp *ControlPlane) jobFor(ref string) (string, bool) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	id, ok := cp.jobByRef[ref]
	return id, ok
}

// cacheStatsResponse is GET /cache/stats's body: a snapshot of every cache
// tier and the job queues, not a single authoritative source (LocalCache and
// the job queues are per-process; MetaStore/BlobStore are fleet-wide).
type cacheStatsResponse struct {
	LocalCacheEntries int64          `json:"local_cache_entries"`
	LocalCacheBytes   int64          `json:"local_cache_bytes"`
	MetaStoreUp       bool           `json:"metastore_up"`
	VisParamVersion   uint64         `json:"visparam_version"`
	QueueDepths       map[string]int `json:"queue_depths"`
}

func (cp *ControlPlane) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	resp := cacheStatsResponse{QueueDepths: map[string]int{}}
	if cp.local != nil {
		resp.LocalCacheEntries = int64(cp.local.Len())
		resp.LocalCacheBytes = cp.local.Bytes()
	}
	if cp.meta != nil {
		resp.MetaStoreUp = cp.meta.Ping(r.Context()) == nil
	}
	if cp.visreg != nil {
		resp.VisParamVersion = cp.visreg.Version()
	}
	if cp.engine != nil {
		for p, depth := range cp.engine.QueueDepths() {
			resp.QueueDepths[string(p)] = depth
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCacheClear implements the coarse `DELETE /cache/clear?layer=&year=&confirm=true`:
// since MetaStore has no prefix-scan, every active visparam for layer is
// crossed with every period slot (WET, DRY, MONTH x 1..12) to enumerate the
// mosaics that could exist for (layer, year), and jobengine.InvalidateMosaic
// runs once per resulting key.
func (cp *ControlPlane) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	layer := model.Layer(q.Get("layer"))
	if layer == "" {
		writeError(w, apierr.New(apierr.BadRequest, "layer is required"))
		return
	}
	year, err := strconv.Atoi(q.Get("year"))
	if err != nil {
		writeError(w, apierr.New(apierr.BadRequest, "year must be an integer"))
		return
	}
	if q.Get("confirm") != "true" {
		writeError(w, apierr.New(apierr.BadRequest, "confirm=true is required for broad cache-clear operations"))
		return
	}

	var names []string
	if cp.visreg != nil {
		names = cp.visreg.NamesForLayer(layer)
	}
	keys := mosaicKeysForLayerYear(layer, year, names)

	deleted := 0
	for _, mk := range keys {
		n, err := jobengine.InvalidateMosaic(r.Context(), cp.blobs, cp.meta, cp.local, jobengine.InvalidatePayload{Mosaic: mk})
		if err != nil {
			writeError(w, err)
			return
		}
		deleted += n
	}
	writeJSON(w, http.StatusOK, map[string]any{"mosaics_checked": len(keys), "blobs_deleted": deleted})
}

func mosaicKeysForLayerYear(layer model.Layer, year int, visparams []string) []model.MosaicKey {
	var keys []model.MosaicKey
	for _, vp := range visparams {
		keys = append(keys,
			model.MosaicKey{Layer: layer, Period: model.PeriodWet, Year: year, VisParam: vp},
			model.MosaicKey{Layer: layer, Period: model.PeriodDry, Year: year, VisParam: vp},
		)
		for month := 1; month <= 12; month++ {
			keys = append(keys, model.MosaicKey{Layer: layer, Period: model.PeriodMonth, Year: year, Month: month, VisParam: vp})
		}
	}
	return keys
}

type warmupRequest struct {
	Layer     model.Layer  `json:"layer"`
	Region    *model.BBox  `json:"region"`
	MaxTiles  int          `json:"max_tiles"`
	BatchSize int          `json:"batch_size"`
	Period    model.Period `json:"period"`
	Year      int          `json:"year"`
	VisParams []string     `json:"visparams"`
}

func (cp *ControlPlane) handleCacheWarmup(w http.ResponseWriter, r *http.Request) {
	var req warmupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.BadRequest, "malformed request body"))
		return
	}
	if req.Layer == "" {
		writeError(w, apierr.New(apierr.BadRequest, "layer is required"))
		return
	}
	if req.Region == nil {
		writeError(w, apierr.New(apierr.BadRequest, "region is required"))
		return
	}
	period := req.Period
	if period == "" {
		period = cp.defaults.period()
	}
	year := req.Year
	if year == 0 {
		years := cp.defaults.years()
		year = years[len(years)-1]
	}
	visparams := req.VisParams
	if len(visparams) == 0 && cp.visreg != nil {
		visparams = cp.visreg.NamesForLayer(req.Layer)
	}

	payload := jobengine.WarmRegionPayload{
		BBox: *req.Region, Layer: req.Layer, Period: period, Year: year,
		Zooms: cp.defaults.zooms(), VisParams: visparams,
		MaxTiles: req.MaxTiles, BatchSize: req.BatchSize,
	}
	id, err := cp.engine.EnqueueWarmRegion(r.Context(), jobengine.PriorityLow, payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

type pointStartRequest struct {
	PointID string `json:"point_id"`
}

func (cp *ControlPlane) handleCachePointStart(w http.ResponseWriter, r *http.Request) {
	var req pointStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PointID == "" {
		writeError(w, apierr.New(apierr.BadRequest, "point_id is required"))
		return
	}
	if cp.points == nil {
		writeError(w, apierr.New(apierr.Internal, "no point store configured"))
		return
	}
	pt, err := cp.points.Point(r.Context(), req.PointID)
	if err != nil {
		writeError(w, err)
		return
	}

	var visparams []string
	for _, layer := range cp.defaults.layers() {
		if cp.visreg != nil {
			visparams = append(visparams, cp.visreg.NamesForLayer(layer)...)
		}
	}
	payload := jobengine.WarmPointPayload{
		Points: []model.Point{pt}, Layers: cp.defaults.layers(),
		Period: cp.defaults.period(), Years: cp.defaults.years(),
		Zooms: cp.defaults.zooms(), VisParams: visparams,
	}
	id, err := cp.engine.EnqueueWarmPoint(r.Context(), jobengine.PriorityStandard, payload)
	if err != nil {
		writeError(w, err)
		return
	}
	cp.rememberJob(req.PointID, id)
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

type campaignStartRequest struct {
	CampaignID string `json:"campaign_id"`
	BatchSize  int    `json:"batch_size,omitempty"`
}

func (cp *ControlPlane) handleCacheCampaignStart(w http.ResponseWriter, r *http.Request) {
	var req campaignStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CampaignID == "" {
		writeError(w, apierr.New(apierr.BadRequest, "campaign_id is required"))
		return
	}
	if cp.campaigns == nil {
		writeError(w, apierr.New(apierr.Internal, "no campaign store configured"))
		return
	}

	var visparams []string
	for _, layer := range cp.defaults.layers() {
		if cp.visreg != nil {
			visparams = append(visparams, cp.visreg.NamesForLayer(layer)...)
		}
	}
	payload := jobengine.WarmCampaignPayload{
		CampaignID: req.CampaignID, BatchSize: req.BatchSize,
		WarmPointPayload: jobengine.WarmPointPayload{
			Layers: cp.defaults.layers(), Period: cp.defaults.period(),
			Years: cp.defaults.years(), Zooms: cp.defaults.zooms(), VisParams: visparams,
		},
	}
	id, err := cp.engine.EnqueueWarmCampaign(r.Context(), jobengine.PriorityStandard, payload)
	if err != nil {
		writeError(w, err)
		return
	}
	cp.rememberJob(req.CampaignID, id)
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

// handleRefStatus serves both GET /cache/point/{id}/status and
// GET /cache/campaign/{id}/status: look up the most recent job started for
// that reference ID and report its JobRecord.
func (cp *ControlPlane) handleRefStatus(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "id")
	jobID, ok := cp.jobFor(ref)
	if !ok {
		writeError(w, apierr.New(apierr.NotFound, "no warming run found for "+ref))
		return
	}
	cp.writeJobStatus(w, r, jobID)
}

func (cp *ControlPlane) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	cp.writeJobStatus(w, r, chi.URLParam(r, "id"))
}

func (cp *ControlPlane) writeJobStatus(w http.ResponseWriter, r *http.Request, jobID string) {
	rec, err := cp.engine.JobStatus(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (cp *ControlPlane) handleTasksPurge(w http.ResponseWriter, r *http.Request) {
	queue := r.URL.Query().Get("queue")
	if queue == "" {
		writeError(w, apierr.New(apierr.BadRequest, "queue is required"))
		return
	}
	priority, err := jobengine.ParsePriority(queue)
	if err != nil {
		writeError(w, err)
		return
	}
	n, err := cp.engine.PurgeQueue(priority)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"purged": n})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	kind := apierr.KindOf(err)
	http.Error(w, err.Error(), statusFor(kind))
}

func statusFor(kind apierr.Kind) int {
	switch kind {
	case apierr.BadRequest:
		return http.StatusBadRequest
	case apierr.NotFound:
		return http.StatusNotFound
	case apierr.Throttled:
		return http.StatusTooManyRequests
	case apierr.Unauthorized:
		return http.StatusUnauthorized
	case apierr.Forbidden:
		return http.StatusForbidden
	case apierr.UpstreamTransient, apierr.UpstreamPermanent:
		return http.StatusBadGateway
	case apierr.Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
