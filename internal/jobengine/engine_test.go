package jobengine

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/lapig-ufg/tiles/internal/apierr"
	"github.com/lapig-ufg/tiles/internal/blobstore"
	"github.com/lapig-ufg/tiles/internal/keyspace"
	"github.com/lapig-ufg/tiles/internal/limiter"
	"github.com/lapig-ufg/tiles/internal/localcache"
	"github.com/lapig-ufg/tiles/internal/metastore"
	"github.com/lapig-ufg/tiles/internal/model"
	"github.com/lapig-ufg/tiles/internal/mosaiccache"
	"github.com/lapig-ufg/tiles/internal/tileengine"
	"github.com/lapig-ufg/tiles/internal/visparam"
)

type fakeResolver struct {
	calls  int64
	result string
}

func (r *fakeResolver) ResolveMosaic(_ context.Context, _ model.MosaicKey) (string, error) {
	atomic.AddInt64(&r.calls, 1)
	return r.result, nil
}

type fakeFetcher struct {
	calls int64
	body  []byte
}

func (f *fakeFetcher) FetchTile(_ context.Context, _ string, _, _, _ int) ([]byte, error) {
	atomic.AddInt64(&f.calls, 1)
	return f.body, nil
}

type fakeCampaignStore struct {
	points []model.Point
}

func (f *fakeCampaignStore) Points(_ context.Context, _ string) ([]model.Point, error) {
	return f.points, nil
}

func newRegistry(t *testing.T) *visparam.Registry {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "visparams.json")
	body := `[{"name":"rgb","category":"sentinel","bands":["B4","B3","B2"],"stretch":[0,3000],"active":true}]`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	reg, err := visparam.Load(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return reg
}

type harness struct {
	engine   *Engine
	tiles    *tileengine.Engine
	resolver *fakeResolver
	fetcher  *fakeFetcher
	blobs    blobstore.Store
	meta     metastore.Store
	local    *localcache.Cache
}

func newHarness(t *testing.T, campaigns CampaignStore) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	meta, err := metastore.NewRedis(t.Context(), mr.Addr())
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	t.Cleanup(func() { _ = meta.Close() })

	local, _ := localcache.New(1024, 8<<20)
	blobs := blobstore.NewMemory()
	resolver := &fakeResolver{result: "https://imagery/{z}/{x}/{y}.png"}
	mosaics := mosaiccache.New(meta, resolver, mosaiccache.Config{BuildTimeout: time.Second, TTLDefault: time.Minute})
	edge := limiter.NewEdge(meta, limiter.EdgeConfig{RatePerSecond: 1000, Burst: 1000})
	upstream := limiter.NewUpstream("jobengine-test", limiter.UpstreamConfig{MaxInflight: 8})
	fetcher := &fakeFetcher{body: []byte("png-bytes")}
	reg := newRegistry(t)

	tiles := tileengine.New(local, blobs, mosaics, reg, edge, upstream, fetcher, zerolog.Nop(), tileengine.Config{})

	cfg := Config{
		QueueSize:         map[Priority]int{PriorityHigh: 16, PriorityStandard: 16, PriorityLow: 16, PriorityMaintenance: 16},
		WorkerCount:       2,
		PerJobConcurrency: 4,
		MaxRetries:        1,
	}
	engine := New(cfg, meta, blobs, local, tiles, campaigns, nil, zerolog.Nop())
	return &harness{engine: engine, tiles: tiles, resolver: resolver, fetcher: fetcher, blobs: blobs, meta: meta, local: local}
}

func runEngineFor(ctx context.Context, e *Engine, d time.Duration) context.CancelFunc {
	runCtx, cancel := context.WithCancel(ctx)
	go e.Run(runCtx)
	time.Sleep(d)
	return cancel
}

func waitForTerminal(t *testing.T, e *Engine, jobID string, timeout time.Duration) model.JobRecord {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		rec, err := e.JobStatus(context.Background(), jobID)
		if err == nil && (rec.State == model.JobSuccess || rec.State == model.JobFailed) {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal state within %s", jobID, timeout)
	return model.JobRecord{}
}

func TestWarmPointRunsToSuccessAndPopulatesTiles(t *testing.T) {
	h := newHarness(t, nil)
	cancel := runEngineFor(t.Context(), h.engine, 0)
	defer cancel()

	payload := WarmPointPayload{
		Points:    []model.Point{{ID: "p1", Lat: -15.6, Lon: -47.9}},
		Layers:    []model.Layer{model.LayerS2Harmonized},
		Period:    model.PeriodWet,
		Years:     []int{2023},
		Zooms:     []int{12, 13},
		VisParams: []string{"rgb"},
	}
	id, err := h.engine.EnqueueWarmPoint(t.Context(), PriorityHigh, payload)
	if err != nil {
		t.Fatalf("EnqueueWarmPoint: %v", err)
	}

	rec := waitForTerminal(t, h.engine, id, time.Second)
	if rec.State != model.JobSuccess {
		t.Fatalf("state = %s, want SUCCESS (err=%s)", rec.State, rec.LastError)
	}
	if rec.Counters.Total != 2 || rec.Counters.Done != 2 {
		t.Fatalf("counters = %+v, want total=2 done=2", rec.Counters)
	}
}

func TestWarmCampaignSecondRunIssuesNoNewMosaicBuilds(t *testing.T) {
	campaigns := &fakeCampaignStore{points: []model.Point{
		{ID: "a", Lat: -15.0, Lon: -47.0},
		{ID: "b", Lat: -16.0, Lon: -48.0},
	}}
	h := newHarness(t, campaigns)
	cancel := runEngineFor(t.Context(), h.engine, 0)
	defer cancel()

	payload := WarmCampaignPayload{
		CampaignID: "camp-1",
		BatchSize:  10,
		WarmPointPayload: WarmPointPayload{
			Layers: []model.Layer{model.LayerS2Harmonized}, Period: model.PeriodWet,
			Years: []int{2023}, Zooms: []int{12}, VisParams: []string{"rgb"},
		},
	}

	id1, err := h.engine.EnqueueWarmCampaign(t.Context(), PriorityStandard, payload)
	if err != nil {
		t.Fatalf("EnqueueWarmCampaign: %v", err)
	}
	rec1 := waitForTerminal(t, h.engine, id1, time.Second)
	if rec1.State != model.JobSuccess {
		t.Fatalf("first run state = %s (err=%s)", rec1.State, rec1.LastError)
	}

	id2, err := h.engine.EnqueueWarmCampaign(t.Context(), PriorityStandard, payload)
	if err != nil {
		t.Fatalf("EnqueueWarmCampaign second run: %v", err)
	}
	rec2 := waitForTerminal(t, h.engine, id2, time.Second)
	if rec2.State != model.JobSuccess {
		t.Fatalf("second run state = %s (err=%s)", rec2.State, rec2.LastError)
	}

	if calls := atomic.LoadInt64(&h.resolver.calls); calls != 1 {
		t.Fatalf("mosaic resolver called %d times across two identical runs, want 1", calls)
	}
	if calls := atomic.LoadInt64(&h.fetcher.calls); calls != 2 {
		t.Fatalf("upstream fetcher called %d times, want 2 (one per distinct tile)", calls)
	}
}

func TestInvalidateDropsBlobPrefix(t *testing.T) {
	h := newHarness(t, nil)
	cancel := runEngineFor(t.Context(), h.engine, 0)
	defer cancel()

	mk := model.MosaicKey{Layer: model.LayerS2Harmonized, Period: model.PeriodWet, Year: 2023, VisParam: "rgb"}
	tk := model.TileKey{Mosaic: mk, Z: 12, X: 10, Y: 20}
	blobPath := keyspace.BlobPath(tk)

	if err := h.blobs.Put(t.Context(), blobPath, []byte("x"), "image/png"); err != nil {
		t.Fatalf("seed blob: %v", err)
	}

	id, err := h.engine.EnqueueInvalidate(t.Context(), PriorityMaintenance, InvalidatePayload{Mosaic: mk})
	if err != nil {
		t.Fatalf("EnqueueInvalidate: %v", err)
	}
	rec := waitForTerminal(t, h.engine, id, time.Second)
	if rec.State != model.JobSuccess {
		t.Fatalf("state = %s (err=%s)", rec.State, rec.LastError)
	}

	if _, ok, _ := h.blobs.Get(t.Context(), blobPath); ok {
		t.Fatalf("expected blob to be deleted by invalidate job")
	}
}

func TestEnqueueReturnsThrottledWhenQueueFull(t *testing.T) {
	h := newHarness(t, nil)
	// No worker pool running: fill the standard queue to its bound.
	for i := 0; i < 16; i++ {
		if _, err := h.engine.EnqueueWarmPopular(t.Context(), PriorityStandard, WarmPopularPayload{TopN: 1}); err != nil {
			t.Fatalf("unexpected error filling queue (i=%d): %v", i, err)
		}
	}
	if _, err := h.engine.EnqueueWarmPopular(t.Context(), PriorityStandard, WarmPopularPayload{TopN: 1}); !apierr.Is(err, apierr.Throttled) {
		t.Fatalf("expected Throttled once the bound is reached, got %v", err)
	}
}
