package tileengine

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/lapig-ufg/tiles/internal/blobstore"
	"github.com/lapig-ufg/tiles/internal/limiter"
	"github.com/lapig-ufg/tiles/internal/localcache"
	"github.com/lapig-ufg/tiles/internal/metastore"
	"github.com/lapig-ufg/tiles/internal/mosaiccache"
)

func newTestRouter(t *testing.T) (http.Handler, *fakeFetcher) {
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

	local, _ := localcache.New(64, 1<<20)
	blobs := blobstore.NewMemory()
	resolver := &fakeResolver{result: "https://imagery/{z}/{x}/{y}.png"}
	mosaics := mosaiccache.New(meta, resolver, mosaiccache.Config{BuildTimeout: time.Second, TTLDefault: time.Minute})
	edge := limiter.NewEdge(meta, limiter.EdgeConfig{RatePerSecond: 1000, Burst: 1000})
	upstream := limiter.NewUpstream("test", limiter.UpstreamConfig{MaxInflight: 8})
	fetcher := &fakeFetcher{body: []byte("png-bytes")}
	reg := newRegistry(t)

	engine := New(local, blobs, mosaics, reg, edge, upstream, fetcher, zerolog.Nop(), Config{})

	r := chi.NewRouter()
	r.Get("/api/layers/{layer}/{x}/{y}/{z}", Handler(engine))
	return r, fetcher
}

func doTileRequest(r http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHandlerColdMissReturns200WithMissHeader(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := doTileRequest(r, "/api/layers/s2_harmonized/100/100/12?period=WET&year=2023&visparam=rgb")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("X-Cache"); got != "MISS" {
		t.Fatalf("X-Cache = %q, want MISS", got)
	}
	if rec.Header().Get("ETag") == "" {
		t.Fatalf("expected ETag header to be set")
	}
	if rec.Body.String() != "png-bytes" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestHandlerInvalidZoomReturns400(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := doTileRequest(r, "/api/layers/s2_harmonized/0/0/5?period=WET&year=2023&visparam=rgb")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandlerUnknownVisparamReturns404(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := doTileRequest(r, "/api/layers/s2_harmonized/0/0/12?period=WET&year=2023&visparam=nope")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandlerIfNoneMatchReturns304(t *testing.T) {
	r, _ := newTestRouter(t)
	path := "/api/layers/s2_harmonized/100/100/12?period=WET&year=2023&visparam=rgb"

	first := doTileRequest(r, path)
	etag := first.Header().Get("ETag")

	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("If-None-Match", etag)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotModified {
		t.Fatalf("status = %d, want 304", rec.Code)
	}
}

func TestHandlerMonthWithoutMonthPeriodReturns400(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := doTileRequest(r, "/api/layers/s2_harmonized/0/0/12?period=WET&year=2023&visparam=rgb&month=5")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
