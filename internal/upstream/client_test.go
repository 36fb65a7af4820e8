package upstream

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lapig-ufg/tiles/internal/apierr"
	"github.com/lapig-ufg/tiles/internal/model"

	"context"
)

func TestResolveMosaicSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("layer") != "s2_harmonized" {
			t.Errorf("layer = %q", r.URL.Query().Get("layer"))
		}
		w.Write([]byte("https://imagery.example/tiles/abc/{z}/{x}/{y}.png"))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	tpl, err := c.ResolveMosaic(context.Background(), model.MosaicKey{
		Layer: model.LayerS2Harmonized, Period: model.PeriodWet, Year: 2021, VisParam: "rgb",
	})
	if err != nil {
		t.Fatalf("ResolveMosaic: %v", err)
	}
	if tpl != "https://imagery.example/tiles/abc/{z}/{x}/{y}.png" {
		t.Fatalf("unexpected template: %q", tpl)
	}
}

func TestResolveMosaicNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no imagery for this period", http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	_, err := c.ResolveMosaic(context.Background(), model.MosaicKey{
		Layer: model.LayerLandsat, Period: model.PeriodDry, Year: 1999,
	})
	if !apierr.Is(err, apierr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestFetchTileSubstitutesCoordinates(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte("fake-png-bytes"))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	data, err := c.FetchTile(context.Background(), srv.URL+"/tiles/abc/{z}/{x}/{y}.png", 12, 34, 56)
	if err != nil {
		t.Fatalf("FetchTile: %v", err)
	}
	if string(data) != "fake-png-bytes" {
		t.Fatalf("unexpected body: %q", data)
	}
	if gotPath != "/tiles/abc/12/34/56.png" {
		t.Fatalf("path = %q, want /tiles/abc/12/34/56.png", gotPath)
	}
}

func TestFetchTileUpstreamTransientOn5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	_, err := c.FetchTile(context.Background(), srv.URL+"/{z}/{x}/{y}.png", 1, 2, 3)
	if !apierr.Is(err, apierr.UpstreamTransient) {
		t.Fatalf("expected UpstreamTransient, got %v", err)
	}
}

func TestFetchTileThrottled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	_, err := c.FetchTile(context.Background(), srv.URL+"/{z}/{x}/{y}.png", 1, 2, 3)
	if !apierr.Is(err, apierr.Throttled) {
		t.Fatalf("expected Throttled, got %v", err)
	}
}
