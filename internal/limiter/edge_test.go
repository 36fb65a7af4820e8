package limiter

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/lapig-ufg/tiles/internal/metastore"
)

func newMeta(t *testing.T) *metastore.RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s, err := metastore.NewRedis(ctx, mr.Addr())
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEdgeAllowsWithinBurst(t *testing.T) {
	meta := newMeta(t)
	e := NewEdge(meta, EdgeConfig{RatePerSecond: 5, Burst: 5})

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if allowed, _ := e.Allow(ctx, "client-a"); !allowed {
			t.Fatalf("request %d should be allowed within burst", i)
		}
	}
	if allowed, _ := e.Allow(ctx, "client-a"); allowed {
		t.Fatalf("11th request should be rejected")
	}
}

func TestEdgePerClientIsolation(t *testing.T) {
	meta := newMeta(t)
	e := NewEdge(meta, EdgeConfig{RatePerSecond: 1, Burst: 1})

	ctx := context.Background()
	if allowed, _ := e.Allow(ctx, "client-a"); !allowed {
		t.Fatalf("client-a first request should be allowed")
	}
	if allowed, _ := e.Allow(ctx, "client-b"); !allowed {
		t.Fatalf("client-b should have its own bucket")
	}
}

func TestEdgeDegradesOpenWhenMetaStoreUnavailable(t *testing.T) {
	meta := newMeta(t)
	meta.Close()

	e := NewEdge(meta, EdgeConfig{
		RatePerSecond: 5, Burst: 5,
		FallbackRatePerSecond: 2, FallbackBurst: 2,
	})

	ctx := context.Background()
	allowed := 0
	for i := 0; i < 5; i++ {
		if ok, _ := e.Allow(ctx, "client-a"); ok {
			allowed++
		}
	}
	if allowed == 0 {
		t.Fatalf("expected at least some requests allowed via fallback limiter")
	}
	if allowed > 2 {
		t.Fatalf("fallback limiter should clamp to its own burst, allowed=%d", allowed)
	}
}
