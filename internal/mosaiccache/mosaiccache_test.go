package mosaiccache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/lapig-ufg/tiles/internal/apierr"
	"github.com/lapig-ufg/tiles/internal/metastore"
	"github.com/lapig-ufg/tiles/internal/model"
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

type countingResolver struct {
	calls  int64
	delay  time.Duration
	fail   bool
	result string
}

func (r *countingResolver) ResolveMosaic(ctx context.Context, mk model.MosaicKey) (string, error) {
	atomic.AddInt64(&r.calls, 1)
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if r.fail {
		return "", apierr.New(apierr.UpstreamPermanent, "no imagery available")
	}
	return r.result, nil
}

func testKey() model.MosaicKey {
	return model.MosaicKey{Layer: model.LayerS2Harmonized, Period: model.PeriodWet, Year: 2021, VisParam: "rgb"}
}

func TestResolveBuildsOnceAndCaches(t *testing.T) {
	meta := newMeta(t)
	resolver := &countingResolver{result: "https://imagery/{z}/{x}/{y}.png"}
	cache := New(meta, resolver, Config{BuildTimeout: time.Second, TTLDefault: time.Minute, PollInterval: 10 * time.Millisecond})

	ctx := context.Background()
	got, err := cache.Resolve(ctx, testKey())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != resolver.result {
		t.Fatalf("got %q", got)
	}

	got2, err := cache.Resolve(ctx, testKey())
	if err != nil {
		t.Fatalf("Resolve (cached): %v", err)
	}
	if got2 != resolver.result {
		t.Fatalf("got2 %q", got2)
	}
	if atomic.LoadInt64(&resolver.calls) != 1 {
		t.Fatalf("resolver called %d times, want 1", resolver.calls)
	}
}

func TestResolveCoalescesConcurrentCallers(t *testing.T) {
	meta := newMeta(t)
	resolver := &countingResolver{result: "https://imagery/{z}/{x}/{y}.png", delay: 100 * time.Millisecond}
	cache := New(meta, resolver, Config{
		BuildTimeout: 2 * time.Second,
		TTLDefault:   time.Minute,
		PollInterval: 10 * time.Millisecond,
	})

	const n = 8
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = cache.Resolve(context.Background(), testKey())
		}(i)
	}
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Fatalf("caller %d errored: %v", i, errs[i])
		}
		if results[i] != resolver.result {
			t.Fatalf("caller %d got %q", i, results[i])
		}
	}
	if atomic.LoadInt64(&resolver.calls) != 1 {
		t.Fatalf("resolver called %d times, want exactly 1", resolver.calls)
	}
}

func TestResolveFailurePropagatesAndCoolsDown(t *testing.T) {
	meta := newMeta(t)
	resolver := &countingResolver{fail: true}
	cache := New(meta, resolver, Config{BuildTimeout: time.Second, TTLDefault: time.Minute, Cooldown: time.Minute, PollInterval: 10 * time.Millisecond})

	ctx := context.Background()
	_, err := cache.Resolve(ctx, testKey())
	if !apierr.Is(err, apierr.UpstreamPermanent) {
		t.Fatalf("expected UpstreamPermanent, got %v", err)
	}

	// Second call within the cool-down window should fail fast without
	// calling the resolver again.
	_, err = cache.Resolve(ctx, testKey())
	if !apierr.Is(err, apierr.UpstreamPermanent) {
		t.Fatalf("expected UpstreamPermanent on second call, got %v", err)
	}
	if atomic.LoadInt64(&resolver.calls) != 1 {
		t.Fatalf("resolver called %d times during cool-down, want 1", resolver.calls)
	}
}

func TestResolveDegradesOpenWhenMetaStoreUnavailable(t *testing.T) {
	meta := newMeta(t)
	meta.Close() // force every subsequent call to fail

	resolver := &countingResolver{result: "https://imagery/{z}/{x}/{y}.png"}
	cache := New(meta, resolver, Config{BuildTimeout: time.Second, TTLDefault: time.Minute, PollInterval: 10 * time.Millisecond})

	got, err := cache.Resolve(context.Background(), testKey())
	if err != nil {
		t.Fatalf("expected degrade-open success, got error: %v", err)
	}
	if got != resolver.result {
		t.Fatalf("got %q", got)
	}
}
