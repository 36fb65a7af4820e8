package metastore

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func newMini(t *testing.T) *RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	s, err := NewRedis(ctx, mr.Addr())
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSetGetMGetDel(t *testing.T) {
	s := newMini(t)
	ctx := context.Background()

	if err := s.Set(ctx, "k1", []byte("v1"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, "k2", []byte("v2"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	val, ok, err := s.Get(ctx, "k1")
	if err != nil || !ok || string(val) != "v1" {
		t.Fatalf("Get(k1) = %q, %v, %v", val, ok, err)
	}

	_, ok, err = s.Get(ctx, "absent")
	if err != nil || ok {
		t.Fatalf("Get(absent) should miss cleanly, got ok=%v err=%v", ok, err)
	}

	got, err := s.MGet(ctx, []string{"k1", "k2", "absent"})
	if err != nil {
		t.Fatalf("MGet: %v", err)
	}
	if len(got) != 2 || string(got["k1"]) != "v1" || string(got["k2"]) != "v2" {
		t.Fatalf("MGet = %+v", got)
	}

	if err := s.Del(ctx, "k1", "k2"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "k1"); ok {
		t.Fatalf("k1 should be gone after Del")
	}
}

func TestSetNXElectsExactlyOneWinner(t *testing.T) {
	s := newMini(t)
	ctx := context.Background()

	won1, err := s.SetNX(ctx, "lock", []byte("owner-a"), time.Minute)
	if err != nil {
		t.Fatalf("SetNX: %v", err)
	}
	if !won1 {
		t.Fatalf("first SetNX should win")
	}

	won2, err := s.SetNX(ctx, "lock", []byte("owner-b"), time.Minute)
	if err != nil {
		t.Fatalf("SetNX: %v", err)
	}
	if won2 {
		t.Fatalf("second SetNX should lose while the lock is held")
	}
}

func TestIncrBucketWithdrawsUntilExhausted(t *testing.T) {
	s := newMini(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < 3; i++ {
		allowed, remaining, _, err := s.IncrBucket(ctx, "bucket:client-a", 1, 3, 0, now)
		if err != nil {
			t.Fatalf("IncrBucket: %v", err)
		}
		if !allowed {
			t.Fatalf("request %d should be allowed, capacity not yet exhausted", i)
		}
		if remaining != 2-i {
			t.Fatalf("request %d remaining = %d, want %d", i, remaining, 2-i)
		}
	}

	allowed, _, resetAt, err := s.IncrBucket(ctx, "bucket:client-a", 1, 3, 0, now)
	if err != nil {
		t.Fatalf("IncrBucket: %v", err)
	}
	if allowed {
		t.Fatalf("4th request should be rejected with rate=0 and capacity exhausted")
	}
	if !resetAt.After(now) {
		t.Fatalf("resetAt = %v, want after %v", resetAt, now)
	}
}

func TestIncrBucketRefillsOverTime(t *testing.T) {
	s := newMini(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	if allowed, _, _, err := s.IncrBucket(ctx, "bucket:client-b", 1, 1, 1, now); err != nil || !allowed {
		t.Fatalf("first request should be allowed: allowed=%v err=%v", allowed, err)
	}
	if allowed, _, _, err := s.IncrBucket(ctx, "bucket:client-b", 1, 1, 1, now); err != nil || allowed {
		t.Fatalf("immediate second request should be rejected: allowed=%v err=%v", allowed, err)
	}

	later := now.Add(2 * time.Second)
	allowed, _, _, err := s.IncrBucket(ctx, "bucket:client-b", 1, 1, 1, later)
	if err != nil {
		t.Fatalf("IncrBucket: %v", err)
	}
	if !allowed {
		t.Fatalf("request after refill window should be allowed")
	}
}

func TestPing(t *testing.T) {
	s := newMini(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
