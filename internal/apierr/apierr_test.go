package apierr

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsAndKindOf(t *testing.T) {
	err := New(NotFound, "mosaic absent")
	if !Is(err, NotFound) {
		t.Fatalf("expected Is(NotFound) true")
	}
	if Is(err, Internal) {
		t.Fatalf("expected Is(Internal) false")
	}
	if KindOf(err) != NotFound {
		t.Fatalf("KindOf = %v, want NotFound", KindOf(err))
	}
}

func TestKindOfUntaggedError(t *testing.T) {
	if KindOf(errors.New("boom")) != Internal {
		t.Fatalf("untagged error should default to Internal")
	}
}

func TestIsUnwrapsThroughFmtErrorf(t *testing.T) {
	base := New(UpstreamTransient, "gateway timeout")
	wrapped := fmt.Errorf("fetch tile: %w", base)
	if !Is(wrapped, UpstreamTransient) {
		t.Fatalf("expected wrapped error to still match UpstreamTransient")
	}
}

func TestRetryable(t *testing.T) {
	cases := map[Kind]bool{
		UpstreamTransient: true,
		Timeout:           true,
		Throttled:         true,
		UpstreamPermanent: false,
		BadRequest:        false,
		Internal:          false,
	}
	for kind, want := range cases {
		if got := Retryable(kind); got != want {
			t.Errorf("Retryable(%v) = %v, want %v", kind, got, want)
		}
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Wrap(UpstreamTransient, "connect upstream", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected Wrap to preserve cause for errors.Is")
	}
}
