package limiter

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/lapig-ufg/tiles/internal/apierr"
	"github.com/lapig-ufg/tiles/internal/observability"
)

// errorRateHalfLife controls how fast the adaptive pacer forgets past
// failures, using the same exponential-decay idiom as internal/jobengine/
// hotness rather than a fixed-window counter.
const errorRateHalfLife = 30 * time.Second

// UpstreamConfig controls the bounded-concurrency, pacing, and circuit
// breaker protecting the imagery backend from overload.
type UpstreamConfig struct {
	MaxInflight int
	PaceDelay   time.Duration

	BreakerMaxRequests  uint32
	BreakerInterval     time.Duration
	BreakerTimeout      time.Duration
	BreakerTripRatio    float64
	BreakerTripMinCalls uint32
}

// Upstream guards calls to the imagery backend with a bounded semaphore, an
// optional pacing delay between releases, and a circuit breaker that opens
// on a sustained failure ratio: closed -> open (for a fixed BreakerTimeout,
// at most 60s) -> half-open (BreakerMaxRequests probes) -> closed. The open
// period is the same on every trip; it does not grow across repeated trips.
type Upstream struct {
	sem            chan struct{}
	pace           time.Duration
	maxPace        time.Duration
	cb             *gobreaker.CircuitBreaker[any]
	name           string
	breakerTimeout time.Duration

	mu        sync.Mutex
	errScore  float64
	lastEvent time.Time
	openedAt  time.Time
	now       func() time.Time
}

// NewUpstream builds an Upstream limiter named name (used as the circuit
// breaker's metrics label).
func NewUpstream(name string, cfg UpstreamConfig) *Upstream {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 16
	}
	if cfg.BreakerMaxRequests == 0 {
		cfg.BreakerMaxRequests = 3
	}
	if cfg.BreakerInterval <= 0 {
		cfg.BreakerInterval = time.Minute
	}
	if cfg.BreakerTimeout <= 0 || cfg.BreakerTimeout > 60*time.Second {
		cfg.BreakerTimeout = 60 * time.Second
	}
	if cfg.BreakerTripRatio <= 0 {
		cfg.BreakerTripRatio = 0.6
	}
	if cfg.BreakerTripMinCalls == 0 {
		cfg.BreakerTripMinCalls = 10
	}

	u := &Upstream{
		sem:            make(chan struct{}, cfg.MaxInflight),
		pace:           cfg.PaceDelay,
		maxPace:        5 * cfg.PaceDelay,
		name:           name,
		breakerTimeout: cfg.BreakerTimeout,
		now:            time.Now,
	}

	u.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.BreakerMaxRequests,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.BreakerTripMinCalls {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.BreakerTripRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observability.SetCircuitBreakerState(name, stateToFloat(to))
			if to == gobreaker.StateOpen {
				u.mu.Lock()
				u.openedAt = u.now()
				u.mu.Unlock()
			}
		},
	})
	observability.SetCircuitBreakerState(name, stateToFloat(gobreaker.StateClosed))

	return u
}

// Do acquires a semaphore slot, runs fn through the circuit breaker, applies
// the adaptive pacing delay on release, and translates breaker rejections
// into apierr.Throttled so callers see it as a rate-limit condition rather
// than an upstream failure.
func (u *Upstream) Do(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	select {
	case u.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, apierr.Wrap(apierr.Timeout, "upstream semaphore wait cancelled", ctx.Err())
	}
	defer func() {
		if pace := u.currentPace(); pace > 0 {
			time.Sleep(pace)
		}
		<-u.sem
	}()

	result, err := u.cb.Execute(func() (any, error) { return fn(ctx) })
	if err != nil {
		u.recordOutcome(apierr.KindOf(err) == apierr.UpstreamTransient || apierr.KindOf(err) == apierr.UpstreamPermanent || apierr.KindOf(err) == apierr.Timeout)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			observability.IncRateLimitRejection("upstream_breaker")
			throttled := apierr.Wrap(apierr.Throttled, "upstream circuit breaker open", err)
			throttled.RetryAfter = u.cooldownRemaining()
			return nil, throttled
		}
		return nil, err
	}
	u.recordOutcome(false)
	return result, nil
}

// cooldownRemaining reports how much of the breaker's open-state timeout is
// left, for a Throttled response's Retry-After; it is never more than
// breakerTimeout (capped at 60s in NewUpstream), per spec's "cool-down ≤ 60s"
// requirement.
func (u *Upstream) cooldownRemaining() time.Duration {
	u.mu.Lock()
	opened := u.openedAt
	u.mu.Unlock()
	if opened.IsZero() {
		return u.breakerTimeout
	}
	remaining := u.breakerTimeout - u.now().Sub(opened)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// recordOutcome feeds the adaptive pacer's decaying error score. Grounded on
// the same decay math as internal/jobengine/hotness rather than a sliding
// window, so a burst of failures widens pacing immediately and it narrows
// back down smoothly once upstream recovers.
func (u *Upstream) recordOutcome(failed bool) {
	if u.maxPace <= u.pace {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	now := u.now()
	if !u.lastEvent.IsZero() {
		dt := now.Sub(u.lastEvent).Seconds()
		lambda := math.Ln2 / errorRateHalfLife.Seconds()
		u.errScore *= math.Exp(-lambda * dt)
	}
	u.lastEvent = now
	if failed {
		u.errScore += 1
	}
}

// currentPace scales the pacing delay from PaceDelay up to 5x PaceDelay as
// the decaying error score climbs, and reads it back down as errors decay
// away, per the adaptive-limiter feedback behaviour of the original
// implementation's app/middleware/adaptive_limiter.py.
func (u *Upstream) currentPace() time.Duration {
	if u.maxPace <= u.pace {
		return u.pace
	}
	u.mu.Lock()
	score := u.errScore
	u.mu.Unlock()

	// errScore saturates the widening factor at 10 accumulated failures.
	factor := 1 + 4*math.Min(score/10, 1)
	pace := time.Duration(float64(u.pace) * factor)
	if pace > u.maxPace {
		pace = u.maxPace
	}
	return pace
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
