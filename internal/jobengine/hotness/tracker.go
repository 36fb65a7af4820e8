// Package hotness tracks per-tile request popularity with an exponential
// decay model, feeding JobEngine's warm-popular job.
package hotness

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/lapig-ufg/tiles/internal/keyspace"
	"github.com/lapig-ufg/tiles/internal/model"
)

const numShards = 64

// Tracker is a sharded, decaying popularity counter keyed by TileKey.
// Recently-hit tiles score higher; scores decay toward zero with a
// configurable half-life so warm-popular tracks current demand rather than
// all-time totals. Grounded on the teacher's internal/hotness/expdecay
// (same shard/decay math), adapted to key on the structured TileKey rather
// than an opaque cell string so TopN can hand back a fetchable request.
type Tracker struct {
	halfLife time.Duration
	now      func() time.Time
	shards   [numShards]shard
}

type shard struct {
	mu sync.RWMutex
	m  map[string]*counter
}

type counter struct {
	tk    model.TileKey
	score float64
	last  time.Time
}

// New builds a Tracker with the given half-life (defaulting to 15 minutes).
func New(halfLife time.Duration) *Tracker {
	if halfLife <= 0 {
		halfLife = 15 * time.Minute
	}
	t := &Tracker{halfLife: halfLife, now: time.Now}
	for i := range t.shards {
		t.shards[i].m = make(map[string]*counter)
	}
	return t
}

// Inc records one hit for tk, satisfying tileengine.Hotness.
func (t *Tracker) Inc(tk model.TileKey) {
	key := keyspace.TileKeyString(tk)
	s := t.pick(key)
	n := t.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.m[key]
	if c == nil {
		s.m[key] = &counter{tk: tk, score: 1, last: n}
		return
	}
	dt := n.Sub(c.last).Seconds()
	c.score = decay(c.score, dt, t.halfLife.Seconds()) + 1.0
	c.last = n
}

// Score returns tk's current decayed popularity.
func (t *Tracker) Score(tk model.TileKey) float64 {
	key := keyspace.TileKeyString(tk)
	s := t.pick(key)
	n := t.now()

	s.mu.RLock()
	c := s.m[key]
	if c == nil {
		s.mu.RUnlock()
		return 0
	}
	score, last := c.score, c.last
	s.mu.RUnlock()

	return decay(score, n.Sub(last).Seconds(), t.halfLife.Seconds())
}

// TopN returns the n tiles with the highest current score, descending.
func (t *Tracker) TopN(n int) []model.TileKey {
	if n <= 0 {
		return nil
	}
	now := t.now()
	type scored struct {
		tk    model.TileKey
		score float64
	}
	var all []scored
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		for _, c := range s.m {
			all = append(all, scored{c.tk, decay(c.score, now.Sub(c.last).Seconds(), t.halfLife.Seconds())})
		}
		s.mu.RUnlock()
	}
	sort.Slice(all, func(i, j int) bool { return all[i].score > all[j].score })
	if len(all) > n {
		all = all[:n]
	}
	out := make([]model.TileKey, len(all))
	for i, s := range all {
		out[i] = s.tk
	}
	return out
}

// Reset clears the tracked score for the given tiles.
func (t *Tracker) Reset(tks ...model.TileKey) {
	for _, tk := range tks {
		key := keyspace.TileKeyString(tk)
		s := t.pick(key)
		s.mu.Lock()
		delete(s.m, key)
		s.mu.Unlock()
	}
}

func decay(score, dt, halfLife float64) float64 {
	if score == 0 || dt <= 0 || halfLife <= 0 {
		return score
	}
	lambda := math.Ln2 / halfLife
	return score * math.Exp(-lambda*dt)
}

func (t *Tracker) pick(key string) *shard {
	h := xxhash.Sum64String(key)
	idx := h & (uint64(len(t.shards)) - 1)
	return &t.shards[idx]
}

// Size reports the number of distinct tiles currently tracked.
func (t *Tracker) Size() int {
	total := 0
	for i := range t.shards {
		t.shards[i].mu.RLock()
		total += len(t.shards[i].m)
		t.shards[i].mu.RUnlock()
	}
	return total
}
