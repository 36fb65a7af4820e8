package hotness

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/lapig-ufg/tiles/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

func (f *fakeClock) Add(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func newTrackerForTest(hl time.Duration, fc *fakeClock) *Tracker {
	if fc == nil {
		fc = &fakeClock{}
		fc.Set(time.Unix(0, 0).UTC())
	}
	tr := New(hl)
	tr.now = fc.Now
	return tr
}

func almostEq(t *testing.T, got, want, eps float64) {
	t.Helper()
	if math.Abs(got-want) > eps {
		t.Fatalf("got=%g want=%g (eps=%g)", got, want, eps)
	}
}

func tileKey(x int) model.TileKey {
	return model.TileKey{
		Mosaic: model.MosaicKey{Layer: model.LayerS2Harmonized, Period: model.PeriodWet, Year: 2023, VisParam: "rgb"},
		Z:      12, X: x, Y: 100,
	}
}

func TestIncAndScoreAccumulatesImmediately(t *testing.T) {
	fc := &fakeClock{}
	fc.Set(time.Unix(0, 0).UTC())
	tr := newTrackerForTest(time.Minute, fc)

	tk := tileKey(1)
	tr.Inc(tk)
	almostEq(t, tr.Score(tk), 1.0, 1e-9)
	tr.Inc(tk)
	almostEq(t, tr.Score(tk), 2.0, 1e-9)
}

func TestHalfLifeDecaysByHalf(t *testing.T) {
	hl := 2 * time.Second
	fc := &fakeClock{}
	fc.Set(time.Unix(0, 0).UTC())
	tr := newTrackerForTest(hl, fc)

	tk := tileKey(1)
	tr.Inc(tk)
	fc.Add(hl)
	almostEq(t, tr.Score(tk), 0.5, 1e-6)
}

func TestTopNOrdersByScoreDescending(t *testing.T) {
	fc := &fakeClock{}
	fc.Set(time.Unix(0, 0).UTC())
	tr := newTrackerForTest(time.Minute, fc)

	hot, warm, cold := tileKey(1), tileKey(2), tileKey(3)
	for i := 0; i < 5; i++ {
		tr.Inc(hot)
	}
	for i := 0; i < 2; i++ {
		tr.Inc(warm)
	}
	tr.Inc(cold)

	top := tr.TopN(2)
	if len(top) != 2 || top[0] != hot || top[1] != warm {
		t.Fatalf("TopN(2) = %v, want [%v %v]", top, hot, warm)
	}
}

func TestResetOnlySelectedKeys(t *testing.T) {
	fc := &fakeClock{}
	fc.Set(time.Unix(0, 0).UTC())
	tr := newTrackerForTest(30*time.Second, fc)

	a, b := tileKey(1), tileKey(2)
	tr.Inc(a)
	tr.Inc(b)
	tr.Reset(a)

	if got := tr.Score(a); got != 0 {
		t.Fatalf("reset failed for a: got %g", got)
	}
	if got := tr.Score(b); got <= 0 {
		t.Fatalf("unexpected reset of b: got %g", got)
	}
}
