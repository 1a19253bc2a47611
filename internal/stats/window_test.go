package stats

import (
	"testing"
	"time"
)

func TestWindowStats(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	w := NewWindow(time.Hour, 0)
	w.SetClock(func() time.Time { return base })

	if w.Count() != 0 {
		t.Fatalf("empty window count = %d, want 0", w.Count())
	}
	if _, ok := w.Latest(); ok {
		t.Fatal("empty window reported a latest value")
	}

	w.Add(2, base.Add(-30*time.Minute))
	w.Add(4, base.Add(-20*time.Minute))
	w.Add(6, base.Add(-10*time.Minute))

	if got := w.Count(); got != 3 {
		t.Errorf("count = %d, want 3", got)
	}
	if got := w.Sum(); got != 12 {
		t.Errorf("sum = %v, want 12", got)
	}
	if got := w.Mean(); got != 4 {
		t.Errorf("mean = %v, want 4", got)
	}
	if got := w.Min(); got != 2 {
		t.Errorf("min = %v, want 2", got)
	}
	if got := w.Max(); got != 6 {
		t.Errorf("max = %v, want 6", got)
	}
	latest, ok := w.Latest()
	if !ok || latest != 6 {
		t.Errorf("latest = %v, %v, want 6, true", latest, ok)
	}
}

func TestWindowEvictsByDuration(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	w := NewWindow(10*time.Minute, 0)
	w.SetClock(func() time.Time { return now })

	w.Add(1, base)
	now = base.Add(5 * time.Minute)
	w.Add(2, now)
	if got := w.Count(); got != 2 {
		t.Fatalf("count = %d, want 2", got)
	}

	// The first sample ages out; insertion triggers eviction.
	now = base.Add(11 * time.Minute)
	w.Add(3, now)
	if got := w.Count(); got != 2 {
		t.Errorf("count after eviction = %d, want 2", got)
	}
	if got := w.Sum(); got != 5 {
		t.Errorf("sum after eviction = %v, want 5", got)
	}
}

func TestWindowEnforcesPointCap(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	w := NewWindow(24*time.Hour, 3)
	w.SetClock(func() time.Time { return base })

	for i := 1; i <= 5; i++ {
		w.Add(float64(i), base.Add(time.Duration(i)*time.Second))
	}

	if got := w.Count(); got != 3 {
		t.Fatalf("count = %d, want cap of 3", got)
	}
	// Oldest trimmed first: 3, 4, 5 remain.
	if got := w.Sum(); got != 12 {
		t.Errorf("sum = %v, want 12", got)
	}
	if got := w.Min(); got != 3 {
		t.Errorf("min = %v, want 3", got)
	}
}

func TestWindowExplicitCutoff(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	w := NewWindow(time.Hour, 0)
	w.SetClock(func() time.Time { return base })

	w.Add(1, base.Add(-40*time.Minute))
	w.Add(2, base.Add(-5*time.Minute))

	if got := w.Count(base.Add(-10 * time.Minute)); got != 1 {
		t.Errorf("count with cutoff = %d, want 1", got)
	}
	if got := w.Sum(base.Add(-10 * time.Minute)); got != 2 {
		t.Errorf("sum with cutoff = %v, want 2", got)
	}
}
