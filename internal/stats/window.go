// Package stats provides the bounded sliding time-window aggregator
// behind block-time and transaction-throughput statistics.
package stats

import (
	"sync"
	"time"
)

type sample struct {
	value float64
	at    time.Time
}

// Window is a sliding aggregate bounded both by duration and by a
// maximum number of data points. On insertion, samples older than the
// window are evicted; if the window is still over its point cap, the
// oldest samples are trimmed.
//
// Thread safety: all methods are safe for concurrent use, though by
// convention each window has a single writer.
type Window struct {
	mu        sync.Mutex
	samples   []sample
	duration  time.Duration
	maxPoints int
	now       func() time.Time
}

// NewWindow creates a window bounded by duration and maxPoints.
// maxPoints <= 0 means no point cap.
func NewWindow(duration time.Duration, maxPoints int) *Window {
	return &Window{
		duration:  duration,
		maxPoints: maxPoints,
		now:       time.Now,
	}
}

// SetClock overrides the window's time source. Test hook.
func (w *Window) SetClock(now func() time.Time) {
	w.mu.Lock()
	w.now = now
	w.mu.Unlock()
}

// Add appends a sample and applies both bounds
func (w *Window) Add(value float64, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples = append(w.samples, sample{value: value, at: at})
	w.evictLocked(w.now().Add(-w.duration))
}

// evictLocked drops samples older than cutoff, then trims the oldest
// entries down to the point cap.
func (w *Window) evictLocked(cutoff time.Time) {
	first := 0
	for first < len(w.samples) && w.samples[first].at.Before(cutoff) {
		first++
	}
	if first > 0 {
		w.samples = append(w.samples[:0], w.samples[first:]...)
	}
	if w.maxPoints > 0 && len(w.samples) > w.maxPoints {
		over := len(w.samples) - w.maxPoints
		w.samples = append(w.samples[:0], w.samples[over:]...)
	}
}

// inWindow returns the samples at or after the effective cutoff.
// Callers pass at most one explicit cutoff; the default is
// now − duration.
func (w *Window) inWindow(cutoff []time.Time) []sample {
	effective := w.now().Add(-w.duration)
	if len(cutoff) > 0 {
		effective = cutoff[0]
	}
	first := 0
	for first < len(w.samples) && w.samples[first].at.Before(effective) {
		first++
	}
	return w.samples[first:]
}

// Count returns the number of samples inside the window
func (w *Window) Count(cutoff ...time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inWindow(cutoff))
}

// Sum returns the sum of sample values inside the window
func (w *Window) Sum(cutoff ...time.Time) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	var total float64
	for _, s := range w.inWindow(cutoff) {
		total += s.value
	}
	return total
}

// Mean returns the average value inside the window, or 0 when empty
func (w *Window) Mean(cutoff ...time.Time) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	in := w.inWindow(cutoff)
	if len(in) == 0 {
		return 0
	}
	var total float64
	for _, s := range in {
		total += s.value
	}
	return total / float64(len(in))
}

// Min returns the smallest value inside the window, or 0 when empty
func (w *Window) Min(cutoff ...time.Time) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	in := w.inWindow(cutoff)
	if len(in) == 0 {
		return 0
	}
	min := in[0].value
	for _, s := range in[1:] {
		if s.value < min {
			min = s.value
		}
	}
	return min
}

// Max returns the largest value inside the window, or 0 when empty
func (w *Window) Max(cutoff ...time.Time) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	in := w.inWindow(cutoff)
	if len(in) == 0 {
		return 0
	}
	max := in[0].value
	for _, s := range in[1:] {
		if s.value > max {
			max = s.value
		}
	}
	return max
}

// Latest returns the most recent sample value inside the window and
// whether one exists.
func (w *Window) Latest(cutoff ...time.Time) (float64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	in := w.inWindow(cutoff)
	if len(in) == 0 {
		return 0, false
	}
	return in[len(in)-1].value, true
}

// Duration returns the window's time bound
func (w *Window) Duration() time.Duration {
	return w.duration
}
