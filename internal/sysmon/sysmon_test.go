package sysmon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/XinFinOrg/XDCMonitor-sub001/internal/alerts"
	"github.com/XinFinOrg/XDCMonitor-sub001/internal/metrics"
	"github.com/XinFinOrg/XDCMonitor-sub001/internal/types"
)

type fakeStore struct {
	mu      sync.Mutex
	written []metrics.Measurement
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) WriteBatch(_ context.Context, batch []metrics.Measurement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, batch...)
	return nil
}

func (f *fakeStore) LastBlockHeights(context.Context, time.Duration) (map[metrics.HeightKey]uint64, error) {
	return nil, nil
}

func (f *fakeStore) Close() {}

func (f *fakeStore) points() []metrics.Measurement {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]metrics.Measurement, len(f.written))
	copy(out, f.written)
	return out
}

func newTestMonitor(t *testing.T, opts Options) (*Monitor, *alerts.Router, *fakeStore) {
	t.Helper()
	store := &fakeStore{}
	sink := metrics.NewSink(store, metrics.SinkOptions{
		BatchSize:     1000,
		FlushInterval: time.Hour,
	}, metrics.DefaultSentinelPolicy(), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	sink.Start(ctx)
	t.Cleanup(func() {
		cancel()
		sink.Stop()
	})

	router := alerts.NewRouter(alerts.RouterOptions{}, alerts.NewThrottler(), nil, zerolog.Nop())
	m := New(opts, sink, router, zerolog.Nop())
	return m, router, store
}

func setSamplers(m *Monitor, cpuPct, memMB float64) {
	m.cpuPercent = func(context.Context) (float64, error) { return cpuPct, nil }
	m.memoryUsed = func(context.Context) (float64, error) { return memMB, nil }
}

func TestTickEmitsSystemPoint(t *testing.T) {
	m, _, store := newTestMonitor(t, Options{})
	setSamplers(m, 42.5, 512)

	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.sink.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	points := store.points()
	if len(points) != 1 || points[0].Name != types.MeasMonitorSystem {
		t.Fatalf("points = %+v, want one monitor_system point", points)
	}
	if got := points[0].Fields["cpu_percent"]; got != 42.5 {
		t.Errorf("cpu_percent = %v, want 42.5", got)
	}
	if got := points[0].Fields["memory_mb"]; got != 512.0 {
		t.Errorf("memory_mb = %v, want 512", got)
	}

	snap := m.Last()
	if snap.CPUPercent != 42.5 || snap.Goroutines <= 0 || snap.SampledAt.IsZero() {
		t.Errorf("Last = %+v", snap)
	}
}

func TestSustainedCPURaisesAfterConsecutiveSamples(t *testing.T) {
	m, router, _ := newTestMonitor(t, Options{CPUAlertPercent: 90, CPUAlertSamples: 3})
	setSamplers(m, 95, 512)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := m.Tick(ctx); err != nil {
			t.Fatalf("Tick %d: %v", i, err)
		}
	}
	if got := len(router.List(alerts.Filter{})); got != 0 {
		t.Fatalf("alert raised before 3 consecutive hot samples: %d", got)
	}

	if err := m.Tick(ctx); err != nil {
		t.Fatalf("third tick: %v", err)
	}
	raised := router.List(alerts.Filter{Severity: types.SeverityWarning})
	if len(raised) != 1 {
		t.Fatalf("warnings = %d, want 1", len(raised))
	}
	if raised[0].Category != types.CategorySystem {
		t.Errorf("category = %s, want system", raised[0].Category)
	}
}

func TestCoolSampleResetsHotStreak(t *testing.T) {
	m, router, _ := newTestMonitor(t, Options{CPUAlertPercent: 90, CPUAlertSamples: 3})

	ctx := context.Background()
	setSamplers(m, 95, 512)
	m.Tick(ctx)
	m.Tick(ctx)

	// One cool sample breaks the streak.
	setSamplers(m, 40, 512)
	m.Tick(ctx)

	setSamplers(m, 95, 512)
	m.Tick(ctx)
	m.Tick(ctx)

	if got := len(router.List(alerts.Filter{})); got != 0 {
		t.Errorf("alerts = %d, want 0 after the streak reset", got)
	}
}

func TestSampleErrorSkipsEmission(t *testing.T) {
	m, _, store := newTestMonitor(t, Options{})
	m.cpuPercent = func(context.Context) (float64, error) { return 0, errors.New("procfs unavailable") }
	m.memoryUsed = func(context.Context) (float64, error) { return 512, nil }

	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.sink.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := len(store.points()); got != 0 {
		t.Errorf("points after a failed sample = %d, want 0", got)
	}
}
