// Package sysmon samples the monitor process's own resource usage so
// the watcher is itself watched.
package sysmon

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/XinFinOrg/XDCMonitor-sub001/internal/alerts"
	"github.com/XinFinOrg/XDCMonitor-sub001/internal/metrics"
	"github.com/XinFinOrg/XDCMonitor-sub001/internal/types"
)

// Options tunes the system monitor
type Options struct {
	CPUAlertPercent float64 // Sustained CPU above this raises an alert (default 90)
	CPUAlertSamples int     // Consecutive samples above threshold before alerting (default 3)
}

// Snapshot is one resource sample
type Snapshot struct {
	CPUPercent float64
	MemoryMB   float64
	Goroutines int
	SampledAt  time.Time
}

// Monitor samples host CPU and memory plus the process goroutine count
// each tick and emits them to the metrics sink.
type Monitor struct {
	opts   Options
	sink   *metrics.Sink
	router *alerts.Router
	logger zerolog.Logger

	// sample functions are swapped in tests
	cpuPercent func(ctx context.Context) (float64, error)
	memoryUsed func(ctx context.Context) (float64, error)

	mu       sync.RWMutex
	last     Snapshot
	hotCount int
}

// New creates the system monitor
func New(opts Options, sink *metrics.Sink, router *alerts.Router, logger zerolog.Logger) *Monitor {
	if opts.CPUAlertPercent <= 0 {
		opts.CPUAlertPercent = 90
	}
	if opts.CPUAlertSamples <= 0 {
		opts.CPUAlertSamples = 3
	}
	return &Monitor{
		opts:   opts,
		sink:   sink,
		router: router,
		logger: logger.With().Str("component", "sysmon").Logger(),
		cpuPercent: func(ctx context.Context) (float64, error) {
			percents, err := cpu.PercentWithContext(ctx, 0, false)
			if err != nil {
				return 0, err
			}
			if len(percents) == 0 {
				return 0, fmt.Errorf("no cpu sample")
			}
			return percents[0], nil
		},
		memoryUsed: func(ctx context.Context) (float64, error) {
			vm, err := mem.VirtualMemoryWithContext(ctx)
			if err != nil {
				return 0, err
			}
			return float64(vm.Used) / (1024 * 1024), nil
		},
	}
}

// Tick takes one sample. Sampling errors are logged and skip the
// emission; the next tick tries again.
func (m *Monitor) Tick(ctx context.Context) error {
	cpuPct, err := m.cpuPercent(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("cpu sample failed")
		return nil
	}
	memMB, err := m.memoryUsed(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("memory sample failed")
		return nil
	}

	snap := Snapshot{
		CPUPercent: cpuPct,
		MemoryMB:   memMB,
		Goroutines: runtime.NumGoroutine(),
		SampledAt:  time.Now(),
	}

	m.mu.Lock()
	m.last = snap
	if cpuPct > m.opts.CPUAlertPercent {
		m.hotCount++
	} else {
		m.hotCount = 0
	}
	hot := m.hotCount
	m.mu.Unlock()

	m.sink.RecordSystem(snap.CPUPercent, snap.MemoryMB, snap.Goroutines)

	if hot >= m.opts.CPUAlertSamples {
		_, err := m.router.Raise(alerts.Options{
			Severity:  types.SeverityWarning,
			Category:  types.CategorySystem,
			Component: "sysmon",
			Type:      "monitor_overloaded",
			Title:     "Monitor host under sustained CPU pressure",
			Message: fmt.Sprintf("CPU at %.1f%% for %d consecutive samples (threshold %.0f%%)",
				cpuPct, hot, m.opts.CPUAlertPercent),
		})
		if err != nil && err != alerts.ErrThrottled {
			m.logger.Error().Err(err).Msg("failed to raise overload alert")
		}
	}

	return nil
}

// Last returns the most recent sample
func (m *Monitor) Last() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}
