// Package scheduler runs named jobs on fixed intervals with
// non-overlapping ticks and panic isolation.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/XinFinOrg/XDCMonitor-sub001/internal/logging"
)

// Job is one scheduled unit of work. Errors are logged, never fatal;
// the job runs again on the next tick.
type Job func(ctx context.Context) error

type entry struct {
	name     string
	interval time.Duration
	job      Job
	cancel   context.CancelFunc
}

// Scheduler owns one goroutine per registered job. Each job runs
// immediately on registration, then on its interval. A tick that is
// still running when the next fires is not overlapped: the late tick
// is skipped.
type Scheduler struct {
	logger zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a scheduler
func New(logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		logger:  logger.With().Str("component", "scheduler").Logger(),
		entries: make(map[string]*entry),
	}
}

// Start makes the scheduler live. Jobs registered before Start begin
// running; jobs registered after start immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	for _, e := range s.entries {
		s.launch(e)
	}
}

// Register adds a job under a unique name. Registering an existing name
// replaces the job, stopping the old one first.
func (s *Scheduler) Register(name string, interval time.Duration, job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[name]; ok && old.cancel != nil {
		old.cancel()
	}

	e := &entry{name: name, interval: interval, job: job}
	s.entries[name] = e
	if s.started {
		s.launch(e)
	}
}

// Deregister stops and removes a job
func (s *Scheduler) Deregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[name]; ok {
		if e.cancel != nil {
			e.cancel()
		}
		delete(s.entries, name)
	}
}

// launch starts the job's goroutine. Caller holds s.mu.
func (s *Scheduler) launch(e *entry) {
	jobCtx, jobCancel := context.WithCancel(s.ctx)
	e.cancel = jobCancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		logger := s.logger.With().Str("job", e.name).Logger()

		run := func() {
			defer logging.RecoverPanic(logger, e.name, nil)
			start := time.Now()
			if err := e.job(jobCtx); err != nil {
				logger.Error().Err(err).Msg("scheduled job failed")
			}
			if elapsed := time.Since(start); elapsed > e.interval {
				logger.Warn().
					Dur("elapsed", elapsed).
					Dur("interval", e.interval).
					Msg("job ran longer than its interval")
			}
		}

		// First run fires immediately; ticker handles the rest. The
		// run itself gates the ticker loop, so ticks never overlap.
		run()
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		for {
			select {
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}

// Stop cancels every job and waits for in-flight ticks, bounded by the
// context deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Jobs returns the registered job names, for status queries
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for name := range s.entries {
		out = append(out, name)
	}
	return out
}
