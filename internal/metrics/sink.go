package metrics

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/XinFinOrg/XDCMonitor-sub001/internal/logging"
)

// SentinelPolicy configures the values written when a monitor reports
// an endpoint unreachable, so dashboards render continuous series.
type SentinelPolicy struct {
	Enabled    bool
	StatusDown int64 // rpc/websocket status when down (default 0)
	Latency    int64 // latency when unmeasurable (default -1)
	PeerCount  int64 // peer count when unmeasurable (default -1)
	// Block height falls back to the last known good value for the
	// series, else -1.
}

// DefaultSentinelPolicy returns the documented defaults
func DefaultSentinelPolicy() SentinelPolicy {
	return SentinelPolicy{Enabled: true, StatusDown: 0, Latency: -1, PeerCount: -1}
}

// SinkOptions tunes batching, buffering, and reconnect behavior
type SinkOptions struct {
	BatchSize      int           // Points per write (default 20)
	FlushInterval  time.Duration // Max time between flushes (default 5s)
	BufferCap      int           // Pending-point bound (default 1000)
	StartupDelay   time.Duration // Wait before first connect, lets the store boot (default 3s)
	WriteRetries   int           // Attempts per batch (default 5)
	ReconnectBase  time.Duration // First reconnect delay (default 5s)
	ReconnectGrow  float64       // Backoff factor (default 1.5)
	ReconnectCap   time.Duration // Max reconnect delay (default 60s)
	ReconnectMax   int           // Attempts before the counter resets (default 10)
}

// DefaultSinkOptions returns the documented defaults
func DefaultSinkOptions() SinkOptions {
	return SinkOptions{
		BatchSize:     20,
		FlushInterval: 5 * time.Second,
		BufferCap:     1000,
		StartupDelay:  3 * time.Second,
		WriteRetries:  5,
		ReconnectBase: 5 * time.Second,
		ReconnectGrow: 1.5,
		ReconnectCap:  60 * time.Second,
		ReconnectMax:  10,
	}
}

// Sink accepts typed measurements from every monitor and forwards them
// to the store in batches. While the store is unreachable it buffers
// into a bounded queue (drop-oldest on overflow) and reconnects with
// exponential backoff; on reconnection the buffer drains in insertion
// order before new points are written. A single flusher goroutine is
// the only store writer, which preserves per-producer ordering.
type Sink struct {
	store  Store
	opts   SinkOptions
	policy SentinelPolicy
	logger zerolog.Logger

	mu              sync.Mutex
	buffer          []Measurement
	connected       bool
	reconnecting    bool
	overflowEpisode bool

	heightMu    sync.RWMutex
	heightCache map[HeightKey]uint64

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSink creates a sink over the given store
func NewSink(store Store, opts SinkOptions, policy SentinelPolicy, logger zerolog.Logger) *Sink {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}
	if opts.BufferCap <= 0 {
		opts.BufferCap = 1000
	}
	if opts.WriteRetries <= 0 {
		opts.WriteRetries = 5
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = 5 * time.Second
	}
	if opts.ReconnectGrow <= 1 {
		opts.ReconnectGrow = 1.5
	}
	if opts.ReconnectCap <= 0 {
		opts.ReconnectCap = 60 * time.Second
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 10
	}
	return &Sink{
		store:       store,
		opts:        opts,
		policy:      policy,
		logger:      logger.With().Str("component", "metrics_sink").Logger(),
		heightCache: make(map[HeightKey]uint64),
		wake:        make(chan struct{}, 1),
	}
}

// Start connects (after the startup delay) and launches the flusher.
// Returns once the initial connection attempt has completed, so the
// composition root can order startup on it; a failed first attempt is
// not fatal, the reconnect loop takes over.
func (s *Sink) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if s.opts.StartupDelay > 0 {
		select {
		case <-time.After(s.opts.StartupDelay):
		case <-s.ctx.Done():
			return
		}
	}

	if err := s.store.Ping(s.ctx); err != nil {
		s.logger.Warn().Err(err).Msg("metrics store unreachable at startup, buffering")
		s.setDisconnected()
	} else {
		s.mu.Lock()
		s.connected = true
		s.mu.Unlock()
		s.logger.Info().Msg("metrics store connected")
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer logging.RecoverPanic(s.logger, "metrics_flusher", nil)
		s.run()
	}()
}

// WarmHeightCache loads the last 24h of block-height writes so the
// sentinel policy can fall back to last-known-good values across
// restarts.
func (s *Sink) WarmHeightCache(ctx context.Context) error {
	heights, err := s.store.LastBlockHeights(ctx, 24*time.Hour)
	if err != nil {
		return err
	}
	s.heightMu.Lock()
	for k, v := range heights {
		s.heightCache[k] = v
	}
	s.heightMu.Unlock()
	s.logger.Info().Int("series", len(heights)).Msg("block-height cache warmed")
	return nil
}

// Record enqueues one measurement. Never blocks: on overflow the
// oldest queued point is dropped, logged once per overflow episode.
func (s *Sink) Record(m Measurement) {
	s.mu.Lock()
	if len(s.buffer) >= s.opts.BufferCap {
		drop := len(s.buffer) - s.opts.BufferCap + 1
		s.buffer = append(s.buffer[:0], s.buffer[drop:]...)
		promPointsDropped.Add(float64(drop))
		if !s.overflowEpisode {
			s.overflowEpisode = true
			s.logger.Warn().
				Int("cap", s.opts.BufferCap).
				Msg("metrics buffer overflow, dropping oldest points")
		}
	}
	s.buffer = append(s.buffer, m)
	promBufferSize.Set(float64(len(s.buffer)))
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// BufferedCount returns the number of points waiting to be written
func (s *Sink) BufferedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// Connected reports whether the store was reachable at last contact
func (s *Sink) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// run is the flusher loop: drain on a timer, or sooner once a full
// batch is waiting.
func (s *Sink) run() {
	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.flushPending()
		case <-s.wake:
			s.mu.Lock()
			full := len(s.buffer) >= s.opts.BatchSize
			s.mu.Unlock()
			if full {
				s.flushPending()
			}
		}
	}
}

// flushPending writes queued batches until the buffer is empty or the
// store fails. Flushing an empty buffer is a no-op.
func (s *Sink) flushPending() {
	for {
		s.mu.Lock()
		if !s.connected || len(s.buffer) == 0 {
			if len(s.buffer) < s.opts.BufferCap {
				s.overflowEpisode = false
			}
			s.mu.Unlock()
			return
		}
		n := len(s.buffer)
		if n > s.opts.BatchSize {
			n = s.opts.BatchSize
		}
		batch := make([]Measurement, n)
		copy(batch, s.buffer[:n])
		s.buffer = append(s.buffer[:0], s.buffer[n:]...)
		promBufferSize.Set(float64(len(s.buffer)))
		s.mu.Unlock()

		if err := s.writeWithRetry(batch); err != nil {
			if isConnectionError(err) {
				// Put the batch back at the front so the drain stays
				// in insertion order after reconnect.
				s.mu.Lock()
				s.buffer = append(batch, s.buffer...)
				if over := len(s.buffer) - s.opts.BufferCap; over > 0 {
					s.buffer = s.buffer[:s.opts.BufferCap]
				}
				s.mu.Unlock()
				s.logger.Warn().Err(err).Msg("metrics store write failed, entering buffered mode")
				s.setDisconnected()
			} else {
				s.logger.Error().Err(err).Int("points", len(batch)).Msg("metrics batch rejected, dropping")
				promPointsDropped.Add(float64(len(batch)))
			}
			return
		}
		promPointsWritten.Add(float64(len(batch)))
	}
}

// writeWithRetry attempts one batch up to WriteRetries times with
// bounded jitter between attempts.
func (s *Sink) writeWithRetry(batch []Measurement) error {
	var lastErr error
	for attempt := 1; attempt <= s.opts.WriteRetries; attempt++ {
		ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
		err := s.store.WriteBatch(ctx, batch)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if isConnectionError(err) || s.ctx.Err() != nil {
			return err
		}
		jitter := time.Duration(100+rand.Intn(400)) * time.Millisecond
		select {
		case <-time.After(jitter):
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}
	return lastErr
}

// setDisconnected flips to buffered mode and starts the reconnect loop
func (s *Sink) setDisconnected() {
	s.mu.Lock()
	s.connected = false
	if s.reconnecting {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer logging.RecoverPanic(s.logger, "metrics_reconnect", nil)
		s.reconnectLoop()
	}()
}

// reconnectLoop retries the store with delay base × grow^(attempt-1)
// capped at ReconnectCap. After ReconnectMax attempts the counter
// resets and the cycle starts over; the sink never gives up.
func (s *Sink) reconnectLoop() {
	attempt := 1
	for {
		delay := s.reconnectDelay(attempt)
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(delay):
		}

		err := s.store.Ping(s.ctx)
		if err == nil {
			s.mu.Lock()
			s.connected = true
			s.reconnecting = false
			buffered := len(s.buffer)
			s.mu.Unlock()
			s.logger.Info().Int("buffered", buffered).Msg("metrics store reconnected, draining buffer")
			select {
			case s.wake <- struct{}{}:
			default:
			}
			s.flushPending()
			return
		}

		s.logger.Debug().Err(err).Int("attempt", attempt).Msg("metrics store reconnect failed")
		attempt++
		if attempt > s.opts.ReconnectMax {
			attempt = 1
		}
	}
}

func (s *Sink) reconnectDelay(attempt int) time.Duration {
	d := float64(s.opts.ReconnectBase)
	for i := 1; i < attempt; i++ {
		d *= s.opts.ReconnectGrow
	}
	if capped := float64(s.opts.ReconnectCap); d > capped {
		d = capped
	}
	return time.Duration(d)
}

// Flush writes everything still buffered, bounded by ctx. Used at
// shutdown with a deadline.
func (s *Sink) Flush(ctx context.Context) error {
	for {
		s.mu.Lock()
		if len(s.buffer) == 0 {
			s.mu.Unlock()
			return nil
		}
		if !s.connected {
			n := len(s.buffer)
			s.mu.Unlock()
			return fmt.Errorf("metrics store disconnected with %d points buffered", n)
		}
		s.mu.Unlock()

		s.flushPending()

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// Stop cancels the flusher and closes the store
func (s *Sink) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.store.Close()
}

// lastKnownHeight returns the cached positive height for a series
func (s *Sink) lastKnownHeight(key HeightKey) (uint64, bool) {
	s.heightMu.RLock()
	defer s.heightMu.RUnlock()
	h, ok := s.heightCache[key]
	return h, ok
}

// rememberHeight updates the last-known-good cache
func (s *Sink) rememberHeight(key HeightKey, height uint64) {
	if height == 0 {
		return
	}
	s.heightMu.Lock()
	s.heightCache[key] = height
	s.heightMu.Unlock()
}

// isConnectionError classifies store failures that warrant buffered
// mode: refused connections, timeouts, DNS failures, unreachable hosts.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"no such host",
		"host is unreachable",
		"network is unreachable",
		"timeout",
		"EOF",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
