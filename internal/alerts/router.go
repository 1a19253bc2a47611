package alerts

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/XinFinOrg/XDCMonitor-sub001/internal/logging"
	"github.com/XinFinOrg/XDCMonitor-sub001/internal/metrics"
)

// ErrThrottled is returned when a candidate alert arrives within the
// throttle window of the previous alert with the same (type, chainId).
var ErrThrottled = errors.New("alert throttled")

// RouterOptions tunes the router
type RouterOptions struct {
	Retention     int // Ring capacity (default 1000)
	DispatchDepth int // Pending-dispatch bound (default 256)
}

// Router accepts alert submissions, stores them in a bounded ring, and
// fans them out to every matching enabled channel.
//
// Delivery runs on a single dispatch goroutine so alerts reach the
// channels in submission order; one slow channel delays but never
// reorders. A critical alert always lands in the ring even when every
// channel fails — the ring write happens before dispatch.
type Router struct {
	mu       sync.RWMutex
	ring     *ring
	channels []Channel

	throttle *Throttler
	sink     *metrics.Sink
	logger   zerolog.Logger
	now      func() time.Time

	dispatch chan dispatchJob
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

type dispatchJob struct {
	alert    *Alert
	channels []string
}

// NewRouter creates a router. sink may be nil (no alert metrics).
func NewRouter(opts RouterOptions, throttle *Throttler, sink *metrics.Sink, logger zerolog.Logger) *Router {
	if opts.Retention <= 0 {
		opts.Retention = 1000
	}
	if opts.DispatchDepth <= 0 {
		opts.DispatchDepth = 256
	}
	return &Router{
		ring:     newRing(opts.Retention),
		throttle: throttle,
		sink:     sink,
		logger:   logger.With().Str("component", "alert_router").Logger(),
		now:      time.Now,
		dispatch: make(chan dispatchJob, opts.DispatchDepth),
	}
}

// SetClock overrides the router's time source. Test hook; also applied
// to the throttler.
func (r *Router) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
	r.throttle.SetClock(now)
}

// AddChannel registers a notification channel
func (r *Router) AddChannel(ch Channel) {
	r.mu.Lock()
	r.channels = append(r.channels, ch)
	r.mu.Unlock()
}

// Start launches the dispatch goroutine
func (r *Router) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer logging.RecoverPanic(r.logger, "alert_dispatch", nil)
		for {
			select {
			case <-r.ctx.Done():
				return
			case job := <-r.dispatch:
				r.deliver(job)
			}
		}
	}()
}

// Stop drains the dispatcher
func (r *Router) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Raise submits an alert. Returns ErrThrottled when suppressed by the
// (type, chainId) throttle; otherwise the stored alert.
func (r *Router) Raise(opts Options) (*Alert, error) {
	alertType := opts.throttleType()
	if !r.throttle.Allow(alertType, opts.ChainID) {
		r.logger.Debug().
			Str("type", alertType).
			Int("chain_id", opts.ChainID).
			Msg("alert suppressed by throttle")
		return nil, ErrThrottled
	}

	r.mu.Lock()
	createdAt := r.now()
	alert := &Alert{
		ID:        newID(opts.Category, opts.Component, createdAt),
		Severity:  opts.Severity,
		Category:  opts.Category,
		Component: opts.Component,
		Title:     opts.Title,
		Message:   opts.Message,
		ChainID:   opts.ChainID,
		CreatedAt: createdAt,
		Metadata:  opts.Metadata,
	}
	r.ring.add(alert)
	r.mu.Unlock()

	r.throttle.Commit(alertType, opts.ChainID)
	metrics.CountAlert(string(alert.Severity))

	if r.sink != nil {
		r.sink.RecordAlertHistory(alert.Severity, alert.Category, alert.Component, alert.Title, alert.Message)
		r.sink.RecordAlertCount(alert.Severity, alert.Category, 1)
	}

	r.logger.Info().
		Str("alert_id", alert.ID).
		Str("severity", string(alert.Severity)).
		Str("category", string(alert.Category)).
		Str("component", alert.Component).
		Str("title", alert.Title).
		Msg("alert raised")

	select {
	case r.dispatch <- dispatchJob{alert: alert, channels: opts.Channels}:
	default:
		// Dispatch queue full. The alert is already retained in the
		// ring; only notification delivery is lost.
		r.logger.Error().Str("alert_id", alert.ID).Msg("dispatch queue full, notifications skipped")
	}

	return alert, nil
}

// deliver fans one alert out to every matching enabled channel. A
// channel failure is logged and does not abort delivery to the rest.
func (r *Router) deliver(job dispatchJob) {
	r.mu.RLock()
	channels := make([]Channel, len(r.channels))
	copy(channels, r.channels)
	r.mu.RUnlock()

	for _, ch := range channels {
		if !ch.Enabled() || !channelSelected(ch.ID(), job.channels) {
			continue
		}
		ctx, cancel := context.WithTimeout(r.ctx, 10*time.Second)
		err := ch.Send(ctx, job.alert)
		cancel()
		if err != nil {
			r.logger.Error().
				Err(err).
				Str("channel", ch.ID()).
				Str("alert_id", job.alert.ID).
				Msg("notification channel failed")
		}
	}
}

// channelSelected applies the optional per-alert channel restriction
func channelSelected(id string, wanted []string) bool {
	if len(wanted) == 0 {
		return true
	}
	for _, w := range wanted {
		if w == id {
			return true
		}
	}
	return false
}

// List returns the retained alerts matching the filter, oldest first
func (r *Router) List(f Filter) []Alert {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Alert
	for _, a := range r.ring.entries {
		if f.matches(a) {
			out = append(out, *a)
		}
	}
	return out
}

// Acknowledge marks an alert acknowledged. Returns true when the alert
// exists; acknowledging an already-acknowledged alert returns true and
// changes nothing.
func (r *Router) Acknowledge(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	alert := r.ring.byID(id)
	if alert == nil {
		return false
	}
	alert.Acknowledged = true
	return true
}

// Resolve stamps an alert resolved. Idempotent; the first resolution
// time wins.
func (r *Router) Resolve(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	alert := r.ring.byID(id)
	if alert == nil {
		return false
	}
	if alert.ResolvedAt == nil {
		at := r.now()
		alert.ResolvedAt = &at
	}
	return true
}

// Throttler exposes throttle state for monitors that pre-throttle at
// the source.
func (r *Router) Throttler() *Throttler {
	return r.throttle
}
