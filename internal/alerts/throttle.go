package alerts

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Throttle windows by alert type. The same configuration feeds both
// the router-layer throttle here and any monitor-layer throttle, so
// the two layers never disagree on a constant.
const (
	DefaultThrottleWindow = 5 * time.Minute
	RPCEndpointDownWindow = 10 * time.Minute
	HighBlockTimeWindow   = 15 * time.Minute
	SyncBlocksLagWindow   = 60 * time.Minute
)

// Well-known alert types
const (
	TypeRPCEndpointDown = "rpc_endpoint_down"
	TypeHighBlockTime   = "high_block_time"
	TypeSyncBlocksLag   = "sync_blocks_lag"
	TypeUnusualTimeout  = "unusual_timeout"
	TypeFrequentMiss    = "frequent_miss"
)

// WindowFor returns the throttle window for an alert type. Sync-lag
// alerts carry a severity suffix ("sync_blocks_lag_critical") so the
// two severities throttle independently; both share the 60m window.
func WindowFor(alertType string) time.Duration {
	if strings.HasPrefix(alertType, TypeSyncBlocksLag) {
		return SyncBlocksLagWindow
	}
	switch alertType {
	case TypeRPCEndpointDown:
		return RPCEndpointDownWindow
	case TypeHighBlockTime:
		return HighBlockTimeWindow
	default:
		return DefaultThrottleWindow
	}
}

// Throttler drops candidate alerts arriving within the window of the
// last successfully routed alert with the same (type, chainId).
type Throttler struct {
	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

// NewThrottler creates a throttler
func NewThrottler() *Throttler {
	return &Throttler{
		last: make(map[string]time.Time),
		now:  time.Now,
	}
}

// SetClock overrides the time source. Test hook: tests advance a
// virtual clock instead of sleeping through throttle windows.
func (t *Throttler) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

func key(alertType string, chainID int) string {
	return fmt.Sprintf("%s/%d", alertType, chainID)
}

// Allow reports whether an alert of this (type, chainId) is outside
// the throttle window. It does not record; call Commit once the alert
// has actually been routed.
func (t *Throttler) Allow(alertType string, chainID int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.last[key(alertType, chainID)]
	if !ok {
		return true
	}
	return t.now().Sub(last) >= WindowFor(alertType)
}

// Commit records a successful routing for (type, chainId)
func (t *Throttler) Commit(alertType string, chainID int) {
	t.mu.Lock()
	t.last[key(alertType, chainID)] = t.now()
	t.mu.Unlock()
}

// LastSent exposes throttle state for tests and status queries
func (t *Throttler) LastSent(alertType string, chainID int) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.last[key(alertType, chainID)]
	return last, ok
}
