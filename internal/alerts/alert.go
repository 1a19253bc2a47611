// Package alerts implements the severity-classified alert router: ring
// retention, per-(type, chain) throttling, and fan-out to notification
// channels.
package alerts

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/XinFinOrg/XDCMonitor-sub001/internal/types"
)

// Alert is a stored, routed event
type Alert struct {
	ID           string            `json:"id"`
	Severity     types.Severity    `json:"severity"`
	Category     types.Category    `json:"category"`
	Component    string            `json:"component"`
	Title        string            `json:"title"`
	Message      string            `json:"message"`
	ChainID      int               `json:"chainId,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Acknowledged bool              `json:"acknowledged"`
	ResolvedAt   *time.Time        `json:"resolvedAt,omitempty"`
}

// Options describes an alert to raise.
// Type is the throttle key ("sync_blocks_lag", "rpc_endpoint_down",
// ...); when empty the component name is used. Channels restricts
// delivery to the named channel ids; empty means every enabled channel.
type Options struct {
	Severity  types.Severity
	Category  types.Category
	Component string
	Title     string
	Message   string
	ChainID   int
	Metadata  map[string]string
	Type      string
	Channels  []string
}

func (o Options) throttleType() string {
	if o.Type != "" {
		return o.Type
	}
	return o.Component
}

// newID builds `${unixMillis}-${category}-${component}-${shortRandom}`
func newID(category types.Category, component string, at time.Time) string {
	return fmt.Sprintf("%d-%s-%s-%04x", at.UnixMilli(), category, component, rand.Intn(1<<16))
}

// Filter selects alerts from the ring. Zero values match everything.
type Filter struct {
	Severity     types.Severity
	Category     types.Category
	Component    string
	Acknowledged *bool
	Since        time.Time
}

func (f Filter) matches(a *Alert) bool {
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	if f.Category != "" && a.Category != f.Category {
		return false
	}
	if f.Component != "" && a.Component != f.Component {
		return false
	}
	if f.Acknowledged != nil && a.Acknowledged != *f.Acknowledged {
		return false
	}
	if !f.Since.IsZero() && a.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

// ring is a bounded FIFO of the most recent alerts
type ring struct {
	entries []*Alert
	cap     int
}

func newRing(capacity int) *ring {
	return &ring{cap: capacity}
}

func (r *ring) add(a *Alert) {
	if len(r.entries) >= r.cap {
		over := len(r.entries) - r.cap + 1
		r.entries = append(r.entries[:0], r.entries[over:]...)
	}
	r.entries = append(r.entries, a)
}

func (r *ring) byID(id string) *Alert {
	for _, a := range r.entries {
		if a.ID == id {
			return a
		}
	}
	return nil
}
