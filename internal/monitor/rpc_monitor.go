// Package monitor hosts the probing and analysis layers: the RPC
// endpoint monitor, the block monitor, and the consensus monitor.
package monitor

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/XinFinOrg/XDCMonitor-sub001/internal/metrics"
	"github.com/XinFinOrg/XDCMonitor-sub001/internal/rpc"
	"github.com/XinFinOrg/XDCMonitor-sub001/internal/types"
)

// endpointKey identifies one (endpoint, chain) series
type endpointKey struct {
	url     string
	chainID int
}

// RPCMonitorOptions tunes the endpoint monitor
type RPCMonitorOptions struct {
	IncludeConditional bool // Probe endpoints flagged conditional
	ProbeRateLimit     int  // Probes per second per chain (default 50)
}

// RPCMonitor health-probes every configured endpoint of every chain
// and publishes status, latency, and observed block height. It is the
// single writer of endpoint state; other monitors read snapshots via
// AllStatuses.
type RPCMonitor struct {
	chains []types.Chain
	opts   RPCMonitorOptions
	sink   *metrics.Sink
	logger zerolog.Logger

	clients  map[endpointKey]*rpc.Client
	limiters map[int]*rate.Limiter
	dialer   *websocket.Dialer

	mu       sync.RWMutex
	statuses map[endpointKey]types.EndpointStatus

	inflightMu sync.Mutex
	inflight   map[endpointKey]bool

	now func() time.Time
}

// NewRPCMonitor creates the endpoint monitor
func NewRPCMonitor(chains []types.Chain, opts RPCMonitorOptions, sink *metrics.Sink, logger zerolog.Logger) *RPCMonitor {
	if opts.ProbeRateLimit <= 0 {
		opts.ProbeRateLimit = 50
	}

	m := &RPCMonitor{
		chains: chains,
		opts:   opts,
		sink:   sink,
		logger: logger.With().Str("component", "rpc_monitor").Logger(),
		clients: make(map[endpointKey]*rpc.Client),
		limiters: make(map[int]*rate.Limiter),
		dialer: &websocket.Dialer{
			HandshakeTimeout: 3 * time.Second,
		},
		statuses: make(map[endpointKey]types.EndpointStatus),
		inflight: make(map[endpointKey]bool),
		now:      time.Now,
	}

	for _, chain := range chains {
		m.limiters[chain.ID] = rate.NewLimiter(rate.Limit(opts.ProbeRateLimit), opts.ProbeRateLimit)
		for _, ep := range chain.Endpoints {
			key := endpointKey{url: ep.URL, chainID: ep.ChainID}
			m.statuses[key] = types.EndpointStatus{
				URL:     ep.URL,
				Name:    ep.Name,
				Kind:    ep.Kind,
				ChainID: ep.ChainID,
				Status:  types.StatusUnknown,
			}
			if ep.Kind != types.EndpointWebsocket {
				m.clients[key] = rpc.NewClient(ep.URL, nil, rpc.ProbeOptions(), logger)
			}
		}
	}

	return m
}

// Tick runs one probe cycle: every eligible endpoint of every chain is
// probed in parallel with per-endpoint error isolation. A failure on
// one endpoint never aborts the cycle.
func (m *RPCMonitor) Tick(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, chain := range m.chains {
		chain := chain
		for _, ep := range chain.Endpoints {
			ep := ep
			if ep.Conditional && !m.opts.IncludeConditional {
				continue
			}
			g.Go(func() error {
				// Error isolation: probe failures are recorded, not returned.
				m.probeOne(gctx, ep)
				return nil
			})
		}
	}

	return g.Wait()
}

// probeOne probes a single endpoint, honoring the per-endpoint
// serialization guarantee: a new probe is skipped while the previous
// one for the same (endpoint, chainId) is still in flight.
func (m *RPCMonitor) probeOne(ctx context.Context, ep types.Endpoint) {
	key := endpointKey{url: ep.URL, chainID: ep.ChainID}

	m.inflightMu.Lock()
	if m.inflight[key] {
		m.inflightMu.Unlock()
		m.logger.Debug().Str("endpoint", ep.URL).Msg("probe still in flight, skipping")
		return
	}
	m.inflight[key] = true
	m.inflightMu.Unlock()

	defer func() {
		m.inflightMu.Lock()
		delete(m.inflight, key)
		m.inflightMu.Unlock()
	}()

	if limiter := m.limiters[ep.ChainID]; limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
	}

	outcome := m.probe(ctx, ep)
	m.record(ep, outcome)
}

// probe issues the kind-appropriate health check
func (m *RPCMonitor) probe(ctx context.Context, ep types.Endpoint) types.ProbeOutcome {
	start := m.now()

	switch ep.Kind {
	case types.EndpointWebsocket:
		conn, _, err := m.dialer.DialContext(ctx, ep.URL, nil)
		latency := m.now().Sub(start).Milliseconds()
		if err != nil {
			return types.Unreachable(fmt.Sprintf("websocket dial: %v", err))
		}
		conn.Close()
		return types.Reachable(latency, 0)

	default:
		client := m.clients[endpointKey{url: ep.URL, chainID: ep.ChainID}]
		height, err := client.BlockNumber(ctx)
		latency := m.now().Sub(start).Milliseconds()
		if err != nil {
			return types.Unreachable(err.Error())
		}
		return types.Reachable(latency, height)
	}
}

// record updates the endpoint's status snapshot and emits the probe
// measurements (with sentinel policy applied by the sink).
func (m *RPCMonitor) record(ep types.Endpoint, outcome types.ProbeOutcome) {
	key := endpointKey{url: ep.URL, chainID: ep.ChainID}
	now := m.now()

	m.mu.Lock()
	status := m.statuses[key]
	status.LastProbeAt = now
	if outcome.OK {
		status.Status = types.StatusActive
		status.LatencyMs = outcome.LatencyMs
		status.LastSuccessAt = now
		if outcome.BlockHeight > 0 {
			status.BlockHeight = outcome.BlockHeight
		}
	} else {
		status.Status = types.StatusFailed
	}
	m.statuses[key] = status
	m.mu.Unlock()

	m.sink.RecordProbe(ep, outcome)
	metrics.CountProbe(strconv.Itoa(ep.ChainID), outcome.OK)

	if !outcome.OK {
		m.logger.Warn().
			Str("endpoint", ep.URL).
			Int("chain_id", ep.ChainID).
			Str("reason", outcome.Reason).
			Msg("endpoint probe failed")
	}
}

// AllStatuses returns a snapshot of every endpoint's state as of the
// most recent probe cycle.
func (m *RPCMonitor) AllStatuses() []types.EndpointStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.EndpointStatus, 0, len(m.statuses))
	for _, chain := range m.chains {
		for _, ep := range chain.Endpoints {
			if status, ok := m.statuses[endpointKey{url: ep.URL, chainID: ep.ChainID}]; ok {
				out = append(out, status)
			}
		}
	}
	return out
}

// ChainStatuses returns the snapshot restricted to one chain,
// preserving configured endpoint order.
func (m *RPCMonitor) ChainStatuses(chainID int) []types.EndpointStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.EndpointStatus
	for _, chain := range m.chains {
		if chain.ID != chainID {
			continue
		}
		for _, ep := range chain.Endpoints {
			if status, ok := m.statuses[endpointKey{url: ep.URL, chainID: ep.ChainID}]; ok {
				out = append(out, status)
			}
		}
	}
	return out
}
