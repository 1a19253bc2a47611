package monitor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/XinFinOrg/XDCMonitor-sub001/internal/alerts"
	"github.com/XinFinOrg/XDCMonitor-sub001/internal/metrics"
	"github.com/XinFinOrg/XDCMonitor-sub001/internal/rpc"
	"github.com/XinFinOrg/XDCMonitor-sub001/internal/stats"
	"github.com/XinFinOrg/XDCMonitor-sub001/internal/types"
)

// BlockFetcher is the slice of the RPC client the block monitor needs.
// *rpc.Client satisfies it; tests substitute fakes.
type BlockFetcher interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number uint64, full bool) (*rpc.Block, error)
	TransactionReceiptStatus(ctx context.Context, hash string) (success bool, ok bool, err error)
}

// StatusProvider supplies endpoint snapshots from the RPC monitor
type StatusProvider interface {
	ChainStatuses(chainID int) []types.EndpointStatus
}

// BlockMonitorOptions tunes the block monitor
type BlockMonitorOptions struct {
	BlockTimeThreshold  float64       // Seconds; above this a high-block-time alert fires
	BlockTimeWindow     time.Duration // Sliding window for block-time stats (default 24h)
	BlockTimeMaxPoints  int           // Point cap for the block-time window (default 100)
	ThroughputWindow    time.Duration // Sliding window for tx throughput (default 5m)
	SyncLagWarning      uint64        // blocksBehind >= this is a warning (default 100)
	SyncLagCritical     uint64        // blocksBehind >= this is critical (default 1000)
	SyncLagThrottle     time.Duration // Monitor-side sync-lag throttle (default 60m)
	DowntimeAlertAfter  time.Duration // Primary down this long raises critical (default 1h)
	AnalyzeTransactions bool
}

// DefaultBlockMonitorOptions returns the documented defaults
func DefaultBlockMonitorOptions() BlockMonitorOptions {
	return BlockMonitorOptions{
		BlockTimeThreshold:  2,
		BlockTimeWindow:     24 * time.Hour,
		BlockTimeMaxPoints:  100,
		ThroughputWindow:    5 * time.Minute,
		SyncLagWarning:      100,
		SyncLagCritical:     1000,
		SyncLagThrottle:     60 * time.Minute,
		DowntimeAlertAfter:  time.Hour,
		AnalyzeTransactions: true,
	}
}

// primaryState tracks downtime of a chain's designated primary endpoint
type primaryState struct {
	url       string
	downSince time.Time
	alerted   bool
}

// BlockMonitor selects the freshest endpoint per chain, derives
// block-time and transaction statistics, and runs the sync-lag and
// primary-downtime detectors.
type BlockMonitor struct {
	chains   []types.Chain
	opts     BlockMonitorOptions
	sink     *metrics.Sink
	router   *alerts.Router
	statuses StatusProvider
	logger   zerolog.Logger

	// newFetcher builds the long-timeout client for a selected best
	// endpoint. Swapped in tests.
	newFetcher func(primary string, fallbacks []string) BlockFetcher

	// probeHeight measures one endpoint with the short-timeout client,
	// for the cold-start fallback. Swapped in tests.
	probeHeight func(ctx context.Context, ep types.Endpoint) (uint64, int64, error)

	blockTimes map[int]*stats.Window
	throughput map[int]*stats.Window
	primaries  map[int]*primaryState
	lastLagAt  map[int]time.Time

	// lastBlocks is written by the tick goroutine and read by the
	// status surface.
	stateMu    sync.RWMutex
	lastBlocks map[int]BlockSummary

	now func() time.Time
}

// BlockSummary is the last observed head block per chain, kept for the
// status accessors the HTTP surface polls.
type BlockSummary struct {
	ChainID       int
	Number        uint64
	Timestamp     uint64
	TxCount       int
	Miner         string
	BlockTimeSecs float64
	Endpoint      string
	ObservedAt    time.Time
}

// NewBlockMonitor creates the block monitor
func NewBlockMonitor(chains []types.Chain, opts BlockMonitorOptions, sink *metrics.Sink, router *alerts.Router, statuses StatusProvider, logger zerolog.Logger) *BlockMonitor {
	if opts.BlockTimeWindow <= 0 {
		opts.BlockTimeWindow = 24 * time.Hour
	}
	if opts.BlockTimeMaxPoints <= 0 {
		opts.BlockTimeMaxPoints = 100
	}
	if opts.ThroughputWindow <= 0 {
		opts.ThroughputWindow = 5 * time.Minute
	}
	if opts.SyncLagWarning == 0 {
		opts.SyncLagWarning = 100
	}
	if opts.SyncLagCritical == 0 {
		opts.SyncLagCritical = 1000
	}
	if opts.SyncLagThrottle <= 0 {
		opts.SyncLagThrottle = alerts.SyncBlocksLagWindow
	}
	if opts.DowntimeAlertAfter <= 0 {
		opts.DowntimeAlertAfter = time.Hour
	}

	m := &BlockMonitor{
		chains:   chains,
		opts:     opts,
		sink:     sink,
		router:   router,
		statuses: statuses,
		logger:   logger.With().Str("component", "block_monitor").Logger(),
		newFetcher: func(primary string, fallbacks []string) BlockFetcher {
			return rpc.NewClient(primary, fallbacks, rpc.FetchOptions(), logger)
		},
		probeHeight: func(ctx context.Context, ep types.Endpoint) (uint64, int64, error) {
			client := rpc.NewClient(ep.URL, nil, rpc.ProbeOptions(), logger)
			start := time.Now()
			height, err := client.BlockNumber(ctx)
			return height, time.Since(start).Milliseconds(), err
		},
		blockTimes: make(map[int]*stats.Window),
		throughput: make(map[int]*stats.Window),
		primaries:  make(map[int]*primaryState),
		lastLagAt:  make(map[int]time.Time),
		lastBlocks: make(map[int]BlockSummary),
		now:        time.Now,
	}

	for _, chain := range chains {
		m.blockTimes[chain.ID] = stats.NewWindow(opts.BlockTimeWindow, opts.BlockTimeMaxPoints)
		m.throughput[chain.ID] = stats.NewWindow(opts.ThroughputWindow, 0)
	}

	return m
}

// Tick runs one scan over every chain. A failure on one chain is
// logged and the remaining chains still run.
func (m *BlockMonitor) Tick(ctx context.Context) error {
	for _, chain := range m.chains {
		chain := chain
		if err := m.tickChain(ctx, chain); err != nil {
			m.logger.Warn().
				Err(err).
				Int("chain_id", chain.ID).
				Str("chain", chain.Name).
				Msg("block scan failed, will retry next tick")
		}
	}
	return nil
}

// ScanChain runs one scan for a single chain. Callers that dispatch
// per-chain work items (the work queue) use this instead of Tick; the
// error propagates so the queue can retry.
func (m *BlockMonitor) ScanChain(ctx context.Context, chainID int) error {
	for _, chain := range m.chains {
		if chain.ID == chainID {
			return m.tickChain(ctx, chain)
		}
	}
	return fmt.Errorf("unknown chain %d", chainID)
}

func (m *BlockMonitor) tickChain(ctx context.Context, chain types.Chain) error {
	statuses := m.rpcStatuses(chain.ID)

	best, ok := selectBest(statuses)
	if !ok {
		// Cold start: the endpoint monitor has not landed a cycle yet.
		// Probe the configured endpoints once so the first scans after
		// startup still find a head to read.
		statuses = m.probeEndpoints(ctx, chain)
		if best, ok = selectBest(statuses); !ok {
			m.logger.Debug().Int("chain_id", chain.ID).Msg("no healthy endpoint, skipping scan")
			return nil
		}
	}

	m.trackPrimary(chain, statuses, best)

	fetcher := m.newFetcher(best.URL, healthyFallbacks(statuses, best.URL))

	head := best.BlockHeight
	var blockN, blockPrev *rpc.Block
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		blockN, err = fetcher.BlockByNumber(gctx, head, m.opts.AnalyzeTransactions)
		return err
	})
	g.Go(func() error {
		var err error
		blockPrev, err = fetcher.BlockByNumber(gctx, head-1, false)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("fetch blocks %d/%d from %s: %w", head, head-1, best.URL, err)
	}
	if blockN == nil || blockPrev == nil {
		return fmt.Errorf("block %d or %d missing on %s", head, head-1, best.URL)
	}

	m.observeBlockTime(chain, blockN, blockPrev, best.URL)

	if m.opts.AnalyzeTransactions {
		m.analyzeTransactions(ctx, chain, fetcher, blockN)
	}

	m.observeVariance(chain, statuses)
	m.detectSyncLag(chain, statuses)

	return nil
}

// rpcStatuses returns the chain's non-websocket endpoint snapshots
func (m *BlockMonitor) rpcStatuses(chainID int) []types.EndpointStatus {
	all := m.statuses.ChainStatuses(chainID)
	out := make([]types.EndpointStatus, 0, len(all))
	for _, st := range all {
		if st.Kind != types.EndpointWebsocket {
			out = append(out, st)
		}
	}
	return out
}

// probeEndpoints measures every configured non-websocket endpoint of
// the chain once with the short-timeout client and returns synthetic
// snapshots for the reachable ones.
func (m *BlockMonitor) probeEndpoints(ctx context.Context, chain types.Chain) []types.EndpointStatus {
	var out []types.EndpointStatus
	for _, ep := range chain.Endpoints {
		if ep.Kind == types.EndpointWebsocket {
			continue
		}
		height, latency, err := m.probeHeight(ctx, ep)
		if err != nil {
			m.logger.Debug().
				Str("endpoint", ep.URL).
				Err(err).
				Msg("cold-start probe failed")
			continue
		}
		out = append(out, types.EndpointStatus{
			URL:         ep.URL,
			Name:        ep.Name,
			Kind:        ep.Kind,
			ChainID:     ep.ChainID,
			Status:      types.StatusActive,
			LatencyMs:   latency,
			BlockHeight: height,
		})
	}
	return out
}

// selectBest picks the healthy endpoint with the highest observed
// block height; ties break by lowest latency, then stable input order.
func selectBest(statuses []types.EndpointStatus) (types.EndpointStatus, bool) {
	var best types.EndpointStatus
	found := false
	for _, st := range statuses {
		if st.Status != types.StatusActive || st.BlockHeight == 0 {
			continue
		}
		if !found ||
			st.BlockHeight > best.BlockHeight ||
			(st.BlockHeight == best.BlockHeight && st.LatencyMs < best.LatencyMs) {
			best = st
			found = true
		}
	}
	return best, found
}

// healthyFallbacks lists the other active endpoints in configured
// order, for the fetch client's fallback chain.
func healthyFallbacks(statuses []types.EndpointStatus, primaryURL string) []string {
	var out []string
	for _, st := range statuses {
		if st.URL != primaryURL && st.Status == types.StatusActive {
			out = append(out, st.URL)
		}
	}
	return out
}

// observeBlockTime computes ts_N − ts_{N-1}, rejects non-positive
// values as data-integrity failures, and records the sample.
func (m *BlockMonitor) observeBlockTime(chain types.Chain, blockN, blockPrev *rpc.Block, endpoint string) {
	seconds := float64(int64(blockN.Timestamp) - int64(blockPrev.Timestamp))
	if seconds <= 0 {
		m.logger.Warn().
			Int("chain_id", chain.ID).
			Uint64("block", blockN.Number).
			Float64("seconds", seconds).
			Msg("non-positive block time discarded")
		return
	}

	now := m.now()
	m.blockTimes[chain.ID].Add(seconds, now)
	m.sink.RecordBlockTime(chain.ID, seconds)

	m.stateMu.Lock()
	m.lastBlocks[chain.ID] = BlockSummary{
		ChainID:       chain.ID,
		Number:        blockN.Number,
		Timestamp:     blockN.Timestamp,
		TxCount:       blockN.TxCount(),
		Miner:         blockN.Miner,
		BlockTimeSecs: seconds,
		Endpoint:      endpoint,
		ObservedAt:    now,
	}
	m.stateMu.Unlock()

	if seconds > m.opts.BlockTimeThreshold {
		_, err := m.router.Raise(alerts.Options{
			Severity:  types.SeverityWarning,
			Category:  types.CategoryBlockchain,
			Component: "block_monitor",
			Type:      alerts.TypeHighBlockTime,
			ChainID:   chain.ID,
			Title:     fmt.Sprintf("High block time on %s", chain.Name),
			Message: fmt.Sprintf("Block %d took %.0fs (threshold %.0fs)",
				blockN.Number, seconds, m.opts.BlockTimeThreshold),
			Metadata: map[string]string{
				"block_number": fmt.Sprintf("%d", blockN.Number),
				"endpoint":     endpoint,
			},
		})
		if err != nil && err != alerts.ErrThrottled {
			m.logger.Error().Err(err).Msg("failed to raise high-block-time alert")
		}
	}
}

// observeVariance emits max−min height across the chain's endpoints
// this cycle; fewer than two observations means variance 0.
func (m *BlockMonitor) observeVariance(chain types.Chain, statuses []types.EndpointStatus) {
	var variance uint64
	heights := observedHeights(statuses)
	if len(heights) >= 2 {
		min, max := heights[0], heights[0]
		for _, h := range heights[1:] {
			if h < min {
				min = h
			}
			if h > max {
				max = h
			}
		}
		variance = max - min
	}
	m.sink.RecordBlockHeightVariance(chain.ID, variance)
}

func observedHeights(statuses []types.EndpointStatus) []uint64 {
	var out []uint64
	for _, st := range statuses {
		if st.BlockHeight > 0 {
			out = append(out, st.BlockHeight)
		}
	}
	return out
}

// laggard is one endpoint behind the chain head
type laggard struct {
	url          string
	height       uint64
	blocksBehind uint64
}

// detectSyncLag classifies every endpoint by blocksBehind against the
// highest observed height and raises at most one grouped alert per
// classification per cycle, throttled at the monitor.
func (m *BlockMonitor) detectSyncLag(chain types.Chain, statuses []types.EndpointStatus) {
	heights := observedHeights(statuses)
	if len(heights) == 0 {
		return
	}
	var highest uint64
	for _, h := range heights {
		if h > highest {
			highest = h
		}
	}

	var warnings, criticals []laggard
	for _, st := range statuses {
		if st.BlockHeight == 0 {
			// No height this cycle; the probe path already wrote the
			// sentinel for this endpoint.
			continue
		}
		behind := highest - st.BlockHeight
		switch {
		case behind >= m.opts.SyncLagCritical:
			criticals = append(criticals, laggard{url: st.URL, height: st.BlockHeight, blocksBehind: behind})
		case behind >= m.opts.SyncLagWarning:
			warnings = append(warnings, laggard{url: st.URL, height: st.BlockHeight, blocksBehind: behind})
		}
	}

	if len(warnings) == 0 && len(criticals) == 0 {
		return
	}

	// Monitor-layer throttle, in addition to the router's. Updated
	// only when an alert is actually sent.
	if last, ok := m.lastLagAt[chain.ID]; ok && m.now().Sub(last) < m.opts.SyncLagThrottle {
		return
	}

	sent := false
	if len(criticals) > 0 {
		if m.raiseSyncLagAlert(chain, types.SeverityCritical, alerts.TypeSyncBlocksLag+"_critical", criticals) {
			sent = true
		}
	}
	if len(warnings) > 0 {
		if m.raiseSyncLagAlert(chain, types.SeverityWarning, alerts.TypeSyncBlocksLag+"_warning", warnings) {
			sent = true
		}
	}
	if sent {
		m.lastLagAt[chain.ID] = m.now()
	}
}

// raiseSyncLagAlert renders one grouped alert: affected count, top 5
// by blocksBehind descending, and a summary suffix beyond 5.
func (m *BlockMonitor) raiseSyncLagAlert(chain types.Chain, severity types.Severity, alertType string, group []laggard) bool {
	sort.Slice(group, func(i, j int) bool {
		return group[i].blocksBehind > group[j].blocksBehind
	})

	var b strings.Builder
	fmt.Fprintf(&b, "%d endpoint(s) behind the chain head:\n", len(group))
	top := group
	if len(top) > 5 {
		top = top[:5]
	}
	for _, l := range top {
		fmt.Fprintf(&b, "- %s: %d delay blocks (at block %d)\n", l.url, l.blocksBehind, l.height)
	}
	if len(group) > 5 {
		fmt.Fprintf(&b, "... and %d more", len(group)-5)
	}

	_, err := m.router.Raise(alerts.Options{
		Severity:  severity,
		Category:  types.CategorySync,
		Component: "block_monitor",
		Type:      alertType,
		ChainID:   chain.ID,
		Title:     fmt.Sprintf("Sync lag (%s) on %s", severity, chain.Name),
		Message:   b.String(),
	})
	if err != nil {
		if err != alerts.ErrThrottled {
			m.logger.Error().Err(err).Msg("failed to raise sync-lag alert")
		}
		return false
	}
	return true
}

// trackPrimary runs the primary-endpoint downtime state machine.
// The designated primary is sticky while down so its downtime
// accumulates; it is redesignated to the current best only while
// healthy.
func (m *BlockMonitor) trackPrimary(chain types.Chain, statuses []types.EndpointStatus, best types.EndpointStatus) {
	state := m.primaries[chain.ID]
	if state == nil {
		state = &primaryState{url: best.URL}
		m.primaries[chain.ID] = state
	}

	var primary *types.EndpointStatus
	for i := range statuses {
		if statuses[i].URL == state.url {
			primary = &statuses[i]
			break
		}
	}
	if primary == nil {
		// Endpoint vanished from config; redesignate.
		state.url = best.URL
		state.downSince = time.Time{}
		state.alerted = false
		return
	}

	now := m.now()
	switch primary.Status {
	case types.StatusFailed:
		if state.downSince.IsZero() {
			state.downSince = now
			state.alerted = false
			return
		}
		downFor := now.Sub(state.downSince)
		if downFor >= m.opts.DowntimeAlertAfter && !state.alerted {
			_, err := m.router.Raise(alerts.Options{
				Severity:  types.SeverityCritical,
				Category:  types.CategoryRPC,
				Component: "block_monitor",
				Type:      alerts.TypeRPCEndpointDown,
				ChainID:   chain.ID,
				Title:     fmt.Sprintf("Primary endpoint down on %s", chain.Name),
				Message: fmt.Sprintf("%s has been unreachable for %s",
					state.url, downFor.Round(time.Minute)),
				Metadata: map[string]string{"endpoint": state.url},
			})
			if err == nil {
				state.alerted = true
			} else if err != alerts.ErrThrottled {
				m.logger.Error().Err(err).Msg("failed to raise endpoint-down alert")
			}
		}
	case types.StatusActive:
		state.downSince = time.Time{}
		state.alerted = false
		if state.url != best.URL {
			state.url = best.URL
		}
	}
}

// LastBlock returns the most recent head summary for a chain
func (m *BlockMonitor) LastBlock(chainID int) (BlockSummary, bool) {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	summary, ok := m.lastBlocks[chainID]
	return summary, ok
}

// BlockTimeStats returns (mean, min, max, count) of the chain's
// block-time window.
func (m *BlockMonitor) BlockTimeStats(chainID int) (mean, min, max float64, count int) {
	w, ok := m.blockTimes[chainID]
	if !ok {
		return 0, 0, 0, 0
	}
	return w.Mean(), w.Min(), w.Max(), w.Count()
}
