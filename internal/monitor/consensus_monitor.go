package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/XinFinOrg/XDCMonitor-sub001/internal/alerts"
	"github.com/XinFinOrg/XDCMonitor-sub001/internal/metrics"
	"github.com/XinFinOrg/XDCMonitor-sub001/internal/rpc"
	"github.com/XinFinOrg/XDCMonitor-sub001/internal/types"
)

// ConsensusFetcher is the slice of the RPC client the consensus monitor
// needs. It requires an enhanced-rpc endpoint: the XDPoS queries are
// chain-native extensions.
type ConsensusFetcher interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number uint64, full bool) (*rpc.Block, error)
	MissedRoundsInEpochByBlockNum(ctx context.Context, number uint64) (*rpc.MissedRoundsInEpoch, error)
	MasternodesByNumber(ctx context.Context, number uint64) ([]string, error)
}

// ConsensusMonitorOptions tunes the consensus monitor
type ConsensusMonitorOptions struct {
	BlocksToScan         int           // Catch-up depth per tick (default 10)
	RoundTimeout         time.Duration // Protocol timeout per skipped round (default 10s)
	ConsistencyTolerance time.Duration // Observed-vs-expected gap treated as consistent (default 2s)
	FrequentMissEvery    uint64        // Alert at each multiple of this per-miner miss total (default 10)
}

// DefaultConsensusMonitorOptions returns the documented defaults
func DefaultConsensusMonitorOptions() ConsensusMonitorOptions {
	return ConsensusMonitorOptions{
		BlocksToScan:         10,
		RoundTimeout:         10 * time.Second,
		ConsistencyTolerance: 2 * time.Second,
		FrequentMissEvery:    10,
	}
}

// minerStats accumulates per-miner production counters for one chain
type minerStats struct {
	mined           uint64
	missed          uint64
	lastActiveBlock uint64
}

// ConsensusMonitor watches XDPoS round progression: it scans newly
// produced blocks for miner attribution, pulls the chain's own
// missed-rounds report as the authoritative miss list, and checks that
// observed timeout gaps match what the skipped-round count predicts.
type ConsensusMonitor struct {
	chains []types.Chain
	opts   ConsensusMonitorOptions
	sink   *metrics.Sink
	router *alerts.Router
	logger zerolog.Logger

	// newFetcher builds the per-chain client. Swapped in tests.
	newFetcher func(chain types.Chain) (ConsensusFetcher, error)

	fetchers    map[int]ConsensusFetcher
	lastScanned map[int]uint64

	// miners is written by the tick goroutine and read by the status
	// surface.
	minersMu sync.RWMutex
	miners   map[int]map[string]*minerStats

	// processed dedupes missed rounds within the current epoch; the
	// chain resends the full epoch list on every query.
	processedEpoch map[int]uint64
	processed      map[int]map[uint64]bool

	now func() time.Time
}

// NewConsensusMonitor creates the consensus monitor
func NewConsensusMonitor(chains []types.Chain, opts ConsensusMonitorOptions, sink *metrics.Sink, router *alerts.Router, logger zerolog.Logger) *ConsensusMonitor {
	if opts.BlocksToScan <= 0 {
		opts.BlocksToScan = 10
	}
	if opts.RoundTimeout <= 0 {
		opts.RoundTimeout = 10 * time.Second
	}
	if opts.ConsistencyTolerance <= 0 {
		opts.ConsistencyTolerance = 2 * time.Second
	}
	if opts.FrequentMissEvery == 0 {
		opts.FrequentMissEvery = 10
	}

	m := &ConsensusMonitor{
		chains:         chains,
		opts:           opts,
		sink:           sink,
		router:         router,
		logger:         logger.With().Str("component", "consensus_monitor").Logger(),
		fetchers:       make(map[int]ConsensusFetcher),
		lastScanned:    make(map[int]uint64),
		miners:         make(map[int]map[string]*minerStats),
		processedEpoch: make(map[int]uint64),
		processed:      make(map[int]map[uint64]bool),
		now:            time.Now,
	}
	m.newFetcher = func(chain types.Chain) (ConsensusFetcher, error) {
		primary, fallbacks := enhancedEndpoints(chain)
		if primary == "" {
			return nil, fmt.Errorf("chain %d has no enhanced-rpc endpoint", chain.ID)
		}
		return rpc.NewClient(primary, fallbacks, rpc.DefaultOptions(), logger), nil
	}

	for _, chain := range chains {
		m.miners[chain.ID] = make(map[string]*minerStats)
		m.processed[chain.ID] = make(map[uint64]bool)
	}

	return m
}

// enhancedEndpoints returns the chain's first enhanced-rpc URL and the
// rest as fallbacks.
func enhancedEndpoints(chain types.Chain) (primary string, fallbacks []string) {
	for _, ep := range chain.Endpoints {
		if ep.Kind != types.EndpointEnhancedRPC {
			continue
		}
		if primary == "" {
			primary = ep.URL
		} else {
			fallbacks = append(fallbacks, ep.URL)
		}
	}
	return primary, fallbacks
}

// Tick runs one consensus scan over every covered chain
func (m *ConsensusMonitor) Tick(ctx context.Context) error {
	for _, chain := range m.chains {
		chain := chain
		if err := m.tickChain(ctx, chain); err != nil {
			m.logger.Warn().
				Err(err).
				Int("chain_id", chain.ID).
				Msg("consensus scan failed, will retry next tick")
		}
	}
	return nil
}

func (m *ConsensusMonitor) tickChain(ctx context.Context, chain types.Chain) error {
	fetcher, err := m.fetcher(chain)
	if err != nil {
		return err
	}

	latest, err := fetcher.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("latest height: %w", err)
	}

	if err := m.scanMiners(ctx, chain, fetcher, latest); err != nil {
		return err
	}

	epoch, err := fetcher.MissedRoundsInEpochByBlockNum(ctx, latest)
	if err != nil {
		return fmt.Errorf("missed rounds: %w", err)
	}

	// The epoch report restarts at each epoch boundary; so does the
	// dedupe set.
	if m.processedEpoch[chain.ID] != epoch.EpochRound {
		m.processedEpoch[chain.ID] = epoch.EpochRound
		m.processed[chain.ID] = make(map[uint64]bool)
	}

	for _, mr := range epoch.MissedRounds {
		if m.processed[chain.ID][mr.Round] {
			continue
		}
		m.processed[chain.ID][mr.Round] = true
		if err := m.analyzeMiss(ctx, chain, fetcher, mr); err != nil {
			m.logger.Warn().
				Err(err).
				Int("chain_id", chain.ID).
				Uint64("round", mr.Round).
				Msg("missed-round analysis failed")
		}
	}

	m.emitMinerPerformance(chain)
	m.lastScanned[chain.ID] = latest

	return nil
}

func (m *ConsensusMonitor) fetcher(chain types.Chain) (ConsensusFetcher, error) {
	if f, ok := m.fetchers[chain.ID]; ok {
		return f, nil
	}
	f, err := m.newFetcher(chain)
	if err != nil {
		return nil, err
	}
	m.fetchers[chain.ID] = f
	return f, nil
}

// scanMiners attributes newly produced blocks to their miners. At most
// BlocksToScan blocks are walked per tick; a monitor that fell behind
// skips ahead rather than replaying history.
func (m *ConsensusMonitor) scanMiners(ctx context.Context, chain types.Chain, fetcher ConsensusFetcher, latest uint64) error {
	from := m.lastScanned[chain.ID] + 1
	span := uint64(m.opts.BlocksToScan)
	if m.lastScanned[chain.ID] == 0 || latest-from+1 > span {
		if latest >= span {
			from = latest - span + 1
		} else {
			from = 1
		}
	}

	for n := from; n <= latest; n++ {
		block, err := fetcher.BlockByNumber(ctx, n, false)
		if err != nil {
			return fmt.Errorf("block %d: %w", n, err)
		}
		if block == nil || block.Miner == "" {
			continue
		}
		stats := m.minerStats(chain.ID, block.Miner)
		stats.mined++
		stats.lastActiveBlock = n
	}
	return nil
}

func (m *ConsensusMonitor) minerStats(chainID int, miner string) *minerStats {
	m.minersMu.Lock()
	defer m.minersMu.Unlock()
	stats, ok := m.miners[chainID][miner]
	if !ok {
		stats = &minerStats{}
		m.miners[chainID][miner] = stats
	}
	return stats
}

// analyzeMiss turns one authoritative missed round into a timing
// verdict: how many round-robin slots were skipped between the expected
// miner and the one that actually produced, what timeout gap that
// predicts, and whether the chain's observed gap agrees.
func (m *ConsensusMonitor) analyzeMiss(ctx context.Context, chain types.Chain, fetcher ConsensusFetcher, mr rpc.MissedRound) error {
	current, err := fetcher.BlockByNumber(ctx, mr.CurrentBlockNum, false)
	if err != nil {
		return fmt.Errorf("current block %d: %w", mr.CurrentBlockNum, err)
	}
	parent, err := fetcher.BlockByNumber(ctx, mr.ParentBlockNum, false)
	if err != nil {
		return fmt.Errorf("parent block %d: %w", mr.ParentBlockNum, err)
	}
	if current == nil || parent == nil {
		return fmt.Errorf("blocks %d/%d unavailable", mr.CurrentBlockNum, mr.ParentBlockNum)
	}

	masternodes, err := fetcher.MasternodesByNumber(ctx, mr.ParentBlockNum)
	if err != nil {
		return fmt.Errorf("masternodes at %d: %w", mr.ParentBlockNum, err)
	}

	skipped := skippedSlots(masternodes, mr.Miner, current.Miner)
	expectedTimeout := float64(skipped) * m.opts.RoundTimeout.Seconds()
	observedTimeout := float64(int64(current.Timestamp) - int64(parent.Timestamp))
	consistent := variance(observedTimeout, expectedTimeout) <= m.opts.ConsistencyTolerance.Seconds()

	missed := types.MissedRound{
		ChainID:                chain.ID,
		BlockNumber:            mr.CurrentBlockNum,
		Round:                  mr.Round,
		ExpectedMiner:          mr.Miner,
		ActualMiner:            current.Miner,
		MissedCount:            skipped,
		ObservedTimeoutSeconds: observedTimeout,
		ExpectedTimeoutSeconds: expectedTimeout,
		Consistent:             consistent,
	}

	m.sink.RecordMissedRound(missed)
	m.sink.RecordTimeoutPeriod(missed)

	stats := m.minerStats(chain.ID, mr.Miner)
	stats.missed++
	m.sink.RecordMinerMissedRounds(chain.ID, mr.Miner, stats.missed)

	m.logger.Info().
		Int("chain_id", chain.ID).
		Uint64("round", mr.Round).
		Str("expected_miner", mr.Miner).
		Str("actual_miner", current.Miner).
		Int("skipped", skipped).
		Float64("observed_timeout", observedTimeout).
		Float64("expected_timeout", expectedTimeout).
		Bool("consistent", consistent).
		Msg("missed consensus round")

	if !consistent {
		m.raiseUnusualTimeout(chain, missed)
	}
	if stats.missed%m.opts.FrequentMissEvery == 0 {
		m.raiseFrequentMiss(chain, mr.Miner, stats.missed)
	}

	return nil
}

// skippedSlots is the wrap-around distance from the actual miner to
// the expected miner in round-robin order: how many rotation slots the
// chain passed over before the actual miner produced. Zero when either
// miner is not in the list.
func skippedSlots(masternodes []string, expected, actual string) int {
	expectedIdx, actualIdx := -1, -1
	for i, mn := range masternodes {
		if mn == expected {
			expectedIdx = i
		}
		if mn == actual {
			actualIdx = i
		}
	}
	if expectedIdx < 0 || actualIdx < 0 || len(masternodes) == 0 {
		return 0
	}
	n := len(masternodes)
	return ((expectedIdx - actualIdx) + n) % n
}

func variance(observed, expected float64) float64 {
	if observed > expected {
		return observed - expected
	}
	return expected - observed
}

func (m *ConsensusMonitor) raiseUnusualTimeout(chain types.Chain, missed types.MissedRound) {
	_, err := m.router.Raise(alerts.Options{
		Severity:  types.SeverityWarning,
		Category:  types.CategoryConsensus,
		Component: "consensus_monitor",
		Type:      alerts.TypeUnusualTimeout,
		ChainID:   chain.ID,
		Title:     fmt.Sprintf("Unusual timeout period on %s", chain.Name),
		Message: fmt.Sprintf("Round %d: observed %.0fs, expected %.0fs for %d skipped round(s); expected miner %s, actual %s",
			missed.Round, missed.ObservedTimeoutSeconds, missed.ExpectedTimeoutSeconds,
			missed.MissedCount, missed.ExpectedMiner, missed.ActualMiner),
		Metadata: map[string]string{
			"round":        fmt.Sprintf("%d", missed.Round),
			"block_number": fmt.Sprintf("%d", missed.BlockNumber),
		},
	})
	if err != nil && err != alerts.ErrThrottled {
		m.logger.Error().Err(err).Msg("failed to raise unusual-timeout alert")
	}
}

func (m *ConsensusMonitor) raiseFrequentMiss(chain types.Chain, miner string, total uint64) {
	_, err := m.router.Raise(alerts.Options{
		Severity:  types.SeverityWarning,
		Category:  types.CategoryConsensus,
		Component: "consensus_monitor",
		Type:      alerts.TypeFrequentMiss,
		ChainID:   chain.ID,
		Title:     fmt.Sprintf("Frequently missing miner on %s", chain.Name),
		Message:   fmt.Sprintf("Masternode %s has missed %d rounds", miner, total),
		Metadata:  map[string]string{"miner": miner},
	})
	if err != nil && err != alerts.ErrThrottled {
		m.logger.Error().Err(err).Msg("failed to raise frequent-miss alert")
	}
}

// emitMinerPerformance writes the per-miner counters for every miner
// seen on the chain so far.
func (m *ConsensusMonitor) emitMinerPerformance(chain types.Chain) {
	m.minersMu.RLock()
	defer m.minersMu.RUnlock()
	for miner, stats := range m.miners[chain.ID] {
		m.sink.RecordMinerPerformance(chain.ID, miner, stats.mined, stats.missed, stats.lastActiveBlock)
	}
}

// MinerSummary is one miner's accumulated counters
type MinerSummary struct {
	Miner           string
	Mined           uint64
	Missed          uint64
	LastActiveBlock uint64
}

// Miners returns the accumulated per-miner counters for a chain
func (m *ConsensusMonitor) Miners(chainID int) []MinerSummary {
	m.minersMu.RLock()
	defer m.minersMu.RUnlock()
	var out []MinerSummary
	for miner, stats := range m.miners[chainID] {
		out = append(out, MinerSummary{
			Miner:           miner,
			Mined:           stats.mined,
			Missed:          stats.missed,
			LastActiveBlock: stats.lastActiveBlock,
		})
	}
	return out
}
