package metrics

import (
	"strconv"

	"github.com/XinFinOrg/XDCMonitor-sub001/internal/types"
)

// Typed emitters. One method per measurement kind so the tag schema is
// fixed at the call site and sentinel policy lives here instead of
// being woven through every monitor.

func chainTag(chainID int) string { return strconv.Itoa(chainID) }

// RecordProbe writes the full probe result set for one endpoint: one
// status point, one latency point, and (when known) one height point.
// Unreachable endpoints get sentinel values so the series never gaps.
func (s *Sink) RecordProbe(ep types.Endpoint, outcome types.ProbeOutcome) {
	if ep.Kind == types.EndpointWebsocket {
		s.RecordWebsocketStatus(ep.URL, ep.ChainID, outcome.OK)
		return
	}
	s.RecordRPCStatus(ep.URL, ep.ChainID, outcome.OK)
	s.RecordRPCLatency(ep.URL, ep.ChainID, outcome)
	s.RecordBlockHeight(ep.URL, ep.ChainID, outcome)
}

// RecordRPCStatus writes rpc_status {chainId, endpoint} value 1|0
func (s *Sink) RecordRPCStatus(endpoint string, chainID int, up bool) {
	value := int64(1)
	if !up {
		value = s.policy.StatusDown
	}
	s.Record(NewMeasurement(types.MeasRPCStatus,
		map[string]string{"chainId": chainTag(chainID), "endpoint": endpoint},
		map[string]any{"value": value}))
}

// RecordWebsocketStatus writes websocket_status {chainId, endpoint}
func (s *Sink) RecordWebsocketStatus(endpoint string, chainID int, up bool) {
	value := int64(1)
	if !up {
		value = s.policy.StatusDown
	}
	s.Record(NewMeasurement(types.MeasWebsocketStatus,
		map[string]string{"chainId": chainTag(chainID), "endpoint": endpoint},
		map[string]any{"value": value}))
}

// RecordRPCLatency writes rpc_latency {chainId, endpoint} in ms.
// Unreachable probes get the latency sentinel; the value written is
// never negative for a reachable probe.
func (s *Sink) RecordRPCLatency(endpoint string, chainID int, outcome types.ProbeOutcome) {
	var value int64
	if outcome.OK {
		value = outcome.LatencyMs
		if value < 0 {
			value = 0
		}
	} else {
		if !s.policy.Enabled {
			return
		}
		value = s.policy.Latency
	}
	s.Record(NewMeasurement(types.MeasRPCLatency,
		map[string]string{"chainId": chainTag(chainID), "endpoint": endpoint},
		map[string]any{"value": value}))
}

// RecordBlockHeight writes block_height {chainId, endpoint}. On an
// unreachable probe the last known good height for the series is
// written when available, else -1.
func (s *Sink) RecordBlockHeight(endpoint string, chainID int, outcome types.ProbeOutcome) {
	key := HeightKey{Endpoint: endpoint, ChainID: chainID}
	var value int64
	if outcome.OK {
		value = int64(outcome.BlockHeight)
		s.rememberHeight(key, outcome.BlockHeight)
	} else {
		if !s.policy.Enabled {
			return
		}
		if last, ok := s.lastKnownHeight(key); ok {
			value = int64(last)
		} else {
			value = -1
		}
	}
	s.Record(NewMeasurement(types.MeasBlockHeight,
		map[string]string{"chainId": chainTag(chainID), "endpoint": endpoint},
		map[string]any{"value": value}))
}

// RecordBlockTime writes block_time {chainId} in seconds
func (s *Sink) RecordBlockTime(chainID int, seconds float64) {
	s.Record(NewMeasurement(types.MeasBlockTime,
		map[string]string{"chainId": chainTag(chainID)},
		map[string]any{"seconds": seconds}))
}

// RecordExplorerStatus writes explorer_status {chainId, url}
func (s *Sink) RecordExplorerStatus(url string, chainID int, up bool) {
	value := int64(1)
	if !up {
		value = s.policy.StatusDown
	}
	s.Record(NewMeasurement(types.MeasExplorerStatus,
		map[string]string{"chainId": chainTag(chainID), "url": url},
		map[string]any{"value": value}))
}

// RecordFaucetStatus writes faucet_status {chainId, url}
func (s *Sink) RecordFaucetStatus(url string, chainID int, up bool) {
	value := int64(1)
	if !up {
		value = s.policy.StatusDown
	}
	s.Record(NewMeasurement(types.MeasFaucetStatus,
		map[string]string{"chainId": chainTag(chainID), "url": url},
		map[string]any{"value": value}))
}

// RecordTransactionsPerBlock writes one transactions_per_block point
// {chainId, block_number, status} with status one of total|success|failed.
func (s *Sink) RecordTransactionsPerBlock(chainID int, blockNumber uint64, status string, count int) {
	s.Record(NewMeasurement(types.MeasTxPerBlock,
		map[string]string{
			"chainId":      chainTag(chainID),
			"block_number": strconv.FormatUint(blockNumber, 10),
			"status":       status,
		},
		map[string]any{"count": int64(count)}))
}

// RecordTransactionsPerMinute writes transactions_per_minute {chainId}
func (s *Sink) RecordTransactionsPerMinute(chainID int, perMinute float64) {
	s.Record(NewMeasurement(types.MeasTxPerMinute,
		map[string]string{"chainId": chainTag(chainID)},
		map[string]any{"value": perMinute}))
}

// RecordBlockHeightVariance writes block_height_variance {chainId}:
// max − min across the chain's endpoints this cycle.
func (s *Sink) RecordBlockHeightVariance(chainID int, variance uint64) {
	s.Record(NewMeasurement(types.MeasBlockHeightVariance,
		map[string]string{"chainId": chainTag(chainID)},
		map[string]any{"value": int64(variance)}))
}

// RecordAlertCount writes alert_count {severity, category}
func (s *Sink) RecordAlertCount(severity types.Severity, category types.Category, count int) {
	s.Record(NewMeasurement(types.MeasAlertCount,
		map[string]string{"severity": string(severity), "category": string(category)},
		map[string]any{"value": int64(count)}))
}

// RecordAlertHistory writes alert_history {severity, category, component}
func (s *Sink) RecordAlertHistory(severity types.Severity, category types.Category, component, title, message string) {
	s.Record(NewMeasurement(types.MeasAlertHistory,
		map[string]string{
			"severity":  string(severity),
			"category":  string(category),
			"component": component,
		},
		map[string]any{"title": title, "message": message}))
}

// RecordMissedRound writes consensus_missed_rounds {chainId, miner}
func (s *Sink) RecordMissedRound(mr types.MissedRound) {
	s.Record(NewMeasurement(types.MeasConsensusMissedRounds,
		map[string]string{"chainId": chainTag(mr.ChainID), "miner": mr.ExpectedMiner},
		map[string]any{
			"block_number": int64(mr.BlockNumber),
			"round":        int64(mr.Round),
			"missed_count": int64(mr.MissedCount),
		}))
}

// RecordTimeoutPeriod writes consensus_timeout_periods {chainId, miner}.
// Variance is the absolute observed-vs-expected gap.
func (s *Sink) RecordTimeoutPeriod(mr types.MissedRound) {
	variance := mr.ObservedTimeoutSeconds - mr.ExpectedTimeoutSeconds
	if variance < 0 {
		variance = -variance
	}
	s.Record(NewMeasurement(types.MeasConsensusTimeoutPeriods,
		map[string]string{"chainId": chainTag(mr.ChainID), "miner": mr.ExpectedMiner},
		map[string]any{
			"observed_seconds": mr.ObservedTimeoutSeconds,
			"expected_seconds": mr.ExpectedTimeoutSeconds,
			"variance":         variance,
			"consistent":       mr.Consistent,
		}))
}

// RecordMinerPerformance writes consensus_miner_performance {chainId, miner}
func (s *Sink) RecordMinerPerformance(chainID int, miner string, mined, missed uint64, lastActiveBlock uint64) {
	successRate := 100.0
	if mined+missed > 0 {
		successRate = float64(mined) / float64(mined+missed) * 100
	}
	s.Record(NewMeasurement(types.MeasMinerPerformance,
		map[string]string{"chainId": chainTag(chainID), "miner": miner},
		map[string]any{
			"mined":             int64(mined),
			"missed":            int64(missed),
			"success_rate":      successRate,
			"last_active_block": int64(lastActiveBlock),
		}))
}

// RecordMinerMissedRounds writes consensus_miner_missed_rounds
// {chainId, miner} with the miner's cumulative miss count.
func (s *Sink) RecordMinerMissedRounds(chainID int, miner string, total uint64) {
	s.Record(NewMeasurement(types.MeasMinerMissedRounds,
		map[string]string{"chainId": chainTag(chainID), "miner": miner},
		map[string]any{"total": int64(total)}))
}

// RecordSystem writes monitor_system self-metrics
func (s *Sink) RecordSystem(cpuPercent, memoryMB float64, goroutines int) {
	s.Record(NewMeasurement(types.MeasMonitorSystem,
		map[string]string{},
		map[string]any{
			"cpu_percent": cpuPercent,
			"memory_mb":   memoryMB,
			"goroutines":  int64(goroutines),
		}))
}
