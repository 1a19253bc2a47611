package types

import (
	"time"
)

// LogLevel represents log verbosity level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// LogFormat represents log output format
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // JSON format for log aggregation
	LogFormatPretty LogFormat = "pretty" // Human-readable for local dev
)

// EndpointKind distinguishes how an endpoint is probed
type EndpointKind string

const (
	EndpointHTTPRPC     EndpointKind = "http-rpc"     // Plain JSON-RPC over HTTP(S)
	EndpointEnhancedRPC EndpointKind = "enhanced-rpc" // JSON-RPC with chain-native extensions (XDPoS queries)
	EndpointWebsocket   EndpointKind = "websocket"    // Probed by connection attempt only
)

// Endpoint is one RPC or WebSocket URL belonging to a chain.
// Endpoints are immutable after configuration load.
type Endpoint struct {
	URL         string
	Name        string
	Kind        EndpointKind
	ChainID     int
	Conditional bool // Only probed when the matching runtime toggle is enabled
}

// Chain describes one monitored blockchain.
// The endpoint list order is significant: it is the tie-break of last
// resort during best-endpoint selection.
type Chain struct {
	ID              int
	Name            string
	TargetBlockTime time.Duration
	Mainnet         bool // Mainnet work is prioritized over test networks
	Endpoints       []Endpoint
}

// EndpointStatusValue is the probe-derived health of an endpoint
type EndpointStatusValue string

const (
	StatusActive  EndpointStatusValue = "active"
	StatusFailed  EndpointStatusValue = "failed"
	StatusUnknown EndpointStatusValue = "unknown"
)

// EndpointStatus is a read-only snapshot of one endpoint's state as of
// the most recent probe cycle. The RPC monitor is the single writer;
// everything else reads copies.
type EndpointStatus struct {
	URL           string
	Name          string
	Kind          EndpointKind
	ChainID       int
	Status        EndpointStatusValue
	LatencyMs     int64
	BlockHeight   uint64
	LastProbeAt   time.Time
	LastSuccessAt time.Time
}

// ProbeOutcome is the result of one probe against one endpoint: either
// an observation or an explicit unreachable marker. Monitors hand this
// to the metrics sink, which applies sentinel policy; call sites never
// invent sentinel values themselves.
type ProbeOutcome struct {
	OK          bool
	LatencyMs   int64
	BlockHeight uint64
	Reason      string // Set when !OK
}

// Reachable builds a successful probe outcome, clamping negative
// latency readings (clock skew) to zero.
func Reachable(latencyMs int64, height uint64) ProbeOutcome {
	if latencyMs < 0 {
		latencyMs = 0
	}
	return ProbeOutcome{OK: true, LatencyMs: latencyMs, BlockHeight: height}
}

// Unreachable builds a failed probe outcome
func Unreachable(reason string) ProbeOutcome {
	return ProbeOutcome{OK: false, Reason: reason}
}

// Severity classifies alerts
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Category groups alerts by subsystem
type Category string

const (
	CategoryBlockchain Category = "blockchain"
	CategoryRPC        Category = "rpc"
	CategorySync       Category = "sync"
	CategoryConsensus  Category = "consensus"
	CategorySystem     Category = "system"
)

// ChannelKind identifies a notification channel implementation
type ChannelKind string

const (
	ChannelWebhook   ChannelKind = "webhook"
	ChannelChatBot   ChannelKind = "chat-bot"
	ChannelDashboard ChannelKind = "dashboard"
	ChannelEmail     ChannelKind = "email"
	ChannelNATS      ChannelKind = "nats"
)

// Measurement names written to the time-series store. Tag sets are
// fixed per name; see the typed emitters in internal/metrics.
const (
	MeasBlockHeight             = "block_height"
	MeasBlockTime               = "block_time"
	MeasRPCLatency              = "rpc_latency"
	MeasRPCStatus               = "rpc_status"
	MeasWebsocketStatus         = "websocket_status"
	MeasExplorerStatus          = "explorer_status"
	MeasFaucetStatus            = "faucet_status"
	MeasTxPerBlock              = "transactions_per_block"
	MeasTxPerMinute             = "transactions_per_minute"
	MeasBlockHeightVariance     = "block_height_variance"
	MeasAlertCount              = "alert_count"
	MeasAlertHistory            = "alert_history"
	MeasConsensusMissedRounds   = "consensus_missed_rounds"
	MeasConsensusTimeoutPeriods = "consensus_timeout_periods"
	MeasMinerPerformance        = "consensus_miner_performance"
	MeasMinerMissedRounds       = "consensus_miner_missed_rounds"
	MeasMonitorSystem           = "monitor_system"
)

// MissedRound is one authoritative miss reported by the chain's
// consensus query, enriched with the timing analysis the consensus
// monitor performs.
type MissedRound struct {
	ChainID                int
	BlockNumber            uint64
	Round                  uint64
	ExpectedMiner          string
	ActualMiner            string
	MissedCount            int
	ObservedTimeoutSeconds float64
	ExpectedTimeoutSeconds float64
	Consistent             bool
}
