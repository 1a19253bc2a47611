package monitor

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/XinFinOrg/XDCMonitor-sub001/internal/alerts"
	"github.com/XinFinOrg/XDCMonitor-sub001/internal/types"
)

// Service is the read-only status surface over the running monitors.
// It aggregates their snapshots into typed views for whatever serving
// layer embeds the monitor; it never drives the monitors.
type Service struct {
	chains    []types.Chain
	rpcMon    *RPCMonitor
	blockMon  *BlockMonitor
	consensus *ConsensusMonitor // nil when consensus monitoring is off
	router    *alerts.Router
	logger    zerolog.Logger
	startedAt time.Time
}

// NewService creates the status service
func NewService(chains []types.Chain, rpcMon *RPCMonitor, blockMon *BlockMonitor, consensus *ConsensusMonitor, router *alerts.Router, logger zerolog.Logger) *Service {
	return &Service{
		chains:    chains,
		rpcMon:    rpcMon,
		blockMon:  blockMon,
		consensus: consensus,
		router:    router,
		logger:    logger.With().Str("component", "status_service").Logger(),
		startedAt: time.Now(),
	}
}

// ChainBlockStatus is the per-chain block view
type ChainBlockStatus struct {
	ChainID        int     `json:"chainId"`
	ChainName      string  `json:"chainName"`
	LatestBlock    uint64  `json:"latestBlock"`
	BlockTime      float64 `json:"blockTime"`
	AvgBlockTime   float64 `json:"avgBlockTime"`
	MinBlockTime   float64 `json:"minBlockTime"`
	MaxBlockTime   float64 `json:"maxBlockTime"`
	TxCount        int     `json:"txCount"`
	Miner          string  `json:"miner"`
	Endpoint       string  `json:"endpoint"`
	ObservedAt     string  `json:"observedAt,omitempty"`
	HasObservation bool    `json:"hasObservation"`
}

// BlockStatus returns the block view for every chain
func (s *Service) BlockStatus() []ChainBlockStatus {
	out := make([]ChainBlockStatus, 0, len(s.chains))
	for _, chain := range s.chains {
		status := ChainBlockStatus{ChainID: chain.ID, ChainName: chain.Name}
		if summary, ok := s.blockMon.LastBlock(chain.ID); ok {
			mean, min, max, _ := s.blockMon.BlockTimeStats(chain.ID)
			status.LatestBlock = summary.Number
			status.BlockTime = summary.BlockTimeSecs
			status.AvgBlockTime = mean
			status.MinBlockTime = min
			status.MaxBlockTime = max
			status.TxCount = summary.TxCount
			status.Miner = summary.Miner
			status.Endpoint = summary.Endpoint
			status.ObservedAt = summary.ObservedAt.UTC().Format(time.RFC3339)
			status.HasObservation = true
		}
		out = append(out, status)
	}
	return out
}

// EndpointHeight is one endpoint's height relative to the chain head
type EndpointHeight struct {
	URL          string `json:"url"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	BlockHeight  uint64 `json:"blockHeight"`
	BlocksBehind uint64 `json:"blocksBehind"`
}

// ChainBlockComparison lists every endpoint's height against the
// highest height observed on the chain.
type ChainBlockComparison struct {
	ChainID   int              `json:"chainId"`
	Highest   uint64           `json:"highest"`
	Endpoints []EndpointHeight `json:"endpoints"`
}

// BlockComparison returns the cross-endpoint height comparison per chain
func (s *Service) BlockComparison() []ChainBlockComparison {
	out := make([]ChainBlockComparison, 0, len(s.chains))
	for _, chain := range s.chains {
		statuses := s.rpcMon.ChainStatuses(chain.ID)
		cmp := ChainBlockComparison{ChainID: chain.ID}
		for _, st := range statuses {
			if st.Kind == types.EndpointWebsocket {
				continue
			}
			if st.BlockHeight > cmp.Highest {
				cmp.Highest = st.BlockHeight
			}
		}
		for _, st := range statuses {
			if st.Kind == types.EndpointWebsocket {
				continue
			}
			eh := EndpointHeight{
				URL:         st.URL,
				Name:        st.Name,
				Status:      string(st.Status),
				BlockHeight: st.BlockHeight,
			}
			if st.BlockHeight > 0 && cmp.Highest > st.BlockHeight {
				eh.BlocksBehind = cmp.Highest - st.BlockHeight
			}
			cmp.Endpoints = append(cmp.Endpoints, eh)
		}
		out = append(out, cmp)
	}
	return out
}

// EndpointView is one endpoint's probe snapshot for the API
type EndpointView struct {
	URL         string `json:"url"`
	Name        string `json:"name"`
	ChainID     int    `json:"chainId"`
	Status      string `json:"status"`
	LatencyMs   int64  `json:"latencyMs"`
	BlockHeight uint64 `json:"blockHeight,omitempty"`
	LastProbeAt string `json:"lastProbeAt,omitempty"`
}

func endpointView(st types.EndpointStatus) EndpointView {
	view := EndpointView{
		URL:         st.URL,
		Name:        st.Name,
		ChainID:     st.ChainID,
		Status:      string(st.Status),
		LatencyMs:   st.LatencyMs,
		BlockHeight: st.BlockHeight,
	}
	if !st.LastProbeAt.IsZero() {
		view.LastProbeAt = st.LastProbeAt.UTC().Format(time.RFC3339)
	}
	return view
}

// RPCStatus returns every RPC endpoint's snapshot
func (s *Service) RPCStatus() []EndpointView {
	var out []EndpointView
	for _, st := range s.rpcMon.AllStatuses() {
		if st.Kind == types.EndpointWebsocket {
			continue
		}
		out = append(out, endpointView(st))
	}
	return out
}

// WebsocketStatus returns every WebSocket endpoint's snapshot
func (s *Service) WebsocketStatus() []EndpointView {
	var out []EndpointView
	for _, st := range s.rpcMon.AllStatuses() {
		if st.Kind != types.EndpointWebsocket {
			continue
		}
		out = append(out, endpointView(st))
	}
	return out
}

// Overall is the service-level health roll-up
type Overall struct {
	Healthy         bool   `json:"healthy"`
	UptimeSeconds   int64  `json:"uptimeSeconds"`
	TotalEndpoints  int    `json:"totalEndpoints"`
	ActiveEndpoints int    `json:"activeEndpoints"`
	FailedEndpoints int    `json:"failedEndpoints"`
	ActiveAlerts    int    `json:"activeAlerts"`
	Time            string `json:"time"`
}

// OverallStatus rolls every monitor up into one verdict: healthy when
// at least one endpoint per chain is active.
func (s *Service) OverallStatus() Overall {
	now := time.Now()
	overall := Overall{
		Healthy: true,
		Time:    now.UTC().Format(time.RFC3339),
	}
	overall.UptimeSeconds = int64(now.Sub(s.startedAt).Seconds())

	for _, chain := range s.chains {
		chainActive := 0
		for _, st := range s.rpcMon.ChainStatuses(chain.ID) {
			overall.TotalEndpoints++
			switch st.Status {
			case types.StatusActive:
				overall.ActiveEndpoints++
				chainActive++
			case types.StatusFailed:
				overall.FailedEndpoints++
			}
		}
		if chainActive == 0 {
			overall.Healthy = false
		}
	}

	unacked := false
	overall.ActiveAlerts = len(s.router.List(alerts.Filter{Acknowledged: &unacked}))

	return overall
}

// Miners returns the consensus monitor's per-miner counters, or nil
// when consensus monitoring is disabled.
func (s *Service) Miners(chainID int) []MinerSummary {
	if s.consensus == nil {
		return nil
	}
	return s.consensus.Miners(chainID)
}

// Alerts returns the router's alert history, filtered
func (s *Service) Alerts(f alerts.Filter) []alerts.Alert {
	return s.router.List(f)
}
