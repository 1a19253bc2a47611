package config

import (
	"strings"
	"testing"
	"time"

	"github.com/XinFinOrg/XDCMonitor-sub001/internal/types"
)

func validConfig() *Config {
	return &Config{
		ScanIntervalSecs:            15,
		ConsensusScanIntervalMillis: 15000,
		BlocksToScan:                10,
		BlockTimeThreshold:          2,
		ProbeRateLimit:              50,
		LogLevel:                    "info",
		LogFormat:                   "json",
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ScanInterval() != 15*time.Second {
		t.Errorf("ScanInterval = %s, want 15s", cfg.ScanInterval())
	}
	if cfg.ConsensusScanInterval() != 15*time.Second {
		t.Errorf("ConsensusScanInterval = %s, want 15s", cfg.ConsensusScanInterval())
	}
	if cfg.BlocksToScan != 10 {
		t.Errorf("BlocksToScan = %d, want 10", cfg.BlocksToScan)
	}
	if !cfg.EnableRPCMonitoring || !cfg.EnableBlockMonitoring {
		t.Error("core monitoring toggles default off")
	}
	if cfg.EnableConsensusMonitoring {
		t.Error("consensus monitoring defaults on")
	}
	if cfg.MetricsURL != "http://localhost:8086" {
		t.Errorf("MetricsURL = %s", cfg.MetricsURL)
	}
	if cfg.MetricsBucket != "xdcmonitor" {
		t.Errorf("MetricsBucket = %s", cfg.MetricsBucket)
	}
	if cfg.NATSAlertSubject != "xdcmonitor.alerts" {
		t.Errorf("NATSAlertSubject = %s", cfg.NATSAlertSubject)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	// Intervals are plain integers: SCAN_INTERVAL in seconds,
	// CONSENSUS_SCAN_INTERVAL in milliseconds.
	t.Setenv("SCAN_INTERVAL", "30")
	t.Setenv("CONSENSUS_SCAN_INTERVAL", "5000")
	t.Setenv("BLOCK_TIME_THRESHOLD", "2.5")
	t.Setenv("CONSENSUS_MONITORING_CHAIN_IDS", "50,51")
	t.Setenv("ENABLE_SENTINEL_VALUES", "false")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ScanInterval() != 30*time.Second {
		t.Errorf("ScanInterval = %s, want 30s", cfg.ScanInterval())
	}
	if cfg.ConsensusScanInterval() != 5*time.Second {
		t.Errorf("ConsensusScanInterval = %s, want 5s", cfg.ConsensusScanInterval())
	}
	if cfg.BlockTimeThreshold != 2.5 {
		t.Errorf("BlockTimeThreshold = %v, want 2.5", cfg.BlockTimeThreshold)
	}
	if len(cfg.ConsensusChainIDs) != 2 || cfg.ConsensusChainIDs[0] != 50 || cfg.ConsensusChainIDs[1] != 51 {
		t.Errorf("ConsensusChainIDs = %v", cfg.ConsensusChainIDs)
	}
	if cfg.EnableSentinelValues {
		t.Error("ENABLE_SENTINEL_VALUES=false not honored")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero scan interval", func(c *Config) { c.ScanIntervalSecs = 0 }, "SCAN_INTERVAL"},
		{"zero consensus interval", func(c *Config) { c.ConsensusScanIntervalMillis = 0 }, "CONSENSUS_SCAN_INTERVAL"},
		{"zero blocks to scan", func(c *Config) { c.BlocksToScan = 0 }, "BLOCKS_TO_SCAN"},
		{"zero block time threshold", func(c *Config) { c.BlockTimeThreshold = 0 }, "BLOCK_TIME_THRESHOLD"},
		{"zero probe rate limit", func(c *Config) { c.ProbeRateLimit = 0 }, "PROBE_RATE_LIMIT"},
		{"chat without credentials", func(c *Config) { c.EnableChatNotifications = true }, "TELEGRAM_BOT_TOKEN"},
		{"unknown log level", func(c *Config) { c.LogLevel = "verbose" }, "LOG_LEVEL"},
		{"unknown log format", func(c *Config) { c.LogFormat = "logfmt" }, "LOG_FORMAT"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate accepted a bad config")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error = %q, want mention of %s", err, tc.wantErr)
			}
		})
	}
}

func TestValidateAcceptsChatWithCredentials(t *testing.T) {
	cfg := validConfig()
	cfg.EnableChatNotifications = true
	cfg.TelegramBotToken = "token"
	cfg.TelegramChatID = "chat"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestChainsRegistryDefaults(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	chains := cfg.Chains()
	if len(chains) != 3 {
		t.Fatalf("chains = %d, want mainnet, apothem, devnet", len(chains))
	}

	byID := map[int]types.Chain{}
	for _, ch := range chains {
		byID[ch.ID] = ch
	}
	mainnet := byID[50]
	if !mainnet.Mainnet {
		t.Error("chain 50 not flagged as mainnet")
	}
	if byID[51].Mainnet || byID[551].Mainnet {
		t.Error("test networks flagged as mainnet")
	}
	if mainnet.Endpoints[0].URL != "https://rpc.xinfin.network" {
		t.Errorf("first mainnet endpoint = %s, want the canonical RPC", mainnet.Endpoints[0].URL)
	}

	var enhanced, ws int
	for _, ep := range mainnet.Endpoints {
		switch ep.Kind {
		case types.EndpointEnhancedRPC:
			enhanced++
		case types.EndpointWebsocket:
			ws++
		}
	}
	if enhanced == 0 || ws == 0 {
		t.Errorf("mainnet endpoints missing kinds: enhanced=%d ws=%d", enhanced, ws)
	}
}

func TestRPCEndpointOverrides(t *testing.T) {
	t.Setenv("RPC_ENDPOINTS_50", " https://rpc.example.com , https://erpc.example.com ")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	var mainnet types.Chain
	for _, ch := range cfg.Chains() {
		if ch.ID == 50 {
			mainnet = ch
		}
	}

	var rpcs, wss []types.Endpoint
	for _, ep := range mainnet.Endpoints {
		if ep.Kind == types.EndpointWebsocket {
			wss = append(wss, ep)
		} else {
			rpcs = append(rpcs, ep)
		}
	}

	if len(rpcs) != 2 {
		t.Fatalf("rpc endpoints = %d, want the 2 overrides", len(rpcs))
	}
	if rpcs[0].URL != "https://rpc.example.com" || rpcs[0].Kind != types.EndpointHTTPRPC {
		t.Errorf("rpcs[0] = %+v", rpcs[0])
	}
	// The erpc naming convention marks enhanced endpoints.
	if rpcs[1].URL != "https://erpc.example.com" || rpcs[1].Kind != types.EndpointEnhancedRPC {
		t.Errorf("rpcs[1] = %+v", rpcs[1])
	}

	// Websocket defaults survive an RPC-only override.
	if len(wss) != 2 {
		t.Errorf("ws endpoints = %d, want the 2 defaults", len(wss))
	}

	// Other chains keep their built-in endpoints.
	for _, ch := range cfg.Chains() {
		if ch.ID == 51 && ch.Endpoints[0].URL != "https://rpc.apothem.network" {
			t.Errorf("apothem endpoints disturbed: %+v", ch.Endpoints[0])
		}
	}
}

func TestWSEndpointOverrides(t *testing.T) {
	t.Setenv("WS_ENDPOINTS_51", "wss://ws.example.com")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	for _, ch := range cfg.Chains() {
		if ch.ID != 51 {
			continue
		}
		var wss []types.Endpoint
		for _, ep := range ch.Endpoints {
			if ep.Kind == types.EndpointWebsocket {
				wss = append(wss, ep)
			}
		}
		if len(wss) != 1 || wss[0].URL != "wss://ws.example.com" {
			t.Errorf("ws endpoints = %+v, want the single override", wss)
		}
		// The RPC side keeps its defaults.
		if ch.Endpoints[0].URL != "https://rpc.apothem.network" {
			t.Errorf("rpc endpoints disturbed: %+v", ch.Endpoints[0])
		}
	}
}

func TestConsensusChainsFilter(t *testing.T) {
	t.Setenv("CONSENSUS_MONITORING_CHAIN_IDS", "51")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	scoped := cfg.ConsensusChains()
	if len(scoped) != 1 || scoped[0].ID != 51 {
		t.Errorf("ConsensusChains = %+v, want only chain 51", scoped)
	}
}

func TestConsensusChainsDefaultsToAll(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := len(cfg.ConsensusChains()); got != len(cfg.Chains()) {
		t.Errorf("ConsensusChains = %d chains, want all %d", got, len(cfg.Chains()))
	}
}
