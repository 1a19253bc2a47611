package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/XinFinOrg/XDCMonitor-sub001/internal/types"
)

// Config holds all monitor configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Scheduling. The interval variables are plain integers in the
	// units their deployments already use: SCAN_INTERVAL in seconds,
	// CONSENSUS_SCAN_INTERVAL in milliseconds.
	ScanIntervalSecs            int `env:"SCAN_INTERVAL" envDefault:"15"`
	BlocksToScan                int `env:"BLOCKS_TO_SCAN" envDefault:"10"`
	ConsensusScanIntervalMillis int `env:"CONSENSUS_SCAN_INTERVAL" envDefault:"15000"`

	// Thresholds
	BlockTimeThreshold float64 `env:"BLOCK_TIME_THRESHOLD" envDefault:"2"` // seconds

	// Feature toggles
	EnableRPCMonitoring         bool `env:"ENABLE_RPC_MONITORING" envDefault:"true"`
	EnablePortMonitoring        bool `env:"ENABLE_PORT_MONITORING" envDefault:"false"`
	EnableBlockMonitoring       bool `env:"ENABLE_BLOCK_MONITORING" envDefault:"true"`
	EnableTransactionMonitoring bool `env:"ENABLE_TRANSACTION_MONITORING" envDefault:"true"`
	EnableConsensusMonitoring   bool `env:"ENABLE_CONSENSUS_MONITORING" envDefault:"false"`
	EnableConditionalEndpoints  bool `env:"ENABLE_CONDITIONAL_ENDPOINTS" envDefault:"false"`

	// Notification toggles and credentials
	EnableDashboardAlerts   bool   `env:"ENABLE_DASHBOARD_ALERTS" envDefault:"true"`
	EnableChatNotifications bool   `env:"ENABLE_CHAT_NOTIFICATIONS" envDefault:"false"`
	NotificationWebhookURL  string `env:"NOTIFICATION_WEBHOOK_URL"`
	TelegramBotToken        string `env:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID          string `env:"TELEGRAM_CHAT_ID"`

	// Metrics store (InfluxDB v2)
	MetricsURL    string `env:"METRICS_URL" envDefault:"http://localhost:8086"`
	MetricsToken  string `env:"METRICS_TOKEN"`
	MetricsOrg    string `env:"METRICS_ORG" envDefault:"xinfin"`
	MetricsBucket string `env:"METRICS_BUCKET" envDefault:"xdcmonitor"`

	// Consensus monitoring scope
	ConsensusChainIDs []int `env:"CONSENSUS_MONITORING_CHAIN_IDS" envSeparator:","`

	// Sentinel policy for unreachable endpoints
	EnableSentinelValues bool `env:"ENABLE_SENTINEL_VALUES" envDefault:"true"`
	SentinelPeerCount    int  `env:"SENTINEL_PEER_COUNT" envDefault:"-1"`
	SentinelLatency      int  `env:"SENTINEL_LATENCY" envDefault:"-1"`
	SentinelStatusDown   int  `env:"SENTINEL_STATUS_DOWN" envDefault:"0"`

	// Outbound probe rate limit, per chain (probes/sec)
	ProbeRateLimit int `env:"PROBE_RATE_LIMIT" envDefault:"50"`

	// Optional surfaces
	PrometheusAddr   string `env:"PROMETHEUS_ADDR"`
	NATSURL          string `env:"NATS_URL"`
	NATSAlertSubject string `env:"NATS_ALERT_SUBJECT" envDefault:"xdcmonitor.alerts"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	chains []types.Chain
}

// Load reads configuration from an optional .env file and the process
// environment.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; in containers the environment
	// is set directly.
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	cfg.chains = buildChains(cfg)

	return cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.ScanIntervalSecs < 1 {
		return fmt.Errorf("SCAN_INTERVAL must be >= 1 second, got %d", c.ScanIntervalSecs)
	}
	if c.ConsensusScanIntervalMillis < 1 {
		return fmt.Errorf("CONSENSUS_SCAN_INTERVAL must be >= 1 millisecond, got %d", c.ConsensusScanIntervalMillis)
	}
	if c.BlocksToScan < 1 {
		return fmt.Errorf("BLOCKS_TO_SCAN must be > 0, got %d", c.BlocksToScan)
	}
	if c.BlockTimeThreshold <= 0 {
		return fmt.Errorf("BLOCK_TIME_THRESHOLD must be > 0, got %.1f", c.BlockTimeThreshold)
	}
	if c.ProbeRateLimit < 1 {
		return fmt.Errorf("PROBE_RATE_LIMIT must be > 0, got %d", c.ProbeRateLimit)
	}
	if c.EnableChatNotifications && (c.TelegramBotToken == "" || c.TelegramChatID == "") {
		return fmt.Errorf("ENABLE_CHAT_NOTIFICATIONS requires TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// ScanInterval returns SCAN_INTERVAL as a duration
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalSecs) * time.Second
}

// ConsensusScanInterval returns CONSENSUS_SCAN_INTERVAL as a duration
func (c *Config) ConsensusScanInterval() time.Duration {
	return time.Duration(c.ConsensusScanIntervalMillis) * time.Millisecond
}

// Chains returns the monitored chain set, built from the built-in XDC
// registry with per-chain endpoint overrides applied. The slice is
// shared read-only across monitors.
func (c *Config) Chains() []types.Chain {
	return c.chains
}

// ConsensusChains returns the chains the consensus monitor covers:
// those named in CONSENSUS_MONITORING_CHAIN_IDS, or every chain when
// the list is empty.
func (c *Config) ConsensusChains() []types.Chain {
	if len(c.ConsensusChainIDs) == 0 {
		return c.chains
	}
	wanted := make(map[int]bool, len(c.ConsensusChainIDs))
	for _, id := range c.ConsensusChainIDs {
		wanted[id] = true
	}
	out := make([]types.Chain, 0, len(c.ConsensusChainIDs))
	for _, ch := range c.chains {
		if wanted[ch.ID] {
			out = append(out, ch)
		}
	}
	return out
}

// LogConfig logs configuration using structured logging
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Dur("scan_interval", c.ScanInterval()).
		Dur("consensus_scan_interval", c.ConsensusScanInterval()).
		Int("blocks_to_scan", c.BlocksToScan).
		Float64("block_time_threshold", c.BlockTimeThreshold).
		Bool("rpc_monitoring", c.EnableRPCMonitoring).
		Bool("block_monitoring", c.EnableBlockMonitoring).
		Bool("transaction_monitoring", c.EnableTransactionMonitoring).
		Bool("consensus_monitoring", c.EnableConsensusMonitoring).
		Bool("dashboard_alerts", c.EnableDashboardAlerts).
		Bool("chat_notifications", c.EnableChatNotifications).
		Str("metrics_url", c.MetricsURL).
		Str("metrics_org", c.MetricsOrg).
		Str("metrics_bucket", c.MetricsBucket).
		Bool("sentinel_values", c.EnableSentinelValues).
		Int("probe_rate_limit", c.ProbeRateLimit).
		Ints("consensus_chain_ids", c.ConsensusChainIDs).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Monitor configuration loaded")
}

// endpointOverrides reads RPC_ENDPOINTS_<chainId> / WS_ENDPOINTS_<chainId>
// as comma-separated URL lists. An override replaces the built-in list
// for that kind on that chain.
func endpointOverrides(chainID int, kind types.EndpointKind) ([]string, bool) {
	var key string
	switch kind {
	case types.EndpointWebsocket:
		key = "WS_ENDPOINTS_" + strconv.Itoa(chainID)
	default:
		key = "RPC_ENDPOINTS_" + strconv.Itoa(chainID)
	}
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, false
	}
	var urls []string
	for _, u := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(u); trimmed != "" {
			urls = append(urls, trimmed)
		}
	}
	return urls, len(urls) > 0
}
