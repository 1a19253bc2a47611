// Command xdcmonitor probes the configured XDC networks, writes
// time-series measurements to the metrics store, and routes alerts to
// the configured notification channels.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/XinFinOrg/XDCMonitor-sub001/internal/alerts"
	"github.com/XinFinOrg/XDCMonitor-sub001/internal/config"
	"github.com/XinFinOrg/XDCMonitor-sub001/internal/logging"
	"github.com/XinFinOrg/XDCMonitor-sub001/internal/metrics"
	"github.com/XinFinOrg/XDCMonitor-sub001/internal/monitor"
	"github.com/XinFinOrg/XDCMonitor-sub001/internal/queue"
	"github.com/XinFinOrg/XDCMonitor-sub001/internal/scheduler"
	"github.com/XinFinOrg/XDCMonitor-sub001/internal/sysmon"
	"github.com/XinFinOrg/XDCMonitor-sub001/internal/types"
)

func main() {
	debug := flag.Bool("debug", false, "force debug log level")
	dotenv := flag.String("dotenv", "", "load an explicit .env file before reading the environment")
	flag.Parse()

	if *dotenv != "" {
		if err := godotenv.Load(*dotenv); err != nil {
			// Logger isn't up yet; stderr is all we have.
			os.Stderr.WriteString("failed to load " + *dotenv + ": " + err.Error() + "\n")
			os.Exit(1)
		}
	}

	bootLogger := logging.New(logging.Config{Level: types.LogLevelInfo, Format: types.LogFormatJSON})

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("configuration error")
	}

	logLevel := types.LogLevel(cfg.LogLevel)
	if *debug {
		logLevel = types.LogLevelDebug
	}
	logger := logging.New(logging.Config{
		Level:  logLevel,
		Format: types.LogFormat(cfg.LogFormat),
	})
	cfg.LogConfig(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("monitor exited with error")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chains := cfg.Chains()

	// Metrics pipeline first: every monitor emits through the sink.
	store := metrics.NewInfluxStore(cfg.MetricsURL, cfg.MetricsToken, cfg.MetricsOrg, cfg.MetricsBucket)
	sink := metrics.NewSink(store, metrics.DefaultSinkOptions(), sentinelPolicy(cfg), logger)
	sink.Start(ctx)

	warmCtx, warmCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := sink.WarmHeightCache(warmCtx); err != nil {
		logger.Warn().Err(err).Msg("height cache warm-up failed, starting cold")
	}
	warmCancel()

	// Alert routing.
	router := alerts.NewRouter(alerts.RouterOptions{}, alerts.NewThrottler(), sink, logger)
	if cfg.EnableDashboardAlerts {
		router.AddChannel(alerts.NewDashboardChannel("dashboard", 100))
	}
	if cfg.NotificationWebhookURL != "" {
		router.AddChannel(alerts.NewWebhookChannel("webhook", cfg.NotificationWebhookURL))
	}
	if cfg.EnableChatNotifications {
		router.AddChannel(alerts.NewTelegramChannel("telegram", cfg.TelegramBotToken, cfg.TelegramChatID))
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		var err error
		natsConn, err = nats.Connect(cfg.NATSURL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				logger.Warn().Err(err).Msg("nats disconnected")
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
			}),
		)
		if err != nil {
			// The alert bus is optional; the monitor is still useful
			// without it.
			logger.Error().Err(err).Str("url", cfg.NATSURL).Msg("nats connect failed, alert bus disabled")
		} else {
			router.AddChannel(alerts.NewNATSChannel("nats", cfg.NATSAlertSubject, natsConn, logger))
		}
	}
	router.Start(ctx)

	// Monitors.
	rpcMon := monitor.NewRPCMonitor(chains, monitor.RPCMonitorOptions{
		IncludeConditional: cfg.EnableConditionalEndpoints,
		ProbeRateLimit:     cfg.ProbeRateLimit,
	}, sink, logger)

	blockOpts := monitor.DefaultBlockMonitorOptions()
	blockOpts.BlockTimeThreshold = cfg.BlockTimeThreshold
	blockOpts.AnalyzeTransactions = cfg.EnableTransactionMonitoring
	blockMon := monitor.NewBlockMonitor(chains, blockOpts, sink, router, rpcMon, logger)

	var consensusMon *monitor.ConsensusMonitor
	if cfg.EnableConsensusMonitoring {
		consensusOpts := monitor.DefaultConsensusMonitorOptions()
		consensusOpts.BlocksToScan = cfg.BlocksToScan
		consensusMon = monitor.NewConsensusMonitor(cfg.ConsensusChains(), consensusOpts, sink, router, logger)
	}

	sysMon := sysmon.New(sysmon.Options{}, sink, router, logger)

	service := monitor.NewService(chains, rpcMon, blockMon, consensusMon, router, logger)

	// Block scans go through the work queue: one item per chain per
	// tick, deduped by id, mainnet prioritized, failures retried.
	scanQueue := queue.New(queue.Options{
		MaxConcurrent: 2,
		OnMaxRetries: func(item queue.Item, err error) {
			logger.Error().
				Str("item_id", item.ID).
				Int("attempts", item.Attempts).
				Err(err).
				Msg("block scan abandoned after retries")
		},
	}, func(ctx context.Context, item queue.Item) error {
		return blockMon.ScanChain(ctx, item.Payload.(int))
	}, logger)
	scanQueue.Start(ctx)
	defer scanQueue.Stop()

	// Schedule.
	sched := scheduler.New(logger)
	if cfg.EnableRPCMonitoring {
		sched.Register("rpc_monitor", cfg.ScanInterval(), rpcMon.Tick)
	}
	if cfg.EnableBlockMonitoring {
		sched.Register("block_monitor", cfg.ScanInterval(), func(context.Context) error {
			for _, chain := range chains {
				priority := queue.PriorityNormal
				if chain.Mainnet {
					priority = queue.PriorityHigh
				}
				scanQueue.Enqueue(fmt.Sprintf("block-scan-%d", chain.ID), chain.ID, priority)
			}
			return nil
		})
	}
	if consensusMon != nil {
		sched.Register("consensus_monitor", cfg.ConsensusScanInterval(), consensusMon.Tick)
	}
	sched.Register("sysmon", 30*time.Second, sysMon.Tick)
	sched.Register("status_summary", time.Minute, func(context.Context) error {
		overall := service.OverallStatus()
		logger.Info().
			Bool("healthy", overall.Healthy).
			Int("active_endpoints", overall.ActiveEndpoints).
			Int("failed_endpoints", overall.FailedEndpoints).
			Int("active_alerts", overall.ActiveAlerts).
			Msg("status summary")
		return nil
	})
	sched.Start(ctx)

	var promServer *http.Server
	if cfg.PrometheusAddr != "" {
		promServer = metrics.ServePrometheus(cfg.PrometheusAddr, logger)
	}

	// Block until a shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	// Ordered shutdown: stop producing, then drain what was produced.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("scheduler did not stop cleanly")
	}
	router.Stop()

	if promServer != nil {
		promServer.Shutdown(shutdownCtx)
	}

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := sink.Flush(flushCtx); err != nil {
		logger.Warn().Err(err).Msg("final metrics flush incomplete")
	}
	flushCancel()
	sink.Stop()

	if natsConn != nil {
		if err := natsConn.Drain(); err != nil {
			logger.Warn().Err(err).Msg("nats drain failed")
		}
	}

	logger.Info().Msg("shutdown complete")
	return nil
}

func sentinelPolicy(cfg *config.Config) metrics.SentinelPolicy {
	return metrics.SentinelPolicy{
		Enabled:    cfg.EnableSentinelValues,
		StatusDown: int64(cfg.SentinelStatusDown),
		Latency:    int64(cfg.SentinelLatency),
		PeerCount:  int64(cfg.SentinelPeerCount),
	}
}
