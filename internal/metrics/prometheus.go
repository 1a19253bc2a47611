package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Prometheus mirror of the core counters. The InfluxDB path is
// authoritative; this exists so the monitor itself can be scraped.
var (
	promProbesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "xdcmon_probes_total",
		Help: "Total endpoint probes by chain and result",
	}, []string{"chain", "status"})

	promAlertsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "xdcmon_alerts_total",
		Help: "Total alerts raised by severity",
	}, []string{"severity"})

	promPointsWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "xdcmon_metric_points_written_total",
		Help: "Total measurements written to the time-series store",
	})

	promPointsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "xdcmon_metric_points_dropped_total",
		Help: "Total measurements dropped due to buffer overflow or rejected batches",
	})

	promBufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "xdcmon_metric_buffer_size",
		Help: "Current number of measurements waiting in the sink buffer",
	})
)

func init() {
	prometheus.MustRegister(promProbesTotal)
	prometheus.MustRegister(promAlertsTotal)
	prometheus.MustRegister(promPointsWritten)
	prometheus.MustRegister(promPointsDropped)
	prometheus.MustRegister(promBufferSize)
}

// CountProbe increments the probe mirror counter
func CountProbe(chain string, ok bool) {
	status := "ok"
	if !ok {
		status = "failed"
	}
	promProbesTotal.WithLabelValues(chain, status).Inc()
}

// CountAlert increments the alert mirror counter
func CountAlert(severity string) {
	promAlertsTotal.WithLabelValues(severity).Inc()
}

// ServePrometheus exposes /metrics on addr until ctx-free shutdown via
// the returned server's Close. Returns nil when addr is empty.
func ServePrometheus(addr string, logger zerolog.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", addr).Msg("prometheus exposition listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("prometheus listener failed")
		}
	}()
	return srv
}
