// Package telemetry exposes the Prometheus metric surface of the
// daemon. Every Metrics value owns a private registry; nothing here
// touches the global default registry.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hualei/quantdesk/internal/events"
)

// Metrics holds all Prometheus instruments for the daemon.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP surface
	HTTPDuration *prometheus.HistogramVec

	// Backtest engine
	BacktestRuns     *prometheus.CounterVec
	BacktestDuration *prometheus.HistogramVec

	// Downloader
	DownloadInserted *prometheus.CounterVec
	DownloadFailures *prometheus.CounterVec

	// Signal generation
	SignalCounts *prometheus.CounterVec

	// Backup
	BackupRuns prometheus.Counter
	BackupSize prometheus.Gauge

	// Event bus
	EventsEmitted *prometheus.CounterVec
}

// New creates a metrics registry with all daemon instruments.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quantdesk_http_request_duration_seconds",
				Help:    "Duration of HTTP requests by route pattern",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method", "status"},
		),

		BacktestRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantdesk_backtest_runs_total",
				Help: "Total number of finished backtest runs by strategy and status",
			},
			[]string{"name", "status"},
		),

		BacktestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quantdesk_backtest_duration_seconds",
				Help:    "Wall-clock duration of backtest runs in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"name"},
		),

		DownloadInserted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantdesk_download_rows_total",
				Help: "Total number of rows inserted by the downloader by mode",
			},
			[]string{"mode"},
		),

		DownloadFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantdesk_download_failures_total",
				Help: "Total number of symbols that failed to sync by mode",
			},
			[]string{"mode"},
		),

		SignalCounts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantdesk_signals_total",
				Help: "Total number of generated signals by asset class and action",
			},
			[]string{"asset", "action"},
		),

		BackupRuns: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "quantdesk_backups_total",
				Help: "Total number of completed database backups",
			},
		),

		BackupSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "quantdesk_backup_size_bytes",
				Help: "Size of the most recent backup archive in bytes",
			},
		),

		EventsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantdesk_events_total",
				Help: "Total number of events emitted on the bus by type",
			},
			[]string{"type"},
		),
	}

	m.registry.MustRegister(
		m.HTTPDuration,
		m.BacktestRuns,
		m.BacktestDuration,
		m.DownloadInserted,
		m.DownloadFailures,
		m.SignalCounts,
		m.BackupRuns,
		m.BackupSize,
		m.EventsEmitted,
	)

	return m
}

// Handler serves the metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// HTTPMiddleware records request durations labeled by the chi route
// pattern, so /api/backtests/{name} stays one series regardless of the
// strategy requested.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		m.HTTPDuration.
			WithLabelValues(route, r.Method, strconv.Itoa(status)).
			Observe(time.Since(start).Seconds())
	})
}

// BindBus subscribes to the event bus and mirrors completed work into
// counters. Returns the unsubscribe function.
func (m *Metrics) BindBus(bus *events.Bus) func() {
	return bus.SubscribeAll(func(e *events.Event) {
		m.EventsEmitted.WithLabelValues(string(e.Type)).Inc()

		switch e.Type {
		case events.DownloadCompleted:
			data, ok := e.GetTypedData().(*events.DownloadCompletedData)
			if !ok {
				return
			}
			m.DownloadInserted.WithLabelValues(data.Mode).Add(float64(data.Inserted))
			m.DownloadFailures.WithLabelValues(data.Mode).Add(float64(data.Failed))

		case events.SignalsGenerated:
			data, ok := e.GetTypedData().(*events.SignalsGeneratedData)
			if !ok {
				return
			}
			m.SignalCounts.WithLabelValues(data.Asset, "buy").Add(float64(data.Buys))
			m.SignalCounts.WithLabelValues(data.Asset, "sell").Add(float64(data.Sells))
			m.SignalCounts.WithLabelValues(data.Asset, "hold").Add(float64(data.Holds))

		case events.BacktestCompleted:
			data, ok := e.GetTypedData().(*events.BacktestCompletedData)
			if !ok {
				return
			}
			m.BacktestRuns.WithLabelValues(data.Name, data.Status).Inc()
			if elapsed, err := time.ParseDuration(data.Elapsed); err == nil {
				m.BacktestDuration.WithLabelValues(data.Name).Observe(elapsed.Seconds())
			}

		case events.BackupCompleted:
			data, ok := e.GetTypedData().(*events.BackupCompletedData)
			if !ok {
				return
			}
			m.BackupRuns.Inc()
			m.BackupSize.Set(float64(data.SizeBytes))
		}
	})
}
