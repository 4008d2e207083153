// Package metrics provides Prometheus metrics for the headway application.
package metrics

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Registry is the Prometheus registry for this metrics instance
	Registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Refresh engine metrics
	RefreshCyclesTotal *prometheus.CounterVec
	FetchErrorsTotal   *prometheus.CounterVec
	FetchDuration      *prometheus.HistogramVec
	BoardSections      prometheus.Gauge
	VisibleDepartures  prometheus.Gauge
	DisplayVisible     prometheus.Gauge

	// Snapshot store metrics
	SnapshotSavesTotal prometheus.Counter
	SnapshotSaveErrors prometheus.Counter
	DBConnectionsOpen  prometheus.Gauge
	DBConnectionsInUse prometheus.Gauge

	// logger for error reporting
	logger *slog.Logger

	// collectorStarted prevents spawning multiple collector goroutines
	collectorStarted atomic.Bool

	// cancel stops the DB stats collector goroutine
	cancel context.CancelFunc

	// wg tracks the DB stats collector goroutine for graceful shutdown
	wg sync.WaitGroup
}

// New creates and registers all application metrics with a new registry.
func New() *Metrics {
	return NewWithLogger(nil)
}

// NewWithLogger creates metrics with a logger for error reporting.
func NewWithLogger(logger *slog.Logger) *Metrics {
	registry := prometheus.NewRegistry()

	httpRequestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "headway_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "headway_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	refreshCyclesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "headway_refresh_cycles_total",
			Help: "Total number of refresh cycles by trigger",
		},
		[]string{"trigger"},
	)

	fetchErrorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "headway_fetch_errors_total",
			Help: "Total number of per-tuple departure fetch failures by reason",
		},
		[]string{"reason"},
	)

	fetchDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "headway_fetch_duration_seconds",
			Help:    "Upstream departure fetch latency distribution",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	boardSections := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "headway_board_sections",
		Help: "Number of committed board sections",
	})

	visibleDepartures := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "headway_visible_departures",
		Help: "Number of departures in the last rendered view",
	})

	displayVisible := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "headway_display_visible",
		Help: "Whether the display is currently visible (1) or hidden (0)",
	})

	snapshotSavesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "headway_snapshot_saves_total",
		Help: "Total number of board snapshot writes",
	})

	snapshotSaveErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "headway_snapshot_save_errors_total",
		Help: "Total number of failed board snapshot writes",
	})

	dbConnectionsOpen := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "headway_db_connections_open",
		Help: "Number of open snapshot database connections",
	})

	dbConnectionsInUse := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "headway_db_connections_in_use",
		Help: "Number of snapshot database connections currently in use",
	})

	// Register all metrics with the custom registry
	registry.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		refreshCyclesTotal,
		fetchErrorsTotal,
		fetchDuration,
		boardSections,
		visibleDepartures,
		displayVisible,
		snapshotSavesTotal,
		snapshotSaveErrors,
		dbConnectionsOpen,
		dbConnectionsInUse,
	)

	return &Metrics{
		Registry:            registry,
		HTTPRequestsTotal:   httpRequestsTotal,
		HTTPRequestDuration: httpRequestDuration,
		RefreshCyclesTotal:  refreshCyclesTotal,
		FetchErrorsTotal:    fetchErrorsTotal,
		FetchDuration:       fetchDuration,
		BoardSections:       boardSections,
		VisibleDepartures:   visibleDepartures,
		DisplayVisible:      displayVisible,
		SnapshotSavesTotal:  snapshotSavesTotal,
		SnapshotSaveErrors:  snapshotSaveErrors,
		DBConnectionsOpen:   dbConnectionsOpen,
		DBConnectionsInUse:  dbConnectionsInUse,
		logger:              logger,
	}
}

// StartDBStatsCollector starts a goroutine that periodically collects
// snapshot-database connection pool statistics and updates the corresponding
// metrics. This method is idempotent - calling it multiple times has no
// effect after the first call. Call Shutdown() to stop the collector.
func (m *Metrics) StartDBStatsCollector(db *sql.DB, interval time.Duration) {
	if db == nil {
		return
	}

	// Prevent spawning multiple collectors
	if !m.collectorStarted.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	// Add to WaitGroup BEFORE exposing cancel to avoid race with Shutdown
	m.wg.Add(1)
	m.cancel = cancel

	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				if m.logger != nil {
					m.logger.Error("panic in DB stats collector", "error", r)
				}
			}
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				stats := db.Stats()
				m.DBConnectionsOpen.Set(float64(stats.OpenConnections))
				m.DBConnectionsInUse.Set(float64(stats.InUse))

			case <-ctx.Done():
				return
			}
		}
	}()
}

// Shutdown stops the DB stats collector goroutine and waits for it to exit.
// This method is safe to call multiple times.
func (m *Metrics) Shutdown() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}
