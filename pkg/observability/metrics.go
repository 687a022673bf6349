package observability

import (
	"database/sql"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the master server.
type Metrics struct {
	// Request broker metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	CommitsTotal    prometheus.Counter
	RollbacksTotal  prometheus.Counter

	// Invalidation metrics
	InvalidationsTotal *prometheus.CounterVec

	// Authorization metrics
	AccessDenialsTotal *prometheus.CounterVec

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec
	CacheClearsTotal *prometheus.CounterVec

	// Daemon metrics
	DaemonCallsTotal    *prometheus.CounterVec
	DaemonFailuresTotal *prometheus.CounterVec
	DaemonFastFailsTotal prometheus.Counter

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aomaster_requests_total",
				Help: "Total number of brokered requests",
			},
			[]string{"outcome"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aomaster_request_duration_seconds",
				Help:    "Brokered request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		CommitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aomaster_transaction_commits_total",
			Help: "Total number of committed transactions",
		}),
		RollbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aomaster_transaction_rollbacks_total",
			Help: "Total number of rolled back transactions",
		}),
		InvalidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aomaster_invalidations_total",
				Help: "Total number of table invalidation broadcasts",
			},
			[]string{"table"},
		),
		AccessDenialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aomaster_access_denials_total",
				Help: "Total number of denied access checks",
			},
			[]string{"action"},
		),
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aomaster_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aomaster_cache_misses_total",
				Help: "Total number of cache misses triggering a load",
			},
			[]string{"cache"},
		),
		CacheClearsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aomaster_cache_clears_total",
				Help: "Total number of cache invalidation clears",
			},
			[]string{"cache"},
		),
		DaemonCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aomaster_daemon_calls_total",
				Help: "Total number of daemon RPC calls",
			},
			[]string{"operation"},
		),
		DaemonFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aomaster_daemon_failures_total",
				Help: "Total number of daemon RPC connectivity failures",
			},
			[]string{"operation"},
		),
		DaemonFastFailsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aomaster_daemon_fast_fails_total",
			Help: "Total number of calls rejected because the host was marked down",
		}),
		DBConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aomaster_db_connections_active",
			Help: "Number of active database connections",
		}),
		DBConnectionsIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aomaster_db_connections_idle",
			Help: "Number of idle database connections",
		}),
		registry: registry,
	}

	registry.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.CommitsTotal,
		m.RollbacksTotal,
		m.InvalidationsTotal,
		m.AccessDenialsTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheClearsTotal,
		m.DaemonCallsTotal,
		m.DaemonFailuresTotal,
		m.DaemonFastFailsTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// Handler returns an HTTP handler serving the metrics registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// UpdateDBStats copies pool statistics from the database into gauges.
func (m *Metrics) UpdateDBStats(stats sql.DBStats) {
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
}
