package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing, so components can be built without a registry in tests.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Access control metrics
	PermissionDecisionsTotal *prometheus.CounterVec
	UIResolutionsTotal       *prometheus.CounterVec

	// Audit metrics
	AuditWritesTotal      *prometheus.CounterVec
	UnitOfWorkDuration    *prometheus.HistogramVec
	StatsRefreshTotal     *prometheus.CounterVec
	RetentionDeletedTotal prometheus.Counter

	// Database metrics
	DBConnectionsInUse prometheus.Gauge
	DBConnectionsIdle  prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "releasegate_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "releasegate_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		PermissionDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "releasegate_permission_decisions_total",
				Help: "Permission resolver decisions by resource, action and outcome",
			},
			[]string{"resource", "action", "outcome"},
		),
		UIResolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "releasegate_ui_resolutions_total",
				Help: "UI element resolutions by mode (authoritative or degraded)",
			},
			[]string{"mode"},
		),
		AuditWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "releasegate_audit_writes_total",
				Help: "Audit records written by table, operation and status",
			},
			[]string{"table", "operation", "status"},
		),
		UnitOfWorkDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "releasegate_unit_of_work_duration_seconds",
				Help:    "Duration of mutation plus audit transactions",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"status"},
		),
		StatsRefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "releasegate_audit_stats_refresh_total",
				Help: "Audit stats read model refreshes by status",
			},
			[]string{"status"},
		),
		RetentionDeletedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "releasegate_audit_retention_deleted_total",
				Help: "Audit records removed by retention cleanup",
			},
		),
		DBConnectionsInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "releasegate_db_connections_in_use",
				Help: "Database connections currently in use",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "releasegate_db_connections_idle",
				Help: "Idle database connections",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.PermissionDecisionsTotal,
		m.UIResolutionsTotal,
		m.AuditWritesTotal,
		m.UnitOfWorkDuration,
		m.StatsRefreshTotal,
		m.RetentionDeletedTotal,
		m.DBConnectionsInUse,
		m.DBConnectionsIdle,
	)

	return m
}

// RecordPermissionDecision counts one resolver decision
func (m *Metrics) RecordPermissionDecision(resource, action, outcome string) {
	if m == nil {
		return
	}
	m.PermissionDecisionsTotal.WithLabelValues(resource, action, outcome).Inc()
}

// RecordUIResolution counts one UI element resolution
func (m *Metrics) RecordUIResolution(degraded bool) {
	if m == nil {
		return
	}
	mode := "authoritative"
	if degraded {
		mode = "degraded"
	}
	m.UIResolutionsTotal.WithLabelValues(mode).Inc()
}

// RecordAuditWrite counts one audit insert attempt
func (m *Metrics) RecordAuditWrite(table, operation string, err error) {
	if m == nil {
		return
	}
	m.AuditWritesTotal.WithLabelValues(table, operation, statusLabel(err)).Inc()
}

// ObserveUnitOfWork records the duration of one transaction
func (m *Metrics) ObserveUnitOfWork(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.UnitOfWorkDuration.WithLabelValues(statusLabel(err)).Observe(d.Seconds())
}

// RecordStatsRefresh counts one stats read model refresh
func (m *Metrics) RecordStatsRefresh(err error) {
	if m == nil {
		return
	}
	m.StatsRefreshTotal.WithLabelValues(statusLabel(err)).Inc()
}

// AddRetentionDeleted adds to the retention deletion counter
func (m *Metrics) AddRetentionDeleted(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.RetentionDeletedTotal.Add(float64(n))
}

// ObserveDBStats copies connection pool stats into the gauges
func (m *Metrics) ObserveDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsInUse.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Routes are labelled by their mux path template to keep cardinality bounded.
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tmpl, err := current.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler returns the /metrics handler for the registry
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
