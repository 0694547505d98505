// Package telemetry provides application-level observability for the dbquery service.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served by the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<DBQ_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by the Gin router, so it is not
// reachable through the admin API's authentication chain.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Ad-hoc query outcomes and execution latency
//   - Search runs and per-column content probe failures
//   - Executed-query log write failures and retention pruning
//   - Database connection pool gauge (polled every 30 s)
//
// Usage from a handler or service:
//
//	telemetry.QueriesTotal.WithLabelValues("ok").Inc()
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dbquery/dbquery/internal/safego"
)

// HTTP metrics, labelled by method, route template, and status code.
//
// The path label holds the Gin route template (e.g. /api/v1/admin/dbquery/history/:id),
// NOT the raw URL, to prevent unbounded cardinality.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Query console metrics.
//
// QueriesTotal is labelled by outcome: "ok", "invalid_query" or "connection".
// QueryDuration observes the database round trip only, not auditing or rendering.
//
// Example PromQL queries:
//   - Rejected statements per hour:  increase(dbquery_queries_total{outcome="invalid_query"}[1h])
//   - p95 execution time:            histogram_quantile(0.95, rate(dbquery_query_duration_seconds_bucket[15m]))
var (
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbquery_queries_total",
			Help: "Total number of ad-hoc statements executed, by outcome.",
		},
		[]string{"outcome"},
	)

	QueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dbquery_query_duration_seconds",
			Help:    "Execution time of ad-hoc statements.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 120},
		},
	)
)

// Search metrics.
//
// SearchColumnErrorsTotal counts content probes that failed and were skipped
// (typically permission denied on a single table). A steady non-zero rate points
// at a table the service role cannot read.
var (
	SearchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbquery_searches_total",
			Help: "Total number of schema/content searches, by whether an object type was requested.",
		},
		[]string{"object_type"},
	)

	SearchColumnErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dbquery_search_column_errors_total",
			Help: "Total number of per-column content probes that failed and were skipped.",
		},
	)
)

// Executed-query log metrics.
//
// AuditWriteFailuresTotal should stay at zero; any increase means statements ran
// without a history record. Alert expression: increase(dbquery_audit_write_failures_total[5m]) > 0
var (
	AuditWriteFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dbquery_audit_write_failures_total",
			Help: "Total number of executed statements whose history record could not be written.",
		},
	)

	AuditRecordsPrunedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dbquery_audit_records_pruned_total",
			Help: "Total number of history records removed by the retention job.",
		},
	)
)

// DBOpenConnections tracks the number of open connections currently held by the
// sql.DB pool. It is sampled every 30 seconds by StartDBStatsCollector.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB
// connection pool statistics every 30 seconds. The goroutine exits when the
// database becomes unreachable, which happens on shutdown once db.Close() runs.
func StartDBStatsCollector(db *sql.DB) {
	safego.Go("db-stats-collector", func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	})
}
