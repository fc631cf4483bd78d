// Package telemetry provides logging setup and Prometheus metrics for the gateway.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served on the side-channel HTTP server started by cmd/server:
//
//	GET http://<host>:<DATASHELF_TELEMETRY_METRICS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Gateway operation counters and durations by operation, backend type and status
//   - Quota rejections, vault decrypt failures, adapter probe results
//   - Audit sink failures and drops
//   - Database connection pool gauges (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /api/v1/files/list/:adapterId)
// rather than the raw request URL so adapter IDs never become label values.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/datashelf/gateway/internal/safego"
)

// HTTP metrics: labelled by method, route template, and status code.
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

// Gateway metrics.
//
// GatewayOperationsTotal counts finalized operations; status is "success" or
// "failed" and kind is the error kind ("" on success).
//
// Example PromQL queries:
//   - Failure ratio per backend: sum by (backend) (rate(gateway_operations_total{status="failed"}[5m])) / sum by (backend) (rate(gateway_operations_total[5m]))
var (
	GatewayOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_operations_total",
			Help: "Total number of file operations, by operation, backend type, status and error kind.",
		},
		[]string{"operation", "backend", "status", "kind"},
	)

	GatewayOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_operation_duration_seconds",
			Help:    "Histogram of file operation latencies including the backend call, by operation and backend type.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"operation", "backend"},
	)

	QuotaRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_quota_rejections_total",
			Help: "Total number of uploads rejected because they would exceed the account storage limit.",
		},
	)

	UploadedBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_uploaded_bytes_total",
			Help: "Total bytes successfully uploaded through the gateway, by backend type.",
		},
		[]string{"backend"},
	)

	AdapterProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_adapter_probes_total",
			Help: "Total number of adapter connectivity probes, by backend type and result (ok, failed).",
		},
		[]string{"backend", "result"},
	)

	VaultDecryptFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vault_decrypt_failures_total",
			Help: "Total number of credential envelopes that failed to decrypt.",
		},
	)
)

// Audit sink metrics. Reason is "error" when a sink rejected a record and
// "dropped" when the async queue was full.
var AuditShipFailuresTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "audit_ship_failures_total",
		Help: "Total number of audit records that failed to reach a sink, by sink and reason.",
	},
	[]string{"sink", "reason"},
)

// Database pool gauges, sampled by StartDBStatsCollector.
var (
	DBOpenConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_open_connections",
			Help: "Current number of open database connections in the pool.",
		},
	)

	DBInUseConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_in_use_connections",
			Help: "Current number of database connections in use.",
		},
	)
)

// StartDBStatsCollector samples pool statistics every 30 seconds until ctx is
// cancelled.
func StartDBStatsCollector(ctx context.Context, db *sqlx.DB) {
	safego.Named("db-stats", func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				slog.Debug("db stats collector stopped")
				return
			case <-ticker.C:
				stats := db.Stats()
				DBOpenConnections.Set(float64(stats.OpenConnections))
				DBInUseConnections.Set(float64(stats.InUse))
			}
		}
	})
}
