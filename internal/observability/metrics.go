package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics use the ServeMux pattern (e.g. "POST /auth/login") as the path
// label, never the raw URL.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route pattern.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)

	// AuthOperationsTotal counts login/refresh/logout outcomes. code is "ok"
	// on success, otherwise the outward error code.
	AuthOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_operations_total",
			Help: "Total number of authentication operations, by operation and result code.",
		},
		[]string{"operation", "code"},
	)

	CleanupDeletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_cleanup_deleted_total",
			Help: "Rows removed by the maintenance cleanup, by kind.",
		},
		[]string{"kind"},
	)
)

func RecordAuthOperation(operation, code string) {
	AuthOperationsTotal.WithLabelValues(operation, code).Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
