package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	promQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vanadb_queries_total",
			Help: "Total queries executed, by database and outcome",
		},
		[]string{"database", "status"},
	)

	promQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vanadb_query_duration_seconds",
			Help:    "Successful query duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"database"},
	)

	promOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vanadb_database_operations_total",
			Help: "Administrative database operations, by kind and outcome",
		},
		[]string{"operation", "status"},
	)
)

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
