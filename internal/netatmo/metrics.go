package netatmo

import "github.com/prometheus/client_golang/prometheus"

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thermd_netatmo_requests_total",
			Help: "Netatmo API requests by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "thermd_netatmo_request_duration_seconds",
			Help:    "Netatmo API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)
	retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thermd_netatmo_auth_retries_total",
			Help: "Requests repeated after a credential refresh",
		},
		[]string{"endpoint"},
	)
)

// MetricsCollectors returns collectors for the Netatmo client.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		requestsTotal,
		requestDuration,
		retriesTotal,
	}
}
