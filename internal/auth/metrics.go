package auth

import "github.com/prometheus/client_golang/prometheus"

var (
	refreshSuccess = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "thermd_auth_refresh_success_total",
			Help: "Successful OAuth refreshes",
		},
	)
	refreshFailure = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "thermd_auth_refresh_failure_total",
			Help: "Failed OAuth refreshes",
		},
	)
	persistFailure = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "thermd_auth_persist_failure_total",
			Help: "Refreshed tokens that could not be persisted",
		},
	)
	tokenValid = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "thermd_auth_token_valid",
			Help: "OAuth access token validity (1=valid, 0=invalid)",
		},
	)
)

// MetricsCollectors returns collectors for the auth module.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		refreshSuccess,
		refreshFailure,
		persistFailure,
		tokenValid,
	}
}
