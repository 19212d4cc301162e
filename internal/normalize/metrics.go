package normalize

import "github.com/prometheus/client_golang/prometheus"

var (
	invalidPayloads = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "thermd_webhook_invalid_payloads_total",
			Help: "Webhook bodies that could not be parsed",
		},
	)
	parkedGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "thermd_normalize_parked_updates",
			Help: "Updates waiting for an unknown device to be polled",
		},
	)
	parkedEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "thermd_normalize_parked_evicted_total",
			Help: "Parked updates dropped because the buffer was full",
		},
	)
	replayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "thermd_normalize_replayed_total",
			Help: "Parked updates re-normalized after a poll",
		},
	)
)

// MetricsCollectors returns collectors for the normalizer.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		invalidPayloads,
		parkedGauge,
		parkedEvicted,
		replayed,
	}
}
