package poller

import "github.com/prometheus/client_golang/prometheus"

var (
	pollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thermd_polls_total",
			Help: "Full-state polls by outcome",
		},
		[]string{"outcome"},
	)
	missedCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "thermd_poll_missed_cycles_total",
			Help: "Poll cycles lost to fetch failures",
		},
	)
	consecutiveFailures = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "thermd_poll_consecutive_failures",
			Help: "Current run of failed polls",
		},
	)
	pollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "thermd_poll_duration_seconds",
			Help:    "Time spent fetching full home state",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// MetricsCollectors returns collectors for the poller.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		pollsTotal,
		missedCycles,
		consecutiveFailures,
		pollDuration,
	}
}
