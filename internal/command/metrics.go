package command

import "github.com/prometheus/client_golang/prometheus"

var (
	issuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "thermd_commands_issued_total",
			Help: "Commands sent to the vendor",
		},
	)
	rejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thermd_commands_rejected_total",
			Help: "Command requests refused before issue, by error kind",
		},
		[]string{"kind"},
	)
	outcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thermd_commands_finished_total",
			Help: "Commands by terminal state",
		},
		[]string{"state"},
	)
	latency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "thermd_command_duration_seconds",
			Help:    "Time from issue to terminal state",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"state"},
	)
	lateConfirmations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "thermd_commands_late_confirmations_total",
			Help: "Confirmations that arrived after the command had already finished",
		},
	)
)

// MetricsCollectors returns collectors for the command coordinator.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		issuedTotal,
		rejected,
		outcomes,
		latency,
		lateConfirmations,
	}
}
