package reconcile

import "github.com/prometheus/client_golang/prometheus"

var (
	appliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thermd_reconcile_applied_total",
			Help: "Snapshots merged into device state by source",
		},
		[]string{"source"},
	)
	droppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thermd_reconcile_dropped_total",
			Help: "Stale or duplicate snapshots dropped by source",
		},
		[]string{"source"},
	)
	suppressedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "thermd_reconcile_suppressed_total",
			Help: "Poll values suppressed by an outstanding command",
		},
	)
	unknownModes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "thermd_reconcile_unknown_modes_total",
			Help: "Observed raw modes that could not be mapped",
		},
	)
	invariantViolations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "thermd_reconcile_schedule_invariant_violations_total",
			Help: "Observed schedule mode without a known active schedule",
		},
	)
)

// MetricsCollectors returns collectors for the reconciler.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		appliedTotal,
		droppedTotal,
		suppressedTotal,
		unknownModes,
		invariantViolations,
	}
}
