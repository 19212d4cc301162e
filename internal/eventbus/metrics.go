package eventbus

import "github.com/prometheus/client_golang/prometheus"

var (
	published = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "thermd_eventbus_published_total",
			Help: "ChangeSets queued for subscribers",
		},
	)
	dropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "thermd_eventbus_dropped_total",
			Help: "ChangeSets dropped because a worker queue was full",
		},
	)
)

// MetricsCollectors returns collectors for the event bus.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		published,
		dropped,
	}
}
