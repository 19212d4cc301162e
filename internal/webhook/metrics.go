package webhook

import "github.com/prometheus/client_golang/prometheus"

var received = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "thermd_webhooks_received_total",
		Help: "Webhook requests by outcome",
	},
	[]string{"outcome"},
)

// MetricsCollectors returns collectors for the webhook server.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{received}
}
