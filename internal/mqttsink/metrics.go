package mqttsink

import "github.com/prometheus/client_golang/prometheus"

var published = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "thermd_mqtt_published_total",
		Help: "MQTT state publications by outcome",
	},
	[]string{"outcome"},
)

// MetricsCollectors returns collectors for the MQTT sink.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{published}
}
