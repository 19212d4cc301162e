// Package metrics collects every package's Prometheus collectors into one
// registry.
package metrics

import (
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/dokzlo13/thermd/internal/auth"
	"github.com/dokzlo13/thermd/internal/command"
	"github.com/dokzlo13/thermd/internal/eventbus"
	"github.com/dokzlo13/thermd/internal/mqttsink"
	"github.com/dokzlo13/thermd/internal/netatmo"
	"github.com/dokzlo13/thermd/internal/normalize"
	"github.com/dokzlo13/thermd/internal/poller"
	"github.com/dokzlo13/thermd/internal/reconcile"
	"github.com/dokzlo13/thermd/internal/webhook"
)

// Collectors returns all thermd collectors.
func Collectors() []prometheus.Collector {
	var all []prometheus.Collector
	for _, group := range [][]prometheus.Collector{
		auth.MetricsCollectors(),
		netatmo.MetricsCollectors(),
		normalize.MetricsCollectors(),
		reconcile.MetricsCollectors(),
		command.MetricsCollectors(),
		poller.MetricsCollectors(),
		eventbus.MetricsCollectors(),
		webhook.MetricsCollectors(),
		mqttsink.MetricsCollectors(),
	} {
		all = append(all, group...)
	}
	return all
}

// NewRegistry builds a registry with process, Go runtime and thermd
// collectors plus a build info gauge labelled with the instance ID.
func NewRegistry(version string, instanceID uuid.UUID) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	for _, collector := range Collectors() {
		registry.MustRegister(collector)
	}

	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "thermd_build_info",
		Help:        "Build information",
		ConstLabels: prometheus.Labels{"version": version, "instance": instanceID.String()},
	}, func() float64 { return 1 }))

	return registry
}
