// Package metrics exposes the daemon's Prometheus metrics and a /healthz
// health probe over chi, the same router and promhttp wiring cartographus uses for
// its own /metrics endpoint, generalized from per-request API metrics to
// supervisor lifecycle metrics fed by the event bus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"overseer/internal/core/bus"
)

var (
	// ServicesRunning is the only table-wide gauge the engine's query
	// surface can support cheaply: List/ListRunning are scoped to a single
	// project or to running services, with no "every project, every
	// state" operation to build a full state histogram from.
	ServicesRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "overseer_services_running",
			Help: "Current number of running services across all loaded projects.",
		},
	)

	ServiceRestartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overseer_service_restarts_total",
			Help: "Total number of completed service restarts, per service.",
		},
		[]string{"project", "name"},
	)

	ServiceFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overseer_service_failures_total",
			Help: "Total number of service failures (spawn errors, or non-zero exits without auto-restart), per service.",
		},
		[]string{"project", "name"},
	)

	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overseer_bus_events_total",
			Help: "Total number of lifecycle events published on the event bus, by kind.",
		},
		[]string{"kind"},
	)

	ServiceCPUPercent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "overseer_service_cpu_percent",
			Help: "Last-sampled CPU usage percent for a running service.",
		},
		[]string{"project", "name"},
	)

	ServiceMemoryBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "overseer_service_memory_bytes",
			Help: "Last-sampled resident memory usage in bytes for a running service.",
		},
		[]string{"project", "name"},
	)
)

// recordEvent updates the event-driven counters from a single bus.Event.
// Gauges that need the running-service listing (ServicesRunning, the
// per-service resource gauges) are refreshed separately by the poller in recorder.go,
// since a single event never carries the full picture.
func recordEvent(evt bus.Event) {
	EventsTotal.WithLabelValues(string(evt.Kind)).Inc()

	switch evt.Kind {
	case bus.ServiceRestarted:
		ServiceRestartsTotal.WithLabelValues(evt.Project, evt.Name).Inc()
	case bus.ServiceFailed:
		ServiceFailuresTotal.WithLabelValues(evt.Project, evt.Name).Inc()
	}
}
