// Package metric registers the core's prometheus collectors. Each Set owns
// a private registry so tests can run side by side without collisions.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set bundles the collectors shared across the core.
type Set struct {
	registry *prometheus.Registry

	PacketsReceived  prometheus.Counter
	PacketsFiltered  prometheus.Counter
	PacketsMalformed prometheus.Counter
	BusPublished     prometheus.Counter
	BusDropped       prometheus.Counter
	Reconnects       prometheus.Counter
	SendFailures     prometheus.Counter
	ConnectionState  prometheus.Gauge
	KnownNodes       prometheus.Gauge
}

// NewSet creates and registers all collectors on a fresh registry.
func NewSet() *Set {
	reg := prometheus.NewRegistry()
	s := &Set{
		registry: reg,
		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshling_packets_received_total",
			Help: "Packets normalized from the device stream.",
		}),
		PacketsFiltered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshling_packets_filtered_total",
			Help: "Packets retained in history but excluded from fan-out by the active filter.",
		}),
		PacketsMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshling_packets_malformed_total",
			Help: "Raw frames dropped because they could not be decoded.",
		}),
		BusPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshling_bus_events_published_total",
			Help: "Domain events published on the bus.",
		}),
		BusDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshling_bus_events_dropped_total",
			Help: "Events dropped for slow subscribers.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshling_reconnect_attempts_total",
			Help: "Reconnection attempts after a dropped link.",
		}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshling_send_failures_total",
			Help: "Outbound commands rejected or failed.",
		}),
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshling_connection_state",
			Help: "Current connection state (enum ordinal).",
		}),
		KnownNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshling_known_nodes",
			Help: "Nodes currently tracked by the node manager.",
		}),
	}
	reg.MustRegister(
		s.PacketsReceived, s.PacketsFiltered, s.PacketsMalformed,
		s.BusPublished, s.BusDropped, s.Reconnects, s.SendFailures,
		s.ConnectionState, s.KnownNodes,
	)
	return s
}

// Handler serves the registry in the prometheus exposition format.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
