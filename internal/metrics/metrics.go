// Package metrics holds the Prometheus collectors exported by the server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "skyrelay"

// Command outcomes.
const (
	OutcomeSent     = "sent"
	OutcomeOffline  = "offline"
	OutcomeNotFound = "not_found"
	OutcomeFailed   = "failed"
)

// Metrics groups every collector on a private registry, so tests can build
// isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	Ingested   *prometheus.CounterVec
	Malformed  *prometheus.CounterVec
	Sessions   prometheus.Gauge
	Broadcasts prometheus.Counter
	Dropped    prometheus.Counter
	Commands   *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "messages_total",
			Help:      "Agent messages ingested, by topic kind.",
		}, []string{"kind"}),
		Malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "malformed_total",
			Help:      "Agent messages rejected as malformed, by topic kind.",
		}, []string{"kind"}),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "channels",
			Help:      "Currently registered observer channels.",
		}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "broadcasts_total",
			Help:      "Messages fanned out to observer channels.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "dropped_channels_total",
			Help:      "Observer channels removed after a failed or closed write.",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "requests_total",
			Help:      "Command requests, by outcome.",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Ingested, m.Malformed, m.Sessions, m.Broadcasts, m.Dropped, m.Commands,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
