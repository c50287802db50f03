// Package metrics exposes the relay's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the collectors the relay updates at runtime.
type Metrics struct {
	ChunksAppended    prometheus.Counter
	Terminals         *prometheus.CounterVec
	ActiveGenerations prometheus.Gauge
	StreamReads       *prometheus.CounterVec
	AgentInvocations  *prometheus.CounterVec
	SessionsCreated   prometheus.Counter
	SessionsForked    prometheus.Counter
}

// New registers the relay collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ChunksAppended: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_chunks_appended_total",
			Help: "Chunks appended to session data logs.",
		}),
		Terminals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_terminals_total",
			Help: "Generations closed, by terminal type.",
		}, []string{"type"}),
		ActiveGenerations: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_generations",
			Help: "Generations currently streaming.",
		}),
		StreamReads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_stream_reads_total",
			Help: "Stream endpoint reads, by mode.",
		}, []string{"mode"}),
		AgentInvocations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_agent_invocations_total",
			Help: "Agent endpoint invocations, by outcome.",
		}, []string{"status"}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_created_total",
			Help: "Sessions created.",
		}),
		SessionsForked: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_forked_total",
			Help: "Sessions forked from an existing session.",
		}),
	}
}

// NewDefault registers on the default Prometheus registry.
func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer)
}
