// Package metrics exposes the manager's Prometheus instrumentation:
// registry size, timestep throughput and latency, database buffer
// depth, and protocol-violation diagnostics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every Prometheus collector the manager registers.
type Metrics struct {
	RegisteredSimulators prometheus.Gauge
	TimestepsTotal       *prometheus.CounterVec
	TimestepDuration     *prometheus.HistogramVec
	SimulationsActive    prometheus.Gauge
	BufferDepth          prometheus.Gauge
	BufferEnqueuedTotal  prometheus.Counter
	ProtocolViolations   *prometheus.CounterVec
	SurplusWritesTotal   *prometheus.CounterVec
}

// New constructs the metric set and registers it with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RegisteredSimulators: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "simmanager",
			Name:      "registered_simulators",
			Help:      "Number of simulators currently registered with the manager.",
		}),
		TimestepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simmanager",
			Name:      "timesteps_total",
			Help:      "Total timesteps completed, labeled by simulator name.",
		}, []string{"simulator"}),
		TimestepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "simmanager",
			Name:      "timestep_duration_seconds",
			Help:      "Duration of a single simulator DoTimestep call.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"simulator"}),
		SimulationsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "simmanager",
			Name:      "simulations_active",
			Help:      "Number of simulations currently in Computing state.",
		}),
		BufferDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "simmanager",
			Name:      "db_buffer_depth",
			Help:      "Current number of unpersisted messages queued in the database buffer.",
		}),
		BufferEnqueuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "simmanager",
			Name:      "db_buffer_enqueued_total",
			Help:      "Total messages ever enqueued to the database buffer.",
		}),
		ProtocolViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simmanager",
			Name:      "protocol_violations_total",
			Help:      "Protocol violations observed from simulators, labeled by simulator name.",
		}, []string{"simulator"}),
		SurplusWritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simmanager",
			Name:      "surplus_writes_total",
			Help:      "Component writes dropped because a simulator wrote outside its declared output set, labeled by simulator name.",
		}, []string{"simulator"}),
	}

	reg.MustRegister(
		m.RegisteredSimulators,
		m.TimestepsTotal,
		m.TimestepDuration,
		m.SimulationsActive,
		m.BufferDepth,
		m.BufferEnqueuedTotal,
		m.ProtocolViolations,
		m.SurplusWritesTotal,
	)

	return m
}
