package metrics

import (
	"mercator-hq/switchyard/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
)

// StreamMetrics tracks multiplexed streams, pipeline faults and the
// backpressure gate.
//
// Metrics:
//   - switchyard_streams_opened_total: Streams opened by protocol
//   - switchyard_streams_active: Streams currently open by protocol
//   - switchyard_faults_total: Pipeline faults by scope and error kind
//   - switchyard_gate_transitions_total: Read gate suspensions and resumptions
//   - switchyard_bytes_total: Bytes read from and written to peers
type StreamMetrics struct {
	opened *prometheus.CounterVec
	active *prometheus.GaugeVec
	faults *prometheus.CounterVec
	gate   *prometheus.CounterVec
	bytes  *prometheus.CounterVec
}

// NewStreamMetrics creates and registers stream metrics with the provided
// registry.
func NewStreamMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *StreamMetrics {
	sm := &StreamMetrics{
		opened: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "streams_opened_total",
				Help:      "Total number of streams opened",
			},
			[]string{"protocol"},
		),

		active: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Name:      "streams_active",
				Help:      "Number of currently open streams",
			},
			[]string{"protocol"},
		),

		faults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "faults_total",
				Help:      "Total number of pipeline faults by scope and error kind",
			},
			[]string{"scope", "error_kind"},
		),

		gate: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "gate_transitions_total",
				Help:      "Total number of read gate transitions",
			},
			[]string{"transition"},
		),

		bytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "bytes_total",
				Help:      "Total bytes transferred on accepted connections",
			},
			[]string{"direction"},
		),
	}

	registry.MustRegister(
		sm.opened,
		sm.active,
		sm.faults,
		sm.gate,
		sm.bytes,
	)

	return sm
}
