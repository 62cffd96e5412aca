package metrics

import (
	"mercator-hq/switchyard/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
)

// ConnectionMetrics tracks the connection lifecycle from accept to close.
//
// Metrics:
//   - switchyard_connections_accepted_total: Accepted TCP connections
//   - switchyard_connections_rejected_total: Connections refused at accept, by reason
//   - switchyard_connections_active: Connections past the handshake and not yet closed
//   - switchyard_connections_closed_total: Closed connections by protocol and error kind
//   - switchyard_connection_duration_seconds: Connection lifetime by protocol
//   - switchyard_handshakes_total: TLS handshakes by result
//   - switchyard_handshake_duration_seconds: TLS handshake duration
//   - switchyard_negotiated_protocol_total: Handshakes by negotiated protocol
type ConnectionMetrics struct {
	accepted prometheus.Counter
	rejected *prometheus.CounterVec
	active   *prometheus.GaugeVec
	closed   *prometheus.CounterVec
	lifetime *prometheus.HistogramVec

	handshakes        *prometheus.CounterVec
	handshakeDuration *prometheus.HistogramVec
	negotiated        *prometheus.CounterVec
}

// NewConnectionMetrics creates and registers connection metrics with the
// provided registry.
func NewConnectionMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *ConnectionMetrics {
	cm := &ConnectionMetrics{
		accepted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "connections_accepted_total",
				Help:      "Total number of accepted TCP connections",
			},
		),

		rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "connections_rejected_total",
				Help:      "Total number of connections refused at accept",
			},
			[]string{"reason"},
		),

		active: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Name:      "connections_active",
				Help:      "Number of open connections by negotiated protocol",
			},
			[]string{"protocol"},
		),

		closed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "connections_closed_total",
				Help:      "Total number of closed connections by protocol and error kind",
			},
			[]string{"protocol", "error_kind"},
		),

		lifetime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Name:      "connection_duration_seconds",
				Help:      "Lifetime of connections in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10), // 10ms to ~43m
			},
			[]string{"protocol"},
		),

		handshakes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "handshakes_total",
				Help:      "Total number of TLS handshakes by result",
			},
			[]string{"result"},
		),

		handshakeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Name:      "handshake_duration_seconds",
				Help:      "Duration of TLS handshakes in seconds",
				Buckets:   cfg.HandshakeBuckets,
			},
			[]string{"result"},
		),

		negotiated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "negotiated_protocol_total",
				Help:      "Total number of handshakes by negotiated application protocol",
			},
			[]string{"protocol", "fallback"},
		),
	}

	registry.MustRegister(
		cm.accepted,
		cm.rejected,
		cm.active,
		cm.closed,
		cm.lifetime,
		cm.handshakes,
		cm.handshakeDuration,
		cm.negotiated,
	)

	return cm
}
