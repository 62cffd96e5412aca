package metrics

import (
	"strconv"
	"time"

	"mercator-hq/switchyard/pkg/config"
	"mercator-hq/switchyard/pkg/pipeline"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// ResultSuccess labels completed handshakes. Failed handshakes are labelled
// with the HandshakeError reason.
const ResultSuccess = "success"

// Collector owns every switchyard metric. It implements the listener and
// demux observer interfaces, so a single Collector can be handed to both.
//
// All methods are safe for concurrent use and never block.
type Collector struct {
	config   *config.MetricsConfig
	registry *prometheus.Registry

	connectionMetrics *ConnectionMetrics
	streamMetrics     *StreamMetrics
	journalMetrics    *JournalMetrics
}

// NewCollector creates a metrics collector with the specified configuration
// and Prometheus registry. If registry is nil, a fresh registry carrying the
// Go runtime and process collectors is created.
//
// Example:
//
//	cfg := &config.MetricsConfig{Namespace: "switchyard"}
//	collector := metrics.NewCollector(cfg, nil)
func NewCollector(cfg *config.MetricsConfig, registry *prometheus.Registry) *Collector {
	if cfg == nil {
		cfg = &config.MetricsConfig{}
	}
	if cfg.Namespace == "" {
		cfg.Namespace = config.DefaultMetricsNamespace
	}
	if len(cfg.HandshakeBuckets) == 0 {
		cfg.HandshakeBuckets = append([]float64(nil), config.DefaultHandshakeBuckets...)
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	return &Collector{
		config:            cfg,
		registry:          registry,
		connectionMetrics: NewConnectionMetrics(cfg, registry),
		streamMetrics:     NewStreamMetrics(cfg, registry),
		journalMetrics:    NewJournalMetrics(cfg, registry),
	}
}

// ConnectionAccepted records a TCP connection handed to the server.
func (c *Collector) ConnectionAccepted() {
	c.connectionMetrics.accepted.Inc()
}

// ConnectionRejected records a connection refused at accept, for example by
// the per-client limit.
func (c *Collector) ConnectionRejected(reason string) {
	c.connectionMetrics.rejected.WithLabelValues(reason).Inc()
}

// RecordHandshake records a completed TLS handshake and the protocol it
// negotiated.
func (c *Collector) RecordHandshake(protocol string, fallback bool, duration time.Duration) {
	c.connectionMetrics.handshakes.WithLabelValues(ResultSuccess).Inc()
	c.connectionMetrics.handshakeDuration.WithLabelValues(ResultSuccess).Observe(duration.Seconds())
	c.connectionMetrics.negotiated.WithLabelValues(protocol, strconv.FormatBool(fallback)).Inc()
}

// RecordHandshakeFailure records a failed TLS handshake. reason is the
// pipeline.HandshakeError reason, such as "timeout" or "no_common_protocol".
func (c *Collector) RecordHandshakeFailure(reason string, duration time.Duration) {
	c.connectionMetrics.handshakes.WithLabelValues(reason).Inc()
	c.connectionMetrics.handshakeDuration.WithLabelValues(reason).Observe(duration.Seconds())
}

// ConnectionOpened records a connection that entered the demultiplexer.
func (c *Collector) ConnectionOpened(protocol string) {
	c.connectionMetrics.active.WithLabelValues(protocol).Inc()
}

// ConnectionClosed records the end of a connection previously passed to
// ConnectionOpened. A nil err is recorded with error kind "none".
func (c *Collector) ConnectionClosed(protocol string, err error, lifetime time.Duration) {
	kind := pipeline.Classify(err)
	if kind == "" {
		kind = "none"
	}
	c.connectionMetrics.active.WithLabelValues(protocol).Dec()
	c.connectionMetrics.closed.WithLabelValues(protocol, kind).Inc()
	c.connectionMetrics.lifetime.WithLabelValues(protocol).Observe(lifetime.Seconds())
}

// Fault records a pipeline fault.
func (c *Collector) Fault(scope pipeline.Scope, err error) {
	c.streamMetrics.faults.WithLabelValues(scope.String(), pipeline.Classify(err)).Inc()
}

// StreamOpened records a new stream.
func (c *Collector) StreamOpened(protocol string) {
	c.streamMetrics.opened.WithLabelValues(protocol).Inc()
	c.streamMetrics.active.WithLabelValues(protocol).Inc()
}

// StreamClosed records the release of a stream.
func (c *Collector) StreamClosed(protocol string) {
	c.streamMetrics.active.WithLabelValues(protocol).Dec()
}

// GateSuspended records the read gate closing under write backpressure.
func (c *Collector) GateSuspended() {
	c.streamMetrics.gate.WithLabelValues("suspend").Inc()
}

// GateResumed records the read gate reopening.
func (c *Collector) GateResumed() {
	c.streamMetrics.gate.WithLabelValues("resume").Inc()
}

// BytesRead records bytes received from a peer.
func (c *Collector) BytesRead(n int) {
	c.streamMetrics.bytes.WithLabelValues("in").Add(float64(n))
}

// BytesWritten records bytes sent to a peer.
func (c *Collector) BytesWritten(n int) {
	c.streamMetrics.bytes.WithLabelValues("out").Add(float64(n))
}

// JournalStored records a journal record persisted by the backend.
func (c *Collector) JournalStored() {
	c.journalMetrics.records.WithLabelValues("stored").Inc()
}

// JournalDropped records a journal record discarded because the recorder
// buffer was full.
func (c *Collector) JournalDropped() {
	c.journalMetrics.records.WithLabelValues("dropped").Inc()
}

// JournalFailed records a journal record the backend failed to store.
func (c *Collector) JournalFailed() {
	c.journalMetrics.records.WithLabelValues("failed").Inc()
}

// JournalPruned records records removed by retention.
func (c *Collector) JournalPruned(n int64) {
	if n > 0 {
		c.journalMetrics.pruned.Add(float64(n))
	}
}

// Registry returns the Prometheus registry used by this collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
