// Package telemetry groups switchyard's observability packages.
//
// # Components
//
//   - logging: slog loggers with a runtime adjustable level, connection and
//     stream context fields, and optional address redaction
//   - metrics: Prometheus collectors for connections, handshakes, streams,
//     read gate transitions and the connection journal
//   - tracing: OpenTelemetry spans per connection and per stream, exported
//     over OTLP/gRPC
//   - health: liveness and readiness endpoints for the admin listener
//
// # Usage
//
//	logger, err := logging.New(logging.Config{Level: "info", Format: "json"})
//	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
//	tracer, err := tracing.New(&cfg.Telemetry.Tracing)
//	checker := health.New(health.DefaultCheckTimeout)
//
// The server wires all four; the admin listener serves collector.Handler()
// at telemetry.metrics.path and mounts the health endpoints next to it.
//
// # Address Redaction
//
// With telemetry.logging.redact_addresses set, peer addresses are masked in
// every log attribute:
//
//   - 192.168.1.1:5000 → 192.*.*.*:5000
//   - IPv6 addresses → ****:****
//   - keys containing password, secret or token → ***
package telemetry
