// Package tracing provides OpenTelemetry tracing for switchyard.
//
// Every accepted connection gets a span covering its lifetime, and the
// trace stage opens a child span per stream. For h2 streams the parent is
// taken from the request's traceparent header (W3C Trace Context), so a
// caller's trace continues through the proxy.
//
// Spans are exported over OTLP/gRPC. The "none" exporter records spans
// without exporting them; tests attach a tracetest.SpanRecorder with
// WithSpanProcessor.
//
// # Sampling
//
//   - always: sample every trace
//   - never: sample nothing
//   - ratio: sample a fraction of traces by trace id
//
// All samplers respect the sampling decision of a remote parent.
package tracing
