// Package metrics provides Prometheus metrics collection for switchyard.
//
// # Metrics Categories
//
//   - Connection metrics: accepts, rejections, handshakes, negotiated
//     protocols, active connections and their lifetimes
//   - Stream metrics: opened and active streams, pipeline faults, read gate
//     transitions and bytes transferred
//   - Journal metrics: stored, dropped and pruned connection records
//
// # Usage
//
//	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
//
//	// The collector satisfies listener.Observer and demux.Observer.
//	ln, err := listener.Listen(opts, listener.WithObserver(collector))
//
//	// Expose metrics on the admin listener.
//	mux.Handle(cfg.Telemetry.Metrics.Path, collector.Handler())
//
// # Cardinality
//
// Every label is drawn from a closed set: protocol ids come from the
// configured protocol list, error kinds from pipeline.Classify, and scopes,
// directions and results are fixed strings. No label carries a peer address
// or stream id.
package metrics
