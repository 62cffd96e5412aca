// Package health provides the liveness and readiness endpoints served on the
// admin listener.
//
//   - liveness (default /health) answers 200 while the process runs
//   - readiness (default /ready) runs the registered checks and answers 503
//     if any of them fails, for example while the server drains
//   - /version reports build information
//
// # Usage
//
//	checker := health.New(0)
//	checker.Register("listener", srv.ListenerReady)
//	health.Mount(mux, cfg.Telemetry.Health, checker, info)
package health
