// Package server wires the switchyard pipeline together.
//
// For every accepted connection the server runs the TLS handshake off the
// accept goroutine, looks up the demultiplexing strategy of the negotiated
// protocol, pins the connection to an event loop and installs the handler
// chain configured for that protocol on each stream. Closed connections are
// written to the journal and counted in the metrics.
//
// # Basic Usage
//
//	srv, err := server.New(cfg, server.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	return srv.Run(ctx) // returns after graceful shutdown
//
// Cancelling ctx stops accepting, asks every connection to close gracefully
// (GOAWAY for h2) and force-closes whatever is left after
// PipelineConfig.ShutdownTimeout. Reload applies the hot reloadable subset
// of a new configuration.
package server
