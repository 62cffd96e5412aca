// Package logging builds the process logger on log/slog.
//
// # Usage
//
//	logger, err := logging.New(logging.Config{
//	    Level:  "info",
//	    Format: "json",
//	})
//	logger.Info("listening", "address", addr)
//
//	// The level can be changed at runtime, e.g. on config reload.
//	_ = logger.SetLevel("debug")
//
// # Context fields
//
// Connections and streams carry their ids in the context. FromContext
// returns a logger annotated with them:
//
//	ctx = logging.WithConnID(ctx, id)
//	logging.FromContext(ctx, logger.Logger).Debug("stream opened")
//
// Records logged with a context that holds an OpenTelemetry span get
// trace_id and span_id fields.
//
// # Redaction
//
// With RedactAddresses set, IPv4 addresses keep only their first octet,
// IPv6 addresses are masked and fields whose names look like secrets
// (password, token, private_key) are replaced by "***".
package logging
