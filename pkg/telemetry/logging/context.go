package logging

import (
	"context"
	"log/slog"
)

// Context keys for common log fields.
type contextKey string

const (
	// ConnIDKey is the context key for connection IDs.
	ConnIDKey contextKey = "conn_id"

	// StreamIDKey is the context key for stream IDs.
	StreamIDKey contextKey = "stream_id"

	// ProtocolKey is the context key for the negotiated protocol.
	ProtocolKey contextKey = "protocol"

	// TraceIDKey names the trace id field. Its value comes from the active span.
	TraceIDKey contextKey = "trace_id"

	// SpanIDKey names the span id field. Its value comes from the active span.
	SpanIDKey contextKey = "span_id"
)

// WithConnID adds a connection ID to the context.
func WithConnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ConnIDKey, id)
}

// GetConnID retrieves the connection ID from the context.
func GetConnID(ctx context.Context) string {
	if id, ok := ctx.Value(ConnIDKey).(string); ok {
		return id
	}
	return ""
}

// WithStreamID adds a stream ID to the context.
func WithStreamID(ctx context.Context, id uint32) context.Context {
	return context.WithValue(ctx, StreamIDKey, id)
}

// GetStreamID retrieves the stream ID from the context.
func GetStreamID(ctx context.Context) (uint32, bool) {
	id, ok := ctx.Value(StreamIDKey).(uint32)
	return id, ok
}

// WithProtocol adds the negotiated protocol to the context.
func WithProtocol(ctx context.Context, protocol string) context.Context {
	return context.WithValue(ctx, ProtocolKey, protocol)
}

// GetProtocol retrieves the negotiated protocol from the context.
func GetProtocol(ctx context.Context) string {
	if p, ok := ctx.Value(ProtocolKey).(string); ok {
		return p
	}
	return ""
}

// extractContextFields extracts common fields from context as slog arguments.
func extractContextFields(ctx context.Context) []any {
	if ctx == nil {
		return nil
	}

	var fields []any
	if id := GetConnID(ctx); id != "" {
		fields = append(fields, string(ConnIDKey), id)
	}
	if p := GetProtocol(ctx); p != "" {
		fields = append(fields, string(ProtocolKey), p)
	}
	if id, ok := GetStreamID(ctx); ok {
		fields = append(fields, string(StreamIDKey), id)
	}
	return fields
}

// FromContext returns logger annotated with the connection fields stored
// in ctx. A nil logger means slog.Default.
func FromContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	fields := extractContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}
