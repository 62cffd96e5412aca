package tracing

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys in the switchyard namespace.
const (
	AttrConnID     = "switchyard.conn_id"
	AttrProtocol   = "switchyard.protocol"
	AttrStreamID   = "switchyard.stream_id"
	AttrRemoteAddr = "switchyard.remote_addr"
	AttrErrorKind  = "switchyard.error_kind"
	AttrBytesIn    = "switchyard.bytes_in"
	AttrBytesOut   = "switchyard.bytes_out"
	AttrStreams    = "switchyard.streams"

	AttrHTTPMethod = "http.request.method"
	AttrURLPath    = "url.path"
	AttrStatusCode = "http.response.status_code"
)

// ConnAttributes returns the attributes of a connection span.
func ConnAttributes(connID, protocol, remote string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrConnID, connID),
		attribute.String(AttrProtocol, protocol),
		attribute.String(AttrRemoteAddr, remote),
	}
}

// SetStreamRequest records the request line of an h2 stream.
func SetStreamRequest(span trace.Span, method, path string) {
	if method == "" && path == "" {
		return
	}
	span.SetAttributes(
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrURLPath, path),
	)
}
