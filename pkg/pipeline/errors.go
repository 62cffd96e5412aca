package pipeline

import (
	"errors"
	"fmt"
	"io"
	"net"
)

var (
	// ErrStreamClosed is returned when a stage emits on a stream whose local
	// side has already finished.
	ErrStreamClosed = errors.New("stream closed")

	// ErrConnectionClosed is the reason given to streams that are torn down
	// because their connection went away.
	ErrConnectionClosed = errors.New("connection closed")
)

// Scope identifies where a fault is contained.
type Scope int

const (
	// ScopeStream faults reset a single stream.
	ScopeStream Scope = iota
	// ScopeConnection faults close the whole connection.
	ScopeConnection
)

// String returns the scope name used in logs and metrics.
func (s Scope) String() string {
	if s == ScopeConnection {
		return "connection"
	}
	return "stream"
}

// BindError reports that the listener could not bind its address. It is fatal
// at startup.
type BindError struct {
	Address string // Address that was requested
	Cause   error  // Underlying error
}

// Error implements the error interface.
func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Address, e.Cause)
}

// Unwrap returns the underlying cause error.
func (e *BindError) Unwrap() error {
	return e.Cause
}

// HandshakeError reports a failed TLS handshake or protocol negotiation. The
// affected connection is closed.
type HandshakeError struct {
	Remote string // Remote address of the peer
	Reason string // Short machine-readable reason ("timeout", "no_common_protocol", ...)
	Cause  error  // Underlying error
}

// Error implements the error interface.
func (e *HandshakeError) Error() string {
	return fmt.Sprintf("tls handshake with %s failed [%s]: %v", e.Remote, e.Reason, e.Cause)
}

// Unwrap returns the underlying cause error.
func (e *HandshakeError) Unwrap() error {
	return e.Cause
}

// ProtocolViolationError reports malformed framing or an invalid stream
// identifier. It closes the connection.
type ProtocolViolationError struct {
	Protocol string // Negotiated protocol
	StreamID uint32 // Offending stream, 0 for connection level
	Code     uint32 // Protocol error code sent to the peer, if any
	Reason   string
}

// Error implements the error interface.
func (e *ProtocolViolationError) Error() string {
	if e.StreamID != 0 {
		return fmt.Sprintf("%s protocol violation on stream %d: %s", e.Protocol, e.StreamID, e.Reason)
	}
	return fmt.Sprintf("%s protocol violation: %s", e.Protocol, e.Reason)
}

// HandlerFault wraps an error or panic raised by a stage.
type HandlerFault struct {
	StreamID uint32
	Stage    string
	Scope    Scope
	Cause    error
}

// Error implements the error interface.
func (e *HandlerFault) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("handler fault (%s %d): %v", e.Scope, e.StreamID, e.Cause)
	}
	return fmt.Sprintf("handler fault in %s (%s %d): %v", e.Stage, e.Scope, e.StreamID, e.Cause)
}

// Unwrap returns the underlying cause error.
func (e *HandlerFault) Unwrap() error {
	return e.Cause
}

// StreamResetError is the reason given to a stream aborted by its peer.
type StreamResetError struct {
	StreamID uint32
	Code     uint32
}

// Error implements the error interface.
func (e *StreamResetError) Error() string {
	return fmt.Sprintf("stream %d reset by peer (code %d)", e.StreamID, e.Code)
}

// PanicError carries a recovered panic value.
type PanicError struct {
	Value any
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// ErrorKinds lists every value Classify returns for a non-nil error.
var ErrorKinds = []string{
	"bind", "handshake", "protocol_violation", "handler_fault",
	"stream_reset", "closed", "timeout", "io",
}

// Classify maps an error to the error kind recorded in logs, metrics and the
// connection journal. A nil error maps to "".
func Classify(err error) string {
	if err == nil {
		return ""
	}
	var (
		bindErr      *BindError
		handshakeErr *HandshakeError
		violation    *ProtocolViolationError
		fault        *HandlerFault
		reset        *StreamResetError
	)
	switch {
	case errors.As(err, &bindErr):
		return "bind"
	case errors.As(err, &handshakeErr):
		return "handshake"
	case errors.As(err, &violation):
		return "protocol_violation"
	case errors.As(err, &fault):
		return "handler_fault"
	case errors.As(err, &reset):
		return "stream_reset"
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, ErrConnectionClosed):
		return "closed"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	return "io"
}

// IsBenign reports whether err describes an ordinary connection teardown that
// should not be logged above debug level.
func IsBenign(err error) bool {
	return err == nil || Classify(err) == "closed"
}
