package tlsterm

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"mercator-hq/switchyard/pkg/pipeline"
)

// ErrNoCommonProtocol means client and server share no ALPN protocol.
var ErrNoCommonProtocol = errors.New("no mutually supported application protocol")

// DefaultHandshakeTimeout bounds a handshake when Options.HandshakeTimeout is 0.
const DefaultHandshakeTimeout = 10 * time.Second

// Options configures a Terminator.
type Options struct {
	// Protocols is the ALPN list in server preference order.
	Protocols []string

	// FallbackProtocol is assigned to clients that offer no ALPN at all.
	// Empty rejects such clients.
	FallbackProtocol string

	HandshakeTimeout time.Duration
}

// Session is an established TLS connection and its negotiated parameters.
type Session struct {
	Conn        *tls.Conn
	Protocol    string
	Version     uint16
	CipherSuite uint16
	ServerName  string
	Fallback    bool
	Duration    time.Duration
}

// VersionName returns the TLS version as text, for logs.
func (s *Session) VersionName() string { return tls.VersionName(s.Version) }

// CipherSuiteName returns the cipher suite as text, for logs.
func (s *Session) CipherSuiteName() string { return tls.CipherSuiteName(s.CipherSuite) }

// Terminator performs server-side TLS handshakes with ALPN.
type Terminator struct {
	config *tls.Config
	opts   Options
}

// NewTerminator builds a Terminator from loaded material.
func NewTerminator(m *Material, opts Options) (*Terminator, error) {
	if m == nil {
		return nil, fmt.Errorf("tls material is required")
	}
	if len(opts.Protocols) == 0 {
		return nil, fmt.Errorf("at least one application protocol is required")
	}
	if opts.FallbackProtocol != "" && !contains(opts.Protocols, opts.FallbackProtocol) {
		return nil, fmt.Errorf("fallback protocol %q is not in the protocol list", opts.FallbackProtocol)
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	opts.Protocols = append([]string(nil), opts.Protocols...)

	return &Terminator{config: m.serverConfig(opts.Protocols), opts: opts}, nil
}

// Protocols returns the ALPN preference list.
func (t *Terminator) Protocols() []string {
	return append([]string(nil), t.opts.Protocols...)
}

// Handshake secures conn. On failure conn is closed and a
// *pipeline.HandshakeError is returned; no application data has been read.
func (t *Terminator) Handshake(ctx context.Context, conn net.Conn) (*Session, error) {
	remote := conn.RemoteAddr().String()
	start := time.Now()

	hctx, cancel := context.WithTimeout(ctx, t.opts.HandshakeTimeout)
	defer cancel()

	tc := tls.Server(conn, t.config)
	if err := tc.HandshakeContext(hctx); err != nil {
		_ = conn.Close()
		reason := handshakeReason(hctx, err)
		if reason == "no_common_protocol" {
			err = fmt.Errorf("%w: %v", ErrNoCommonProtocol, err)
		}
		return nil, &pipeline.HandshakeError{Remote: remote, Reason: reason, Cause: err}
	}

	state := tc.ConnectionState()
	session := &Session{
		Conn:        tc,
		Protocol:    state.NegotiatedProtocol,
		Version:     state.Version,
		CipherSuite: state.CipherSuite,
		ServerName:  state.ServerName,
		Duration:    time.Since(start),
	}

	if session.Protocol == "" {
		if t.opts.FallbackProtocol == "" {
			_ = tc.Close()
			return nil, &pipeline.HandshakeError{Remote: remote, Reason: "no_common_protocol", Cause: ErrNoCommonProtocol}
		}
		session.Protocol = t.opts.FallbackProtocol
		session.Fallback = true
	}
	return session, nil
}

func handshakeReason(ctx context.Context, err error) string {
	var netErr net.Error
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case errors.Is(ctx.Err(), context.Canceled):
		return "canceled"
	case strings.Contains(err.Error(), "application protocol"):
		return "no_common_protocol"
	default:
		return "handshake_failed"
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
