package tlsterm

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"mercator-hq/switchyard/internal/testutil"
	"mercator-hq/switchyard/pkg/pipeline"
)

func TestLoadMaterial(t *testing.T) {
	plain := testutil.WriteCertPair(t, testutil.CertOptions{})
	encrypted := testutil.WriteCertPair(t, testutil.CertOptions{Password: "s3cret"})
	expired := testutil.WriteCertPair(t, testutil.CertOptions{
		NotBefore: time.Now().Add(-48 * time.Hour),
		NotAfter:  time.Now().Add(-24 * time.Hour),
	})

	tests := []struct {
		name    string
		cfg     MaterialConfig
		wantErr string
		is      error
	}{
		{name: "plain key", cfg: MaterialConfig{CertFile: plain.CertFile, KeyFile: plain.KeyFile}},
		{name: "encrypted key", cfg: MaterialConfig{CertFile: encrypted.CertFile, KeyFile: encrypted.KeyFile, KeyPassword: "s3cret"}},
		{name: "encrypted key without password", cfg: MaterialConfig{CertFile: encrypted.CertFile, KeyFile: encrypted.KeyFile}, is: ErrKeyPasswordRequired},
		{name: "wrong password", cfg: MaterialConfig{CertFile: encrypted.CertFile, KeyFile: encrypted.KeyFile, KeyPassword: "nope"}, wantErr: "decrypt"},
		{name: "missing paths", cfg: MaterialConfig{}, wantErr: "required"},
		{name: "missing file", cfg: MaterialConfig{CertFile: "/nonexistent.crt", KeyFile: plain.KeyFile}, wantErr: "failed to read certificate"},
		{name: "mismatched key", cfg: MaterialConfig{CertFile: plain.CertFile, KeyFile: expired.KeyFile}, wantErr: "key pair"},
		{name: "expired", cfg: MaterialConfig{CertFile: expired.CertFile, KeyFile: expired.KeyFile}, wantErr: "expired"},
		{name: "bad min version", cfg: MaterialConfig{CertFile: plain.CertFile, KeyFile: plain.KeyFile, MinVersion: "1.0"}, wantErr: "min_version"},
		{name: "bad cipher", cfg: MaterialConfig{CertFile: plain.CertFile, KeyFile: plain.KeyFile, CipherSuites: []string{"TLS_NOPE"}}, wantErr: "cipher suite"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := LoadMaterial(tt.cfg)
			switch {
			case tt.is != nil:
				if !errors.Is(err, tt.is) {
					t.Fatalf("LoadMaterial() error = %v, want %v", err, tt.is)
				}
			case tt.wantErr != "":
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("LoadMaterial() error = %v, want containing %q", err, tt.wantErr)
				}
			default:
				if err != nil {
					t.Fatalf("LoadMaterial() error = %v", err)
				}
				if m.Leaf() == nil || m.Leaf().Subject.CommonName != "localhost" {
					t.Errorf("Leaf() = %v, want localhost certificate", m.Leaf())
				}
			}
		})
	}
}

func newTerminator(t *testing.T, pair *testutil.CertPair, opts Options) *Terminator {
	t.Helper()
	m, err := LoadMaterial(MaterialConfig{CertFile: pair.CertFile, KeyFile: pair.KeyFile})
	if err != nil {
		t.Fatalf("LoadMaterial() error = %v", err)
	}
	term, err := NewTerminator(m, opts)
	if err != nil {
		t.Fatalf("NewTerminator() error = %v", err)
	}
	return term
}

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (server, client net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	server = <-accepted
	if server == nil {
		t.Fatal("Accept() failed")
	}
	return server, client
}

// handshake runs a server handshake against a client offering protocols and
// returns the server result and the client's negotiated protocol.
func handshake(t *testing.T, term *Terminator, client *tls.Config) (*Session, string, error) {
	t.Helper()
	serverSide, clientSide := tcpPair(t)

	clientDone := make(chan string, 1)
	go func() {
		c := tls.Client(clientSide, client)
		defer c.Close()
		if err := c.Handshake(); err != nil {
			clientDone <- ""
			return
		}
		clientDone <- c.ConnectionState().NegotiatedProtocol
	}()

	session, err := term.Handshake(context.Background(), serverSide)
	clientProto := <-clientDone
	if session != nil {
		session.Conn.Close()
	}
	return session, clientProto, err
}

func TestHandshakeServerPreferenceWins(t *testing.T) {
	pair := testutil.WriteCertPair(t, testutil.CertOptions{})
	term := newTerminator(t, pair, Options{Protocols: []string{"h2", "http/1.1"}})

	session, clientProto, err := handshake(t, term, pair.ClientConfig("http/1.1", "h2"))
	if err != nil {
		t.Fatalf("Handshake() error = %v", err)
	}
	if session.Protocol != "h2" {
		t.Errorf("Protocol = %q, want h2", session.Protocol)
	}
	if clientProto != "h2" {
		t.Errorf("client negotiated %q, want h2", clientProto)
	}
	if session.VersionName() == "" || session.CipherSuiteName() == "" {
		t.Error("session is missing version or cipher information")
	}
}

func TestHandshakeNoCommonProtocol(t *testing.T) {
	pair := testutil.WriteCertPair(t, testutil.CertOptions{})
	term := newTerminator(t, pair, Options{Protocols: []string{"h2"}})

	_, _, err := handshake(t, term, pair.ClientConfig("spdy/3"))
	var hsErr *pipeline.HandshakeError
	if !errors.As(err, &hsErr) {
		t.Fatalf("Handshake() error = %v, want *pipeline.HandshakeError", err)
	}
	if hsErr.Reason != "no_common_protocol" {
		t.Errorf("Reason = %q, want no_common_protocol", hsErr.Reason)
	}
	if !errors.Is(err, ErrNoCommonProtocol) {
		t.Error("error does not wrap ErrNoCommonProtocol")
	}
}

func TestHandshakeWithoutALPN(t *testing.T) {
	pair := testutil.WriteCertPair(t, testutil.CertOptions{})

	t.Run("rejected without fallback", func(t *testing.T) {
		term := newTerminator(t, pair, Options{Protocols: []string{"h2"}})
		_, _, err := handshake(t, term, pair.ClientConfig())
		if !errors.Is(err, ErrNoCommonProtocol) {
			t.Fatalf("Handshake() error = %v, want ErrNoCommonProtocol", err)
		}
	})

	t.Run("fallback", func(t *testing.T) {
		term := newTerminator(t, pair, Options{Protocols: []string{"h2", "http/1.1"}, FallbackProtocol: "http/1.1"})
		session, _, err := handshake(t, term, pair.ClientConfig())
		if err != nil {
			t.Fatalf("Handshake() error = %v", err)
		}
		if session.Protocol != "http/1.1" || !session.Fallback {
			t.Errorf("session = %+v, want fallback http/1.1", session)
		}
	})
}

func TestHandshakeTimeout(t *testing.T) {
	pair := testutil.WriteCertPair(t, testutil.CertOptions{})
	term := newTerminator(t, pair, Options{Protocols: []string{"h2"}, HandshakeTimeout: 50 * time.Millisecond})

	serverSide, clientSide := tcpPair(t)
	defer clientSide.Close()

	_, err := term.Handshake(context.Background(), serverSide)
	var hsErr *pipeline.HandshakeError
	if !errors.As(err, &hsErr) {
		t.Fatalf("Handshake() error = %v, want *pipeline.HandshakeError", err)
	}
	if hsErr.Reason != "timeout" {
		t.Errorf("Reason = %q, want timeout", hsErr.Reason)
	}
}

func TestNewTerminatorValidation(t *testing.T) {
	pair := testutil.WriteCertPair(t, testutil.CertOptions{})
	m, err := LoadMaterial(MaterialConfig{CertFile: pair.CertFile, KeyFile: pair.KeyFile})
	if err != nil {
		t.Fatalf("LoadMaterial() error = %v", err)
	}

	if _, err := NewTerminator(nil, Options{Protocols: []string{"h2"}}); err == nil {
		t.Error("NewTerminator(nil) succeeded")
	}
	if _, err := NewTerminator(m, Options{}); err == nil {
		t.Error("NewTerminator without protocols succeeded")
	}
	if _, err := NewTerminator(m, Options{Protocols: []string{"h2"}, FallbackProtocol: "yamux"}); err == nil {
		t.Error("NewTerminator with unknown fallback succeeded")
	}
}

func TestCertificateHelpers(t *testing.T) {
	soon := testutil.WriteCertPair(t, testutil.CertOptions{NotAfter: time.Now().Add(72 * time.Hour)})

	chain, err := ReadChain(soon.CertFile)
	if err != nil {
		t.Fatalf("ReadChain() error = %v", err)
	}
	if len(chain) != 1 {
		t.Fatalf("ReadChain() returned %d certificates, want 1", len(chain))
	}

	days, warning := CheckExpiration(chain[0])
	if days < 2 || days > 3 {
		t.Errorf("days = %d, want 2 or 3", days)
	}
	if warning == "" {
		t.Error("expected an expiry warning")
	}

	info := Info(chain[0])
	if info.Subject == "" || len(info.DNSNames) != 1 || len(info.IPAddresses) != 2 {
		t.Errorf("Info() = %+v", info)
	}

	if _, err := ReadChain(soon.KeyFile); err == nil {
		t.Error("ReadChain() on a key file succeeded")
	}
}
