package server

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/yamux"
	"go.uber.org/goleak"
	"golang.org/x/net/http2"

	"mercator-hq/switchyard/internal/testutil"
	"mercator-hq/switchyard/pkg/config"
	"mercator-hq/switchyard/pkg/journal"
	"mercator-hq/switchyard/pkg/pipeline"
	"mercator-hq/switchyard/pkg/telemetry/logging"
)

func testConfig(t *testing.T) (*config.Config, *testutil.CertPair) {
	t.Helper()
	pair := testutil.WriteCertPair(t, testutil.CertOptions{})

	cfg := config.Default()
	cfg.Listener.Address = "127.0.0.1:0"
	cfg.Admin.Address = "127.0.0.1:0"
	cfg.TLS.CertFile = pair.CertFile
	cfg.TLS.KeyFile = pair.KeyFile
	cfg.TLS.HandshakeTimeout = 2 * time.Second
	cfg.Protocols = []config.ProtocolConfig{
		{Name: "h2", Handlers: []string{"accesslog", "hello"}},
		{Name: "http/1.1", Handlers: []string{"echo"}},
		{Name: "yamux", Handlers: []string{"echo"}},
	}
	cfg.Pipeline.ShutdownTimeout = 2 * time.Second
	cfg.Journal.Backend = "memory"
	cfg.Journal.Retention.PruneSchedule = ""
	return cfg, pair
}

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	logger, err := logging.New(logging.Config{Level: "info", Writer: io.Discard})
	if err != nil {
		t.Fatal(err)
	}
	return logger
}

// start runs srv until the test ends and returns a stop function that
// waits for Run to return.
func start(t *testing.T, srv *Server) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Run(ctx) }()

	select {
	case <-srv.Ready():
	case err := <-errc:
		cancel()
		t.Fatalf("Run() failed to start: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("server did not become ready")
	}

	var stopped bool
	var runErr error
	stop := func() error {
		if stopped {
			return runErr
		}
		stopped = true
		cancel()
		select {
		case runErr = <-errc:
		case <-time.After(10 * time.Second):
			t.Fatal("Run() did not return after cancel")
		}
		return runErr
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func adminGet(t *testing.T, srv *Server, path string) (int, string) {
	t.Helper()
	resp, err := http.Get("http://" + srv.AdminAddr().String() + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestHTTP2Hello(t *testing.T) {
	cfg, pair := testConfig(t)
	srv, err := New(cfg, WithLogger(testLogger(t)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	start(t, srv)

	tr := &http2.Transport{TLSClientConfig: pair.ClientConfig("h2")}
	defer tr.CloseIdleConnections()
	client := &http.Client{Transport: tr, Timeout: 5 * time.Second}

	resp, err := client.Get("https://" + srv.Addr().String() + "/hello")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Stream-Id"); got != "1" {
		t.Errorf("x-stream-id = %q, want 1", got)
	}
	if string(body) != "hello there" {
		t.Errorf("body = %q, want %q", body, "hello there")
	}
	if resp.ProtoMajor != 2 {
		t.Errorf("proto = %s, want HTTP/2", resp.Proto)
	}
}

func TestRawEcho(t *testing.T) {
	cfg, pair := testConfig(t)
	srv, err := New(cfg, WithLogger(testLogger(t)))
	if err != nil {
		t.Fatal(err)
	}
	start(t, srv)

	conn, err := tls.Dial("tcp", srv.Addr().String(), pair.ClientConfig("http/1.1"))
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()
	if got := conn.ConnectionState().NegotiatedProtocol; got != "http/1.1" {
		t.Fatalf("negotiated %q, want http/1.1", got)
	}

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read error = %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("echo = %q, want ping", buf)
	}
}

func TestYamuxEcho(t *testing.T) {
	cfg, pair := testConfig(t)
	srv, err := New(cfg, WithLogger(testLogger(t)))
	if err != nil {
		t.Fatal(err)
	}
	start(t, srv)

	conn, err := tls.Dial("tcp", srv.Addr().String(), pair.ClientConfig("yamux"))
	if err != nil {
		t.Fatal(err)
	}
	session, err := yamux.Client(conn, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer session.Close()

	for _, msg := range []string{"one", "two"} {
		stream, err := session.OpenStream()
		if err != nil {
			t.Fatalf("OpenStream() error = %v", err)
		}
		if _, err := stream.Write([]byte(msg)); err != nil {
			t.Fatal(err)
		}
		_ = stream.SetReadDeadline(time.Now().Add(5 * time.Second))
		buf := make([]byte, len(msg))
		if _, err := io.ReadFull(stream, buf); err != nil {
			t.Fatalf("read error = %v", err)
		}
		if string(buf) != msg {
			t.Errorf("echo = %q, want %q", buf, msg)
		}
		_ = stream.Close()
	}
}

func TestALPNMismatchIsRejectedAndJournaled(t *testing.T) {
	cfg, pair := testConfig(t)
	srv, err := New(cfg, WithLogger(testLogger(t)))
	if err != nil {
		t.Fatal(err)
	}
	stop := start(t, srv)

	conn, err := tls.Dial("tcp", srv.Addr().String(), pair.ClientConfig("spdy/3"))
	if err == nil {
		_ = conn.Close()
		t.Fatal("handshake offering only unknown protocols should fail")
	}

	eventually(t, func() bool {
		_, body := adminGet(t, srv, cfg.Telemetry.Metrics.Path)
		return strings.Contains(body, `switchyard_handshakes_total{result="no_common_protocol"} 1`)
	}, "handshake failure was not counted")

	if err := stop(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	records, err := srv.Journal().Query(context.Background(), &journal.Query{ErrorKind: "handshake"})
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("journaled %d handshake failures, want 1", len(records))
	}
	r := records[0]
	if r.Protocol != "" || r.CloseReason != "no_common_protocol" || r.ID == "" {
		t.Errorf("record = %+v", r)
	}
}

func TestConnectionsAreJournaled(t *testing.T) {
	cfg, pair := testConfig(t)
	srv, err := New(cfg, WithLogger(testLogger(t)))
	if err != nil {
		t.Fatal(err)
	}
	stop := start(t, srv)

	conn, err := tls.Dial("tcp", srv.Addr().String(), pair.ClientConfig("http/1.1"))
	if err != nil {
		t.Fatal(err)
	}
	_, _ = conn.Write([]byte("hello"))
	buf := make([]byte, 5)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatal(err)
	}
	_ = conn.Close()

	eventually(t, func() bool {
		n, _ := srv.Journal().Count(context.Background(), &journal.Query{Protocol: "http/1.1"})
		return n == 1
	}, "connection was not journaled")

	if err := stop(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	records, _ := srv.Journal().Query(context.Background(), &journal.Query{Protocol: "http/1.1"})
	r := records[0]
	if r.BytesIn != 5 || r.BytesOut != 5 {
		t.Errorf("bytes in/out = %d/%d, want 5/5", r.BytesIn, r.BytesOut)
	}
	if r.Streams != 1 {
		t.Errorf("streams = %d, want 1", r.Streams)
	}
	if r.TLSVersion == "" || r.CipherSuite == "" {
		t.Errorf("TLS parameters missing: %+v", r)
	}
	if !r.ClosedAt.After(r.OpenedAt) && !r.ClosedAt.Equal(r.OpenedAt) {
		t.Errorf("closed %v before opened %v", r.ClosedAt, r.OpenedAt)
	}
}

func TestAdminEndpoints(t *testing.T) {
	cfg, _ := testConfig(t)
	srv, err := New(cfg, WithLogger(testLogger(t)))
	if err != nil {
		t.Fatal(err)
	}
	start(t, srv)

	tests := []struct {
		path     string
		wantCode int
		wantBody string
	}{
		{cfg.Telemetry.Health.LivenessPath, http.StatusOK, "ok"},
		{cfg.Telemetry.Health.ReadinessPath, http.StatusOK, "listener"},
		{cfg.Telemetry.Metrics.Path, http.StatusOK, "switchyard_connections_accepted_total"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			code, body := adminGet(t, srv, tt.path)
			if code != tt.wantCode {
				t.Errorf("status = %d, want %d", code, tt.wantCode)
			}
			if !strings.Contains(body, tt.wantBody) {
				t.Errorf("body %q does not contain %q", body, tt.wantBody)
			}
		})
	}
}

func TestNewRejectsBadHandlers(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.Protocols = []config.ProtocolConfig{{Name: "h2", Handlers: []string{"no-such-handler"}}}
	if _, err := New(cfg, WithLogger(testLogger(t))); err == nil {
		t.Error("New() should reject an unknown handler")
	}
}

func TestNewRejectsMissingMaterial(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.TLS.CertFile = "/nonexistent/server.crt"
	if _, err := New(cfg, WithLogger(testLogger(t))); err == nil {
		t.Error("New() should fail without certificate material")
	}
}

func TestRunBindError(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()

	cfg, _ := testConfig(t)
	cfg.Listener.Address = busy.Addr().String()
	f := false
	cfg.Listener.ReuseAddr = &f
	srv, err := New(cfg, WithLogger(testLogger(t)))
	if err != nil {
		t.Fatal(err)
	}

	err = srv.Run(context.Background())
	var bindErr *pipeline.BindError
	if !errors.As(err, &bindErr) {
		t.Fatalf("Run() error = %v, want BindError", err)
	}
}

func TestReload(t *testing.T) {
	cfg, _ := testConfig(t)
	logger := testLogger(t)
	srv, err := New(cfg, WithLogger(logger))
	if err != nil {
		t.Fatal(err)
	}
	start(t, srv)

	next := *cfg
	next.Telemetry.Logging.Level = "debug"
	next.Listener.MaxConnsPerClientIP = 3
	srv.Reload(&next)

	if logger.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", logger.Level())
	}
	if cfg.Listener.MaxConnsPerClientIP != 3 {
		t.Errorf("max conns per client ip = %d, want 3", cfg.Listener.MaxConnsPerClientIP)
	}

	changed := restartRequired(cfg, &config.Config{})
	if len(changed) == 0 {
		t.Error("restartRequired() reported no changes for an empty config")
	}
}

func TestShutdownReleasesGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg, pair := testConfig(t)
	cfg.Admin.Disabled = true
	srv, err := New(cfg, WithLogger(testLogger(t)))
	if err != nil {
		t.Fatal(err)
	}
	stop := start(t, srv)

	// An idle connection is still open when shutdown starts.
	conn, err := tls.Dial("tcp", srv.Addr().String(), pair.ClientConfig("http/1.1"))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := stop(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if err := srv.Run(context.Background()); err == nil {
		t.Error("a server cannot be run twice")
	}
}
