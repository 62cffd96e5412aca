package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mercator-hq/switchyard/pkg/config"
	"mercator-hq/switchyard/pkg/demux"
	"mercator-hq/switchyard/pkg/pipeline"
	"mercator-hq/switchyard/pkg/transport/listener"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var (
	_ demux.Observer    = (*Collector)(nil)
	_ listener.Observer = (*Collector)(nil)
)

func testConfig() *config.MetricsConfig {
	return &config.MetricsConfig{
		Namespace:        "test",
		HandshakeBuckets: []float64{0.01, 0.1, 1},
	}
}

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	return NewCollector(testConfig(), prometheus.NewRegistry())
}

func TestNewCollector(t *testing.T) {
	cfg := &config.MetricsConfig{}
	c := NewCollector(cfg, nil)

	if c.Registry() == nil {
		t.Fatal("expected a registry")
	}
	if cfg.Namespace != config.DefaultMetricsNamespace {
		t.Errorf("namespace = %q, want %q", cfg.Namespace, config.DefaultMetricsNamespace)
	}
	if len(cfg.HandshakeBuckets) == 0 {
		t.Error("expected default handshake buckets")
	}

	// The default registry carries runtime collectors.
	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	var sawGo bool
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "go_") {
			sawGo = true
			break
		}
	}
	if !sawGo {
		t.Error("expected go runtime metrics in the default registry")
	}
}

func TestConnectionLifecycle(t *testing.T) {
	c := newTestCollector(t)
	cm := c.connectionMetrics

	c.ConnectionAccepted()
	c.ConnectionAccepted()
	c.ConnectionRejected("per_client_limit")

	c.RecordHandshake("h2", false, 5*time.Millisecond)
	c.RecordHandshake("http/1.1", true, 5*time.Millisecond)
	c.RecordHandshakeFailure("timeout", time.Second)

	c.ConnectionOpened("h2")
	c.ConnectionOpened("h2")
	c.ConnectionClosed("h2", nil, time.Second)
	c.ConnectionClosed("h2", &pipeline.ProtocolViolationError{Reason: "bad preface"}, time.Second)

	tests := []struct {
		name      string
		collector prometheus.Collector
		want      float64
	}{
		{"accepted", cm.accepted, 2},
		{"rejected", cm.rejected.WithLabelValues("per_client_limit"), 1},
		{"handshake success", cm.handshakes.WithLabelValues(ResultSuccess), 2},
		{"handshake timeout", cm.handshakes.WithLabelValues("timeout"), 1},
		{"negotiated h2", cm.negotiated.WithLabelValues("h2", "false"), 1},
		{"negotiated fallback", cm.negotiated.WithLabelValues("http/1.1", "true"), 1},
		{"active h2", cm.active.WithLabelValues("h2"), 0},
		{"closed clean", cm.closed.WithLabelValues("h2", "none"), 1},
		{"closed violation", cm.closed.WithLabelValues("h2", "protocol_violation"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := testutil.ToFloat64(tt.collector); got != tt.want {
				t.Errorf("value = %v, want %v", got, tt.want)
			}
		})
	}

	if n := testutil.CollectAndCount(cm.handshakeDuration); n != 2 {
		t.Errorf("handshake duration series = %d, want 2", n)
	}
}

func TestStreamMetrics(t *testing.T) {
	c := newTestCollector(t)
	sm := c.streamMetrics

	c.StreamOpened("h2")
	c.StreamOpened("h2")
	c.StreamOpened("yamux")
	c.StreamClosed("h2")

	c.Fault(pipeline.ScopeStream, &pipeline.HandlerFault{Scope: pipeline.ScopeStream, Cause: errors.New("boom")})
	c.Fault(pipeline.ScopeConnection, io.EOF)

	c.GateSuspended()
	c.GateResumed()
	c.GateSuspended()

	c.BytesRead(100)
	c.BytesRead(24)
	c.BytesWritten(7)

	tests := []struct {
		name      string
		collector prometheus.Collector
		want      float64
	}{
		{"opened h2", sm.opened.WithLabelValues("h2"), 2},
		{"active h2", sm.active.WithLabelValues("h2"), 1},
		{"active yamux", sm.active.WithLabelValues("yamux"), 1},
		{"stream fault", sm.faults.WithLabelValues("stream", "handler_fault"), 1},
		{"connection fault", sm.faults.WithLabelValues("connection", "closed"), 1},
		{"suspend", sm.gate.WithLabelValues("suspend"), 2},
		{"resume", sm.gate.WithLabelValues("resume"), 1},
		{"bytes in", sm.bytes.WithLabelValues("in"), 124},
		{"bytes out", sm.bytes.WithLabelValues("out"), 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := testutil.ToFloat64(tt.collector); got != tt.want {
				t.Errorf("value = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestJournalMetrics(t *testing.T) {
	c := newTestCollector(t)

	c.JournalStored()
	c.JournalStored()
	c.JournalDropped()
	c.JournalFailed()
	c.JournalPruned(5)
	c.JournalPruned(0)

	jm := c.journalMetrics
	if got := testutil.ToFloat64(jm.records.WithLabelValues("stored")); got != 2 {
		t.Errorf("stored = %v, want 2", got)
	}
	if got := testutil.ToFloat64(jm.records.WithLabelValues("dropped")); got != 1 {
		t.Errorf("dropped = %v, want 1", got)
	}
	if got := testutil.ToFloat64(jm.pruned); got != 5 {
		t.Errorf("pruned = %v, want 5", got)
	}
}

func TestHandler(t *testing.T) {
	c := newTestCollector(t)
	c.ConnectionAccepted()
	c.StreamOpened("h2")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"test_connections_accepted_total 1",
		`test_streams_opened_total{protocol="h2"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestCollectorRejectsDuplicateRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	NewCollector(testConfig(), registry)

	defer func() {
		if recover() == nil {
			t.Error("expected a panic registering the same metrics twice")
		}
	}()
	NewCollector(testConfig(), registry)
}
