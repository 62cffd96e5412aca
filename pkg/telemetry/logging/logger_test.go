package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{name: "json", config: Config{Level: "info", Format: "json"}},
		{name: "text", config: Config{Level: "debug", Format: "text"}},
		{name: "console", config: Config{Level: "WARN", Format: "console"}},
		{name: "defaults", config: Config{}},
		{name: "invalid level", config: Config{Level: "loud"}, wantErr: true},
		{name: "invalid format", config: Config{Format: "xml"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.config.Writer = &bytes.Buffer{}
			logger, err := New(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && logger == nil {
				t.Fatal("New() returned nil logger")
			}
		})
	}
}

func TestSetLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	logger, err := New(Config{Level: "info", Writer: buf})
	if err != nil {
		t.Fatal(err)
	}
	child := logger.With("component", "test")

	child.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug record written at info level: %s", buf.String())
	}

	if err := logger.SetLevel("debug"); err != nil {
		t.Fatal(err)
	}
	child.Debug("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("derived logger did not follow level change: %q", buf.String())
	}
	if logger.Level() != slog.LevelDebug {
		t.Errorf("Level() = %v, want debug", logger.Level())
	}

	if err := logger.SetLevel("verbose"); err == nil {
		t.Error("SetLevel accepted an unknown level")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"", slog.LevelInfo},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLevel(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestTraceFields(t *testing.T) {
	buf := &bytes.Buffer{}
	logger, err := New(Config{Writer: buf})
	if err != nil {
		t.Fatal(err)
	}

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	logger.InfoContext(ctx, "traced")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("invalid json record: %v", err)
	}
	if rec["trace_id"] != traceID.String() {
		t.Errorf("trace_id = %v, want %s", rec["trace_id"], traceID)
	}
	if rec["span_id"] != spanID.String() {
		t.Errorf("span_id = %v, want %s", rec["span_id"], spanID)
	}
}

func TestFromContext(t *testing.T) {
	buf := &bytes.Buffer{}
	base := slog.New(slog.NewJSONHandler(buf, nil))

	ctx := WithConnID(context.Background(), "c-1")
	ctx = WithProtocol(ctx, "h2")
	ctx = WithStreamID(ctx, 3)

	FromContext(ctx, base).Info("hello")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("invalid json record: %v", err)
	}
	if rec["conn_id"] != "c-1" || rec["protocol"] != "h2" || rec["stream_id"] != float64(3) {
		t.Errorf("missing context fields: %v", rec)
	}

	if got := FromContext(context.Background(), base); got != base {
		t.Error("FromContext without fields should return the base logger")
	}
	if id, ok := GetStreamID(context.Background()); ok || id != 0 {
		t.Error("GetStreamID on empty context reported a value")
	}
}

func TestRedaction(t *testing.T) {
	buf := &bytes.Buffer{}
	logger, err := New(Config{Writer: buf, RedactAddresses: true})
	if err != nil {
		t.Fatal(err)
	}

	remote := &net.TCPAddr{IP: net.ParseIP("10.1.2.3"), Port: 4433}
	logger.Info("accepted",
		"remote_addr", remote,
		"peer", "192.168.1.100:443",
		"key_password", "hunter2",
		"streams", 4,
	)

	out := buf.String()
	for _, leaked := range []string{"10.1.2.3", "192.168.1.100", "hunter2"} {
		if strings.Contains(out, leaked) {
			t.Errorf("record leaks %q: %s", leaked, out)
		}
	}
	for _, kept := range []string{"10.*.*.*", "192.*.*.*", `"streams":4`} {
		if !strings.Contains(out, kept) {
			t.Errorf("record missing %q: %s", kept, out)
		}
	}
}

func TestRedactString(t *testing.T) {
	r := NewRedactor()
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"no addresses", "no addresses"},
		{"from 172.16.0.9", "from 172.*.*.*"},
		{"2001:db8:0:0:0:0:0:1", "****:****"},
		{"at 12:30:45", "at 12:30:45"},
	}
	for _, tt := range tests {
		if got := r.RedactString(tt.in); got != tt.want {
			t.Errorf("RedactString(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
