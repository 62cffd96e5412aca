package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
tls:
  cert_file: server.crt
  key_file: server.key
`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "switchyard.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestApplyDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Listener.Address != DefaultListenAddress {
		t.Errorf("listener.address = %q, want %q", cfg.Listener.Address, DefaultListenAddress)
	}
	if cfg.Listener.Backlog != 256 {
		t.Errorf("listener.backlog = %d, want 256", cfg.Listener.Backlog)
	}
	if !Bool(cfg.Listener.ReuseAddr, false) || !Bool(cfg.Listener.NoDelay, false) {
		t.Error("reuse_addr and no_delay should default to true")
	}
	if cfg.Pipeline.MaxMessagesPerRead != 16 {
		t.Errorf("pipeline.max_messages_per_read = %d, want 16", cfg.Pipeline.MaxMessagesPerRead)
	}
	if got := cfg.ProtocolNames(); len(got) != 2 || got[0] != "h2" || got[1] != "http/1.1" {
		t.Errorf("protocols = %v, want [h2 http/1.1]", got)
	}
	if cfg.Journal.Backend != "memory" {
		t.Errorf("journal.backend = %q, want memory", cfg.Journal.Backend)
	}

	again := *cfg
	ApplyDefaults(&again)
	if again.Pipeline != cfg.Pipeline || again.Listener.Address != cfg.Listener.Address {
		t.Error("ApplyDefaults is not idempotent")
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr bool
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name: "explicit false survives defaults",
			yaml: "listener:\n  no_delay: false\n",
			check: func(t *testing.T, cfg *Config) {
				if Bool(cfg.Listener.NoDelay, true) {
					t.Error("no_delay: false was overwritten by the default")
				}
			},
		},
		{
			name: "protocol order is kept",
			yaml: "protocols:\n  - name: yamux\n    handlers: [echo]\n  - name: h2\n    handlers: [trace, hello]\n",
			check: func(t *testing.T, cfg *Config) {
				if got := cfg.ProtocolNames(); got[0] != "yamux" || got[1] != "h2" {
					t.Errorf("protocols = %v", got)
				}
				if len(cfg.Protocols[1].Handlers) != 2 {
					t.Errorf("h2 handlers = %v", cfg.Protocols[1].Handlers)
				}
			},
		},
		{
			name: "durations",
			yaml: "pipeline:\n  idle_timeout: 45s\ntls:\n  handshake_timeout: 2s\n",
			check: func(t *testing.T, cfg *Config) {
				if cfg.Pipeline.IdleTimeout != 45*time.Second || cfg.TLS.HandshakeTimeout != 2*time.Second {
					t.Errorf("durations = %v, %v", cfg.Pipeline.IdleTimeout, cfg.TLS.HandshakeTimeout)
				}
			},
		},
		{name: "empty document", yaml: ""},
		{name: "unknown field", yaml: "listener:\n  adress: 1.2.3.4:1\n", wantErr: true},
		{name: "malformed", yaml: "listener: [", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.yaml))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Parse([]byte(minimalYAML))
		if err != nil {
			t.Fatal(err)
		}
		return cfg
	}

	tests := []struct {
		name      string
		mutate    func(*Config)
		wantField string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing cert", mutate: func(c *Config) { c.TLS.CertFile = "" }, wantField: "tls.cert_file"},
		{name: "bad address", mutate: func(c *Config) { c.Listener.Address = "localhost" }, wantField: "listener.address"},
		{name: "bad tls version", mutate: func(c *Config) { c.TLS.MinVersion = "1.0" }, wantField: "tls.min_version"},
		{
			name:      "unknown fallback",
			mutate:    func(c *Config) { c.TLS.FallbackProtocol = "yamux" },
			wantField: "tls.fallback_protocol",
		},
		{
			name: "duplicate protocol",
			mutate: func(c *Config) {
				c.Protocols = append(c.Protocols, ProtocolConfig{Name: "h2", Handlers: []string{"echo"}})
			},
			wantField: "protocols[2].name",
		},
		{
			name:      "unsupported protocol",
			mutate:    func(c *Config) { c.Protocols[0].Name = "spdy/3" },
			wantField: "protocols[0].name",
		},
		{
			name:      "no handlers",
			mutate:    func(c *Config) { c.Protocols[1].Handlers = nil },
			wantField: "protocols[1].handlers",
		},
		{
			name:      "watermarks inverted",
			mutate:    func(c *Config) { c.Pipeline.WriteLowWatermark = c.Pipeline.WriteHighWatermark },
			wantField: "pipeline.write_low_watermark",
		},
		{
			name:      "frame size too small",
			mutate:    func(c *Config) { c.Pipeline.MaxFrameSize = 1024 },
			wantField: "pipeline.max_frame_size",
		},
		{
			name:      "bad journal backend",
			mutate:    func(c *Config) { c.Journal.Backend = "postgres" },
			wantField: "journal.backend",
		},
		{
			name:      "bad cron",
			mutate:    func(c *Config) { c.Journal.Retention.PruneSchedule = "every day" },
			wantField: "journal.retention.prune_schedule",
		},
		{
			name:      "bad log level",
			mutate:    func(c *Config) { c.Telemetry.Logging.Level = "trace" },
			wantField: "telemetry.logging.level",
		},
		{
			name:      "tracing without endpoint",
			mutate:    func(c *Config) { c.Telemetry.Tracing.Enabled = true },
			wantField: "telemetry.tracing.endpoint",
		},
		{
			name: "disabled admin skips address",
			mutate: func(c *Config) {
				c.Admin.Disabled = true
				c.Admin.Address = "nonsense"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			var verr ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Validate() = %v, want ValidationError", err)
			}
			for _, fe := range verr.Errors {
				if fe.Field == tt.wantField {
					return
				}
			}
			t.Errorf("Validate() errors = %v, want one for %s", verr.Errors, tt.wantField)
		})
	}
}

func TestValidationErrorMessage(t *testing.T) {
	one := ValidationError{Errors: []FieldError{{Field: "a", Message: "bad"}}}
	if got := one.Error(); got != "configuration validation failed: a: bad" {
		t.Errorf("Error() = %q", got)
	}
	two := ValidationError{Errors: []FieldError{{Field: "a", Message: "bad"}, {Field: "b", Message: "worse"}}}
	if got := two.Error(); !strings.Contains(got, "2 errors") || !strings.Contains(got, "  - b: worse") {
		t.Errorf("Error() = %q", got)
	}
}

func TestEnvOverrides(t *testing.T) {
	env := map[string]string{
		"SWITCHYARD_LISTENER_ADDRESS":                 "0.0.0.0:9443",
		"SWITCHYARD_LISTENER_MAX_CONNS_PER_CLIENT_IP": "12",
		"SWITCHYARD_TLS_KEY_PASSWORD":                 "s3cret",
		"SWITCHYARD_TELEMETRY_TRACING_ENABLED":        "true",
		"SWITCHYARD_PIPELINE_IDLE_TIMEOUT":            "1m",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	if err := applyEnvOverrides(cfg, lookup); err != nil {
		t.Fatal(err)
	}
	if cfg.Listener.Address != "0.0.0.0:9443" {
		t.Errorf("address = %q", cfg.Listener.Address)
	}
	if cfg.Listener.MaxConnsPerClientIP != 12 {
		t.Errorf("max_conns_per_client_ip = %d", cfg.Listener.MaxConnsPerClientIP)
	}
	if cfg.TLS.KeyPassword != "s3cret" {
		t.Errorf("key_password = %q", cfg.TLS.KeyPassword)
	}
	if !cfg.Telemetry.Tracing.Enabled {
		t.Error("tracing not enabled")
	}
	if cfg.Pipeline.IdleTimeout != time.Minute {
		t.Errorf("idle_timeout = %v", cfg.Pipeline.IdleTimeout)
	}

	env = map[string]string{"SWITCHYARD_LISTENER_BACKLOG": "many"}
	err := applyEnvOverrides(Default(), lookup)
	var verr ValidationError
	if !errors.As(err, &verr) || verr.Errors[0].Field != "SWITCHYARD_LISTENER_BACKLOG" {
		t.Errorf("unparsable override error = %v", err)
	}

	for _, name := range EnvOverrideNames() {
		if !strings.HasPrefix(name, EnvPrefix) {
			t.Errorf("override %q lacks prefix", name)
		}
	}
}

func TestLoadConfigWithEnvOverrides(t *testing.T) {
	path := writeConfig(t, t.TempDir(), minimalYAML)
	t.Setenv("SWITCHYARD_TELEMETRY_LOGGING_LEVEL", "debug")

	cfg, err := LoadConfigWithEnvOverrides(path)
	if err != nil {
		t.Fatalf("LoadConfigWithEnvOverrides() error = %v", err)
	}
	if cfg.Telemetry.Logging.Level != "debug" {
		t.Errorf("level = %q, want debug", cfg.Telemetry.Logging.Level)
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadConfig on a missing file succeeded")
	}

	bad := writeConfig(t, t.TempDir(), "tls:\n  cert_file: a\n")
	if _, err := LoadConfig(bad); err == nil {
		t.Error("LoadConfig accepted a config without a key file")
	}
}

func TestReloadConfig(t *testing.T) {
	prev := GetConfig()
	t.Cleanup(func() { SetConfig(prev) })

	dir := t.TempDir()
	path := writeConfig(t, dir, minimalYAML)
	cfg, err := ReloadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if GetConfig() != cfg {
		t.Error("ReloadConfig did not replace the global configuration")
	}

	writeConfig(t, dir, "listener: [")
	if _, err := ReloadConfig(path); err == nil {
		t.Fatal("ReloadConfig accepted a broken file")
	}
	if GetConfig() != cfg {
		t.Error("failed reload replaced the global configuration")
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	prev := GetConfig()
	t.Cleanup(func() { SetConfig(prev) })

	dir := t.TempDir()
	path := writeConfig(t, dir, minimalYAML)

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(path, 20*time.Millisecond, nil, func(cfg *Config) { reloaded <- cfg })
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Unrelated files in the directory are ignored.
	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	// Give the watcher goroutine a moment to start selecting.
	time.Sleep(50 * time.Millisecond)
	writeConfig(t, dir, minimalYAML+"listener:\n  max_conns_per_client_ip: 7\n")

	select {
	case cfg := <-reloaded:
		if cfg.Listener.MaxConnsPerClientIP != 7 {
			t.Errorf("reloaded limit = %d, want 7", cfg.Listener.MaxConnsPerClientIP)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload the configuration")
	}
}
