package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SWITCHYARD_"

// LoadConfig loads configuration from a YAML file at the specified path.
// It applies default values, validates the configuration, and returns any errors.
// The configuration is not modified by environment variables; use
// LoadConfigWithEnvOverrides for that.
func LoadConfig(path string) (*Config, error) {
	cfg, err := readFile(path)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and applies
// environment variable overrides. Environment variables follow the naming
// convention SWITCHYARD_SECTION_FIELD (e.g., SWITCHYARD_LISTENER_ADDRESS) and
// always take precedence over the file.
//
// The loading sequence is:
// 1. Load YAML from file
// 2. Apply default values
// 3. Apply environment variable overrides
// 4. Validate final configuration
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	cfg, err := readFile(path)
	if err != nil {
		return nil, err
	}
	if err := applyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML and applies defaults. Unknown fields are rejected. The
// result is not validated.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	ApplyDefaults(&cfg)
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	ApplyDefaults(&cfg)
	return &cfg
}

func readFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

// envOverride binds one environment variable to a field.
type envOverride struct {
	name  string
	apply func(cfg *Config, val string) error
}

func stringVar(set func(*Config, string)) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		set(cfg, val)
		return nil
	}
}

func intVar(set func(*Config, int)) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		n, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		set(cfg, n)
		return nil
	}
}

func boolVar(set func(*Config, bool)) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return err
		}
		set(cfg, b)
		return nil
	}
}

func durationVar(set func(*Config, time.Duration)) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		d, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		set(cfg, d)
		return nil
	}
}

var envOverrides = []envOverride{
	{"LISTENER_ADDRESS", stringVar(func(c *Config, v string) { c.Listener.Address = v })},
	{"LISTENER_BACKLOG", intVar(func(c *Config, v int) { c.Listener.Backlog = v })},
	{"LISTENER_MAX_CONNS_PER_CLIENT_IP", intVar(func(c *Config, v int) { c.Listener.MaxConnsPerClientIP = v })},

	{"TLS_CERT_FILE", stringVar(func(c *Config, v string) { c.TLS.CertFile = v })},
	{"TLS_KEY_FILE", stringVar(func(c *Config, v string) { c.TLS.KeyFile = v })},
	{"TLS_KEY_PASSWORD", stringVar(func(c *Config, v string) { c.TLS.KeyPassword = v })},
	{"TLS_MIN_VERSION", stringVar(func(c *Config, v string) { c.TLS.MinVersion = v })},
	{"TLS_HANDSHAKE_TIMEOUT", durationVar(func(c *Config, v time.Duration) { c.TLS.HandshakeTimeout = v })},
	{"TLS_FALLBACK_PROTOCOL", stringVar(func(c *Config, v string) { c.TLS.FallbackProtocol = v })},

	{"PIPELINE_EVENT_LOOPS", intVar(func(c *Config, v int) { c.Pipeline.EventLoops = v })},
	{"PIPELINE_IDLE_TIMEOUT", durationVar(func(c *Config, v time.Duration) { c.Pipeline.IdleTimeout = v })},
	{"PIPELINE_SHUTDOWN_TIMEOUT", durationVar(func(c *Config, v time.Duration) { c.Pipeline.ShutdownTimeout = v })},

	{"JOURNAL_BACKEND", stringVar(func(c *Config, v string) { c.Journal.Backend = v })},
	{"JOURNAL_SQLITE_PATH", stringVar(func(c *Config, v string) { c.Journal.SQLite.Path = v })},
	{"JOURNAL_RETENTION_DAYS", intVar(func(c *Config, v int) { c.Journal.Retention.Days = v })},

	{"TELEMETRY_LOGGING_LEVEL", stringVar(func(c *Config, v string) { c.Telemetry.Logging.Level = v })},
	{"TELEMETRY_LOGGING_FORMAT", stringVar(func(c *Config, v string) { c.Telemetry.Logging.Format = v })},
	{"TELEMETRY_TRACING_ENABLED", boolVar(func(c *Config, v bool) { c.Telemetry.Tracing.Enabled = v })},
	{"TELEMETRY_TRACING_ENDPOINT", stringVar(func(c *Config, v string) { c.Telemetry.Tracing.Endpoint = v })},

	{"ADMIN_ADDRESS", stringVar(func(c *Config, v string) { c.Admin.Address = v })},
	{"ADMIN_DISABLED", boolVar(func(c *Config, v bool) { c.Admin.Disabled = v })},
}

// applyEnvOverrides applies environment variable overrides to the
// configuration. A value that does not parse is an error.
func applyEnvOverrides(cfg *Config, lookup lookupFunc) error {
	var errs []FieldError
	for _, o := range envOverrides {
		val, ok := lookup(EnvPrefix + o.name)
		if !ok || val == "" {
			continue
		}
		if err := o.apply(cfg, val); err != nil {
			errs = append(errs, FieldError{
				Field:   EnvPrefix + o.name,
				Message: fmt.Sprintf("invalid value %q: %v", val, err),
			})
		}
	}
	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}

// EnvOverrideNames lists the supported environment variables.
func EnvOverrideNames() []string {
	names := make([]string, len(envOverrides))
	for i, o := range envOverrides {
		names[i] = EnvPrefix + o.name
	}
	return names
}
