package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
)

// FieldError represents a validation error for a specific configuration field.
type FieldError struct {
	// Field is the dotted path to the configuration field (e.g., "listener.address").
	Field string

	// Message is a human-readable error message.
	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError represents one or more validation errors in a configuration.
type ValidationError struct {
	// Errors contains all validation errors found in the configuration.
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "configuration validation failed with %d errors:\n", len(e.Errors))
	for _, err := range e.Errors {
		fmt.Fprintf(&sb, "  - %s\n", err.Error())
	}
	return sb.String()
}

// KnownProtocols are the ALPN ids a strategy exists for.
var KnownProtocols = []string{"h2", "http/1.1", "yamux"}

// Validate validates the entire configuration and returns a ValidationError
// if any validation rules fail. All validation errors are collected and
// returned together.
func Validate(cfg *Config) error {
	var errs []FieldError

	errs = append(errs, validateListener(&cfg.Listener)...)
	errs = append(errs, validateTLS(&cfg.TLS, cfg.Protocols)...)
	errs = append(errs, validateProtocols(cfg.Protocols)...)
	errs = append(errs, validatePipeline(&cfg.Pipeline)...)
	errs = append(errs, validateJournal(&cfg.Journal)...)
	errs = append(errs, validateTelemetry(&cfg.Telemetry)...)
	if !cfg.Admin.Disabled {
		errs = append(errs, validateAddress("admin.address", cfg.Admin.Address)...)
	}

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}

func validateAddress(field, addr string) []FieldError {
	if addr == "" {
		return []FieldError{{Field: field, Message: "address is required"}}
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return []FieldError{{Field: field, Message: fmt.Sprintf("invalid address %q: %v", addr, err)}}
	}
	if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
		return []FieldError{{Field: field, Message: fmt.Sprintf("invalid port %q", port)}}
	}
	return nil
}

func validateListener(cfg *ListenerConfig) []FieldError {
	errs := validateAddress("listener.address", cfg.Address)
	if cfg.Backlog < 0 {
		errs = append(errs, FieldError{Field: "listener.backlog", Message: "backlog must not be negative"})
	}
	if cfg.MaxConnsPerClientIP < 0 {
		errs = append(errs, FieldError{
			Field:   "listener.max_conns_per_client_ip",
			Message: "limit must not be negative",
		})
	}
	return errs
}

func validateTLS(cfg *TLSConfig, protocols []ProtocolConfig) []FieldError {
	var errs []FieldError
	if cfg.CertFile == "" {
		errs = append(errs, FieldError{Field: "tls.cert_file", Message: "certificate file is required"})
	}
	if cfg.KeyFile == "" {
		errs = append(errs, FieldError{Field: "tls.key_file", Message: "key file is required"})
	}
	switch cfg.MinVersion {
	case "", "1.2", "1.3":
	default:
		errs = append(errs, FieldError{
			Field:   "tls.min_version",
			Message: fmt.Sprintf("invalid TLS version %q: must be '1.2' or '1.3'", cfg.MinVersion),
		})
	}
	if cfg.HandshakeTimeout < 0 {
		errs = append(errs, FieldError{Field: "tls.handshake_timeout", Message: "timeout must not be negative"})
	}
	if cfg.FallbackProtocol != "" {
		found := false
		for _, p := range protocols {
			if p.Name == cfg.FallbackProtocol {
				found = true
				break
			}
		}
		if !found {
			errs = append(errs, FieldError{
				Field:   "tls.fallback_protocol",
				Message: fmt.Sprintf("fallback protocol %q is not in the protocols list", cfg.FallbackProtocol),
			})
		}
	}
	return errs
}

func validateProtocols(protocols []ProtocolConfig) []FieldError {
	var errs []FieldError
	if len(protocols) == 0 {
		return []FieldError{{Field: "protocols", Message: "at least one protocol is required"}}
	}
	seen := make(map[string]bool, len(protocols))
	for i, p := range protocols {
		field := fmt.Sprintf("protocols[%d]", i)
		switch {
		case p.Name == "":
			errs = append(errs, FieldError{Field: field + ".name", Message: "protocol name is required"})
		case len(p.Name) > 255:
			errs = append(errs, FieldError{Field: field + ".name", Message: "ALPN ids are at most 255 bytes"})
		case !isKnownProtocol(p.Name):
			errs = append(errs, FieldError{
				Field:   field + ".name",
				Message: fmt.Sprintf("unsupported protocol %q: must be one of %s", p.Name, strings.Join(KnownProtocols, ", ")),
			})
		case seen[p.Name]:
			errs = append(errs, FieldError{Field: field + ".name", Message: fmt.Sprintf("duplicate protocol %q", p.Name)})
		}
		seen[p.Name] = true
		if len(p.Handlers) == 0 {
			errs = append(errs, FieldError{Field: field + ".handlers", Message: "at least one handler is required"})
		}
		for j, h := range p.Handlers {
			if strings.TrimSpace(h) == "" {
				errs = append(errs, FieldError{Field: fmt.Sprintf("%s.handlers[%d]", field, j), Message: "handler name is empty"})
			}
		}
	}
	return errs
}

func isKnownProtocol(name string) bool {
	for _, k := range KnownProtocols {
		if k == name {
			return true
		}
	}
	return false
}

func validatePipeline(cfg *PipelineConfig) []FieldError {
	var errs []FieldError
	if cfg.EventLoops < 0 {
		errs = append(errs, FieldError{Field: "pipeline.event_loops", Message: "must not be negative"})
	}
	if cfg.MaxMessagesPerRead < 1 {
		errs = append(errs, FieldError{Field: "pipeline.max_messages_per_read", Message: "must be at least 1"})
	}
	if cfg.Recv.Minimum > cfg.Recv.Maximum {
		errs = append(errs, FieldError{Field: "pipeline.recv", Message: "minimum exceeds maximum"})
	}
	if cfg.Recv.Initial < cfg.Recv.Minimum || cfg.Recv.Initial > cfg.Recv.Maximum {
		errs = append(errs, FieldError{Field: "pipeline.recv.initial", Message: "initial must lie between minimum and maximum"})
	}
	if cfg.WriteHighWatermark <= 0 {
		errs = append(errs, FieldError{Field: "pipeline.write_high_watermark", Message: "must be positive"})
	}
	if cfg.WriteLowWatermark < 0 || cfg.WriteLowWatermark >= cfg.WriteHighWatermark {
		errs = append(errs, FieldError{
			Field:   "pipeline.write_low_watermark",
			Message: "must be non-negative and below write_high_watermark",
		})
	}
	if cfg.WriteTimeout < 0 {
		errs = append(errs, FieldError{Field: "pipeline.write_timeout", Message: "must not be negative"})
	}
	if cfg.InitialWindowSize > 1<<31-1 {
		errs = append(errs, FieldError{Field: "pipeline.initial_window_size", Message: "must not exceed 2147483647"})
	}
	if cfg.MaxFrameSize < 16384 || cfg.MaxFrameSize > 1<<24-1 {
		errs = append(errs, FieldError{Field: "pipeline.max_frame_size", Message: "must be between 16384 and 16777215"})
	}
	if cfg.ShutdownTimeout < 0 {
		errs = append(errs, FieldError{Field: "pipeline.shutdown_timeout", Message: "must not be negative"})
	}
	return errs
}

func validateJournal(cfg *JournalConfig) []FieldError {
	var errs []FieldError
	switch cfg.Backend {
	case "memory", "none":
	case "sqlite":
		if cfg.SQLite.Path == "" {
			errs = append(errs, FieldError{Field: "journal.sqlite.path", Message: "path is required for the sqlite backend"})
		}
		switch strings.ToUpper(cfg.SQLite.JournalMode) {
		case "DELETE", "TRUNCATE", "PERSIST", "MEMORY", "WAL", "OFF":
		default:
			errs = append(errs, FieldError{
				Field:   "journal.sqlite.journal_mode",
				Message: fmt.Sprintf("invalid journal mode %q", cfg.SQLite.JournalMode),
			})
		}
	default:
		errs = append(errs, FieldError{
			Field:   "journal.backend",
			Message: fmt.Sprintf("invalid backend %q: must be 'memory', 'sqlite' or 'none'", cfg.Backend),
		})
	}
	if cfg.Recorder.AsyncBuffer < 1 {
		errs = append(errs, FieldError{Field: "journal.recorder.async_buffer", Message: "must be at least 1"})
	}
	if cfg.Retention.MaxRecords < 0 {
		errs = append(errs, FieldError{Field: "journal.retention.max_records", Message: "must not be negative"})
	}
	if _, err := cron.ParseStandard(cfg.Retention.PruneSchedule); err != nil {
		errs = append(errs, FieldError{
			Field:   "journal.retention.prune_schedule",
			Message: fmt.Sprintf("invalid cron expression %q: %v", cfg.Retention.PruneSchedule, err),
		})
	}
	if cfg.Query.DefaultLimit > cfg.Query.MaxLimit {
		errs = append(errs, FieldError{Field: "journal.query.default_limit", Message: "exceeds max_limit"})
	}
	return errs
}

func validateTelemetry(cfg *TelemetryConfig) []FieldError {
	var errs []FieldError

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logging.Level] {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.level",
			Message: fmt.Sprintf("invalid logging level %q: must be 'debug', 'info', 'warn', or 'error'", cfg.Logging.Level),
		})
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.Logging.Format] {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.format",
			Message: fmt.Sprintf("invalid logging format %q: must be 'json' or 'text'", cfg.Logging.Format),
		})
	}

	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		errs = append(errs, FieldError{Field: "telemetry.metrics.path", Message: "path must start with '/'"})
	}
	for i := 1; i < len(cfg.Metrics.HandshakeBuckets); i++ {
		if cfg.Metrics.HandshakeBuckets[i] <= cfg.Metrics.HandshakeBuckets[i-1] {
			errs = append(errs, FieldError{
				Field:   "telemetry.metrics.handshake_buckets",
				Message: "buckets must be strictly increasing",
			})
			break
		}
	}

	if cfg.Tracing.Enabled {
		switch cfg.Tracing.Exporter {
		case "otlp":
			if cfg.Tracing.Endpoint == "" {
				errs = append(errs, FieldError{
					Field:   "telemetry.tracing.endpoint",
					Message: "tracing endpoint is required for the otlp exporter",
				})
			}
		case "none":
		default:
			errs = append(errs, FieldError{
				Field:   "telemetry.tracing.exporter",
				Message: fmt.Sprintf("invalid exporter %q: must be 'otlp' or 'none'", cfg.Tracing.Exporter),
			})
		}
	}
	switch cfg.Tracing.Sampler {
	case "always", "never", "ratio":
	default:
		errs = append(errs, FieldError{
			Field:   "telemetry.tracing.sampler",
			Message: fmt.Sprintf("invalid sampler %q: must be 'always', 'never' or 'ratio'", cfg.Tracing.Sampler),
		})
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1.0 {
		errs = append(errs, FieldError{
			Field:   "telemetry.tracing.sample_ratio",
			Message: "sample ratio must be between 0.0 and 1.0",
		})
	}

	if !strings.HasPrefix(cfg.Health.LivenessPath, "/") {
		errs = append(errs, FieldError{Field: "telemetry.health.liveness_path", Message: "path must start with '/'"})
	}
	if !strings.HasPrefix(cfg.Health.ReadinessPath, "/") {
		errs = append(errs, FieldError{Field: "telemetry.health.readiness_path", Message: "path must start with '/'"})
	}
	return errs
}
