package config

import "time"

// Config is the root configuration structure for switchyard.
type Config struct {
	// Listener contains the TCP listener settings: address, backlog, socket
	// options and per-client admission.
	Listener ListenerConfig `yaml:"listener"`

	// TLS points at the server certificate material and tunes the handshake.
	TLS TLSConfig `yaml:"tls"`

	// Protocols is the ALPN list in server preference order. Each entry names
	// the handler chain installed on streams of that protocol.
	Protocols []ProtocolConfig `yaml:"protocols"`

	// Pipeline contains event loop, flow control and stream settings.
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Journal contains the connection journal settings.
	Journal JournalConfig `yaml:"journal"`

	// Telemetry contains logging, metrics, tracing and health settings.
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Admin contains the admin HTTP listener serving metrics and health.
	Admin AdminConfig `yaml:"admin"`

	// Watch controls hot reload of this file.
	Watch WatchConfig `yaml:"watch"`
}

// ListenerConfig contains configuration for the TCP listener.
type ListenerConfig struct {
	// Address is the host:port to bind.
	// Default: "127.0.0.1:8060"
	Address string `yaml:"address"`

	// Backlog is the accept queue depth.
	// Default: 256
	Backlog int `yaml:"backlog"`

	// ReuseAddr sets SO_REUSEADDR on the listening socket.
	// Default: true
	ReuseAddr *bool `yaml:"reuse_addr"`

	// NoDelay sets TCP_NODELAY on accepted connections.
	// Default: true
	NoDelay *bool `yaml:"no_delay"`

	// KeepAlive is the TCP keep-alive period. Negative disables keep-alive.
	// Default: 0 (Go default)
	KeepAlive time.Duration `yaml:"keep_alive"`

	// MaxConnsPerClientIP limits concurrent connections per client address.
	// Hot reloadable. 0 means unlimited.
	MaxConnsPerClientIP int `yaml:"max_conns_per_client_ip"`
}

// TLSConfig contains the server TLS settings. Material is loaded once at
// startup and never reloaded.
type TLSConfig struct {
	// CertFile is the path to the PEM certificate chain, leaf first.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM private key.
	KeyFile string `yaml:"key_file"`

	// KeyPassword decrypts a password protected key. Prefer setting it
	// through SWITCHYARD_TLS_KEY_PASSWORD.
	KeyPassword string `yaml:"key_password"`

	// MinVersion is the minimum TLS version to accept.
	// Options: "1.2", "1.3"
	// Default: "1.2"
	MinVersion string `yaml:"min_version"`

	// CipherSuites restricts TLS 1.2 cipher suites by IANA name.
	CipherSuites []string `yaml:"cipher_suites"`

	// HandshakeTimeout bounds the TLS handshake.
	// Default: 10s
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// FallbackProtocol is assigned to clients that offer no ALPN. It must be
	// one of the configured protocols. Empty rejects such clients.
	FallbackProtocol string `yaml:"fallback_protocol"`
}

// ProtocolConfig binds an ALPN protocol id to a handler chain.
type ProtocolConfig struct {
	// Name is the ALPN protocol id: "h2", "http/1.1" or "yamux".
	Name string `yaml:"name"`

	// Handlers are handler names in chain order, e.g. ["trace", "hello"].
	Handlers []string `yaml:"handlers"`
}

// PipelineConfig contains connection and stream pipeline settings.
type PipelineConfig struct {
	// EventLoops is the number of event loops.
	// Default: 0 (GOMAXPROCS)
	EventLoops int `yaml:"event_loops"`

	// MaxMessagesPerRead bounds the messages one read batch delivers.
	// Default: 16
	MaxMessagesPerRead int `yaml:"max_messages_per_read"`

	// Recv bounds the adaptive receive buffer.
	Recv RecvConfig `yaml:"recv"`

	// WriteHighWatermark suspends reads once this many bytes are queued.
	// Default: 65536
	WriteHighWatermark int `yaml:"write_high_watermark"`

	// WriteLowWatermark resumes reads once the queue drains below it.
	// Default: 32768
	WriteLowWatermark int `yaml:"write_low_watermark"`

	// WriteTimeout bounds a single socket write.
	// Default: 30s
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// IdleTimeout closes connections that stay silent this long. Negative
	// disables it.
	// Default: 120s
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// MaxConcurrentStreams is the h2 SETTINGS_MAX_CONCURRENT_STREAMS.
	// Default: 100
	MaxConcurrentStreams uint32 `yaml:"max_concurrent_streams"`

	// InitialWindowSize is the h2 stream receive window.
	// Default: 65535
	InitialWindowSize uint32 `yaml:"initial_window_size"`

	// MaxFrameSize is the largest h2 frame payload accepted.
	// Default: 16384
	MaxFrameSize uint32 `yaml:"max_frame_size"`

	// MaxHeaderListSize bounds a decoded h2 header block.
	// Default: 1048576
	MaxHeaderListSize uint32 `yaml:"max_header_list_size"`

	// YamuxAcceptBacklog bounds yamux streams not yet accepted.
	// Default: 256
	YamuxAcceptBacklog int `yaml:"yamux_accept_backlog"`

	// ShutdownTimeout is how long graceful shutdown waits for connections
	// to finish before closing them.
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RecvConfig bounds the adaptive receive allocator, in bytes.
type RecvConfig struct {
	Minimum int `yaml:"minimum"`
	Initial int `yaml:"initial"`
	Maximum int `yaml:"maximum"`
}

// JournalConfig contains configuration for the connection journal.
type JournalConfig struct {
	// Backend selects the storage.
	// Options: "memory", "sqlite", "none"
	// Default: "memory"
	Backend string `yaml:"backend"`

	// SQLite contains SQLite-specific configuration.
	SQLite SQLiteConfig `yaml:"sqlite"`

	// Recorder contains recorder configuration.
	Recorder RecorderConfig `yaml:"recorder"`

	// Retention contains retention policy configuration.
	Retention RetentionConfig `yaml:"retention"`

	// Query contains query limits.
	Query QueryConfig `yaml:"query"`
}

// SQLiteConfig contains SQLite-specific configuration.
type SQLiteConfig struct {
	// Path is the file path for the SQLite database.
	// Default: "data/journal.db"
	Path string `yaml:"path"`

	// MaxOpenConns is the maximum number of open database connections.
	// Default: 10
	MaxOpenConns int `yaml:"max_open_conns"`

	// MaxIdleConns is the maximum number of idle database connections.
	// Default: 5
	MaxIdleConns int `yaml:"max_idle_conns"`

	// JournalMode is the SQLite journal_mode pragma.
	// Default: "WAL"
	JournalMode string `yaml:"journal_mode"`

	// BusyTimeout is the duration to wait when the database is locked.
	// Default: 5s
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// RecorderConfig contains journal recorder configuration.
type RecorderConfig struct {
	// AsyncBuffer is the size of the async write channel buffer.
	// Records are dropped when it is full.
	// Default: 1000
	AsyncBuffer int `yaml:"async_buffer"`

	// WriteTimeout bounds a single storage write.
	// Default: 5s
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// RetentionConfig contains retention policy configuration.
type RetentionConfig struct {
	// Days is how long records are kept. Negative keeps them forever.
	// Default: 30
	Days int `yaml:"days"`

	// MaxRecords caps the number of stored records. 0 means unlimited.
	MaxRecords int64 `yaml:"max_records"`

	// PruneSchedule is a standard cron expression.
	// Default: "0 3 * * *"
	PruneSchedule string `yaml:"prune_schedule"`
}

// QueryConfig contains journal query limits.
type QueryConfig struct {
	// DefaultLimit applies when a query sets no limit.
	// Default: 100
	DefaultLimit int `yaml:"default_limit"`

	// MaxLimit caps any query limit.
	// Default: 10000
	MaxLimit int `yaml:"max_limit"`
}

// TelemetryConfig contains configuration for observability.
type TelemetryConfig struct {
	// Logging contains logging configuration.
	Logging LoggingConfig `yaml:"logging"`

	// Metrics contains metrics configuration.
	Metrics MetricsConfig `yaml:"metrics"`

	// Tracing contains distributed tracing configuration.
	Tracing TracingConfig `yaml:"tracing"`

	// Health contains health endpoint configuration.
	Health HealthConfig `yaml:"health"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level to emit. Hot reloadable.
	// Options: "debug", "info", "warn", "error"
	// Default: "info"
	Level string `yaml:"level"`

	// Format controls the log output format.
	// Options: "json", "text"
	// Default: "json"
	Format string `yaml:"format"`

	// AddSource includes file and line number in log entries.
	AddSource bool `yaml:"add_source"`

	// RedactAddresses masks client IP addresses in logs.
	RedactAddresses bool `yaml:"redact_addresses"`
}

// MetricsConfig contains metrics configuration.
type MetricsConfig struct {
	// Path is the HTTP path for the Prometheus metrics endpoint on the admin
	// listener.
	// Default: "/metrics"
	Path string `yaml:"path"`

	// Namespace is the metric name prefix.
	// Default: "switchyard"
	Namespace string `yaml:"namespace"`

	// HandshakeBuckets are histogram buckets for handshake duration in
	// seconds.
	// Default: [0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5]
	HandshakeBuckets []float64 `yaml:"handshake_buckets"`
}

// TracingConfig contains distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether distributed tracing is active.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Sampler determines the sampling strategy.
	// Options: "always", "never", "ratio"
	// Default: "ratio"
	Sampler string `yaml:"sampler"`

	// SampleRatio is the fraction of traces to sample (0.0 to 1.0).
	// Only used when Sampler is "ratio".
	// Default: 0.1
	SampleRatio float64 `yaml:"sample_ratio"`

	// Exporter determines the trace exporter to use.
	// Options: "otlp", "none"
	// Default: "otlp"
	Exporter string `yaml:"exporter"`

	// Endpoint is the OTLP/gRPC collector endpoint, e.g. "localhost:4317".
	Endpoint string `yaml:"endpoint"`

	// ServiceName is the service name in traces.
	// Default: "switchyard"
	ServiceName string `yaml:"service_name"`

	// OTLP contains OTLP exporter specific configuration.
	OTLP OTLPConfig `yaml:"otlp"`
}

// OTLPConfig contains OTLP exporter configuration.
type OTLPConfig struct {
	// Insecure disables TLS for the collector connection.
	Insecure bool `yaml:"insecure"`

	// Timeout is the timeout for OTLP exports.
	// Default: 10s
	Timeout time.Duration `yaml:"timeout"`

	// Headers are sent with every export request.
	Headers map[string]string `yaml:"headers"`
}

// HealthConfig contains health endpoint configuration.
type HealthConfig struct {
	// LivenessPath reports whether the process is up.
	// Default: "/health"
	LivenessPath string `yaml:"liveness_path"`

	// ReadinessPath reports whether the listener accepts connections.
	// Default: "/ready"
	ReadinessPath string `yaml:"readiness_path"`
}

// AdminConfig contains the admin HTTP listener configuration.
type AdminConfig struct {
	// Address is the host:port of the admin listener.
	// Default: "127.0.0.1:9060"
	Address string `yaml:"address"`

	// Disabled turns the admin listener off.
	Disabled bool `yaml:"disabled"`
}

// WatchConfig controls hot reload.
type WatchConfig struct {
	// Enabled watches the configuration file and applies the reloadable
	// subset on change.
	Enabled bool `yaml:"enabled"`

	// Debounce is the quiet period before a reload.
	// Default: 250ms
	Debounce time.Duration `yaml:"debounce"`
}

// ProtocolNames returns the configured ALPN ids in preference order.
func (c *Config) ProtocolNames() []string {
	names := make([]string, len(c.Protocols))
	for i, p := range c.Protocols {
		names[i] = p.Name
	}
	return names
}

// Bool returns *b, or def when b is nil.
func Bool(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
