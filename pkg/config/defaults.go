package config

import "time"

// Default values for configuration fields.
const (
	// Listener defaults
	DefaultListenAddress = "127.0.0.1:8060"
	DefaultBacklog       = 256
	DefaultReuseAddr     = true
	DefaultNoDelay       = true

	// TLS defaults
	DefaultTLSMinVersion       = "1.2"
	DefaultTLSHandshakeTimeout = 10 * time.Second

	// Pipeline defaults
	DefaultMaxMessagesPerRead   = 16
	DefaultRecvMinimum          = 64
	DefaultRecvInitial          = 2048
	DefaultRecvMaximum          = 65536
	DefaultWriteHighWatermark   = 64 * 1024
	DefaultWriteLowWatermark    = 32 * 1024
	DefaultWriteTimeout         = 30 * time.Second
	DefaultIdleTimeout          = 120 * time.Second
	DefaultMaxConcurrentStreams = 100
	DefaultInitialWindowSize    = 65535
	DefaultMaxFrameSize         = 16384
	DefaultMaxHeaderListSize    = 1 << 20
	DefaultYamuxAcceptBacklog   = 256
	DefaultShutdownTimeout      = 30 * time.Second

	// Journal defaults
	DefaultJournalBackend              = "memory"
	DefaultJournalSQLitePath           = "data/journal.db"
	DefaultJournalSQLiteMaxOpenConns   = 10
	DefaultJournalSQLiteMaxIdleConns   = 5
	DefaultJournalSQLiteJournalMode    = "WAL"
	DefaultJournalSQLiteBusyTimeout    = 5 * time.Second
	DefaultJournalRecorderAsyncBuffer  = 1000
	DefaultJournalRecorderWriteTimeout = 5 * time.Second
	DefaultJournalRetentionDays        = 30
	DefaultJournalRetentionSchedule    = "0 3 * * *"
	DefaultJournalQueryDefaultLimit    = 100
	DefaultJournalQueryMaxLimit        = 10000

	// Telemetry defaults
	DefaultLoggingLevel        = "info"
	DefaultLoggingFormat       = "json"
	DefaultMetricsPath         = "/metrics"
	DefaultMetricsNamespace    = "switchyard"
	DefaultTracingSampler      = "ratio"
	DefaultTracingSampleRatio  = 0.1
	DefaultTracingExporter     = "otlp"
	DefaultTracingServiceName  = "switchyard"
	DefaultTracingOTLPTimeout  = 10 * time.Second
	DefaultHealthLivenessPath  = "/health"
	DefaultHealthReadinessPath = "/ready"

	// Admin defaults
	DefaultAdminAddress = "127.0.0.1:9060"

	// Watch defaults
	DefaultWatchDebounce = 250 * time.Millisecond
)

// DefaultHandshakeBuckets are the handshake duration histogram buckets.
var DefaultHandshakeBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}

// DefaultProtocols is the ALPN list used when none is configured.
func DefaultProtocols() []ProtocolConfig {
	return []ProtocolConfig{
		{Name: "h2", Handlers: []string{"hello"}},
		{Name: "http/1.1", Handlers: []string{"echo"}},
	}
}

// ApplyDefaults applies default values to a Config struct.
// It sets defaults for any fields that have zero values.
// This function is idempotent and safe to call multiple times.
func ApplyDefaults(cfg *Config) {
	applyListenerDefaults(&cfg.Listener)

	if cfg.TLS.MinVersion == "" {
		cfg.TLS.MinVersion = DefaultTLSMinVersion
	}
	if cfg.TLS.HandshakeTimeout == 0 {
		cfg.TLS.HandshakeTimeout = DefaultTLSHandshakeTimeout
	}

	if len(cfg.Protocols) == 0 {
		cfg.Protocols = DefaultProtocols()
	}

	applyPipelineDefaults(&cfg.Pipeline)
	applyJournalDefaults(&cfg.Journal)
	applyTelemetryDefaults(&cfg.Telemetry)

	if cfg.Admin.Address == "" {
		cfg.Admin.Address = DefaultAdminAddress
	}
	if cfg.Watch.Debounce == 0 {
		cfg.Watch.Debounce = DefaultWatchDebounce
	}
}

func applyListenerDefaults(l *ListenerConfig) {
	if l.Address == "" {
		l.Address = DefaultListenAddress
	}
	if l.Backlog == 0 {
		l.Backlog = DefaultBacklog
	}
	if l.ReuseAddr == nil {
		v := DefaultReuseAddr
		l.ReuseAddr = &v
	}
	if l.NoDelay == nil {
		v := DefaultNoDelay
		l.NoDelay = &v
	}
}

func applyPipelineDefaults(p *PipelineConfig) {
	if p.MaxMessagesPerRead == 0 {
		p.MaxMessagesPerRead = DefaultMaxMessagesPerRead
	}
	if p.Recv.Minimum == 0 {
		p.Recv.Minimum = DefaultRecvMinimum
	}
	if p.Recv.Initial == 0 {
		p.Recv.Initial = DefaultRecvInitial
	}
	if p.Recv.Maximum == 0 {
		p.Recv.Maximum = DefaultRecvMaximum
	}
	if p.WriteHighWatermark == 0 {
		p.WriteHighWatermark = DefaultWriteHighWatermark
	}
	if p.WriteLowWatermark == 0 {
		p.WriteLowWatermark = min(DefaultWriteLowWatermark, p.WriteHighWatermark/2)
	}
	if p.WriteTimeout == 0 {
		p.WriteTimeout = DefaultWriteTimeout
	}
	if p.IdleTimeout == 0 {
		p.IdleTimeout = DefaultIdleTimeout
	}
	if p.MaxConcurrentStreams == 0 {
		p.MaxConcurrentStreams = DefaultMaxConcurrentStreams
	}
	if p.InitialWindowSize == 0 {
		p.InitialWindowSize = DefaultInitialWindowSize
	}
	if p.MaxFrameSize == 0 {
		p.MaxFrameSize = DefaultMaxFrameSize
	}
	if p.MaxHeaderListSize == 0 {
		p.MaxHeaderListSize = DefaultMaxHeaderListSize
	}
	if p.YamuxAcceptBacklog == 0 {
		p.YamuxAcceptBacklog = DefaultYamuxAcceptBacklog
	}
	if p.ShutdownTimeout == 0 {
		p.ShutdownTimeout = DefaultShutdownTimeout
	}
}

func applyJournalDefaults(j *JournalConfig) {
	if j.Backend == "" {
		j.Backend = DefaultJournalBackend
	}
	if j.SQLite.Path == "" {
		j.SQLite.Path = DefaultJournalSQLitePath
	}
	if j.SQLite.MaxOpenConns == 0 {
		j.SQLite.MaxOpenConns = DefaultJournalSQLiteMaxOpenConns
	}
	if j.SQLite.MaxIdleConns == 0 {
		j.SQLite.MaxIdleConns = DefaultJournalSQLiteMaxIdleConns
	}
	if j.SQLite.JournalMode == "" {
		j.SQLite.JournalMode = DefaultJournalSQLiteJournalMode
	}
	if j.SQLite.BusyTimeout == 0 {
		j.SQLite.BusyTimeout = DefaultJournalSQLiteBusyTimeout
	}
	if j.Recorder.AsyncBuffer == 0 {
		j.Recorder.AsyncBuffer = DefaultJournalRecorderAsyncBuffer
	}
	if j.Recorder.WriteTimeout == 0 {
		j.Recorder.WriteTimeout = DefaultJournalRecorderWriteTimeout
	}
	if j.Retention.Days == 0 {
		j.Retention.Days = DefaultJournalRetentionDays
	}
	if j.Retention.PruneSchedule == "" {
		j.Retention.PruneSchedule = DefaultJournalRetentionSchedule
	}
	if j.Query.DefaultLimit == 0 {
		j.Query.DefaultLimit = DefaultJournalQueryDefaultLimit
	}
	if j.Query.MaxLimit == 0 {
		j.Query.MaxLimit = DefaultJournalQueryMaxLimit
	}
}

func applyTelemetryDefaults(t *TelemetryConfig) {
	if t.Logging.Level == "" {
		t.Logging.Level = DefaultLoggingLevel
	}
	if t.Logging.Format == "" {
		t.Logging.Format = DefaultLoggingFormat
	}
	if t.Metrics.Path == "" {
		t.Metrics.Path = DefaultMetricsPath
	}
	if t.Metrics.Namespace == "" {
		t.Metrics.Namespace = DefaultMetricsNamespace
	}
	if len(t.Metrics.HandshakeBuckets) == 0 {
		t.Metrics.HandshakeBuckets = append([]float64(nil), DefaultHandshakeBuckets...)
	}
	if t.Tracing.Sampler == "" {
		t.Tracing.Sampler = DefaultTracingSampler
	}
	if t.Tracing.Sampler == DefaultTracingSampler && t.Tracing.SampleRatio == 0 {
		t.Tracing.SampleRatio = DefaultTracingSampleRatio
	}
	if t.Tracing.Exporter == "" {
		t.Tracing.Exporter = DefaultTracingExporter
	}
	if t.Tracing.ServiceName == "" {
		t.Tracing.ServiceName = DefaultTracingServiceName
	}
	if t.Tracing.OTLP.Timeout == 0 {
		t.Tracing.OTLP.Timeout = DefaultTracingOTLPTimeout
	}
	if t.Health.LivenessPath == "" {
		t.Health.LivenessPath = DefaultHealthLivenessPath
	}
	if t.Health.ReadinessPath == "" {
		t.Health.ReadinessPath = DefaultHealthReadinessPath
	}
}
