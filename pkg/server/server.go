package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"mercator-hq/switchyard/pkg/config"
	"mercator-hq/switchyard/pkg/demux"
	"mercator-hq/switchyard/pkg/eventloop"
	"mercator-hq/switchyard/pkg/handlers"
	"mercator-hq/switchyard/pkg/journal"
	"mercator-hq/switchyard/pkg/journal/recorder"
	"mercator-hq/switchyard/pkg/journal/retention"
	"mercator-hq/switchyard/pkg/journal/storage"
	"mercator-hq/switchyard/pkg/pipeline"
	"mercator-hq/switchyard/pkg/telemetry/health"
	"mercator-hq/switchyard/pkg/telemetry/logging"
	"mercator-hq/switchyard/pkg/telemetry/metrics"
	"mercator-hq/switchyard/pkg/telemetry/tracing"
	"mercator-hq/switchyard/pkg/transport/listener"
	"mercator-hq/switchyard/pkg/transport/recvbuf"
	"mercator-hq/switchyard/pkg/transport/tlsterm"
)

// Server accepts TLS connections and serves each one with the strategy of
// its negotiated protocol.
type Server struct {
	cfg     *config.Config
	logger  *logging.Logger
	version health.VersionInfo

	material   *tlsterm.Material
	terminator *tlsterm.Terminator
	strategies *demux.Registry
	chains     map[string]pipeline.Factory
	demuxCfg   demux.Config

	collector *metrics.Collector
	tracer    *tracing.Tracer
	ownTracer bool
	checker   *health.Checker

	mu        sync.Mutex
	listener  *listener.Listener
	adminLn   net.Listener
	loops     *eventloop.Group
	store     journal.Storage
	recorder  *recorder.Recorder
	scheduler *retention.Scheduler
	conns     map[string]*demux.Conn
	draining  bool

	running    atomic.Bool
	accepting  atomic.Bool
	ready      chan struct{}
	handshakes sync.WaitGroup
	connWG     sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger. Its level follows hot reloads.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetricsRegistry registers the server metrics on registry instead of a
// fresh one.
func WithMetricsRegistry(registry *prometheus.Registry) Option {
	return func(s *Server) {
		s.collector = metrics.NewCollector(&s.cfg.Telemetry.Metrics, registry)
	}
}

// WithTracer uses tracer for connection and stream spans. The caller keeps
// ownership and shuts it down.
func WithTracer(tracer *tracing.Tracer) Option {
	return func(s *Server) { s.tracer = tracer }
}

// WithVersion sets the build information served on /version.
func WithVersion(info health.VersionInfo) Option {
	return func(s *Server) { s.version = info }
}

// New validates cfg, loads the TLS material and resolves the handler chain
// of every configured protocol. Nothing is bound until Run.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	s := &Server{
		cfg:   cfg,
		ready: make(chan struct{}),
		conns: make(map[string]*demux.Conn),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		logger, err := logging.New(logging.Config{
			Level:           cfg.Telemetry.Logging.Level,
			Format:          cfg.Telemetry.Logging.Format,
			AddSource:       cfg.Telemetry.Logging.AddSource,
			RedactAddresses: cfg.Telemetry.Logging.RedactAddresses,
		})
		if err != nil {
			return nil, err
		}
		s.logger = logger
	}
	if s.collector == nil {
		s.collector = metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
	}
	if s.tracer == nil {
		tracer, err := tracing.New(&cfg.Telemetry.Tracing, tracing.WithServiceVersion(s.version.Version))
		if err != nil {
			return nil, fmt.Errorf("failed to create tracer: %w", err)
		}
		s.tracer = tracer
		s.ownTracer = true
	}

	material, err := tlsterm.LoadMaterial(tlsterm.MaterialConfig{
		CertFile:     cfg.TLS.CertFile,
		KeyFile:      cfg.TLS.KeyFile,
		KeyPassword:  cfg.TLS.KeyPassword,
		MinVersion:   cfg.TLS.MinVersion,
		CipherSuites: cfg.TLS.CipherSuites,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS material: %w", err)
	}
	if days, warning := tlsterm.CheckExpiration(material.Leaf()); warning != "" {
		s.logger.Warn("server certificate expiring", "days_left", days, "warning", warning)
	}
	s.material = material

	s.terminator, err = tlsterm.NewTerminator(material, tlsterm.Options{
		Protocols:        cfg.ProtocolNames(),
		FallbackProtocol: cfg.TLS.FallbackProtocol,
		HandshakeTimeout: cfg.TLS.HandshakeTimeout,
	})
	if err != nil {
		return nil, err
	}

	s.strategies = demux.DefaultRegistry(cfg.Pipeline.YamuxAcceptBacklog)

	reg := handlers.DefaultRegistry(handlers.Deps{Tracer: s.tracer, Logger: s.logger.Logger})
	s.chains = make(map[string]pipeline.Factory, len(cfg.Protocols))
	for _, p := range cfg.Protocols {
		if _, ok := s.strategies.Lookup(p.Name); !ok {
			return nil, fmt.Errorf("protocol %q: no demultiplexing strategy", p.Name)
		}
		chain, err := reg.Chain(p.Handlers...)
		if err != nil {
			return nil, fmt.Errorf("protocol %q: %w", p.Name, err)
		}
		s.chains[p.Name] = chain
	}

	s.demuxCfg = demux.Config{
		MaxMessagesPerRead: cfg.Pipeline.MaxMessagesPerRead,
		Recv: recvbuf.Config{
			Minimum: cfg.Pipeline.Recv.Minimum,
			Initial: cfg.Pipeline.Recv.Initial,
			Maximum: cfg.Pipeline.Recv.Maximum,
		},
		WriteHighWatermark:   cfg.Pipeline.WriteHighWatermark,
		WriteLowWatermark:    cfg.Pipeline.WriteLowWatermark,
		WriteTimeout:         cfg.Pipeline.WriteTimeout,
		IdleTimeout:          cfg.Pipeline.IdleTimeout,
		MaxConcurrentStreams: cfg.Pipeline.MaxConcurrentStreams,
		InitialWindowSize:    cfg.Pipeline.InitialWindowSize,
		MaxFrameSize:         cfg.Pipeline.MaxFrameSize,
		MaxHeaderListSize:    cfg.Pipeline.MaxHeaderListSize,
	}

	s.checker = health.New(health.DefaultCheckTimeout)
	s.checker.Register("listener", func(context.Context) error {
		if !s.accepting.Load() {
			return errors.New("listener is not accepting connections")
		}
		return nil
	})

	return s, nil
}

// Run binds the listeners and serves until ctx is done, then shuts down
// gracefully. A bind failure is returned as *pipeline.BindError.
func (s *Server) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("server is already running")
	}
	cfg := s.cfg
	logger := s.logger.With("component", "server")

	ln, err := listener.Listen(listener.Options{
		Address:             cfg.Listener.Address,
		Backlog:             cfg.Listener.Backlog,
		ReuseAddr:           config.Bool(cfg.Listener.ReuseAddr, true),
		NoDelay:             config.Bool(cfg.Listener.NoDelay, true),
		KeepAlive:           cfg.Listener.KeepAlive,
		MaxConnsPerClientIP: cfg.Listener.MaxConnsPerClientIP,
	}, listener.WithLogger(s.logger.Logger), listener.WithObserver(s.collector))
	if err != nil {
		return err
	}

	var admin *http.Server
	if !cfg.Admin.Disabled {
		adminLn, err := net.Listen("tcp", cfg.Admin.Address)
		if err != nil {
			_ = ln.Close()
			return &pipeline.BindError{Address: cfg.Admin.Address, Cause: err}
		}
		admin = s.adminServer()
		s.mu.Lock()
		s.adminLn = adminLn
		s.mu.Unlock()
	}

	if err := s.openJournal(); err != nil {
		_ = ln.Close()
		if admin != nil {
			_ = s.adminLn.Close()
		}
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.loops = eventloop.NewGroup(cfg.Pipeline.EventLoops, s.logger.Logger)
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)

	if s.scheduler != nil {
		if err := s.scheduler.Start(gctx); err != nil {
			logger.Error("failed to start journal retention", "error", err)
		}
	}

	s.accepting.Store(true)
	close(s.ready)
	logger.Info("switchyard listening",
		"address", ln.Addr().String(),
		"protocols", cfg.ProtocolNames(),
		"event_loops", s.loops.Len(),
		"journal", cfg.Journal.Backend,
	)

	g.Go(func() error {
		return ln.Serve(gctx, func(nc net.Conn) { s.accept(gctx, nc) })
	})
	if admin != nil {
		g.Go(func() error {
			logger.Info("admin listener started", "address", s.adminLn.Addr().String())
			if err := admin.Serve(s.adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer cancel()
			return admin.Shutdown(sctx)
		})
	}

	err = g.Wait()
	s.accepting.Store(false)
	if shutdownErr := s.shutdown(); err == nil {
		err = shutdownErr
	}
	return err
}

// Ready is closed once Run has bound its listeners.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound stream listener address, or nil before Ready.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// AdminAddr returns the bound admin address, or nil if the admin listener
// is disabled or not yet bound.
func (s *Server) AdminAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adminLn == nil {
		return nil
	}
	return s.adminLn.Addr()
}

// Metrics returns the server's metrics collector.
func (s *Server) Metrics() *metrics.Collector { return s.collector }

// Health returns the readiness checker.
func (s *Server) Health() *health.Checker { return s.checker }

// Journal returns the journal backend, or nil when the journal is disabled
// or Run has not started.
func (s *Server) Journal() journal.Storage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store
}

func (s *Server) openJournal() error {
	store, err := storage.New(s.cfg.Journal, s.logger.Logger)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	if store == nil {
		s.logger.Info("connection journal disabled")
		return nil
	}

	rec := recorder.New(store, s.cfg.Journal.Recorder,
		recorder.WithLogger(s.logger.Logger),
		recorder.WithObserver(s.collector),
	)
	pruner := retention.NewPruner(store, s.cfg.Journal.Retention,
		retention.WithLogger(s.logger.Logger),
		retention.OnPruned(s.collector.JournalPruned),
	)

	s.mu.Lock()
	s.store = store
	s.recorder = rec
	s.scheduler = retention.NewScheduler(pruner)
	s.mu.Unlock()

	s.checker.Register("journal", store.Ping)
	return nil
}

// shutdown drains connections, then stops the loops and the journal. Every
// step runs even if an earlier one fails.
func (s *Server) shutdown() error {
	logger := s.logger.With("component", "server")
	timeout := s.cfg.Pipeline.ShutdownTimeout
	if timeout <= 0 {
		timeout = config.DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	// In-flight handshakes see the cancelled accept context and fail fast.
	s.handshakes.Wait()

	s.mu.Lock()
	conns := make([]*demux.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	logger.Info("initiating graceful shutdown", "connections", len(conns), "timeout", timeout)
	for _, c := range conns {
		c.Shutdown()
	}

	var errs []error
	if !waitGroup(ctx, &s.connWG) {
		s.mu.Lock()
		remaining := len(s.conns)
		for _, c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
		logger.Warn("shutdown timeout reached, closing connections", "remaining", remaining)
		s.connWG.Wait()
	}

	if err := s.loops.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("event loops: %w", err))
	}
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	if s.recorder != nil {
		if err := s.recorder.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("journal recorder: %w", err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.ownTracer {
		if err := s.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer: %w", err))
		}
	}

	logger.Info("switchyard stopped")
	return errors.Join(errs...)
}

// waitGroup waits for wg or ctx and reports whether wg finished.
func waitGroup(ctx context.Context, wg *sync.WaitGroup) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
