// Package listener binds the server socket and produces accepted
// connections.
//
// Listen applies the socket options that must be set before bind (address
// reuse, accept backlog); Serve applies the per-connection options, admits
// connections through a per-client-IP limiter and retries transient accept
// failures with capped exponential backoff.
package listener

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	connlimit "github.com/hashicorp/go-connlimit"

	"mercator-hq/switchyard/pkg/pipeline"
)

const (
	// DefaultBacklog is the accept queue depth used when Options.Backlog is 0.
	DefaultBacklog = 256

	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Options configures Listen.
type Options struct {
	Address             string
	Backlog             int
	ReuseAddr           bool
	NoDelay             bool
	KeepAlive           time.Duration
	MaxConnsPerClientIP int
}

// Observer is notified of admission decisions. All methods may be called
// concurrently.
type Observer interface {
	ConnectionAccepted()
	ConnectionRejected(reason string)
}

// Listener is a bound TCP listener.
type Listener struct {
	ln       net.Listener
	opts     Options
	limiter  *connlimit.Limiter
	observer Observer
	logger   *slog.Logger
	closed   atomic.Bool
	once     sync.Once
	closeErr error
}

// Option configures a Listener.
type Option func(*Listener)

// WithLogger sets the listener logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Listener) { l.logger = logger }
}

// WithObserver sets the admission observer.
func WithObserver(o Observer) Option {
	return func(l *Listener) { l.observer = o }
}

// Listen binds opts.Address. A failure is returned as *pipeline.BindError.
func Listen(opts Options, options ...Option) (*Listener, error) {
	if opts.Backlog <= 0 {
		opts.Backlog = DefaultBacklog
	}

	ln, err := listenTCP(opts)
	if err != nil {
		return nil, &pipeline.BindError{Address: opts.Address, Cause: err}
	}

	l := &Listener{
		ln:      ln,
		opts:    opts,
		limiter: connlimit.NewLimiter(connlimit.Config{MaxConnsPerClientIP: opts.MaxConnsPerClientIP}),
		logger:  slog.Default(),
	}
	for _, o := range options {
		o(l)
	}
	l.logger = l.logger.With("component", "listener", "address", ln.Addr().String())
	return l, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// SetMaxConnsPerClientIP changes the per-IP admission limit of a running
// listener. 0 disables the limit.
func (l *Listener) SetMaxConnsPerClientIP(n int) {
	l.limiter.SetConfig(connlimit.Config{MaxConnsPerClientIP: n})
	l.logger.Info("updated per-client connection limit", "max_conns_per_client_ip", n)
}

// Close stops accepting. Connections already handed to Serve's callback are
// not affected.
func (l *Listener) Close() error {
	l.once.Do(func() {
		l.closed.Store(true)
		l.closeErr = l.ln.Close()
	})
	return l.closeErr
}

// Serve accepts connections until Close is called or ctx is done and passes
// each one to handle. handle must not block for long; it is called on the
// accept goroutine. Serve returns nil on orderly stop.
func (l *Listener) Serve(ctx context.Context, handle func(net.Conn)) error {
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()

	var delay time.Duration
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}

			if delay == 0 {
				delay = minAcceptDelay
			} else {
				delay = min(2*delay, maxAcceptDelay)
			}
			l.logger.Warn("accept failed, retrying", "error", err, "retry_in", delay)

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil
			}
			continue
		}
		delay = 0

		l.configure(conn)

		free, err := l.limiter.Accept(conn)
		if err != nil {
			l.reject(conn, err)
			continue
		}
		if free == nil {
			free = func() {}
		}
		if l.observer != nil {
			l.observer.ConnectionAccepted()
		}
		handle(&admittedConn{Conn: conn, free: free})
	}
}

func (l *Listener) configure(conn net.Conn) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tcp.SetNoDelay(l.opts.NoDelay); err != nil {
		l.logger.Debug("failed to set TCP_NODELAY", "error", err)
	}
	if l.opts.KeepAlive > 0 {
		if err := tcp.SetKeepAliveConfig(net.KeepAliveConfig{Enable: true, Idle: l.opts.KeepAlive}); err != nil {
			l.logger.Debug("failed to enable keep-alive", "error", err)
		}
	}
}

func (l *Listener) reject(conn net.Conn, err error) {
	reason := "error"
	if errors.Is(err, connlimit.ErrPerClientIPLimitReached) {
		reason = "per_client_ip_limit"
	}
	l.logger.Warn("rejected connection",
		"remote_addr", conn.RemoteAddr().String(),
		"reason", reason,
	)
	if l.observer != nil {
		l.observer.ConnectionRejected(reason)
	}
	_ = conn.Close()
}

// admittedConn releases its limiter slot when closed.
type admittedConn struct {
	net.Conn
	free func()
	once sync.Once
}

func (c *admittedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.free)
	return err
}
