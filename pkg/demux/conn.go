package demux

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"mercator-hq/switchyard/pkg/eventloop"
	"mercator-hq/switchyard/pkg/pipeline"
	"mercator-hq/switchyard/pkg/telemetry/logging"
	"mercator-hq/switchyard/pkg/transport/gate"
	"mercator-hq/switchyard/pkg/transport/recvbuf"
)

// errLoopStopped is returned to a reader whose loop no longer accepts tasks.
var errLoopStopped = errors.New("event loop stopped")

// ConnOptions configures NewConn.
type ConnOptions struct {
	// ID identifies the connection in logs and the journal. Empty generates
	// a UUID.
	ID       string
	Protocol string
	Strategy Strategy
	Stages   pipeline.Factory
	Config   Config
	Observer Observer
	Sentinel *pipeline.Sentinel
	Logger   *slog.Logger
	Context  context.Context

	// OnClose runs once after the connection and its goroutines are gone. It
	// is called off the event loop.
	OnClose func(Summary)
}

// Summary describes a finished connection.
type Summary struct {
	ID       string
	Protocol string
	Remote   string
	Local    string
	Opened   time.Time
	Closed   time.Time
	Streams  uint64
	BytesIn  uint64
	BytesOut uint64
	Err      error
}

// Conn is one secured connection served by a Strategy. Its state, the state
// of its session and of every stream on it belong to one event loop.
type Conn struct {
	id       string
	protocol string
	nc       net.Conn
	loop     *eventloop.Loop
	cfg      Config
	observer Observer
	sentinel *pipeline.Sentinel
	stages   pipeline.Factory
	logger   *slog.Logger
	onClose  func(Summary)

	ctx    context.Context
	cancel context.CancelFunc
	gate   *gate.Gate
	out    *outbound
	in     *recvbuf.Reader
	sock   *socketReader

	session Session

	// loop-confined
	pending  []byte
	closed   bool // no further output accepted
	closing  bool // graceful shutdown requested
	ending   bool // close in progress
	err      error
	streams  uint64
	active   int
	opened   time.Time
	closedAt time.Time

	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64

	wg   sync.WaitGroup
	done chan struct{}
}

// NewConn wraps nc, which must have completed its TLS handshake. Call Start to
// begin serving.
func NewConn(loop *eventloop.Loop, nc net.Conn, opts ConnOptions) *Conn {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	parent := opts.Context
	if parent == nil {
		parent = context.Background()
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(
		"conn_id", id,
		"protocol", opts.Protocol,
		"remote_addr", nc.RemoteAddr().String(),
	)
	sentinel := opts.Sentinel
	if sentinel == nil {
		sentinel = pipeline.NewSentinel(logger, observer)
	}
	stages := opts.Stages
	if stages == nil {
		stages = func() []pipeline.Stage { return nil }
	}

	c := &Conn{
		id:       id,
		protocol: opts.Protocol,
		nc:       nc,
		loop:     loop,
		cfg:      opts.Config.withDefaults(),
		observer: observer,
		sentinel: sentinel,
		stages:   stages,
		logger:   logger,
		onClose:  opts.OnClose,
		opened:   time.Now(),
		done:     make(chan struct{}),
	}

	ctx := logging.WithConnID(parent, id)
	ctx = logging.WithProtocol(ctx, opts.Protocol)
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.gate = gate.New(gate.Options{
		OnSuspend: observer.GateSuspended,
		OnResume:  observer.GateResumed,
	})
	c.out = newOutbound(outboundConfig{
		w:          nc,
		deadline:   nc.SetWriteDeadline,
		timeout:    c.cfg.WriteTimeout,
		high:       c.cfg.WriteHighWatermark,
		low:        c.cfg.WriteLowWatermark,
		onWritable: c.gate.SetWritable,
		onWritten:  c.wrote,
		onError: func(err error) {
			c.Execute(func() { c.CloseWithError(err) })
		},
		onExit: func() { _ = nc.Close() },
	})
	c.sock = &socketReader{c: c}
	c.in = recvbuf.NewReader(c.sock, recvbuf.NewAllocator(c.cfg.Recv))
	c.session = opts.Strategy.NewSession(c)
	return c
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// Protocol returns the negotiated protocol.
func (c *Conn) Protocol() string { return c.protocol }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Context is cancelled when the connection closes.
func (c *Conn) Context() context.Context { return c.ctx }

// Gate returns the connection's backpressure gate.
func (c *Conn) Gate() *gate.Gate { return c.gate }

// Done is closed after the connection and all its goroutines finished.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Start begins serving: the session is started on the loop, then the writer
// and reader goroutines are launched.
func (c *Conn) Start() {
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.out.run()
	}()

	if !c.post(c.session.Start) {
		c.wg.Done()
		c.out.abort()
		c.finish(Summary{ID: c.id, Protocol: c.protocol, Err: errLoopStopped})
		return
	}

	go func() {
		defer c.wg.Done()
		err := c.session.Run()
		c.post(func() { c.readStopped(err) })
	}()
}

// Shutdown asks the connection to close gracefully. It is safe to call from
// any goroutine.
func (c *Conn) Shutdown() {
	c.post(func() {
		if c.closed || c.closing {
			return
		}
		c.closing = true
		c.logger.Debug("graceful shutdown requested")
		c.session.Shutdown()
	})
}

// Close closes the connection immediately. It is safe to call from any
// goroutine.
func (c *Conn) Close() {
	if !c.post(func() { c.close(pipeline.ErrConnectionClosed, true) }) {
		_ = c.nc.Close()
	}
}

// Execute runs task on the connection's loop. Output written by the task is
// flushed when it returns; a panic closes the connection. It implements
// pipeline.Executor.
func (c *Conn) Execute(task func()) {
	c.post(task)
}

func (c *Conn) post(task func()) bool {
	return c.loop.Execute(func() {
		defer c.flush()
		defer func() {
			if r := recover(); r != nil {
				c.sentinel.ConnectionFault(c, &pipeline.PanicError{Value: r})
			}
		}()
		task()
	})
}

// CloseWithError closes the connection after flushing pending output. Loop
// only. It implements pipeline.ConnCloser.
func (c *Conn) CloseWithError(err error) {
	c.close(err, false)
}

// Write buffers p for the writer goroutine. Loop only; the buffer is flushed
// at the end of the current task.
func (c *Conn) Write(p []byte) (int, error) {
	if c.closed {
		return 0, net.ErrClosed
	}
	c.pending = append(c.pending, p...)
	return len(p), nil
}

func (c *Conn) flush() {
	if len(c.pending) == 0 {
		return
	}
	buf := c.pending
	c.pending = nil
	c.out.enqueue(buf)
}

// hold accounts for output parked by the session.
func (c *Conn) hold(n int) {
	c.out.hold(n)
}

func (c *Conn) wrote(n int) {
	c.bytesOut.Add(uint64(n))
	c.observer.BytesWritten(n)
}

// newStream creates a stream wired to this connection. release runs after the
// stream is released.
func (c *Conn) newStream(id uint32, out pipeline.Outbound, release func(*pipeline.Stream, error)) *pipeline.Stream {
	c.streams++
	c.active++
	c.observer.StreamOpened(c.protocol)

	return pipeline.NewStream(pipeline.StreamConfig{
		ID:       id,
		Stages:   c.stages(),
		Outbound: out,
		Executor: c,
		Sentinel: c.sentinel,
		Context:  logging.WithStreamID(c.ctx, id),
		Logger:   c.logger,
		OnRelease: func(s *pipeline.Stream, reason error) {
			c.active--
			c.observer.StreamClosed(c.protocol)
			if reason != nil && !pipeline.IsBenign(reason) {
				c.logger.Debug("stream released", "stream_id", s.ID(), "reason", reason)
			}
			if release != nil {
				release(s, reason)
			}
		},
	})
}

// readBatches runs on the reader goroutine. It reads events with next and
// hands them to handle on the loop, at most MaxMessagesPerRead per task.
// Demand is withdrawn while a batch is in flight, so at most one batch is
// ever queued.
func (c *Conn) readBatches(next func() (any, error), handle func(any)) error {
	for {
		batch := make([]any, 0, c.cfg.MaxMessagesPerRead)
		var err error
		for len(batch) < c.cfg.MaxMessagesPerRead {
			var ev any
			ev, err = next()
			if err != nil {
				break
			}
			if ev != nil {
				batch = append(batch, ev)
			}
			if c.in.Buffered() == 0 {
				break
			}
		}

		if len(batch) > 0 {
			c.gate.Consume()
			ok := c.post(func() {
				for _, ev := range batch {
					if c.closed {
						return
					}
					handle(ev)
				}
				c.gate.Demand()
			})
			if !ok {
				return errLoopStopped
			}
		}
		if err != nil {
			return err
		}
	}
}

func (c *Conn) readStopped(err error) {
	if c.closed {
		return
	}
	if errors.Is(err, io.EOF) || errors.Is(err, gate.ErrClosed) {
		err = nil
	}
	c.CloseWithError(err)
}

func (c *Conn) close(err error, force bool) {
	if c.ending {
		return
	}
	c.ending = true
	c.err = err
	c.closedAt = time.Now()

	// The session may still write a GOAWAY or trailing stream output.
	c.session.Close(err)
	c.closed = true
	c.flush()
	c.gate.Close()
	c.cancel()
	if force {
		c.out.abort()
		_ = c.nc.Close()
	} else {
		c.out.closeWhenDrained()
	}

	switch {
	case pipeline.IsBenign(err):
		c.logger.Debug("connection closed", "streams", c.streams)
	default:
		c.logger.Warn("connection closed with error",
			"error", err,
			"kind", pipeline.Classify(err),
			"streams", c.streams,
		)
	}

	summary := Summary{
		ID:       c.id,
		Protocol: c.protocol,
		Remote:   c.nc.RemoteAddr().String(),
		Local:    c.nc.LocalAddr().String(),
		Opened:   c.opened,
		Closed:   c.closedAt,
		Streams:  c.streams,
		Err:      err,
	}
	go c.finish(summary)
}

func (c *Conn) finish(summary Summary) {
	c.wg.Wait()
	summary.BytesIn = c.bytesIn.Load()
	summary.BytesOut = c.bytesOut.Load()
	if c.onClose != nil {
		c.onClose(summary)
	}
	close(c.done)
}

// goTracked runs fn on a goroutine the connection waits for before Done.
func (c *Conn) goTracked(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// socketReader is the only path from the socket into the process. Every read
// passes the gate first.
type socketReader struct {
	c *Conn
}

func (r *socketReader) Read(p []byte) (int, error) {
	c := r.c
	if err := c.gate.Acquire(c.ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return 0, gate.ErrClosed
		}
		return 0, err
	}
	if c.cfg.IdleTimeout > 0 {
		_ = c.nc.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
	}
	n, err := c.nc.Read(p)
	if n > 0 {
		c.bytesIn.Add(uint64(n))
		c.observer.BytesRead(n)
	}
	return n, err
}
