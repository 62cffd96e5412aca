package demux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/yamux"

	"mercator-hq/switchyard/pkg/pipeline"
	"mercator-hq/switchyard/pkg/transport/gate"
	"mercator-hq/switchyard/pkg/transport/recvbuf"
)

// Yamux serves hashicorp/yamux sessions. Every yamux stream becomes a
// pipeline stream carrying Bytes messages.
type Yamux struct {
	// AcceptBacklog bounds streams opened by the peer but not yet accepted.
	AcceptBacklog int
}

// NewYamux returns the yamux strategy.
func NewYamux() *Yamux { return &Yamux{} }

// Protocol implements Strategy.
func (*Yamux) Protocol() string { return ProtocolYamux }

// NewSession implements Strategy.
func (y *Yamux) NewSession(c *Conn) Session {
	return &yamuxSession{
		c:       c,
		backlog: y.AcceptBacklog,
		streams: make(map[uint32]*yamuxStream),
	}
}

type yamuxSession struct {
	c       *Conn
	backlog int

	mu     sync.Mutex
	sess   *yamux.Session
	closed bool

	// loop only
	streams   map[uint32]*yamuxStream
	goingAway bool
}

func (s *yamuxSession) config() *yamux.Config {
	cfg := yamux.DefaultConfig()
	if s.backlog > 0 {
		cfg.AcceptBacklog = s.backlog
	}
	cfg.ConnectionWriteTimeout = s.c.cfg.WriteTimeout
	cfg.LogOutput = nil
	cfg.Logger = slog.NewLogLogger(s.c.logger.Handler(), slog.LevelWarn)
	return cfg
}

func (s *yamuxSession) Start() {}

func (s *yamuxSession) Run() error {
	sess, err := yamux.Server(&yamuxTransport{c: s.c}, s.config())
	if err != nil {
		return fmt.Errorf("failed to start yamux session: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = sess.Close()
		return nil
	}
	s.sess = sess
	s.mu.Unlock()

	for {
		ys, err := sess.AcceptStream()
		if err != nil {
			if errors.Is(err, yamux.ErrSessionShutdown) {
				return io.EOF
			}
			return err
		}
		if !s.c.post(func() { s.open(ys) }) {
			_ = ys.Close()
			return errLoopStopped
		}
	}
}

func (s *yamuxSession) open(ys *yamux.Stream) {
	if s.c.closed || s.goingAway {
		_ = ys.Close()
		return
	}

	st := &yamuxStream{s: s, ys: ys}
	st.gate = gate.New(gate.Options{})
	st.out = newOutbound(outboundConfig{
		w:          ys,
		deadline:   ys.SetWriteDeadline,
		timeout:    s.c.cfg.WriteTimeout,
		high:       s.c.cfg.WriteHighWatermark,
		low:        s.c.cfg.WriteLowWatermark,
		onWritable: st.gate.SetWritable,
		onError: func(err error) {
			s.c.Execute(func() {
				if st.stream != nil {
					st.stream.Reset(err)
				}
			})
		},
		onExit: func() { _ = ys.Close() },
	})
	s.streams[ys.StreamID()] = st
	st.stream = s.c.newStream(ys.StreamID(), st, st.release)

	s.c.goTracked(st.out.run)
	st.stream.Open()
	if !st.stream.Released() {
		ctx := st.stream.Context()
		s.c.goTracked(func() { st.read(ctx) })
	}
}

func (s *yamuxSession) Shutdown() {
	s.goingAway = true
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()
	if sess != nil {
		_ = sess.GoAway()
	}
	s.maybeFinish()
}

func (s *yamuxSession) maybeFinish() {
	if s.goingAway && len(s.streams) == 0 {
		s.c.CloseWithError(nil)
	}
}

func (s *yamuxSession) Close(err error) {
	s.goingAway = true
	reason := err
	if reason == nil {
		reason = pipeline.ErrConnectionClosed
	}
	streams := make([]*yamuxStream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	for _, st := range streams {
		st.stream.Abort(reason)
	}

	s.mu.Lock()
	s.closed = true
	sess := s.sess
	s.mu.Unlock()
	if sess != nil {
		_ = sess.Close()
	}
}

func (s *yamuxSession) Active() int { return len(s.streams) }

// yamuxStream binds one yamux stream to a pipeline stream. It has its own
// gate and write queue so a slow stream does not stall its siblings.
type yamuxStream struct {
	s      *yamuxSession
	ys     *yamux.Stream
	stream *pipeline.Stream
	gate   *gate.Gate
	out    *outbound
}

// read runs on its own goroutine and delivers one Bytes message per socket
// read. The next read waits until the loop has processed the previous one.
func (st *yamuxStream) read(ctx context.Context) {
	c := st.s.c
	r := recvbuf.NewReader(st.gate.Reader(ctx, st.ys), recvbuf.NewAllocator(c.cfg.Recv))
	for {
		b, err := r.Next()
		if len(b) > 0 {
			st.gate.Consume()
			ok := c.post(func() {
				st.stream.Deliver(pipeline.Bytes(b))
				st.gate.Demand()
			})
			if !ok {
				return
			}
		}
		if err == nil {
			continue
		}
		switch {
		case errors.Is(err, io.EOF):
			c.post(func() { st.stream.Deliver(pipeline.End(nil)) })
		case errors.Is(err, gate.ErrClosed), errors.Is(err, yamux.ErrTimeout), ctx.Err() != nil:
		default:
			if errors.Is(err, yamux.ErrConnectionReset) {
				err = &pipeline.StreamResetError{StreamID: st.ys.StreamID()}
			}
			c.post(func() { st.stream.Abort(err) })
		}
		return
	}
}

// Write implements pipeline.Outbound.
func (st *yamuxStream) Write(msg pipeline.Message) error {
	switch msg.Kind {
	case pipeline.KindBytes, pipeline.KindBody:
		if len(msg.Data) == 0 {
			return nil
		}
		if !st.out.enqueue(append([]byte(nil), msg.Data...)) {
			return pipeline.ErrStreamClosed
		}
		return nil
	case pipeline.KindEnd:
		st.out.closeWhenDrained()
		return nil
	default:
		return fmt.Errorf("%s stream cannot carry %s messages", ProtocolYamux, msg.Kind)
	}
}

// Reset implements pipeline.Outbound. yamux has no stream reset, so pending
// output is dropped and the stream is closed.
func (st *yamuxStream) Reset(err error) {
	if err == nil {
		st.out.closeWhenDrained()
		return
	}
	st.out.abort()
}

// CloseConn implements pipeline.Outbound.
func (st *yamuxStream) CloseConn(err error) {
	st.s.c.CloseWithError(err)
}

func (st *yamuxStream) release(_ *pipeline.Stream, reason error) {
	s := st.s
	delete(s.streams, st.ys.StreamID())
	st.gate.Close()
	_ = st.ys.SetReadDeadline(time.Now())
	if reason != nil {
		st.out.abort()
	} else {
		st.out.closeWhenDrained()
	}
	s.maybeFinish()
}

// yamuxTransport is the connection as seen by the yamux session. Reads pass
// the connection gate; writes go through the connection's write queue.
type yamuxTransport struct {
	c *Conn
}

func (t *yamuxTransport) Read(p []byte) (int, error) {
	return t.c.in.Read(p)
}

func (t *yamuxTransport) Write(p []byte) (int, error) {
	if !t.c.out.enqueue(append([]byte(nil), p...)) {
		return 0, net.ErrClosed
	}
	return len(p), nil
}

func (t *yamuxTransport) Close() error {
	t.c.Execute(func() { t.c.CloseWithError(nil) })
	return nil
}
