package pipeline

import (
	"context"
	"log/slog"
)

// State is the lifecycle state of a stream.
type State uint8

const (
	// StateOpen accepts messages in both directions.
	StateOpen State = iota
	// StateHalfClosedLocal has emitted its end marker.
	StateHalfClosedLocal
	// StateHalfClosedRemote has received the peer's end marker.
	StateHalfClosedRemote
	// StateClosed is terminal.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfClosedLocal:
		return "half_closed_local"
	case StateHalfClosedRemote:
		return "half_closed_remote"
	default:
		return "closed"
	}
}

// Outbound is the transport side of a stream, implemented by each
// demultiplexer strategy. All methods are called on the owning loop.
type Outbound interface {
	// Write encodes msg for the wire. KindEnd finishes the local direction.
	Write(msg Message) error
	// Reset aborts the stream towards the peer. A nil err is a clean reset
	// after a complete response.
	Reset(err error)
	// CloseConn closes the connection carrying the stream.
	CloseConn(err error)
}

// Executor queues a task on the loop that owns a stream.
type Executor interface {
	Execute(task func())
}

// StreamConfig configures NewStream.
type StreamConfig struct {
	ID        uint32
	Stages    []Stage
	Outbound  Outbound
	Executor  Executor
	Sentinel  *Sentinel
	Context   context.Context
	Logger    *slog.Logger
	OnRelease func(s *Stream, reason error)
}

// Stream is one logical, ordered, bidirectional flow within a connection. It
// is confined to its connection's event loop.
type Stream struct {
	id        uint32
	state     State
	chain     *Chain
	out       Outbound
	exec      Executor
	ctx       context.Context
	cancel    context.CancelCauseFunc
	logger    *slog.Logger
	onRelease func(*Stream, error)
	released  bool
}

// NewStream builds a stream and its chain. Call Open before delivering
// messages.
func NewStream(cfg StreamConfig) *Stream {
	parent := cfg.Context
	if parent == nil {
		parent = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sentinel := cfg.Sentinel
	if sentinel == nil {
		sentinel = NewSentinel(logger, nil)
	}

	s := &Stream{
		id:        cfg.ID,
		out:       cfg.Outbound,
		exec:      cfg.Executor,
		logger:    logger.With("stream_id", cfg.ID),
		onRelease: cfg.OnRelease,
	}
	s.ctx, s.cancel = context.WithCancelCause(parent)
	s.chain = newChain(s, cfg.Stages, sentinel)
	return s
}

// ID returns the stream id.
func (s *Stream) ID() uint32 { return s.id }

// State returns the current state.
func (s *Stream) State() State { return s.state }

// Chain returns the stream's handler chain.
func (s *Stream) Chain() *Chain { return s.chain }

// Context returns the stream context.
func (s *Stream) Context() context.Context { return s.ctx }

// Released reports whether the stream reached Closed and was torn down.
func (s *Stream) Released() bool { return s.released }

// RemoteClosed reports whether the peer has finished sending.
func (s *Stream) RemoteClosed() bool {
	return s.state == StateHalfClosedRemote || s.state == StateClosed
}

// LocalClosed reports whether the local side has finished sending.
func (s *Stream) LocalClosed() bool {
	return s.state == StateHalfClosedLocal || s.state == StateClosed
}

// Open runs OnOpen on every stage in order.
func (s *Stream) Open() {
	s.chain.open()
}

// Deliver hands an inbound message to the first stage. It reports false when
// the message was dropped because the remote direction is already finished.
// A repeated end-of-stream marker is therefore a no-op.
func (s *Stream) Deliver(msg Message) bool {
	if s.released || s.RemoteClosed() {
		return false
	}
	s.chain.invoke(0, msg)
	if msg.Kind == KindEnd {
		s.endRemote()
	}
	return true
}

// Reset aborts the stream locally: the peer is told through the outbound side
// and the stream is released.
func (s *Stream) Reset(err error) {
	if s.released {
		return
	}
	if s.out != nil {
		s.out.Reset(err)
	}
	s.finish(err)
}

// Abort releases the stream without signalling the peer, for resets received
// from the peer and connection teardown.
func (s *Stream) Abort(err error) {
	s.finish(err)
}

func (s *Stream) emit(msg Message) error {
	if s.released || s.LocalClosed() {
		return ErrStreamClosed
	}
	if err := s.out.Write(msg); err != nil {
		return err
	}
	if msg.Kind == KindEnd {
		s.endLocal()
	}
	return nil
}

func (s *Stream) endLocal() {
	switch s.state {
	case StateOpen:
		s.state = StateHalfClosedLocal
	case StateHalfClosedRemote:
		s.finish(nil)
	}
}

func (s *Stream) endRemote() {
	if s.released {
		return
	}
	switch s.state {
	case StateOpen:
		s.state = StateHalfClosedRemote
	case StateHalfClosedLocal:
		s.finish(nil)
	}
}

func (s *Stream) closeGracefully() {
	if s.released {
		return
	}
	if !s.LocalClosed() {
		if err := s.emit(End(nil)); err != nil {
			s.Reset(err)
			return
		}
	}
	if !s.released {
		s.Reset(nil)
	}
}

func (s *Stream) finish(reason error) {
	if s.released {
		return
	}
	s.state = StateClosed
	s.released = true
	s.cancel(reason)
	s.chain.close()
	if s.onRelease != nil {
		s.onRelease(s, reason)
	}
}
