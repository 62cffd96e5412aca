package pipeline

import (
	"errors"
	"log/slog"
)

// FaultObserver is notified of every fault the Sentinel contains.
type FaultObserver interface {
	Fault(scope Scope, err error)
}

// ConnCloser is the connection handle the Sentinel closes on connection-scoped
// faults.
type ConnCloser interface {
	CloseWithError(err error)
}

// Sentinel terminates every chain. It swallows messages no stage claimed and
// is the only stage that closes a stream purely because of an error.
type Sentinel struct {
	logger   *slog.Logger
	observer FaultObserver
}

// NewSentinel creates a Sentinel. observer may be nil.
func NewSentinel(logger *slog.Logger, observer FaultObserver) *Sentinel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sentinel{logger: logger, observer: observer}
}

// OnOpen implements Stage.
func (s *Sentinel) OnOpen(*Context) error { return nil }

// OnMessage drops msg.
func (s *Sentinel) OnMessage(ctx *Context, msg Message) error {
	ctx.Logger().Debug("dropping unclaimed message", "message", msg.String())
	return nil
}

// OnFault logs err and resets the stream.
func (s *Sentinel) OnFault(ctx *Context, err error) {
	ctx.Logger().Warn("stream fault, resetting stream",
		"error", err,
		"kind", Classify(err),
	)
	if s.observer != nil {
		s.observer.Fault(ScopeStream, err)
	}
	ctx.chain.stream.Reset(err)
}

// OnClose implements Stage.
func (s *Sentinel) OnClose(*Context) {}

// ConnectionFault contains a fault raised outside any stream by closing the
// connection.
func (s *Sentinel) ConnectionFault(conn ConnCloser, err error) {
	var fault *HandlerFault
	if !errors.As(err, &fault) {
		err = &HandlerFault{Scope: ScopeConnection, Cause: err}
	}
	s.logger.Error("connection fault, closing connection", "error", err)
	if s.observer != nil {
		s.observer.Fault(ScopeConnection, err)
	}
	conn.CloseWithError(err)
}
