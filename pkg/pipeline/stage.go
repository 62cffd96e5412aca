package pipeline

import (
	"context"
	"errors"
	"log/slog"
)

// Stage is one element of a stream's handler chain. All callbacks run on the
// event loop that owns the stream, so a stage never needs its own locking.
//
// OnMessage returning an error raises a fault at that stage; OnFault is then
// invoked on the same stage and, unless the stage handles it, the fault
// travels towards the Sentinel, which resets the stream.
type Stage interface {
	OnOpen(ctx *Context) error
	OnMessage(ctx *Context, msg Message) error
	OnFault(ctx *Context, err error)
	OnClose(ctx *Context)
}

// BaseStage implements Stage by forwarding everything to the next stage.
// Embed it and override only the callbacks a stage cares about.
type BaseStage struct{}

// OnOpen does nothing.
func (BaseStage) OnOpen(*Context) error { return nil }

// OnMessage forwards msg to the next stage.
func (BaseStage) OnMessage(ctx *Context, msg Message) error {
	ctx.Forward(msg)
	return nil
}

// OnFault forwards err to the next stage.
func (BaseStage) OnFault(ctx *Context, err error) { ctx.Fault(err) }

// OnClose does nothing.
func (BaseStage) OnClose(*Context) {}

// Factory builds the stages of a new stream's chain. It is called once per
// stream, so stages may keep per-stream state.
type Factory func() []Stage

// Context is the handle through which a stage talks to its chain. Each stage
// owns one Context per stream.
type Context struct {
	chain *Chain
	index int
}

// StreamID returns the id of the stream the chain serves.
func (c *Context) StreamID() uint32 { return c.chain.stream.id }

// State returns the current stream state.
func (c *Context) State() State { return c.chain.stream.state }

// Context returns the stream's context. It is cancelled when the stream is
// released or its connection closes.
func (c *Context) Context() context.Context { return c.chain.stream.ctx }

// Cause returns the error that released the stream. It is nil while the
// stream is open and after a clean close.
func (c *Context) Cause() error {
	err := context.Cause(c.chain.stream.ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Logger returns a logger annotated with the stream id.
func (c *Context) Logger() *slog.Logger { return c.chain.stream.logger }

// Forward passes msg to the next stage. Messages forwarded after the stream
// has been released are dropped.
func (c *Context) Forward(msg Message) {
	c.chain.invoke(c.index+1, msg)
}

// Emit writes an outbound message for the stream. Emitting KindEnd finishes the
// local direction.
func (c *Context) Emit(msg Message) error {
	return c.chain.stream.emit(msg)
}

// CloseStream finishes the stream after a complete response: it ends the local
// direction if still open and releases the stream.
func (c *Context) CloseStream() {
	c.chain.stream.closeGracefully()
}

// Fault passes err to the next stage's OnFault.
func (c *Context) Fault(err error) {
	c.chain.raise(c.index+1, c.chain.wrap(c.index, err))
}

// Schedule runs fn on the owning loop after the current task. fn is skipped if
// the stream has been released by then. A panic in fn is a fault of this
// stage.
func (c *Context) Schedule(fn func()) {
	s := c.chain.stream
	s.exec.Execute(func() {
		if s.released {
			return
		}
		c.chain.guard(c.index, fn)
	})
}
