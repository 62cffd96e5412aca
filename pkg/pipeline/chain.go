package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// Chain is the ordered, immutable list of stages serving one stream. The
// Sentinel is always the last stage.
type Chain struct {
	stream *Stream
	stages []Stage
	ctxs   []*Context
}

func newChain(s *Stream, stages []Stage, sentinel *Sentinel) *Chain {
	all := make([]Stage, 0, len(stages)+1)
	for _, st := range stages {
		if st != nil {
			all = append(all, st)
		}
	}
	all = append(all, sentinel)

	c := &Chain{stream: s, stages: all, ctxs: make([]*Context, len(all))}
	for i := range all {
		c.ctxs[i] = &Context{chain: c, index: i}
	}
	return c
}

// Len returns the number of stages including the Sentinel.
func (c *Chain) Len() int { return len(c.stages) }

// Names returns the stage type names in order.
func (c *Chain) Names() []string {
	names := make([]string, len(c.stages))
	for i := range c.stages {
		names[i] = c.name(i)
	}
	return names
}

func (c *Chain) name(i int) string {
	name := fmt.Sprintf("%T", c.stages[i])
	return strings.TrimPrefix(name, "*")
}

func (c *Chain) open() {
	for i, st := range c.stages {
		if c.stream.released {
			return
		}
		ctx := c.ctxs[i]
		c.guard(i, func() {
			if err := st.OnOpen(ctx); err != nil {
				c.raise(i, c.wrap(i, err))
			}
		})
	}
}

func (c *Chain) invoke(i int, msg Message) {
	if i >= len(c.stages) || c.stream.released {
		return
	}
	c.guard(i, func() {
		if err := c.stages[i].OnMessage(c.ctxs[i], msg); err != nil {
			c.raise(i, c.wrap(i, err))
		}
	})
}

// guard runs fn and turns a panic into a fault of stage i.
func (c *Chain) guard(i int, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.raise(i, c.wrap(i, &PanicError{Value: r}))
		}
	}()
	fn()
}

func (c *Chain) wrap(i int, err error) error {
	var fault *HandlerFault
	if errors.As(err, &fault) {
		return err
	}
	return &HandlerFault{
		StreamID: c.stream.id,
		Stage:    c.name(i),
		Scope:    ScopeStream,
		Cause:    err,
	}
}

// raise delivers err to OnFault of stage i. A stage that panics while handling
// a fault hands it straight to the Sentinel.
func (c *Chain) raise(i int, err error) {
	if c.stream.released {
		return
	}
	last := len(c.stages) - 1
	if i > last {
		i = last
	}
	defer func() {
		if r := recover(); r != nil {
			if i == last {
				c.stream.Reset(err)
				return
			}
			c.raise(last, err)
		}
	}()
	c.stages[i].OnFault(c.ctxs[i], err)
}

func (c *Chain) close() {
	for i, st := range c.stages {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.stream.logger.Error("stage panicked on close",
						"stage", c.name(i),
						"panic", r,
					)
				}
			}()
			st.OnClose(c.ctxs[i])
		}()
	}
}
