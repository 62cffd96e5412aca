package eventloop

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
)

// ErrStopped is returned by Group.Shutdown when the group was already stopped.
var ErrStopped = errors.New("event loop group stopped")

// Loop is a single goroutine that runs submitted tasks one at a time in
// submission order. State confined to a loop needs no locking.
type Loop struct {
	id     int
	logger *slog.Logger

	mu      sync.Mutex
	tasks   []func()
	stopped bool
	wake    chan struct{}
	done    chan struct{}

	executed atomic.Uint64
}

func newLoop(id int, logger *slog.Logger) *Loop {
	return &Loop{
		id:     id,
		logger: logger.With("loop", id),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// ID returns the loop index within its group.
func (l *Loop) ID() int { return l.id }

// Execute queues task. It reports false when the loop has stopped and the task
// will never run.
func (l *Loop) Execute(task func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.tasks = append(l.tasks, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Pending returns the number of queued tasks.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}

// Executed returns the number of tasks run so far.
func (l *Loop) Executed() uint64 { return l.executed.Load() }

func (l *Loop) run() {
	defer close(l.done)

	var batch []func()
	for {
		l.mu.Lock()
		batch, l.tasks = l.tasks, batch[:0]
		stopped := l.stopped
		l.mu.Unlock()

		for i, task := range batch {
			l.runTask(task)
			batch[i] = nil
		}

		if len(batch) > 0 {
			continue
		}
		if stopped {
			return
		}
		<-l.wake
	}
}

func (l *Loop) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("task panicked", "panic", r)
		}
	}()
	task()
	l.executed.Add(1)
}

// stop refuses new tasks; queued tasks still run.
func (l *Loop) stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Group is a fixed set of loops. Connections are pinned to loops round-robin.
type Group struct {
	loops   []*Loop
	next    atomic.Uint64
	stopped atomic.Bool
}

// NewGroup starts n loops. n <= 0 selects runtime.GOMAXPROCS(0).
func NewGroup(n int, logger *slog.Logger) *Group {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = slog.Default()
	}

	g := &Group{loops: make([]*Loop, n)}
	for i := range g.loops {
		g.loops[i] = newLoop(i, logger)
		go g.loops[i].run()
	}
	return g
}

// Len returns the number of loops.
func (g *Group) Len() int { return len(g.loops) }

// Next returns the loop the next connection should be pinned to.
func (g *Group) Next() *Loop {
	n := g.next.Add(1) - 1
	return g.loops[n%uint64(len(g.loops))]
}

// Loops returns the loops of the group.
func (g *Group) Loops() []*Loop {
	return append([]*Loop(nil), g.loops...)
}

// Shutdown stops accepting tasks and waits until every queued task has run or
// ctx is done.
func (g *Group) Shutdown(ctx context.Context) error {
	if !g.stopped.CompareAndSwap(false, true) {
		return ErrStopped
	}
	for _, l := range g.loops {
		l.stop()
	}
	for _, l := range g.loops {
		select {
		case <-l.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
