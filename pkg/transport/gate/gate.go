// Package gate implements per-connection read backpressure.
//
// A Gate sits in front of every socket read. Reads are allowed only while the
// downstream has signalled demand and the outbound queue is writable; while
// either condition is false the reader goroutine parks in Acquire and the
// kernel receive buffer fills, which in turn throttles the peer through TCP
// flow control.
package gate

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("gate closed")

// Options configures a Gate.
type Options struct {
	// OnSuspend is called when a reader parks. It runs under the gate lock and
	// must not call back into the gate.
	OnSuspend func()
	// OnResume is called once per suspended-to-open transition that wakes a
	// parked reader. Same restrictions as OnSuspend.
	OnResume func()
}

// Stats is a snapshot of gate counters.
type Stats struct {
	Reads       uint64
	Suspensions uint64
	Resumptions uint64
	Demand      bool
	Writable    bool
	Closed      bool
}

// Gate controls when the connection's reader may touch the socket. Demand and
// Consume are driven by the event loop, SetWritable by the outbound writer and
// Acquire by the reader goroutine.
type Gate struct {
	mu       sync.Mutex
	demand   bool
	writable bool
	closed   bool
	parked   chan struct{}
	opts     Options

	reads       uint64
	suspensions uint64
	resumptions uint64
}

// New returns an open gate: the first read is always allowed.
func New(opts Options) *Gate {
	return &Gate{demand: true, writable: true, opts: opts}
}

func (g *Gate) openLocked() bool {
	return g.demand && g.writable
}

// Acquire blocks until a read is permitted, the gate closes or ctx is done.
// Every successful Acquire counts as one read.
func (g *Gate) Acquire(ctx context.Context) error {
	g.mu.Lock()
	for {
		if g.closed {
			g.mu.Unlock()
			return ErrClosed
		}
		if g.openLocked() {
			g.reads++
			g.mu.Unlock()
			return nil
		}
		if g.parked == nil {
			g.parked = make(chan struct{})
			g.suspensions++
			if g.opts.OnSuspend != nil {
				g.opts.OnSuspend()
			}
		}
		wake := g.parked
		g.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
		g.mu.Lock()
	}
}

// Demand signals that the downstream is ready for another batch.
func (g *Gate) Demand() {
	g.mu.Lock()
	g.demand = true
	g.wakeLocked()
	g.mu.Unlock()
}

// Consume withdraws demand after a batch was read. The next Acquire parks
// until Demand is called again.
func (g *Gate) Consume() {
	g.mu.Lock()
	g.demand = false
	g.mu.Unlock()
}

// SetWritable records whether the outbound queue is below its watermark.
func (g *Gate) SetWritable(writable bool) {
	g.mu.Lock()
	g.writable = writable
	if writable {
		g.wakeLocked()
	}
	g.mu.Unlock()
}

// Close permanently fails Acquire and wakes a parked reader.
func (g *Gate) Close() {
	g.mu.Lock()
	if !g.closed {
		g.closed = true
		g.wakeLocked()
	}
	g.mu.Unlock()
}

// Suspended reports whether a read would currently park.
func (g *Gate) Suspended() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.closed && !g.openLocked()
}

// Stats returns a snapshot of the gate counters.
func (g *Gate) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{
		Reads:       g.reads,
		Suspensions: g.suspensions,
		Resumptions: g.resumptions,
		Demand:      g.demand,
		Writable:    g.writable,
		Closed:      g.closed,
	}
}

func (g *Gate) wakeLocked() {
	if g.parked == nil {
		return
	}
	if !g.closed && !g.openLocked() {
		return
	}
	close(g.parked)
	g.parked = nil
	if !g.closed {
		g.resumptions++
		if g.opts.OnResume != nil {
			g.opts.OnResume()
		}
	}
}

// Reader returns an io.Reader that acquires the gate before every read of r.
func (g *Gate) Reader(ctx context.Context, r io.Reader) io.Reader {
	return &gatedReader{g: g, ctx: ctx, r: r}
}

type gatedReader struct {
	g   *Gate
	ctx context.Context
	r   io.Reader
}

func (gr *gatedReader) Read(p []byte) (int, error) {
	if err := gr.g.Acquire(gr.ctx); err != nil {
		return 0, err
	}
	return gr.r.Read(p)
}
