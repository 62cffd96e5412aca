package demux

import (
	"io"
	"net"
	"sync"
	"time"
)

// outbound is the write queue of one connection (or one yamux stream). The
// loop enqueues whole buffers; a dedicated writer goroutine drains them with
// vectored writes. Queue depth drives writability through the watermarks.
type outbound struct {
	w         io.Writer
	deadline  func(time.Time) error
	timeout   time.Duration
	high, low int

	onWritable func(bool)
	onWritten  func(int)
	onError    func(error)
	onExit     func()

	mu       sync.Mutex
	queue    [][]byte
	queued   int
	held     int
	writable bool
	closing  bool
	failed   bool
	wake     chan struct{}
	done     chan struct{}
}

type outboundConfig struct {
	w          io.Writer
	deadline   func(time.Time) error
	timeout    time.Duration
	high, low  int
	onWritable func(bool)
	onWritten  func(int)
	onError    func(error)
	onExit     func()
}

func newOutbound(cfg outboundConfig) *outbound {
	return &outbound{
		w:          cfg.w,
		deadline:   cfg.deadline,
		timeout:    cfg.timeout,
		high:       cfg.high,
		low:        cfg.low,
		onWritable: cfg.onWritable,
		onWritten:  cfg.onWritten,
		onError:    cfg.onError,
		onExit:     cfg.onExit,
		writable:   true,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// enqueue hands b to the writer. It reports false once the queue is closing.
func (o *outbound) enqueue(b []byte) bool {
	if len(b) == 0 {
		return true
	}
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return false
	}
	o.queue = append(o.queue, b)
	o.queued += len(b)
	o.updateLocked()
	o.mu.Unlock()
	o.notify()
	return true
}

// hold accounts for bytes parked outside the queue, such as data waiting for
// an HTTP/2 flow-control window. They count towards the watermarks.
func (o *outbound) hold(delta int) {
	o.mu.Lock()
	o.held += delta
	if o.held < 0 {
		o.held = 0
	}
	o.updateLocked()
	o.mu.Unlock()
}

// buffered returns queued plus held bytes.
func (o *outbound) buffered() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.queued + o.held
}

// closeWhenDrained lets the writer finish the queue and exit.
func (o *outbound) closeWhenDrained() {
	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()
	o.notify()
}

// abort drops the queue and stops the writer after its current write.
func (o *outbound) abort() {
	o.mu.Lock()
	o.closing = true
	o.queue = nil
	o.queued = 0
	o.mu.Unlock()
	o.notify()
}

func (o *outbound) notify() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// updateLocked flips writability at the watermarks. The callback runs under
// o.mu so concurrent flips from the loop and the writer apply in order.
func (o *outbound) updateLocked() {
	if o.high <= 0 {
		return
	}
	total := o.queued + o.held
	switch {
	case o.writable && total >= o.high:
		o.writable = false
	case !o.writable && total <= o.low:
		o.writable = true
	default:
		return
	}
	if o.onWritable != nil {
		o.onWritable(o.writable)
	}
}

func (o *outbound) run() {
	defer func() {
		if o.onExit != nil {
			o.onExit()
		}
		close(o.done)
	}()

	for {
		o.mu.Lock()
		for len(o.queue) == 0 && !o.closing {
			o.mu.Unlock()
			<-o.wake
			o.mu.Lock()
		}
		if len(o.queue) == 0 {
			o.mu.Unlock()
			return
		}
		batch := o.queue
		o.queue = nil
		o.mu.Unlock()

		n := 0
		for _, b := range batch {
			n += len(b)
		}
		if o.timeout > 0 && o.deadline != nil {
			_ = o.deadline(time.Now().Add(o.timeout))
		}
		bufs := net.Buffers(batch)
		written, err := bufs.WriteTo(o.w)

		o.mu.Lock()
		o.queued -= n
		if o.queued < 0 {
			o.queued = 0
		}
		o.updateLocked()
		if err != nil {
			o.failed = true
			o.closing = true
			o.queue = nil
			o.queued = 0
		}
		o.mu.Unlock()

		if o.onWritten != nil && written > 0 {
			o.onWritten(int(written))
		}
		if err != nil {
			if o.onError != nil {
				o.onError(err)
			}
			return
		}
	}
}
