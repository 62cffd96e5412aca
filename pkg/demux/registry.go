package demux

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"mercator-hq/switchyard/pkg/eventloop"
	"mercator-hq/switchyard/pkg/pipeline"
	"mercator-hq/switchyard/pkg/transport/recvbuf"
)

// Strategy demultiplexes one negotiated protocol into streams.
type Strategy interface {
	// Protocol is the ALPN id the strategy serves.
	Protocol() string
	// NewSession binds the strategy to a connection.
	NewSession(c *Conn) Session
}

// Session is a strategy bound to one connection. Run is called on the
// connection's reader goroutine; every other method runs on the loop.
type Session interface {
	// Start writes anything the protocol sends first.
	Start()
	// Run reads the socket until it fails. Decoded events are posted to the
	// loop in batches.
	Run() error
	// Shutdown begins a graceful close: no new streams, existing ones finish.
	Shutdown()
	// Close tears down every stream. err is nil for an orderly close.
	Close(err error)
	// Active returns the number of live streams.
	Active() int
}

// Config holds the per-connection tunables.
type Config struct {
	// MaxMessagesPerRead caps the events handed to the loop in one task.
	MaxMessagesPerRead int
	Recv               recvbuf.Config

	// Outbound queue watermarks in bytes. Reads are suspended above the high
	// mark and resumed at or below the low mark.
	WriteHighWatermark int
	WriteLowWatermark  int
	WriteTimeout       time.Duration

	// IdleTimeout closes a connection whose peer sent nothing for this long.
	IdleTimeout time.Duration

	// HTTP/2 settings advertised to the peer.
	MaxConcurrentStreams uint32
	InitialWindowSize    uint32
	MaxFrameSize         uint32
	MaxHeaderListSize    uint32
}

// Defaults applied by withDefaults.
const (
	DefaultMaxMessagesPerRead   = 16
	DefaultWriteHighWatermark   = 64 << 10
	DefaultWriteLowWatermark    = 32 << 10
	DefaultWriteTimeout         = 30 * time.Second
	DefaultIdleTimeout          = 120 * time.Second
	DefaultMaxConcurrentStreams = 100
	DefaultInitialWindowSize    = 65535
	DefaultMaxFrameSize         = 16384
	DefaultMaxHeaderListSize    = 1 << 20
)

func (c Config) withDefaults() Config {
	if c.MaxMessagesPerRead <= 0 {
		c.MaxMessagesPerRead = DefaultMaxMessagesPerRead
	}
	c.Recv = c.Recv.Normalize()
	if c.WriteHighWatermark <= 0 {
		c.WriteHighWatermark = DefaultWriteHighWatermark
	}
	if c.WriteLowWatermark <= 0 || c.WriteLowWatermark >= c.WriteHighWatermark {
		c.WriteLowWatermark = c.WriteHighWatermark / 2
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.IdleTimeout < 0 {
		c.IdleTimeout = 0
	} else if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.MaxConcurrentStreams == 0 {
		c.MaxConcurrentStreams = DefaultMaxConcurrentStreams
	}
	if c.InitialWindowSize == 0 {
		c.InitialWindowSize = DefaultInitialWindowSize
	}
	if c.MaxFrameSize < DefaultMaxFrameSize {
		c.MaxFrameSize = DefaultMaxFrameSize
	}
	if c.MaxHeaderListSize == 0 {
		c.MaxHeaderListSize = DefaultMaxHeaderListSize
	}
	return c
}

// Observer receives connection and stream events. Methods may be called from
// any goroutine and must not block.
type Observer interface {
	pipeline.FaultObserver
	StreamOpened(protocol string)
	StreamClosed(protocol string)
	GateSuspended()
	GateResumed()
	BytesRead(n int)
	BytesWritten(n int)
}

type nopObserver struct{}

func (nopObserver) Fault(pipeline.Scope, error) {}
func (nopObserver) StreamOpened(string)         {}
func (nopObserver) StreamClosed(string)         {}
func (nopObserver) GateSuspended()              {}
func (nopObserver) GateResumed()                {}
func (nopObserver) BytesRead(int)               {}
func (nopObserver) BytesWritten(int)            {}

// Registry maps negotiated protocol ids to strategies.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

// DefaultRegistry serves h2, http/1.1 as a single raw stream, and yamux.
// yamuxAcceptBacklog of 0 keeps the yamux default.
func DefaultRegistry(yamuxAcceptBacklog int) *Registry {
	r := NewRegistry()
	_ = r.Register(NewH2())
	_ = r.Register(NewRaw(ProtocolHTTP11))
	_ = r.Register(&Yamux{AcceptBacklog: yamuxAcceptBacklog})
	return r
}

// Register adds s. Registering a protocol twice is an error.
func (r *Registry) Register(s Strategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.strategies[s.Protocol()]; ok {
		return fmt.Errorf("strategy for protocol %q already registered", s.Protocol())
	}
	r.strategies[s.Protocol()] = s
	return nil
}

// Lookup returns the strategy for protocol.
func (r *Registry) Lookup(protocol string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[protocol]
	return s, ok
}

// Protocols returns the registered protocol ids, sorted.
func (r *Registry) Protocols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.strategies))
	for p := range r.strategies {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Serve creates a connection for nc on loop and starts it.
func Serve(loop *eventloop.Loop, nc net.Conn, opts ConnOptions) (*Conn, error) {
	if opts.Strategy == nil {
		return nil, fmt.Errorf("no strategy for protocol %q", opts.Protocol)
	}
	if opts.Protocol == "" {
		opts.Protocol = opts.Strategy.Protocol()
	}
	c := NewConn(loop, nc, opts)
	c.Start()
	return c, nil
}
