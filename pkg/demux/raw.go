package demux

import (
	"fmt"

	"mercator-hq/switchyard/pkg/pipeline"
)

// Protocol ids served by the built-in strategies.
const (
	ProtocolH2     = "h2"
	ProtocolHTTP11 = "http/1.1"
	ProtocolYamux  = "yamux"
)

// Raw treats the whole connection as one implicit stream with id 0 carrying
// Bytes messages. It serves legacy single-stream protocols.
type Raw struct {
	protocol string
}

// NewRaw returns a Raw strategy registered under protocol.
func NewRaw(protocol string) *Raw {
	return &Raw{protocol: protocol}
}

// Protocol implements Strategy.
func (r *Raw) Protocol() string { return r.protocol }

// NewSession implements Strategy.
func (r *Raw) NewSession(c *Conn) Session {
	return &rawSession{c: c}
}

type rawSession struct {
	c      *Conn
	stream *pipeline.Stream
	ended  bool
}

func (s *rawSession) Start() {
	s.stream = s.c.newStream(0, s, nil)
	s.stream.Open()
}

func (s *rawSession) Run() error {
	return s.c.readBatches(
		func() (any, error) {
			b, err := s.c.in.Next()
			if len(b) == 0 {
				return nil, err
			}
			return b, err
		},
		func(ev any) {
			b := ev.([]byte)
			if s.stream == nil {
				return
			}
			s.stream.Deliver(pipeline.Bytes(b))
		},
	)
}

func (s *rawSession) Shutdown() {
	s.c.CloseWithError(nil)
}

func (s *rawSession) Close(err error) {
	if s.stream == nil || s.stream.Released() {
		return
	}
	if err == nil && !s.ended && !s.stream.RemoteClosed() {
		s.stream.Deliver(pipeline.End(nil))
	}
	s.stream.Abort(err)
}

func (s *rawSession) Active() int {
	if s.stream == nil || s.stream.Released() {
		return 0
	}
	return 1
}

// Write implements pipeline.Outbound.
func (s *rawSession) Write(msg pipeline.Message) error {
	switch msg.Kind {
	case pipeline.KindBytes, pipeline.KindBody:
		_, err := s.c.Write(msg.Data)
		return err
	case pipeline.KindEnd:
		s.ended = true
		s.c.CloseWithError(nil)
		return nil
	default:
		return fmt.Errorf("%s stream cannot carry %s messages", s.c.protocol, msg.Kind)
	}
}

// Reset implements pipeline.Outbound. The stream is the connection.
func (s *rawSession) Reset(err error) {
	s.c.CloseWithError(err)
}

// CloseConn implements pipeline.Outbound.
func (s *rawSession) CloseConn(err error) {
	s.c.CloseWithError(err)
}
