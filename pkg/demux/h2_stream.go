package demux

import (
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/net/http2"

	"mercator-hq/switchyard/pkg/pipeline"
)

// h2Stream is the outbound side of one HTTP/2 stream. Response data waits in
// pending until both flow-control windows allow it on the wire.
type h2Stream struct {
	s      *h2Session
	id     uint32
	stream *pipeline.Stream

	sendWindow int64
	recvWindow int32

	headSent  bool
	pending   [][]byte
	queued    int
	endQueued bool
	endSent   bool
	trailer   http.Header
	rstQueued bool

	// draining is set once the pipeline stream is released while response
	// data is still waiting for window.
	draining bool
}

// Write implements pipeline.Outbound.
func (st *h2Stream) Write(msg pipeline.Message) error {
	s := st.s
	if s.c.closed {
		return pipeline.ErrConnectionClosed
	}

	switch msg.Kind {
	case pipeline.KindHead:
		if st.headSent {
			return fmt.Errorf("response head already sent on stream %d", st.id)
		}
		status := http.StatusOK
		var header http.Header
		if msg.Head != nil {
			header = msg.Head.Header
			if msg.Head.Status != 0 {
				status = msg.Head.Status
			}
		}
		st.headSent = true
		return s.writeHeaders(st.id, status, header, false)

	case pipeline.KindBody, pipeline.KindBytes:
		if err := st.ensureHead(); err != nil {
			return err
		}
		if len(msg.Data) == 0 {
			return nil
		}
		b := append([]byte(nil), msg.Data...)
		st.pending = append(st.pending, b)
		st.queued += len(b)
		s.c.hold(len(b))
		st.flush()
		return nil

	case pipeline.KindEnd:
		if !st.headSent && len(msg.Trailer) == 0 {
			st.headSent = true
			st.endQueued, st.endSent = true, true
			return s.writeHeaders(st.id, http.StatusOK, nil, true)
		}
		if err := st.ensureHead(); err != nil {
			return err
		}
		st.endQueued = true
		st.trailer = msg.Trailer
		st.flush()
		return nil

	default:
		return fmt.Errorf("unsupported message kind %s", msg.Kind)
	}
}

func (st *h2Stream) ensureHead() error {
	if st.headSent {
		return nil
	}
	st.headSent = true
	return st.s.writeHeaders(st.id, http.StatusOK, nil, false)
}

// flush writes as much pending data as the windows and the peer's frame size
// allow, then the end of stream once everything is out.
func (st *h2Stream) flush() {
	s := st.s
	for len(st.pending) > 0 {
		n := int64(len(st.pending[0]))
		n = min(n, s.connSend, st.sendWindow, int64(s.peerMaxFrame))
		if n <= 0 {
			return
		}
		chunk := st.pending[0][:n]
		last := int(n) == len(st.pending[0]) && len(st.pending) == 1
		end := last && st.endQueued && len(st.trailer) == 0

		if err := s.wf.WriteData(st.id, end, chunk); err != nil {
			return
		}
		s.connSend -= n
		st.sendWindow -= n
		st.queued -= int(n)
		s.c.hold(-int(n))
		if end {
			st.endSent = true
		}

		if int(n) == len(st.pending[0]) {
			st.pending[0] = nil
			st.pending = st.pending[1:]
		} else {
			st.pending[0] = st.pending[0][n:]
		}
	}

	if st.endQueued && !st.endSent {
		st.endSent = true
		if len(st.trailer) > 0 {
			_ = s.writeHeaders(st.id, 0, st.trailer, true)
		} else {
			_ = s.wf.WriteData(st.id, true, nil)
		}
	}
	if st.rstQueued && st.endSent {
		st.rstQueued = false
		_ = s.wf.WriteRSTStream(st.id, http2.ErrCodeNo)
	}
	if st.draining && st.endSent {
		s.remove(st)
	}
}

// drop discards pending data.
func (st *h2Stream) drop() {
	if st.queued > 0 {
		st.s.c.hold(-st.queued)
	}
	st.pending = nil
	st.queued = 0
	st.rstQueued = false
}

// Reset implements pipeline.Outbound. A nil err follows a complete response
// and is sent as NO_ERROR once the response is on the wire.
func (st *h2Stream) Reset(err error) {
	s := st.s
	if err == nil {
		if len(st.pending) > 0 || (st.endQueued && !st.endSent) {
			st.rstQueued = true
			return
		}
		_ = s.wf.WriteRSTStream(st.id, http2.ErrCodeNo)
		return
	}

	st.drop()
	code := http2.ErrCodeInternal
	var pv *pipeline.ProtocolViolationError
	if errors.As(err, &pv) {
		code = http2.ErrCode(pv.Code)
	}
	_ = s.wf.WriteRSTStream(st.id, code)
	st.endSent = true
}

// CloseConn implements pipeline.Outbound.
func (st *h2Stream) CloseConn(err error) {
	st.s.c.CloseWithError(err)
}

// release runs when the pipeline stream is released.
func (st *h2Stream) release(_ *pipeline.Stream, reason error) {
	s := st.s
	s.open--
	if reason != nil {
		st.drop()
	}
	if len(st.pending) == 0 {
		s.remove(st)
		return
	}
	st.draining = true
}
