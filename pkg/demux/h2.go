package demux

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"mercator-hq/switchyard/pkg/pipeline"
)

const (
	defaultWindow = 65535
	maxWindow     = 1<<31 - 1

	// retiredStreams bounds how many released stream ids are remembered for
	// answering late frames with STREAM_CLOSED.
	retiredStreams = 128
)

// H2 serves HTTP/2. Framing and HPACK come from golang.org/x/net/http2; this
// strategy owns the stream table, flow control and the mapping between frames
// and pipeline messages.
type H2 struct{}

// NewH2 returns the HTTP/2 strategy.
func NewH2() *H2 { return &H2{} }

// Protocol implements Strategy.
func (*H2) Protocol() string { return ProtocolH2 }

// NewSession implements Strategy.
func (*H2) NewSession(c *Conn) Session {
	cfg := c.cfg
	if cfg.InitialWindowSize < defaultWindow {
		cfg.InitialWindowSize = defaultWindow
	}
	if cfg.InitialWindowSize > maxWindow {
		cfg.InitialWindowSize = maxWindow
	}

	s := &h2Session{
		c:             c,
		cfg:           cfg,
		streams:       make(map[uint32]*h2Stream),
		retired:       make(map[uint32]struct{}),
		connSend:      defaultWindow,
		peerInitial:   defaultWindow,
		peerMaxFrame:  DefaultMaxFrameSize,
		connRecvSize:  int32(cfg.InitialWindowSize),
		connRecv:      int32(cfg.InitialWindowSize),
		streamRecvMax: int32(cfg.InitialWindowSize),
	}
	s.enc = hpack.NewEncoder(&s.hbuf)
	s.wf = http2.NewFramer(c, nil)

	s.rf = http2.NewFramer(nil, c.in)
	s.rf.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	s.rf.MaxHeaderListSize = cfg.MaxHeaderListSize
	s.rf.SetMaxReadFrameSize(cfg.MaxFrameSize)
	return s
}

// Events decoded by the reader goroutine.
type (
	h2Headers struct {
		id        uint32
		head      *pipeline.Head
		trailer   http.Header
		pseudo    bool
		endStream bool
		truncated bool
	}
	h2Data struct {
		id        uint32
		data      []byte
		length    uint32
		endStream bool
	}
	h2Settings struct {
		settings []http2.Setting
	}
	h2Ping struct {
		data [8]byte
	}
	h2WindowUpdate struct {
		id   uint32
		incr uint32
	}
	h2Reset struct {
		id   uint32
		code http2.ErrCode
	}
	h2GoAway struct {
		lastID uint32
		code   http2.ErrCode
	}
	h2StreamError struct {
		id   uint32
		code http2.ErrCode
	}
)

type h2Session struct {
	c   *Conn
	cfg Config

	// reader goroutine only
	rf          *http2.Framer
	prefaced    bool
	gotSettings bool

	// loop only
	wf   *http2.Framer
	enc  *hpack.Encoder
	hbuf bytes.Buffer

	streams       map[uint32]*h2Stream
	retired       map[uint32]struct{}
	retiredOrder  []uint32
	open          int
	lastID        uint32
	goingAway     bool
	sentGoAway    bool
	connSend      int64
	peerInitial   int64
	peerMaxFrame  uint32
	connRecvSize  int32
	connRecv      int32
	streamRecvMax int32
}

func (s *h2Session) violation(id uint32, code http2.ErrCode, reason string) *pipeline.ProtocolViolationError {
	return &pipeline.ProtocolViolationError{
		Protocol: ProtocolH2,
		StreamID: id,
		Code:     uint32(code),
		Reason:   reason,
	}
}

func (s *h2Session) Start() {
	settings := []http2.Setting{
		{ID: http2.SettingMaxConcurrentStreams, Val: s.cfg.MaxConcurrentStreams},
		{ID: http2.SettingInitialWindowSize, Val: s.cfg.InitialWindowSize},
		{ID: http2.SettingMaxFrameSize, Val: s.cfg.MaxFrameSize},
		{ID: http2.SettingMaxHeaderListSize, Val: s.cfg.MaxHeaderListSize},
	}
	_ = s.wf.WriteSettings(settings...)
	if s.connRecvSize > defaultWindow {
		_ = s.wf.WriteWindowUpdate(0, uint32(s.connRecvSize-defaultWindow))
	}
}

func (s *h2Session) Run() error {
	return s.c.readBatches(s.next, s.handle)
}

// next decodes one frame into an event. A nil event means the frame needs no
// work on the loop.
func (s *h2Session) next() (any, error) {
	if !s.prefaced {
		buf := make([]byte, len(http2.ClientPreface))
		if _, err := io.ReadFull(s.c.in, buf); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, s.violation(0, http2.ErrCodeProtocol, "truncated connection preface")
			}
			return nil, err
		}
		if string(buf) != http2.ClientPreface {
			return nil, s.violation(0, http2.ErrCodeProtocol, "invalid connection preface")
		}
		s.prefaced = true
	}

	f, err := s.rf.ReadFrame()
	if err != nil {
		return s.readError(err)
	}

	if !s.gotSettings {
		sf, ok := f.(*http2.SettingsFrame)
		if !ok || sf.IsAck() {
			return nil, s.violation(0, http2.ErrCodeProtocol, "first frame is not SETTINGS")
		}
		s.gotSettings = true
	}

	switch f := f.(type) {
	case *http2.MetaHeadersFrame:
		return decodeHeaders(f), nil
	case *http2.DataFrame:
		ev := h2Data{
			id:        f.StreamID,
			length:    f.Length,
			endStream: f.StreamEnded(),
		}
		if d := f.Data(); len(d) > 0 {
			ev.data = append([]byte(nil), d...)
		}
		return ev, nil
	case *http2.SettingsFrame:
		if f.IsAck() {
			return nil, nil
		}
		ev := h2Settings{}
		if err := f.ForeachSetting(func(st http2.Setting) error {
			ev.settings = append(ev.settings, st)
			return nil
		}); err != nil {
			return nil, err
		}
		return ev, nil
	case *http2.PingFrame:
		if f.IsAck() {
			return nil, nil
		}
		return h2Ping{data: f.Data}, nil
	case *http2.WindowUpdateFrame:
		return h2WindowUpdate{id: f.StreamID, incr: f.Increment}, nil
	case *http2.RSTStreamFrame:
		return h2Reset{id: f.StreamID, code: f.ErrCode}, nil
	case *http2.GoAwayFrame:
		return h2GoAway{lastID: f.LastStreamID, code: f.ErrCode}, nil
	case *http2.PushPromiseFrame:
		return nil, s.violation(f.StreamID, http2.ErrCodeProtocol, "client sent PUSH_PROMISE")
	default:
		// PRIORITY and unknown extension frames.
		return nil, nil
	}
}

func (s *h2Session) readError(err error) (any, error) {
	var (
		connErr   http2.ConnectionError
		streamErr http2.StreamError
	)
	switch {
	case errors.As(err, &streamErr):
		return h2StreamError{id: streamErr.StreamID, code: streamErr.Code}, nil
	case errors.As(err, &connErr):
		reason := "malformed frame"
		if detail := s.rf.ErrorDetail(); detail != nil {
			reason = detail.Error()
		}
		return nil, s.violation(0, http2.ErrCode(connErr), reason)
	case errors.Is(err, http2.ErrFrameTooLarge):
		return nil, s.violation(0, http2.ErrCodeFrameSize, "frame exceeds SETTINGS_MAX_FRAME_SIZE")
	default:
		return nil, err
	}
}

func decodeHeaders(f *http2.MetaHeadersFrame) h2Headers {
	ev := h2Headers{
		id:        f.StreamID,
		endStream: f.StreamEnded(),
		truncated: f.Truncated,
	}
	header := make(http.Header)
	for _, hf := range f.RegularFields() {
		header.Add(hf.Name, hf.Value)
	}
	pseudo := f.PseudoFields()
	if len(pseudo) == 0 {
		ev.trailer = header
		return ev
	}
	ev.pseudo = true
	ev.head = &pipeline.Head{
		Method:    f.PseudoValue("method"),
		Scheme:    f.PseudoValue("scheme"),
		Authority: f.PseudoValue("authority"),
		Path:      f.PseudoValue("path"),
		Header:    header,
	}
	if ev.head.Authority == "" {
		ev.head.Authority = header.Get("Host")
	}
	return ev
}

func (s *h2Session) handle(ev any) {
	switch ev := ev.(type) {
	case h2Headers:
		s.onHeaders(ev)
	case h2Data:
		s.onData(ev)
	case h2Settings:
		s.onSettings(ev)
	case h2Ping:
		_ = s.wf.WritePing(true, ev.data)
	case h2WindowUpdate:
		s.onWindowUpdate(ev)
	case h2Reset:
		s.onReset(ev)
	case h2GoAway:
		s.onGoAway(ev)
	case h2StreamError:
		s.onStreamError(ev)
	}
}

func (s *h2Session) fail(err *pipeline.ProtocolViolationError) {
	s.c.CloseWithError(err)
}

// idle reports whether id names a stream the client never opened.
func (s *h2Session) idle(id uint32) bool {
	return id%2 == 0 || id > s.lastID
}

func (s *h2Session) onHeaders(ev h2Headers) {
	if ev.id%2 == 0 {
		s.fail(s.violation(ev.id, http2.ErrCodeProtocol, "client opened an even stream id"))
		return
	}

	if st, ok := s.streams[ev.id]; ok {
		switch {
		case st.draining || st.stream.RemoteClosed():
			s.resetStream(st, http2.ErrCodeStreamClosed, "HEADERS on half-closed stream")
		case !ev.endStream || ev.pseudo:
			s.resetStream(st, http2.ErrCodeProtocol, "trailers must end the stream")
		default:
			st.stream.Deliver(pipeline.End(ev.trailer))
		}
		return
	}

	if ev.id <= s.lastID {
		if _, ok := s.retired[ev.id]; ok {
			_ = s.wf.WriteRSTStream(ev.id, http2.ErrCodeStreamClosed)
			s.c.logger.Debug("HEADERS on closed stream", "stream_id", ev.id)
			return
		}
		s.fail(s.violation(ev.id, http2.ErrCodeProtocol, "stream id regressed"))
		return
	}
	s.lastID = ev.id

	switch {
	case s.goingAway:
		_ = s.wf.WriteRSTStream(ev.id, http2.ErrCodeRefusedStream)
		return
	case uint32(s.open) >= s.cfg.MaxConcurrentStreams:
		_ = s.wf.WriteRSTStream(ev.id, http2.ErrCodeRefusedStream)
		return
	case ev.truncated:
		s.writeHeaders(ev.id, http.StatusRequestHeaderFieldsTooLarge, nil, true)
		return
	}
	if err := validateRequest(ev); err != nil {
		_ = s.wf.WriteRSTStream(ev.id, http2.ErrCodeProtocol)
		s.c.logger.Debug("rejected request headers", "stream_id", ev.id, "error", err)
		return
	}

	st := &h2Stream{
		s:          s,
		id:         ev.id,
		sendWindow: s.peerInitial,
		recvWindow: s.streamRecvMax,
	}
	s.streams[ev.id] = st
	s.open++
	st.stream = s.c.newStream(ev.id, st, st.release)
	st.stream.Open()
	st.stream.Deliver(pipeline.HeadMessage(ev.head))
	if ev.endStream {
		st.stream.Deliver(pipeline.End(nil))
	}
}

func validateRequest(ev h2Headers) error {
	h := ev.head
	if h == nil {
		return errors.New("missing pseudo-headers")
	}
	if h.Method == "" {
		return errors.New("missing :method")
	}
	if h.Method == http.MethodConnect {
		if h.Authority == "" {
			return errors.New("CONNECT without :authority")
		}
		return nil
	}
	if h.Path == "" || h.Scheme == "" {
		return errors.New("missing :path or :scheme")
	}
	return nil
}

func (s *h2Session) onData(ev h2Data) {
	if int32(ev.length) > s.connRecv || ev.length > uint32(maxWindow) {
		s.fail(s.violation(ev.id, http2.ErrCodeFlowControl, "connection receive window exceeded"))
		return
	}
	s.connRecv -= int32(ev.length)
	defer s.replenishConn()

	st, ok := s.streams[ev.id]
	if !ok {
		if s.idle(ev.id) {
			s.fail(s.violation(ev.id, http2.ErrCodeProtocol, "DATA on idle stream"))
			return
		}
		_ = s.wf.WriteRSTStream(ev.id, http2.ErrCodeStreamClosed)
		return
	}
	if st.draining {
		_ = s.wf.WriteRSTStream(ev.id, http2.ErrCodeStreamClosed)
		return
	}
	if st.stream.RemoteClosed() {
		if len(ev.data) == 0 && ev.endStream {
			return
		}
		s.resetStream(st, http2.ErrCodeStreamClosed, "DATA after END_STREAM")
		return
	}
	if int32(ev.length) > st.recvWindow {
		s.resetStream(st, http2.ErrCodeFlowControl, "stream receive window exceeded")
		return
	}
	st.recvWindow -= int32(ev.length)

	if len(ev.data) > 0 {
		st.stream.Deliver(pipeline.Body(ev.data))
	}
	if ev.endStream {
		st.stream.Deliver(pipeline.End(nil))
		return
	}
	if !st.stream.Released() && st.recvWindow <= s.streamRecvMax/2 {
		_ = s.wf.WriteWindowUpdate(st.id, uint32(s.streamRecvMax-st.recvWindow))
		st.recvWindow = s.streamRecvMax
	}
}

func (s *h2Session) replenishConn() {
	if s.c.closed || s.connRecv > s.connRecvSize/2 {
		return
	}
	_ = s.wf.WriteWindowUpdate(0, uint32(s.connRecvSize-s.connRecv))
	s.connRecv = s.connRecvSize
}

func (s *h2Session) onSettings(ev h2Settings) {
	for _, st := range ev.settings {
		if err := st.Valid(); err != nil {
			code := http2.ErrCodeProtocol
			var connErr http2.ConnectionError
			if errors.As(err, &connErr) {
				code = http2.ErrCode(connErr)
			}
			s.fail(s.violation(0, code, fmt.Sprintf("invalid setting %v", st)))
			return
		}
		switch st.ID {
		case http2.SettingInitialWindowSize:
			delta := int64(st.Val) - s.peerInitial
			s.peerInitial = int64(st.Val)
			for _, hs := range s.streams {
				hs.sendWindow += delta
				if hs.sendWindow > maxWindow {
					s.fail(s.violation(0, http2.ErrCodeFlowControl, "stream send window overflow"))
					return
				}
			}
		case http2.SettingMaxFrameSize:
			s.peerMaxFrame = st.Val
		case http2.SettingHeaderTableSize:
			s.enc.SetMaxDynamicTableSizeLimit(st.Val)
		}
	}
	_ = s.wf.WriteSettingsAck()
	s.flushAll()
}

func (s *h2Session) onWindowUpdate(ev h2WindowUpdate) {
	if ev.id == 0 {
		s.connSend += int64(ev.incr)
		if s.connSend > maxWindow {
			s.fail(s.violation(0, http2.ErrCodeFlowControl, "connection send window overflow"))
			return
		}
		s.flushAll()
		return
	}
	st, ok := s.streams[ev.id]
	if !ok {
		if s.idle(ev.id) {
			s.fail(s.violation(ev.id, http2.ErrCodeProtocol, "WINDOW_UPDATE on idle stream"))
		}
		return
	}
	st.sendWindow += int64(ev.incr)
	if st.sendWindow > maxWindow {
		s.resetStream(st, http2.ErrCodeFlowControl, "stream send window overflow")
		return
	}
	st.flush()
}

func (s *h2Session) onReset(ev h2Reset) {
	st, ok := s.streams[ev.id]
	if !ok {
		if s.idle(ev.id) {
			s.fail(s.violation(ev.id, http2.ErrCodeProtocol, "RST_STREAM on idle stream"))
		}
		return
	}
	st.drop()
	if st.draining {
		s.remove(st)
		return
	}
	st.stream.Abort(&pipeline.StreamResetError{StreamID: ev.id, Code: uint32(ev.code)})
}

func (s *h2Session) onGoAway(ev h2GoAway) {
	s.c.logger.Debug("peer sent GOAWAY", "last_stream_id", ev.lastID, "code", ev.code.String())
	s.goingAway = true
	s.maybeFinish()
}

func (s *h2Session) onStreamError(ev h2StreamError) {
	if st, ok := s.streams[ev.id]; ok {
		s.resetStream(st, ev.code, "malformed frame")
		return
	}
	if ev.id > s.lastID && ev.id%2 == 1 {
		s.lastID = ev.id
	}
	_ = s.wf.WriteRSTStream(ev.id, ev.code)
}

// resetStream sends RST_STREAM with code and releases the stream.
func (s *h2Session) resetStream(st *h2Stream, code http2.ErrCode, reason string) {
	if st.draining {
		st.drop()
		_ = s.wf.WriteRSTStream(st.id, code)
		s.remove(st)
		return
	}
	st.stream.Reset(s.violation(st.id, code, reason))
}

func (s *h2Session) remove(st *h2Stream) {
	delete(s.streams, st.id)
	s.retire(st.id)
	s.maybeFinish()
}

// retire remembers id as closed, forgetting the oldest entry past
// retiredStreams.
func (s *h2Session) retire(id uint32) {
	if len(s.retiredOrder) == retiredStreams {
		delete(s.retired, s.retiredOrder[0])
		s.retiredOrder = s.retiredOrder[1:]
	}
	s.retired[id] = struct{}{}
	s.retiredOrder = append(s.retiredOrder, id)
}

func (s *h2Session) maybeFinish() {
	if s.goingAway && len(s.streams) == 0 {
		s.c.CloseWithError(nil)
	}
}

func (s *h2Session) flushAll() {
	if s.connSend <= 0 {
		return
	}
	ids := make([]uint32, 0, len(s.streams))
	for id, st := range s.streams {
		if len(st.pending) > 0 || st.endQueued {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if st, ok := s.streams[id]; ok {
			st.flush()
		}
	}
}

func (s *h2Session) Shutdown() {
	s.goingAway = true
	if !s.sentGoAway {
		s.sentGoAway = true
		_ = s.wf.WriteGoAway(s.lastID, http2.ErrCodeNo, nil)
	}
	s.maybeFinish()
}

func (s *h2Session) Close(err error) {
	s.goingAway = true
	var pv *pipeline.ProtocolViolationError
	switch {
	case errors.As(err, &pv):
		_ = s.wf.WriteGoAway(s.lastID, http2.ErrCode(pv.Code), []byte(pv.Reason))
	case err == nil && !s.sentGoAway:
		_ = s.wf.WriteGoAway(s.lastID, http2.ErrCodeNo, nil)
	}
	s.sentGoAway = true

	reason := err
	if reason == nil {
		reason = pipeline.ErrConnectionClosed
	}
	streams := make([]*h2Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	for _, st := range streams {
		st.drop()
		if !st.stream.Released() {
			st.stream.Abort(reason)
		}
		delete(s.streams, st.id)
	}
}

func (s *h2Session) Active() int { return s.open }

// writeHeaders encodes and writes a header block, splitting it into
// CONTINUATION frames at the peer's frame size. status 0 writes trailers.
func (s *h2Session) writeHeaders(id uint32, status int, h http.Header, endStream bool) error {
	s.hbuf.Reset()
	if status != 0 {
		_ = s.enc.WriteField(hpack.HeaderField{Name: ":status", Value: strconv.Itoa(status)})
	}
	encodeHeader(s.enc, h)

	block := s.hbuf.Bytes()
	limit := int(s.peerMaxFrame)
	first := block
	if len(first) > limit {
		first = block[:limit]
	}
	rest := block[len(first):]
	if err := s.wf.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      id,
		BlockFragment: first,
		EndStream:     endStream,
		EndHeaders:    len(rest) == 0,
	}); err != nil {
		return err
	}
	for len(rest) > 0 {
		n := min(len(rest), limit)
		if err := s.wf.WriteContinuation(id, n == len(rest), rest[:n]); err != nil {
			return err
		}
		rest = rest[n:]
	}
	return nil
}

// Connection-specific fields are not allowed in HTTP/2.
var connectionHeaders = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"transfer-encoding": true,
	"upgrade":           true,
}

func encodeHeader(enc *hpack.Encoder, h http.Header) {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name := strings.ToLower(k)
		if connectionHeaders[name] {
			continue
		}
		for _, v := range h[k] {
			if name == "te" && v != "trailers" {
				continue
			}
			_ = enc.WriteField(hpack.HeaderField{Name: name, Value: v})
		}
	}
}
