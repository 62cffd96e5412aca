package pipeline

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
)

type recordingOutbound struct {
	written []Message
	resets  []error
	closed  []error
	failOn  Kind
}

func (o *recordingOutbound) Write(msg Message) error {
	if o.failOn != 0 && msg.Kind == o.failOn {
		return errors.New("write failed")
	}
	o.written = append(o.written, msg)
	return nil
}

func (o *recordingOutbound) Reset(err error)     { o.resets = append(o.resets, err) }
func (o *recordingOutbound) CloseConn(err error) { o.closed = append(o.closed, err) }

type taskQueue struct {
	tasks []func()
}

func (q *taskQueue) Execute(task func()) { q.tasks = append(q.tasks, task) }

// drain runs queued tasks, including tasks queued while draining.
func (q *taskQueue) drain() {
	for len(q.tasks) > 0 {
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		task()
	}
}

type recorder struct {
	BaseStage
	got     []Message
	opened  int
	closed  int
	faults  []error
	swallow bool
}

func (r *recorder) OnOpen(*Context) error { r.opened++; return nil }

func (r *recorder) OnMessage(ctx *Context, msg Message) error {
	r.got = append(r.got, msg)
	ctx.Forward(msg)
	return nil
}

func (r *recorder) OnFault(ctx *Context, err error) {
	r.faults = append(r.faults, err)
	if !r.swallow {
		ctx.Fault(err)
	}
}

func (r *recorder) OnClose(*Context) { r.closed++ }

type failing struct {
	BaseStage
	err     error
	panicV  any
	trigger Kind
}

func (f *failing) OnMessage(ctx *Context, msg Message) error {
	if msg.Kind != f.trigger {
		ctx.Forward(msg)
		return nil
	}
	if f.panicV != nil {
		panic(f.panicV)
	}
	return f.err
}

// responder answers once per end marker, the way a request/response handler
// would.
type responder struct {
	BaseStage
	responses int
}

func (r *responder) OnMessage(ctx *Context, msg Message) error {
	if msg.Kind != KindEnd {
		return nil
	}
	r.responses++
	if err := ctx.Emit(HeadMessage(&Head{Status: 200})); err != nil {
		return err
	}
	return ctx.Emit(End(nil))
}

type countingObserver struct {
	faults map[Scope]int
}

func (o *countingObserver) Fault(scope Scope, _ error) {
	if o.faults == nil {
		o.faults = make(map[Scope]int)
	}
	o.faults[scope]++
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStream(stages []Stage, out *recordingOutbound, exec Executor, observer FaultObserver) (*Stream, *[]error) {
	var released []error
	s := NewStream(StreamConfig{
		ID:       1,
		Stages:   stages,
		Outbound: out,
		Executor: exec,
		Sentinel: NewSentinel(quietLogger(), observer),
		Logger:   quietLogger(),
		OnRelease: func(_ *Stream, reason error) {
			released = append(released, reason)
		},
	})
	s.Open()
	return s, &released
}

func TestDeliveryOrderMatchesEmissionOrder(t *testing.T) {
	first := &recorder{}
	second := &recorder{}
	s, _ := newTestStream([]Stage{first, second}, &recordingOutbound{}, &taskQueue{}, nil)

	for i := 0; i < 100; i++ {
		s.Deliver(Bytes([]byte(fmt.Sprintf("m%03d", i))))
	}

	for _, r := range []*recorder{first, second} {
		if len(r.got) != 100 {
			t.Fatalf("got %d messages, want 100", len(r.got))
		}
		for i, msg := range r.got {
			if want := fmt.Sprintf("m%03d", i); string(msg.Data) != want {
				t.Fatalf("message %d = %q, want %q", i, msg.Data, want)
			}
		}
	}
}

func TestStreamStateTransitions(t *testing.T) {
	tests := []struct {
		name      string
		steps     []string
		wantState State
		released  bool
	}{
		{name: "fresh", wantState: StateOpen},
		{name: "remote end", steps: []string{"remote"}, wantState: StateHalfClosedRemote},
		{name: "local end", steps: []string{"local"}, wantState: StateHalfClosedLocal},
		{name: "remote then local", steps: []string{"remote", "local"}, wantState: StateClosed, released: true},
		{name: "local then remote", steps: []string{"local", "remote"}, wantState: StateClosed, released: true},
		{name: "reset", steps: []string{"reset"}, wantState: StateClosed, released: true},
		{name: "abort after remote", steps: []string{"remote", "abort"}, wantState: StateClosed, released: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			s, released := newTestStream([]Stage{rec}, &recordingOutbound{}, &taskQueue{}, nil)
			ctx := rec.ctx(s)

			for _, step := range tt.steps {
				switch step {
				case "remote":
					s.Deliver(End(nil))
				case "local":
					if err := ctx.Emit(End(nil)); err != nil {
						t.Fatalf("Emit(End) error = %v", err)
					}
				case "reset":
					s.Reset(errors.New("boom"))
				case "abort":
					s.Abort(ErrConnectionClosed)
				}
			}

			if s.State() != tt.wantState {
				t.Errorf("State() = %v, want %v", s.State(), tt.wantState)
			}
			if s.Released() != tt.released {
				t.Errorf("Released() = %v, want %v", s.Released(), tt.released)
			}
			if tt.released {
				if len(*released) != 1 {
					t.Errorf("release callbacks = %d, want 1", len(*released))
				}
				if rec.closed != 1 {
					t.Errorf("OnClose calls = %d, want 1", rec.closed)
				}
			}
		})
	}
}

// ctx returns the recorder's context on s, the first stage.
func (r *recorder) ctx(s *Stream) *Context { return s.chain.ctxs[0] }

func TestRepeatedEndIsIgnored(t *testing.T) {
	resp := &responder{}
	out := &recordingOutbound{}
	s, _ := newTestStream([]Stage{resp}, out, &taskQueue{}, nil)

	if !s.Deliver(HeadMessage(&Head{Method: "GET", Path: "/"})) {
		t.Fatal("head was not delivered")
	}
	if !s.Deliver(End(nil)) {
		t.Fatal("first end was not delivered")
	}
	if s.Deliver(End(nil)) {
		t.Error("second end was delivered")
	}

	if resp.responses != 1 {
		t.Errorf("responses = %d, want 1", resp.responses)
	}
	if len(out.written) != 2 {
		t.Errorf("written = %d messages, want 2", len(out.written))
	}
	if !s.Released() {
		t.Error("stream should be released after both ends finished")
	}
}

func TestRepeatedEndWhileResponsePending(t *testing.T) {
	q := &taskQueue{}
	out := &recordingOutbound{}
	delayed := &delayedResponder{}
	s, _ := newTestStream([]Stage{delayed}, out, q, nil)

	s.Deliver(HeadMessage(&Head{Method: "GET", Path: "/"}))
	s.Deliver(End(nil))
	s.Deliver(End(nil))
	q.drain()

	if delayed.scheduled != 1 {
		t.Errorf("scheduled responses = %d, want 1", delayed.scheduled)
	}
	if len(out.written) != 2 {
		t.Errorf("written = %d messages, want 2", len(out.written))
	}
}

type delayedResponder struct {
	BaseStage
	scheduled int
}

func (d *delayedResponder) OnMessage(ctx *Context, msg Message) error {
	if msg.Kind != KindEnd {
		return nil
	}
	d.scheduled++
	ctx.Schedule(func() {
		_ = ctx.Emit(HeadMessage(&Head{Status: 200}))
		_ = ctx.Emit(End(nil))
	})
	return nil
}

func TestStageErrorResetsStream(t *testing.T) {
	boom := errors.New("boom")
	before := &recorder{}
	fail := &failing{err: boom, trigger: KindBytes}
	after := &recorder{}
	out := &recordingOutbound{}
	obs := &countingObserver{}
	s, released := newTestStream([]Stage{before, fail, after}, out, &taskQueue{}, obs)

	s.Deliver(Bytes([]byte("x")))

	if !s.Released() {
		t.Fatal("stream should be released after fault")
	}
	if len(out.resets) != 1 {
		t.Fatalf("outbound resets = %d, want 1", len(out.resets))
	}
	var fault *HandlerFault
	if !errors.As(out.resets[0], &fault) {
		t.Fatalf("reset reason = %T, want *HandlerFault", out.resets[0])
	}
	if !errors.Is(fault, boom) {
		t.Errorf("fault cause = %v, want %v", fault.Cause, boom)
	}
	if fault.Stage != "pipeline.failing" {
		t.Errorf("fault stage = %q, want pipeline.failing", fault.Stage)
	}
	if len(after.got) != 0 {
		t.Errorf("stage after failure received %d messages", len(after.got))
	}
	if len(after.faults) != 1 {
		t.Errorf("stage after failure saw %d faults, want 1", len(after.faults))
	}
	if len(before.faults) != 0 {
		t.Errorf("stage before failure saw %d faults, want 0", len(before.faults))
	}
	if obs.faults[ScopeStream] != 1 {
		t.Errorf("observed stream faults = %d, want 1", obs.faults[ScopeStream])
	}
	if len(*released) != 1 || (*released)[0] == nil {
		t.Errorf("release reasons = %v", *released)
	}
	if s.Deliver(Bytes([]byte("y"))) {
		t.Error("delivery to a closed stream succeeded")
	}
}

func TestPanicBecomesHandlerFault(t *testing.T) {
	out := &recordingOutbound{}
	s, _ := newTestStream([]Stage{&failing{panicV: "kaboom", trigger: KindBody}}, out, &taskQueue{}, nil)

	s.Deliver(Body([]byte("x")))

	if len(out.resets) != 1 {
		t.Fatalf("outbound resets = %d, want 1", len(out.resets))
	}
	var p *PanicError
	if !errors.As(out.resets[0], &p) {
		t.Fatalf("reset reason = %v, want wrapped *PanicError", out.resets[0])
	}
	if p.Value != "kaboom" {
		t.Errorf("panic value = %v, want kaboom", p.Value)
	}
	if Classify(out.resets[0]) != "handler_fault" {
		t.Errorf("Classify() = %q, want handler_fault", Classify(out.resets[0]))
	}
}

func TestHandledFaultKeepsStreamOpen(t *testing.T) {
	guard := &recorder{swallow: true}
	s, _ := newTestStream([]Stage{&failing{err: errors.New("bad"), trigger: KindBytes}, guard}, &recordingOutbound{}, &taskQueue{}, nil)

	s.Deliver(Bytes([]byte("x")))

	if s.Released() {
		t.Error("stream released although the fault was handled")
	}
	if len(guard.faults) != 1 {
		t.Errorf("guard saw %d faults, want 1", len(guard.faults))
	}
}

func TestFaultBeforeGuardIsNotIntercepted(t *testing.T) {
	guard := &recorder{swallow: true}
	s, _ := newTestStream([]Stage{guard, &failing{err: errors.New("bad"), trigger: KindBytes}}, &recordingOutbound{}, &taskQueue{}, nil)

	s.Deliver(Bytes([]byte("x")))

	if !s.Released() {
		t.Error("fault raised after the guard should reach the sentinel")
	}
	if len(guard.faults) != 0 {
		t.Errorf("guard saw %d faults, want 0", len(guard.faults))
	}
}

func TestScheduleSkippedAfterRelease(t *testing.T) {
	q := &taskQueue{}
	rec := &recorder{}
	s, _ := newTestStream([]Stage{rec}, &recordingOutbound{}, q, nil)

	ran := false
	rec.ctx(s).Schedule(func() { ran = true })
	s.Abort(ErrConnectionClosed)
	q.drain()

	if ran {
		t.Error("scheduled task ran after the stream was released")
	}
}

func TestSchedulePanicResetsStream(t *testing.T) {
	q := &taskQueue{}
	rec := &recorder{}
	out := &recordingOutbound{}
	s, _ := newTestStream([]Stage{rec}, out, q, nil)

	rec.ctx(s).Schedule(func() { panic("late") })
	q.drain()

	if !s.Released() {
		t.Fatal("stream should be released after a panicking task")
	}
	if len(out.resets) != 1 {
		t.Errorf("outbound resets = %d, want 1", len(out.resets))
	}
}

func TestCloseStream(t *testing.T) {
	t.Run("remote open", func(t *testing.T) {
		rec := &recorder{}
		out := &recordingOutbound{}
		s, _ := newTestStream([]Stage{rec}, out, &taskQueue{}, nil)

		rec.ctx(s).CloseStream()

		if len(out.written) != 1 || out.written[0].Kind != KindEnd {
			t.Errorf("written = %v, want a single end marker", out.written)
		}
		if len(out.resets) != 1 || out.resets[0] != nil {
			t.Errorf("resets = %v, want one clean reset", out.resets)
		}
		if !s.Released() {
			t.Error("stream not released")
		}
	})

	t.Run("remote finished", func(t *testing.T) {
		rec := &recorder{}
		out := &recordingOutbound{}
		s, _ := newTestStream([]Stage{rec}, out, &taskQueue{}, nil)

		s.Deliver(End(nil))
		rec.ctx(s).CloseStream()

		if len(out.resets) != 0 {
			t.Errorf("resets = %v, want none", out.resets)
		}
		if !s.Released() {
			t.Error("stream not released")
		}
	})

	t.Run("emit after close", func(t *testing.T) {
		rec := &recorder{}
		s, _ := newTestStream([]Stage{rec}, &recordingOutbound{}, &taskQueue{}, nil)

		rec.ctx(s).CloseStream()
		if err := rec.ctx(s).Emit(Body([]byte("late"))); !errors.Is(err, ErrStreamClosed) {
			t.Errorf("Emit() error = %v, want ErrStreamClosed", err)
		}
	})
}

func TestEmitFailureIsFault(t *testing.T) {
	out := &recordingOutbound{failOn: KindHead}
	s, _ := newTestStream([]Stage{&responder{}}, out, &taskQueue{}, nil)

	s.Deliver(End(nil))

	if !s.Released() {
		t.Error("stream should be reset when the response cannot be written")
	}
}

func TestSentinelDropsUnclaimedMessages(t *testing.T) {
	out := &recordingOutbound{}
	s, _ := newTestStream(nil, out, &taskQueue{}, nil)

	if !s.Deliver(Bytes([]byte("nobody listens"))) {
		t.Fatal("delivery rejected")
	}
	if s.Released() || len(out.written) != 0 || len(out.resets) != 0 {
		t.Error("unclaimed message should be dropped silently")
	}
	if s.Chain().Len() != 1 {
		t.Errorf("Chain().Len() = %d, want 1", s.Chain().Len())
	}
}

type closerFunc func(error)

func (f closerFunc) CloseWithError(err error) { f(err) }

func TestConnectionFault(t *testing.T) {
	obs := &countingObserver{}
	sentinel := NewSentinel(quietLogger(), obs)

	var got error
	sentinel.ConnectionFault(closerFunc(func(err error) { got = err }), errors.New("outside"))

	var fault *HandlerFault
	if !errors.As(got, &fault) {
		t.Fatalf("closed with %v, want *HandlerFault", got)
	}
	if fault.Scope != ScopeConnection {
		t.Errorf("scope = %v, want connection", fault.Scope)
	}
	if obs.faults[ScopeConnection] != 1 {
		t.Errorf("observed connection faults = %d, want 1", obs.faults[ScopeConnection])
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&BindError{Address: ":1", Cause: errors.New("in use")}, "bind"},
		{fmt.Errorf("wrapped: %w", &HandshakeError{Reason: "timeout"}), "handshake"},
		{&ProtocolViolationError{Protocol: "h2", Reason: "even stream id"}, "protocol_violation"},
		{&HandlerFault{Cause: errors.New("x")}, "handler_fault"},
		{&StreamResetError{StreamID: 3, Code: 8}, "stream_reset"},
		{io.EOF, "closed"},
		{errors.New("other"), "io"},
	}

	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

// causeProbe captures Context.Cause when the stream closes.
type causeProbe struct {
	BaseStage
	cause error
	seen  bool
}

func (p *causeProbe) OnClose(ctx *Context) {
	p.cause = ctx.Cause()
	p.seen = true
}

func TestContextCause(t *testing.T) {
	t.Run("clean close", func(t *testing.T) {
		probe := &causeProbe{}
		s, _ := newTestStream([]Stage{probe, &responder{}}, &recordingOutbound{}, &taskQueue{}, nil)
		s.Deliver(End(nil))
		if !probe.seen || probe.cause != nil {
			t.Errorf("cause = %v (seen %v), want nil", probe.cause, probe.seen)
		}
	})

	t.Run("fault downstream", func(t *testing.T) {
		probe := &causeProbe{}
		boom := errors.New("boom")
		s, _ := newTestStream([]Stage{probe, &failing{err: boom, trigger: KindBytes}}, &recordingOutbound{}, &taskQueue{}, nil)
		s.Deliver(Bytes([]byte("x")))
		if !errors.Is(probe.cause, boom) {
			t.Errorf("cause = %v, want boom", probe.cause)
		}
		if Classify(probe.cause) != "handler_fault" {
			t.Errorf("Classify(cause) = %q, want handler_fault", Classify(probe.cause))
		}
	})
}
