package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"mercator-hq/switchyard/pkg/pipeline"
)

type recordingOutbound struct {
	written []pipeline.Message
	resets  []error
}

func (o *recordingOutbound) Write(msg pipeline.Message) error {
	o.written = append(o.written, msg)
	return nil
}

func (o *recordingOutbound) Reset(err error)   { o.resets = append(o.resets, err) }
func (o *recordingOutbound) CloseConn(error)   {}

type taskQueue struct {
	tasks []func()
}

func (q *taskQueue) Execute(task func()) { q.tasks = append(q.tasks, task) }

func (q *taskQueue) drain() {
	for len(q.tasks) > 0 {
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		task()
	}
}

type fixture struct {
	stream *pipeline.Stream
	out    *recordingOutbound
	queue  *taskQueue
}

func newFixture(t *testing.T, id uint32, stages ...pipeline.Stage) *fixture {
	t.Helper()
	f := &fixture{out: &recordingOutbound{}, queue: &taskQueue{}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.stream = pipeline.NewStream(pipeline.StreamConfig{
		ID:       id,
		Stages:   stages,
		Outbound: f.out,
		Executor: f.queue,
		Sentinel: pipeline.NewSentinel(logger, nil),
		Logger:   logger,
	})
	f.stream.Open()
	return f
}

func (f *fixture) kinds() []pipeline.Kind {
	kinds := make([]pipeline.Kind, len(f.out.written))
	for i, m := range f.out.written {
		kinds[i] = m.Kind
	}
	return kinds
}

func equalKinds(a, b []pipeline.Kind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry(Deps{})

	want := []string{NameAccessLog, NameEcho, NameHello, NameTrace}
	got := r.Names()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Names() = %v, want %v", got, want)
	}

	if err := r.Register(NameEcho, func() pipeline.Stage { return NewEcho() }); err == nil {
		t.Error("expected duplicate registration to fail")
	}
	if err := r.Register("", nil); err == nil {
		t.Error("expected empty registration to fail")
	}

	tests := []struct {
		name    string
		names   []string
		wantErr bool
		stages  int
	}{
		{"single", []string{NameHello}, false, 1},
		{"ordered", []string{NameTrace, NameAccessLog, NameEcho}, false, 3},
		{"empty", nil, true, 0},
		{"unknown", []string{NameEcho, "gzip"}, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			factory, err := r.Chain(tt.names...)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Chain() error = %v", err)
			}
			first, second := factory(), factory()
			if len(first) != tt.stages {
				t.Fatalf("len(stages) = %d, want %d", len(first), tt.stages)
			}
			if first[0] == second[0] {
				t.Error("factory reused a stage instance across streams")
			}
		})
	}

	if _, err := r.Chain("nope"); !errors.Is(err, ErrUnknownHandler) {
		t.Errorf("error = %v, want ErrUnknownHandler", err)
	}
}

func TestEchoRaw(t *testing.T) {
	f := newFixture(t, 0, NewEcho())

	f.stream.Deliver(pipeline.Bytes([]byte("ping")))
	f.stream.Deliver(pipeline.Bytes([]byte("pong")))
	f.stream.Deliver(pipeline.End(nil))

	want := []pipeline.Kind{pipeline.KindBytes, pipeline.KindBytes, pipeline.KindEnd}
	if !equalKinds(f.kinds(), want) {
		t.Fatalf("written kinds = %v, want %v", f.kinds(), want)
	}
	if got := string(f.out.written[0].Data); got != "ping" {
		t.Errorf("first chunk = %q, want ping", got)
	}
	if !f.stream.Released() {
		t.Error("stream should be released after both directions ended")
	}
}

func TestEchoStructured(t *testing.T) {
	f := newFixture(t, 1, NewEcho())

	f.stream.Deliver(pipeline.HeadMessage(&pipeline.Head{
		Method: http.MethodPost,
		Path:   "/echo",
		Header: http.Header{"Content-Type": {"application/json"}},
	}))
	f.stream.Deliver(pipeline.Body([]byte(`{"a":1}`)))
	f.stream.Deliver(pipeline.End(http.Header{"Grpc-Status": {"0"}}))

	want := []pipeline.Kind{pipeline.KindHead, pipeline.KindBody, pipeline.KindEnd}
	if !equalKinds(f.kinds(), want) {
		t.Fatalf("written kinds = %v, want %v", f.kinds(), want)
	}
	head := f.out.written[0].Head
	if head.Status != http.StatusOK || head.Header.Get("Content-Type") != "application/json" {
		t.Errorf("head = %+v", head)
	}
	if got := f.out.written[2].Trailer.Get("Grpc-Status"); got != "0" {
		t.Errorf("trailer Grpc-Status = %q, want 0", got)
	}
}

func TestHello(t *testing.T) {
	f := newFixture(t, 3, NewHello())

	f.stream.Deliver(pipeline.HeadMessage(&pipeline.Head{Method: http.MethodGet, Path: "/"}))
	f.stream.Deliver(pipeline.End(nil))
	if len(f.out.written) != 0 {
		t.Fatal("hello answered before the next loop tick")
	}
	f.queue.drain()

	want := []pipeline.Kind{pipeline.KindHead, pipeline.KindBody, pipeline.KindEnd}
	if !equalKinds(f.kinds(), want) {
		t.Fatalf("written kinds = %v, want %v", f.kinds(), want)
	}
	head := f.out.written[0].Head
	if head.Status != http.StatusOK {
		t.Errorf("status = %d, want 200", head.Status)
	}
	if got := head.Header.Get("X-Stream-Id"); got != "3" {
		t.Errorf("x-stream-id = %q, want 3", got)
	}
	if got := string(f.out.written[1].Data); got != HelloBody {
		t.Errorf("body = %q, want %q", got, HelloBody)
	}
	if !f.stream.Released() {
		t.Error("stream should be released after the response")
	}
}

func TestHelloWaitsForRequestEnd(t *testing.T) {
	f := newFixture(t, 5, NewHello())

	f.stream.Deliver(pipeline.HeadMessage(&pipeline.Head{Method: http.MethodPost, Path: "/upload"}))
	f.stream.Deliver(pipeline.Body([]byte("part one")))
	f.queue.drain()
	if len(f.out.written) != 0 {
		t.Fatalf("hello wrote %v before the request ended", f.kinds())
	}

	f.stream.Deliver(pipeline.Body([]byte("part two")))
	f.stream.Deliver(pipeline.End(nil))
	f.queue.drain()

	want := []pipeline.Kind{pipeline.KindHead, pipeline.KindBody, pipeline.KindEnd}
	if !equalKinds(f.kinds(), want) {
		t.Fatalf("written kinds = %v, want %v", f.kinds(), want)
	}
	if !f.stream.Released() {
		t.Error("stream should be released after the response")
	}
}

func TestHelloRaw(t *testing.T) {
	f := newFixture(t, 0, NewHello())

	f.stream.Deliver(pipeline.Bytes([]byte("hi")))
	f.stream.Deliver(pipeline.Bytes([]byte("again")))
	f.queue.drain()

	want := []pipeline.Kind{pipeline.KindBytes, pipeline.KindEnd}
	if !equalKinds(f.kinds(), want) {
		t.Fatalf("written kinds = %v, want %v", f.kinds(), want)
	}
	if got := string(f.out.written[0].Data); got != HelloBody {
		t.Errorf("body = %q, want %q", got, HelloBody)
	}
}

func TestTrace(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	f := newFixture(t, 5, NewTrace(provider.Tracer("test")), NewEcho())

	f.stream.Deliver(pipeline.HeadMessage(&pipeline.Head{
		Method: http.MethodGet,
		Path:   "/traced",
		Header: http.Header{"Traceparent": {"00-" + traceID + "-00f067aa0ba902b7-01"}},
	}))
	f.stream.Deliver(pipeline.Body([]byte("abc")))
	if len(recorder.Ended()) != 0 {
		t.Fatal("span ended before the stream closed")
	}
	f.stream.Deliver(pipeline.End(nil))

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	span := spans[0]
	if span.Name() != "stream GET" {
		t.Errorf("span name = %q", span.Name())
	}
	if got := span.SpanContext().TraceID().String(); got != traceID {
		t.Errorf("trace id = %s, want %s", got, traceID)
	}
	if !span.Parent().IsRemote() {
		t.Error("expected a remote parent")
	}
	// Echo still saw every message.
	if len(f.out.written) != 3 {
		t.Errorf("written = %d messages, want 3", len(f.out.written))
	}
}

type faultingStage struct {
	pipeline.BaseStage
}

func (faultingStage) OnMessage(*pipeline.Context, pipeline.Message) error {
	return errors.New("boom")
}

func TestAccessLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	f := newFixture(t, 7, NewAccessLog(logger), NewEcho())
	f.stream.Deliver(pipeline.HeadMessage(&pipeline.Head{Method: http.MethodPut, Path: "/upload"}))
	f.stream.Deliver(pipeline.Body([]byte("12345")))
	f.stream.Deliver(pipeline.End(nil))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["msg"] != "stream closed" || line["level"] != "INFO" {
		t.Errorf("log line = %v", line)
	}
	if line["method"] != http.MethodPut || line["path"] != "/upload" {
		t.Errorf("request line = %v %v", line["method"], line["path"])
	}
	if line["bytes_in"] != float64(5) {
		t.Errorf("bytes_in = %v, want 5", line["bytes_in"])
	}

	buf.Reset()
	f = newFixture(t, 9, NewAccessLog(logger), faultingStage{})
	f.stream.Deliver(pipeline.Bytes([]byte("x")))
	if !strings.Contains(buf.String(), `"error_kind":"handler_fault"`) {
		t.Errorf("fault not logged: %s", buf.String())
	}
	if !f.stream.Released() || len(f.out.resets) != 1 {
		t.Errorf("fault should reset the stream, resets = %v", f.out.resets)
	}
}
