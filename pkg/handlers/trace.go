package handlers

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"mercator-hq/switchyard/pkg/pipeline"
	"mercator-hq/switchyard/pkg/telemetry/tracing"
)

// SpanStarter starts spans. Both *tracing.Tracer and trace.Tracer satisfy it.
type SpanStarter interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span)
}

// Trace opens a server span per stream. For structured streams the span
// continues a trace carried in the request's traceparent header. It forwards
// every message unchanged.
type Trace struct {
	pipeline.BaseStage
	tracer SpanStarter
	span   trace.Span
	bytes  int
}

// NewTrace returns a trace stage. A nil tracer uses the global provider.
func NewTrace(tracer SpanStarter) *Trace {
	if tracer == nil {
		tracer = otel.Tracer("mercator-hq/switchyard/handlers")
	}
	return &Trace{tracer: tracer}
}

// OnMessage implements pipeline.Stage.
func (t *Trace) OnMessage(ctx *pipeline.Context, msg pipeline.Message) error {
	switch msg.Kind {
	case pipeline.KindHead:
		if t.span == nil && msg.Head != nil {
			parent := tracing.Extract(ctx.Context(), msg.Head.Header)
			t.start(ctx, parent, "stream "+msg.Head.Method)
			tracing.SetStreamRequest(t.span, msg.Head.Method, msg.Head.Path)
		}
	case pipeline.KindBytes, pipeline.KindBody:
		if t.span == nil {
			t.start(ctx, ctx.Context(), "stream")
		}
		t.bytes += len(msg.Data)
	}
	ctx.Forward(msg)
	return nil
}

func (t *Trace) start(ctx *pipeline.Context, parent context.Context, name string) {
	_, t.span = t.tracer.Start(parent, name,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.Int64(tracing.AttrStreamID, int64(ctx.StreamID()))),
	)
}

// OnClose implements pipeline.Stage. A stream released by a reset or a fault
// ends its span with an error status.
func (t *Trace) OnClose(ctx *pipeline.Context) {
	if t.span == nil {
		return
	}
	t.span.SetAttributes(attribute.Int(tracing.AttrBytesIn, t.bytes))
	if err := ctx.Cause(); err != nil {
		tracing.SetError(t.span, err)
		t.span.SetAttributes(attribute.String(tracing.AttrErrorKind, pipeline.Classify(err)))
	}
	tracing.SetStatus(t.span, ctx.Cause())
	t.span.End()
}
