package handlers

import (
	"net/http"

	"mercator-hq/switchyard/pkg/pipeline"
)

// Handler names accepted in the protocols section of the configuration.
const (
	NameEcho      = "echo"
	NameHello     = "hello"
	NameTrace     = "trace"
	NameAccessLog = "accesslog"
)

// Echo writes every received chunk back to the peer. Raw streams get their
// bytes back unchanged; structured streams get a 200 head followed by the
// request body and trailers.
type Echo struct {
	pipeline.BaseStage
	received int
}

// NewEcho returns an echo stage.
func NewEcho() *Echo {
	return &Echo{}
}

// OnMessage implements pipeline.Stage.
func (e *Echo) OnMessage(ctx *pipeline.Context, msg pipeline.Message) error {
	switch msg.Kind {
	case pipeline.KindBytes, pipeline.KindBody:
		e.received += len(msg.Data)
		ctx.Logger().Debug("echo chunk", "kind", msg.Kind.String(), "bytes", len(msg.Data))
		return ctx.Emit(msg)
	case pipeline.KindHead:
		h := &pipeline.Head{Status: http.StatusOK, Header: http.Header{}}
		if msg.Head != nil {
			if ct := msg.Head.Header.Get("Content-Type"); ct != "" {
				h.Header.Set("Content-Type", ct)
			}
		}
		return ctx.Emit(pipeline.HeadMessage(h))
	case pipeline.KindEnd:
		ctx.Logger().Debug("echo finished", "bytes", e.received)
		return ctx.Emit(pipeline.End(msg.Trailer))
	}
	ctx.Forward(msg)
	return nil
}
