package handlers

import (
	"net/http"
	"strconv"

	"mercator-hq/switchyard/pkg/pipeline"
)

// HelloBody is the body of every hello response.
const HelloBody = "hello there"

// Hello answers each request with a fixed response: status 200, an
// x-stream-id header naming the stream, and the body "hello there". The
// answer is written one loop tick after the request ends, and the stream is
// closed once it is complete. On a raw stream only the body is written, one
// loop tick after the first chunk arrives.
type Hello struct {
	pipeline.BaseStage
	inRequest bool
	answered  bool
}

// NewHello returns a hello stage.
func NewHello() *Hello {
	return &Hello{}
}

// OnMessage implements pipeline.Stage.
func (h *Hello) OnMessage(ctx *pipeline.Context, msg pipeline.Message) error {
	if h.answered {
		return nil
	}
	switch msg.Kind {
	case pipeline.KindHead:
		h.inRequest = true
	case pipeline.KindEnd:
		if !h.inRequest {
			return nil
		}
		h.answered = true
		ctx.Schedule(func() { h.respond(ctx, helloResponse(ctx.StreamID())) })
	case pipeline.KindBytes:
		h.answered = true
		ctx.Schedule(func() { h.respond(ctx, []pipeline.Message{pipeline.Bytes([]byte(HelloBody))}) })
	}
	return nil
}

func helloResponse(id uint32) []pipeline.Message {
	head := &pipeline.Head{
		Status: http.StatusOK,
		Header: http.Header{
			"Content-Type": {"text/plain; charset=utf-8"},
			"X-Stream-Id":  {strconv.FormatUint(uint64(id), 10)},
		},
	}
	return []pipeline.Message{
		pipeline.HeadMessage(head),
		pipeline.Body([]byte(HelloBody)),
	}
}

func (h *Hello) respond(ctx *pipeline.Context, msgs []pipeline.Message) {
	for _, msg := range msgs {
		if err := ctx.Emit(msg); err != nil {
			ctx.Fault(err)
			return
		}
	}
	ctx.CloseStream()
}
