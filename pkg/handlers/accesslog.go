package handlers

import (
	"log/slog"
	"time"

	"mercator-hq/switchyard/pkg/pipeline"
	"mercator-hq/switchyard/pkg/telemetry/logging"
)

// AccessLog logs one line per stream when it closes, carrying the request
// line, the bytes received and the stream lifetime. It forwards every
// message unchanged.
type AccessLog struct {
	pipeline.BaseStage
	logger *slog.Logger

	opened time.Time
	method string
	path   string
	bytes  int
}

// NewAccessLog returns an access log stage. A nil logger logs through the
// stream's own logger.
func NewAccessLog(logger *slog.Logger) *AccessLog {
	return &AccessLog{logger: logger}
}

// OnOpen implements pipeline.Stage.
func (a *AccessLog) OnOpen(*pipeline.Context) error {
	a.opened = time.Now()
	return nil
}

// OnMessage implements pipeline.Stage.
func (a *AccessLog) OnMessage(ctx *pipeline.Context, msg pipeline.Message) error {
	switch msg.Kind {
	case pipeline.KindHead:
		if msg.Head != nil {
			a.method, a.path = msg.Head.Method, msg.Head.Path
		}
	case pipeline.KindBytes, pipeline.KindBody:
		a.bytes += len(msg.Data)
	}
	ctx.Forward(msg)
	return nil
}

// OnClose implements pipeline.Stage.
func (a *AccessLog) OnClose(ctx *pipeline.Context) {
	logger := ctx.Logger()
	if a.logger != nil {
		logger = logging.FromContext(ctx.Context(), a.logger)
	}
	attrs := []any{
		"bytes_in", a.bytes,
		"duration", time.Since(a.opened),
	}
	if a.method != "" {
		attrs = append(attrs, "method", a.method, "path", a.path)
	}
	if err := ctx.Cause(); err != nil {
		attrs = append(attrs, "error_kind", pipeline.Classify(err), "error", err)
		logger.Warn("stream closed", attrs...)
		return
	}
	logger.Info("stream closed", attrs...)
}
