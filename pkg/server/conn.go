package server

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"mercator-hq/switchyard/pkg/demux"
	"mercator-hq/switchyard/pkg/journal"
	"mercator-hq/switchyard/pkg/pipeline"
	"mercator-hq/switchyard/pkg/telemetry/tracing"
	"mercator-hq/switchyard/pkg/transport/tlsterm"
)

// accept runs on the listener goroutine. The handshake moves to its own
// goroutine so a slow client never stalls accepting.
func (s *Server) accept(ctx context.Context, nc net.Conn) {
	s.handshakes.Add(1)
	go func() {
		defer s.handshakes.Done()
		s.serveConn(ctx, nc, time.Now())
	}()
}

func (s *Server) serveConn(ctx context.Context, nc net.Conn, accepted time.Time) {
	remote := nc.RemoteAddr().String()
	local := nc.LocalAddr().String()

	session, err := s.terminator.Handshake(ctx, nc)
	if err != nil {
		s.handshakeFailed(err, remote, local, accepted)
		return
	}
	s.collector.RecordHandshake(session.Protocol, session.Fallback, session.Duration)

	protocol := session.Protocol
	strategy, ok := s.strategies.Lookup(protocol)
	if !ok {
		// Terminator only negotiates configured protocols and New checked
		// each has a strategy.
		s.logger.Error("no strategy for negotiated protocol", "protocol", protocol, "remote_addr", remote)
		_ = session.Conn.Close()
		return
	}

	id := uuid.NewString()
	connCtx, span := s.tracer.Start(context.WithoutCancel(ctx), "connection "+protocol,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(tracing.ConnAttributes(id, protocol, remote)...),
		trace.WithAttributes(attribute.Bool("tls.fallback", session.Fallback)),
	)

	s.mu.Lock()
	loops := s.loops
	s.connWG.Add(1)
	s.mu.Unlock()

	s.collector.ConnectionOpened(protocol)
	c := demux.NewConn(loops.Next(), session.Conn, demux.ConnOptions{
		ID:       id,
		Protocol: protocol,
		Strategy: strategy,
		Stages:   s.chains[protocol],
		Config:   s.demuxCfg,
		Observer: s.collector,
		Logger:   s.logger.Logger,
		Context:  connCtx,
		OnClose: func(sum demux.Summary) {
			s.connClosed(sum, session, accepted, span)
		},
	})
	// Tracked before Start so OnClose always finds it.
	draining := s.track(c)
	c.Start()
	if draining {
		c.Shutdown()
	}
}

// track registers a live connection and reports whether the server is
// already draining.
func (s *Server) track(c *demux.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c.ID()] = c
	return s.draining
}

func (s *Server) connClosed(sum demux.Summary, session *tlsterm.Session, accepted time.Time, span trace.Span) {
	closed := sum.Closed
	if closed.IsZero() {
		closed = time.Now()
	}
	lifetime := closed.Sub(accepted)

	s.collector.ConnectionClosed(sum.Protocol, sum.Err, lifetime)

	span.SetAttributes(
		attribute.Int64(tracing.AttrStreams, int64(sum.Streams)),
		attribute.Int64(tracing.AttrBytesIn, int64(sum.BytesIn)),
		attribute.Int64(tracing.AttrBytesOut, int64(sum.BytesOut)),
	)
	if !pipeline.IsBenign(sum.Err) {
		tracing.SetError(span, sum.Err)
		span.SetAttributes(attribute.String(tracing.AttrErrorKind, pipeline.Classify(sum.Err)))
		tracing.SetStatus(span, sum.Err)
	} else {
		tracing.SetStatus(span, nil)
	}
	span.End()

	rec := &journal.Record{
		ID:                sum.ID,
		Remote:            sum.Remote,
		Local:             sum.Local,
		ServerName:        session.ServerName,
		Protocol:          sum.Protocol,
		Fallback:          session.Fallback,
		TLSVersion:        session.VersionName(),
		CipherSuite:       session.CipherSuiteName(),
		HandshakeDuration: session.Duration,
		OpenedAt:          accepted,
		ClosedAt:          closed,
		Streams:           int(sum.Streams),
		BytesIn:           int64(sum.BytesIn),
		BytesOut:          int64(sum.BytesOut),
		ErrorKind:         pipeline.Classify(sum.Err),
	}
	if sum.Err != nil {
		rec.CloseReason = sum.Err.Error()
	}
	s.record(rec)

	s.mu.Lock()
	delete(s.conns, sum.ID)
	s.mu.Unlock()
	s.connWG.Done()
}

func (s *Server) handshakeFailed(err error, remote, local string, accepted time.Time) {
	reason := "handshake_failed"
	var he *pipeline.HandshakeError
	if errors.As(err, &he) {
		reason = he.Reason
	}
	elapsed := time.Since(accepted)
	s.collector.RecordHandshakeFailure(reason, elapsed)

	s.logger.Info("TLS handshake failed",
		"remote_addr", remote,
		"reason", reason,
		"error", err,
	)

	s.record(&journal.Record{
		Remote:      remote,
		Local:       local,
		OpenedAt:    accepted,
		ClosedAt:    accepted.Add(elapsed),
		ErrorKind:   pipeline.Classify(err),
		CloseReason: reason,
	})
}

func (s *Server) record(rec *journal.Record) {
	s.mu.Lock()
	r := s.recorder
	s.mu.Unlock()
	if r == nil {
		return
	}
	// Drops are logged and counted by the recorder.
	_ = r.Record(rec)
}
