package server

import (
	"net/http"
	"time"

	"mercator-hq/switchyard/pkg/telemetry/health"
	"mercator-hq/switchyard/pkg/telemetry/tracing"
)

// adminServer serves metrics, health probes and version information.
func (s *Server) adminServer() *http.Server {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Telemetry.Metrics.Path, s.collector.Handler())
	health.Mount(mux, s.cfg.Telemetry.Health, s.checker, s.version)

	return &http.Server{
		Handler:           tracing.HTTPMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slogErrorLog(s.logger.Logger),
	}
}
