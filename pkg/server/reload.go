package server

import (
	"log"
	"log/slog"
	"reflect"

	"mercator-hq/switchyard/pkg/config"
)

// Reload applies the hot-reloadable part of next: the log level and the
// per-client connection limit. Other changes are logged and need a restart.
func (s *Server) Reload(next *config.Config) {
	logger := s.logger.With("component", "server")

	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.cfg

	if next.Telemetry.Logging.Level != cur.Telemetry.Logging.Level {
		if err := s.logger.SetLevel(next.Telemetry.Logging.Level); err != nil {
			logger.Warn("ignoring invalid log level", "level", next.Telemetry.Logging.Level, "error", err)
		} else {
			logger.Info("log level changed",
				"from", cur.Telemetry.Logging.Level,
				"to", next.Telemetry.Logging.Level,
			)
			cur.Telemetry.Logging.Level = next.Telemetry.Logging.Level
		}
	}

	if next.Listener.MaxConnsPerClientIP != cur.Listener.MaxConnsPerClientIP {
		if s.listener != nil {
			s.listener.SetMaxConnsPerClientIP(next.Listener.MaxConnsPerClientIP)
		}
		cur.Listener.MaxConnsPerClientIP = next.Listener.MaxConnsPerClientIP
	}

	for _, section := range restartRequired(cur, next) {
		logger.Warn("configuration change requires a restart", "section", section)
	}
}

func restartRequired(cur, next *config.Config) []string {
	var changed []string
	if cur.Listener.Address != next.Listener.Address {
		changed = append(changed, "listener.address")
	}
	if !reflect.DeepEqual(cur.TLS, next.TLS) {
		changed = append(changed, "tls")
	}
	if !reflect.DeepEqual(cur.Protocols, next.Protocols) {
		changed = append(changed, "protocols")
	}
	if !reflect.DeepEqual(cur.Pipeline, next.Pipeline) {
		changed = append(changed, "pipeline")
	}
	if !reflect.DeepEqual(cur.Journal, next.Journal) {
		changed = append(changed, "journal")
	}
	if cur.Admin != next.Admin {
		changed = append(changed, "admin")
	}
	return changed
}

func slogErrorLog(logger *slog.Logger) *log.Logger {
	return slog.NewLogLogger(logger.With("component", "admin").Handler(), slog.LevelWarn)
}
