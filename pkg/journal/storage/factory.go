package storage

import (
	"fmt"
	"log/slog"

	"mercator-hq/switchyard/pkg/config"
	"mercator-hq/switchyard/pkg/journal"
)

// New builds the backend selected by cfg.Backend. The "none" backend returns
// a nil Storage and no error.
func New(cfg config.JournalConfig, logger *slog.Logger) (journal.Storage, error) {
	switch cfg.Backend {
	case "memory", "":
		return NewMemoryStorage(), nil
	case "sqlite":
		return NewSQLiteStorage(cfg.SQLite, logger)
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown journal backend %q", cfg.Backend)
	}
}
