package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"mercator-hq/switchyard/pkg/config"
	"mercator-hq/switchyard/pkg/journal"
)

// Pruner removes journal records that fall outside the retention policy.
type Pruner struct {
	storage  journal.Storage
	config   config.RetentionConfig
	logger   *slog.Logger
	onPruned func(int64)
	now      func() time.Time
}

// Option configures a Pruner.
type Option func(*Pruner)

// WithLogger sets the pruner's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pruner) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// OnPruned registers fn to receive the number of records removed by every
// successful Prune.
func OnPruned(fn func(int64)) Option {
	return func(p *Pruner) { p.onPruned = fn }
}

// NewPruner creates a pruner for storage.
func NewPruner(storage journal.Storage, cfg config.RetentionConfig, opts ...Option) *Pruner {
	p := &Pruner{
		storage:  storage,
		config:   cfg,
		logger:   slog.Default(),
		onPruned: func(int64) {},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "journal.retention")
	return p
}

// Prune applies the age limit, then the record cap, and returns the number
// of records removed. Days <= 0 disables the age limit and MaxRecords <= 0
// disables the cap.
func (p *Pruner) Prune(ctx context.Context) (int64, error) {
	var total int64

	if p.config.Days > 0 {
		cutoff := p.now().Add(-time.Duration(p.config.Days) * 24 * time.Hour)
		n, err := p.storage.Delete(ctx, &journal.Query{EndTime: &cutoff})
		if err != nil {
			return total, journal.NewRetentionError(p.config.Days, fmt.Errorf("delete records closed before %s: %w", cutoff.Format(time.RFC3339), err))
		}
		total += n
		if n > 0 {
			p.logger.Info("pruned expired journal records", "count", n, "cutoff", cutoff)
		}
	}

	if p.config.MaxRecords > 0 {
		count, err := p.storage.Count(ctx, &journal.Query{})
		if err != nil {
			return total, journal.NewRetentionError(p.config.Days, fmt.Errorf("count records: %w", err))
		}
		if excess := count - p.config.MaxRecords; excess > 0 {
			n, err := p.storage.Delete(ctx, &journal.Query{
				SortBy:    "closed_at",
				SortOrder: "asc",
				Limit:     int(excess),
			})
			if err != nil {
				return total, journal.NewRetentionError(p.config.Days, fmt.Errorf("delete oldest records: %w", err))
			}
			total += n
			p.logger.Info("pruned journal records over cap",
				"count", n,
				"max_records", p.config.MaxRecords,
			)
		}
	}

	p.onPruned(total)
	return total, nil
}
