package metrics

import (
	"mercator-hq/switchyard/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
)

// JournalMetrics tracks the asynchronous connection journal.
//
// Metrics:
//   - switchyard_journal_records_total: Journal records by outcome (stored, dropped, failed)
//   - switchyard_journal_pruned_total: Records removed by retention
type JournalMetrics struct {
	records *prometheus.CounterVec
	pruned  prometheus.Counter
}

// NewJournalMetrics creates and registers journal metrics with the provided
// registry.
func NewJournalMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *JournalMetrics {
	jm := &JournalMetrics{
		records: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "journal",
				Name:      "records_total",
				Help:      "Total number of connection journal records by outcome",
			},
			[]string{"outcome"},
		),

		pruned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "journal",
				Name:      "pruned_total",
				Help:      "Total number of journal records removed by retention",
			},
		),
	}

	registry.MustRegister(jm.records, jm.pruned)

	return jm
}
