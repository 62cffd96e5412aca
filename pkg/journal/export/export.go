// Package export writes journal records as JSON or CSV.
package export

import (
	"fmt"

	"mercator-hq/switchyard/pkg/journal"
)

// Formats lists the names accepted by New.
var Formats = []string{"json", "csv"}

// New returns the exporter for format. pretty applies to JSON.
func New(format string, pretty bool) (journal.Exporter, error) {
	switch format {
	case "json":
		return NewJSONExporter(pretty), nil
	case "csv":
		return NewCSVExporter(true), nil
	default:
		return nil, fmt.Errorf("unsupported export format %q (want one of %v)", format, Formats)
	}
}
