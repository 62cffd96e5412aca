package export

import (
	"context"
	"encoding/json"
	"io"

	"mercator-hq/switchyard/pkg/journal"
)

// JSONExporter writes records as a JSON array.
type JSONExporter struct {
	Pretty bool
}

// NewJSONExporter creates a JSON exporter. Pretty indents the output.
func NewJSONExporter(pretty bool) *JSONExporter {
	return &JSONExporter{Pretty: pretty}
}

// Export implements journal.Exporter. An empty slice is written as [].
func (e *JSONExporter) Export(ctx context.Context, records []*journal.Record, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return journal.NewExportError("json", len(records), err)
	}
	if records == nil {
		records = []*journal.Record{}
	}

	enc := json.NewEncoder(w)
	if e.Pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(records); err != nil {
		return journal.NewExportError("json", len(records), err)
	}
	return nil
}
