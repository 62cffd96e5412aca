package export

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"mercator-hq/switchyard/pkg/journal"
)

// CSVHeader is the column order of CSV exports.
var CSVHeader = []string{
	"id", "remote", "local", "server_name",
	"protocol", "fallback", "tls_version", "cipher_suite", "handshake_ms",
	"opened_at", "closed_at", "duration_ms",
	"streams", "bytes_in", "bytes_out",
	"error_kind", "close_reason",
}

// CSVExporter writes one row per record.
type CSVExporter struct {
	IncludeHeader bool
}

// NewCSVExporter creates a CSV exporter.
func NewCSVExporter(includeHeader bool) *CSVExporter {
	return &CSVExporter{IncludeHeader: includeHeader}
}

// Export implements journal.Exporter.
func (e *CSVExporter) Export(ctx context.Context, records []*journal.Record, w io.Writer) error {
	writer := csv.NewWriter(w)

	if e.IncludeHeader {
		if err := writer.Write(CSVHeader); err != nil {
			return journal.NewExportError("csv", len(records), err)
		}
	}
	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return journal.NewExportError("csv", len(records), err)
		}
		if err := writer.Write(row(r)); err != nil {
			return journal.NewExportError("csv", len(records), err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return journal.NewExportError("csv", len(records), err)
	}
	return nil
}

func row(r *journal.Record) []string {
	return []string{
		r.ID,
		r.Remote,
		r.Local,
		r.ServerName,
		r.Protocol,
		strconv.FormatBool(r.Fallback),
		r.TLSVersion,
		r.CipherSuite,
		strconv.FormatInt(r.HandshakeDuration.Milliseconds(), 10),
		formatTime(r.OpenedAt),
		formatTime(r.ClosedAt),
		strconv.FormatInt(r.Duration().Milliseconds(), 10),
		strconv.Itoa(r.Streams),
		strconv.FormatInt(r.BytesIn, 10),
		strconv.FormatInt(r.BytesOut, 10),
		r.ErrorKind,
		r.CloseReason,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
