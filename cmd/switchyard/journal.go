package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ryanuber/columnize"
	"github.com/spf13/cobra"
	"mercator-hq/switchyard/pkg/cli"
	"mercator-hq/switchyard/pkg/config"
	"mercator-hq/switchyard/pkg/journal"
	"mercator-hq/switchyard/pkg/journal/export"
	"mercator-hq/switchyard/pkg/journal/retention"
	"mercator-hq/switchyard/pkg/journal/storage"
	"mercator-hq/switchyard/pkg/pipeline"
)

var journalFlags struct {
	timeRange string
	protocol  string
	remote    string
	errorKind string
	limit     int
	offset    int
	sortBy    string
	sortOrder string
	format    string
	output    string

	days       int
	maxRecords int64
}

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Query the connection journal",
	Long: `Query, summarise and prune the connection journal.

Every connection switchyard accepts is recorded with its negotiated
protocol, TLS parameters, traffic counters and close reason. The journal
commands open the backend configured under journal.

Subcommands:
  query  - List records matching filters
  stats  - Count records by protocol and error kind
  prune  - Apply the retention policy now

Examples:
  # Connections closed in a time range
  switchyard journal query --time-range "2026-01-01T00:00:00Z/2026-01-02T00:00:00Z"

  # Failed h2 connections as CSV
  switchyard journal query --protocol h2 --error-kind protocol_violation --format csv`,
}

var journalQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query journal records",
	Long: `Query journal records with filters.

Time Range Format:
  RFC3339 interval format: "start/end", matched against the close time
  Example: "2026-01-01T00:00:00Z/2026-01-02T00:00:00Z"

Error kinds:
  none (clean close), ` + strings.Join(pipeline.ErrorKinds, ", ") + `

Examples:
  # Last 100 connections
  switchyard journal query

  # Everything from one client
  switchyard journal query --remote 10.0.0.7 --limit 1000

  # Export to JSON
  switchyard journal query --format json --output journal.json`,
	RunE: queryJournal,
}

var journalStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count journal records",
	Long: `Count journal records by negotiated protocol and by error kind.

The --time-range filter applies to every count.`,
	RunE: journalStats,
}

var journalPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Prune journal records",
	Long: `Delete journal records by age and count, as the scheduled retention job
does. --days and --max-records override journal.retention.

Examples:
  # Apply the configured retention policy
  switchyard journal prune

  # Keep one week and at most 100000 records
  switchyard journal prune --days 7 --max-records 100000`,
	RunE: pruneJournal,
}

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalQueryCmd, journalStatsCmd, journalPruneCmd)

	journalQueryCmd.Flags().StringVar(&journalFlags.timeRange, "time-range", "", "time range (RFC3339 interval: start/end)")
	journalQueryCmd.Flags().StringVar(&journalFlags.protocol, "protocol", "", "filter by negotiated protocol")
	journalQueryCmd.Flags().StringVar(&journalFlags.remote, "remote", "", "filter by peer host or host:port")
	journalQueryCmd.Flags().StringVar(&journalFlags.errorKind, "error-kind", "", "filter by error kind, or none for clean closes")
	journalQueryCmd.Flags().IntVar(&journalFlags.limit, "limit", 0, "max results (default: journal.query.default_limit)")
	journalQueryCmd.Flags().IntVar(&journalFlags.offset, "offset", 0, "pagination offset")
	journalQueryCmd.Flags().StringVar(&journalFlags.sortBy, "sort-by", "", "sort field: closed_at, opened_at, bytes_in, bytes_out, streams")
	journalQueryCmd.Flags().StringVar(&journalFlags.sortOrder, "sort-order", "", "sort order: asc, desc")
	journalQueryCmd.Flags().StringVar(&journalFlags.format, "format", "text", "output format: text, json, csv")
	journalQueryCmd.Flags().StringVarP(&journalFlags.output, "output", "o", "", "output file (default: stdout)")

	journalStatsCmd.Flags().StringVar(&journalFlags.timeRange, "time-range", "", "time range (RFC3339 interval: start/end)")
	journalStatsCmd.Flags().StringVar(&journalFlags.format, "format", "text", "output format: text, json, csv")

	journalPruneCmd.Flags().IntVar(&journalFlags.days, "days", 0, "keep records closed within this many days (default: journal.retention.days)")
	journalPruneCmd.Flags().Int64Var(&journalFlags.maxRecords, "max-records", 0, "keep at most this many records (default: journal.retention.max_records)")
}

// openJournal loads the configuration and opens its journal backend.
func openJournal(cmd *cobra.Command) (*config.Config, journal.Storage, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, cli.NewConfigError("", fmt.Sprintf("failed to load config: %v", err))
	}
	switch cfg.Journal.Backend {
	case "none":
		return nil, nil, cli.NewConfigError("journal.backend", "the journal is disabled")
	case "memory":
		fmt.Fprintln(cmd.ErrOrStderr(), "warning: the memory journal backend does not persist records across processes")
	}
	store, err := storage.New(cfg.Journal, nil)
	if err != nil {
		return nil, nil, cli.NewCommandError("journal", err)
	}
	return cfg, store, nil
}

// parseTimeRange parses an RFC3339 "start/end" interval.
func parseTimeRange(s string) (start, end *time.Time, err error) {
	if s == "" {
		return nil, nil, nil
	}
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return nil, nil, cli.NewConfigError("time-range", "invalid time range format (expected: start/end)")
	}
	startTime, err := time.Parse(time.RFC3339, parts[0])
	if err != nil {
		return nil, nil, cli.NewConfigError("time-range", fmt.Sprintf("invalid start time: %v", err))
	}
	endTime, err := time.Parse(time.RFC3339, parts[1])
	if err != nil {
		return nil, nil, cli.NewConfigError("time-range", fmt.Sprintf("invalid end time: %v", err))
	}
	return &startTime, &endTime, nil
}

func queryJournal(cmd *cobra.Command, args []string) error {
	format, err := cli.ParseFormat(journalFlags.format)
	if err != nil {
		return err
	}
	start, end, err := parseTimeRange(journalFlags.timeRange)
	if err != nil {
		return err
	}

	cfg, store, err := openJournal(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	q := &journal.Query{
		StartTime: start,
		EndTime:   end,
		Protocol:  journalFlags.protocol,
		Remote:    journalFlags.remote,
		ErrorKind: journalFlags.errorKind,
		Limit:     journalFlags.limit,
		Offset:    journalFlags.offset,
		SortBy:    journalFlags.sortBy,
		SortOrder: journalFlags.sortOrder,
	}
	if err := journal.ValidateQuery(q, cfg.Journal.Query); err != nil {
		return cli.NewConfigError("query", err.Error())
	}
	journal.ApplyQueryDefaults(q, cfg.Journal.Query)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	records, err := store.Query(ctx, q)
	if err != nil {
		return cli.NewCommandError("journal query", err)
	}

	out := cmd.OutOrStdout()
	if journalFlags.output != "" {
		f, err := os.Create(journalFlags.output)
		if err != nil {
			return cli.NewCommandError("journal query", err)
		}
		defer f.Close()
		out = f
	}

	if format == cli.FormatText {
		writeRecordsText(out, records)
		return nil
	}
	exporter, err := export.New(string(format), true)
	if err != nil {
		return err
	}
	if err := exporter.Export(ctx, records, out); err != nil {
		return cli.NewCommandError("journal query", err)
	}
	if journalFlags.output != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Exported %d records to %s\n", len(records), journalFlags.output)
	}
	return nil
}

func writeRecordsText(w io.Writer, records []*journal.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No journal records found.")
		return
	}
	const delim = "\x1f"
	lines := []string{strings.Join([]string{
		"Closed", "Remote", "Protocol", "Duration", "Streams", "In", "Out", "Error",
	}, delim)}
	for _, r := range records {
		kind := r.ErrorKind
		if kind == "" {
			kind = "-"
		}
		proto := r.Protocol
		if proto == "" {
			proto = "-"
		}
		lines = append(lines, strings.Join([]string{
			r.ClosedAt.Local().Format(time.DateTime),
			r.Remote,
			proto,
			r.Duration().Round(time.Millisecond).String(),
			strconv.Itoa(r.Streams),
			strconv.FormatInt(r.BytesIn, 10),
			strconv.FormatInt(r.BytesOut, 10),
			kind,
		}, delim))
	}
	fmt.Fprintln(w, columnize.Format(lines, &columnize.Config{Delim: delim}))
	fmt.Fprintf(w, "\n%d records\n", len(records))
}

// journalCounts is the result of journal stats.
type journalCounts struct {
	Total      int64            `json:"total"`
	Protocols  map[string]int64 `json:"protocols"`
	ErrorKinds map[string]int64 `json:"error_kinds"`

	protocolOrder []string
	kindOrder     []string
}

func (c *journalCounts) Header() []string { return []string{"group", "value", "count"} }

func (c *journalCounts) Rows() [][]string {
	rows := [][]string{{"total", "", strconv.FormatInt(c.Total, 10)}}
	for _, p := range c.protocolOrder {
		rows = append(rows, []string{"protocol", p, strconv.FormatInt(c.Protocols[p], 10)})
	}
	for _, k := range c.kindOrder {
		rows = append(rows, []string{"error_kind", k, strconv.FormatInt(c.ErrorKinds[k], 10)})
	}
	return rows
}

func (c *journalCounts) String() string {
	const delim = "\x1f"
	lines := []string{"Group" + delim + "Value" + delim + "Count"}
	for _, row := range c.Rows() {
		lines = append(lines, strings.Join(row, delim))
	}
	return columnize.Format(lines, &columnize.Config{Delim: delim})
}

func journalStats(cmd *cobra.Command, args []string) error {
	formatter, err := cli.NewFormatter(cli.OutputFormat(journalFlags.format))
	if err != nil {
		return err
	}
	start, end, err := parseTimeRange(journalFlags.timeRange)
	if err != nil {
		return err
	}

	cfg, store, err := openJournal(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	count := func(q journal.Query) (int64, error) {
		q.StartTime, q.EndTime = start, end
		return store.Count(ctx, &q)
	}

	counts := &journalCounts{
		Protocols:     make(map[string]int64),
		ErrorKinds:    make(map[string]int64),
		protocolOrder: cfg.ProtocolNames(),
		kindOrder:     append([]string{journal.ErrorKindNone}, pipeline.ErrorKinds...),
	}
	if counts.Total, err = count(journal.Query{}); err != nil {
		return cli.NewCommandError("journal stats", err)
	}
	for _, p := range counts.protocolOrder {
		if counts.Protocols[p], err = count(journal.Query{Protocol: p}); err != nil {
			return cli.NewCommandError("journal stats", err)
		}
	}
	for _, k := range counts.kindOrder {
		if counts.ErrorKinds[k], err = count(journal.Query{ErrorKind: k}); err != nil {
			return cli.NewCommandError("journal stats", err)
		}
	}
	return formatter.FormatTo(cmd.OutOrStdout(), counts)
}

func pruneJournal(cmd *cobra.Command, args []string) error {
	cfg, store, err := openJournal(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	policy := cfg.Journal.Retention
	if cmd.Flags().Changed("days") {
		policy.Days = journalFlags.days
	}
	if cmd.Flags().Changed("max-records") {
		policy.MaxRecords = journalFlags.maxRecords
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	n, err := retention.NewPruner(store, policy).Prune(ctx)
	if err != nil {
		return cli.NewCommandError("journal prune", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Pruned %d records\n", n)
	return nil
}
