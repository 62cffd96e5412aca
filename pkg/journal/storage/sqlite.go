package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"mercator-hq/switchyard/pkg/config"
	"mercator-hq/switchyard/pkg/journal"
)

var errClosed = errors.New("storage closed")

// SQLiteStorage stores records in a SQLite database through the pure Go
// modernc.org/sqlite driver.
type SQLiteStorage struct {
	db     *sql.DB
	config config.SQLiteConfig
	logger *slog.Logger
}

// NewSQLiteStorage opens (creating if needed) the database at cfg.Path and
// applies the schema. journal_mode and busy_timeout are set on every pooled
// connection.
func NewSQLiteStorage(cfg config.SQLiteConfig, logger *slog.Logger) (*SQLiteStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "journal.storage.sqlite")

	if cfg.Path == "" {
		return nil, journal.NewStorageError("sqlite", "open", errors.New("database path is required"))
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, journal.NewStorageError("sqlite", "open", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(cfg))
	if err != nil {
		return nil, journal.NewStorageError("sqlite", "open", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	s := &SQLiteStorage{db: db, config: cfg, logger: logger}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("SQLite journal initialized",
		"path", cfg.Path,
		"journal_mode", cfg.JournalMode,
		"max_open_conns", cfg.MaxOpenConns,
	)
	return s, nil
}

func dsn(cfg config.SQLiteConfig) string {
	params := url.Values{}
	if cfg.JournalMode != "" {
		params.Add("_pragma", fmt.Sprintf("journal_mode(%s)", strings.ToUpper(cfg.JournalMode)))
	}
	if cfg.BusyTimeout > 0 {
		params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()))
	}
	if len(params) == 0 {
		return "file:" + cfg.Path
	}
	return "file:" + cfg.Path + "?" + params.Encode()
}

func (s *SQLiteStorage) initialize() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return journal.NewStorageError("sqlite", "create_schema", err)
	}
	if _, err := s.db.ExecContext(ctx, InsertSchemaVersion, SchemaVersion); err != nil {
		return journal.NewStorageError("sqlite", "insert_schema_version", err)
	}

	var version int
	err := s.db.QueryRowContext(ctx, GetSchemaVersion).Scan(&version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return journal.NewStorageError("sqlite", "get_schema_version", err)
	}
	if version != SchemaVersion {
		return journal.NewStorageError("sqlite", "schema_version_mismatch",
			fmt.Errorf("expected schema version %d, got %d", SchemaVersion, version))
	}
	s.logger.Debug("schema version verified", "version", version)
	return nil
}

// Store inserts record, replacing a record with the same id.
func (s *SQLiteStorage) Store(ctx context.Context, record *journal.Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO connections (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.Remote, record.RemoteHost(), record.Local, record.ServerName,
		record.Protocol, record.Fallback, record.TLSVersion, record.CipherSuite, int64(record.HandshakeDuration),
		record.OpenedAt.UnixNano(), record.ClosedAt.UnixNano(), record.Streams, record.BytesIn, record.BytesOut,
		record.ErrorKind, record.CloseReason,
	)
	if err != nil {
		return journal.NewStorageError("sqlite", "store", err)
	}
	return nil
}

// Query returns the matching records.
func (s *SQLiteStorage) Query(ctx context.Context, q *journal.Query) ([]*journal.Record, error) {
	where, args := buildWhereClause(q)
	query := "SELECT " + columns + " FROM connections" + where + orderBy(q)
	query, args = paginate(query, args, q)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, journal.NewStorageError("sqlite", "query", err)
	}
	defer rows.Close()

	records := []*journal.Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, journal.NewStorageError("sqlite", "scan", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, journal.NewStorageError("sqlite", "query", err)
	}
	return records, nil
}

// Count returns the number of matching records, ignoring pagination.
func (s *SQLiteStorage) Count(ctx context.Context, q *journal.Query) (int64, error) {
	where, args := buildWhereClause(q)
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM connections"+where, args...).Scan(&n); err != nil {
		return 0, journal.NewStorageError("sqlite", "count", err)
	}
	return n, nil
}

// Delete removes the matching records. With a Limit only the first Limit
// records in sort order are removed.
func (s *SQLiteStorage) Delete(ctx context.Context, q *journal.Query) (int64, error) {
	where, args := buildWhereClause(q)
	query := "DELETE FROM connections" + where
	if q.Limit > 0 || q.Offset > 0 {
		inner := "SELECT id FROM connections" + where + orderBy(q)
		inner, args = paginate(inner, args, q)
		query = "DELETE FROM connections WHERE id IN (" + inner + ")"
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, journal.NewStorageError("sqlite", "delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, journal.NewStorageError("sqlite", "delete", err)
	}
	return n, nil
}

// Ping implements journal.Storage.
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return journal.NewStorageError("sqlite", "ping", err)
	}
	return nil
}

// Close implements journal.Storage.
func (s *SQLiteStorage) Close() error {
	if err := s.db.Close(); err != nil {
		return journal.NewStorageError("sqlite", "close", err)
	}
	s.logger.Info("SQLite journal closed")
	return nil
}

// buildWhereClause returns " WHERE ..." (or "") and its arguments.
func buildWhereClause(q *journal.Query) (string, []any) {
	var (
		conditions []string
		args       []any
	)
	if q.StartTime != nil {
		conditions = append(conditions, "closed_at >= ?")
		args = append(args, q.StartTime.UnixNano())
	}
	if q.EndTime != nil {
		conditions = append(conditions, "closed_at <= ?")
		args = append(args, q.EndTime.UnixNano())
	}
	if q.Protocol != "" {
		conditions = append(conditions, "protocol = ?")
		args = append(args, q.Protocol)
	}
	if q.Remote != "" {
		conditions = append(conditions, "(remote = ? OR remote_host = ?)")
		args = append(args, q.Remote, q.Remote)
	}
	switch q.ErrorKind {
	case "":
	case journal.ErrorKindNone:
		conditions = append(conditions, "error_kind = ''")
	default:
		conditions = append(conditions, "error_kind = ?")
		args = append(args, q.ErrorKind)
	}
	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// orderBy only emits whitelisted column names.
func orderBy(q *journal.Query) string {
	by := "closed_at"
	if journal.ValidSortFields[q.SortBy] {
		by = q.SortBy
	}
	dir := "DESC"
	if q.SortOrder == "asc" {
		dir = "ASC"
	}
	return fmt.Sprintf(" ORDER BY %s %s, id %s", by, dir, dir)
}

func paginate(query string, args []any, q *journal.Query) (string, []any) {
	switch {
	case q.Limit > 0:
		query += " LIMIT ?"
		args = append(args, q.Limit)
	case q.Offset > 0:
		query += " LIMIT -1"
	}
	if q.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, q.Offset)
	}
	return query, args
}

func scanRecord(rows *sql.Rows) (*journal.Record, error) {
	var (
		r                  journal.Record
		remoteHost         string
		handshake          int64
		openedAt, closedAt int64
	)
	err := rows.Scan(
		&r.ID, &r.Remote, &remoteHost, &r.Local, &r.ServerName,
		&r.Protocol, &r.Fallback, &r.TLSVersion, &r.CipherSuite, &handshake,
		&openedAt, &closedAt, &r.Streams, &r.BytesIn, &r.BytesOut,
		&r.ErrorKind, &r.CloseReason,
	)
	if err != nil {
		return nil, err
	}
	r.HandshakeDuration = time.Duration(handshake)
	r.OpenedAt = time.Unix(0, openedAt)
	r.ClosedAt = time.Unix(0, closedAt)
	return &r, nil
}
