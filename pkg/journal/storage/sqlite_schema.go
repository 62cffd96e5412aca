package storage

// SchemaVersion is the current database schema version.
const SchemaVersion = 1

// Schema creates the journal tables. Times are stored as Unix nanoseconds
// and durations as nanoseconds.
const Schema = `
CREATE TABLE IF NOT EXISTS connections (
    id TEXT PRIMARY KEY,

    remote TEXT NOT NULL,
    remote_host TEXT NOT NULL,
    local TEXT NOT NULL,
    server_name TEXT NOT NULL DEFAULT '',

    protocol TEXT NOT NULL DEFAULT '',
    fallback INTEGER NOT NULL DEFAULT 0,
    tls_version TEXT NOT NULL DEFAULT '',
    cipher_suite TEXT NOT NULL DEFAULT '',
    handshake_ns INTEGER NOT NULL DEFAULT 0,

    opened_at INTEGER NOT NULL,
    closed_at INTEGER NOT NULL,

    streams INTEGER NOT NULL DEFAULT 0,
    bytes_in INTEGER NOT NULL DEFAULT 0,
    bytes_out INTEGER NOT NULL DEFAULT 0,

    error_kind TEXT NOT NULL DEFAULT '',
    close_reason TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_connections_closed_at ON connections(closed_at);
CREATE INDEX IF NOT EXISTS idx_connections_protocol ON connections(protocol);
CREATE INDEX IF NOT EXISTS idx_connections_remote_host ON connections(remote_host);
CREATE INDEX IF NOT EXISTS idx_connections_error_kind ON connections(error_kind);
`

// InsertSchemaVersion records the schema version.
const InsertSchemaVersion = `
INSERT INTO schema_version (version, applied_at)
VALUES (?, datetime('now'))
ON CONFLICT(version) DO NOTHING;
`

// GetSchemaVersion reads the newest applied schema version.
const GetSchemaVersion = `
SELECT version FROM schema_version ORDER BY version DESC LIMIT 1;
`

const columns = `id, remote, remote_host, local, server_name,
	protocol, fallback, tls_version, cipher_suite, handshake_ns,
	opened_at, closed_at, streams, bytes_in, bytes_out,
	error_kind, close_reason`
