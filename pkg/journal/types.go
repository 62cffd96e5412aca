package journal

import (
	"context"
	"io"
	"net"
	"time"
)

// Record describes one accepted connection from accept to close. Connections
// that failed the TLS handshake are recorded too, with an empty Protocol and
// ErrorKind "handshake".
type Record struct {
	// Identity
	ID string `json:"id"` // Connection id (UUID)

	// Endpoints
	Remote     string `json:"remote"`      // Peer address, host:port
	Local      string `json:"local"`       // Local address, host:port
	ServerName string `json:"server_name"` // SNI sent by the client

	// Negotiation
	Protocol          string        `json:"protocol"`           // Negotiated ALPN id
	Fallback          bool          `json:"fallback"`           // No ALPN, fallback protocol used
	TLSVersion        string        `json:"tls_version"`        // e.g. "TLS 1.3"
	CipherSuite       string        `json:"cipher_suite"`       // IANA cipher suite name
	HandshakeDuration time.Duration `json:"handshake_duration"` // TLS handshake time

	// Lifetime
	OpenedAt time.Time `json:"opened_at"` // Accept time
	ClosedAt time.Time `json:"closed_at"` // Close time

	// Traffic
	Streams  int   `json:"streams"`   // Streams opened
	BytesIn  int64 `json:"bytes_in"`  // Bytes read from the peer
	BytesOut int64 `json:"bytes_out"` // Bytes written to the peer

	// Outcome
	ErrorKind   string `json:"error_kind"`   // pipeline.Classify of the close error, "" when clean
	CloseReason string `json:"close_reason"` // Close error message, "" when clean
}

// Duration returns the connection lifetime.
func (r *Record) Duration() time.Duration {
	if r.ClosedAt.IsZero() || r.OpenedAt.IsZero() {
		return 0
	}
	return r.ClosedAt.Sub(r.OpenedAt)
}

// RemoteHost returns the host part of Remote.
func (r *Record) RemoteHost() string {
	return hostOf(r.Remote)
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// ErrorKindNone matches clean closes in Query.ErrorKind.
const ErrorKindNone = "none"

// Query selects journal records. Zero fields do not filter.
type Query struct {
	// Time range on ClosedAt, both inclusive.
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	// Filters
	Protocol  string `json:"protocol,omitempty"`   // Exact ALPN id
	Remote    string `json:"remote,omitempty"`     // Peer host or host:port
	ErrorKind string `json:"error_kind,omitempty"` // Error kind, or "none" for clean closes

	// Pagination. Delete honours Limit by removing only the first Limit
	// matching records in sort order.
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`

	// Sorting
	SortBy    string `json:"sort_by,omitempty"`    // "closed_at", "opened_at", "bytes_in", "bytes_out", "streams"
	SortOrder string `json:"sort_order,omitempty"` // "asc", "desc"
}

// Matches reports whether r passes the filters of q. Pagination and sorting
// are ignored.
func (q *Query) Matches(r *Record) bool {
	if q.StartTime != nil && r.ClosedAt.Before(*q.StartTime) {
		return false
	}
	if q.EndTime != nil && r.ClosedAt.After(*q.EndTime) {
		return false
	}
	if q.Protocol != "" && r.Protocol != q.Protocol {
		return false
	}
	if q.Remote != "" && r.Remote != q.Remote && r.RemoteHost() != q.Remote {
		return false
	}
	switch q.ErrorKind {
	case "":
	case ErrorKindNone:
		if r.ErrorKind != "" {
			return false
		}
	default:
		if r.ErrorKind != q.ErrorKind {
			return false
		}
	}
	return true
}

// Storage is a journal backend. Implementations must be safe for concurrent
// use.
type Storage interface {
	// Store persists a record.
	Store(ctx context.Context, record *Record) error

	// Query returns the records matching q. It returns an empty slice if none
	// match.
	Query(ctx context.Context, q *Query) ([]*Record, error)

	// Count returns the number of records matching q.
	Count(ctx context.Context, q *Query) (int64, error)

	// Delete removes the records matching q and returns how many were removed.
	Delete(ctx context.Context, q *Query) (int64, error)

	// Ping reports whether the backend can serve requests.
	Ping(ctx context.Context) error

	// Close releases the backend's resources.
	Close() error
}

// Exporter writes records in a file format.
type Exporter interface {
	Export(ctx context.Context, records []*Record, w io.Writer) error
}
