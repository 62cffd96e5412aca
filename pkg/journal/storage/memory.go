package storage

import (
	"context"
	"sort"
	"sync"

	"mercator-hq/switchyard/pkg/journal"
)

// MemoryStorage keeps records in process memory. It is the default backend
// and loses its contents on restart.
type MemoryStorage struct {
	mu      sync.RWMutex
	records map[string]*journal.Record
	closed  bool
}

// NewMemoryStorage creates an empty in-memory backend.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{records: make(map[string]*journal.Record)}
}

// Store saves a copy of record, replacing any record with the same id.
func (s *MemoryStorage) Store(ctx context.Context, record *journal.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return journal.NewStorageError("memory", "store", errClosed)
	}
	cp := *record
	s.records[record.ID] = &cp
	return nil
}

// Query returns copies of the matching records.
func (s *MemoryStorage) Query(ctx context.Context, q *journal.Query) ([]*journal.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	page := s.selectLocked(q)
	out := make([]*journal.Record, len(page))
	for i, r := range page {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}

// Count returns the number of matching records, ignoring pagination.
func (s *MemoryStorage) Count(ctx context.Context, q *journal.Query) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, r := range s.records {
		if q.Matches(r) {
			n++
		}
	}
	return n, nil
}

// Delete removes the matching records. With a Limit only the first Limit
// records in sort order are removed.
func (s *MemoryStorage) Delete(ctx context.Context, q *journal.Query) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	page := s.selectLocked(q)
	for _, r := range page {
		delete(s.records, r.ID)
	}
	return int64(len(page)), nil
}

// Ping implements journal.Storage.
func (s *MemoryStorage) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return journal.NewStorageError("memory", "ping", errClosed)
	}
	return nil
}

// Close implements journal.Storage. Records are kept so they can still be
// queried.
func (s *MemoryStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// selectLocked filters, sorts and paginates. The caller holds s.mu.
func (s *MemoryStorage) selectLocked(q *journal.Query) []*journal.Record {
	var matched []*journal.Record
	for _, r := range s.records {
		if q.Matches(r) {
			matched = append(matched, r)
		}
	}
	sortRecords(matched, q.SortBy, q.SortOrder)

	start := q.Offset
	if start > len(matched) {
		return nil
	}
	matched = matched[start:]
	if q.Limit > 0 && q.Limit < len(matched) {
		matched = matched[:q.Limit]
	}
	return matched
}

func sortRecords(records []*journal.Record, by, order string) {
	key := func(r *journal.Record) int64 {
		switch by {
		case "opened_at":
			return r.OpenedAt.UnixNano()
		case "bytes_in":
			return r.BytesIn
		case "bytes_out":
			return r.BytesOut
		case "streams":
			return int64(r.Streams)
		default:
			return r.ClosedAt.UnixNano()
		}
	}
	asc := order == "asc"
	sort.SliceStable(records, func(i, j int) bool {
		ki, kj := key(records[i]), key(records[j])
		if ki == kj {
			if asc {
				return records[i].ID < records[j].ID
			}
			return records[i].ID > records[j].ID
		}
		if asc {
			return ki < kj
		}
		return ki > kj
	})
}
