package journal

import (
	"fmt"

	"mercator-hq/switchyard/pkg/config"
)

// ValidSortFields lists the fields accepted in Query.SortBy.
var ValidSortFields = map[string]bool{
	"closed_at": true,
	"opened_at": true,
	"bytes_in":  true,
	"bytes_out": true,
	"streams":   true,
}

// ValidateQuery checks a user supplied query against the configured limits.
func ValidateQuery(q *Query, limits config.QueryConfig) error {
	if q.Limit < 0 {
		return NewQueryError(q, fmt.Errorf("limit must be >= 0, got %d", q.Limit))
	}
	if limits.MaxLimit > 0 && q.Limit > limits.MaxLimit {
		return NewQueryError(q, fmt.Errorf("limit must be <= %d, got %d", limits.MaxLimit, q.Limit))
	}
	if q.Offset < 0 {
		return NewQueryError(q, fmt.Errorf("offset must be >= 0, got %d", q.Offset))
	}
	if q.SortBy != "" && !ValidSortFields[q.SortBy] {
		return NewQueryError(q, fmt.Errorf("invalid sort field: %s", q.SortBy))
	}
	if q.SortOrder != "" && q.SortOrder != "asc" && q.SortOrder != "desc" {
		return NewQueryError(q, fmt.Errorf("invalid sort order: %s (must be 'asc' or 'desc')", q.SortOrder))
	}
	if q.StartTime != nil && q.EndTime != nil && q.StartTime.After(*q.EndTime) {
		return NewQueryError(q, fmt.Errorf("start_time must be before end_time"))
	}
	return nil
}

// ApplyQueryDefaults fills the limit and sort order of a user supplied query.
// Newest records come first.
func ApplyQueryDefaults(q *Query, limits config.QueryConfig) {
	if q.Limit == 0 {
		q.Limit = limits.DefaultLimit
	}
	if q.SortBy == "" {
		q.SortBy = "closed_at"
	}
	if q.SortOrder == "" {
		q.SortOrder = "desc"
	}
}
