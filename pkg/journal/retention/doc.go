// Package retention enforces the journal retention policy: records older
// than RetentionConfig.Days are deleted first, then the oldest records are
// deleted until at most MaxRecords remain.
package retention
