// Package journal keeps a record of every connection the server handled.
//
// When a connection closes the server builds a Record (addresses, negotiated
// protocol, TLS parameters, stream and byte counts, close reason) and hands it
// to a recorder.Recorder. The recorder queues records in a bounded buffer and
// writes them to a Storage from a background goroutine; when the buffer is
// full the record is dropped and counted, so the event loops never wait on
// storage.
//
// Subpackages:
//
//   - storage: MemoryStorage and SQLiteStorage (modernc.org/sqlite)
//   - recorder: the asynchronous recorder
//   - retention: age and count based pruning on a cron schedule
//   - export: JSON and CSV exporters used by "switchyard journal query"
package journal
