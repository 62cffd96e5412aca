// Package recorder writes connection journal records asynchronously.
//
// The server calls Record from connection close callbacks, which run on
// event loop goroutines, so Record never waits. A single worker drains the
// buffer into a journal.Storage and Close flushes what is left.
//
//	rec := recorder.New(store, cfg.Journal.Recorder,
//		recorder.WithLogger(logger),
//		recorder.WithObserver(collector),
//	)
//	defer rec.Close(ctx)
package recorder
