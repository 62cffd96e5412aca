package recorder

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"mercator-hq/switchyard/pkg/config"
	"mercator-hq/switchyard/pkg/journal"
	"mercator-hq/switchyard/pkg/journal/storage"
)

type countingObserver struct {
	stored, dropped, failed atomic.Int64
}

func (o *countingObserver) JournalStored()  { o.stored.Add(1) }
func (o *countingObserver) JournalDropped() { o.dropped.Add(1) }
func (o *countingObserver) JournalFailed()  { o.failed.Add(1) }

// gatedStorage blocks every Store until release is closed.
type gatedStorage struct {
	*storage.MemoryStorage
	entered chan struct{}
	release chan struct{}
}

func newGatedStorage() *gatedStorage {
	return &gatedStorage{
		MemoryStorage: storage.NewMemoryStorage(),
		entered:       make(chan struct{}, 16),
		release:       make(chan struct{}),
	}
}

func (g *gatedStorage) Store(ctx context.Context, r *journal.Record) error {
	g.entered <- struct{}{}
	<-g.release
	return g.MemoryStorage.Store(ctx, r)
}

type failingStorage struct {
	*storage.MemoryStorage
}

func (failingStorage) Store(context.Context, *journal.Record) error {
	return errors.New("disk full")
}

func testConfig() config.RecorderConfig {
	return config.RecorderConfig{AsyncBuffer: 8, WriteTimeout: time.Second}
}

func TestRecorder_StoresRecords(t *testing.T) {
	store := storage.NewMemoryStorage()
	obs := &countingObserver{}
	rec := New(store, testConfig(), WithObserver(obs))

	for i := 0; i < 5; i++ {
		if err := rec.Record(&journal.Record{Remote: "10.0.0.1:1", Protocol: "h2", ClosedAt: time.Now()}); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}
	if err := rec.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	n, _ := store.Count(context.Background(), &journal.Query{})
	if n != 5 {
		t.Errorf("stored %d records, want 5", n)
	}
	if got := obs.stored.Load(); got != 5 {
		t.Errorf("observer stored = %d, want 5", got)
	}
}

func TestRecorder_AssignsID(t *testing.T) {
	store := storage.NewMemoryStorage()
	rec := New(store, testConfig())

	r := &journal.Record{Remote: "10.0.0.1:1"}
	if err := rec.Record(r); err != nil {
		t.Fatal(err)
	}
	if r.ID == "" {
		t.Error("Record() did not assign an id")
	}

	keep := &journal.Record{ID: "fixed"}
	_ = rec.Record(keep)
	if keep.ID != "fixed" {
		t.Errorf("ID = %q, want the caller's id kept", keep.ID)
	}
	_ = rec.Close(context.Background())
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	store := newGatedStorage()
	obs := &countingObserver{}
	rec := New(store, config.RecorderConfig{AsyncBuffer: 2, WriteTimeout: time.Second}, WithObserver(obs))

	// The worker holds the first record inside Store.
	if err := rec.Record(&journal.Record{ID: "a"}); err != nil {
		t.Fatal(err)
	}
	<-store.entered

	for _, id := range []string{"b", "c"} {
		if err := rec.Record(&journal.Record{ID: id}); err != nil {
			t.Fatalf("Record(%s) error = %v", id, err)
		}
	}

	start := time.Now()
	err := rec.Record(&journal.Record{ID: "d"})
	if !errors.Is(err, journal.ErrBufferFull) {
		t.Fatalf("Record() error = %v, want ErrBufferFull", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("Record() blocked on a full buffer")
	}
	if rec.Dropped() != 1 || obs.dropped.Load() != 1 {
		t.Errorf("dropped = %d (observer %d), want 1", rec.Dropped(), obs.dropped.Load())
	}
	if rec.Pending() != 2 {
		t.Errorf("Pending() = %d, want 2", rec.Pending())
	}

	close(store.release)
	if err := rec.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	n, _ := store.Count(context.Background(), &journal.Query{})
	if n != 3 {
		t.Errorf("stored %d records, want 3", n)
	}
}

func TestRecorder_StoreFailure(t *testing.T) {
	obs := &countingObserver{}
	rec := New(failingStorage{storage.NewMemoryStorage()}, testConfig(), WithObserver(obs))

	_ = rec.Record(&journal.Record{ID: "x"})
	_ = rec.Close(context.Background())

	if obs.failed.Load() != 1 || obs.stored.Load() != 0 {
		t.Errorf("failed = %d stored = %d, want 1 and 0", obs.failed.Load(), obs.stored.Load())
	}
}

func TestRecorder_Close(t *testing.T) {
	t.Run("rejects records after close", func(t *testing.T) {
		rec := New(storage.NewMemoryStorage(), testConfig())
		if err := rec.Close(context.Background()); err != nil {
			t.Fatal(err)
		}
		err := rec.Record(&journal.Record{ID: "late"})
		var re *journal.RecorderError
		if !errors.As(err, &re) || !errors.Is(err, journal.ErrRecorderClosed) {
			t.Errorf("Record() after Close error = %v, want ErrRecorderClosed", err)
		}
		if err := rec.Close(context.Background()); err != nil {
			t.Errorf("second Close() error = %v", err)
		}
	})

	t.Run("honours the context", func(t *testing.T) {
		store := newGatedStorage()
		rec := New(store, testConfig())
		_ = rec.Record(&journal.Record{ID: "stuck"})
		<-store.entered

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		if err := rec.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Close() error = %v, want DeadlineExceeded", err)
		}

		close(store.release)
		if err := rec.Close(context.Background()); err != nil {
			t.Errorf("Close() after release error = %v", err)
		}
	})
}
