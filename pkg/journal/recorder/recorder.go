package recorder

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"mercator-hq/switchyard/pkg/config"
	"mercator-hq/switchyard/pkg/journal"
)

// Observer receives the outcome of every record handed to the recorder.
// metrics.Collector implements it.
type Observer interface {
	JournalStored()
	JournalDropped()
	JournalFailed()
}

type nopObserver struct{}

func (nopObserver) JournalStored()  {}
func (nopObserver) JournalDropped() {}
func (nopObserver) JournalFailed()  {}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the recorder's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithObserver reports stored, dropped and failed records to o.
func WithObserver(o Observer) Option {
	return func(r *Recorder) {
		if o != nil {
			r.observer = o
		}
	}
}

// Recorder writes journal records to storage from a single background
// worker. Record never blocks: when the buffer is full the record is
// dropped and counted.
type Recorder struct {
	storage  journal.Storage
	config   config.RecorderConfig
	logger   *slog.Logger
	observer Observer

	records chan *journal.Record
	done    chan struct{}
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	dropped atomic.Int64
}

// New creates a recorder and starts its worker.
func New(storage journal.Storage, cfg config.RecorderConfig, opts ...Option) *Recorder {
	if cfg.AsyncBuffer <= 0 {
		cfg.AsyncBuffer = config.DefaultJournalRecorderAsyncBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = config.DefaultJournalRecorderWriteTimeout
	}

	r := &Recorder{
		storage:  storage,
		config:   cfg,
		logger:   slog.Default(),
		observer: nopObserver{},
		records:  make(chan *journal.Record, cfg.AsyncBuffer),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "journal.recorder")

	r.wg.Add(1)
	go r.worker()

	r.logger.Info("journal recorder initialized",
		"async_buffer", cfg.AsyncBuffer,
		"write_timeout", cfg.WriteTimeout,
	)
	return r
}

// Record enqueues record for storage, assigning an id if it has none. It
// returns ErrBufferFull if the buffer is full and ErrRecorderClosed after
// Close.
func (r *Recorder) Record(record *journal.Record) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return journal.NewRecorderError(record.ID, journal.ErrRecorderClosed)
	}

	select {
	case r.records <- record:
		return nil
	default:
		r.dropped.Add(1)
		r.observer.JournalDropped()
		r.logger.Warn("journal buffer full, dropping record",
			"record_id", record.ID,
			"remote", record.Remote,
			"buffer", r.config.AsyncBuffer,
		)
		return journal.NewRecorderError(record.ID, journal.ErrBufferFull)
	}
}

// Dropped returns the number of records discarded because the buffer was
// full.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Pending returns the number of buffered records not yet written.
func (r *Recorder) Pending() int {
	return len(r.records)
}

// Close stops accepting records and waits for the buffered ones to be
// written, or for ctx to end. It is safe to call more than once.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.done)
		r.logger.Info("shutting down journal recorder", "pending", len(r.records))
	}
	r.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		r.logger.Warn("journal recorder shutdown interrupted", "pending", len(r.records))
		return ctx.Err()
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()

	for {
		select {
		case record := <-r.records:
			r.write(record)

		case <-r.done:
			for {
				select {
				case record := <-r.records:
					r.write(record)
				default:
					r.logger.Debug("journal buffer drained")
					return
				}
			}
		}
	}
}

func (r *Recorder) write(record *journal.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.WriteTimeout)
	defer cancel()

	start := time.Now()
	if err := r.storage.Store(ctx, record); err != nil {
		r.observer.JournalFailed()
		r.logger.Error("failed to store journal record",
			"record_id", record.ID,
			"error", err,
		)
		return
	}
	r.observer.JournalStored()

	duration := time.Since(start)
	r.logger.Debug("connection journaled",
		"record_id", record.ID,
		"protocol", record.Protocol,
		"duration_ms", duration.Milliseconds(),
	)
	if duration > r.config.WriteTimeout/2 {
		r.logger.Warn("slow journal write",
			"record_id", record.ID,
			"duration_ms", duration.Milliseconds(),
			"threshold_ms", (r.config.WriteTimeout / 2).Milliseconds(),
		)
	}
}
