package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"collab-engine/internal/metrics"
)

// WriterConfig bounds the async persistence path.
type WriterConfig struct {
	QueueSize   int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (c WriterConfig) withDefaults() WriterConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	return c
}

type writeJob struct {
	rec  *VersionRecord
	save *Snapshot
	id   string
}

// Writer submits persistence work from a bounded queue on its own goroutine,
// retrying failures with capped exponential backoff. The engine enqueues and
// moves on; it never waits for completion.
//
// Version appends are handed to the store at most once per (document,
// version): the engine's serialization loop enqueues each version exactly
// once and the writer drops any version at or below the last one enqueued
// for that document. Store-level idempotency covers ambiguous failures.
type Writer struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	cfg     WriterConfig

	mu          sync.Mutex
	closed      bool
	lastVersion map[string]int

	jobs   chan writeJob
	cancel chan struct{}
	done   chan struct{}

	degraded bool
}

func NewWriter(store Store, logger *slog.Logger, m *metrics.Metrics, cfg WriterConfig) *Writer {
	cfg = cfg.withDefaults()
	w := &Writer{
		store:       store,
		logger:      logger,
		metrics:     m,
		cfg:         cfg,
		lastVersion: make(map[string]int),
		jobs:        make(chan writeJob, cfg.QueueSize),
		cancel:      make(chan struct{}),
		done:        make(chan struct{}),
	}
	go w.run()
	return w
}

// EnqueueAppend queues a version record. Returns false when the record was
// dropped: duplicate version, closed writer, or full queue.
func (w *Writer) EnqueueAppend(rec VersionRecord) bool {
	w.mu.Lock()
	if w.closed || rec.Version <= w.lastVersion[rec.DocumentID] {
		w.mu.Unlock()
		return false
	}
	w.lastVersion[rec.DocumentID] = rec.Version
	w.mu.Unlock()

	select {
	case w.jobs <- writeJob{rec: &rec}:
		return true
	default:
		w.logger.Error("persistence queue full, dropping version record",
			"document", rec.DocumentID, "version", rec.Version)
		w.metrics.PersistenceFailures.Inc()
		w.setDegraded(true)
		return false
	}
}

// EnqueueSave queues a snapshot upsert.
func (w *Writer) EnqueueSave(id string, snap Snapshot) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	w.mu.Unlock()

	select {
	case w.jobs <- writeJob{save: &snap, id: id}:
		return true
	default:
		w.logger.Error("persistence queue full, dropping snapshot",
			"document", id, "version", snap.Version)
		w.metrics.PersistenceFailures.Inc()
		w.setDegraded(true)
		return false
	}
}

// Close stops accepting work and drains the queue. When ctx expires first,
// in-flight retries are cancelled and remaining jobs are abandoned.
func (w *Writer) Close(ctx context.Context) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return
	}
	w.closed = true
	w.mu.Unlock()

	close(w.jobs)
	select {
	case <-w.done:
	case <-ctx.Done():
		close(w.cancel)
		<-w.done
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for job := range w.jobs {
		w.process(job)
	}
}

func (w *Writer) process(job writeJob) {
	backoff := w.cfg.BaseBackoff
	for attempt := 1; ; attempt++ {
		err := w.submit(job)
		if err == nil {
			w.setDegraded(false)
			return
		}

		if attempt >= w.cfg.MaxAttempts {
			w.logger.Error("persistence submission abandoned",
				"attempts", attempt, "error", err)
			w.metrics.PersistenceFailures.Inc()
			w.setDegraded(true)
			return
		}

		w.logger.Warn("persistence submission failed, retrying",
			"attempt", attempt, "backoff", backoff, "error", err)
		w.metrics.PersistenceRetries.Inc()
		w.setDegraded(true)

		select {
		case <-time.After(backoff):
		case <-w.cancel:
			return
		}
		if backoff *= 2; backoff > w.cfg.MaxBackoff {
			backoff = w.cfg.MaxBackoff
		}
	}
}

func (w *Writer) submit(job writeJob) error {
	ctx, cancelFn := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFn()
	if job.rec != nil {
		return w.store.AppendVersion(ctx, *job.rec)
	}
	return w.store.SaveDocument(ctx, job.id, *job.save)
}

// setDegraded flips the PersistenceDegraded observability signal. The
// in-memory document state stays authoritative either way.
func (w *Writer) setDegraded(on bool) {
	w.mu.Lock()
	changed := w.degraded != on
	w.degraded = on
	w.mu.Unlock()
	if !changed {
		return
	}
	if on {
		w.metrics.PersistenceDegraded.Set(1)
		w.logger.Warn("persistence degraded; editing continues from memory")
	} else {
		w.metrics.PersistenceDegraded.Set(0)
		w.logger.Info("persistence recovered")
	}
}
