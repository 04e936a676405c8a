// Package archive defines the optional durable transcript archive.
//
// The in-memory session core never depends on persistence; when an archive is
// configured the gateway additionally appends transcript lines and completed
// task records here as they pass through the proxy. The [Store] interface is
// implemented by [postgres.Store] when a DSN is configured and by [Nop]
// otherwise, so call sites never branch on whether archiving is enabled.
//
// [Writer] decouples the proxy path from archive latency: appends are queued
// and written by a background goroutine, with a bounded graceful drain on
// close.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// TranscriptRecord is one spoken line of a session.
type TranscriptRecord struct {
	SessionID string
	AgentID   string

	// Role is "user" or "assistant".
	Role string

	Text string
	At   time.Time
}

// TaskRecord marks a task a specialist agent reported as completed when
// returning the session to the routing agent.
type TaskRecord struct {
	SessionID string
	AgentID   string
	Summary   string
	At        time.Time
}

// Store persists session records. Implementations must be safe for
// concurrent use.
type Store interface {
	AppendTranscript(ctx context.Context, rec TranscriptRecord) error
	AppendTask(ctx context.Context, rec TaskRecord) error

	// Ping reports reachability for the readiness probe.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close(ctx context.Context) error
}

// Nop is the disabled archive. Every operation succeeds without doing
// anything.
type Nop struct{}

func (Nop) AppendTranscript(context.Context, TranscriptRecord) error { return nil }
func (Nop) AppendTask(context.Context, TaskRecord) error             { return nil }
func (Nop) Ping(context.Context) error                               { return nil }
func (Nop) Close(context.Context) error                              { return nil }

var _ Store = Nop{}

// defaultQueueSize bounds the number of records waiting for the background
// writer. When the queue is full new records are dropped with a warning
// rather than stalling the proxy path.
const defaultQueueSize = 1024

// defaultDrainTimeout bounds how long Close waits for queued records to
// reach the store.
const defaultDrainTimeout = 30 * time.Second

// Writer wraps a [Store] with an asynchronous append queue.
type Writer struct {
	store Store
	queue chan queued

	closeOnce sync.Once
	done      chan struct{}
}

// queued is one pending append.
type queued struct {
	transcript *TranscriptRecord
	task       *TaskRecord
}

// WriterOption customises a [Writer].
type WriterOption func(*writerOptions)

type writerOptions struct {
	queueSize int
}

// WithQueueSize overrides the pending-record queue capacity.
func WithQueueSize(n int) WriterOption {
	return func(o *writerOptions) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// NewWriter creates a [Writer] over store and starts its background writer
// goroutine.
func NewWriter(store Store, opts ...WriterOption) *Writer {
	o := writerOptions{queueSize: defaultQueueSize}
	for _, opt := range opts {
		opt(&o)
	}
	w := &Writer{
		store: store,
		queue: make(chan queued, o.queueSize),
		done:  make(chan struct{}),
	}
	go w.loop()
	return w
}

// Transcript queues a transcript line for persistence. A full queue drops
// the record.
func (w *Writer) Transcript(rec TranscriptRecord) {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	w.enqueue(queued{transcript: &rec})
}

// Task queues a completed-task record for persistence.
func (w *Writer) Task(rec TaskRecord) {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	w.enqueue(queued{task: &rec})
}

func (w *Writer) enqueue(q queued) {
	select {
	case w.queue <- q:
	default:
		slog.Warn("archive queue full, dropping record")
	}
}

// Ping reports the underlying store's reachability.
func (w *Writer) Ping(ctx context.Context) error {
	return w.store.Ping(ctx)
}

// Close stops accepting new records, drains the queue to the store, and
// closes the store. The drain is bounded by ctx and [defaultDrainTimeout],
// whichever ends first.
func (w *Writer) Close(ctx context.Context) error {
	w.closeOnce.Do(func() { close(w.queue) })

	ctx, cancel := context.WithTimeout(ctx, defaultDrainTimeout)
	defer cancel()

	select {
	case <-w.done:
	case <-ctx.Done():
		slog.Warn("archive drain timed out", "err", ctx.Err())
	}
	return w.store.Close(ctx)
}

// loop writes queued records until the queue is closed and empty.
func (w *Writer) loop() {
	defer close(w.done)
	for q := range w.queue {
		if err := w.write(q); err != nil {
			slog.Warn("archive append failed", "err", err)
		}
	}
}

func (w *Writer) write(q queued) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch {
	case q.transcript != nil:
		if err := w.store.AppendTranscript(ctx, *q.transcript); err != nil {
			return fmt.Errorf("archive: transcript %s: %w", q.transcript.SessionID, err)
		}
	case q.task != nil:
		if err := w.store.AppendTask(ctx, *q.task); err != nil {
			return fmt.Errorf("archive: task %s: %w", q.task.SessionID, err)
		}
	}
	return nil
}
