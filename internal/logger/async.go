package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Closer flushes and stops the logging pipeline.
type Closer interface {
	Close()
}

// nopCloser is the Closer for synchronous mode.
type nopCloser struct{}

func (nopCloser) Close() {}

// asyncCore is the dispatch state shared by an AsyncHandler and every
// derivative produced by WithAttrs/WithGroup. Records flow through one
// bounded queue regardless of how many handler views exist.
type asyncCore struct {
	queue   chan queuedRecord
	workers sync.WaitGroup
	dropped atomic.Int64
	once    sync.Once
}

type queuedRecord struct {
	handler slog.Handler
	record  slog.Record
}

// AsyncHandler decouples log emission from the destination writer. Records
// are queued and written by background workers; when the queue is full the
// record is counted and discarded rather than blocking the caller.
type AsyncHandler struct {
	inner slog.Handler
	core  *asyncCore
}

// NewAsyncHandler wraps inner with a queue of the given capacity drained by
// the given number of workers. Zero workers means nothing drains; records
// queue up to capacity and then drop.
func NewAsyncHandler(inner slog.Handler, capacity, workers int) *AsyncHandler {
	core := &asyncCore{queue: make(chan queuedRecord, capacity)}
	for range workers {
		core.workers.Add(1)
		go core.run()
	}
	return &AsyncHandler{inner: inner, core: core}
}

func (c *asyncCore) run() {
	defer c.workers.Done()
	for q := range c.queue {
		_ = q.handler.Handle(context.Background(), q.record)
	}
}

// Enabled delegates to the inner handler.
func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle enqueues the record for a worker, pairing it with this view's inner
// handler so attrs and groups added via WithAttrs/WithGroup survive the
// hand-off. The record is cloned because it outlives the caller's frame.
func (h *AsyncHandler) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	select {
	case h.core.queue <- queuedRecord{handler: h.inner, record: rec.Clone()}:
	default:
		h.core.dropped.Add(1)
	}
	return nil
}

// WithAttrs returns a view over the same queue with the attrs applied.
func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithAttrs(attrs), core: h.core}
}

// WithGroup returns a view over the same queue with the group applied.
func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithGroup(name), core: h.core}
}

// DroppedCount returns how many records were discarded on queue overflow.
func (h *AsyncHandler) DroppedCount() int64 {
	return h.core.dropped.Load()
}

// Close stops intake, waits for the workers to drain the queue, and writes a
// final summary when any records were lost. Safe to call more than once.
func (h *AsyncHandler) Close() {
	h.core.once.Do(func() {
		close(h.core.queue)
		h.core.workers.Wait()
		if n := h.core.dropped.Load(); n > 0 {
			rec := slog.NewRecord(time.Now(), slog.LevelWarn, "log records dropped on overflow", 0)
			rec.AddAttrs(slog.Int64("dropped", n))
			_ = h.inner.Handle(context.Background(), rec)
		}
	})
}
