package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Closer allows flushing and stopping the async handler.
type Closer interface {
	Close()
}

type nopCloser struct{}

func (nopCloser) Close() {}

// AsyncHandler moves record formatting and I/O off the request path. Records
// go through a bounded channel drained by a fixed set of workers; when the
// channel is full the record is dropped and counted.
type AsyncHandler struct {
	inner   slog.Handler
	shared  *asyncState
	dropped *atomic.Int64
}

type asyncState struct {
	mu     sync.RWMutex // guards closed and the send side of ch
	closed bool
	ch     chan slog.Record
	wg     sync.WaitGroup
	once   sync.Once
}

// NewAsyncHandler creates an AsyncHandler with the given channel capacity and worker count.
func NewAsyncHandler(inner slog.Handler, chanSize, workers int) *AsyncHandler {
	if workers < 1 {
		workers = 1
	}
	st := &asyncState{ch: make(chan slog.Record, chanSize)}
	h := &AsyncHandler{inner: inner, shared: st, dropped: &atomic.Int64{}}
	for range workers {
		st.wg.Add(1)
		go h.drain()
	}
	return h
}

func (h *AsyncHandler) drain() {
	defer h.shared.wg.Done()
	for rec := range h.shared.ch {
		_ = h.inner.Handle(context.Background(), rec)
	}
}

// Enabled delegates to the inner handler.
func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle enqueues the record. Drops if the channel is full or the handler is closed.
func (h *AsyncHandler) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	h.shared.mu.RLock()
	defer h.shared.mu.RUnlock()
	if h.shared.closed {
		h.dropped.Add(1)
		return nil
	}
	select {
	case h.shared.ch <- rec.Clone():
	default:
		h.dropped.Add(1)
	}
	return nil
}

// WithAttrs returns a handler sharing the same channel but wrapping a new inner handler.
func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithAttrs(attrs), shared: h.shared, dropped: h.dropped}
}

// WithGroup returns a handler sharing the same channel but wrapping a new inner handler.
func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithGroup(name), shared: h.shared, dropped: h.dropped}
}

// DroppedCount returns the number of dropped records.
func (h *AsyncHandler) DroppedCount() int64 {
	return h.dropped.Load()
}

// Close stops accepting records, waits for the workers to drain the channel
// and writes a final warning when records were dropped. Safe to call twice.
func (h *AsyncHandler) Close() {
	h.shared.once.Do(func() {
		h.shared.mu.Lock()
		h.shared.closed = true
		close(h.shared.ch)
		h.shared.mu.Unlock()
		h.shared.wg.Wait()

		if n := h.dropped.Load(); n > 0 {
			rec := slog.NewRecord(time.Now(), slog.LevelWarn, "async logger dropped records", 0)
			rec.AddAttrs(slog.Int64("dropped", n))
			_ = h.inner.Handle(context.Background(), rec)
		}
	})
}
