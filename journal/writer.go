package journal

import (
	"context"
	"log/slog"
	"sync"
)

// DefaultQueueSize is the bounded channel capacity used by NewWriter when
// no size is given.
const DefaultQueueSize = 1024

// Writer appends records to a Store from a background goroutine so that the
// request path never waits on disk. Records are enqueued non-blockingly; if
// the queue is full they are dropped.
type Writer struct {
	store   Store
	logger  *slog.Logger
	records chan Record
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewWriter starts a writer draining into store. A nil logger uses
// slog.Default().
func NewWriter(store Store, queueSize int, logger *slog.Logger) *Writer {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{
		store:   store,
		logger:  logger.With("component", "journal"),
		records: make(chan Record, queueSize),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Enqueue adds rec to the write queue. It never blocks. Records enqueued
// after Close are dropped.
func (w *Writer) Enqueue(rec Record) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.logger.Warn("writer closed, dropping record", "event", string(rec.Event), "serial", rec.Serial)
		return
	}
	select {
	case w.records <- rec:
	default:
		w.logger.Warn("queue full, dropping record", "event", string(rec.Event), "serial", rec.Serial)
	}
}

// Close stops accepting records and waits until queued ones are written.
// It is safe to call more than once.
func (w *Writer) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.records)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Writer) loop() {
	defer w.wg.Done()
	for rec := range w.records {
		if err := w.store.Append(context.Background(), rec); err != nil {
			w.logger.Warn("append failed", "error", err, "event", string(rec.Event))
		}
	}
}
