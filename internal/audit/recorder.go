package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Recorder decouples audit writes from the delivery path. Routine
// events are buffered and written by a background goroutine so a slow
// disk never blocks a delivery decision; compliance-relevant events
// (moderation notices) go through Record, which writes synchronously
// and survives a crash of the buffer.
type Recorder struct {
	store  *Store
	logger *slog.Logger

	ch   chan Entry
	wg   sync.WaitGroup
	once sync.Once
}

// NewRecorder creates a Recorder and starts its writer goroutine.
func NewRecorder(store *Store, bufferSize int, logger *slog.Logger) *Recorder {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	r := &Recorder{
		store:  store,
		logger: logger,
		ch:     make(chan Entry, bufferSize),
	}
	r.wg.Add(1)
	go r.drain()
	return r
}

func (r *Recorder) drain() {
	defer r.wg.Done()
	for entry := range r.ch {
		// Writes get their own deadline; the originating request may
		// be long gone.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.store.Record(ctx, entry); err != nil {
			r.logger.Error("audit write failed",
				"event_type", entry.EventType,
				"request_id", entry.RequestID,
				"error", err)
		}
		cancel()
	}
}

// Record writes the entry synchronously. Use for events that must not
// be lost on restart.
func (r *Recorder) Record(ctx context.Context, entry Entry) error {
	return r.store.Record(ctx, entry)
}

// RecordAsync queues the entry for background write. If the buffer is
// full the entry is written synchronously instead of being dropped.
func (r *Recorder) RecordAsync(entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	select {
	case r.ch <- entry:
	default:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.store.Record(ctx, entry); err != nil {
			r.logger.Error("audit write failed", "event_type", entry.EventType, "error", err)
		}
	}
}

// Close flushes buffered entries and stops the writer.
func (r *Recorder) Close() {
	r.once.Do(func() {
		close(r.ch)
		r.wg.Wait()
	})
}
