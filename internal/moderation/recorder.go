package moderation

import (
	"context"
	"log"
	"sync"
	"time"

	"fastemis/api/internal/store"
)

const (
	maxReasonLen     = 255
	maxChannelRefLen = 120
	maxExcerptLen    = 2000
)

// EventStore persists moderation events.
type EventStore interface {
	InsertModerationEvent(ctx context.Context, event store.ModerationEvent) error
}

// Recorder writes moderation events outside the transaction that triggered
// them. Events are queued and flushed by a background writer; a write failure
// is logged and dropped, never surfaced to the message path.
type Recorder struct {
	store EventStore
	queue chan store.ModerationEvent
	wg    sync.WaitGroup
}

func NewRecorder(eventStore EventStore) *Recorder {
	r := &Recorder{
		store: eventStore,
		queue: make(chan store.ModerationEvent, 256),
	}
	r.wg.Add(1)
	go r.drain()
	return r
}

func (r *Recorder) drain() {
	defer r.wg.Done()
	for event := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.store.InsertModerationEvent(ctx, event); err != nil {
			log.Printf("moderation: drop audit event for %s: %v", event.ChannelRef, err)
		}
		cancel()
	}
}

// Record enqueues an event. It never blocks: when the queue is full the
// event is dropped with a log line, matching the best-effort audit policy.
func (r *Recorder) Record(event store.ModerationEvent) {
	event.Reason = truncate(event.Reason, maxReasonLen)
	event.ChannelRef = truncate(event.ChannelRef, maxChannelRefLen)
	event.OriginalExcerpt = truncate(event.OriginalExcerpt, maxExcerptLen)
	event.SanitizedExcerpt = truncate(event.SanitizedExcerpt, maxExcerptLen)

	select {
	case r.queue <- event:
	default:
		log.Printf("moderation: queue full, drop audit event for %s", event.ChannelRef)
	}
}

// Close flushes pending events and stops the writer.
func (r *Recorder) Close() {
	close(r.queue)
	r.wg.Wait()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
