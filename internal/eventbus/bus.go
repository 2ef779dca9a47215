package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the queue, worker pool, sync engine and delivery engine.
const (
	JobQueued     = "job.queued"
	JobDeduped    = "job.deduped"
	JobStarted    = "job.started"
	JobDone       = "job.done"
	JobRetry      = "job.retry"
	JobDeadLetter = "job.dead_letter"
	JobFailed     = "job.failed"

	CalendarSynced       = "calendar.synced"
	CalendarSyncFailed   = "calendar.sync_failed"
	CalendarDisconnected = "calendar.disconnected"

	DeliverySucceeded  = "webhook.delivered"
	DeliveryFailed     = "webhook.failed"
	WebhookDeactivated = "webhook.deactivated"

	ScheduleDone   = "schedule.done"
	ScheduleFailed = "schedule.failed"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop returns a bus that drops everything.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	return ch, func() {}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// Holding the write lock guarantees no Publish is mid-send on ch.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}
