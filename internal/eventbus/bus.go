package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is a small in-memory signal. Publish never blocks; a subscriber whose
// buffer is full misses the event.
type Event struct {
	Type string
	Time time.Time
	Data any
}

const (
	ScheduleCreated   = "schedule.created"
	ScheduleCompleted = "schedule.completed"
	ScheduleFailed    = "schedule.failed"
	ScheduleCancelled = "schedule.cancelled"
	RefreshBatch      = "refresh.batch"
	RefreshSweep      = "refresh.sweep"
	ScrapeFailed      = "scrape.failed"
)

// ScheduleData is the payload of schedule.* events.
type ScheduleData struct {
	ID          string
	GuildID     string
	ScheduledAt time.Time
	CreatedBy   string
	Processed   int
	Error       string
}

// BatchData is the payload of refresh.batch events.
type BatchData struct {
	Index   int // 1-based
	Total   int
	Size    int
	Error   string
	Elapsed time.Duration
}

// SweepData is the payload of refresh.sweep events.
type SweepData struct {
	Manual  bool
	Found   int
	Batches int
}

// ScrapeData is the payload of scrape.failed events.
type ScrapeData struct {
	ProfileID string
	Attempt   int
	Error     string
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
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
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// Publish holds the read lock while sending, so closing under the
			// write lock cannot race a send.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Emit publishes typ with data on b. A nil Bus is tolerated.
func Emit(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Data: data})
}
