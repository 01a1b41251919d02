// Package eventbus is the in-memory fan-out used by the scheduler engine to
// report runs and publish outcomes.
//
// Publish never blocks: each subscriber owns a buffered channel and a full
// buffer drops the event for that subscriber only.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	RunStarted    = "run.started"
	RunFinished   = "run.finished"
	ItemPublished = "item.published"
	ItemFailed    = "item.failed"
	ItemError     = "item.error"
	TickFinished  = "tick.finished"
)

type Event struct {
	Type      string
	Time      time.Time
	ProjectID string
	Data      any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	// Dropped counts events lost to full subscriber buffers.
	Dropped() uint64
}

func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
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
			b.dropped.Add(1)
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
			// Holding the write lock guarantees no Publish is mid-send.
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
