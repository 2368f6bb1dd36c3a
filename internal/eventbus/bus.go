package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Slow subscribers drop events instead of stalling publishers.
//
// Data should be small and ideally JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() *MemBus {
	return &MemBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch     chan Event
	prefix string
}

type MemBus struct {
	mu   sync.RWMutex
	subs map[uint64]*sub
	seq  atomic.Uint64

	published atomic.Uint64
	dropped   atomic.Uint64
}

func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.published.Add(1)

	// Sends happen under the read lock; unsubscribe closes under the write
	// lock, so a send never hits a closed channel.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.prefix != "" && !strings.HasPrefix(e.Type, s.prefix) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *MemBus) Subscribe(buffer int) (<-chan Event, func()) {
	return b.SubscribePrefix("", buffer)
}

// SubscribePrefix receives only events whose Type starts with prefix.
func (b *MemBus) SubscribePrefix(prefix string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer), prefix: prefix}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
	return s.ch, unsub
}

// Stats reports totals since creation.
func (b *MemBus) Stats() (published, dropped uint64) {
	return b.published.Load(), b.dropped.Load()
}
