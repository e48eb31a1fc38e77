// Package events fans resilience events out to in-process subscribers.
package events

import (
	"log/slog"
	"sync"

	"github.com/vietddude/bastion/internal/core/domain"
)

// Bus delivers the closed set of domain event variants to subscribers.
// Publish never blocks: a subscriber that falls behind loses events.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan domain.Event
	next int
	size int
}

// NewBus creates a bus; buffer is the per-subscriber channel capacity.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{
		subs: make(map[int]chan domain.Event),
		size: buffer,
	}
}

// Subscribe returns a channel of events and a cancel function. The channel is
// closed on cancel.
func (b *Bus) Subscribe() (<-chan domain.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan domain.Event, b.size)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish delivers ev to all subscribers, dropping for slow ones.
func (b *Bus) Publish(ev domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			slog.Debug("event dropped for slow subscriber", "kind", ev.Kind())
		}
	}
}
