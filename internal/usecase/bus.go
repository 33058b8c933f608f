package usecase

import (
	"sync"

	"stoptrail/internal/domain"
)

// EventBus fans engine events out to observers. Publishing never blocks:
// a subscriber that stops draining loses events rather than stalling the
// engine's tick loop. The engine only pushes; observers only pull.
type EventBus struct {
	mu     sync.RWMutex
	subs   []chan domain.Event
	buffer int
	closed bool
}

func NewEventBus(buffer int) *EventBus {
	if buffer <= 0 {
		buffer = 64
	}
	return &EventBus{buffer: buffer}
}

// Subscribe returns a receive-only channel of events. The channel is
// closed when the bus closes.
func (b *EventBus) Subscribe() <-chan domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan domain.Event, b.buffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (b *EventBus) Unsubscribe(ch <-chan domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			if !b.closed {
				close(sub)
			}
			return
		}
	}
}

// Emit implements domain.EventSink.
func (b *EventBus) Emit(ev domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Slow observer: drop rather than stall the engine.
		}
	}
}

func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
