package client

import (
	"sync"

	"github.com/cskr/pubsub"
)

const stateTopic = "state"

// eventBus fans state events out to subscribers. pubsub blocks forever once
// shut down, so every call checks closed under mu.
type eventBus struct {
	mu       sync.RWMutex
	ps       *pubsub.PubSub
	capacity int
	closed   bool
}

func newEventBus(capacity int) *eventBus {
	return &eventBus{ps: pubsub.New(capacity), capacity: capacity}
}

func (b *eventBus) publish(ev StateEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.ps.Pub(ev, stateTopic)
}

func (b *eventBus) subscribe() (<-chan StateEvent, func()) {
	out := make(chan StateEvent, b.capacity)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		close(out)
		return out, func() {}
	}
	raw := b.ps.Sub(stateTopic)
	done := make(chan struct{})

	go func() {
		defer close(out)
		for msg := range raw {
			ev, ok := msg.(StateEvent)
			if !ok {
				continue
			}
			select {
			case <-done:
				// Keep draining until pubsub closes raw.
			case out <- ev:
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			b.mu.RLock()
			defer b.mu.RUnlock()
			if !b.closed {
				b.ps.Unsub(raw, stateTopic)
			}
		})
	}
	return out, cancel
}

func (b *eventBus) shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.ps.Shutdown()
}
