package event

import (
	"context"
	"sync"
	"sync/atomic"
)

// InMemoryBus delivers events to local subscribers. Slow subscribers miss
// events rather than block emitters.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      []chan Event
	buffer    int
	published uint64
	delivered uint64
	dropped   uint64
}

// NewInMemoryBus returns a bus whose subscriptions buffer up to buffer
// events. A non-positive buffer selects 64.
func NewInMemoryBus(buffer int) *InMemoryBus {
	if buffer <= 0 {
		buffer = 64
	}
	return &InMemoryBus{buffer: buffer}
}

// Emit implements Sink.Emit.
func (b *InMemoryBus) Emit(ctx context.Context, e Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	atomic.AddUint64(&b.published, 1)
	for _, ch := range b.subs {
		select {
		case ch <- e:
			atomic.AddUint64(&b.delivered, 1)
		default:
			atomic.AddUint64(&b.dropped, 1)
		}
	}
	return nil
}

// Subscribe returns a channel receiving every event emitted after the call.
// The channel is closed when ctx is done or Unsubscribe is called.
func (b *InMemoryBus) Subscribe(ctx context.Context) chan Event {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		b.Unsubscribe(ch)
	}()
	return ch
}

// Unsubscribe removes and closes ch.
func (b *InMemoryBus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.subs {
		if c == ch {
			b.subs[i] = b.subs[len(b.subs)-1]
			b.subs = b.subs[:len(b.subs)-1]
			close(c)
			return
		}
	}
}

// Metrics counts bus deliveries.
type Metrics struct {
	Published uint64
	Delivered uint64
	Dropped   uint64
}

// Metrics returns the counters accumulated so far.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
		Dropped:   atomic.LoadUint64(&b.dropped),
	}
}
