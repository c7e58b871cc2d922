package events

import (
	"sync"

	"github.com/hashicorp/go-hclog"
)

// DefaultSubscriberBuffer is the per-subscriber queue depth used when a
// subscriber does not specify its own.
const DefaultSubscriberBuffer = 256

// Bus is an in-process publish/subscribe broker for domain events.
// Delivery is best-effort: each subscriber has a bounded queue and the
// oldest queued event is dropped when it fills, so slow subscribers never
// block publishers. It is safe for concurrent use by multiple goroutines.
type Bus struct {
	mu     sync.RWMutex
	logger hclog.Logger
	subs   map[int]*subscriber
	nextID int
	closed bool
}

type subscriber struct {
	name string
	ch   chan Event
	done chan struct{}
}

// NewBus creates an empty event bus.
func NewBus(logger hclog.Logger) *Bus {
	return &Bus{
		logger: logger.Named("events"),
		subs:   make(map[int]*subscriber),
	}
}

// Subscribe registers a handler that receives every published event on its
// own goroutine. The buffer bounds the subscriber's queue; values < 1 use
// DefaultSubscriberBuffer. The returned function cancels the subscription
// and waits for the delivery goroutine to drain.
func (b *Bus) Subscribe(name string, buffer int, fn func(Event)) func() {
	if buffer < 1 {
		buffer = DefaultSubscriberBuffer
	}

	sub := &subscriber{
		name: name,
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.done)
		return func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		defer close(sub.done)
		for e := range sub.ch {
			fn(e)
		}
	}()

	return func() {
		b.mu.Lock()
		s, ok := b.subs[id]
		delete(b.subs, id)
		b.mu.Unlock()
		if !ok {
			return
		}
		close(s.ch)
		<-s.done
	}
}

// Publish delivers an event to all subscribers without blocking.
// When a subscriber queue is full the oldest queued event is discarded to
// make room for the new one.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			select {
			case dropped := <-sub.ch:
				b.logger.Warn("subscriber queue full, dropping oldest event",
					"subscriber", sub.name,
					"dropped", dropped.Name(),
				)
			default:
			}
			select {
			case sub.ch <- e:
			default:
			}
		}
	}
}

// Close cancels all subscriptions and waits for their delivery goroutines.
// Publish calls after Close are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[int]*subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		close(s.ch)
		<-s.done
	}
}
