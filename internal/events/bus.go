package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Bus fans events out to subscribers. Publish never blocks: when a
// subscriber's channel is full the event is dropped for that subscriber
// and counted. Each subscriber sees events in publish order.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	seq     uint64
	dropped atomic.Uint64
	now     func() time.Time
	log     *slog.Logger
	onDrop  func()
}

type subscriber struct {
	ch     chan Event
	closed bool
}

// Subscription is an active subscription. Close it when done.
type Subscription struct {
	Events <-chan Event
	cancel func()
}

// Close unsubscribes and closes the channel. Safe to call twice.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// BusOption customizes a Bus.
type BusOption func(*Bus)

// WithLogger sets the logger used for drop warnings.
func WithLogger(l *slog.Logger) BusOption {
	return func(b *Bus) {
		if l != nil {
			b.log = l
		}
	}
}

// WithDropHook is called once per dropped delivery.
func WithDropHook(fn func()) BusOption {
	return func(b *Bus) { b.onDrop = fn }
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) BusOption {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBus creates an empty bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subs: map[*subscriber]struct{}{},
		now:  time.Now,
		log:  slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Subscribe registers a subscriber with the given channel capacity
// (DefaultBuffer if <= 0).
func (b *Bus) Subscribe(buffer int) Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &subscriber{ch: make(chan Event, buffer)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return Subscription{
		Events: sub.ch,
		cancel: func() { b.remove(sub) },
	}
}

func (b *Bus) remove(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	delete(b.subs, sub)
	close(sub.ch)
}

// Publish stamps e with the next sequence number and time, then offers it
// to every subscriber. It returns the stamped event.
func (b *Bus) Publish(e Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	e.Seq = b.seq
	if e.Time.IsZero() {
		e.Time = b.now().UTC()
	}
	for sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop()
			}
			b.log.Warn("event dropped for slow subscriber", "kind", e.Kind, "seq", e.Seq)
		}
	}
	return e
}

// Dropped returns the total number of dropped deliveries.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribers returns the number of active subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		sub.closed = true
		close(sub.ch)
		delete(b.subs, sub)
	}
}
