// Package eventbus fans orchestration events out to independent subscribers.
//
// Delivery is lossy: every subscriber owns a bounded
// queue, and when a slow subscriber's queue is full the oldest queued event is
// discarded to make room. Publish never blocks on subscribers.
package eventbus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/JuanQuiro/chatboot-cocoluventas/internal/models"
)

// DefaultCapacity is the queue size used when Subscribe is given a non-positive capacity.
const DefaultCapacity = 1000

// ErrClosed is returned by Next after the subscription or the bus was closed and drained.
var ErrClosed = errors.New("subscription closed")

// Bus is a multi-subscriber broadcaster.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool

	published atomic.Uint64
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string]*Subscription)}
}

// Subscribe registers a new subscriber with a queue of the given capacity.
func (b *Bus) Subscribe(name string, capacity int) *Subscription {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	sub := &Subscription{
		id:     uuid.NewString(),
		name:   name,
		bus:    b,
		buf:    make([]models.Event, capacity),
		notify: make(chan struct{}, 1),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closed = true
		return sub
	}
	b.subs[sub.id] = sub
	slog.Debug("Bus.Subscribe: subscriber added", "name", name, "id", sub.id, "capacity", capacity)
	return sub
}

// Unsubscribe detaches sub from the bus and closes it.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub.id)
	b.mu.Unlock()
	sub.close()
}

// Publish hands evt to every subscriber without blocking.
func (b *Bus) Publish(evt models.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.published.Add(1)
	for _, sub := range b.subs {
		sub.push(evt)
	}
}

// Published returns how many events have been published.
func (b *Bus) Published() uint64 {
	return b.published.Load()
}

// SubscriberCount returns the number of attached subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription. Subscribers can still drain queued events.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// Subscription is one subscriber's bounded ring queue.
type Subscription struct {
	id     string
	name   string
	bus    *Bus
	notify chan struct{}

	mu      sync.Mutex
	buf     []models.Event
	head    int
	size    int
	closed  bool
	dropped uint64
}

// Name returns the subscriber name.
func (s *Subscription) Name() string {
	return s.name
}

func (s *Subscription) push(evt models.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	capacity := len(s.buf)
	if s.size == capacity {
		// drop oldest
		s.head = (s.head + 1) % capacity
		s.size--
		s.dropped++
	}
	s.buf[(s.head+s.size)%capacity] = evt
	s.size++
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// TryNext returns the oldest queued event without waiting.
func (s *Subscription) TryNext() (models.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.size == 0 {
		return models.Event{}, false
	}
	evt := s.buf[s.head]
	s.buf[s.head] = models.Event{}
	s.head = (s.head + 1) % len(s.buf)
	s.size--
	return evt, true
}

// Next waits for the next event. It returns ErrClosed once the subscription is
// closed and drained, or ctx.Err() when ctx is done.
func (s *Subscription) Next(ctx context.Context) (models.Event, error) {
	for {
		if evt, ok := s.TryNext(); ok {
			return evt, nil
		}
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return models.Event{}, ErrClosed
		}
		select {
		case <-ctx.Done():
			return models.Event{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Len returns the number of queued events.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

func (s *Subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Consume calls handle for every event until ctx is done or the subscription closes.
func (s *Subscription) Consume(ctx context.Context, handle func(models.Event)) {
	for {
		evt, err := s.Next(ctx)
		if err != nil {
			if dropped := s.Dropped(); dropped > 0 {
				slog.Warn("Subscription.Consume: subscriber lagged and dropped events", "name", s.name, "dropped", dropped)
			}
			return
		}
		handle(evt)
	}
}
