package bus

import (
	"slices"
	"sync"
	"sync/atomic"
)

// MemBusConfig configures an in-memory event bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the channel buffer size per subscriber (default: 256).
	SubscriberBufferSize int
}

// MemBus is an in-memory event bus implementation.
type MemBus struct {
	mu         sync.RWMutex
	subs       map[string][]*memSub // sessionID -> subscribers
	globalSubs []*memSub            // subscribers for all sessions
	bufSize    int
	closed     bool
	dropped    atomic.Uint64
}

// NewMemBus creates a new in-memory event bus with the given configuration.
func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	return &MemBus{
		subs:    make(map[string][]*memSub),
		bufSize: bufSize,
	}
}

// Publish sends an event to the session's subscribers and to every global
// subscriber. Slow subscribers lose events rather than stall the session.
func (b *MemBus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs[event.SessionID] {
		sub.send(event)
	}

	for _, sub := range b.globalSubs {
		sub.send(event)
	}
}

// Subscribe registers a subscriber for one session.
func (b *MemBus) Subscribe(sessionID string) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newMemSub(b, sessionID, b.bufSize)
	if b.closed {
		sub.close()
		return sub
	}
	b.subs[sessionID] = append(b.subs[sessionID], sub)
	return sub
}

// SubscribeAll registers a subscriber that receives every event.
func (b *MemBus) SubscribeAll() Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newMemSub(b, "", b.bufSize)
	sub.global = true
	if b.closed {
		sub.close()
		return sub
	}
	b.globalSubs = append(b.globalSubs, sub)
	return sub
}

// Close shuts down the bus and all active subscriptions.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true

	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.close()
		}
	}

	for _, sub := range b.globalSubs {
		sub.close()
	}

	b.subs = make(map[string][]*memSub)
	b.globalSubs = nil
	return nil
}

// Dropped returns how many deliveries were discarded because a subscriber
// buffer was full.
func (b *MemBus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *MemBus) remove(sub *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.global {
		b.globalSubs = slices.DeleteFunc(b.globalSubs, func(s *memSub) bool { return s == sub })
		return
	}
	subs := slices.DeleteFunc(b.subs[sub.sessionID], func(s *memSub) bool { return s == sub })
	if len(subs) == 0 {
		delete(b.subs, sub.sessionID)
		return
	}
	b.subs[sub.sessionID] = subs
}

// memSub is an in-memory subscription.
type memSub struct {
	bus       *MemBus
	sessionID string
	global    bool
	ch        chan Event
	mu        sync.Mutex
	closed    bool
}

func newMemSub(b *MemBus, sessionID string, bufSize int) *memSub {
	return &memSub{
		bus:       b,
		sessionID: sessionID,
		ch:        make(chan Event, bufSize),
	}
}

// Events returns a channel of events for this subscription.
func (s *memSub) Events() <-chan Event {
	return s.ch
}

// Close unsubscribes and releases resources.
func (s *memSub) Close() error {
	s.close()
	s.bus.remove(s)
	return nil
}

// close performs the actual channel close, guarded against double-close.
func (s *memSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// send delivers an event to the subscription's channel.
// If the channel is full or the subscription is closed, the event is dropped.
func (s *memSub) send(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	select {
	case s.ch <- event:
	default:
		s.bus.dropped.Add(1)
	}
}

// Compile-time interface checks.
var _ EventBus = (*MemBus)(nil)
var _ Subscription = (*memSub)(nil)
