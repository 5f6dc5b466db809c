package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultHistory is the number of events kept for late subscribers.
const DefaultHistory = 60

// EventBus is a channel-based pub-sub event bus with a bounded recent-history buffer.
// Supports topic-based subscriptions and SubscribeAll for cross-topic consumption.
//
// Publish is serialized under the bus mutex, so every subscriber sees the events of
// a single producer in the order they were published.
type EventBus struct {
	mu      sync.Mutex
	subs    map[string]map[int]chan Event // topic -> subscription id -> channel
	allSubs map[int]chan Event
	nextSub int
	nextID  int64
	closed  bool

	history []Event // ring buffer
	head    int     // next write position
	size    int

	dropped atomic.Uint64
	now     func() time.Time
}

// NewEventBus creates a new event bus keeping the last historySize events
// (DefaultHistory if <= 0).
func NewEventBus(historySize int) *EventBus {
	if historySize <= 0 {
		historySize = DefaultHistory
	}
	return &EventBus{
		subs:    make(map[string]map[int]chan Event),
		allSubs: make(map[int]chan Event),
		history: make([]Event, historySize),
		now:     time.Now,
	}
}

// Subscription is a live stream of events. Call Unsubscribe when done.
type Subscription struct {
	C <-chan Event

	bus   *EventBus
	topic string // empty for SubscribeAll
	id    int
	once  sync.Once
}

// Unsubscribe removes the subscription and closes its channel.
// Safe to call multiple times and after the bus is closed.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.remove(s.topic, s.id)
	})
}

// Subscribe creates a subscription to a specific topic.
// bufSize determines the channel buffer size (defaults to 256 if <= 0).
func (b *EventBus) Subscribe(topic string, bufSize int) *Subscription {
	return b.subscribe(topic, bufSize)
}

// SubscribeAll creates a subscription to ALL topics.
// bufSize determines the channel buffer size (defaults to 256 if <= 0).
func (b *EventBus) SubscribeAll(bufSize int) *Subscription {
	return b.subscribe("", bufSize)
}

func (b *EventBus) subscribe(topic string, bufSize int) *Subscription {
	if bufSize <= 0 {
		bufSize = 256
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSub++
	sub := &Subscription{C: ch, bus: b, topic: topic, id: b.nextSub}

	if b.closed {
		close(ch)
		return sub
	}

	if topic == "" {
		b.allSubs[sub.id] = ch
	} else {
		if b.subs[topic] == nil {
			b.subs[topic] = make(map[int]chan Event)
		}
		b.subs[topic][sub.id] = ch
	}
	return sub
}

func (b *EventBus) remove(topic string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return // Close already closed every channel
	}

	if topic == "" {
		if ch, ok := b.allSubs[id]; ok {
			delete(b.allSubs, id)
			close(ch)
		}
		return
	}
	if ch, ok := b.subs[topic][id]; ok {
		delete(b.subs[topic], id)
		close(ch)
	}
}

// Publish records the event in the history buffer and sends it to every subscriber
// of its topic and to all SubscribeAll channels.
// Non-blocking: if a subscriber's channel is full, the event is dropped for that subscriber.
func (b *EventBus) Publish(eventType string, payload any) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return Event{}
	}

	b.nextID++
	event := Event{
		ID:      b.nextID,
		Type:    eventType,
		Time:    b.now().UTC(),
		Payload: payload,
	}

	b.history[b.head] = event
	b.head = (b.head + 1) % len(b.history)
	if b.size < len(b.history) {
		b.size++
	}

	for _, ch := range b.subs[TopicOf(eventType)] {
		b.send(ch, event)
	}
	for _, ch := range b.allSubs {
		b.send(ch, event)
	}

	return event
}

func (b *EventBus) send(ch chan Event, event Event) {
	select {
	case ch <- event:
	default:
		b.dropped.Add(1)
	}
}

// Recent returns up to n of the most recent events, oldest first.
// n <= 0 returns the whole buffer.
func (b *EventBus) Recent(n int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || n > b.size {
		n = b.size
	}
	out := make([]Event, 0, n)
	start := (b.head - n + len(b.history)) % len(b.history)
	for i := 0; i < n; i++ {
		out = append(out, b.history[(start+i)%len(b.history)])
	}
	return out
}

// Dropped reports how many deliveries were skipped because a subscriber was full.
func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes the event bus and all subscriber channels.
// Safe to call multiple times (idempotent).
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, channels := range b.subs {
		for _, ch := range channels {
			close(ch)
		}
	}
	for _, ch := range b.allSubs {
		close(ch)
	}
}
