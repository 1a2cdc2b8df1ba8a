package session

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// EventType classifies controller notifications.
type EventType string

const (
	EventState   EventType = "state"
	EventStarted EventType = "started"
	EventStopped EventType = "stopped"
	EventFailed  EventType = "failed"
	EventLibrary EventType = "library"
)

// Event is a sequenced notification. Subscribers observe events in
// emission order.
type Event struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	State     State     `json:"state"`
	Path      string    `json:"path,omitempty"`
	Message   string    `json:"message,omitempty"`
	Result    *Result   `json:"result,omitempty"`
}

// EventBus keeps recent events for incremental reads and fans them out to
// channel subscribers.
type EventBus struct {
	mu        sync.RWMutex
	clock     clock.PassiveClock
	nextSeq   int64
	maxEvents int
	events    []Event
	subs      map[chan Event]struct{}
	dropped   int64
}

// NewEventBus creates a bounded in-memory event buffer.
func NewEventBus(maxEvents int, c clock.PassiveClock) *EventBus {
	if maxEvents <= 0 {
		maxEvents = 500
	}
	if c == nil {
		c = clock.RealClock{}
	}
	return &EventBus{
		clock:     c,
		maxEvents: maxEvents,
		events:    make([]Event, 0, maxEvents),
		subs:      make(map[chan Event]struct{}),
	}
}

// Publish appends one event, assigns sequence and timestamp, and delivers
// it to subscribers. A subscriber whose buffer is full misses the event; it
// can catch up with Since.
func (b *EventBus) Publish(event Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	event.Seq = b.nextSeq
	if event.Timestamp.IsZero() {
		event.Timestamp = b.clock.Now().UTC()
	}

	b.events = append(b.events, event)
	if len(b.events) > b.maxEvents {
		trim := len(b.events) - b.maxEvents
		b.events = append([]Event(nil), b.events[trim:]...)
	}

	for ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.dropped++
		}
	}
	return event
}

// Since returns events with sequence strictly greater than seq.
func (b *EventBus) Since(seq int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Event, 0, len(b.events))
	for _, event := range b.events {
		if event.Seq > seq {
			out = append(out, event)
		}
	}
	return out
}

// Last returns the highest sequence published so far.
func (b *EventBus) Last() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nextSeq
}

// Subscribe returns a channel receiving every later event.
func (b *EventBus) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe stops delivery to ch and closes it.
func (b *EventBus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if sub == ch {
			delete(b.subs, sub)
			close(sub)
			return
		}
	}
}
