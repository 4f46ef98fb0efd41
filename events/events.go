// Package events carries the monitor's outbound event stream. The core
// publishes discrete events (count changes, state transitions, alerts) and
// transports subscribe; a subscriber that falls behind loses events rather
// than stalling the counting loop.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies an event type.
type Kind int

const (
	KindSessionStarted Kind = iota
	KindSessionFinished
	KindCountChanged
	KindStateChanged
	KindAlertRaised
	KindCaptureSaved
	KindDefectFound
)

// String returns the wire name for a kind.
func (k Kind) String() string {
	switch k {
	case KindSessionStarted:
		return "session-started"
	case KindSessionFinished:
		return "session-finished"
	case KindCountChanged:
		return "count-changed"
	case KindStateChanged:
		return "state-changed"
	case KindAlertRaised:
		return "alert-raised"
	case KindCaptureSaved:
		return "capture-saved"
	case KindDefectFound:
		return "defect-found"
	default:
		return "unknown"
	}
}

// Event is one published occurrence. Only the fields relevant to the kind
// are populated.
type Event struct {
	Kind      Kind
	At        time.Time
	SessionID string

	// KindCountChanged, KindCaptureSaved
	Count    int
	Sequence int
	Path     string

	// KindStateChanged
	FromState string
	ToState   string

	// KindAlertRaised
	Direction string
	Magnitude int

	Detail string
}

// Bus fans events out to subscribers over buffered channels.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	buffer  int
	dropped atomic.Uint64
}

// NewBus creates a bus whose subscriber channels hold up to buffer events.
func NewBus(buffer int) *Bus {
	if buffer < 1 {
		buffer = 1
	}
	return &Bus{
		subs:   make(map[int]chan Event),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber. The returned cancel func detaches it
// and closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.buffer)
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber without blocking. Full subscriber
// channels drop the event; drops are counted, never retried.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many events were lost to slow subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// SubscriberCount reports how many subscribers are attached.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
