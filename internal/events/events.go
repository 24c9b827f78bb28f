// Package events is an in-process fan-out of pipeline and scheduler events
// for the gateway and dashboard. It never blocks publishers.
package events

import (
	"sync"
	"time"
)

// Kind classifies an event.
type Kind string

const (
	KindProbe       Kind = "probe"
	KindRunStarted  Kind = "run_started"
	KindStage       Kind = "stage"
	KindArtifact    Kind = "artifact"
	KindRunFinished Kind = "run_finished"
	KindReconciled  Kind = "reconciled"
	KindDigest      Kind = "digest"
)

// Event is one observable step of the orchestrator.
type Event struct {
	Kind    Kind              `json:"kind"`
	Time    time.Time         `json:"time"`
	RunID   string            `json:"run_id,omitempty"`
	IssueID string            `json:"issue_id,omitempty"`
	Message string            `json:"message"`
	Data    map[string]string `json:"data,omitempty"`
}

const (
	// DefaultHistory is how many events Recent can return.
	DefaultHistory   = 200
	subscriberBuffer = 64
)

// Publisher is the publishing half of Bus.
type Publisher interface {
	Publish(Event)
}

// Bus fans events out to subscribers and keeps a ring of recent events.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	ring        []Event
	next        int
	full        bool
}

// NewBus creates a Bus remembering the last size events.
func NewBus(size int) *Bus {
	if size <= 0 {
		size = DefaultHistory
	}
	return &Bus{
		subscribers: make(map[chan Event]struct{}),
		ring:        make([]Event, size),
	}
}

// Publish records e and delivers it to every subscriber. Slow subscribers
// whose buffer is full miss the event.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.ring[b.next] = e
	b.next = (b.next + 1) % len(b.ring)
	if b.next == 0 {
		b.full = true
	}

	for ch := range b.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel receiving every subsequent event.
func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe stops delivery to ch and closes it.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
}

// Recent returns up to n of the most recent events, oldest first.
func (b *Bus) Recent(n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := b.next
	if b.full {
		count = len(b.ring)
	}
	if n <= 0 || n > count {
		n = count
	}

	out := make([]Event, 0, n)
	start := b.next - n
	if start < 0 {
		start += len(b.ring)
	}
	for i := 0; i < n; i++ {
		out = append(out, b.ring[(start+i)%len(b.ring)])
	}
	return out
}

// Nop discards events.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(Event) {}
