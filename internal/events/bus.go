// Package events carries agent lifecycle and outcome notifications to external
// collaborators without blocking the decision path.
package events

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

type EventType string

const (
	EventAgentStarted      EventType = "agent-started"
	EventAgentStopped      EventType = "agent-stopped"
	EventLearningCompleted EventType = "learning-completed"
	EventActionExecuted    EventType = "action-executed"
	EventApprovalRequired  EventType = "approval-required"
	EventActionFailed      EventType = "action-failed"
)

// AllEventTypes lists every event the agent emits.
var AllEventTypes = []EventType{
	EventAgentStarted,
	EventAgentStopped,
	EventLearningCompleted,
	EventActionExecuted,
	EventApprovalRequired,
	EventActionFailed,
}

// Event is one published notification. Seq increases by one per Publish on
// a bus, so subscribers can spot gaps left by dropped deliveries.
type Event struct {
	Seq       uint64         `json:"seq"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

type Subscriber func(Event)

// Publisher is the narrow side of the bus the agent depends on.
type Publisher interface {
	Publish(eventType EventType, data map[string]any)
}

// subscription owns one buffered channel and the goroutine draining it.
type subscription struct {
	types []EventType
	ch    chan Event
}

func (s *subscription) wants(t EventType) bool {
	return slices.Contains(s.types, t)
}

// Bus fans events out to subscribers over buffered channels. Publish never
// blocks: a delivery to a full subscriber is dropped and counted.
type Bus struct {
	mu         sync.RWMutex
	subs       []*subscription
	bufferSize int
	closed     bool

	seq     atomic.Uint64
	dropped atomic.Int64
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{bufferSize: bufferSize}
}

// Subscribe runs fn on a dedicated goroutine for every event of the given
// type. The returned func unsubscribes.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	return b.subscribe([]EventType{eventType}, fn)
}

// SubscribeAll runs fn for every event type in AllEventTypes. Events reach fn
// in publish order regardless of type.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	return b.subscribe(AllEventTypes, fn)
}

func (b *Bus) subscribe(types []EventType, fn Subscriber) func() {
	sub := &subscription{types: types, ch: make(chan Event, b.bufferSize)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go drain(sub.ch, fn)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if i := slices.Index(b.subs, sub); i >= 0 {
			b.subs = slices.Delete(b.subs, i, i+1)
			close(sub.ch)
		}
	}
}

func drain(ch <-chan Event, fn Subscriber) {
	for e := range ch {
		deliver(fn, e)
	}
}

func deliver(fn Subscriber, e Event) {
	// a panicking subscriber must not stop its drain loop
	defer func() { _ = recover() }()
	fn(e)
}

func (b *Bus) Publish(eventType EventType, data map[string]any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	e := Event{
		Seq:       b.seq.Add(1),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	for _, sub := range b.subs {
		if !sub.wants(eventType) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were discarded because a subscriber was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops delivery. Subscriber goroutines finish the events already
// buffered and exit; later Publish calls are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
	b.closed = true
}
