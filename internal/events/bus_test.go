package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector records delivered events for assertions.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) add(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func (c *collector) waitFor(t *testing.T, n int) []Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.snapshot()) >= n },
		2*time.Second, 5*time.Millisecond, "expected %d events", n)
	return c.snapshot()
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var c collector
	unsub := bus.Subscribe(EventActionExecuted, c.add)
	defer unsub()

	bus.Publish(EventActionExecuted, map[string]any{"agentId": "agent-1"})
	bus.Publish(EventActionFailed, map[string]any{"agentId": "agent-1"})

	got := c.waitFor(t, 1)
	require.Len(t, got, 1)
	assert.Equal(t, EventActionExecuted, got[0].Type)
	assert.Equal(t, "agent-1", got[0].Data["agentId"])
	assert.False(t, got[0].Timestamp.IsZero())

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, c.snapshot(), 1, "other event types are filtered out")
}

func TestBus_FanOut(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var a, b collector
	defer bus.Subscribe(EventApprovalRequired, a.add)()
	defer bus.Subscribe(EventApprovalRequired, b.add)()

	bus.Publish(EventApprovalRequired, nil)
	a.waitFor(t, 1)
	b.waitFor(t, 1)
}

func TestBus_SequenceNumbers(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var c collector
	defer bus.SubscribeAll(c.add)()

	bus.Publish(EventAgentStarted, nil)
	bus.Publish(EventLearningCompleted, nil)
	bus.Publish(EventActionExecuted, nil)

	got := c.waitFor(t, 3)
	for i, e := range got {
		assert.Equal(t, uint64(i+1), e.Seq)
	}
}

func TestBus_SubscribeAllPreservesOrderAcrossTypes(t *testing.T) {
	bus := NewBus(len(AllEventTypes))
	defer bus.Close()

	var c collector
	defer bus.SubscribeAll(c.add)()

	for _, et := range AllEventTypes {
		bus.Publish(et, nil)
	}

	got := c.waitFor(t, len(AllEventTypes))
	types := make([]EventType, 0, len(got))
	for _, e := range got {
		types = append(types, e.Type)
	}
	assert.Equal(t, AllEventTypes, types)
}

func TestBus_FullSubscriberDropsWithoutBlocking(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	block := make(chan struct{})
	defer close(block)
	defer bus.Subscribe(EventActionFailed, func(Event) { <-block })()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			bus.Publish(EventActionFailed, map[string]any{"i": i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	// one delivery in flight, one buffered, the rest dropped
	assert.GreaterOrEqual(t, bus.Dropped(), int64(3))
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var c collector
	unsub := bus.Subscribe(EventAgentStopped, c.add)
	bus.Publish(EventAgentStopped, nil)
	c.waitFor(t, 1)

	unsub()
	unsub()
	bus.Publish(EventAgentStopped, nil)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, c.snapshot(), 1)
}

func TestBus_PanickingSubscriberKeepsReceiving(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var c collector
	defer bus.Subscribe(EventActionFailed, func(e Event) {
		c.add(e)
		panic("subscriber failure")
	})()

	bus.Publish(EventActionFailed, nil)
	bus.Publish(EventActionFailed, nil)
	c.waitFor(t, 2)
}

func TestBus_Close(t *testing.T) {
	bus := NewBus(10)
	var c collector
	unsub := bus.Subscribe(EventAgentStarted, c.add)
	bus.Publish(EventAgentStarted, nil)
	c.waitFor(t, 1)

	bus.Close()
	bus.Close()
	unsub()

	assert.NotPanics(t, func() { bus.Publish(EventAgentStarted, nil) })
	late := bus.Subscribe(EventAgentStarted, c.add)
	late()
	assert.Len(t, c.snapshot(), 1)
}

func BenchmarkBus_Publish(b *testing.B) {
	bus := NewBus(100)
	defer bus.Close()

	for i := 0; i < 5; i++ {
		bus.Subscribe(EventActionExecuted, func(Event) {})
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bus.Publish(EventActionExecuted, map[string]any{"agentId": "agent-1"})
	}
}
