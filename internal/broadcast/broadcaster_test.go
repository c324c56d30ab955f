// ABOUTME: Tests for Broadcaster fan-out pub/sub
// ABOUTME: Covers identity filtering, unsubscribe, context cancellation, close and concurrency

package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func assertNothing(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcaster_SubscriberReceivesEvent(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "A1")
	b.Publish(Event{Kind: "agent_registered", Identity: "A1"})

	ev := receive(t, ch)
	assert.Equal(t, "agent_registered", ev.Kind)
	assert.False(t, ev.At.IsZero(), "publish stamps a time")
}

func TestBroadcaster_IdentitiesAreIsolated(t *testing.T) {
	b := New(nil)
	defer b.Close()

	a1, _ := b.Subscribe(t.Context(), "A1")
	a2, _ := b.Subscribe(t.Context(), "A2")

	b.Publish(Event{Kind: KindRequestCompleted, Identity: "A1", CorrelationID: "c1"})

	assert.Equal(t, "c1", receive(t, a1).CorrelationID)
	assertNothing(t, a2)
}

func TestBroadcaster_AllAgentsSeesEverything(t *testing.T) {
	b := New(nil)
	defer b.Close()

	all, _ := b.Subscribe(t.Context(), AllAgents)

	b.Publish(Event{Kind: "agent_registered", Identity: "A1"})
	b.Publish(Event{Kind: "registration_timeout"})

	assert.Equal(t, "A1", receive(t, all).Identity)
	assert.Equal(t, "registration_timeout", receive(t, all).Kind)
	assertNothing(t, all)
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ch, subID := b.Subscribe(t.Context(), "A1")
	require.Equal(t, 1, b.Subscribers())

	b.Unsubscribe("A1", subID)
	assert.Equal(t, 0, b.Subscribers())

	_, ok := <-ch
	assert.False(t, ok, "channel closes on unsubscribe")

	// Unknown subscriptions are ignored.
	b.Unsubscribe("A1", subID)
	b.Unsubscribe("nobody", "x")
	b.Publish(Event{Identity: "A1"})
}

func TestBroadcaster_ContextCancelUnsubscribes(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, AllAgents)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not removed after cancel")
	}
	assert.Equal(t, 0, b.Subscribers())
}

func TestBroadcaster_SlowSubscriberDropsEvents(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "A1")
	for i := 0; i < subscriberBufferSize+10; i++ {
		b.Publish(Event{Identity: "A1"})
	}
	assert.Len(t, ch, subscriberBufferSize)
}

func TestBroadcaster_Close(t *testing.T) {
	b := New(nil)

	ch, _ := b.Subscribe(t.Context(), "A1")
	b.Close()
	b.Close()

	_, ok := <-ch
	assert.False(t, ok)

	// Publishing and subscribing after close are safe.
	b.Publish(Event{Identity: "A1"})
	late, _ := b.Subscribe(t.Context(), "A1")
	_, ok = <-late
	assert.False(t, ok)
	assert.Equal(t, 0, b.Subscribers())
}

func TestBroadcaster_ConcurrentPublishAndUnsubscribe(t *testing.T) {
	b := New(nil)
	defer b.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		ctx, cancel := context.WithCancel(context.Background())
		ch, _ := b.Subscribe(ctx, AllAgents)
		go func() {
			defer wg.Done()
			for range ch {
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Publish(Event{Identity: "A1"})
			}
			cancel()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, b.Subscribers())
}
