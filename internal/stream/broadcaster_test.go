// ABOUTME: Tests for the stream event broadcaster
// ABOUTME: Covers subscribe, publish, isolation, cancellation, and slow consumers

package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeEvent(convID string, typ EventType) *Event {
	return &Event{ConversationID: convID, Type: typ, Payload: "payload"}
}

func TestBroadcaster_SingleSubscriberReceivesEvent(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "conv-1")

	b.Publish(makeEvent("conv-1", EventProcessing))

	select {
	case received := <-ch:
		assert.Equal(t, EventProcessing, received.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcaster_MultipleSubscribersReceiveSameEvent(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()
	ch1, _ := b.Subscribe(ctx, "conv-1")
	ch2, _ := b.Subscribe(ctx, "conv-1")

	b.Publish(makeEvent("conv-1", EventResult))

	for i, ch := range []<-chan *Event{ch1, ch2} {
		select {
		case received := <-ch:
			assert.Equal(t, EventResult, received.Type, "subscriber %d got wrong event", i)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestBroadcaster_ConversationsAreIsolated(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()
	ch1, _ := b.Subscribe(ctx, "conv-1")
	ch2, _ := b.Subscribe(ctx, "conv-2")

	b.Publish(makeEvent("conv-1", EventResult))

	select {
	case received := <-ch1:
		assert.Equal(t, EventResult, received.Type)
	case <-time.After(time.Second):
		t.Fatal("subscriber for conv-1 timed out")
	}

	select {
	case <-ch2:
		t.Fatal("subscriber for conv-2 should not receive conv-1 events")
	case <-time.After(100 * time.Millisecond):
		// Expected: no event
	}
}

func TestBroadcaster_SlowConsumerDoesNotBlockPublisher(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()
	// Subscribe but never read (slow consumer)
	_, _ = b.Subscribe(ctx, "conv-1")
	ch2, _ := b.Subscribe(ctx, "conv-1")

	for range subscriberBufferSize * 4 {
		b.Publish(makeEvent("conv-1", EventProcessing))
	}

	received := 0
	for {
		select {
		case <-ch2:
			received++
		case <-time.After(200 * time.Millisecond):
			assert.Greater(t, received, 0, "fast consumer should receive events")
			return
		}
	}
}

func TestBroadcaster_ContextCancellationCleansUp(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, subID := b.Subscribe(ctx, "conv-1")

	cancel()
	time.Sleep(50 * time.Millisecond)

	b.mu.RLock()
	subs, convExists := b.subscribers["conv-1"]
	if convExists {
		_, subExists := subs[subID]
		assert.False(t, subExists, "subscription should be removed after context cancel")
	}
	b.mu.RUnlock()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after context cancel")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
}

func TestBroadcaster_ManualUnsubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, subID := b.Subscribe(t.Context(), "conv-1")
	b.Unsubscribe("conv-1", subID)

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after unsubscribe")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}

	// Publishing afterwards should not panic.
	b.Publish(makeEvent("conv-1", EventResult))
}

func TestBroadcaster_CloseClosesAllSubscriptions(t *testing.T) {
	b := NewBroadcaster(nil)

	ch1, _ := b.Subscribe(t.Context(), "conv-1")
	ch2, _ := b.Subscribe(t.Context(), "conv-2")

	b.Close()

	for i, ch := range []<-chan *Event{ch1, ch2} {
		select {
		case _, ok := <-ch:
			assert.False(t, ok, "channel %d should be closed after Close()", i)
		case <-time.After(time.Second):
			t.Fatalf("channel %d not closed after Close()", i)
		}
	}
}

func TestBroadcaster_ConcurrentPublishSubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	var wg sync.WaitGroup
	ctx := t.Context()

	for range 10 {
		wg.Go(func() {
			ch, _ := b.Subscribe(ctx, "conv-concurrent")
			for range 5 {
				select {
				case <-ch:
				case <-time.After(500 * time.Millisecond):
					return
				}
			}
		})
	}

	for range 10 {
		wg.Go(func() {
			for range 10 {
				b.Publish(makeEvent("conv-concurrent", EventProcessing))
			}
		})
	}

	wg.Wait()
}

func TestBroadcaster_PublishDuringUnsubscribeDoesNotPanic(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	done := make(chan struct{})
	var wg sync.WaitGroup

	// Churn subscriptions while a publisher spins. A disconnecting client
	// must never turn a publish into a send on a closed channel.
	wg.Go(func() {
		for {
			select {
			case <-done:
				return
			default:
			}
			_, subID := b.Subscribe(context.Background(), "conv-churn")
			b.Unsubscribe("conv-churn", subID)
		}
	})

	wg.Go(func() {
		for {
			select {
			case <-done:
				return
			default:
			}
			b.Publish(makeEvent("conv-churn", EventResult))
		}
	})

	time.Sleep(200 * time.Millisecond)
	close(done)
	wg.Wait()
}

func TestBroadcaster_SubscribeReturnsUniqueIDs(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	_, id1 := b.Subscribe(t.Context(), "conv-1")
	_, id2 := b.Subscribe(t.Context(), "conv-1")
	require.NotEqual(t, id1, id2)
}

func TestEventType_Terminal(t *testing.T) {
	assert.False(t, EventProcessing.Terminal())
	assert.True(t, EventResult.Terminal())
	assert.True(t, EventError.Terminal())
}
