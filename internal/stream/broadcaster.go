// ABOUTME: In-memory fan-out broadcaster for generation stream events
// ABOUTME: Publishes job lifecycle events to all subscribers of a conversation

package stream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 16
)

// EventType classifies stream events on the wire.
type EventType string

const (
	// EventProcessing is emitted immediately when a client attaches while a
	// job is in flight.
	EventProcessing EventType = "processing"
	// EventResult carries the successful generation payload. Terminal.
	EventResult EventType = "result"
	// EventError carries a failure message. Terminal.
	EventError EventType = "error"
)

// Terminal reports whether the event type ends the stream.
func (t EventType) Terminal() bool {
	return t == EventResult || t == EventError
}

// Event is one transient wire event. Only the terminal generation status is
// durable; events themselves are never persisted.
type Event struct {
	ConversationID string
	Type           EventType
	Payload        string
}

// Broadcaster provides in-memory pub/sub for generation events. Subscribers
// register for a conversation ID and receive events as the job progresses.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // conversationID -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for events on the given conversation.
// Returns a channel and a subscription ID for later unsubscription. The
// subscription is automatically cleaned up when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, conversationID string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[conversationID]; !ok {
		b.subscribers[conversationID] = make(map[string]chan *Event)
	}
	b.subscribers[conversationID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added",
		"conversation_id", conversationID,
		"sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(conversationID, subID)
	}()

	return ch, subID
}

// Publish sends an event to all subscribers of the conversation.
// Non-blocking: events are dropped for subscribers whose channels are full.
// A dropped or dead subscriber never affects the job or its persisted state.
func (b *Broadcaster) Publish(event *Event) {
	// Sends happen under the read lock. They are non-blocking so the lock is
	// held only briefly, and Unsubscribe's write lock cannot close a channel
	// mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs, ok := b.subscribers[event.ConversationID]
	if !ok || len(subs) == 0 {
		return
	}

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"conversation_id", event.ConversationID,
				"type", event.Type)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(conversationID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[conversationID]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, conversationID)
	}

	b.logger.Debug("subscriber removed",
		"conversation_id", conversationID,
		"sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for convID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, convID)
	}

	b.logger.Debug("broadcaster closed")
}
