// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite while mirroring its semantics

package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	messages      map[string][]*Message // keyed by conversation ID
	msgIdentity   map[string]bool       // "convID\x00role\x00content"
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		msgIdentity:   make(map[string]bool),
	}
}

// CreateConversation stores a new conversation at version 1.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[conv.ID]; exists {
		return ErrDuplicateConversation
	}
	if conv.Generation.Phase == "" {
		conv.Generation.Phase = PhaseNotStarted
	}
	conv.Version = 1
	m.conversations[conv.ID] = conv.Clone()
	return nil
}

// GetConversation returns a copy of the stored conversation.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return conv.Clone(), nil
}

// UpsertConversation writes the conversation guarded by its loaded version.
func (m *MockStore) UpsertConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.conversations[conv.ID]
	if !ok {
		if conv.Version == 0 {
			conv.Version = 1
			m.conversations[conv.ID] = conv.Clone()
			return nil
		}
		return ErrNotFound
	}
	if stored.Version != conv.Version {
		return ErrVersionConflict
	}

	conv.Version++
	conv.UpdatedAt = time.Now()
	m.conversations[conv.ID] = conv.Clone()
	return nil
}

// ListConversations returns all conversations, most recently updated first.
func (m *MockStore) ListConversations(ctx context.Context, limit int) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Conversation, 0, len(m.conversations))
	for _, conv := range m.conversations {
		out = append(out, conv.Clone())
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CASGenerationPhase atomically flips the generation phase.
func (m *MockStore) CASGenerationPhase(ctx context.Context, id string, from, to GenerationPhase, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[id]
	if !ok {
		return false, ErrNotFound
	}
	if conv.Generation.Phase != from {
		return false, nil
	}

	started := at
	conv.Generation = GenerationStatus{
		Phase:     to,
		StartedAt: &started,
	}
	conv.Version++
	conv.UpdatedAt = time.Now()
	return true, nil
}

// MarkGenerationResult records the terminal generation phase.
func (m *MockStore) MarkGenerationResult(ctx context.Context, id string, phase GenerationPhase, result, errMsg string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !phase.Terminal() {
		return fmt.Errorf("phase %q is not terminal", phase)
	}
	conv, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}

	completed := at
	conv.Generation.Phase = phase
	conv.Generation.CompletedAt = &completed
	conv.Generation.Result = result
	conv.Generation.Error = errMsg
	conv.Version++
	conv.UpdatedAt = time.Now()
	return nil
}

// AppendMessage appends a transcript message, enforcing identity uniqueness.
func (m *MockStore) AppendMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	identity := msg.ConversationID + "\x00" + msg.Role + "\x00" + msg.Content
	if m.msgIdentity[identity] {
		return ErrDuplicateMessage
	}
	m.msgIdentity[identity] = true

	copied := *msg
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], &copied)
	return nil
}

// ListMessages returns transcript messages in insert order.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[conversationID]
	out := make([]*Message, 0, len(msgs))
	for _, msg := range msgs {
		copied := *msg
		out = append(out, &copied)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error {
	return nil
}
