// ABOUTME: Store interface and data types for intake-gateway persistence
// ABOUTME: Defines Conversation, GenerationStatus, Message and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when creating a conversation that already exists.
var ErrDuplicateConversation = errors.New("conversation already exists")

// ErrVersionConflict is returned when an optimistic write loses the race:
// the stored version no longer matches the version the caller loaded.
var ErrVersionConflict = errors.New("conversation version conflict")

// ErrDuplicateMessage is returned when appending a message whose
// (conversation, role, content) identity already exists. Callers treat this
// as a benign no-op; it is how exactly-once transcript writes are enforced.
var ErrDuplicateMessage = errors.New("message already recorded")

// GenerationPhase is the lifecycle phase of a conversation's generation job.
// Phases only move forward; a restart requires an explicit retry that flips
// failed back to pending.
type GenerationPhase string

const (
	PhaseNotStarted GenerationPhase = "not_started"
	PhasePending    GenerationPhase = "pending"
	PhaseSucceeded  GenerationPhase = "succeeded"
	PhaseFailed     GenerationPhase = "failed"
)

// Terminal reports whether the phase is an end state.
func (p GenerationPhase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

// GenerationStatus tracks the single downstream generation job for a
// conversation. At most one pending instance exists per conversation.
type GenerationStatus struct {
	Phase       GenerationPhase
	StartedAt   *time.Time
	CompletedAt *time.Time
	Result      string
	Error       string
}

// Conversation is the durable state of one guided dialogue. Completed and
// CurrentSlot are stored for queryability but are recomputed from Answers
// against the slot schema on every load; the stored values are never the
// source of truth.
type Conversation struct {
	ID          string
	ToolID      string
	Answers     map[string]string
	CurrentSlot string
	Completed   bool
	Generation  GenerationStatus
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Clone returns a deep copy, so callers can mutate state without aliasing
// what the store handed out.
func (c *Conversation) Clone() *Conversation {
	out := *c
	out.Answers = make(map[string]string, len(c.Answers))
	for k, v := range c.Answers {
		out.Answers[k] = v
	}
	if c.Generation.StartedAt != nil {
		t := *c.Generation.StartedAt
		out.Generation.StartedAt = &t
	}
	if c.Generation.CompletedAt != nil {
		t := *c.Generation.CompletedAt
		out.Generation.CompletedAt = &t
	}
	return &out
}

// Message roles in the conversation transcript.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one transcript entry. Identity for idempotent appends is
// (ConversationID, Role, Content).
type Message struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	CreatedAt      time.Time
}

// Store defines the interface for conversation and transcript persistence.
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	// UpsertConversation writes conv guarded by its Version: the stored row
	// must still carry conv.Version or ErrVersionConflict is returned. On
	// success the stored (and caller's) version is incremented.
	UpsertConversation(ctx context.Context, conv *Conversation) error
	ListConversations(ctx context.Context, limit int) ([]*Conversation, error)

	// Generation lifecycle. CASGenerationPhase atomically flips the phase
	// from "from" to "to" and returns whether this call won the flip; it is
	// the cross-process single-flight guard.
	CASGenerationPhase(ctx context.Context, id string, from, to GenerationPhase, at time.Time) (bool, error)
	MarkGenerationResult(ctx context.Context, id string, phase GenerationPhase, result, errMsg string, at time.Time) error

	// Transcript. AppendMessage is idempotent under message identity and
	// returns ErrDuplicateMessage for repeats.
	AppendMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)

	// Close releases any resources held by the store.
	Close() error
}
