// ABOUTME: Orchestrator drives one guided dialogue turn end-to-end
// ABOUTME: Load state, validate, advance, phrase a reply, persist, trigger generation on completion

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/intake-gateway/internal/dialogue"
	"github.com/2389/intake-gateway/internal/generation"
	"github.com/2389/intake-gateway/internal/llm"
	"github.com/2389/intake-gateway/internal/schema"
	"github.com/2389/intake-gateway/internal/store"
	"github.com/2389/intake-gateway/internal/validator"
)

// ErrInput marks malformed or missing request data. Input errors are
// rejected before any state mutation.
var ErrInput = errors.New("invalid input")

// Fixed replies. These are correctness-bearing (they mark state
// transitions), so they are never phrased by the model.
const (
	replyAlreadyFinished = "This conversation is already finished. Your document has been generated."
	replyCollectionDone  = "Thanks - that's everything I need. Generating your document now, this can take a couple of minutes."
)

// persistTimeout bounds state writes so persistence survives a cancelled
// request context.
const persistTimeout = 5 * time.Second

// TurnResult is the outcome of one handled turn. SlotKey is exact and
// machine-readable regardless of how the reply prose varies.
type TurnResult struct {
	ConversationID string
	Reply          string
	SlotKey        string
	Completed      bool
	State          *store.Conversation
}

// Orchestrator coordinates the validator, state machine, phrasing backend,
// store, and generation dispatcher for guided dialogues.
type Orchestrator struct {
	store      store.Store
	registry   *schema.Registry
	backend    llm.Backend
	dispatcher *generation.Dispatcher
	validators map[string]*validator.Validator // per tool ID
	logger     *slog.Logger
}

// New creates an Orchestrator. A validator is built per tool so each tool's
// extractor strategy applies. Pass nil logger for default.
func New(st store.Store, registry *schema.Registry, backend llm.Backend, dispatcher *generation.Dispatcher, minAnswerLength int, logger *slog.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "orchestrator")

	validators := make(map[string]*validator.Validator)
	for _, tool := range registry.List() {
		opts := []validator.Option{}
		if minAnswerLength > 0 {
			opts = append(opts, validator.WithMinLength(minAnswerLength))
		}
		if tool.Extractor == schema.ExtractorPattern {
			extractor, err := validator.NewPatternExtractorForTool(tool)
			if err != nil {
				return nil, fmt.Errorf("building pattern extractor for tool %q: %w", tool.ID, err)
			}
			opts = append(opts, validator.WithExtractor(extractor))
		}
		validators[tool.ID] = validator.New(backend, logger, opts...)
	}

	return &Orchestrator{
		store:      st,
		registry:   registry,
		backend:    backend,
		dispatcher: dispatcher,
		validators: validators,
		logger:     logger,
	}, nil
}

// HandleTurn applies one user utterance to a conversation.
//
// Turns for one conversation must arrive in order; the store's optimistic
// version check rejects the loser if two race. The reply is a UX nicety:
// state is persisted unconditionally before returning, whether or not
// phrasing succeeded.
func (o *Orchestrator) HandleTurn(ctx context.Context, conversationID, toolID, utterance string) (*TurnResult, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: conversation_id is required", ErrInput)
	}
	if strings.TrimSpace(utterance) == "" {
		return nil, fmt.Errorf("%w: utterance is required", ErrInput)
	}

	tool, err := o.registry.Tool(toolID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInput, err)
	}

	// 1. Load or idempotently create state.
	conv, err := o.ensureConversation(ctx, conversationID, tool)
	if err != nil {
		return nil, err
	}

	// Completion and current slot are always recomputed from the answers;
	// the stored flags are not trusted.
	dialogue.Rehydrate(conv, tool.Schema)

	// Record the user's utterance first; history is the source of truth.
	o.appendMessage(conv.ID, store.RoleUser, utterance)

	// 2. Already finished: fixed reply, never re-validate or re-dispatch.
	if conv.Completed {
		return &TurnResult{
			ConversationID: conv.ID,
			Reply:          replyAlreadyFinished,
			Completed:      true,
			State:          conv,
		}, nil
	}

	slot, err := tool.Schema.Slot(conv.CurrentSlot)
	if err != nil {
		// Structural corruption, not a user problem. Must propagate.
		return nil, fmt.Errorf("loading current slot: %w", err)
	}

	// 3. Validate against the slot currently asked.
	result := o.validators[tool.ID].Validate(ctx, slot, utterance)

	// 4. Advance the state machine.
	next, err := dialogue.Advance(conv, result, slot, tool.Schema)
	if err != nil {
		return nil, err
	}

	// 5-6. Phrase the reply; on the completing turn skip phrasing, emit the
	// fixed message, and dispatch generation exactly once.
	justCompleted := next.Completed && !conv.Completed
	var reply string
	switch {
	case justCompleted:
		reply = replyCollectionDone
	case result.IsValid:
		nextSlot, slotErr := tool.Schema.Slot(next.CurrentSlot)
		if slotErr != nil {
			return nil, fmt.Errorf("loading next slot: %w", slotErr)
		}
		reply = o.phraseAcknowledgement(ctx, slot, nextSlot, result.ExtractedAnswer)
	default:
		reply = o.phraseRedirect(ctx, slot, result)
	}

	// 7. Persist unconditionally before returning.
	if err := o.persist(next); err != nil {
		return nil, err
	}

	if justCompleted {
		if err := o.dispatcher.Dispatch(ctx, next.ID, next.Answers); err != nil {
			// The conversation state is already safe; dispatch failures are
			// recorded in generation status, not surfaced as turn errors.
			o.logger.Error("generation dispatch failed",
				"conversation_id", next.ID,
				"error", err)
		}
	}

	o.appendMessage(next.ID, store.RoleAssistant, reply)

	return &TurnResult{
		ConversationID: next.ID,
		Reply:          reply,
		SlotKey:        next.CurrentSlot,
		Completed:      next.Completed,
		State:          next,
	}, nil
}

// RetryGeneration re-dispatches a failed generation job. User-triggered
// only; any phase other than failed is rejected.
func (o *Orchestrator) RetryGeneration(ctx context.Context, conversationID string) error {
	conv, err := o.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	tool, err := o.registry.Tool(conv.ToolID)
	if err != nil {
		return err
	}
	dialogue.Rehydrate(conv, tool.Schema)
	if !conv.Completed {
		return fmt.Errorf("%w: conversation is still collecting", generation.ErrNotRetryable)
	}
	return o.dispatcher.Retry(ctx, conversationID, conv.Answers)
}

// GetConversation loads and rehydrates a conversation.
func (o *Orchestrator) GetConversation(ctx context.Context, conversationID string) (*store.Conversation, error) {
	conv, err := o.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if tool, toolErr := o.registry.Tool(conv.ToolID); toolErr == nil {
		dialogue.Rehydrate(conv, tool.Schema)
	}
	return conv, nil
}

// GetHistory returns the transcript for a conversation.
func (o *Orchestrator) GetHistory(ctx context.Context, conversationID string, limit int) ([]*store.Message, error) {
	return o.store.ListMessages(ctx, conversationID, limit)
}

// ensureConversation resolves an existing conversation or creates the
// initial collecting state. Creation races resolve by re-reading.
func (o *Orchestrator) ensureConversation(ctx context.Context, conversationID string, tool *schema.Tool) (*store.Conversation, error) {
	conv, err := o.store.GetConversation(ctx, conversationID)
	if err == nil {
		if conv.ToolID != tool.ID {
			return nil, fmt.Errorf("%w: conversation %q belongs to tool %q", ErrInput, conversationID, conv.ToolID)
		}
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	conv = dialogue.NewState(conversationID, tool, time.Now())
	if err := o.store.CreateConversation(ctx, conv); err != nil {
		if errors.Is(err, store.ErrDuplicateConversation) {
			// Another request created it between our lookup and insert.
			existing, lookupErr := o.store.GetConversation(ctx, conversationID)
			if lookupErr == nil {
				o.logger.Debug("found existing conversation after race", "conversation_id", conversationID)
				return existing, nil
			}
			return nil, lookupErr
		}
		return nil, err
	}
	o.logger.Debug("conversation created", "conversation_id", conversationID, "tool_id", tool.ID)
	return conv, nil
}

// persist writes the state with a separate timeout context so it lands even
// if the request context is cancelled mid-turn.
func (o *Orchestrator) persist(conv *store.Conversation) error {
	saveCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := o.store.UpsertConversation(saveCtx, conv); err != nil {
		o.logger.Error("failed to persist conversation",
			"conversation_id", conv.ID,
			"error", err)
		return fmt.Errorf("persisting conversation: %w", err)
	}
	return nil
}

// appendMessage records a transcript message; duplicate identities are
// benign and everything else is logged, never fatal to the turn.
func (o *Orchestrator) appendMessage(conversationID, role, content string) {
	saveCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now(),
	}
	if err := o.store.AppendMessage(saveCtx, msg); err != nil && !errors.Is(err, store.ErrDuplicateMessage) {
		o.logger.Error("failed to record message",
			"conversation_id", conversationID,
			"role", role,
			"error", err)
	}
}

// phraseAcknowledgement asks the backend to phrase an acknowledgement plus
// the next slot's question. Phrasing failure falls back to the static
// prompt; the fallback path is fail-open and logged.
func (o *Orchestrator) phraseAcknowledgement(ctx context.Context, answered, next schema.Slot, extracted string) string {
	prompt := fmt.Sprintf(`You are running a guided intake dialogue. The user just answered the %q question with: %q.

Write one short reply that briefly acknowledges their answer and then asks the next question. The next question collects %q: %s

Reply with the message text only.`,
		answered.Key, extracted, next.Key, next.Prompt)

	text, err := o.backend.Generate(ctx, prompt)
	if err != nil || strings.TrimSpace(text) == "" {
		o.logger.Warn("phrasing failed, using static prompt",
			"slot", next.Key,
			"error", err)
		return next.Prompt
	}
	return strings.TrimSpace(text)
}

// phraseRedirect asks the backend for a corrective reply naming the detected
// topic against the expected one. Falls back to a deterministic redirect.
func (o *Orchestrator) phraseRedirect(ctx context.Context, slot schema.Slot, result validator.Result) string {
	fallback := fmt.Sprintf("That sounds like it's about %s, but right now I need to know about %s. %s",
		orUnclear(result.Topic), slot.Key, slot.Prompt)
	if result.Topic == "" {
		fallback = fmt.Sprintf("I didn't quite catch that. %s", slot.Prompt)
	}

	prompt := fmt.Sprintf(`You are running a guided intake dialogue. The user was asked about %q (%s) but their answer was off-topic%s.

Write one short, friendly reply that names what their answer was about, explains what is needed instead, and re-asks: %s

Reply with the message text only.`,
		slot.Key, slot.Description, topicClause(result.Topic), slot.Prompt)

	text, err := o.backend.Generate(ctx, prompt)
	if err != nil || strings.TrimSpace(text) == "" {
		o.logger.Warn("redirect phrasing failed, using fallback",
			"slot", slot.Key,
			"error", err)
		return fallback
	}
	return strings.TrimSpace(text)
}

func topicClause(topic string) string {
	if topic == "" {
		return ""
	}
	return fmt.Sprintf(" (it was about %q)", topic)
}

func orUnclear(topic string) string {
	if topic == "" {
		return "something else"
	}
	return topic
}
