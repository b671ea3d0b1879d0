// ABOUTME: Pure dialogue state machine for guided slot collection
// ABOUTME: Owns slot ordering, answer attribution, and completion recomputation

package dialogue

import (
	"errors"
	"fmt"
	"time"

	"github.com/2389/intake-gateway/internal/schema"
	"github.com/2389/intake-gateway/internal/store"
	"github.com/2389/intake-gateway/internal/validator"
)

// ErrSlotIntegrity indicates a slot key that is inconsistent with the live
// state or absent from the schema. This is structural corruption: it must
// propagate, never be absorbed.
var ErrSlotIntegrity = errors.New("slot integrity violation")

// NewState creates the initial collecting state for a conversation:
// empty answers, current slot pinned to the first schema slot.
func NewState(conversationID string, tool *schema.Tool, now time.Time) *store.Conversation {
	first, _ := tool.Schema.FirstUnanswered(nil)
	return &store.Conversation{
		ID:          conversationID,
		ToolID:      tool.ID,
		Answers:     make(map[string]string),
		CurrentSlot: first.Key,
		Completed:   false,
		Generation:  store.GenerationStatus{Phase: store.PhaseNotStarted},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Rehydrate recomputes CurrentSlot and Completed from the collected answers.
// The stored flags are never trusted; the answers are. Called on every load.
func Rehydrate(conv *store.Conversation, s *schema.SlotSchema) {
	if next, ok := s.FirstUnanswered(conv.Answers); ok {
		conv.CurrentSlot = next.Key
		conv.Completed = false
	} else {
		conv.CurrentSlot = ""
		conv.Completed = true
	}
}

// Advance applies one validated turn to the state and returns a new state;
// the input is never mutated.
//
// A valid result with an extracted answer writes the answer under the asked
// slot's key and recomputes the current slot; when no slots remain the state
// flips to complete. An invalid result leaves the state untouched, keeping
// the current slot pinned so the orchestrator re-asks it. Answers are only
// ever attributed to the slot currently being asked, even when they happen
// to satisfy a later slot's topic.
func Advance(conv *store.Conversation, result validator.Result, slot schema.Slot, s *schema.SlotSchema) (*store.Conversation, error) {
	if !s.Contains(slot.Key) {
		return nil, fmt.Errorf("%w: key %q not in schema for tool %q", ErrSlotIntegrity, slot.Key, conv.ToolID)
	}
	if slot.Key != conv.CurrentSlot {
		return nil, fmt.Errorf("%w: asked slot %q but state expects %q", ErrSlotIntegrity, slot.Key, conv.CurrentSlot)
	}

	next := conv.Clone()

	if !result.IsValid || result.ExtractedAnswer == "" {
		// No partial write: the slot stays pinned for a re-ask.
		return next, nil
	}

	next.Answers[slot.Key] = result.ExtractedAnswer
	Rehydrate(next, s)
	return next, nil
}
