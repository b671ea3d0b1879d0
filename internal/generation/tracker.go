// ABOUTME: Checkpointed view of a conversation's generation job lifecycle
// ABOUTME: Poll answers Pending/Done/Failed from durable state, with an abandonment window

package generation

import (
	"context"
	"time"

	"github.com/2389/intake-gateway/internal/store"
)

// DefaultAbandonWindow is how long a pending job is awaited before being
// treated as abandoned. Policy, not protocol: reconnecting clients inside
// the window re-attach and wait; beyond it the job is reported failed.
const DefaultAbandonWindow = 5 * time.Minute

// Checkpoint is the durable snapshot of a job's lifecycle at poll time.
type Checkpoint struct {
	Phase       store.GenerationPhase
	Result      string
	Error       string
	StartedAt   *time.Time
	CompletedAt *time.Time

	// Abandoned is set when the job has been pending longer than the
	// tracker's window.
	Abandoned bool
}

// Tracker reads job checkpoints from the store. The live stream transport is
// just one consumer of this view; pollers get the same answers.
type Tracker struct {
	store  store.Store
	window time.Duration
}

// NewTracker creates a tracker with the given abandonment window.
// A zero window uses DefaultAbandonWindow.
func NewTracker(st store.Store, window time.Duration) *Tracker {
	if window <= 0 {
		window = DefaultAbandonWindow
	}
	return &Tracker{store: st, window: window}
}

// Poll returns the conversation's current generation checkpoint.
func (t *Tracker) Poll(ctx context.Context, conversationID string) (*Checkpoint, error) {
	conv, err := t.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	cp := &Checkpoint{
		Phase:       conv.Generation.Phase,
		Result:      conv.Generation.Result,
		Error:       conv.Generation.Error,
		StartedAt:   conv.Generation.StartedAt,
		CompletedAt: conv.Generation.CompletedAt,
	}

	if cp.Phase == store.PhasePending && cp.StartedAt != nil &&
		time.Since(*cp.StartedAt) > t.window {
		cp.Abandoned = true
	}

	return cp, nil
}
