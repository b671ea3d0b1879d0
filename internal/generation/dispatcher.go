// ABOUTME: Single-flight dispatcher for the downstream generation job
// ABOUTME: Owns the job lifecycle: pending CAS, run, persist terminal state, publish events

package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/2389/intake-gateway/internal/store"
	"github.com/2389/intake-gateway/internal/stream"
)

// persistTimeout bounds writes that must land even when the request context
// is gone, matching the store write discipline used elsewhere.
const persistTimeout = 5 * time.Second

// Dispatcher triggers the external generation job exactly once per
// conversation. In-process duplicate calls collapse through singleflight;
// across processes the store's phase CAS is the guard.
type Dispatcher struct {
	store  store.Store
	runner JobRunner
	events *stream.Broadcaster

	jobTimeout time.Duration
	group      singleflight.Group
	wg         sync.WaitGroup
	logger     *slog.Logger
}

// NewDispatcher creates a dispatcher. Pass nil logger for default.
func NewDispatcher(st store.Store, runner JobRunner, events *stream.Broadcaster, jobTimeout time.Duration, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:      st,
		runner:     runner,
		events:     events,
		jobTimeout: jobTimeout,
		logger:     logger.With("component", "dispatcher"),
	}
}

// Dispatch fires the generation job for a completed conversation. It is
// fire-and-forget: the job runs as an independent task and its outcome is
// persisted, not returned. A call that loses the not_started -> pending flip
// is a no-op, so duplicate or concurrent triggers start nothing.
func (d *Dispatcher) Dispatch(ctx context.Context, conversationID string, answers map[string]string) error {
	return d.trigger(ctx, conversationID, answers, store.PhaseNotStarted)
}

// Retry re-fires a failed generation job. Only the failed -> pending flip is
// allowed; any other phase is a no-op returning ErrNotRetryable.
func (d *Dispatcher) Retry(ctx context.Context, conversationID string, answers map[string]string) error {
	return d.trigger(ctx, conversationID, answers, store.PhaseFailed)
}

// ErrNotRetryable is returned by Retry when the conversation's generation is
// not in a failed state.
var ErrNotRetryable = fmt.Errorf("generation is not in a retryable state")

// trigger performs the phase CAS and, on winning it, launches the job.
func (d *Dispatcher) trigger(ctx context.Context, conversationID string, answers map[string]string, from store.GenerationPhase) error {
	_, err, _ := d.group.Do(conversationID, func() (any, error) {
		// The CAS must land even when the originating request is already
		// cancelled, so it runs detached like the other lifecycle writes.
		casCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()

		won, err := d.store.CASGenerationPhase(casCtx, conversationID, from, store.PhasePending, time.Now())
		if err != nil {
			// A conversation stuck in not_started has no retry path and no
			// abandonment window, so record the failure to open one up.
			if from == store.PhaseNotStarted {
				d.recordFailure(conversationID, fmt.Sprintf("dispatching generation: %v", err))
			}
			return nil, fmt.Errorf("flipping generation phase: %w", err)
		}
		if !won {
			if from == store.PhaseFailed {
				return nil, ErrNotRetryable
			}
			d.logger.Debug("generation already in flight, skipping dispatch",
				"conversation_id", conversationID)
			return nil, nil
		}

		// Transcript is sent along for context; load it before detaching.
		transcript, err := d.loadTranscript(casCtx, conversationID)
		if err != nil {
			d.logger.Warn("loading transcript for job failed, sending answers only",
				"conversation_id", conversationID,
				"error", err)
		}

		d.wg.Add(1)
		go d.runJob(conversationID, answers, transcript)
		return nil, nil
	})
	return err
}

// runJob executes the external job detached from the originating request.
// Terminal state is persisted before any event is published, so a client
// that missed the live event still finds the outcome on reconnect.
func (d *Dispatcher) runJob(conversationID string, answers map[string]string, transcript []TranscriptEntry) {
	defer d.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), d.jobTimeout)
	defer cancel()

	d.logger.Info("generation job started", "conversation_id", conversationID)

	result, err := d.runner.Run(ctx, &JobRequest{
		ConversationID: conversationID,
		Answers:        answers,
		Transcript:     transcript,
	})
	if err != nil {
		d.logger.Error("generation job failed",
			"conversation_id", conversationID,
			"error", err)
		d.recordFailure(conversationID, err.Error())
		return
	}

	d.recordSuccess(conversationID, result)
}

// recordSuccess persists the result and transcript message, then publishes.
func (d *Dispatcher) recordSuccess(conversationID, result string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	// Exactly-once transcript write: identity-deduped by the store, so a
	// replayed job outcome cannot duplicate the delivered result.
	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           store.RoleAssistant,
		Content:        result,
		CreatedAt:      time.Now(),
	}
	if err := d.store.AppendMessage(ctx, msg); err != nil && !errors.Is(err, store.ErrDuplicateMessage) {
		d.logger.Error("failed to record generation result message",
			"conversation_id", conversationID,
			"error", err)
	}

	if err := d.store.MarkGenerationResult(ctx, conversationID, store.PhaseSucceeded, result, "", time.Now()); err != nil {
		d.logger.Error("failed to persist generation success",
			"conversation_id", conversationID,
			"error", err)
	}

	d.events.Publish(&stream.Event{
		ConversationID: conversationID,
		Type:           stream.EventResult,
		Payload:        result,
	})
	d.logger.Info("generation job succeeded", "conversation_id", conversationID)
}

// recordFailure persists the failed phase so no client waits forever, then
// publishes the error event.
func (d *Dispatcher) recordFailure(conversationID, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := d.store.MarkGenerationResult(ctx, conversationID, store.PhaseFailed, "", errMsg, time.Now()); err != nil {
		d.logger.Error("failed to persist generation failure",
			"conversation_id", conversationID,
			"error", err)
	}

	d.events.Publish(&stream.Event{
		ConversationID: conversationID,
		Type:           stream.EventError,
		Payload:        errMsg,
	})
}

// loadTranscript flattens the stored transcript for the job request.
func (d *Dispatcher) loadTranscript(ctx context.Context, conversationID string) ([]TranscriptEntry, error) {
	msgs, err := d.store.ListMessages(ctx, conversationID, 0)
	if err != nil {
		return nil, err
	}
	out := make([]TranscriptEntry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, TranscriptEntry{Role: m.Role, Content: m.Content})
	}
	return out, nil
}

// Wait blocks until all in-flight jobs have resolved. Used on shutdown and
// in tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
