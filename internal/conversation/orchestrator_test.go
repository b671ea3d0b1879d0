// ABOUTME: Tests for the turn orchestrator
// ABOUTME: Covers the full collect-then-generate flow, re-asks, short-circuits, and fallbacks

package conversation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/intake-gateway/internal/generation"
	"github.com/2389/intake-gateway/internal/llm"
	"github.com/2389/intake-gateway/internal/schema"
	"github.com/2389/intake-gateway/internal/store"
	"github.com/2389/intake-gateway/internal/stream"
)

// scriptedBackend mocks the generative backend. Verdicts are consumed in
// order; phrasing returns a fixed text or error.
type scriptedBackend struct {
	verdicts      []*llm.Verdict
	verdictErr    error
	generateText  string
	generateErr   error
	classifyCalls int
}

func (s *scriptedBackend) Generate(ctx context.Context, prompt string) (string, error) {
	if s.generateErr != nil {
		return "", s.generateErr
	}
	return s.generateText, nil
}

func (s *scriptedBackend) Classify(ctx context.Context, prompt string) (*llm.Verdict, error) {
	s.classifyCalls++
	if s.verdictErr != nil {
		return nil, s.verdictErr
	}
	if len(s.verdicts) == 0 {
		return &llm.Verdict{IsValid: true}, nil
	}
	v := s.verdicts[0]
	s.verdicts = s.verdicts[1:]
	return v, nil
}

// countingRunner counts external job starts.
type countingRunner struct {
	runs   atomic.Int32
	result string
}

func (c *countingRunner) Run(ctx context.Context, req *generation.JobRequest) (string, error) {
	c.runs.Add(1)
	return c.result, nil
}

type fixture struct {
	orch    *Orchestrator
	store   *store.MockStore
	backend *scriptedBackend
	runner  *countingRunner
	disp    *generation.Dispatcher
}

func newFixture(t *testing.T, backend *scriptedBackend) *fixture {
	t.Helper()

	slots, err := schema.New([]schema.Slot{
		{Key: "offerDescription", Prompt: "What does your offer do?", Description: "the solution itself",
			Rubric: "The solution. Pricing is not solution.", Order: 1},
		{Key: "targetAudience", Prompt: "Who is this for?", Description: "the people served",
			Rubric: "The audience. Pricing is not target audience.", Order: 2},
	})
	require.NoError(t, err)
	caseSlots, err := schema.New([]schema.Slot{
		{Key: "clientName", Prompt: "Which client is this about?", Description: "the client", Rubric: "A client name.", Order: 1},
	})
	require.NoError(t, err)
	registry, err := schema.NewRegistry(
		&schema.Tool{ID: "offer-letter", Name: "Offer Letter", Schema: slots},
		&schema.Tool{ID: "case-study", Name: "Case Study", Schema: caseSlots},
	)
	require.NoError(t, err)

	st := store.NewMockStore()
	runner := &countingRunner{result: "the finished document"}
	events := stream.NewBroadcaster(nil)
	t.Cleanup(events.Close)
	disp := generation.NewDispatcher(st, runner, events, time.Minute, nil)

	orch, err := New(st, registry, backend, disp, 0, nil)
	require.NoError(t, err)

	return &fixture{orch: orch, store: st, backend: backend, runner: runner, disp: disp}
}

func TestHandleTurn_ScenarioA_FullCollectionDispatchesOnce(t *testing.T) {
	backend := &scriptedBackend{
		verdicts: []*llm.Verdict{
			{IsValid: true, ExtractedAnswer: "a crm for dentists"},
			{IsValid: true, ExtractedAnswer: "dental practices"},
		},
		generateText: "Got it! Who is this for?",
	}
	f := newFixture(t, backend)
	ctx := context.Background()

	// Turn 1: answers offerDescription.
	res, err := f.orch.HandleTurn(ctx, "conv-a", "offer-letter", "we sell a crm for dentists")
	require.NoError(t, err)
	assert.Equal(t, "targetAudience", res.SlotKey)
	assert.False(t, res.Completed)
	assert.Equal(t, "Got it! Who is this for?", res.Reply)

	// Turn 2: answers targetAudience, completing collection.
	res, err = f.orch.HandleTurn(ctx, "conv-a", "offer-letter", "dental practices mostly")
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Empty(t, res.SlotKey)
	assert.Equal(t, replyCollectionDone, res.Reply, "completing turn uses the fixed message, not phrasing")

	f.disp.Wait()
	assert.Equal(t, int32(1), f.runner.runs.Load(), "generation dispatched exactly once")

	conv, err := f.store.GetConversation(ctx, "conv-a")
	require.NoError(t, err)
	assert.Equal(t, store.PhaseSucceeded, conv.Generation.Phase)
	assert.Equal(t, map[string]string{
		"offerDescription": "a crm for dentists",
		"targetAudience":   "dental practices",
	}, conv.Answers)
}

func TestHandleTurn_ScenarioB_OffTopicAnswerKeepsSlotPinned(t *testing.T) {
	backend := &scriptedBackend{
		verdicts: []*llm.Verdict{
			{IsValid: true, ExtractedAnswer: "a crm"},
			{IsValid: false, Reason: "describes pricing", Topic: "pricing"},
		},
		generateErr: errors.New("phrasing down"), // force the deterministic fallback
	}
	f := newFixture(t, backend)
	ctx := context.Background()

	_, err := f.orch.HandleTurn(ctx, "conv-b", "offer-letter", "we sell a crm")
	require.NoError(t, err)

	res, err := f.orch.HandleTurn(ctx, "conv-b", "offer-letter", "it costs $50 per seat per month")
	require.NoError(t, err)

	assert.Equal(t, "targetAudience", res.SlotKey, "invalid answer must not advance the slot")
	assert.False(t, res.Completed)
	assert.Contains(t, res.Reply, "pricing")
	assert.Contains(t, res.Reply, "targetAudience")

	conv, err := f.store.GetConversation(ctx, "conv-b")
	require.NoError(t, err)
	assert.NotContains(t, conv.Answers, "targetAudience", "no partial write for invalid answers")
}

func TestHandleTurn_AlreadyCompleteShortCircuits(t *testing.T) {
	backend := &scriptedBackend{generateText: "next please"}
	f := newFixture(t, backend)
	ctx := context.Background()

	_, err := f.orch.HandleTurn(ctx, "conv-c", "offer-letter", "a crm for dentists")
	require.NoError(t, err)
	_, err = f.orch.HandleTurn(ctx, "conv-c", "offer-letter", "dental practices")
	require.NoError(t, err)
	f.disp.Wait()

	classifyCallsBefore := backend.classifyCalls
	res, err := f.orch.HandleTurn(ctx, "conv-c", "offer-letter", "anything else?")
	require.NoError(t, err)

	assert.Equal(t, replyAlreadyFinished, res.Reply)
	assert.True(t, res.Completed)
	assert.Equal(t, classifyCallsBefore, backend.classifyCalls, "finished conversations are never re-validated")

	f.disp.Wait()
	assert.Equal(t, int32(1), f.runner.runs.Load(), "no second generation job")
}

func TestHandleTurn_InputErrors(t *testing.T) {
	f := newFixture(t, &scriptedBackend{})
	ctx := context.Background()

	_, err := f.orch.HandleTurn(ctx, "", "offer-letter", "hello")
	assert.ErrorIs(t, err, ErrInput)

	_, err = f.orch.HandleTurn(ctx, "conv-x", "offer-letter", "   ")
	assert.ErrorIs(t, err, ErrInput)

	_, err = f.orch.HandleTurn(ctx, "conv-x", "no-such-tool", "hello")
	assert.ErrorIs(t, err, ErrInput)
}

func TestHandleTurn_ToolMismatchRejected(t *testing.T) {
	f := newFixture(t, &scriptedBackend{generateText: "ok"})
	ctx := context.Background()

	_, err := f.orch.HandleTurn(ctx, "conv-m", "offer-letter", "a crm for dentists")
	require.NoError(t, err)

	// Same conversation ID, different tool.
	_, err = f.orch.HandleTurn(ctx, "conv-m", "case-study", "more text")
	assert.ErrorIs(t, err, ErrInput)
}

func TestHandleTurn_PhrasingFailureFallsBackToStaticPrompt(t *testing.T) {
	backend := &scriptedBackend{
		verdicts:    []*llm.Verdict{{IsValid: true, ExtractedAnswer: "a crm"}},
		generateErr: errors.New("backend down"),
	}
	f := newFixture(t, backend)

	res, err := f.orch.HandleTurn(context.Background(), "conv-f", "offer-letter", "we sell a crm")
	require.NoError(t, err)
	assert.Equal(t, "Who is this for?", res.Reply, "fallback is the next slot's static prompt")
	assert.Equal(t, "targetAudience", res.SlotKey)
}

func TestHandleTurn_PersistThenReloadRecomputesSlot(t *testing.T) {
	backend := &scriptedBackend{
		verdicts:     []*llm.Verdict{{IsValid: true, ExtractedAnswer: "a crm"}},
		generateText: "ok",
	}
	f := newFixture(t, backend)
	ctx := context.Background()

	_, err := f.orch.HandleTurn(ctx, "conv-r", "offer-letter", "we sell a crm")
	require.NoError(t, err)

	reloaded, err := f.orch.GetConversation(ctx, "conv-r")
	require.NoError(t, err)
	assert.Equal(t, "targetAudience", reloaded.CurrentSlot)
	assert.False(t, reloaded.Completed)
}

func TestHandleTurn_TranscriptRecordsBothSides(t *testing.T) {
	backend := &scriptedBackend{
		verdicts:     []*llm.Verdict{{IsValid: true, ExtractedAnswer: "a crm"}},
		generateText: "Noted. Who is this for?",
	}
	f := newFixture(t, backend)
	ctx := context.Background()

	_, err := f.orch.HandleTurn(ctx, "conv-h", "offer-letter", "we sell a crm")
	require.NoError(t, err)

	msgs, err := f.orch.GetHistory(ctx, "conv-h", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Equal(t, "we sell a crm", msgs[0].Content)
	assert.Equal(t, store.RoleAssistant, msgs[1].Role)
}

func TestRetryGeneration_OnlyWhenFailedAndComplete(t *testing.T) {
	backend := &scriptedBackend{generateText: "ok"}
	f := newFixture(t, backend)
	ctx := context.Background()

	_, err := f.orch.HandleTurn(ctx, "conv-ret", "offer-letter", "a crm for dentists")
	require.NoError(t, err)

	// Still collecting: retry is rejected.
	err = f.orch.RetryGeneration(ctx, "conv-ret")
	assert.ErrorIs(t, err, generation.ErrNotRetryable)

	_, err = f.orch.HandleTurn(ctx, "conv-ret", "offer-letter", "dental practices")
	require.NoError(t, err)
	f.disp.Wait()

	// Succeeded: retry is rejected too.
	err = f.orch.RetryGeneration(ctx, "conv-ret")
	assert.ErrorIs(t, err, generation.ErrNotRetryable)
}
