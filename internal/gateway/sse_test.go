// ABOUTME: Tests for the SSE stream endpoint
// ABOUTME: Covers terminal replay, live attach, abandonment, and reconnect recovery

package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/intake-gateway/internal/store"
	"github.com/2389/intake-gateway/internal/stream"
)

func seedConversation(t *testing.T, f *gwFixture, id string, phase store.GenerationPhase, result, errMsg string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	conv := &store.Conversation{
		ID:     id,
		ToolID: "offer-letter",
		Answers: map[string]string{
			"offerDescription": "a crm",
			"targetAudience":   "dentists",
		},
		Completed:  true,
		Generation: store.GenerationStatus{Phase: store.PhaseNotStarted},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, f.store.CreateConversation(ctx, conv))

	if phase == store.PhaseNotStarted {
		return
	}

	won, err := f.store.CASGenerationPhase(ctx, id, store.PhaseNotStarted, store.PhasePending, now)
	require.NoError(t, err)
	require.True(t, won)

	if phase == store.PhasePending {
		return
	}
	require.NoError(t, f.store.MarkGenerationResult(ctx, id, phase, result, errMsg, now))
}

func getStream(f *gwFixture, ctx context.Context, id string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/conversations/"+id+"/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	f.gw.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHandleStream_ReplaysSucceededResult(t *testing.T) {
	f := newGateway(t, &stubBackend{}, &stubRunner{})
	seedConversation(t, f, "conv-done", store.PhaseSucceeded, "the finished document", "")

	rec := getStream(f, context.Background(), "conv-done")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: processing\n")
	assert.Contains(t, body, "event: result\n")
	assert.Contains(t, body, "the finished document")
}

func TestHandleStream_ReplaysFailure(t *testing.T) {
	f := newGateway(t, &stubBackend{}, &stubRunner{})
	seedConversation(t, f, "conv-failed", store.PhaseFailed, "", "model overloaded")

	rec := getStream(f, context.Background(), "conv-failed")

	body := rec.Body.String()
	assert.Contains(t, body, "event: error\n")
	assert.Contains(t, body, "model overloaded")
}

func TestHandleStream_AbandonedPendingReportsError(t *testing.T) {
	f := newGateway(t, &stubBackend{}, &stubRunner{})

	ctx := context.Background()
	now := time.Now()
	conv := &store.Conversation{
		ID:         "conv-stale",
		ToolID:     "offer-letter",
		Answers:    map[string]string{"offerDescription": "a crm", "targetAudience": "dentists"},
		Completed:  true,
		Generation: store.GenerationStatus{Phase: store.PhaseNotStarted},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, f.store.CreateConversation(ctx, conv))

	// Job started far beyond the abandonment window and never finished.
	won, err := f.store.CASGenerationPhase(ctx, "conv-stale", store.PhaseNotStarted, store.PhasePending, now.Add(-30*time.Minute))
	require.NoError(t, err)
	require.True(t, won)

	rec := getStream(f, ctx, "conv-stale")

	body := rec.Body.String()
	assert.Contains(t, body, "event: processing\n")
	assert.Contains(t, body, "generation abandoned")
}

func TestHandleStream_UnknownConversation(t *testing.T) {
	f := newGateway(t, &stubBackend{}, &stubRunner{})

	rec := getStream(f, context.Background(), "missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleStream_AttachesToLiveEvents(t *testing.T) {
	f := newGateway(t, &stubBackend{}, &stubRunner{})
	seedConversation(t, f, "conv-live", store.PhasePending, "", "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- getStream(f, ctx, "conv-live")
	}()

	// Give the handler time to subscribe, then publish the live result.
	time.Sleep(50 * time.Millisecond)
	f.gw.events.Publish(&stream.Event{
		ConversationID: "conv-live",
		Type:           stream.EventResult,
		Payload:        "streamed document",
	})

	select {
	case rec := <-done:
		body := rec.Body.String()
		assert.Contains(t, body, "event: processing\n")
		assert.Contains(t, body, "event: result\n")
		assert.Contains(t, body, "streamed document")
	case <-ctx.Done():
		t.Fatal("stream did not terminate after live result")
	}
}

func TestHandleStream_ReconnectReplaysWithoutRedispatch(t *testing.T) {
	runner := &stubRunner{result: "document v1"}
	f := newGateway(t, &stubBackend{}, runner)

	// Complete the collection; generation runs once.
	rec := postTurn(t, f.gw, "conv-rc", "offer-letter", "we sell a crm")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = postTurn(t, f.gw, "conv-rc", "offer-letter", "dental practices")
	require.Equal(t, http.StatusOK, rec.Code)
	f.disp.Wait()
	require.Equal(t, int32(1), runner.runs.Load())

	// A client that missed the live event reconnects and still gets the result.
	for i := 0; i < 3; i++ {
		streamRec := getStream(f, context.Background(), "conv-rc")
		assert.Contains(t, streamRec.Body.String(), "document v1")
	}

	assert.Equal(t, int32(1), runner.runs.Load(), "streaming must never re-dispatch generation")
}
