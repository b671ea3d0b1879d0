// ABOUTME: SSE stream endpoint for generation results with reconnect recovery
// ABOUTME: Replays terminal outcomes from durable state, attaches live streams to the broadcaster

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/2389/intake-gateway/internal/store"
	"github.com/2389/intake-gateway/internal/stream"
)

// handleStream handles GET /api/conversations/{id}/stream.
//
// The stream always opens with a processing event, then resolves from the
// durable checkpoint: a terminal phase is replayed immediately, a pending
// job inside the abandonment window attaches to live events, and an
// abandoned job reports failure. A client that reconnects after missing
// the live result still receives it; delivery failures are in-band
// events, never broken streams.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request, id string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before polling so no event can slip between the checkpoint
	// read and the live wait.
	events, subID := g.events.Subscribe(r.Context(), id)
	defer g.events.Unsubscribe(id, subID)

	checkpoint, err := g.tracker.Poll(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to poll generation checkpoint", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	g.writeSSEEvent(w, "processing", map[string]string{"conversation_id": id})
	flusher.Flush()

	switch {
	case checkpoint.Phase == store.PhaseSucceeded:
		g.writeSSEEvent(w, "result", map[string]string{"document": checkpoint.Result})
		flusher.Flush()
		return

	case checkpoint.Phase == store.PhaseFailed:
		g.writeSSEEvent(w, "error", map[string]string{"error": checkpoint.Error})
		flusher.Flush()
		return

	case checkpoint.Abandoned:
		g.writeSSEEvent(w, "error", map[string]string{"error": "generation abandoned"})
		flusher.Flush()
		return
	}

	// Not started or pending inside the window: wait for live events.
	g.streamEvents(r.Context(), w, flusher, events)
}

// streamEvents forwards broadcaster events to the SSE stream until a
// terminal event arrives or the client disconnects.
func (g *Gateway) streamEvents(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, events <-chan *stream.Event) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-events:
			if !ok {
				return
			}

			g.writeSSEEvent(w, string(event.Type), eventData(event))
			flusher.Flush()

			if event.Type.Terminal() {
				return
			}
		}
	}
}

// eventData converts a broadcaster event payload to its SSE data shape.
func eventData(event *stream.Event) map[string]string {
	switch event.Type {
	case stream.EventResult:
		return map[string]string{"document": event.Payload}
	case stream.EventError:
		return map[string]string{"error": event.Payload}
	default:
		return map[string]string{"conversation_id": event.ConversationID}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data interface{}) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}
