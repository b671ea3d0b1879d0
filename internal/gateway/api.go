// ABOUTME: HTTP API handlers for guided dialogue turns and conversation state
// ABOUTME: Routes /api/conversations/{id}/... subpaths and maps errors to status codes

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/intake-gateway/internal/auth"
	"github.com/2389/intake-gateway/internal/conversation"
	"github.com/2389/intake-gateway/internal/dialogue"
	"github.com/2389/intake-gateway/internal/generation"
	"github.com/2389/intake-gateway/internal/store"
)

// TurnRequest is the JSON request body for POST /api/conversations/{id}/turns.
type TurnRequest struct {
	ToolID  string `json:"tool_id"`
	Message string `json:"message"`
}

// TurnResponse is the JSON response for a handled turn.
type TurnResponse struct {
	ConversationID  string `json:"conversation_id"`
	Reply           string `json:"reply"`
	SlotKey         string `json:"slot_key,omitempty"`
	Completed       bool   `json:"completed"`
	GenerationPhase string `json:"generation_phase"`
}

// ConversationResponse is the JSON response for GET /api/conversations/{id}.
type ConversationResponse struct {
	ID              string            `json:"id"`
	ToolID          string            `json:"tool_id"`
	Answers         map[string]string `json:"answers"`
	CurrentSlot     string            `json:"current_slot,omitempty"`
	Completed       bool              `json:"completed"`
	GenerationPhase string            `json:"generation_phase"`
	Result          string            `json:"result,omitempty"`
	Error           string            `json:"error,omitempty"`
	CreatedAt       string            `json:"created_at"`
	UpdatedAt       string            `json:"updated_at"`
}

// MessageResponse is the JSON shape of one transcript message.
type MessageResponse struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

// MessagesResponse is the JSON response for GET /api/conversations/{id}/messages.
type MessagesResponse struct {
	ConversationID string            `json:"conversation_id"`
	Messages       []MessageResponse `json:"messages"`
}

// ToolResponse is the JSON shape of one tool definition.
type ToolResponse struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Slots []string `json:"slots"`
}

// handleConversationRoutes dispatches /api/conversations/{id} and its
// subpaths by suffix and method.
func (g *Gateway) handleConversationRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	if rest == "" || rest == r.URL.Path {
		g.sendJSONError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}

	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		g.sendJSONError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}

	switch {
	case sub == "" && r.Method == http.MethodGet:
		g.handleGetConversation(w, r, id)
	case sub == "turns" && r.Method == http.MethodPost:
		g.handleTurn(w, r, id)
	case sub == "messages" && r.Method == http.MethodGet:
		g.handleMessages(w, r, id)
	case sub == "retry" && r.Method == http.MethodPost:
		g.handleRetry(w, r, id)
	case sub == "stream" && r.Method == http.MethodGet:
		g.handleStream(w, r, id)
	case sub == "" || sub == "turns" || sub == "messages" || sub == "retry" || sub == "stream":
		w.WriteHeader(http.StatusMethodNotAllowed)
	default:
		g.sendJSONError(w, http.StatusNotFound, "not found")
	}
}

// handleTurn handles POST /api/conversations/{id}/turns.
func (g *Gateway) handleTurn(w http.ResponseWriter, r *http.Request, id string) {
	req, err := parseTurnRequest(r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := g.orchestrator.HandleTurn(r.Context(), id, req.ToolID, req.Message)
	if err != nil {
		g.sendTurnError(w, err)
		return
	}

	g.logger.Debug("turn handled",
		"conversation_id", result.ConversationID,
		"tool_id", req.ToolID,
		"principal_id", principalID(r.Context()),
		"completed", result.Completed)

	response := TurnResponse{
		ConversationID:  result.ConversationID,
		Reply:           result.Reply,
		SlotKey:         result.SlotKey,
		Completed:       result.Completed,
		GenerationPhase: string(result.State.Generation.Phase),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// sendTurnError maps orchestrator errors to HTTP status codes. Slot
// integrity failures are server-side corruption, not client mistakes.
func (g *Gateway) sendTurnError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, conversation.ErrInput):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dialogue.ErrSlotIntegrity):
		g.logger.Error("slot integrity failure", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	case errors.Is(err, store.ErrVersionConflict):
		g.sendJSONError(w, http.StatusConflict, "conversation was modified concurrently, retry the turn")
	default:
		g.logger.Error("turn failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// handleGetConversation handles GET /api/conversations/{id}.
func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request, id string) {
	conv, err := g.orchestrator.GetConversation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to get conversation", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(conversationResponse(conv))
}

// conversationResponse converts a stored conversation to its JSON shape.
func conversationResponse(conv *store.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:              conv.ID,
		ToolID:          conv.ToolID,
		Answers:         conv.Answers,
		CurrentSlot:     conv.CurrentSlot,
		Completed:       conv.Completed,
		GenerationPhase: string(conv.Generation.Phase),
		Result:          conv.Generation.Result,
		Error:           conv.Generation.Error,
		CreatedAt:       conv.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       conv.UpdatedAt.Format(time.RFC3339),
	}
}

// handleMessages handles GET /api/conversations/{id}/messages.
// Returns transcript history, optionally limited by ?limit=N.
func (g *Gateway) handleMessages(w http.ResponseWriter, r *http.Request, id string) {
	// Parse optional limit parameter (default 50, max 1000)
	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
		if limit > 1000 {
			limit = 1000
		}
	}

	// Verify the conversation exists
	if _, err := g.orchestrator.GetConversation(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "conversation not found")
			return
		}
		g.logger.Error("failed to get conversation", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	messages, err := g.orchestrator.GetHistory(r.Context(), id, limit)
	if err != nil {
		g.logger.Error("failed to get messages", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := MessagesResponse{
		ConversationID: id,
		Messages:       make([]MessageResponse, len(messages)),
	}
	for i, msg := range messages {
		response.Messages[i] = MessageResponse{
			ID:        msg.ID,
			Role:      msg.Role,
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt.Format(time.RFC3339),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleRetry handles POST /api/conversations/{id}/retry.
// Re-dispatches generation for a failed conversation.
func (g *Gateway) handleRetry(w http.ResponseWriter, r *http.Request, id string) {
	err := g.orchestrator.RetryGeneration(r.Context(), id)
	switch {
	case err == nil:
		g.logger.Info("generation retry requested",
			"conversation_id", id,
			"principal_id", principalID(r.Context()))
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, generation.ErrNotRetryable):
		g.sendJSONError(w, http.StatusConflict, err.Error())
	default:
		g.logger.Error("retry failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// handleListTools handles GET /api/tools.
func (g *Gateway) handleListTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	tools := g.registry.List()
	response := make([]ToolResponse, len(tools))
	for i, tool := range tools {
		response[i] = ToolResponse{
			ID:    tool.ID,
			Name:  tool.Name,
			Slots: tool.Schema.Keys(),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// principalID returns the authenticated subject, or "anonymous" when the
// request carried no verified token.
func principalID(ctx context.Context) string {
	if ac := auth.FromContext(ctx); ac != nil {
		return ac.PrincipalID
	}
	return "anonymous"
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// parseTurnRequest parses and validates a TurnRequest from the given reader.
// Returns an error if the JSON is invalid or required fields are missing.
func parseTurnRequest(r io.Reader) (*TurnRequest, error) {
	var req TurnRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}

	if req.ToolID == "" {
		return nil, errors.New("tool_id is required")
	}

	if req.Message == "" {
		return nil, errors.New("message is required")
	}

	return &req, nil
}
