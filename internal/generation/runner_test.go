// ABOUTME: Tests for the HTTP job runner client
// ABOUTME: Covers success, reported failure, and transport errors

package generation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPRunner_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/jobs", r.URL.Path)

		var req JobRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "conv-1", req.ConversationID)

		json.NewEncoder(w).Encode(map[string]string{"status": "ok", "result": "document"})
	}))
	defer srv.Close()

	r := NewHTTPRunner(srv.URL, 5*time.Second)
	result, err := r.Run(context.Background(), &JobRequest{
		ConversationID: "conv-1",
		Answers:        map[string]string{"k": "v"},
	})
	require.NoError(t, err)
	assert.Equal(t, "document", result)
}

func TestHTTPRunner_ReportedFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "error", "error": "model overloaded"})
	}))
	defer srv.Close()

	r := NewHTTPRunner(srv.URL, 5*time.Second)
	_, err := r.Run(context.Background(), &JobRequest{ConversationID: "conv-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestHTTPRunner_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	r := NewHTTPRunner(srv.URL, 5*time.Second)
	_, err := r.Run(context.Background(), &JobRequest{ConversationID: "conv-1"})
	assert.Error(t, err)
}

func TestHTTPRunner_ContextCancellation(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
	}))
	defer srv.Close()
	defer close(blocked)

	r := NewHTTPRunner(srv.URL, time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := r.Run(ctx, &JobRequest{ConversationID: "conv-1"})
	assert.Error(t, err)
}
