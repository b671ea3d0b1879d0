// ABOUTME: Tests for the generative backend client
// ABOUTME: Covers generation round-trips and defensive verdict parsing

package llm

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

func chatServer(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": reply}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestGenerate_ReturnsContent(t *testing.T) {
	srv := chatServer(t, "hello there")
	defer srv.Close()

	c := NewClient(srv.URL, "test-model", 5*time.Second, 0.1, 512)
	text, err := c.Generate(context.Background(), "say hello")
	require.NoError(t, err)
	assert.Equal(t, "hello there", text)
}

func TestGenerate_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-model", 5*time.Second, 0.1, 512)
	_, err := c.Generate(context.Background(), "say hello")
	assert.Error(t, err)
}

func TestGenerate_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-model", 5*time.Second, 0.1, 512)
	_, err := c.Generate(context.Background(), "say hello")
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestClassify_ParsesVerdict(t *testing.T) {
	srv := chatServer(t, `{"is_valid": false, "reason": "talks about pricing", "topic": "pricing"}`)
	defer srv.Close()

	c := NewClient(srv.URL, "test-model", 5*time.Second, 0.1, 512)
	v, err := c.Classify(context.Background(), "classify this")
	require.NoError(t, err)
	assert.False(t, v.IsValid)
	assert.Equal(t, "pricing", v.Topic)
}

func TestParseVerdict_StripsMarkdownFences(t *testing.T) {
	v, err := ParseVerdict("```json\n{\"is_valid\": true, \"extracted_answer\": \"smb founders\"}\n```")
	require.NoError(t, err)
	assert.True(t, v.IsValid)
	assert.Equal(t, "smb founders", v.ExtractedAnswer)
}

func TestParseVerdict_NoJSONObject(t *testing.T) {
	_, err := ParseVerdict("I think the answer is probably fine.")
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestParseVerdict_InvalidJSON(t *testing.T) {
	_, err := ParseVerdict(`{"is_valid": maybe}`)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}
