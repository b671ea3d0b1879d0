// ABOUTME: HTTP client for the generative backend (OpenAI-compatible chat completions)
// ABOUTME: Provides text generation and structured slot classification with defensive parsing

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrMalformedResponse is returned when the backend answers but the payload
// cannot be parsed into the expected shape. Callers at the validation
// boundary treat this the same as transport failure (fail open).
var ErrMalformedResponse = errors.New("malformed backend response")

// Backend is what callers need from the generative backend.
type Backend interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Classify(ctx context.Context, prompt string) (*Verdict, error)
}

// Verdict is the structured result of a slot classification call.
type Verdict struct {
	IsValid         bool   `json:"is_valid"`
	Reason          string `json:"reason"`
	Topic           string `json:"topic"`
	ExtractedAnswer string `json:"extracted_answer"`
}

// Client talks to an OpenAI-compatible chat completions endpoint.
type Client struct {
	endpoint    string
	model       string
	temperature float32
	maxTokens   int
	client      *http.Client
}

// NewClient creates a backend client. timeout bounds each request.
func NewClient(endpoint, model string, timeout time.Duration, temperature float32, maxTokens int) *Client {
	return &Client{
		endpoint:    strings.TrimRight(endpoint, "/"),
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		client:      &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Generate sends a single-turn prompt and returns the model's text.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "user", Content: prompt},
		},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("backend returned status %d", resp.StatusCode)
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", ErrMalformedResponse)
	}

	return chatResp.Choices[0].Message.Content, nil
}

// Classify sends a classification prompt and parses the model's reply into a
// Verdict. The model is asked to answer with a JSON object; anything around
// it (markdown fences, prose) is stripped before parsing. A reply with no
// parseable object is ErrMalformedResponse.
func (c *Client) Classify(ctx context.Context, prompt string) (*Verdict, error) {
	text, err := c.Generate(ctx, prompt)
	if err != nil {
		return nil, err
	}
	return ParseVerdict(text)
}

// ParseVerdict extracts the first JSON object from text and unmarshals it
// into a Verdict. Exposed so tests and alternate backends share the exact
// parsing behavior of the fail-open boundary.
func ParseVerdict(text string) (*Verdict, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object in %q", ErrMalformedResponse, truncate(text, 80))
	}

	var v Verdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return &v, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
