// ABOUTME: External generation job runner client
// ABOUTME: Posts collected answers and transcript to the job service and waits for the outcome

package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// JobRequest is what the external job runner accepts.
type JobRequest struct {
	ConversationID string            `json:"conversation_id"`
	Answers        map[string]string `json:"answers"`
	Transcript     []TranscriptEntry `json:"transcript"`
}

// TranscriptEntry is one transcript line sent to the job runner.
type TranscriptEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// JobRunner starts the external long-running job and blocks until it
// resolves. Runs may take minutes; callers bound them with ctx.
type JobRunner interface {
	Run(ctx context.Context, req *JobRequest) (string, error)
}

// HTTPRunner calls the job service over HTTP.
type HTTPRunner struct {
	endpoint string
	client   *http.Client
}

// NewHTTPRunner creates a runner for the given job service endpoint. timeout
// bounds the full job duration, which routinely runs 60-180 seconds.
func NewHTTPRunner(endpoint string, timeout time.Duration) *HTTPRunner {
	return &HTTPRunner{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
	}
}

type jobResponse struct {
	Status string `json:"status"`
	Result string `json:"result"`
	Error  string `json:"error"`
}

// Run submits the job and blocks until the service reports an outcome.
func (r *HTTPRunner) Run(ctx context.Context, req *JobRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encoding job request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.endpoint+"/jobs", bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("building job request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("job request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("job service returned status %d", resp.StatusCode)
	}

	var jr jobResponse
	if err := json.NewDecoder(resp.Body).Decode(&jr); err != nil {
		return "", fmt.Errorf("decoding job response: %w", err)
	}
	if jr.Status != "ok" {
		if jr.Error == "" {
			jr.Error = "job reported failure without detail"
		}
		return "", fmt.Errorf("job failed: %s", jr.Error)
	}

	return jr.Result, nil
}
