// ABOUTME: CLI client for intake-gateway guided dialogues
// ABOUTME: Runs interactive intake chats and streams generated documents via SSE

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	serverURL string
	tokenFlag string
)

func main() {
	root := &cobra.Command{
		Use:           "intake-cli",
		Short:         "Client for intake-gateway guided dialogues",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Gateway server URL")
	root.PersistentFlags().StringVar(&tokenFlag, "token", "", "Bearer token (defaults to INTAKE_TOKEN or ~/.config/intake/token)")

	root.AddCommand(
		newToolsCmd(),
		newChatCmd(),
		newStreamCmd(),
		newHistoryCmd(),
		newRetryCmd(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// getToken returns the bearer token from the flag, INTAKE_TOKEN env var, or
// ~/.config/intake/token file.
func getToken() string {
	if tokenFlag != "" {
		return tokenFlag
	}
	if token := os.Getenv("INTAKE_TOKEN"); token != "" {
		return token
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	data, err := os.ReadFile(filepath.Join(configDir, "intake", "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// authorize adds the bearer token header when one is configured.
func authorize(req *http.Request) {
	if token := getToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// decodeError extracts the error message from a JSON error response body.
func decodeError(resp *http.Response) error {
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var errResp map[string]string
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil {
			if msg, ok := errResp["error"]; ok {
				return fmt.Errorf("%s", msg)
			}
		}
	}
	return fmt.Errorf("server returned status %d", resp.StatusCode)
}

// toolInfo is the JSON response from GET /api/tools.
type toolInfo struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Slots []string `json:"slots"`
}

func newToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List available guided tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, serverURL+"/api/tools", nil)
			if err != nil {
				return err
			}
			authorize(req)

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("fetching tools: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return decodeError(resp)
			}

			var tools []toolInfo
			if err := json.NewDecoder(resp.Body).Decode(&tools); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}

			if len(tools) == 0 {
				fmt.Println("No tools registered")
				return nil
			}

			for _, t := range tools {
				color.New(color.Bold).Printf("%s", t.ID)
				fmt.Printf("  %s\n", t.Name)
				color.New(color.FgHiBlack).Printf("    slots: %s\n", strings.Join(t.Slots, ", "))
			}
			return nil
		},
	}
}

// turnRequest is the JSON body for POST /api/conversations/{id}/turns.
type turnRequest struct {
	ToolID  string `json:"tool_id"`
	Message string `json:"message"`
}

// turnResponse is the JSON response for a handled turn.
type turnResponse struct {
	ConversationID  string `json:"conversation_id"`
	Reply           string `json:"reply"`
	SlotKey         string `json:"slot_key"`
	Completed       bool   `json:"completed"`
	GenerationPhase string `json:"generation_phase"`
}

func newChatCmd() *cobra.Command {
	var conversationID string

	cmd := &cobra.Command{
		Use:   "chat <tool-id>",
		Short: "Run an interactive guided intake dialogue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			toolID := args[0]
			if conversationID == "" {
				conversationID = uuid.New().String()
			}

			color.New(color.FgCyan).Printf("intake chat - tool %s\n", toolID)
			color.New(color.FgHiBlack).Printf("conversation: %s\n", conversationID)
			fmt.Println("Type your answers and press Enter. Ctrl+C to quit.")
			fmt.Println()

			return runChat(cmd.Context(), toolID, conversationID)
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "Resume an existing conversation ID")
	return cmd
}

func runChat(ctx context.Context, toolID, conversationID string) error {
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("> ")

		inputCh := make(chan string, 1)
		errCh := make(chan error, 1)
		go func() {
			if scanner.Scan() {
				inputCh <- scanner.Text()
			} else if err := scanner.Err(); err != nil {
				errCh <- err
			} else {
				errCh <- io.EOF
			}
		}()

		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-inputCh:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if input == "/quit" || input == "/q" {
			return nil
		}

		turn, err := sendTurn(ctx, conversationID, toolID, input)
		if err != nil {
			color.New(color.FgRed).Printf("[error] %v\n", err)
			continue
		}

		fmt.Printf("%s\n\n", turn.Reply)

		if turn.Completed {
			color.New(color.FgHiBlack).Println("collection complete, waiting for document...")
			return streamResult(ctx, conversationID)
		}
	}
}

// sendTurn posts one turn and decodes the response.
func sendTurn(ctx context.Context, conversationID, toolID, message string) (*turnResponse, error) {
	body, err := json.Marshal(turnRequest{ToolID: toolID, Message: message})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/api/conversations/%s/turns", serverURL, conversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	authorize(req)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending turn: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}

	var turn turnResponse
	if err := json.NewDecoder(resp.Body).Decode(&turn); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	return &turn, nil
}

func newStreamCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stream <conversation-id>",
		Short: "Stream the generation result for a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return streamResult(cmd.Context(), args[0])
		},
	}
}

// streamResult attaches to the SSE stream and prints events until the
// terminal result or error arrives.
func streamResult(ctx context.Context, conversationID string) error {
	url := fmt.Sprintf("%s/api/conversations/%s/stream", serverURL, conversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	authorize(req)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("opening stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	return streamSSE(ctx, resp.Body)
}

// streamSSE parses the SSE wire format and dispatches complete events.
func streamSSE(ctx context.Context, body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventType string
	var dataLines []string

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Text()

		// Empty line signals end of event
		if line == "" {
			if eventType != "" && len(dataLines) > 0 {
				data := strings.Join(dataLines, "\n")
				done, err := handleSSEEvent(eventType, data)
				if err != nil {
					return err
				}
				if done {
					return nil
				}
			}
			eventType = ""
			dataLines = nil
			continue
		}

		if strings.HasPrefix(line, "event:") {
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}

		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			continue
		}
	}

	return scanner.Err()
}

// handleSSEEvent prints one event. Returns true when the stream is finished.
func handleSSEEvent(eventType, data string) (bool, error) {
	var payload map[string]string
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return false, fmt.Errorf("parsing event data: %w", err)
	}

	switch eventType {
	case "processing":
		color.New(color.FgHiBlack).Println("[processing]")
		return false, nil

	case "result":
		fmt.Println()
		fmt.Println(payload["document"])
		return true, nil

	case "error":
		color.New(color.FgRed).Printf("[error] %s\n", payload["error"])
		return true, nil

	default:
		// Ignore unknown events silently
		return false, nil
	}
}

// messagesResponse is the JSON response from GET /api/conversations/{id}/messages.
type messagesResponse struct {
	ConversationID string `json:"conversation_id"`
	Messages       []struct {
		Role      string `json:"role"`
		Content   string `json:"content"`
		CreatedAt string `json:"created_at"`
	} `json:"messages"`
}

func newHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <conversation-id>",
		Short: "Show the transcript of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("%s/api/conversations/%s/messages", serverURL, args[0])
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			authorize(req)

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("fetching history: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return decodeError(resp)
			}

			var history messagesResponse
			if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}

			if len(history.Messages) == 0 {
				fmt.Println("No messages")
				return nil
			}

			for _, msg := range history.Messages {
				switch msg.Role {
				case "user":
					color.New(color.FgBlue).Print("→ ")
				case "assistant":
					color.New(color.FgGreen).Print("← ")
				default:
					fmt.Print("  ")
				}
				fmt.Println(msg.Content)
			}
			return nil
		},
	}
}

func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <conversation-id>",
		Short: "Re-dispatch failed document generation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("%s/api/conversations/%s/retry", serverURL, args[0])
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, nil)
			if err != nil {
				return err
			}
			authorize(req)

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("requesting retry: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusAccepted {
				return decodeError(resp)
			}

			fmt.Println("retry dispatched, attaching to stream...")
			return streamResult(cmd.Context(), args[0])
		},
	}
}
