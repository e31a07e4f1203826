package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"agentpiazza/internal/logging"
)

// OllamaClient implements Client against a local Ollama server's
// /api/chat endpoint.
type OllamaClient struct {
	endpoint   string
	model      string
	httpClient *http.Client
}

// OllamaConfig holds configuration for the Ollama chat client.
type OllamaConfig struct {
	Endpoint string
	Model    string
	Timeout  time.Duration
}

// DefaultOllamaConfig returns sensible defaults for a local server.
func DefaultOllamaConfig() OllamaConfig {
	return OllamaConfig{
		Endpoint: "http://localhost:11434",
		Model:    "llama3.2",
		Timeout:  60 * time.Second,
	}
}

// NewOllamaClient creates a chat client with the given config. Zero
// fields fall back to defaults.
func NewOllamaClient(config OllamaConfig) *OllamaClient {
	def := DefaultOllamaConfig()
	if config.Endpoint == "" {
		config.Endpoint = def.Endpoint
	}
	if config.Model == "" {
		config.Model = def.Model
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	return &OllamaClient{
		endpoint: strings.TrimRight(config.Endpoint, "/"),
		model:    config.Model,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

type ollamaChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type ollamaChatResponse struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Error string `json:"error,omitempty"`
}

// Chat sends the transcript (system prompt first, when present) and
// returns the assistant's reply text.
func (c *OllamaClient) Chat(ctx context.Context, history []Message, systemPrompt string) (string, error) {
	messages := make([]Message, 0, len(history)+1)
	if systemPrompt != "" {
		messages = append(messages, Message{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, history...)

	reqBody := ollamaChatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   false,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	timer := logging.StartTimer(logging.CategoryCompletion, "ollama_chat")
	resp, err := c.httpClient.Do(req)
	timer.Stop()
	if err != nil {
		return "", classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		logging.Get(logging.CategoryCompletion).Error("ollama returned status %d: %s", resp.StatusCode, string(body))
		return "", fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var chatResp ollamaChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if chatResp.Error != "" {
		return "", fmt.Errorf("%w: %s", ErrUnavailable, chatResp.Error)
	}
	return strings.TrimSpace(chatResp.Message.Content), nil
}

// classifyTransportError maps transport failures onto the two sentinel
// errors callers branch on.
func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
