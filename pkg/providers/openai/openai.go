// Package openai implements capability.Completer on the OpenAI chat
// completions API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/petrijr/shipit/pkg/capability"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4o-mini"

	completionsPath = "/chat/completions"
	providerName    = "openai"
)

// Client calls the chat completions endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ capability.Completer = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithModel sets the model used when a request does not name one.
func WithModel(m string) Option {
	return func(c *Client) { c.model = m }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a Client authenticating with apiKey.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		apiKey:     apiKey,
		model:      DefaultModel,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type jsonSchemaFormat struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
	Strict bool           `json:"strict"`
}

type responseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *jsonSchemaFormat `json:"json_schema,omitempty"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content *string `json:"content"`
			Refusal *string `json:"refusal,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Complete sends one system/user exchange and returns the first choice's
// content. A null content (for example a refusal) yields "".
func (c *Client) Complete(ctx context.Context, req capability.CompletionRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	var messages []chatMessage
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.UserPrompt})

	body := chatRequest{Model: model, Messages: messages}
	if req.Schema != nil {
		body.ResponseFormat = &responseFormat{
			Type: "json_schema",
			JSONSchema: &jsonSchemaFormat{
				Name:   req.Schema.Name,
				Schema: req.Schema.Schema,
				Strict: true,
			},
		}
	}

	reqBody, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+completionsPath, bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &capability.ProviderError{Provider: providerName, Op: "complete", Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &capability.ProviderError{Provider: providerName, Op: "complete", StatusCode: resp.StatusCode, Retryable: true, Err: err}
	}

	c.logger.DebugContext(ctx, "openai api call",
		slog.String("model", model),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	var parsed chatResponse
	decodeErr := json.Unmarshal(respBody, &parsed)

	if resp.StatusCode != http.StatusOK {
		msg := http.StatusText(resp.StatusCode)
		if decodeErr == nil && parsed.Error != nil && parsed.Error.Message != "" {
			msg = parsed.Error.Message
		}
		return "", &capability.ProviderError{
			Provider:   providerName,
			Op:         "complete",
			StatusCode: resp.StatusCode,
			Retryable:  capability.RetryableStatus(resp.StatusCode),
			Err:        errors.New(msg),
		}
	}
	if decodeErr != nil {
		return "", &capability.ProviderError{Provider: providerName, Op: "complete", StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to unmarshal response: %w", decodeErr)}
	}
	if parsed.Error != nil {
		return "", &capability.ProviderError{Provider: providerName, Op: "complete", StatusCode: resp.StatusCode, Err: errors.New(parsed.Error.Message)}
	}
	if len(parsed.Choices) == 0 {
		return "", &capability.ProviderError{Provider: providerName, Op: "complete", StatusCode: resp.StatusCode, Err: errors.New("no choices in response")}
	}

	content := parsed.Choices[0].Message.Content
	if content == nil {
		return "", nil
	}
	return *content, nil
}
