// Package providers implements the wire-format adapters that translate
// normalized requests into provider-specific HTTP calls. An adapter
// instance is bound to one configured credential (endpoint, key, default
// model); the router maps credential ids to their adapters.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	llmerrors "github.com/codermillat/setforge/internal/llm/errors"
	"github.com/codermillat/setforge/internal/llm/transport"
)

// Supported wire formats. These constants match the "format" field in
// provider configuration.
const (
	FormatOpenAI    = "openai"    // OpenAI-compatible chat/completions
	FormatAnthropic = "anthropic" // Anthropic messages API
)

// Credential carries the connection details an adapter is bound to.
type Credential struct {
	ID       string
	Endpoint string
	APIKey   string
	Model    string
	Headers  map[string]string
}

// OpenAIAdapter implements ProviderAdapter for any OpenAI-compatible
// chat/completions endpoint, which covers most hosted inference tiers.
type OpenAIAdapter struct {
	cred Credential
}

// NewOpenAIAdapter creates an adapter bound to one credential. If no
// endpoint is configured it defaults to OpenAI's production API.
func NewOpenAIAdapter(cred Credential) *OpenAIAdapter {
	if cred.Endpoint == "" {
		cred.Endpoint = "https://api.openai.com/v1"
	}
	return &OpenAIAdapter{cred: cred}
}

// Name returns the wire-format identifier.
func (a *OpenAIAdapter) Name() string { return FormatOpenAI }

// Build constructs a chat/completions request with system and user
// messages, generation parameters, and authentication headers.
func (a *OpenAIAdapter) Build(ctx context.Context, req *transport.Request) (*http.Request, error) {
	endpoint := fmt.Sprintf("%s/chat/completions", a.cred.Endpoint)

	messages := []map[string]any{}
	if req.SystemPrompt != "" {
		messages = append(messages, map[string]any{
			"role":    "system",
			"content": req.SystemPrompt,
		})
	}
	messages = append(messages, map[string]any{
		"role":    "user",
		"content": req.Prompt,
	})

	model := req.Model
	if model == "" {
		model = a.cred.Model
	}

	body := map[string]any{
		"model":       model,
		"messages":    messages,
		"max_tokens":  req.MaxTokens,
		"temperature": req.Temperature,
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", a.cred.APIKey))
	for k, v := range a.cred.Headers {
		httpReq.Header.Set(k, v)
	}

	return httpReq, nil
}

// Parse extracts normalized content and usage from an OpenAI-format
// response, mapping error statuses to typed ProviderErrors.
func (a *OpenAIAdapter) Parse(httpResp *http.Response) (*transport.Response, error) {
	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, a.parseError(httpResp, body)
	}

	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
			TotalTokens      int64 `json:"total_tokens"`
		} `json:"usage"`
	}

	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %w", llmerrors.ErrInvalidResponse, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices returned", llmerrors.ErrInvalidResponse)
	}

	return &transport.Response{
		Content: resp.Choices[0].Message.Content,
		Usage: transport.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		Headers: httpResp.Header,
	}, nil
}

// parseError converts OpenAI-format error responses to ProviderError,
// preserving any Retry-After guidance.
func (a *OpenAIAdapter) parseError(httpResp *http.Response, body []byte) error {
	retryAfter := parseRetryAfterHeader(httpResp.Header)

	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		return &llmerrors.ProviderError{
			Provider:   a.cred.ID,
			StatusCode: httpResp.StatusCode,
			Message:    errResp.Error.Message,
			Type:       classifyErrorType(httpResp.StatusCode, errResp.Error.Code),
			RetryAfter: retryAfter,
		}
	}

	return &llmerrors.ProviderError{
		Provider:   a.cred.ID,
		StatusCode: httpResp.StatusCode,
		Message:    string(body),
		Type:       classifyErrorType(httpResp.StatusCode, ""),
		RetryAfter: retryAfter,
	}
}
