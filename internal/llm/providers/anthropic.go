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

// AnthropicAdapter implements ProviderAdapter for the Anthropic messages
// API, which carries the system prompt separately from the message list.
type AnthropicAdapter struct {
	cred Credential
}

// NewAnthropicAdapter creates an adapter bound to one credential. If no
// endpoint is configured it defaults to Anthropic's production API.
func NewAnthropicAdapter(cred Credential) *AnthropicAdapter {
	if cred.Endpoint == "" {
		cred.Endpoint = "https://api.anthropic.com/v1"
	}
	return &AnthropicAdapter{cred: cred}
}

// Name returns the wire-format identifier.
func (a *AnthropicAdapter) Name() string { return FormatAnthropic }

// Build constructs a messages API request with Anthropic's authentication
// and versioning headers.
func (a *AnthropicAdapter) Build(ctx context.Context, req *transport.Request) (*http.Request, error) {
	endpoint := fmt.Sprintf("%s/messages", a.cred.Endpoint)

	model := req.Model
	if model == "" {
		model = a.cred.Model
	}

	body := map[string]any{
		"model": model,
		"messages": []map[string]any{
			{"role": "user", "content": req.Prompt},
		},
		"max_tokens":  req.MaxTokens,
		"temperature": req.Temperature,
	}
	if req.SystemPrompt != "" {
		body["system"] = req.SystemPrompt
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
	httpReq.Header.Set("x-api-key", a.cred.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	for k, v := range a.cred.Headers {
		httpReq.Header.Set(k, v)
	}

	return httpReq, nil
}

// Parse extracts normalized content and usage from an Anthropic response.
func (a *AnthropicAdapter) Parse(httpResp *http.Response) (*transport.Response, error) {
	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, a.parseError(httpResp, body)
	}

	var resp struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
		} `json:"usage"`
	}

	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %w", llmerrors.ErrInvalidResponse, err)
	}

	var content string
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}
	if content == "" {
		return nil, fmt.Errorf("%w: no text content returned", llmerrors.ErrInvalidResponse)
	}

	return &transport.Response{
		Content: content,
		Usage: transport.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		Headers: httpResp.Header,
	}, nil
}

// parseError converts Anthropic error responses to ProviderError.
func (a *AnthropicAdapter) parseError(httpResp *http.Response, body []byte) error {
	retryAfter := parseRetryAfterHeader(httpResp.Header)

	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		return &llmerrors.ProviderError{
			Provider:   a.cred.ID,
			StatusCode: httpResp.StatusCode,
			Message:    errResp.Error.Message,
			Type:       classifyErrorType(httpResp.StatusCode, errResp.Error.Type),
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
