// Package transport defines the normalized request/response types and the
// composable Handler/Middleware pipeline through which every inference call
// flows. Provider-specific HTTP details live behind the ProviderAdapter
// boundary; everything above it sees one request shape.
package transport

import (
	"context"
	"net/http"
	"time"
)

// OperationType differentiates pipeline stages for rate limiting keys,
// metrics labeling, and prompt selection.
type OperationType string

const (
	// OpExtract indicates structured-record extraction from a document.
	OpExtract OperationType = "extract"

	// OpQAPairs indicates question/answer pair generation from a record.
	OpQAPairs OperationType = "qa_pairs"
)

// Request represents a normalized inference request across all providers.
type Request struct {
	// Operation identifies the pipeline stage issuing the call.
	Operation OperationType `json:"operation"`

	// ProviderID is the credential selected by the pool for this attempt.
	// Set by the executor immediately before dispatch.
	ProviderID string `json:"provider_id"`

	// WorkItemID correlates the call with the work item being processed.
	WorkItemID string `json:"work_item_id"`

	// Prompt is the user content sent to the model.
	Prompt string `json:"prompt"`

	// SystemPrompt provides instructions to the model.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Model names the exact model to use on the selected provider.
	Model string `json:"model"`

	// Generation parameters.
	MaxTokens   int64   `json:"max_tokens"`
	Temperature float64 `json:"temperature"`

	// Timeout bounds a single network call; zero means the client default.
	Timeout time.Duration `json:"timeout"`

	// TraceID correlates attempts across retries and providers.
	TraceID string `json:"trace_id"`
}

// Response represents normalized output from any inference provider.
type Response struct {
	// Content is the raw generated text.
	Content string `json:"content"`

	// ProviderID identifies which credential served the call.
	ProviderID string `json:"provider_id"`

	// Usage tracks token consumption, used to charge the token quota and
	// the run budget after the response size is known.
	Usage Usage `json:"usage"`

	// Headers preserves raw response headers for debugging.
	Headers http.Header `json:"-"`
}

// Usage provides consistent token accounting across providers.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
	LatencyMs        int64 `json:"latency_ms"`
}

// ProviderAdapter abstracts provider-specific HTTP communication. Each wire
// format (OpenAI-compatible chat, Anthropic messages) implements this
// interface to handle its request construction and response parsing.
type ProviderAdapter interface {
	// Build constructs the provider-specific HTTP request.
	Build(ctx context.Context, req *Request) (*http.Request, error)

	// Parse extracts normalized data from the provider's HTTP response.
	Parse(httpResp *http.Response) (*Response, error)

	// Name returns the wire-format identifier for routing and metrics.
	Name() string
}
