package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	llmerrors "github.com/codermillat/setforge/internal/llm/errors"
)

// NewLoggingMiddleware wraps handlers with structured request lifecycle
// logging. Prompts are never logged; only sizes, identifiers, and outcome
// classifications are recorded.
func NewLoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "transport")

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
			traceID := req.TraceID
			if traceID == "" {
				traceID = uuid.New().String()
				req.TraceID = traceID
			}

			logger.Debug("inference call started",
				"trace_id", traceID,
				"operation", req.Operation,
				"provider", req.ProviderID,
				"model", req.Model,
				"work_item", req.WorkItemID,
				"prompt_bytes", len(req.Prompt))

			start := time.Now()
			resp, err := next.Handle(ctx, req)
			elapsed := time.Since(start)

			if err != nil {
				logger.Warn("inference call failed",
					"trace_id", traceID,
					"provider", req.ProviderID,
					"error_type", llmerrors.Classify(err),
					"elapsed", elapsed,
					"error", err)
				return resp, err
			}

			logger.Debug("inference call completed",
				"trace_id", traceID,
				"provider", req.ProviderID,
				"total_tokens", resp.Usage.TotalTokens,
				"elapsed", elapsed)
			return resp, nil
		})
	}
}
