// Package pipeline runs the per-document processing stages: extract
// structured records from the document, then generate question/answer
// pairs from each record. Stages execute strictly sequentially within one
// work item; prompt wording lives in static template files referenced from
// configuration, with "{{content}}" and "{{record}}" placeholders.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/codermillat/setforge/internal/config"
	"github.com/codermillat/setforge/internal/dataset"
	llmerrors "github.com/codermillat/setforge/internal/llm/errors"
	"github.com/codermillat/setforge/internal/llm/executor"
	"github.com/codermillat/setforge/internal/llm/parse"
	"github.com/codermillat/setforge/internal/llm/pricing"
	"github.com/codermillat/setforge/internal/llm/transport"
	"github.com/codermillat/setforge/internal/metrics"
)

// contentPlaceholder and recordPlaceholder are the substitution points in
// prompt templates.
const (
	contentPlaceholder = "{{content}}"
	recordPlaceholder  = "{{record}}"
)

// Stage is one prepared pipeline stage: prompts loaded, schema compiled.
type Stage struct {
	Operation    transport.OperationType
	SystemPrompt string
	Template     string
	Validator    *parse.SchemaValidator
	MaxTokens    int64
	Temperature  float64
}

// LoadStage reads the stage's prompt files and compiles its schema.
func LoadStage(op transport.OperationType, cfg config.StageConfig) (*Stage, error) {
	template, err := os.ReadFile(cfg.PromptFile)
	if err != nil {
		return nil, fmt.Errorf("read prompt template: %w", err)
	}

	s := &Stage{
		Operation:   op,
		Template:    string(template),
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}

	if cfg.SystemPromptFile != "" {
		system, err := os.ReadFile(cfg.SystemPromptFile)
		if err != nil {
			return nil, fmt.Errorf("read system prompt: %w", err)
		}
		s.SystemPrompt = strings.TrimSpace(string(system))
	}

	if cfg.SchemaFile != "" {
		validator, err := parse.LoadSchema(cfg.SchemaFile)
		if err != nil {
			return nil, err
		}
		s.Validator = validator
	}

	return s, nil
}

// Pipeline processes one document into dataset records.
type Pipeline struct {
	extract *Stage
	qaPairs *Stage
	exec    *executor.Executor
	prices  pricing.Table
	budget  *pricing.Budget
	stats   *metrics.Collector
	logger  *slog.Logger
}

// New assembles the pipeline from its prepared stages and collaborators.
func New(extract, qaPairs *Stage, exec *executor.Executor, prices pricing.Table,
	budget *pricing.Budget, stats *metrics.Collector, logger *slog.Logger,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		extract: extract,
		qaPairs: qaPairs,
		exec:    exec,
		prices:  prices,
		budget:  budget,
		stats:   stats,
		logger:  logger.With("component", "pipeline"),
	}
}

// Process runs both stages for one document and returns the generated
// records. Any stage failure aborts the item; the orchestrator's item-level
// retry decides whether to try the whole pipeline again.
func (p *Pipeline) Process(ctx context.Context, itemID, content string) ([]dataset.Record, error) {
	records, err := p.runExtract(ctx, itemID, content)
	if err != nil {
		return nil, fmt.Errorf("extract stage: %w", err)
	}

	var out []dataset.Record
	for _, record := range records {
		pairs, provider, tokens, err := p.runQAPairs(ctx, itemID, record)
		if err != nil {
			return nil, fmt.Errorf("qa stage: %w", err)
		}

		topic, _ := record["topic"].(string)
		now := time.Now()
		for _, pair := range pairs {
			question, _ := pair["question"].(string)
			answer, _ := pair["answer"].(string)
			if question == "" || answer == "" {
				continue
			}
			out = append(out, dataset.Record{
				ItemID:    itemID,
				Question:  question,
				Answer:    answer,
				Topic:     topic,
				Provider:  provider,
				Tokens:    tokens,
				CreatedAt: now,
			})
		}
	}

	if len(out) == 0 {
		return nil, &llmerrors.ParseError{Message: "pipeline produced no usable question/answer pairs"}
	}
	return out, nil
}

// runExtract executes the extraction stage and returns the structured
// records found in the document.
func (p *Pipeline) runExtract(ctx context.Context, itemID, content string) ([]map[string]any, error) {
	req := &transport.Request{
		Operation:    p.extract.Operation,
		WorkItemID:   itemID,
		Prompt:       strings.ReplaceAll(p.extract.Template, contentPlaceholder, content),
		SystemPrompt: p.extract.SystemPrompt,
		MaxTokens:    p.extract.MaxTokens,
		Temperature:  p.extract.Temperature,
	}

	outcome := p.exec.Execute(ctx, req, p.extract.Validator)
	if err := p.settle(outcome); err != nil {
		return nil, err
	}

	records := outcome.Payload.List()
	if len(records) == 0 {
		return nil, &llmerrors.ParseError{
			Message: "extraction returned no records",
			Snippet: outcome.Payload.Raw,
		}
	}
	return records, nil
}

// runQAPairs executes the generation stage for one extracted record.
func (p *Pipeline) runQAPairs(ctx context.Context, itemID string, record map[string]any) ([]map[string]any, string, int64, error) {
	recordJSON, err := json.Marshal(record)
	if err != nil {
		return nil, "", 0, fmt.Errorf("marshal record: %w", err)
	}

	req := &transport.Request{
		Operation:    p.qaPairs.Operation,
		WorkItemID:   itemID,
		Prompt:       strings.ReplaceAll(p.qaPairs.Template, recordPlaceholder, string(recordJSON)),
		SystemPrompt: p.qaPairs.SystemPrompt,
		MaxTokens:    p.qaPairs.MaxTokens,
		Temperature:  p.qaPairs.Temperature,
	}

	outcome := p.exec.Execute(ctx, req, p.qaPairs.Validator)
	if err := p.settle(outcome); err != nil {
		return nil, "", 0, err
	}

	return outcome.Payload.List(), outcome.Response.ProviderID, outcome.Response.Usage.TotalTokens, nil
}

// settle charges the budget and records metrics for one call outcome,
// converting failed outcomes into errors. Spend covers every attempt that
// returned usage numbers, so tokens burned on attempts whose payload failed
// parsing are charged the same as the successful one.
func (p *Pipeline) settle(outcome executor.Outcome) error {
	var budgetErr error
	for _, attempt := range outcome.Spend {
		p.stats.TokensConsumed(attempt.Usage.TotalTokens)
		p.stats.ObserveCallLatency(time.Duration(attempt.Usage.LatencyMs) * time.Millisecond)

		cost := p.prices.Cost(attempt.ProviderID, attempt.Usage)
		p.stats.CostAdded(cost)
		if err := p.budget.Charge(cost); err != nil && budgetErr == nil {
			budgetErr = err
		}
	}

	provider := "none"
	if outcome.Response != nil {
		provider = outcome.Response.ProviderID
	}
	p.stats.CallAttempt(provider, string(outcome.Kind))

	if budgetErr != nil {
		// Budget exhaustion is fatal to the run, not just this item.
		return budgetErr
	}
	if outcome.Kind == executor.OutcomeSuccess {
		return nil
	}
	if outcome.Kind == executor.OutcomeRateLimited {
		p.stats.RateLimitHit(provider)
	}
	return outcome.Err
}
