// Package pricing provides token cost arithmetic and run-level budget
// enforcement. Cost is a pure function of token counts and the configured
// price table; the budget is a cross-cutting policy above the executor,
// and exceeding it is fatal to the whole run rather than to one item.
package pricing

import (
	"fmt"
	"sync"

	llmerrors "github.com/codermillat/setforge/internal/llm/errors"
	"github.com/codermillat/setforge/internal/llm/transport"
)

// Rate is the price per 1000 tokens for one provider credential, in USD.
type Rate struct {
	InputPer1K  float64 `yaml:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k"`
}

// Table maps provider credential ids to their rates. Credentials missing
// from the table cost zero (free tier).
type Table map[string]Rate

// Cost computes the USD cost of one call's token usage.
func (t Table) Cost(providerID string, usage transport.Usage) float64 {
	rate, ok := t[providerID]
	if !ok {
		return 0
	}
	return float64(usage.PromptTokens)/1000*rate.InputPer1K +
		float64(usage.CompletionTokens)/1000*rate.OutputPer1K
}

// Budget tracks cumulative run spend against a hard limit.
type Budget struct {
	mu       sync.Mutex
	limitUSD float64
	spentUSD float64
}

// NewBudget creates a budget with the given limit; zero disables
// enforcement while still tracking spend.
func NewBudget(limitUSD float64) *Budget {
	return &Budget{limitUSD: limitUSD}
}

// Charge records the cost and reports whether the run budget is now
// exhausted. The charge itself is always recorded; the call that crossed
// the line already happened.
func (b *Budget) Charge(costUSD float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.spentUSD += costUSD
	if b.limitUSD > 0 && b.spentUSD > b.limitUSD {
		return fmt.Errorf("%w: spent $%.4f of $%.4f",
			llmerrors.ErrBudgetExceeded, b.spentUSD, b.limitUSD)
	}
	return nil
}

// Spent returns the cumulative run spend in USD.
func (b *Budget) Spent() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spentUSD
}
