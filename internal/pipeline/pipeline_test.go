package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codermillat/setforge/internal/config"
	llmerrors "github.com/codermillat/setforge/internal/llm/errors"
	"github.com/codermillat/setforge/internal/llm/executor"
	"github.com/codermillat/setforge/internal/llm/pool"
	"github.com/codermillat/setforge/internal/llm/pricing"
	"github.com/codermillat/setforge/internal/llm/ratelimit"
	"github.com/codermillat/setforge/internal/llm/transport"
	"github.com/codermillat/setforge/internal/metrics"
)

// scriptedTransport returns canned replies in order and records the
// prompts it was called with.
type scriptedTransport struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	prompts []string
}

func (s *scriptedTransport) Handle(_ context.Context, req *transport.Request) (*transport.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prompts = append(s.prompts, req.Prompt)

	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}

	reply := s.replies[0]
	s.replies = s.replies[1:]
	return &transport.Response{
		Content:    reply,
		ProviderID: req.ProviderID,
		Usage:      transport.Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
	}, nil
}

func newTestPipeline(t *testing.T, handler transport.Handler, table pricing.Table, budget *pricing.Budget) *Pipeline {
	t.Helper()

	prov := &pool.Provider{
		ID:       "paid-1",
		Tier:     "paid",
		Priority: 10,
		Model:    "test-model",
		Limiter:  ratelimit.NewLimiter(1000, 10_000_000),
	}

	cfg := executor.DefaultConfig()
	cfg.UseJitter = false
	cfg.InitialInterval = time.Millisecond
	exec := executor.New(pool.New([]*pool.Provider{prov}, nil), nil, handler, cfg, nil)

	extract := &Stage{
		Operation:   transport.OpExtract,
		Template:    "Extract records from:\n{{content}}",
		MaxTokens:   2048,
		Temperature: 0.1,
	}
	qaPairs := &Stage{
		Operation:   transport.OpQAPairs,
		Template:    "Generate pairs for record: {{record}}",
		MaxTokens:   1024,
		Temperature: 0.7,
	}

	if budget == nil {
		budget = pricing.NewBudget(0)
	}
	return New(extract, qaPairs, exec, table, budget, metrics.NewCollector(), nil)
}

func TestProcess_EndToEnd(t *testing.T) {
	st := &scriptedTransport{replies: []string{
		// Extraction finds two records.
		`[{"topic": "fees", "fact": "tuition is billed per semester"},
		  {"topic": "housing", "fact": "dorms fill by June"}]`,
		// Each record yields two pairs.
		`[{"question": "How is tuition billed?", "answer": "Per semester."},
		  {"question": "When is tuition due?", "answer": "At registration."}]`,
		`[{"question": "When do dorms fill?", "answer": "By June."},
		  {"question": "Where are dorms?", "answer": "On campus."}]`,
	}}
	p := newTestPipeline(t, st, pricing.Table{}, nil)

	records, err := p.Process(context.Background(), "doc-1.txt", "the document body")
	require.NoError(t, err)
	require.Len(t, records, 4)

	assert.Equal(t, "doc-1.txt", records[0].ItemID)
	assert.Equal(t, "fees", records[0].Topic)
	assert.Equal(t, "housing", records[2].Topic)
	assert.Equal(t, "paid-1", records[0].Provider)
	assert.Equal(t, int64(150), records[0].Tokens)

	// The document body lands in the extract prompt; each record's JSON
	// lands in a generation prompt.
	require.Len(t, st.prompts, 3)
	assert.Contains(t, st.prompts[0], "the document body")
	assert.Contains(t, st.prompts[1], `"topic":"fees"`)
	assert.Contains(t, st.prompts[2], `"topic":"housing"`)
}

func TestProcess_SingleObjectExtractionPromoted(t *testing.T) {
	st := &scriptedTransport{replies: []string{
		`{"topic": "visa", "fact": "students need an F-1"}`,
		`[{"question": "Which visa?", "answer": "F-1."}]`,
	}}
	p := newTestPipeline(t, st, pricing.Table{}, nil)

	records, err := p.Process(context.Background(), "doc-1.txt", "body")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "visa", records[0].Topic)
}

func TestProcess_SkipsPairsMissingFields(t *testing.T) {
	st := &scriptedTransport{replies: []string{
		`[{"topic": "fees"}]`,
		`[{"question": "Q1", "answer": "A1"},
		  {"question": "", "answer": "A2"},
		  {"question": "Q3"}]`,
	}}
	p := newTestPipeline(t, st, pricing.Table{}, nil)

	records, err := p.Process(context.Background(), "doc-1.txt", "body")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Q1", records[0].Question)
}

func TestProcess_NoUsablePairsIsError(t *testing.T) {
	st := &scriptedTransport{replies: []string{
		`[{"topic": "fees"}]`,
		`[{"question": "", "answer": ""}]`,
	}}
	p := newTestPipeline(t, st, pricing.Table{}, nil)

	_, err := p.Process(context.Background(), "doc-1.txt", "body")
	require.Error(t, err)

	var perr *llmerrors.ParseError
	assert.ErrorAs(t, err, &perr)
}

func TestProcess_ExtractFailurePropagates(t *testing.T) {
	st := &scriptedTransport{
		errs: []error{&llmerrors.ProviderError{
			Provider:   "paid-1",
			StatusCode: 401,
			Type:       llmerrors.ErrorTypeAuth,
			Message:    "bad key",
		}},
	}
	p := newTestPipeline(t, st, pricing.Table{}, nil)

	_, err := p.Process(context.Background(), "doc-1.txt", "body")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extract stage")
}

func TestProcess_BudgetExhaustionIsFatal(t *testing.T) {
	st := &scriptedTransport{replies: []string{
		`[{"topic": "fees"}]`,
		`[{"question": "Q", "answer": "A"}]`,
	}}
	table := pricing.Table{"paid-1": {InputPer1K: 100, OutputPer1K: 100}}
	budget := pricing.NewBudget(0.01)
	p := newTestPipeline(t, st, table, budget)

	_, err := p.Process(context.Background(), "doc-1.txt", "body")
	require.Error(t, err)
	assert.ErrorIs(t, err, llmerrors.ErrBudgetExceeded)
}

func TestProcess_UnparseableAttemptsStillCharged(t *testing.T) {
	// The first extraction reply burns tokens but carries no JSON; the
	// retry succeeds. All three usage-bearing calls must settle against
	// the budget, not just the ones whose payload parsed.
	st := &scriptedTransport{replies: []string{
		`The model rambles with no JSON at all.`,
		`[{"topic": "fees", "fact": "tuition is billed per semester"}]`,
		`[{"question": "How is tuition billed?", "answer": "Per semester."}]`,
	}}
	table := pricing.Table{"paid-1": {InputPer1K: 100, OutputPer1K: 100}}
	budget := pricing.NewBudget(0)
	p := newTestPipeline(t, st, table, budget)

	records, err := p.Process(context.Background(), "doc-1.txt", "body")
	require.NoError(t, err)
	require.Len(t, records, 1)

	// Each call reports 100 prompt + 50 completion tokens: $15 per call,
	// three calls including the unparseable one.
	require.Len(t, st.prompts, 3)
	assert.InDelta(t, 45.0, budget.Spent(), 1e-9)
}

func TestLoadStage(t *testing.T) {
	dir := t.TempDir()
	promptPath := filepath.Join(dir, "qa.txt")
	systemPath := filepath.Join(dir, "qa_system.txt")
	require.NoError(t, os.WriteFile(promptPath, []byte("Generate pairs for {{record}}"), 0o644))
	require.NoError(t, os.WriteFile(systemPath, []byte("You write exam questions.\n"), 0o644))

	s, err := LoadStage(transport.OpQAPairs, config.StageConfig{
		PromptFile:       promptPath,
		SystemPromptFile: systemPath,
		MaxTokens:        512,
		Temperature:      0.5,
	})
	require.NoError(t, err)

	assert.Equal(t, transport.OpQAPairs, s.Operation)
	assert.True(t, strings.Contains(s.Template, "{{record}}"))
	assert.Equal(t, "You write exam questions.", s.SystemPrompt, "system prompt is trimmed")
	assert.Equal(t, int64(512), s.MaxTokens)
	assert.Nil(t, s.Validator)
}

func TestLoadStage_MissingPromptFile(t *testing.T) {
	_, err := LoadStage(transport.OpExtract, config.StageConfig{
		PromptFile: filepath.Join(t.TempDir(), "absent.txt"),
	})
	assert.Error(t, err)
}

func TestLoadStage_CompilesSchema(t *testing.T) {
	dir := t.TempDir()
	promptPath := filepath.Join(dir, "extract.txt")
	schemaPath := filepath.Join(dir, "extract_schema.json")
	require.NoError(t, os.WriteFile(promptPath, []byte("Extract {{content}}"), 0o644))
	require.NoError(t, os.WriteFile(schemaPath, []byte(`{
		"type": "array",
		"items": {
			"type": "object",
			"required": ["topic"],
			"properties": {"topic": {"type": "string"}}
		}
	}`), 0o644))

	s, err := LoadStage(transport.OpExtract, config.StageConfig{
		PromptFile: promptPath,
		SchemaFile: schemaPath,
	})
	require.NoError(t, err)
	assert.NotNil(t, s.Validator)
}
