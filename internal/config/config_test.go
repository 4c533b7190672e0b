package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
run:
  input_dir: ./docs
  output_path: ./out/dataset.jsonl
  checkpoint_path: ./out/checkpoint.json
  dead_letter_path: ./out/dead_letter.jsonl
  budget_usd: 25.0

pipeline:
  extract:
    prompt_file: ./prompts/extract.txt
    max_tokens: 2048
    temperature: 0.1
  qa_pairs:
    prompt_file: ./prompts/qa.txt
    system_prompt_file: ./prompts/qa_system.txt
    max_tokens: 1024
    temperature: 0.7

providers:
  - id: paid-1
    tier: paid
    priority: 10
    format: openai
    api_key_env: SETFORGE_PAID_KEY
    model: gpt-test
    requests_per_minute: 60
    tokens_per_minute: 90000
    pricing:
      input_per_1k: 0.5
      output_per_1k: 1.5
  - id: free-1
    tier: free
    priority: 1
    model: free-model
    requests_per_minute: 10
    tokens_per_minute: 30000
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "setforge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "./docs", cfg.Run.InputDir)
	assert.InDelta(t, 25.0, cfg.Run.BudgetUSD, 1e-9)
	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, "paid-1", cfg.Providers[0].ID)
	assert.Equal(t, int64(90000), cfg.Providers[0].TokensPerMinute)
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Run.Concurrency)
	assert.Equal(t, 3, cfg.Run.ItemRetries)
	assert.Equal(t, 10, cfg.Run.FlushEvery)
	assert.Equal(t, 30*time.Second, cfg.Run.FlushInterval)
	assert.Equal(t, 5, cfg.Executor.MaxAttempts)
	assert.Equal(t, 90*time.Second, cfg.Executor.CallTimeout)
	assert.Equal(t, "openai", cfg.Providers[1].Format, "empty format defaults to openai")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_MalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "run: [unclosed"))
	assert.Error(t, err)
}

func TestLoad_ValidationFailures(t *testing.T) {
	t.Run("missing input_dir", func(t *testing.T) {
		yaml := `
run:
  output_path: ./out.jsonl
  checkpoint_path: ./ck.json
  dead_letter_path: ./dl.jsonl
pipeline:
  extract: {prompt_file: ./e.txt, max_tokens: 100}
  qa_pairs: {prompt_file: ./q.txt, max_tokens: 100}
providers:
  - {id: p, tier: paid, model: m, requests_per_minute: 1, tokens_per_minute: 1}
`
		_, err := Load(writeConfig(t, yaml))
		assert.Error(t, err)
	})

	t.Run("no providers", func(t *testing.T) {
		yaml := `
run:
  input_dir: ./docs
  output_path: ./out.jsonl
  checkpoint_path: ./ck.json
  dead_letter_path: ./dl.jsonl
pipeline:
  extract: {prompt_file: ./e.txt, max_tokens: 100}
  qa_pairs: {prompt_file: ./q.txt, max_tokens: 100}
providers: []
`
		_, err := Load(writeConfig(t, yaml))
		assert.Error(t, err)
	})

	t.Run("bad format", func(t *testing.T) {
		yaml := `
run:
  input_dir: ./docs
  output_path: ./out.jsonl
  checkpoint_path: ./ck.json
  dead_letter_path: ./dl.jsonl
pipeline:
  extract: {prompt_file: ./e.txt, max_tokens: 100}
  qa_pairs: {prompt_file: ./q.txt, max_tokens: 100}
providers:
  - {id: p, tier: paid, format: soap, model: m, requests_per_minute: 1, tokens_per_minute: 1}
`
		_, err := Load(writeConfig(t, yaml))
		assert.Error(t, err)
	})

	t.Run("duplicate provider ids", func(t *testing.T) {
		yaml := `
run:
  input_dir: ./docs
  output_path: ./out.jsonl
  checkpoint_path: ./ck.json
  dead_letter_path: ./dl.jsonl
pipeline:
  extract: {prompt_file: ./e.txt, max_tokens: 100}
  qa_pairs: {prompt_file: ./q.txt, max_tokens: 100}
providers:
  - {id: p, tier: paid, model: m, requests_per_minute: 1, tokens_per_minute: 1}
  - {id: p, tier: free, model: m2, requests_per_minute: 1, tokens_per_minute: 1}
`
		_, err := Load(writeConfig(t, yaml))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate provider id")
	})
}

func TestProviderConfig_APIKeyFromEnv(t *testing.T) {
	t.Setenv("SETFORGE_TEST_KEY", "sk-from-env")

	p := ProviderConfig{APIKeyEnv: "SETFORGE_TEST_KEY"}
	assert.Equal(t, "sk-from-env", p.APIKey())

	empty := ProviderConfig{}
	assert.Empty(t, empty.APIKey())
}

func TestConfig_PriceTable(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	table := cfg.PriceTable()
	assert.InDelta(t, 0.5, table["paid-1"].InputPer1K, 1e-9)
	assert.InDelta(t, 1.5, table["paid-1"].OutputPer1K, 1e-9)
	assert.Zero(t, table["free-1"].InputPer1K)
}
