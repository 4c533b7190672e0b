// Package config defines the statically-typed configuration for a
// generation run. Every section is an explicit struct with named fields,
// loaded from YAML, defaulted, and validated at startup so a typo fails
// the run before any credential is spent.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/codermillat/setforge/internal/llm/pricing"
)

// Config is the root of the run configuration.
type Config struct {
	Run       RunConfig        `yaml:"run"`
	Executor  ExecutorConfig   `yaml:"executor"`
	Guard     GuardConfig      `yaml:"shared_guard"`
	Pipeline  PipelineConfig   `yaml:"pipeline"`
	Providers []ProviderConfig `yaml:"providers" validate:"min=1,dive"`
}

// RunConfig controls orchestration: input enumeration, output paths,
// concurrency, retries, and budget.
type RunConfig struct {
	InputDir       string        `yaml:"input_dir" validate:"required"`
	OutputPath     string        `yaml:"output_path" validate:"required"`
	CheckpointPath string        `yaml:"checkpoint_path" validate:"required"`
	DeadLetterPath string        `yaml:"dead_letter_path" validate:"required"`
	Concurrency    int           `yaml:"concurrency" validate:"min=1"`
	ItemRetries    int           `yaml:"item_retries" validate:"min=1"`
	FlushEvery     int           `yaml:"flush_every"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
	BudgetUSD      float64       `yaml:"budget_usd" validate:"min=0"`
	MetricsAddr    string        `yaml:"metrics_addr"`
}

// ExecutorConfig controls request-level attempts, backoff, and timeouts.
type ExecutorConfig struct {
	MaxAttempts     int           `yaml:"max_attempts" validate:"min=1"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	UseJitter       bool          `yaml:"use_jitter"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
	MaxProviderWait time.Duration `yaml:"max_provider_wait"`
}

// GuardConfig controls the optional Redis-backed shared request guard.
type GuardConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerMinute int           `yaml:"requests_per_minute" validate:"min=0"`
	RedisAddr         string        `yaml:"redis_addr"`
	RedisPassword     string        `yaml:"redis_password"`
	RedisDB           int           `yaml:"redis_db"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
}

// StageConfig names the static prompt and schema files for one pipeline
// stage, plus its generation parameters.
type StageConfig struct {
	SystemPromptFile string  `yaml:"system_prompt_file"`
	PromptFile       string  `yaml:"prompt_file" validate:"required"`
	SchemaFile       string  `yaml:"schema_file"`
	MaxTokens        int64   `yaml:"max_tokens" validate:"min=1"`
	Temperature      float64 `yaml:"temperature" validate:"min=0,max=2"`
}

// PipelineConfig holds the two processing stages.
type PipelineConfig struct {
	Extract StageConfig `yaml:"extract"`
	QAPairs StageConfig `yaml:"qa_pairs"`
}

// ProviderConfig is one credential record: tier, quotas, endpoint, auth.
type ProviderConfig struct {
	ID                string            `yaml:"id" validate:"required"`
	Tier              string            `yaml:"tier" validate:"required"`
	Priority          int               `yaml:"priority"`
	Format            string            `yaml:"format" validate:"omitempty,oneof=openai anthropic"`
	Endpoint          string            `yaml:"endpoint"`
	APIKeyEnv         string            `yaml:"api_key_env"`
	Model             string            `yaml:"model" validate:"required"`
	RequestsPerMinute int64             `yaml:"requests_per_minute" validate:"min=1"`
	TokensPerMinute   int64             `yaml:"tokens_per_minute" validate:"min=1"`
	Headers           map[string]string `yaml:"headers"`
	Pricing           pricing.Rate      `yaml:"pricing"`
}

// APIKey resolves the credential's key from the configured environment
// variable. Keys never appear in the config file itself.
func (p *ProviderConfig) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.APIKeyEnv)
}

// Load reads, defaults, and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills unset fields with production-ready values.
func (c *Config) applyDefaults() {
	if c.Run.Concurrency == 0 {
		c.Run.Concurrency = 4
	}
	if c.Run.ItemRetries == 0 {
		c.Run.ItemRetries = 3
	}
	if c.Run.FlushEvery == 0 {
		c.Run.FlushEvery = 10
	}
	if c.Run.FlushInterval == 0 {
		c.Run.FlushInterval = 30 * time.Second
	}

	if c.Executor.MaxAttempts == 0 {
		c.Executor.MaxAttempts = 5
	}
	if c.Executor.InitialInterval == 0 {
		c.Executor.InitialInterval = time.Second
	}
	if c.Executor.MaxInterval == 0 {
		c.Executor.MaxInterval = 30 * time.Second
	}
	if c.Executor.Multiplier == 0 {
		c.Executor.Multiplier = 2.0
	}
	if c.Executor.CallTimeout == 0 {
		c.Executor.CallTimeout = 90 * time.Second
	}
	if c.Executor.MaxProviderWait == 0 {
		c.Executor.MaxProviderWait = 2 * time.Minute
	}

	if c.Guard.ConnectTimeout == 0 {
		c.Guard.ConnectTimeout = 5 * time.Second
	}

	for i := range c.Providers {
		if c.Providers[i].Format == "" {
			c.Providers[i].Format = "openai"
		}
	}
}

// Validate checks the configuration's structural constraints.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	seen := make(map[string]struct{}, len(c.Providers))
	for _, p := range c.Providers {
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("invalid config: duplicate provider id %q", p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	return nil
}

// PriceTable builds the pricing table from the provider records.
func (c *Config) PriceTable() pricing.Table {
	table := make(pricing.Table, len(c.Providers))
	for _, p := range c.Providers {
		table[p.ID] = p.Pricing
	}
	return table
}
