// Command setforge generates instruction-tuning datasets from a directory
// of source documents. Each document is distilled into structured records
// and expanded into question/answer pairs through configured LLM providers,
// with checkpointed resume, provider rotation, and dead-lettering for items
// that keep failing.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/codermillat/setforge/internal/checkpoint"
	"github.com/codermillat/setforge/internal/config"
	"github.com/codermillat/setforge/internal/dataset"
	"github.com/codermillat/setforge/internal/deadletter"
	"github.com/codermillat/setforge/internal/llm/executor"
	"github.com/codermillat/setforge/internal/llm/pool"
	"github.com/codermillat/setforge/internal/llm/pricing"
	"github.com/codermillat/setforge/internal/llm/providers"
	"github.com/codermillat/setforge/internal/llm/ratelimit"
	"github.com/codermillat/setforge/internal/llm/transport"
	"github.com/codermillat/setforge/internal/metrics"
	"github.com/codermillat/setforge/internal/orchestrator"
	"github.com/codermillat/setforge/internal/pipeline"
)

const version = "0.3.0"

// httpClientTimeout is an outer bound on any single provider call; the
// executor applies the tighter per-call timeout itself.
const httpClientTimeout = 5 * time.Minute

func main() {
	if err := buildCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildCLI() *cobra.Command {
	var (
		configPath string
		verbose    bool
	)

	rootCmd := &cobra.Command{
		Use:     "setforge",
		Short:   "Generate Q/A datasets from documents through LLM providers",
		Version: version,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "setforge.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Process the input directory and append to the dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGeneration(configPath, verbose)
		},
	}

	var dedupeOut string
	dedupeCmd := &cobra.Command{
		Use:   "dedupe <dataset.jsonl>",
		Short: "Remove records with duplicate normalized questions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDedupe(args[0], dedupeOut)
		},
	}
	dedupeCmd.Flags().StringVarP(&dedupeOut, "out", "o", "", "output path (default: <input>.dedup.jsonl)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the setforge version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "setforge %s\n", version)
		},
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(dedupeCmd)
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func runGeneration(configPath string, verbose bool) error {
	logger := newLogger(verbose)
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stats := metrics.NewCollector()
	if cfg.Run.MetricsAddr != "" {
		if err := stats.Serve(cfg.Run.MetricsAddr); err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
	}

	// Provider pool: one entry per credential, each with its own quotas.
	creds := make(map[string]providers.Credential, len(cfg.Providers))
	formats := make(map[string]string, len(cfg.Providers))
	poolProviders := make([]*pool.Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		creds[pc.ID] = providers.Credential{
			ID:       pc.ID,
			Endpoint: pc.Endpoint,
			APIKey:   pc.APIKey(),
			Model:    pc.Model,
			Headers:  pc.Headers,
		}
		formats[pc.ID] = pc.Format
		poolProviders = append(poolProviders, &pool.Provider{
			ID:       pc.ID,
			Tier:     pc.Tier,
			Priority: pc.Priority,
			Endpoint: pc.Endpoint,
			APIKey:   pc.APIKey(),
			Format:   pc.Format,
			Model:    pc.Model,
			Limiter:  ratelimit.NewLimiter(pc.RequestsPerMinute, pc.TokensPerMinute),
		})
	}

	router, err := providers.NewRouter(creds, formats)
	if err != nil {
		return err
	}

	guard, err := ratelimit.NewSharedGuard(ratelimit.SharedGuardConfig{
		Enabled:           cfg.Guard.Enabled,
		RequestsPerMinute: cfg.Guard.RequestsPerMinute,
		RedisAddr:         cfg.Guard.RedisAddr,
		RedisPassword:     cfg.Guard.RedisPassword,
		RedisDB:           cfg.Guard.RedisDB,
		ConnectTimeout:    cfg.Guard.ConnectTimeout,
	}, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := guard.Close(); err != nil {
			logger.Warn("shared guard close failed", "error", err)
		}
	}()

	handler := transport.Chain(
		transport.NewHTTPHandler(&http.Client{Timeout: httpClientTimeout}, router),
		transport.NewLoggingMiddleware(logger),
	)

	exec := executor.New(
		pool.New(poolProviders, logger),
		guard,
		handler,
		executor.Config{
			MaxAttempts:     cfg.Executor.MaxAttempts,
			InitialInterval: cfg.Executor.InitialInterval,
			MaxInterval:     cfg.Executor.MaxInterval,
			Multiplier:      cfg.Executor.Multiplier,
			UseJitter:       cfg.Executor.UseJitter,
			CallTimeout:     cfg.Executor.CallTimeout,
			MaxProviderWait: cfg.Executor.MaxProviderWait,
		},
		logger,
	)

	extract, err := pipeline.LoadStage(transport.OpExtract, cfg.Pipeline.Extract)
	if err != nil {
		return fmt.Errorf("extract stage: %w", err)
	}
	qaPairs, err := pipeline.LoadStage(transport.OpQAPairs, cfg.Pipeline.QAPairs)
	if err != nil {
		return fmt.Errorf("qa_pairs stage: %w", err)
	}

	budget := pricing.NewBudget(cfg.Run.BudgetUSD)
	proc := pipeline.New(extract, qaPairs, exec, cfg.PriceTable(), budget, stats, logger)

	ckpt, err := checkpoint.Open(cfg.Run.CheckpointPath, cfg.Run.FlushEvery, cfg.Run.FlushInterval, logger)
	if err != nil {
		return err
	}

	dead, err := deadletter.Open(cfg.Run.DeadLetterPath)
	if err != nil {
		return err
	}
	defer dead.Close()

	sink, err := dataset.OpenWriter(cfg.Run.OutputPath)
	if err != nil {
		return err
	}
	defer sink.Close()

	items, err := orchestrator.EnumerateDir(cfg.Run.InputDir)
	if err != nil {
		return err
	}

	orch := orchestrator.New(proc, ckpt, dead, sink, stats, orchestrator.Config{
		Concurrency: cfg.Run.Concurrency,
		ItemRetries: cfg.Run.ItemRetries,
	}, logger)

	summary, runErr := orch.Run(ctx, items)

	if cfg.Run.MetricsAddr != "" {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stats.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}

	logger.Info("summary",
		"total", summary.Total,
		"skipped", summary.Skipped,
		"completed", summary.Completed,
		"dead_lettered", summary.DeadLettered,
		"abandoned", summary.Abandoned,
		"records", sink.Written(),
		"spent_usd", fmt.Sprintf("%.4f", budget.Spent()))

	return runErr
}

func runDedupe(inPath, outPath string) error {
	if outPath == "" {
		outPath = inPath + ".dedup.jsonl"
	}
	kept, dropped, err := dataset.Dedupe(inPath, outPath)
	if err != nil {
		return err
	}
	fmt.Printf("kept %d records, dropped %d duplicates -> %s\n", kept, dropped, outPath)
	return nil
}
