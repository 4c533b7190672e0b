// Package orchestrator drives a generation run: it enumerates work items,
// filters out already-completed ones through the checkpoint, processes the
// rest under a bounded concurrency limit, and routes permanently-failed
// items to the dead-letter log.
//
// Each work item moves pending -> in-flight -> done or dead-lettered. The
// item-level retry budget is distinct from the executor's attempt counter:
// a fatal call outcome may still be transient at the item level (a
// temporarily malformed upstream chunk), so the whole pipeline is retried
// up to the configured limit before giving up. Dead-lettered ids are kept
// out of the checkpoint deliberately so a later run can pick them up again.
//
// On interrupt the orchestrator stops admitting new items, lets in-flight
// items finish or hit their timeouts, flushes the checkpoint, and returns;
// no item is ever persisted as in-flight.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codermillat/setforge/internal/checkpoint"
	"github.com/codermillat/setforge/internal/dataset"
	"github.com/codermillat/setforge/internal/deadletter"
	llmerrors "github.com/codermillat/setforge/internal/llm/errors"
	"github.com/codermillat/setforge/internal/metrics"
)

// Item-level retry backoff bounds.
const (
	itemBackoffBase = 2 * time.Second
	itemBackoffMax  = 30 * time.Second
)

// progressInterval paces the periodic progress log line.
const progressInterval = 15 * time.Second

// Status tracks a work item through its lifecycle.
type Status string

const (
	StatusPending      Status = "pending"
	StatusInFlight     Status = "in_flight"
	StatusDone         Status = "done"
	StatusDeadLettered Status = "dead_lettered"
)

// WorkItem is one unit of input: a source document.
type WorkItem struct {
	// ID is the stable identifier recorded in checkpoints and output,
	// the path relative to the input directory.
	ID string

	// Path locates the document on disk.
	Path string

	// Attempts counts item-level tries, distinct from call attempts.
	Attempts int

	// Status is the current lifecycle state.
	Status Status
}

// Processor runs the per-item pipeline. Implemented by pipeline.Pipeline;
// an interface here keeps the orchestrator testable without a network.
type Processor interface {
	Process(ctx context.Context, itemID, content string) ([]dataset.Record, error)
}

// Config bounds the run.
type Config struct {
	// Concurrency caps simultaneously in-flight items.
	Concurrency int

	// ItemRetries is the item-level retry budget M.
	ItemRetries int
}

// Summary reports what the run accomplished.
type Summary struct {
	Total        int
	Skipped      int
	Completed    int
	DeadLettered int
	Abandoned    int
}

// Orchestrator coordinates one generation run.
type Orchestrator struct {
	proc   Processor
	ckpt   *checkpoint.Store
	dead   *deadletter.Log
	sink   *dataset.Writer
	stats  *metrics.Collector
	cfg    Config
	logger *slog.Logger

	// sleep is the item-backoff sleeper, replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New assembles an orchestrator. All collaborators are required except the
// logger, which falls back to the default.
func New(proc Processor, ckpt *checkpoint.Store, dead *deadletter.Log,
	sink *dataset.Writer, stats *metrics.Collector, cfg Config, logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ItemRetries <= 0 {
		cfg.ItemRetries = 1
	}
	return &Orchestrator{
		proc:   proc,
		ckpt:   ckpt,
		dead:   dead,
		sink:   sink,
		stats:  stats,
		cfg:    cfg,
		logger: logger.With("component", "orchestrator"),
		sleep:  sleepCtx,
	}
}

// EnumerateDir lists the input documents under dir as work items, ordered
// by id for a deterministic admission order.
func EnumerateDir(dir string) ([]WorkItem, error) {
	var items []WorkItem

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".txt", ".md":
		default:
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		items = append(items, WorkItem{ID: rel, Path: path, Status: StatusPending})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enumerate input: %w", err)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

// Run processes the items and returns the run summary. It returns an error
// only for run-fatal conditions (budget exhaustion, checkpoint I/O); items
// that merely failed are accounted in the summary and the dead-letter log.
// The checkpoint is flushed before returning on every path.
func (o *Orchestrator) Run(ctx context.Context, items []WorkItem) (Summary, error) {
	summary := Summary{Total: len(items)}

	pending := make([]WorkItem, 0, len(items))
	for _, item := range items {
		if o.ckpt.Done(item.ID) {
			summary.Skipped++
			continue
		}
		pending = append(pending, item)
	}

	o.logger.Info("run starting",
		"total", summary.Total,
		"skipped", summary.Skipped,
		"pending", len(pending),
		"concurrency", o.cfg.Concurrency)

	// Run-fatal failures cancel admission for every worker.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var (
		mu           sync.Mutex
		runErr       error
		completed    atomic.Int64
		deadLettered atomic.Int64
		inFlight     atomic.Int64
	)
	fail := func(err error) {
		mu.Lock()
		if runErr == nil {
			runErr = err
		}
		mu.Unlock()
		cancelRun()
	}

	queue := make(chan WorkItem)
	var wg sync.WaitGroup

	for w := 0; w < o.cfg.Concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range queue {
				inFlight.Add(1)
				o.stats.SetInFlight(int(inFlight.Load()))

				// Interrupted items stay pending; the summary derives the
				// abandoned count from the totals so never-admitted items
				// are included too.
				switch o.processItem(runCtx, item, fail) {
				case StatusDone:
					completed.Add(1)
				case StatusDeadLettered:
					deadLettered.Add(1)
				}

				inFlight.Add(-1)
				o.stats.SetInFlight(int(inFlight.Load()))
			}
		}()
	}

	progressDone := make(chan struct{})
	go o.progressLoop(progressDone, len(pending), &completed, &deadLettered)

	// Admission loop: stops on cancellation so an interrupt only drains
	// what is already in flight.
admission:
	for i, item := range pending {
		o.stats.SetPending(len(pending) - i)
		select {
		case queue <- item:
		case <-runCtx.Done():
			break admission
		}
	}
	close(queue)
	wg.Wait()
	close(progressDone)
	o.stats.SetPending(0)

	// Always flush on the way out so no progress is lost and no item is
	// left in-flight in persisted state.
	if err := o.ckpt.Flush(); err != nil {
		o.logger.Error("final checkpoint flush failed", "error", err)
		if runErr == nil {
			runErr = err
		}
	}

	summary.Completed = int(completed.Load())
	summary.DeadLettered = int(deadLettered.Load())
	summary.Abandoned = summary.Total - summary.Skipped - summary.Completed - summary.DeadLettered

	o.logger.Info("run finished",
		"completed", summary.Completed,
		"dead_lettered", summary.DeadLettered,
		"abandoned", summary.Abandoned)

	return summary, runErr
}

// processItem runs one item through the pipeline with the item-level retry
// budget and returns its terminal status. Run-fatal errors are reported
// through fail rather than the return value.
func (o *Orchestrator) processItem(ctx context.Context, item WorkItem, fail func(error)) Status {
	var lastErr error
	for attempt := 1; attempt <= o.cfg.ItemRetries; attempt++ {
		if ctx.Err() != nil {
			return StatusPending
		}

		records, err := o.readAndProcess(ctx, item)
		if err == nil {
			if err := o.sink.Append(records...); err != nil {
				fail(fmt.Errorf("dataset sink: %w", err))
				return StatusPending
			}
			if err := o.ckpt.MarkDone(item.ID); err != nil {
				fail(fmt.Errorf("checkpoint: %w", err))
				return StatusPending
			}
			o.stats.ItemCompleted()
			o.logger.Debug("item completed",
				"item", item.ID,
				"records", len(records),
				"attempt", attempt)
			return StatusDone
		}

		if errors.Is(err, llmerrors.ErrBudgetExceeded) {
			fail(err)
			return StatusPending
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			// Interrupted, not failed: leave un-checkpointed for resume.
			return StatusPending
		}

		lastErr = err
		if attempt < o.cfg.ItemRetries {
			o.stats.ItemRetried()
			delay := itemBackoff(attempt)
			o.logger.Warn("item failed, retrying",
				"item", item.ID,
				"attempt", attempt,
				"backoff", delay,
				"error", err)
			if o.sleep(ctx, delay) != nil {
				return StatusPending
			}
		}
	}

	o.recordDeadLetter(item.ID, lastErr, o.cfg.ItemRetries)
	return StatusDeadLettered
}

// readAndProcess reads the document and runs it through the pipeline. The
// read sits inside the item-retry loop because on networked storage a read
// failure can be as transient as a provider error; an item is only
// dead-lettered after the full retry budget, whatever the failure mode.
func (o *Orchestrator) readAndProcess(ctx context.Context, item WorkItem) ([]dataset.Record, error) {
	content, err := os.ReadFile(item.Path)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	return o.proc.Process(ctx, item.ID, string(content))
}

// recordDeadLetter appends the failure record and counts it. The id is
// deliberately not marked done so a future run can retry the item.
func (o *Orchestrator) recordDeadLetter(itemID string, cause error, attempts int) {
	msg := "unknown failure"
	if cause != nil {
		msg = cause.Error()
	}
	if err := o.dead.Append(itemID, msg, string(llmerrors.Classify(cause)), attempts); err != nil {
		o.logger.Error("dead-letter append failed", "item", itemID, "error", err)
	}
	o.stats.ItemDeadLettered()
	o.logger.Error("item dead-lettered",
		"item", itemID,
		"attempts", attempts,
		"error", msg)
}

// progressLoop emits a periodic progress line until the run completes.
func (o *Orchestrator) progressLoop(done <-chan struct{}, pending int, completed, deadLettered *atomic.Int64) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.logger.Info("progress",
				"completed", completed.Load(),
				"dead_lettered", deadLettered.Load(),
				"pending", pending)
		case <-done:
			return
		}
	}
}

// itemBackoff computes the item-level retry delay with jitter.
func itemBackoff(attempt int) time.Duration {
	delay := itemBackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= itemBackoffMax {
			delay = itemBackoffMax
			break
		}
	}
	jitterMs := rand.Int64N(delay.Milliseconds()/2 + 1) // #nosec G404 -- non-cryptographic jitter is appropriate here
	return delay + time.Duration(jitterMs)*time.Millisecond
}

// sleepCtx waits for the duration or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
