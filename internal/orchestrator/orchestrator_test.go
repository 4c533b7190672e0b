package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codermillat/setforge/internal/checkpoint"
	"github.com/codermillat/setforge/internal/dataset"
	"github.com/codermillat/setforge/internal/deadletter"
	llmerrors "github.com/codermillat/setforge/internal/llm/errors"
	"github.com/codermillat/setforge/internal/metrics"
)

// fakeProcessor scripts per-item results and records which items it saw.
type fakeProcessor struct {
	mu        sync.Mutex
	processed []string
	// fail maps item ids to errors; items not listed succeed.
	fail map[string]error
	// failTimes makes an item fail only its first N attempts.
	failTimes map[string]int
	attempts  map[string]int
	delay     time.Duration
}

func (f *fakeProcessor) Process(ctx context.Context, itemID, content string) ([]dataset.Record, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	f.processed = append(f.processed, itemID)
	if f.attempts == nil {
		f.attempts = make(map[string]int)
	}
	f.attempts[itemID]++
	attempt := f.attempts[itemID]
	f.mu.Unlock()

	if n, ok := f.failTimes[itemID]; ok && attempt <= n {
		return nil, fmt.Errorf("transient failure on attempt %d", attempt)
	}
	if err, ok := f.fail[itemID]; ok {
		return nil, err
	}
	return []dataset.Record{{ItemID: itemID, Question: "Q-" + itemID, Answer: "A"}}, nil
}

func (f *fakeProcessor) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.processed))
	copy(out, f.processed)
	return out
}

type harness struct {
	orch     *Orchestrator
	proc     *fakeProcessor
	ckptPath string
	deadPath string
	sinkPath string
	dead     *deadletter.Log
	sink     *dataset.Writer
}

func newHarness(t *testing.T, proc *fakeProcessor, cfg Config) *harness {
	t.Helper()
	dir := t.TempDir()

	ckptPath := filepath.Join(dir, "checkpoint.json")
	ckpt, err := checkpoint.Open(ckptPath, 1, time.Hour, nil)
	require.NoError(t, err)

	deadPath := filepath.Join(dir, "dead_letter.jsonl")
	dead, err := deadletter.Open(deadPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dead.Close() })

	sinkPath := filepath.Join(dir, "dataset.jsonl")
	sink, err := dataset.OpenWriter(sinkPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	orch := New(proc, ckpt, dead, sink, metrics.NewCollector(), cfg, nil)
	orch.sleep = func(context.Context, time.Duration) error { return nil }

	return &harness{
		orch:     orch,
		proc:     proc,
		ckptPath: ckptPath,
		deadPath: deadPath,
		sinkPath: sinkPath,
		dead:     dead,
		sink:     sink,
	}
}

func makeItems(t *testing.T, n int) []WorkItem {
	t.Helper()
	dir := t.TempDir()
	items := make([]WorkItem, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("doc-%02d.txt", i)
		path := filepath.Join(dir, id)
		require.NoError(t, os.WriteFile(path, []byte("content of "+id), 0o644))
		items = append(items, WorkItem{ID: id, Path: path, Status: StatusPending})
	}
	return items
}

func TestRun_AllItemsComplete(t *testing.T) {
	proc := &fakeProcessor{}
	h := newHarness(t, proc, Config{Concurrency: 3, ItemRetries: 2})
	items := makeItems(t, 10)

	summary, err := h.orch.Run(context.Background(), items)
	require.NoError(t, err)

	assert.Equal(t, 10, summary.Total)
	assert.Equal(t, 10, summary.Completed)
	assert.Zero(t, summary.DeadLettered)
	assert.Zero(t, summary.Skipped)
	assert.Equal(t, int64(10), h.sink.Written())
}

func TestRun_ResumeSkipsCheckpointedItems(t *testing.T) {
	items := makeItems(t, 10)

	// First run: process six items, then simulate a crash by just not
	// running the rest.
	proc := &fakeProcessor{}
	h := newHarness(t, proc, Config{Concurrency: 1, ItemRetries: 1})
	_, err := h.orch.Run(context.Background(), items[:6])
	require.NoError(t, err)

	// Second run over the full item list with a store reloaded from disk.
	ckpt, err := checkpoint.Open(h.ckptPath, 1, time.Hour, nil)
	require.NoError(t, err)
	require.Equal(t, 6, ckpt.Len())

	proc2 := &fakeProcessor{}
	sink2, err := dataset.OpenWriter(h.sinkPath)
	require.NoError(t, err)
	defer sink2.Close()
	dead2, err := deadletter.Open(h.deadPath)
	require.NoError(t, err)
	defer dead2.Close()

	orch2 := New(proc2, ckpt, dead2, sink2, metrics.NewCollector(), Config{Concurrency: 1, ItemRetries: 1}, nil)
	summary, err := orch2.Run(context.Background(), items)
	require.NoError(t, err)

	assert.Equal(t, 6, summary.Skipped)
	assert.Equal(t, 4, summary.Completed)
	assert.Len(t, proc2.seen(), 4, "completed items must not be reprocessed")
}

func TestRun_DeadLetterAfterExhaustedRetries(t *testing.T) {
	proc := &fakeProcessor{
		fail: map[string]error{},
	}
	h := newHarness(t, proc, Config{Concurrency: 1, ItemRetries: 3})
	items := makeItems(t, 3)
	proc.fail[items[1].ID] = errors.New("model keeps refusing")

	summary, err := h.orch.Run(context.Background(), items)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Completed)
	assert.Equal(t, 1, summary.DeadLettered)

	entries, err := deadletter.Read(h.deadPath)
	require.NoError(t, err)
	require.Len(t, entries, 1, "exactly one entry per failed item")
	assert.Equal(t, items[1].ID, entries[0].ItemID)
	assert.Equal(t, 3, entries[0].Attempts)
	assert.Contains(t, entries[0].LastError, "model keeps refusing")

	// Dead-lettered ids stay out of the checkpoint so a later run can
	// retry them.
	ckpt, err := checkpoint.Open(h.ckptPath, 1, time.Hour, nil)
	require.NoError(t, err)
	assert.False(t, ckpt.Done(items[1].ID))
	assert.True(t, ckpt.Done(items[0].ID))
}

func TestRun_ItemRetrySucceedsBeforeBudget(t *testing.T) {
	items := makeItems(t, 1)
	proc := &fakeProcessor{failTimes: map[string]int{items[0].ID: 2}}
	h := newHarness(t, proc, Config{Concurrency: 1, ItemRetries: 3})

	summary, err := h.orch.Run(context.Background(), items)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Completed)
	assert.Zero(t, summary.DeadLettered)
	assert.Len(t, proc.seen(), 3, "two failures plus the succeeding attempt")

	entries, err := deadletter.Read(h.deadPath)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRun_BudgetExhaustionAbortsRun(t *testing.T) {
	items := makeItems(t, 20)
	proc := &fakeProcessor{
		fail: map[string]error{
			items[0].ID: fmt.Errorf("charge: %w", llmerrors.ErrBudgetExceeded),
		},
	}
	h := newHarness(t, proc, Config{Concurrency: 1, ItemRetries: 3})

	summary, err := h.orch.Run(context.Background(), items)
	require.Error(t, err)
	assert.ErrorIs(t, err, llmerrors.ErrBudgetExceeded)

	// The run stops admitting further items instead of burning through
	// the whole input.
	assert.Less(t, summary.Completed, 20)

	entries, readErr := deadletter.Read(h.deadPath)
	require.NoError(t, readErr)
	assert.Empty(t, entries, "a budget abort is not an item failure")
}

func TestRun_InterruptDrainsWithoutDeadLettering(t *testing.T) {
	items := makeItems(t, 20)
	proc := &fakeProcessor{delay: 20 * time.Millisecond}
	h := newHarness(t, proc, Config{Concurrency: 2, ItemRetries: 3})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	summary, err := h.orch.Run(ctx, items)
	require.NoError(t, err, "an interrupt is a clean stop, not a run failure")

	assert.Less(t, summary.Completed, 20)
	assert.Positive(t, summary.Abandoned)
	assert.Zero(t, summary.DeadLettered)

	// Flushed checkpoint matches what actually completed.
	ckpt, err := checkpoint.Open(h.ckptPath, 1, time.Hour, nil)
	require.NoError(t, err)
	assert.Equal(t, summary.Completed, ckpt.Len())
}

func TestRun_UnreadableItemRetriedThenDeadLettered(t *testing.T) {
	proc := &fakeProcessor{}
	h := newHarness(t, proc, Config{Concurrency: 1, ItemRetries: 3})

	items := makeItems(t, 1)
	items = append(items, WorkItem{ID: "ghost.txt", Path: filepath.Join(t.TempDir(), "ghost.txt")})

	summary, err := h.orch.Run(context.Background(), items)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Completed)
	assert.Equal(t, 1, summary.DeadLettered)
	assert.NotContains(t, proc.seen(), "ghost.txt")

	// A read failure uses the same retry budget as any other failure: the
	// entry records the full number of attempts, never fewer.
	entries, err := deadletter.Read(h.deadPath)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ghost.txt", entries[0].ItemID)
	assert.Equal(t, 3, entries[0].Attempts)
	assert.Contains(t, entries[0].LastError, "read input")
}

func TestRun_TransientReadFailureRecovers(t *testing.T) {
	proc := &fakeProcessor{}
	h := newHarness(t, proc, Config{Concurrency: 1, ItemRetries: 3})

	// The file does not exist when the run starts; the retry sleeper
	// creates it, imitating storage that comes back mid-run.
	dir := t.TempDir()
	path := filepath.Join(dir, "late.txt")
	h.orch.sleep = func(context.Context, time.Duration) error {
		return os.WriteFile(path, []byte("late content"), 0o644)
	}

	summary, err := h.orch.Run(context.Background(), []WorkItem{{ID: "late.txt", Path: path}})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Completed)
	assert.Equal(t, 0, summary.DeadLettered)
	assert.Contains(t, proc.seen(), "late.txt")
}

func TestRun_ConcurrencyBound(t *testing.T) {
	h := newHarness(t, &fakeProcessor{}, Config{Concurrency: 3, ItemRetries: 1})

	proc := &boundedProcessor{}
	orch := New(proc, h.orch.ckpt, h.dead, h.sink, metrics.NewCollector(),
		Config{Concurrency: 3, ItemRetries: 1}, nil)

	items := makeItems(t, 12)
	_, err := orch.Run(context.Background(), items)
	require.NoError(t, err)

	assert.LessOrEqual(t, proc.peak.Load(), int64(3), "in-flight items must respect the concurrency cap")
}

// boundedProcessor tracks peak concurrent Process calls.
type boundedProcessor struct {
	inFlight atomic.Int64
	peak     atomic.Int64
}

func (b *boundedProcessor) Process(ctx context.Context, itemID, content string) ([]dataset.Record, error) {
	n := b.inFlight.Add(1)
	for {
		p := b.peak.Load()
		if n <= p || b.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	b.inFlight.Add(-1)
	return []dataset.Record{{ItemID: itemID, Question: "Q", Answer: "A"}}, nil
}

func TestEnumerateDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.md"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "c.txt"), []byte("c"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.pdf"), []byte("x"), 0o644))

	items, err := EnumerateDir(dir)
	require.NoError(t, err)

	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	assert.Equal(t, []string{"a.md", "b.txt", filepath.Join("sub", "c.txt")}, ids,
		"deterministic order, unsupported extensions skipped")
	for _, it := range items {
		assert.Equal(t, StatusPending, it.Status)
	}
}

func TestEnumerateDir_MissingDir(t *testing.T) {
	_, err := EnumerateDir(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}
