// Package checkpoint persists the set of completed work item ids so an
// interrupted run can resume without reprocessing finished work.
//
// The store keeps the full set in memory and rewrites the file atomically
// (write to a temp file, then rename) on every flush, so a crash mid-flush
// leaves either the old or the new complete set, never a partial one.
// Flushes happen every K completed items or every T seconds, whichever
// comes first, and once more at graceful shutdown; a crash therefore loses
// at most one interval's worth of progress, which resume re-does rather
// than skips.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultFlushEvery flushes after this many completed items.
	DefaultFlushEvery = 10

	// DefaultFlushInterval flushes after this much time even when fewer
	// items completed.
	DefaultFlushInterval = 30 * time.Second
)

// fileFormat is the on-disk shape: a sorted id list keeps the file
// diffable and human-inspectable.
type fileFormat struct {
	SchemaVer int       `json:"schema_ver"`
	Completed []string  `json:"completed"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the durable record of completed work items.
type Store struct {
	mu            sync.Mutex
	path          string
	done          map[string]struct{}
	pendingFlush  int
	lastFlush     time.Time
	flushEvery    int
	flushInterval time.Duration
	logger        *slog.Logger

	// now is the clock source, replaceable in tests.
	now func() time.Time
}

// Open loads the checkpoint file, or starts empty when none exists yet.
func Open(path string, flushEvery int, flushInterval time.Duration, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if flushEvery <= 0 {
		flushEvery = DefaultFlushEvery
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	s := &Store{
		path:          path,
		done:          make(map[string]struct{}),
		flushEvery:    flushEvery,
		flushInterval: flushInterval,
		logger:        logger.With("component", "checkpoint"),
		now:           time.Now,
	}
	s.lastFlush = s.now()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", path, err)
	}
	for _, id := range f.Completed {
		s.done[id] = struct{}{}
	}

	s.logger.Info("checkpoint loaded", "path", path, "completed", len(s.done))
	return s, nil
}

// Done reports whether the item was completed in this or a previous run.
func (s *Store) Done(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.done[id]
	return ok
}

// MarkDone records the item as completed and flushes when the count or
// time threshold is reached. The done set only ever grows during a run.
func (s *Store) MarkDone(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.done[id]; ok {
		return nil
	}
	s.done[id] = struct{}{}
	s.pendingFlush++

	if s.pendingFlush >= s.flushEvery || s.now().Sub(s.lastFlush) >= s.flushInterval {
		return s.flushLocked()
	}
	return nil
}

// Flush persists the full current set atomically. Called periodically by
// the orchestrator and once more at graceful shutdown.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	completed := make([]string, 0, len(s.done))
	for id := range s.done {
		completed = append(completed, id)
	}
	sort.Strings(completed)

	f := fileFormat{
		SchemaVer: 1,
		Completed: completed,
		UpdatedAt: s.now(),
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename checkpoint: %w", err)
	}

	s.pendingFlush = 0
	s.lastFlush = s.now()
	return nil
}

// Len returns the number of completed items.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.done)
}
