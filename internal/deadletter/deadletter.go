// Package deadletter records permanently-failed work items for manual
// inspection. The log is append-only JSONL; the core never deletes or
// rewrites entries, and dead-lettered ids are deliberately excluded from
// the checkpoint so a future run can retry them.
package deadletter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry explains why one work item was given up on.
type Entry struct {
	EntryID   string    `json:"entry_id"`
	ItemID    string    `json:"item_id"`
	LastError string    `json:"last_error"`
	ErrorType string    `json:"error_type"`
	Attempts  int       `json:"attempts"`
	Timestamp time.Time `json:"timestamp"`
}

// Log is an append-only dead-letter sink backed by a JSONL file.
type Log struct {
	mu   sync.Mutex
	file *os.File

	// now is the clock source, replaceable in tests.
	now func() time.Time
}

// Open opens the dead-letter file for appending, creating it when absent.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open dead-letter log: %w", err)
	}
	return &Log{file: f, now: time.Now}, nil
}

// Append records one failed item. Safe for concurrent use.
func (l *Log) Append(itemID, lastError, errorType string, attempts int) error {
	entry := Entry{
		EntryID:   uuid.New().String(),
		ItemID:    itemID,
		LastError: lastError,
		ErrorType: errorType,
		Attempts:  attempts,
		Timestamp: l.now(),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead-letter entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append dead-letter entry: %w", err)
	}
	return nil
}

// Close releases the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Read loads all entries from a dead-letter file, for inspection tooling
// and tests.
func Read(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dead-letter log: %w", err)
	}

	var entries []Entry
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("decode dead-letter entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
