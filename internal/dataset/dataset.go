// Package dataset writes generated question/answer pairs to the output
// file. The sink is append-only JSONL guarded by a single writer lock;
// records carry the originating work item id so a resumed run's re-emitted
// records can be reconciled downstream.
package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Record is one question/answer pair produced from a work item.
type Record struct {
	ItemID    string    `json:"item_id"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Topic     string    `json:"topic,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Tokens    int64     `json:"tokens,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Writer is the append-only dataset sink. Safe for concurrent use from
// many in-flight work items.
type Writer struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	written int64
}

// OpenWriter opens the dataset file for appending, creating it when absent.
func OpenWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open dataset sink: %w", err)
	}
	return &Writer{file: f, path: path}, nil
}

// Append writes the records under the writer lock. All records from one
// call land contiguously, so a work item's output is never interleaved
// with another's.
func (w *Writer) Append(records ...Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal dataset record: %w", err)
		}
		if _, err := w.file.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("append dataset record: %w", err)
		}
		w.written++
	}
	return nil
}

// Written returns the number of records appended in this run.
func (w *Writer) Written() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Close releases the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
