package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"unicode"
)

// maxLineBytes bounds a single dataset line during the dedupe scan.
const maxLineBytes = 10 * 1024 * 1024

// Dedupe copies the dataset from inPath to outPath, dropping records whose
// normalized question was already seen. A single normalize-and-set-
// membership pass; first occurrence wins. Returns kept and dropped counts.
func Dedupe(inPath, outPath string) (kept, dropped int, err error) {
	in, err := os.Open(inPath)
	if err != nil {
		return 0, 0, fmt.Errorf("open dataset: %w", err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(outPath)
	if err != nil {
		return 0, 0, fmt.Errorf("create deduped dataset: %w", err)
	}
	defer func() {
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	seen := make(map[string]struct{})
	writer := bufio.NewWriter(out)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return kept, dropped, fmt.Errorf("decode dataset record: %w", err)
		}

		key := NormalizeQuestion(rec.Question)
		if _, dup := seen[key]; dup {
			dropped++
			continue
		}
		seen[key] = struct{}{}

		if _, err := writer.Write(append(line, '\n')); err != nil {
			return kept, dropped, fmt.Errorf("write deduped record: %w", err)
		}
		kept++
	}
	if err := scanner.Err(); err != nil {
		return kept, dropped, fmt.Errorf("scan dataset: %w", err)
	}

	if err := writer.Flush(); err != nil {
		return kept, dropped, fmt.Errorf("flush deduped dataset: %w", err)
	}
	return kept, dropped, nil
}

// NormalizeQuestion lowercases, strips punctuation, and collapses
// whitespace so trivially rephrased duplicates compare equal. Combining
// marks are kept: scripts like Bengali spell vowels as marks on a base
// letter, and dropping them would collapse distinct questions into one key.
func NormalizeQuestion(q string) string {
	var b strings.Builder
	b.Grow(len(q))

	lastSpace := true
	for _, r := range strings.ToLower(q) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}
