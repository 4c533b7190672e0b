// Package parse extracts structured payloads from free-form model replies.
//
// Models wrap their JSON in prose, markdown fences, or both, and sometimes
// emit near-JSON with trailing commas. Extract tries a fixed sequence of
// strategies and always returns a typed result; no input can make it panic.
package parse

import (
	"encoding/json"
	"regexp"
	"strings"

	llmerrors "github.com/codermillat/setforge/internal/llm/errors"
)

// snippetLimit bounds the diagnostic substring carried in ParseError.
const snippetLimit = 120

// fenceRe matches a fenced code block tagged as structured data. The body
// is captured lazily so multiple fences don't merge.
var fenceRe = regexp.MustCompile("(?s)```(?:json|JSON)\\s*\\n(.*?)```")

// Payload is the extracted structured data: either a single object or a
// list of objects, decoded into generic form.
type Payload struct {
	// Value is the decoded payload: map[string]any or []any.
	Value any

	// Raw is the exact substring that parsed successfully.
	Raw string
}

// Object returns the payload as a single object, or false when the payload
// is a list or the value is not an object.
func (p *Payload) Object() (map[string]any, bool) {
	obj, ok := p.Value.(map[string]any)
	return obj, ok
}

// List returns the payload as a list of objects. A single object is
// promoted to a one-element list so callers can treat both shapes
// uniformly.
func (p *Payload) List() []map[string]any {
	switch v := p.Value.(type) {
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, item := range v {
			if obj, ok := item.(map[string]any); ok {
				out = append(out, obj)
			}
		}
		return out
	case map[string]any:
		return []map[string]any{v}
	default:
		return nil
	}
}

// Extract locates and decodes the structured payload in a raw model reply.
//
// Strategies, in order: (1) a fenced block tagged as JSON; (2) the first
// balanced top-level {...} or [...] region found by bracket-depth matching;
// (3) either of the above after stripping a trailing comma before the
// closing bracket. Failure returns a ParseError carrying the offending
// substring for diagnostics.
func Extract(rawText string) (*Payload, error) {
	attempts := 0

	// Strategy 1: explicit fenced block.
	if m := fenceRe.FindStringSubmatch(rawText); m != nil {
		attempts++
		candidate := strings.TrimSpace(m[1])
		if p, ok := tryDecode(candidate); ok {
			return p, nil
		}
		if p, ok := tryDecode(stripTrailingCommas(candidate)); ok {
			return p, nil
		}
	}

	// Strategy 2: balanced bracket scan over the raw text.
	if candidate, ok := balancedRegion(rawText); ok {
		attempts++
		if p, ok := tryDecode(candidate); ok {
			return p, nil
		}
		if p, ok := tryDecode(stripTrailingCommas(candidate)); ok {
			return p, nil
		}
	}

	return nil, &llmerrors.ParseError{
		Message:  "no decodable JSON region",
		Snippet:  snippet(rawText),
		Attempts: attempts,
	}
}

// tryDecode attempts a strict JSON decode of the candidate substring.
func tryDecode(candidate string) (*Payload, bool) {
	if candidate == "" {
		return nil, false
	}
	var value any
	if err := json.Unmarshal([]byte(candidate), &value); err != nil {
		return nil, false
	}
	switch value.(type) {
	case map[string]any, []any:
		return &Payload{Value: value, Raw: candidate}, true
	default:
		// Bare scalars are not a structured payload.
		return nil, false
	}
}

// balancedRegion finds the first top-level {...} or [...] region using
// bracket-depth matching. Depth tracking ignores brackets inside string
// literals and handles escape sequences, so nested braces are matched
// correctly where a greedy regex would not.
func balancedRegion(s string) (string, bool) {
	start := -1
	var open, close byte
	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]

		if start >= 0 && inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch {
		case start < 0 && (c == '{' || c == '['):
			start = i
			open = c
			if c == '{' {
				close = '}'
			} else {
				close = ']'
			}
			depth = 1
		case start >= 0 && c == '"':
			inString = true
		case start >= 0 && c == open:
			depth++
		case start >= 0 && c == close:
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}

	return "", false
}

// trailingCommaRe matches a comma followed only by whitespace and a closing
// bracket, the most common near-JSON defect in model output.
var trailingCommaRe = regexp.MustCompile(`,(\s*[}\]])`)

// stripTrailingCommas removes trailing commas before closing brackets.
func stripTrailingCommas(s string) string {
	return trailingCommaRe.ReplaceAllString(s, "$1")
}

// snippet truncates raw text for error diagnostics.
func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > snippetLimit {
		return s[:snippetLimit] + "..."
	}
	return s
}
