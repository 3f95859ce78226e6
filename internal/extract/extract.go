// Package extract recovers JSON object substrings from hostile text.
//
// The upstream workflow agents answer in natural language that embeds ad-hoc
// JSON fragments: sometimes plain, sometimes inside markdown fences, sometimes
// as several concatenated top-level objects, sometimes nested inside an
// escaped string field. This package only finds candidate objects; deciding
// what a candidate means belongs to the normalize package, so the same
// candidate set can be interpreted several ways without rescanning.
package extract

import (
	"encoding/json"
	"regexp"
	"strings"
)

// fenceRe matches a triple-backtick code fence with an optional json tag.
var fenceRe = regexp.MustCompile("```(?:json)?\\s*\\n?([\\s\\S]*?)\\n?```")

// FirstObject returns the substring from the first '{' to the brace that
// brings the running depth back to zero. The scan is not string-aware; it
// is the quick probe for well-behaved envelope objects, where braces never
// appear inside string values. Use Candidates for hostile input.
func FirstObject(text string) (string, bool) {
	start := -1
	depth := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '{':
			if start == -1 {
				start = i
			}
			depth++
		case '}':
			depth--
			if depth == 0 && start != -1 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

// Candidates scans text for every balanced top-level object substring, in
// document order. The scan is string-aware: a quote toggles the in-string
// flag unless preceded by a backslash, and braces inside string literals do
// not perturb the depth count. No parsing is attempted; callers decide what
// each candidate means.
func Candidates(text string) []string {
	var candidates []string
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(text); i++ {
		c := text[i]

		if escaped {
			escaped = false
			continue
		}
		if c == '\\' {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		switch c {
		case '{':
			if start == -1 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start != -1 {
				candidates = append(candidates, text[start:i+1])
				start = -1
			}
		}
	}
	return candidates
}

// AllObjects returns the candidates that parse as JSON, in document order.
// A candidate that fails to parse as-is gets one more chance after
// sanitization; sanitizing is never applied to an already-valid candidate
// because it would escape legitimate formatting whitespace between tokens.
// Candidates that still fail are skipped so a malformed fragment never hides
// a later valid one.
func AllObjects(text string) []json.RawMessage {
	var objects []json.RawMessage
	for _, candidate := range Candidates(text) {
		if json.Valid([]byte(candidate)) {
			objects = append(objects, json.RawMessage(candidate))
			continue
		}
		if clean := Sanitize(candidate); json.Valid([]byte(clean)) {
			objects = append(objects, json.RawMessage(clean))
		}
	}
	return objects
}

// FromFence extracts the interior of the first markdown code fence and runs
// FirstObject on it. Without a fence it falls back to FirstObject on the
// whole text, since many agent configurations emit the bare object.
func FromFence(text string) (string, bool) {
	if m := fenceRe.FindStringSubmatch(text); m != nil {
		if obj, ok := FirstObject(strings.TrimSpace(m[1])); ok {
			return obj, true
		}
		return "", false
	}
	return FirstObject(text)
}
