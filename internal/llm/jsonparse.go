package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	codeFenceRegex     = regexp.MustCompile("(?s)```(?:json|javascript|js)?\\s*\\n?(.*?)\\n?```")
	trailingCommaRegex = regexp.MustCompile(`,(\s*[}\]])`)
	lineCommentRegex   = regexp.MustCompile(`(?m)^\s*//.*$`)
)

// ErrNoJSON is returned when no strategy recovers a JSON value
var ErrNoJSON = errors.New("no parsable JSON in response")

// ParseJSON decodes model output into T. Models wrap JSON in code fences,
// leave trailing commas and surround it with prose, so after a direct decode
// fails it strips fences, repairs commas and finally extracts the first
// balanced object or array.
func ParseJSON[T any](text string) (T, error) {
	var zero T
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return zero, fmt.Errorf("%w: empty input", ErrNoJSON)
	}

	candidates := []string{trimmed}
	if m := codeFenceRegex.FindStringSubmatch(trimmed); m != nil {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}
	for _, c := range append([]string(nil), candidates...) {
		candidates = append(candidates, cleanupJSON(c))
	}
	for _, c := range append([]string(nil), candidates...) {
		if extracted := extractBalanced(c); extracted != "" {
			candidates = append(candidates, extracted, cleanupJSON(extracted))
		}
	}

	var lastErr error
	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		var out T
		if err := json.Unmarshal([]byte(c), &out); err != nil {
			lastErr = err
			continue
		}
		return out, nil
	}
	return zero, fmt.Errorf("%w: %v", ErrNoJSON, lastErr)
}

// CompleteJSON asks c for a completion and decodes it into T. The completion
// is returned even when decoding fails so callers can still bill its usage.
func CompleteJSON[T any](ctx context.Context, c Client, system, user string) (T, *Completion, error) {
	var zero T
	comp, err := c.Complete(ctx, system, user)
	if err != nil {
		return zero, nil, err
	}
	out, err := ParseJSON[T](comp.Text)
	if err != nil {
		return zero, comp, err
	}
	return out, comp, nil
}

func cleanupJSON(s string) string {
	s = lineCommentRegex.ReplaceAllString(s, "")
	return trailingCommaRegex.ReplaceAllString(s, "$1")
}

// extractBalanced returns the first {...} or [...] span whose brackets
// balance, ignoring brackets inside strings
func extractBalanced(s string) string {
	start := strings.IndexAny(s, "{[")
	for start >= 0 {
		if end := matchBracket(s, start); end > start {
			return s[start : end+1]
		}
		next := strings.IndexAny(s[start+1:], "{[")
		if next < 0 {
			break
		}
		start += next + 1
	}
	return ""
}

func matchBracket(s string, start int) int {
	var stack []byte
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != ch {
				return -1
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i
			}
		}
	}
	return -1
}
