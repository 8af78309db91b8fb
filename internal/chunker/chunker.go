package chunker

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/dshills/codeatlas/pkg/types"
)

const (
	// DefaultMaxChars is the character budget for a single chunk
	DefaultMaxChars = 3000

	// EmbedContentPrefix is how much chunk content goes into embedding text
	EmbedContentPrefix = 500

	// TokensPerChar is the heuristic for estimating tokens (chars/4)
	TokensPerChar = 4
)

// Splitter rewrites oversized units into line-aligned parts
type Splitter struct {
	MaxChars int
}

// New creates a Splitter with the given budget; non-positive budgets use DefaultMaxChars
func New(maxChars int) *Splitter {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return &Splitter{MaxChars: maxChars}
}

// SplitAll applies Split to every unit, keeping order
func (s *Splitter) SplitAll(units []types.Unit) []types.Unit {
	out := make([]types.Unit, 0, len(units))
	for i := range units {
		out = append(out, s.Split(units[i])...)
	}
	return out
}

// Split returns the unit unchanged when it fits the budget. Otherwise it returns
// ordered parts named <name>__partN built from whole lines, where each line costs
// its length plus one for the newline. A part closes before a line would push it
// over budget; a single line longer than the budget becomes its own part. An
// oversized unit always comes back as parts, even when there is only one.
func (s *Splitter) Split(unit types.Unit) []types.Unit {
	if utf8.RuneCountInString(unit.Content) <= s.MaxChars {
		return []types.Unit{unit}
	}

	// A final newline ends the last line rather than starting another
	lines := strings.Split(strings.TrimSuffix(unit.Content, "\n"), "\n")
	type span struct {
		first, last int // line indexes into lines, inclusive
	}
	spans := make([]span, 0, 2)
	current := 0
	first := 0
	for idx, line := range lines {
		lineLen := utf8.RuneCountInString(line) + 1
		if idx > first && current+lineLen > s.MaxChars {
			spans = append(spans, span{first: first, last: idx - 1})
			first = idx
			current = 0
		}
		current += lineLen
	}
	spans = append(spans, span{first: first, last: len(lines) - 1})

	parts := make([]types.Unit, 0, len(spans))
	for i, sp := range spans {
		part := unit
		part.Name = fmt.Sprintf("%s__part%d", unit.Name, i+1)
		part.Content = strings.Join(lines[sp.first:sp.last+1], "\n")
		part.StartLine = unit.StartLine + sp.first
		part.EndLine = unit.StartLine + sp.last
		part.Dependencies = cloneStrings(unit.Dependencies)
		part.Parameters = cloneStrings(unit.Parameters)
		part.Roles = append([]types.Role(nil), unit.Roles...)
		if i > 0 {
			part.Docstring = ""
		}
		parts = append(parts, part)
	}

	// The declared range wins over the content's own line count
	last := &parts[len(parts)-1]
	if unit.EndLine >= last.StartLine {
		last.EndLine = unit.EndLine
	}
	return parts
}

// EmbedText builds the text sent to the embedding provider for a unit
func EmbedText(unit types.Unit) string {
	return unit.Name + "\n" + string(unit.Kind) + "\n" + unit.Docstring + "\n" + truncateRunes(unit.Content, EmbedContentPrefix)
}

// EstimateTokens approximates the token count of text
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + TokensPerChar - 1) / TokensPerChar
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}
