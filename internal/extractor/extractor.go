package extractor

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dshills/codeatlas/pkg/types"
)

// Strategy extracts semantic units from a single file of one language
type Strategy interface {
	Language() string
	Extract(ctx context.Context, path string, content []byte) ([]types.Unit, error)
}

// Registry dispatches extraction to the strategy registered for a language
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry returns a registry with the built-in strategies registered
func NewRegistry() *Registry {
	r := &Registry{strategies: make(map[string]Strategy)}
	r.Register(NewGoStrategy())
	for _, g := range builtinGrammars() {
		r.Register(newTreeSitterStrategy(g))
	}
	return r
}

// Register adds or replaces the strategy for its language
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[strings.ToLower(s.Language())] = s
}

// Lookup returns the strategy for lang, or a no-op strategy for unknown languages
func (r *Registry) Lookup(lang string) Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.strategies[strings.ToLower(lang)]; ok {
		return s
	}
	return noopStrategy{lang: lang}
}

// Supports reports whether a real strategy exists for lang
func (r *Registry) Supports(lang string) bool {
	_, noop := r.Lookup(lang).(noopStrategy)
	return !noop
}

// Languages lists the registered language names
func (r *Registry) Languages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		out = append(out, name)
	}
	return out
}

// Extract runs the strategy for lang. A file that yields no units but has
// content becomes a single module unit; unknown languages yield nothing.
func (r *Registry) Extract(ctx context.Context, lang, path string, content []byte) ([]types.Unit, error) {
	s := r.Lookup(lang)
	if _, noop := s.(noopStrategy); noop {
		return nil, nil
	}
	units, err := s.Extract(ctx, path, content)
	if err != nil {
		return nil, err
	}
	if len(units) == 0 && strings.TrimSpace(string(content)) != "" {
		units = []types.Unit{moduleUnit(path, content)}
	}
	return units, nil
}

// noopStrategy stands in for languages without an extractor
type noopStrategy struct {
	lang string
}

func (n noopStrategy) Language() string { return n.lang }

func (n noopStrategy) Extract(context.Context, string, []byte) ([]types.Unit, error) {
	return nil, nil
}

func moduleUnit(path string, content []byte) types.Unit {
	text := strings.TrimRight(string(content), "\n")
	base := filepath.Base(path)
	return types.Unit{
		Name:      strings.TrimSuffix(base, filepath.Ext(base)),
		Kind:      types.KindModule,
		Content:   text,
		StartLine: 1,
		EndLine:   strings.Count(text, "\n") + 1,
	}
}

// lineSlice returns lines [start, end] (1-based, inclusive) of src
func lineSlice(lines []string, start, end int) string {
	if start < 1 {
		start = 1
	}
	if end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return ""
	}
	return strings.Join(lines[start-1:end], "\n")
}
