package tools

import (
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/m4xw311/qodo-acp/errors"
)

// Vocabulary holds the tool names the parser recognises. Entries are exact
// names or doublestar patterns such as "mcp_*".
type Vocabulary struct {
	mu       sync.RWMutex
	patterns []string
	seen     map[string]struct{}
}

// NewVocabulary builds a vocabulary from names and patterns, rejecting
// malformed patterns.
func NewVocabulary(patterns []string) (*Vocabulary, error) {
	v := &Vocabulary{seen: make(map[string]struct{})}
	for _, p := range patterns {
		if err := v.Add(p); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Add registers one more name or pattern. Duplicates are ignored.
func (v *Vocabulary) Add(pattern string) error {
	if pattern == "" {
		return errors.New("empty tool pattern")
	}
	if !doublestar.ValidatePattern(pattern) {
		return errors.New("invalid tool pattern '%s'", pattern)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.seen[pattern]; ok {
		return nil
	}
	v.seen[pattern] = struct{}{}
	v.patterns = append(v.patterns, pattern)
	return nil
}

// Match reports whether name is a known tool.
func (v *Vocabulary) Match(name string) bool {
	if name == "" {
		return false
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, pattern := range v.patterns {
		if pattern == name {
			return true
		}
		// Patterns were validated on Add, so the error is always nil here.
		if ok, _ := doublestar.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// Patterns returns a copy of the registered entries in insertion order.
func (v *Vocabulary) Patterns() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]string(nil), v.patterns...)
}
