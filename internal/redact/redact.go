// Package redact scrubs known secret values out of text before it is
// persisted.
package redact

import (
	"sort"
	"strings"
	"sync"
)

// minSecretLen keeps short values (e.g. "x") from mangling ordinary text.
const minSecretLen = 6

// Guard scans text for known secret values and redacts them.
type Guard struct {
	mu     sync.RWMutex
	values map[string]string // value → name
	order  []string          // values, longest first
}

// New returns an empty Guard.
func New() *Guard {
	return &Guard{values: make(map[string]string)}
}

// Add registers a secret value under name. Empty and very short values are
// ignored.
func (g *Guard) Add(name, value string) {
	if len(value) < minSecretLen {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.values[value]; !ok {
		g.order = append(g.order, value)
		sort.Slice(g.order, func(i, j int) bool { return len(g.order[i]) > len(g.order[j]) })
	}
	g.values[value] = name
}

// Len returns the number of registered secrets.
func (g *Guard) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.order)
}

// Redact replaces known secret values with [REDACTED:name].
func (g *Guard) Redact(text string) string {
	if g == nil {
		return text
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, val := range g.order {
		if strings.Contains(text, val) {
			text = strings.ReplaceAll(text, val, "[REDACTED:"+g.values[val]+"]")
		}
	}
	return text
}
