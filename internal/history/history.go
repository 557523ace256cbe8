// Package history keeps a small, deduplicated list of recently submitted URLs.
package history

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/JakeFAU/sitepeek/internal/preview"
)

// DefaultSize is the number of entries retained when New is given zero.
// It is also the most New will retain.
const DefaultSize = 5

// History is a bounded recency list keyed by URL. The first submission of a
// URL fixes its place; resubmitting an already-present URL is a no-op.
type History struct {
	mu      sync.Mutex
	entries *lru.Cache[string, preview.HistoryEntry]
}

// New returns a History retaining at most size entries, clamped to DefaultSize.
func New(size int) (*History, error) {
	if size <= 0 || size > DefaultSize {
		size = DefaultSize
	}
	cache, err := lru.New[string, preview.HistoryEntry](size)
	if err != nil {
		return nil, fmt.Errorf("create history cache: %w", err)
	}
	return &History{entries: cache}, nil
}

// Add records url at ts. It reports false when url is already present.
func (h *History) Add(url string, ts time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	// ContainsOrAdd leaves recency untouched for existing keys, so eviction
	// order stays insertion order.
	found, _ := h.entries.ContainsOrAdd(url, preview.HistoryEntry{URL: url, Timestamp: ts})
	return !found
}

// Entries returns the retained entries, newest first.
func (h *History) Entries() []preview.HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	keys := h.entries.Keys() // oldest first
	out := make([]preview.HistoryEntry, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		if entry, ok := h.entries.Peek(keys[i]); ok {
			out = append(out, entry)
		}
	}
	return out
}

// Len reports the number of retained entries.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.entries.Len()
}
