package fulltext

import (
	"sort"
	"strings"
	"sync"
)

// ScoredID is one ranked search result: a caller-chosen 64-bit document
// id (the engine uses slug hashes) and its relevance score.
type ScoredID struct {
	ID    uint64
	Score float64
}

// Index is the opaque full-text adapter contract. The engine feeds it
// title/content pairs on write, queries it from Matching steps, and
// commits it as part of flush; it never inspects the adapter's storage.
type Index interface {
	AddDocument(title, content string, id uint64) error
	Search(query string, limit int) ([]ScoredID, error)
	Commit() error
}

// Memory is a reference adapter: a lowercase token inverted index with
// title matches weighted double. It backs tests and small deployments;
// production deployments plug in an external indexer behind the same
// interface.
type Memory struct {
	mu   sync.RWMutex
	docs map[uint64]map[string]float64 // id -> token -> weight
}

// NewMemory returns an empty in-memory index.
func NewMemory() *Memory {
	return &Memory{docs: make(map[uint64]map[string]float64)}
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
}

// AddDocument indexes (or reindexes) a document.
func (m *Memory) AddDocument(title, content string, id uint64) error {
	weights := make(map[string]float64)
	for _, tok := range tokenize(title) {
		weights[tok] += 2
	}
	for _, tok := range tokenize(content) {
		weights[tok]++
	}
	m.mu.Lock()
	m.docs[id] = weights
	m.mu.Unlock()
	return nil
}

// Search scores documents by summed token weights and returns the top
// limit ids, best first.
func (m *Memory) Search(query string, limit int) ([]ScoredID, error) {
	tokens := tokenize(query)
	if len(tokens) == 0 {
		return nil, nil
	}

	m.mu.RLock()
	var hits []ScoredID
	for id, weights := range m.docs {
		var score float64
		for _, tok := range tokens {
			score += weights[tok]
		}
		if score > 0 {
			hits = append(hits, ScoredID{ID: id, Score: score})
		}
	}
	m.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Commit is a no-op for the in-memory adapter.
func (m *Memory) Commit() error { return nil }
