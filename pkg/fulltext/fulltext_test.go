package fulltext

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySearchRanking(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.AddDocument("Go databases", "embedded storage engines", 1))
	require.NoError(t, m.AddDocument("Cooking", "embedded systems are not food", 2))
	require.NoError(t, m.AddDocument("Databases everywhere", "databases databases", 3))

	hits, err := m.Search("databases", 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	// Title weight puts doc 3 (title + 2 content hits) first.
	assert.Equal(t, uint64(3), hits[0].ID)
	assert.Equal(t, uint64(1), hits[1].ID)
}

func TestMemoryLimit(t *testing.T) {
	m := NewMemory()
	for i := uint64(0); i < 20; i++ {
		require.NoError(t, m.AddDocument("topic", "shared words", i))
	}
	hits, err := m.Search("shared", 5)
	require.NoError(t, err)
	assert.Len(t, hits, 5)
}

func TestMemoryReindexReplaces(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.AddDocument("old title", "old body", 7))
	require.NoError(t, m.AddDocument("new title", "new body", 7))

	hits, err := m.Search("old", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = m.Search("new", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, uint64(7), hits[0].ID)
}

func TestEmptyQuery(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.AddDocument("a", "b", 1))
	hits, err := m.Search("   ", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
