package lru_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldsync/internal/lru"
)

func TestOldestFollowsAccessOrder(t *testing.T) {
	idx := lru.New()
	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	idx.Put("a", 10, now)
	idx.Put("b", 20, now.Add(time.Second))
	idx.Put("c", 30, now.Add(2*time.Second))

	key, ok := idx.Oldest()
	require.True(t, ok)
	assert.Equal(t, "a", key)

	// Touching moves a key out of the eviction slot.
	idx.Touch("a", now.Add(3*time.Second))
	key, ok = idx.Oldest()
	require.True(t, ok)
	assert.Equal(t, "b", key)
}

func TestPutReplacesSizeAndPromotes(t *testing.T) {
	idx := lru.New()
	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	idx.Put("a", 10, now)
	idx.Put("b", 20, now.Add(time.Second))
	assert.EqualValues(t, 30, idx.TotalBytes())

	idx.Put("a", 50, now.Add(2*time.Second))
	assert.EqualValues(t, 70, idx.TotalBytes())
	assert.EqualValues(t, 50, idx.Size("a"))
	assert.Equal(t, 2, idx.Len())

	key, ok := idx.Oldest()
	require.True(t, ok)
	assert.Equal(t, "b", key, "re-put key is most recently used")
}

func TestRemoveUpdatesTotals(t *testing.T) {
	idx := lru.New()
	now := time.Now()

	idx.Put("a", 10, now)
	idx.Put("b", 20, now)
	idx.Remove("a")
	assert.Equal(t, 1, idx.Len())
	assert.EqualValues(t, 20, idx.TotalBytes())
	assert.EqualValues(t, 0, idx.Size("a"))

	idx.Remove("missing") // ignored
	idx.Touch("missing", now)
	assert.Equal(t, 1, idx.Len())
}

func TestOldestOnEmptyIndex(t *testing.T) {
	idx := lru.New()
	_, ok := idx.Oldest()
	assert.False(t, ok)
	assert.EqualValues(t, 0, idx.TotalBytes())
}
