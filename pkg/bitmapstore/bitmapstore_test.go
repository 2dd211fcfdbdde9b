package bitmapstore

import (
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertSnapshot(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	h := xxhash.Sum64String("citizens")
	s.Insert(h, 0)
	s.Insert(h, 5)
	s.Insert(h, 100)

	snap := s.Snapshot(h)
	assert.Equal(t, uint64(3), snap.GetCardinality())
	assert.True(t, snap.Contains(5))
	assert.False(t, snap.Contains(1))
}

func TestFlushAndReload(t *testing.T) {
	dir := t.TempDir()
	h := xxhash.Sum64String("services")

	s, err := Open(dir)
	require.NoError(t, err)
	s.Insert(h, 1)
	s.Insert(h, 2)
	s.Insert(h, 3)
	require.NoError(t, s.Flush())

	s2, err := Open(dir)
	require.NoError(t, err)
	snap := s2.Snapshot(h)
	assert.Equal(t, uint64(3), snap.GetCardinality())
	assert.True(t, snap.Contains(1))
	assert.True(t, snap.Contains(3))
}

func TestRemove(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	h := xxhash.Sum64String("nodes")

	s.Insert(h, 10)
	s.Insert(h, 20)
	s.Remove(h, 10)

	snap := s.Snapshot(h)
	assert.Equal(t, uint64(1), snap.GetCardinality())
	assert.False(t, snap.Contains(10))
	assert.True(t, snap.Contains(20))
}

func TestRemoveLoadsFromDisk(t *testing.T) {
	dir := t.TempDir()
	h := xxhash.Sum64String("persisted")

	s, err := Open(dir)
	require.NoError(t, err)
	s.Insert(h, 7)
	s.Insert(h, 8)
	require.NoError(t, s.Flush())

	// A fresh store has nothing cached; Remove must load first.
	s2, err := Open(dir)
	require.NoError(t, err)
	s2.Remove(h, 7)
	snap := s2.Snapshot(h)
	assert.False(t, snap.Contains(7))
	assert.True(t, snap.Contains(8))
}

func TestRebuildIgnoresDiskState(t *testing.T) {
	dir := t.TempDir()
	h := xxhash.Sum64String("items")

	s, err := Open(dir)
	require.NoError(t, err)
	s.Insert(h, 999)
	require.NoError(t, s.Flush())

	s2, err := Open(dir)
	require.NoError(t, err)
	s2.Rebuild(func(yield func(uint64, uint32)) {
		for i := uint32(0); i < 100; i++ {
			yield(h, i)
		}
	})

	snap := s2.Snapshot(h)
	assert.Equal(t, uint64(100), snap.GetCardinality())
	assert.False(t, snap.Contains(999))

	// Rebuilt state replaces the stale file on flush.
	require.NoError(t, s2.Flush())
	s3, err := Open(dir)
	require.NoError(t, err)
	assert.False(t, s3.Snapshot(h).Contains(999))
	assert.Equal(t, uint64(100), s3.Cardinality(h))
}

func TestDirtyTrackingPerCollection(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	a := xxhash.Sum64String("a")
	b := xxhash.Sum64String("b")
	s.Insert(a, 1)
	s.Insert(b, 2)
	require.NoError(t, s.Flush())

	// Only collection a changes; a second flush must not fail and must
	// leave b readable.
	s.Insert(a, 3)
	require.NoError(t, s.Flush())

	s2, err := Open(dir)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), s2.Cardinality(a))
	assert.Equal(t, uint64(1), s2.Cardinality(b))
}

func TestMissingCollectionIsEmpty(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	snap := s.Snapshot(xxhash.Sum64String("nope"))
	assert.True(t, snap.IsEmpty())
}
