package mhash

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T, capacity uint64) *Index {
	t.Helper()
	idx, err := Open(filepath.Join(t.TempDir(), "slug_index.mhash"), capacity)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestBasicInsertGet(t *testing.T) {
	idx := openTemp(t, 100)

	require.NoError(t, idx.Insert(42, 7))
	require.NoError(t, idx.Insert(100, 99))

	v, ok := idx.Get(42)
	assert.True(t, ok)
	assert.Equal(t, uint32(7), v)

	v, ok = idx.Get(100)
	assert.True(t, ok)
	assert.Equal(t, uint32(99), v)

	_, ok = idx.Get(999)
	assert.False(t, ok)
	assert.Equal(t, uint64(2), idx.Count())
}

func TestUpdateInPlace(t *testing.T) {
	idx := openTemp(t, 100)

	require.NoError(t, idx.Insert(1, 10))
	require.NoError(t, idx.Insert(1, 20))

	v, ok := idx.Get(1)
	assert.True(t, ok)
	assert.Equal(t, uint32(20), v)
	assert.Equal(t, uint64(1), idx.Count())
}

func TestRemoveTombstones(t *testing.T) {
	idx := openTemp(t, 100)

	require.NoError(t, idx.Insert(1, 10))
	require.NoError(t, idx.Insert(2, 20))
	idx.Remove(1)

	_, ok := idx.Get(1)
	assert.False(t, ok)
	v, ok := idx.Get(2)
	assert.True(t, ok)
	assert.Equal(t, uint32(20), v)
	assert.Equal(t, uint64(1), idx.Count())
}

func TestReinsertAfterRemove(t *testing.T) {
	idx := openTemp(t, 100)

	require.NoError(t, idx.Insert(1, 10))
	idx.Remove(1)
	require.NoError(t, idx.Insert(1, 30))

	v, ok := idx.Get(1)
	assert.True(t, ok)
	assert.Equal(t, uint32(30), v)
	assert.Equal(t, uint64(1), idx.Count())
}

func TestSentinelKeysDropped(t *testing.T) {
	idx := openTemp(t, 16)

	require.NoError(t, idx.Insert(0, 1))
	require.NoError(t, idx.Insert(^uint64(0), 2))
	assert.Equal(t, uint64(0), idx.Count())

	_, ok := idx.Get(0)
	assert.False(t, ok)
}

func TestCollisionClusters(t *testing.T) {
	idx := openTemp(t, 32)

	// Keys that are multiples of a large stride collide heavily after
	// masking; the Robin-Hood displacement must keep all reachable.
	for i := uint64(1); i <= 32; i++ {
		require.NoError(t, idx.Insert(i*100, uint32(i)))
	}
	for i := uint64(1); i <= 32; i++ {
		v, ok := idx.Get(i * 100)
		require.True(t, ok, "missing key %d", i*100)
		assert.Equal(t, uint32(i), v)
	}
}

func TestLookupPastTombstoneCluster(t *testing.T) {
	idx := openTemp(t, 16)

	// Force a probe chain at the same bucket, then tombstone the head.
	// The displaced key must still be found (tombstones are skipped, not
	// treated as probe-distance barriers).
	cap2 := idx.Capacity()
	k1 := cap2 * 3 // bucket 0
	k2 := cap2 * 5 // bucket 0, displaced to probe distance >= 1
	require.NoError(t, idx.Insert(k1, 1))
	require.NoError(t, idx.Insert(k2, 2))
	idx.Remove(k1)

	v, ok := idx.Get(k2)
	require.True(t, ok)
	assert.Equal(t, uint32(2), v)
}

func TestFullTableErrors(t *testing.T) {
	idx := openTemp(t, 1)
	cap2 := idx.Capacity()

	var err error
	for i := uint64(1); err == nil && i <= cap2*2; i++ {
		err = idx.Insert(i, uint32(i))
	}
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFull)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "persist.mhash")

	idx, err := Open(path, 1000)
	require.NoError(t, err)
	var buf [8]byte
	for i := uint64(1); i <= 500; i++ {
		binary.LittleEndian.PutUint64(buf[:], i)
		require.NoError(t, idx.Insert(xxhash.Sum64(buf[:]), uint32(i)))
	}
	require.NoError(t, idx.Flush())
	require.NoError(t, idx.Close())

	idx2, err := Open(path, 1000)
	require.NoError(t, err)
	defer idx2.Close()
	assert.Equal(t, uint64(500), idx2.Count())
	for i := uint64(1); i <= 500; i++ {
		binary.LittleEndian.PutUint64(buf[:], i)
		v, ok := idx2.Get(xxhash.Sum64(buf[:]))
		require.True(t, ok, "missing key %d after reopen", i)
		assert.Equal(t, uint32(i), v)
	}
}

// Probe invariant: a key is absent iff the probe terminates on empty or on
// a live slot with a lower probe distance than walked so far.
func TestAbsentKeysTerminate(t *testing.T) {
	idx := openTemp(t, 64)

	for i := uint64(1); i <= 40; i++ {
		require.NoError(t, idx.Insert(xxhash.Sum64String(string(rune(i))), uint32(i)))
	}
	for i := uint64(1000); i < 1100; i++ {
		_, ok := idx.Get(i)
		assert.False(t, ok)
	}
}
