package arena

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tesseradb/tessera/pkg/types"
)

func TestSlotArenaReserveWriteRead(t *testing.T) {
	dir := t.TempDir()
	a, err := OpenSlot(filepath.Join(dir, "nodes.mmap"), 16, types.NodeSlotSize, types.NodeArenaMagic)
	require.NoError(t, err)
	defer a.Close()

	slot := types.NodeSlot{
		CRC32:          0xDEADBEEF,
		SlugHash:       42,
		CollectionHash: 7,
		Flags:          1,
		Lat:            -6.2,
		Lon:            106.8,
		BlobOffset:     64,
		BlobLen:        17,
		VecSlot:        types.NoVector,
	}
	idx := a.Reserve()
	assert.Equal(t, uint64(0), idx)

	buf := make([]byte, types.NodeSlotSize)
	slot.Encode(buf)
	a.WriteAt(idx, buf)
	a.Commit(idx + 1)

	out := types.DecodeNodeSlot(a.ReadAt(idx, make([]byte, types.NodeSlotSize)))
	assert.Equal(t, slot, out)
	assert.Equal(t, uint64(1), a.Committed())
}

func TestSlotArenaReopenSeedsWriteHead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nodes.mmap")

	a, err := OpenSlot(path, 8, types.NodeSlotSize, types.NodeArenaMagic)
	require.NoError(t, err)
	buf := make([]byte, types.NodeSlotSize)
	for i := 0; i < 3; i++ {
		slot := types.NodeSlot{SlugHash: uint64(i + 1), Flags: 1, VecSlot: types.NoVector}
		idx := a.Reserve()
		slot.Encode(buf)
		a.WriteAt(idx, buf)
	}
	a.Commit(3)
	require.NoError(t, a.Flush())
	require.NoError(t, a.Close())

	a2, err := OpenSlot(path, 8, types.NodeSlotSize, types.NodeArenaMagic)
	require.NoError(t, err)
	defer a2.Close()
	assert.Equal(t, uint64(3), a2.Committed())
	assert.Equal(t, uint64(3), a2.WriteHead())

	out := types.DecodeNodeSlot(a2.ReadAt(1, make([]byte, types.NodeSlotSize)))
	assert.Equal(t, uint64(2), out.SlugHash)
}

func TestSlotArenaUncommittedSlotsInvisibleOnReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nodes.mmap")

	a, err := OpenSlot(path, 8, types.NodeSlotSize, types.NodeArenaMagic)
	require.NoError(t, err)
	buf := make([]byte, types.NodeSlotSize)
	slot := types.NodeSlot{SlugHash: 9, Flags: 1}
	idx := a.Reserve()
	slot.Encode(buf)
	a.WriteAt(idx, buf)
	// No commit: simulates a crash between reserve and commit.
	require.NoError(t, a.Flush())
	require.NoError(t, a.Close())

	a2, err := OpenSlot(path, 8, types.NodeSlotSize, types.NodeArenaMagic)
	require.NoError(t, err)
	defer a2.Close()
	assert.Equal(t, uint64(0), a2.Committed())
	assert.Equal(t, uint64(0), a2.WriteHead())
}

func TestSlotArenaNeverShrinks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nodes.mmap")

	a, err := OpenSlot(path, 100, types.NodeSlotSize, types.NodeArenaMagic)
	require.NoError(t, err)
	size := a.MappedBytes()
	require.NoError(t, a.Close())

	// Reopen with a smaller declared capacity must not truncate.
	a2, err := OpenSlot(path, 1, types.NodeSlotSize, types.NodeArenaMagic)
	require.NoError(t, err)
	defer a2.Close()
	assert.Equal(t, size, a2.MappedBytes())
}

func TestSlotArenaResizeGrows(t *testing.T) {
	dir := t.TempDir()
	a, err := OpenSlot(filepath.Join(dir, "v.mmap"), 0, types.VectorSize, types.NodeArenaMagic)
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, uint64(0), a.Capacity())
	require.NoError(t, a.Resize(10))
	assert.Equal(t, uint64(10), a.Capacity())
	// Shrinking is a no-op.
	require.NoError(t, a.Resize(5))
	assert.Equal(t, uint64(10), a.Capacity())
}

func TestSlotArenaConcurrentReserve(t *testing.T) {
	dir := t.TempDir()
	a, err := OpenSlot(filepath.Join(dir, "e.mmap"), 1024, types.EdgeSlotSize, types.NodeArenaMagic)
	require.NoError(t, err)
	defer a.Close()

	const workers = 8
	const perWorker = 100
	seen := make([]map[uint64]bool, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			seen[w] = make(map[uint64]bool, perWorker)
			buf := make([]byte, types.EdgeSlotSize)
			for i := 0; i < perWorker; i++ {
				idx := a.Reserve()
				seen[w][idx] = true
				e := types.EdgeSlot{FromNode: uint32(idx), Flags: 1}
				e.Encode(buf)
				a.WriteAt(idx, buf)
			}
		}(w)
	}
	wg.Wait()

	all := make(map[uint64]bool)
	for _, m := range seen {
		for idx := range m {
			assert.False(t, all[idx], "index %d handed out twice", idx)
			all[idx] = true
		}
	}
	assert.Len(t, all, workers*perWorker)
}

func TestBlobArenaAppendReadCommit(t *testing.T) {
	dir := t.TempDir()
	b, err := OpenBlob(filepath.Join(dir, "blobs.mmap"), 1, types.BlobArenaMagic)
	require.NoError(t, err)
	defer b.Close()

	off1, len1, err := b.Append([]byte(`{"a":1}`))
	require.NoError(t, err)
	off2, len2, err := b.Append([]byte(`{"b":2}`))
	require.NoError(t, err)
	assert.Equal(t, off1+uint64(len1), off2)

	assert.Equal(t, []byte(`{"a":1}`), b.Read(off1, len1))
	assert.Equal(t, []byte(`{"b":2}`), b.Read(off2, len2))

	b.Commit()
	assert.Equal(t, off2+uint64(len2), b.Committed())
}

func TestBlobArenaReopenResumesAtCommit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blobs.mmap")

	b, err := OpenBlob(path, 1, types.BlobArenaMagic)
	require.NoError(t, err)
	off, n, err := b.Append([]byte("hello"))
	require.NoError(t, err)
	b.Commit()
	// Uncommitted tail is lost on reopen.
	_, _, err = b.Append([]byte("lost"))
	require.NoError(t, err)
	require.NoError(t, b.Flush())
	require.NoError(t, b.Close())

	b2, err := OpenBlob(path, 1, types.BlobArenaMagic)
	require.NoError(t, err)
	defer b2.Close()
	assert.Equal(t, off+uint64(n), b2.WriteOffset())
	assert.Equal(t, []byte("hello"), b2.Read(off, n))
}

func TestBlobArenaFullErrors(t *testing.T) {
	dir := t.TempDir()
	b, err := OpenBlob(filepath.Join(dir, "tiny.mmap"), 1, types.BlobArenaMagic)
	require.NoError(t, err)
	defer b.Close()

	_, _, err = b.Append(make([]byte, 2*1024*1024))
	assert.Error(t, err)
}

func TestEdgeSlotRoundTrip(t *testing.T) {
	e := types.EdgeSlot{
		FromNode:     3,
		ToNode:       9,
		Weight:       0.5,
		EdgeTypeHash: 0xABCD,
		Timestamp:    1700000000,
		Flags:        1,
		MetaKind:     types.EdgeMetaInline,
		MetaLen:      4,
	}
	copy(e.Meta[:], "true")

	buf := make([]byte, types.EdgeSlotSize)
	e.Encode(buf)
	out := types.DecodeEdgeSlot(buf)
	assert.Equal(t, e, out)
}
