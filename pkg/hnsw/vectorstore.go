package hnsw

import (
	"unsafe"

	"github.com/tesseradb/tessera/pkg/arena"
)

// VectorStore reads fixed-dimension float32 vectors straight out of the
// vector arena's mapping. Views alias mapped memory: the arena must
// outlive the store, and must not be resized while any search is in
// flight — the engine serialises resizes behind its resource lock.
type VectorStore struct {
	a   *arena.SlotArena
	dim int
}

// arenaHeaderSize mirrors the arena file header; vectors start after it.
const arenaHeaderSize = 64

// NewVectorStore wraps a vector arena with the given dimension.
func NewVectorStore(a *arena.SlotArena, dim int) *VectorStore {
	return &VectorStore{a: a, dim: dim}
}

// Get returns a zero-copy view of vector idx.
func (v *VectorStore) Get(idx uint32) []float32 {
	base := v.a.BasePtr()
	off := arenaHeaderSize + int(idx)*v.dim*4
	return unsafe.Slice((*float32)(unsafe.Add(base, off)), v.dim)
}

// Put copies a vector into slot idx.
func (v *VectorStore) Put(idx uint32, vec []float32) {
	dst := v.Get(idx)
	copy(dst, vec[:v.dim])
}

// Dim returns the vector dimension.
func (v *VectorStore) Dim() int { return v.dim }

// Len returns the number of slots the arena can hold.
func (v *VectorStore) Len() int { return int(v.a.Capacity()) }
