package hnsw

import (
	"math"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tesseradb/tessera/pkg/arena"
	"github.com/tesseradb/tessera/pkg/types"
)

func newStore(t *testing.T, capacity int) *VectorStore {
	t.Helper()
	a, err := arena.OpenSlot(filepath.Join(t.TempDir(), "vectors.mmap"), uint64(capacity), types.VectorSize, types.NodeArenaMagic)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return NewVectorStore(a, types.VectorDim)
}

func randomUnitVec(rng *rand.Rand) []float32 {
	v := make([]float32, types.VectorDim)
	var norm float32
	for i := range v {
		v[i] = float32(rng.NormFloat64())
		norm += v[i] * v[i]
	}
	if norm > 0 {
		inv := float32(1.0 / math.Sqrt(float64(norm)))
		for i := range v {
			v[i] *= inv
		}
	}
	return v
}

func TestDistanceKernels(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{4, 5, 6}

	assert.InDelta(t, 27.0, L2(a, b), 1e-6)
	assert.InDelta(t, -32.0, Dot(a, b), 1e-6)
	assert.InDelta(t, 0.0, Cosine(a, a), 1e-6)
	assert.InDelta(t, 2.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-6)
	assert.InDelta(t, 1.0, Cosine([]float32{0, 0}, []float32{1, 0}), 1e-6)
}

func TestEmptyGraphSearch(t *testing.T) {
	vs := newStore(t, 8)
	ix := New(vs, 16, Cosine, 1)
	assert.Nil(t, ix.Search(make([]float32, types.VectorDim), 5, 32))
}

func TestFirstInsertBecomesEntry(t *testing.T) {
	vs := newStore(t, 8)
	ix := New(vs, 16, L2, 1)

	vs.Put(0, randomUnitVec(rand.New(rand.NewPCG(1, 2))))
	ix.Insert(0, 32)

	ep := ix.Graph().Entry()
	require.NotNil(t, ep)
	assert.Equal(t, uint32(0), ep.Idx)

	res := ix.Search(vs.Get(0), 1, 16)
	require.Len(t, res, 1)
	assert.Equal(t, uint32(0), res[0].ID)
	assert.InDelta(t, 0.0, res[0].Dist, 1e-6)
}

func TestSelfRecall(t *testing.T) {
	const n = 1000
	vs := newStore(t, n)
	ix := New(vs, 16, L2, 7)

	rng := rand.New(rand.NewPCG(42, 43))
	vecs := make([][]float32, n)
	for i := 0; i < n; i++ {
		vecs[i] = randomUnitVec(rng)
		vs.Put(uint32(i), vecs[i])
		ix.Insert(uint32(i), 32)
	}

	// Searching for an inserted vector must return itself first.
	for i := 0; i < n; i += 97 {
		res := ix.Search(vecs[i], 10, 64)
		require.NotEmpty(t, res, "no results for vector %d", i)
		assert.Equal(t, uint32(i), res[0].ID, "vector %d not its own nearest neighbor", i)
		assert.InDelta(t, 0.0, res[0].Dist, 1e-5)
	}
}

func TestEntryLevelMonotone(t *testing.T) {
	vs := newStore(t, 256)
	ix := New(vs, 8, L2, 99)

	rng := rand.New(rand.NewPCG(5, 6))
	prev := -1
	for i := 0; i < 256; i++ {
		vs.Put(uint32(i), randomUnitVec(rng))
		ix.Insert(uint32(i), 16)
		ep := ix.Graph().Entry()
		require.NotNil(t, ep)
		assert.GreaterOrEqual(t, ep.Level, prev)
		prev = ep.Level
	}
}

func TestNeighborListsBounded(t *testing.T) {
	vs := newStore(t, 300)
	ix := New(vs, 8, L2, 11)

	rng := rand.New(rand.NewPCG(9, 10))
	for i := 0; i < 300; i++ {
		vs.Put(uint32(i), randomUnitVec(rng))
		ix.Insert(uint32(i), 32)
	}

	g := ix.Graph()
	for i := uint32(0); i < 300; i++ {
		assert.LessOrEqual(t, len(g.Neighbors(i, 0)), g.MMax(0))
		assert.LessOrEqual(t, len(g.Neighbors(i, 1)), g.MMax(1))
	}
}

func TestKTruncation(t *testing.T) {
	vs := newStore(t, 64)
	ix := New(vs, 8, L2, 3)

	rng := rand.New(rand.NewPCG(20, 21))
	for i := 0; i < 64; i++ {
		vs.Put(uint32(i), randomUnitVec(rng))
		ix.Insert(uint32(i), 16)
	}

	res := ix.Search(randomUnitVec(rng), 5, 32)
	assert.Len(t, res, 5)
	for i := 1; i < len(res); i++ {
		assert.LessOrEqual(t, res[i-1].Dist, res[i].Dist)
	}
}

func TestBuildSequential(t *testing.T) {
	const n = 200
	vs := newStore(t, n)
	ix := New(vs, 16, L2, 77)

	rng := rand.New(rand.NewPCG(30, 31))
	indices := make([]uint32, n)
	for i := 0; i < n; i++ {
		indices[i] = uint32(i)
		vs.Put(uint32(i), randomUnitVec(rng))
	}
	ix.BuildSequential(indices, 32)

	assert.Equal(t, n, ix.Len())
	res := ix.Search(vs.Get(123), 1, 64)
	require.NotEmpty(t, res)
	assert.Equal(t, uint32(123), res[0].ID)
}
