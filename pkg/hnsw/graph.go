package hnsw

import (
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
)

// EntryPoint is the graph's single entry, swapped atomically. Once set,
// its level only ever increases.
type EntryPoint struct {
	Idx   uint32
	Level int
}

// gnode holds one graph node's per-layer neighbor lists. Each list sits
// behind an atomic pointer so readers always observe a complete slice;
// the garbage collector keeps retired lists alive for any reader still
// holding them, which is the reclamation guarantee searches rely on.
type gnode struct {
	layers []atomic.Pointer[[]uint32]
}

// Graph is the multi-layer navigation topology.
type Graph struct {
	m         int
	mMax0     int
	levelMult float64

	nodes sync.Map // uint32 -> *gnode
	entry atomic.Pointer[EntryPoint]

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewGraph creates an empty graph with connectivity parameter m.
func NewGraph(m int, seed uint64) *Graph {
	return &Graph{
		m:         m,
		mMax0:     2 * m,
		levelMult: 1.0 / math.Log(float64(m)),
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// PickLevel draws a max layer from the geometric distribution with
// parameter 1/ln(m).
func (g *Graph) PickLevel() int {
	g.rngMu.Lock()
	r := g.rng.Float64()
	g.rngMu.Unlock()
	for r == 0 {
		g.rngMu.Lock()
		r = g.rng.Float64()
		g.rngMu.Unlock()
	}
	return int(-math.Log(r) * g.levelMult)
}

// MMax returns the per-layer connection cap.
func (g *Graph) MMax(level int) int {
	if level == 0 {
		return g.mMax0
	}
	return g.m
}

// Register allocates a node with maxLevel+1 empty neighbor lists. A node
// must be registered before any neighbor list can reference it; the
// insert protocol relies on this ordering.
func (g *Graph) Register(idx uint32, maxLevel int) {
	n := &gnode{layers: make([]atomic.Pointer[[]uint32], maxLevel+1)}
	empty := []uint32{}
	for i := range n.layers {
		n.layers[i].Store(&empty)
	}
	g.nodes.Store(idx, n)
}

// Contains reports whether idx is registered.
func (g *Graph) Contains(idx uint32) bool {
	_, ok := g.nodes.Load(idx)
	return ok
}

// Len returns the number of registered nodes.
func (g *Graph) Len() int {
	n := 0
	g.nodes.Range(func(_, _ any) bool { n++; return true })
	return n
}

// Neighbors returns the current neighbor list of idx at layer, or nil if
// the node is unknown or has no such layer. The returned slice must be
// treated as immutable.
func (g *Graph) Neighbors(idx uint32, layer int) []uint32 {
	v, ok := g.nodes.Load(idx)
	if !ok {
		return nil
	}
	n := v.(*gnode)
	if layer >= len(n.layers) {
		return nil
	}
	return *n.layers[layer].Load()
}

// SetNeighbors atomically swaps in a new neighbor list for idx at layer.
func (g *Graph) SetNeighbors(idx uint32, layer int, neighbors []uint32) {
	v, ok := g.nodes.Load(idx)
	if !ok {
		return
	}
	n := v.(*gnode)
	if layer >= len(n.layers) {
		return
	}
	n.layers[layer].Store(&neighbors)
}

// Entry returns the current entry point, or nil for an empty graph.
func (g *Graph) Entry() *EntryPoint { return g.entry.Load() }

// SetEntry publishes a new entry point.
func (g *Graph) SetEntry(idx uint32, level int) {
	g.entry.Store(&EntryPoint{Idx: idx, Level: level})
}
