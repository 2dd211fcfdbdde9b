package hnsw

import (
	"sort"

	"github.com/tesseradb/tessera/pkg/log"
)

// Result is one search hit.
type Result struct {
	ID   uint32
	Dist float32
}

// Index is the hierarchical navigable small-world index over the vector
// arena. Searches are safe to run concurrently with each other and with
// inserts; inserts themselves must be issued sequentially.
type Index struct {
	store *VectorStore
	graph *Graph
	dist  DistanceFunc
}

// New builds an index over store with connectivity m and the given
// distance function.
func New(store *VectorStore, m int, dist DistanceFunc, seed uint64) *Index {
	return &Index{
		store: store,
		graph: NewGraph(m, seed),
		dist:  dist,
	}
}

// Graph exposes the topology for diagnostics.
func (ix *Index) Graph() *Graph { return ix.graph }

// Len returns the number of indexed vectors.
func (ix *Index) Len() int { return ix.graph.Len() }

// Insert indexes the vector stored at arena slot idx.
//
// Protocol: register the node (layers allocated) before any wiring, so a
// concurrent search that discovers it through a neighbor list always finds
// well-formed state. Then descend greedily to the insertion level, wire
// neighbors bottom layers with the selection heuristic, prune overfull
// reverse links, and finally promote the entry point if this node's level
// exceeds the old top.
func (ix *Index) Insert(idx uint32, efConstruction int) {
	vector := ix.store.Get(idx)
	maxLevel := ix.graph.PickLevel()
	ix.graph.Register(idx, maxLevel)

	ep := ix.graph.Entry()
	if ep == nil {
		ix.graph.SetEntry(idx, maxLevel)
		return
	}

	currEP, top := ep.Idx, ep.Level
	visited := make(map[uint32]bool)

	// Greedy beam-1 descent through the layers above the insertion level.
	for level := top; level > maxLevel; level-- {
		clear(visited)
		cands := searchLayer(vector, currEP, 1, level, ix.graph, ix.store, ix.dist, visited)
		if len(cands) > 0 {
			currEP = cands[0].ID
		}
	}

	low := maxLevel
	if top < low {
		low = top
	}
	for level := low; level >= 0; level-- {
		currEP = ix.connectAtLevel(idx, vector, currEP, level, efConstruction)
	}

	if maxLevel > top {
		ix.graph.SetEntry(idx, maxLevel)
	}
}

// connectAtLevel searches one layer, wires the new node's outgoing list,
// and back-links (pruning with the heuristic when a neighbor overflows).
// Returns the closest candidate for cascading to the next layer down.
func (ix *Index) connectAtLevel(idx uint32, vector []float32, entry uint32, level, ef int) uint32 {
	visited := make(map[uint32]bool)
	candidates := searchLayer(vector, entry, ef, level, ix.graph, ix.store, ix.dist, visited)

	mMax := ix.graph.MMax(level)
	neighbors := selectNeighbors(candidates, mMax, ix.store, ix.dist)
	ix.graph.SetNeighbors(idx, level, neighbors)

	for _, nb := range neighbors {
		current := ix.graph.Neighbors(nb, level)
		updated := make([]uint32, 0, len(current)+1)
		updated = append(updated, current...)
		updated = append(updated, idx)

		if len(updated) > mMax {
			nbVec := ix.store.Get(nb)
			cands := make([]Candidate, 0, len(updated))
			for _, id := range updated {
				cands = append(cands, Candidate{ID: id, Dist: ix.dist(ix.store.Get(id), nbVec)})
			}
			updated = selectNeighbors(cands, mMax, ix.store, ix.dist)
		}
		ix.graph.SetNeighbors(nb, level, updated)
	}

	if len(candidates) > 0 {
		return candidates[0].ID
	}
	return entry
}

// Search returns the k nearest indexed vectors to query, exploring with
// beam width ef at layer zero.
func (ix *Index) Search(query []float32, k, ef int) []Result {
	ep := ix.graph.Entry()
	if ep == nil {
		return nil
	}

	currEP := ep.Idx
	visited := make(map[uint32]bool)
	for level := ep.Level; level >= 1; level-- {
		clear(visited)
		cands := searchLayer(query, currEP, 1, level, ix.graph, ix.store, ix.dist, visited)
		if len(cands) > 0 {
			currEP = cands[0].ID
		}
	}

	clear(visited)
	candidates := searchLayer(query, currEP, ef, 0, ix.graph, ix.store, ix.dist, visited)

	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		results = append(results, Result{ID: c.ID, Dist: c.Dist})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Dist < results[j].Dist })
	if len(results) > k {
		results = results[:k]
	}
	return results
}

// BuildSequential inserts every index in order. Sequential insertion is
// the only correct batch build: each node must be able to traverse the
// graph formed by its predecessors to find true nearest neighbors.
func (ix *Index) BuildSequential(indices []uint32, efConstruction int) {
	logger := log.WithComponent("hnsw")
	for _, idx := range indices {
		ix.Insert(idx, efConstruction)
	}
	logger.Info().Int("vectors", len(indices)).Msg("hnsw batch build complete")
}
