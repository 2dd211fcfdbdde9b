package hnsw

import (
	"container/heap"
	"sort"
)

// Candidate pairs a node with its distance to the current query.
type Candidate struct {
	ID   uint32
	Dist float32
}

// minHeap pops the closest candidate first (search frontier).
type minHeap []Candidate

func (h minHeap) Len() int { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[i].Dist < h[j].Dist }
func (h minHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any) { *h = append(*h, x.(Candidate)) }
func (h *minHeap) Pop() any { old := *h; n := len(old); c := old[n-1]; *h = old[:n-1]; return c }

// maxHeap pops the farthest result first (bounded result set).
type maxHeap []Candidate

func (h maxHeap) Len() int { return len(h) }
func (h maxHeap) Less(i, j int) bool { return h[i].Dist > h[j].Dist }
func (h maxHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x any) { *h = append(*h, x.(Candidate)) }
func (h *maxHeap) Pop() any { old := *h; n := len(old); c := old[n-1]; *h = old[:n-1]; return c }

// searchLayer is the greedy beam search over one layer. It keeps a
// frontier min-heap and a result max-heap capped at ef, stopping once the
// closest frontier entry is worse than the worst kept result. The visited
// set is per-search and shared across layers of one descent.
func searchLayer(query []float32, entry uint32, ef, layer int, g *Graph, vs *VectorStore, dist DistanceFunc, visited map[uint32]bool) []Candidate {
	d := dist(query, vs.Get(entry))
	first := Candidate{ID: entry, Dist: d}

	frontier := &minHeap{first}
	results := &maxHeap{first}
	visited[entry] = true

	for frontier.Len() > 0 {
		current := heap.Pop(frontier).(Candidate)
		if results.Len() >= ef && current.Dist > (*results)[0].Dist {
			break
		}
		for _, nb := range g.Neighbors(current.ID, layer) {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			nd := dist(query, vs.Get(nb))
			if results.Len() < ef || nd < (*results)[0].Dist {
				c := Candidate{ID: nb, Dist: nd}
				heap.Push(frontier, c)
				heap.Push(results, c)
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]Candidate, results.Len())
	copy(out, *results)
	sort.Slice(out, func(i, j int) bool { return out[i].Dist < out[j].Dist })
	return out
}

// selectNeighbors applies the neighbor-selection heuristic: walk
// candidates in ascending distance order and accept one only if no
// already-accepted neighbor is closer to it than the query is. This
// spreads edges across directions instead of clustering them.
func selectNeighbors(candidates []Candidate, m int, vs *VectorStore, dist DistanceFunc) []uint32 {
	if len(candidates) <= m {
		out := make([]uint32, len(candidates))
		for i, c := range candidates {
			out[i] = c.ID
		}
		return out
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Dist < candidates[j].Dist })

	result := make([]uint32, 0, m)
	for _, cand := range candidates {
		if len(result) >= m {
			break
		}
		good := true
		cv := vs.Get(cand.ID)
		for _, rid := range result {
			if dist(cv, vs.Get(rid)) < cand.Dist {
				good = false
				break
			}
		}
		if good {
			result = append(result, cand.ID)
		}
	}
	return result
}
