package engine

import (
	"encoding/json"
	"runtime"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/tesseradb/tessera/pkg/fieldindex"
	"github.com/tesseradb/tessera/pkg/spatial"
	"github.com/tesseradb/tessera/pkg/types"
)

// bfs expands the candidate frontier over typed edges for maxHops levels
// and returns the union of the starting set and every node reached.
// reverse follows incoming edges; parallel fans each level out to a
// worker pool (the visited set still dedups targets reached through
// multiple parents).
func (e *Engine) bfs(candidates *roaring.Bitmap, typeHash uint64, maxHops int, reverse, parallel bool) *roaring.Bitmap {
	visited := roaring.New()
	frontier := roaring.New()
	if candidates != nil {
		frontier = candidates.Clone()
	}

	for hop := 0; hop < maxHops; hop++ {
		if frontier.IsEmpty() {
			break
		}
		var next *roaring.Bitmap
		if parallel {
			next = e.expandLevelParallel(frontier, visited, typeHash, reverse)
		} else {
			next = e.expandLevel(frontier, visited, typeHash, reverse)
		}
		frontier = next
	}
	visited.Or(frontier)
	return visited
}

func (e *Engine) expandLevel(frontier, visited *roaring.Bitmap, typeHash uint64, reverse bool) *roaring.Bitmap {
	next := roaring.New()
	buf := make([]byte, types.EdgeSlotSize)
	it := frontier.Iterator()
	for it.HasNext() {
		idx := it.Next()
		visited.Add(idx)
		e.adjMu.RLock()
		var edgeIndices []uint32
		if reverse {
			edgeIndices = append(edgeIndices, e.adjRev[idx]...)
		} else {
			edgeIndices = append(edgeIndices, e.adjFwd[idx]...)
		}
		e.adjMu.RUnlock()

		for _, eIdx := range edgeIndices {
			edge := types.DecodeEdgeSlot(e.edges.ReadAt(uint64(eIdx), buf))
			if edge.EdgeTypeHash != typeHash || !edge.Active() {
				continue
			}
			target := edge.ToNode
			if reverse {
				target = edge.FromNode
			}
			if !visited.Contains(target) {
				next.Add(target)
			}
		}
	}
	return next
}

func (e *Engine) expandLevelParallel(frontier, visited *roaring.Bitmap, typeHash uint64, reverse bool) *roaring.Bitmap {
	ids := frontier.ToArray()
	workers := runtime.NumCPU()
	if workers > len(ids) {
		workers = len(ids)
	}
	if workers < 1 {
		workers = 1
	}

	chunk := (len(ids) + workers - 1) / workers
	locals := make([]*roaring.Bitmap, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		lo := w * chunk
		hi := lo + chunk
		if hi > len(ids) {
			hi = len(ids)
		}
		if lo >= hi {
			locals[w] = roaring.New()
			continue
		}
		wg.Add(1)
		go func(w, lo, hi int) {
			defer wg.Done()
			local := roaring.New()
			buf := make([]byte, types.EdgeSlotSize)
			for _, idx := range ids[lo:hi] {
				e.adjMu.RLock()
				var edgeIndices []uint32
				if reverse {
					edgeIndices = append(edgeIndices, e.adjRev[idx]...)
				} else {
					edgeIndices = append(edgeIndices, e.adjFwd[idx]...)
				}
				e.adjMu.RUnlock()
				for _, eIdx := range edgeIndices {
					edge := types.DecodeEdgeSlot(e.edges.ReadAt(uint64(eIdx), buf))
					if edge.EdgeTypeHash != typeHash || !edge.Active() {
						continue
					}
					if reverse {
						local.Add(edge.FromNode)
					} else {
						local.Add(edge.ToNode)
					}
				}
			}
			locals[w] = local
		}(w, lo, hi)
	}
	wg.Wait()

	visited.Or(frontier)
	next := roaring.New()
	for _, local := range locals {
		if local != nil {
			next.Or(local)
		}
	}
	// Targets reached through multiple parents collapse here, and nodes
	// already expanded never re-enter the frontier.
	next.AndNot(visited)
	return next
}

// filterDegree keeps candidates with no outgoing (leaves) or no incoming
// (roots) live edges.
func (e *Engine) filterDegree(candidates *roaring.Bitmap, reverse bool) *roaring.Bitmap {
	if candidates == nil {
		return nil
	}
	result := roaring.New()
	buf := make([]byte, types.EdgeSlotSize)
	it := candidates.Iterator()
	for it.HasNext() {
		idx := it.Next()
		e.adjMu.RLock()
		var edgeIndices []uint32
		if reverse {
			edgeIndices = append(edgeIndices, e.adjRev[idx]...)
		} else {
			edgeIndices = append(edgeIndices, e.adjFwd[idx]...)
		}
		e.adjMu.RUnlock()

		hasLive := false
		for _, eIdx := range edgeIndices {
			edge := types.DecodeEdgeSlot(e.edges.ReadAt(uint64(eIdx), buf))
			if edge.Active() {
				hasLive = true
				break
			}
		}
		if !hasLive {
			result.Add(idx)
		}
	}
	return result
}

// stepNear: small candidate sets are brute-forced against the slot
// coordinates; otherwise the R-tree answers and intersects.
func (e *Engine) stepNear(candidates *roaring.Bitmap, step types.Step) (*roaring.Bitmap, string) {
	r := float64(step.RadiusKM) / spatial.KmPerDegree
	rsq := r * r

	if candidates != nil && candidates.GetCardinality() < nearBruteForceThreshold {
		filtered := roaring.New()
		it := candidates.Iterator()
		for it.HasNext() {
			idx := it.Next()
			slot := e.readNode(uint64(idx))
			dx := float64(slot.Lat - step.Lat)
			dy := float64(slot.Lon - step.Lon)
			if dx*dx+dy*dy <= rsq {
				filtered.Add(idx)
			}
		}
		return filtered, "filter"
	}

	bm := roaring.New()
	for _, id := range e.spatial.WithinRadiusKm(step.Lat, step.Lon, step.RadiusKM) {
		bm.Add(id)
	}
	if candidates != nil {
		candidates.And(bm)
		return candidates, "rtree"
	}
	return bm, "rtree"
}

// stepWhereEq consults the field's hash index when registered, otherwise
// scans payloads bounded by the current candidate set.
func (e *Engine) stepWhereEq(candidates *roaring.Bitmap, step types.Step) (*roaring.Bitmap, string) {
	e.fieldMu.RLock()
	hi, ok := e.fieldHash[step.Field]
	e.fieldMu.RUnlock()
	if ok {
		bm := roaring.New()
		for _, idx := range hi.LookupEq(step.Value) {
			bm.Add(idx)
		}
		if candidates != nil {
			candidates.And(bm)
			return candidates, "hash_index"
		}
		return bm, "hash_index"
	}

	if candidates == nil {
		return nil, "noop"
	}
	filtered := e.scanPayloads(candidates, func(doc map[string]any) bool {
		return jsonValueEq(doc[step.Field], step.Value)
	})
	return filtered, "payload"
}

func (e *Engine) stepWhereIn(candidates *roaring.Bitmap, step types.Step) (*roaring.Bitmap, string) {
	e.fieldMu.RLock()
	hi, ok := e.fieldHash[step.Field]
	e.fieldMu.RUnlock()
	if ok {
		bm := roaring.New()
		for _, v := range step.Values {
			for _, idx := range hi.LookupEq(v) {
				bm.Add(idx)
			}
		}
		if candidates != nil {
			candidates.And(bm)
			return candidates, "hash_index"
		}
		return bm, "hash_index"
	}

	if candidates == nil {
		return nil, "noop"
	}
	filtered := e.scanPayloads(candidates, func(doc map[string]any) bool {
		v, ok := doc[step.Field]
		if !ok {
			return false
		}
		for _, want := range step.Values {
			if jsonValueEq(v, want) {
				return true
			}
		}
		return false
	})
	return filtered, "payload"
}

func (e *Engine) stepWhereRange(candidates *roaring.Bitmap, field string, lo, hi float64) (*roaring.Bitmap, string) {
	e.fieldMu.RLock()
	ri, ok := e.fieldRange[field]
	e.fieldMu.RUnlock()
	if ok {
		bm := roaring.New()
		for _, idx := range ri.LookupRange(lo, hi) {
			bm.Add(idx)
		}
		if candidates != nil {
			candidates.And(bm)
			return candidates, "range_index"
		}
		return bm, "range_index"
	}

	if candidates == nil {
		return nil, "noop"
	}
	filtered := e.scanPayloads(candidates, func(doc map[string]any) bool {
		num, ok := fieldindex.ToFloat(doc[field])
		return ok && num >= lo && num <= hi
	})
	return filtered, "payload"
}

// scanPayloads is the index-less fallback: decode each candidate's
// payload and keep those the predicate accepts.
func (e *Engine) scanPayloads(candidates *roaring.Bitmap, keep func(map[string]any) bool) *roaring.Bitmap {
	filtered := roaring.New()
	it := candidates.Iterator()
	for it.HasNext() {
		idx := it.Next()
		slot := e.readNode(uint64(idx))
		if !slot.Active() {
			continue
		}
		doc, err := e.decodePayload(slot)
		if err != nil {
			continue
		}
		if keep(doc) {
			filtered.Add(idx)
		}
	}
	return filtered
}

// jsonValueEq compares decoded JSON values, tolerating the number/string
// asymmetry between builder-supplied Go values and decoded payloads.
func jsonValueEq(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := toComparableFloat(a); aok {
		if bf, bok := toComparableFloat(b); bok {
			return af == bf
		}
		return false
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	default:
		ra, errA := json.Marshal(a)
		rb, errB := json.Marshal(b)
		return errA == nil && errB == nil && string(ra) == string(rb)
	}
}

func toComparableFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
