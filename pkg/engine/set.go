package engine

import (
	"fmt"
	"math"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/tesseradb/tessera/pkg/metrics"
	"github.com/tesseradb/tessera/pkg/types"
)

// nearBruteForceThreshold: below this candidate count, a straight scan of
// the slots beats an R-tree traversal.
const nearBruteForceThreshold = 500

// similarDefaultEF is the beam width Similar uses at layer 0.
const similarDefaultEF = 32

// matchingLimit caps how many ids the full-text adapter returns.
const matchingLimit = 1000

// Set is a fluent pipeline under construction. Building appends lowered
// steps; terminals execute them left-to-right over a roaring candidate
// bitmap and resolve the result. Sort/Skip/Select live outside the step
// list — they apply after the bitmap resolves into hits.
type Set struct {
	e     *Engine
	steps []types.Step

	sortField    string
	sortAsc      bool
	hasSort      bool
	skipN        int
	selectFields []string
}

// Starters.

// One starts from a single slug.
func (e *Engine) One(slug string) *Set {
	_, h := ParseEntityID(slug)
	return &Set{e: e, steps: []types.Step{types.One(h)}}
}

// Many starts from several slugs.
func (e *Engine) Many(slugs []string) *Set {
	hashes := make([]uint64, len(slugs))
	for i, s := range slugs {
		_, hashes[i] = ParseEntityID(s)
	}
	return &Set{e: e, steps: []types.Step{types.Many(hashes)}}
}

// Collection starts from every live node of a collection.
func (e *Engine) Collection(name string) *Set {
	return &Set{e: e, steps: []types.Step{types.Collection(HashString(name))}}
}

// All starts from every live node.
func (e *Engine) All() *Set {
	return &Set{e: e, steps: []types.Step{types.All()}}
}

// FromSteps builds a Set from a pre-lowered step list (the external JSON
// parser produces these), extracting Sort/Skip/Select into post-pass
// state.
func (e *Engine) FromSteps(steps []types.Step) *Set {
	s := &Set{e: e}
	for _, step := range steps {
		switch step.Op {
		case types.OpSort:
			s.sortField, s.sortAsc, s.hasSort = step.Field, step.Asc, true
		case types.OpSkip:
			s.skipN = step.N
		case types.OpSelect:
			s.selectFields = step.Fields
		default:
			s.steps = append(s.steps, step)
		}
	}
	return s
}

// Builders.

func (s *Set) Forward(edgeType string) *Set {
	s.steps = append(s.steps, types.Forward(HashString(edgeType)))
	return s
}

func (s *Set) Backward(edgeType string) *Set {
	s.steps = append(s.steps, types.Backward(HashString(edgeType)))
	return s
}

// ForwardParallel expands each BFS level with a worker pool; worth it for
// deep traversals over wide frontiers.
func (s *Set) ForwardParallel(edgeType string) *Set {
	s.steps = append(s.steps, types.ForwardParallel(HashString(edgeType)))
	return s
}

func (s *Set) BackwardParallel(edgeType string) *Set {
	s.steps = append(s.steps, types.BackwardParallel(HashString(edgeType)))
	return s
}

// Hops sets the BFS depth of a traversal. Placed right after
// Forward/Backward (or their parallel forms) it applies to that
// traversal: the step list keeps Hops directly before it. Anywhere else
// it applies to the next traversal.
func (s *Set) Hops(n int) *Set {
	if last := len(s.steps) - 1; last >= 0 {
		switch s.steps[last].Op {
		case types.OpForward, types.OpBackward, types.OpForwardParallel, types.OpBackwardParallel:
			trav := s.steps[last]
			s.steps[last] = types.Hops(n)
			s.steps = append(s.steps, trav)
			return s
		}
	}
	s.steps = append(s.steps, types.Hops(n))
	return s
}

func (s *Set) Leaves() *Set {
	s.steps = append(s.steps, types.Leaves())
	return s
}

func (s *Set) Roots() *Set {
	s.steps = append(s.steps, types.Roots())
	return s
}

func (s *Set) Near(lat, lon, radiusKm float32) *Set {
	s.steps = append(s.steps, types.Near(lat, lon, radiusKm))
	return s
}

func (s *Set) Similar(query []float32, k int) *Set {
	s.steps = append(s.steps, types.Similar(query, k))
	return s
}

func (s *Set) Matching(text string) *Set {
	s.steps = append(s.steps, types.Matching(text))
	return s
}

func (s *Set) WhereEq(field string, value any) *Set {
	s.steps = append(s.steps, types.WhereEq(field, value))
	return s
}

func (s *Set) WhereIn(field string, values []any) *Set {
	s.steps = append(s.steps, types.WhereIn(field, values))
	return s
}

func (s *Set) WhereBetween(field string, lo, hi float64) *Set {
	s.steps = append(s.steps, types.WhereBetween(field, lo, hi))
	return s
}

func (s *Set) WhereGt(field string, v float64) *Set {
	s.steps = append(s.steps, types.WhereGt(field, v))
	return s
}

func (s *Set) WhereGte(field string, v float64) *Set {
	s.steps = append(s.steps, types.WhereGte(field, v))
	return s
}

func (s *Set) WhereLt(field string, v float64) *Set {
	s.steps = append(s.steps, types.WhereLt(field, v))
	return s
}

func (s *Set) WhereLte(field string, v float64) *Set {
	s.steps = append(s.steps, types.WhereLte(field, v))
	return s
}

func (s *Set) Intersect(other *Set) *Set {
	s.steps = append(s.steps, types.Intersect(other.steps))
	return s
}

func (s *Set) Union(other *Set) *Set {
	s.steps = append(s.steps, types.Union(other.steps))
	return s
}

func (s *Set) Subtract(other *Set) *Set {
	s.steps = append(s.steps, types.Subtract(other.steps))
	return s
}

// Take truncates the candidate bitmap to its first n indices in roaring
// (ascending) order. It acts on the bitmap, before Sort/Skip/Select.
func (s *Set) Take(n int) *Set {
	s.steps = append(s.steps, types.Take(n))
	return s
}

// Sort orders resolved hits by a payload field; applied post-bitmap.
func (s *Set) Sort(field string, ascending bool) *Set {
	s.sortField, s.sortAsc, s.hasSort = field, ascending, true
	return s
}

// Skip drops the first n resolved hits; applied post-bitmap, after Sort.
func (s *Set) Skip(n int) *Set {
	s.skipN = n
	return s
}

// Select projects payloads to the named fields; applied last.
func (s *Set) Select(fields ...string) *Set {
	s.selectFields = fields
	return s
}

// Explain returns the lowered plan without executing.
func (s *Set) Explain() types.Plan {
	steps := append([]types.Step(nil), s.steps...)
	if s.hasSort {
		steps = append(steps, types.Sort(s.sortField, s.sortAsc))
	}
	if s.skipN > 0 {
		steps = append(steps, types.Skip(s.skipN))
	}
	if s.selectFields != nil {
		steps = append(steps, types.Select(s.selectFields))
	}
	return types.Plan{Steps: steps}
}

// ToJSON renders the pipeline in the wire format for round-tripping.
func (s *Set) ToJSON() map[string]any {
	plan := s.Explain()
	steps := make([]map[string]any, 0, len(plan.Steps))
	for _, st := range plan.Steps {
		steps = append(steps, st.ToJSON())
	}
	return map[string]any{"pipeline": steps}
}

// Terminals.

// Collect executes the pipeline and resolves hits with payloads, applying
// Sort, Skip, and Select in that order.
func (s *Set) Collect() (types.Outcome[[]types.Hit], error) {
	bm, trace, err := s.execute()
	if err != nil {
		return types.Outcome[[]types.Hit]{}, err
	}
	hits := s.e.resolveHits(bm, true)

	if s.hasSort {
		sortHits(hits, s.sortField, s.sortAsc)
	}
	if s.skipN > 0 {
		if s.skipN >= len(hits) {
			hits = hits[:0]
		} else {
			hits = hits[s.skipN:]
		}
	}
	if s.selectFields != nil {
		for i := range hits {
			hits[i].Payload = projectFields(hits[i].Payload, s.selectFields)
		}
	}
	return types.Outcome[[]types.Hit]{Data: hits, Trace: trace}, nil
}

// Count executes and returns the candidate cardinality.
func (s *Set) Count() (types.Outcome[int], error) {
	bm, trace, err := s.execute()
	if err != nil {
		return types.Outcome[int]{}, err
	}
	return types.Outcome[int]{Data: int(bm.GetCardinality()), Trace: trace}, nil
}

// First resolves the lowest-index candidate, or nil.
func (s *Set) First() (types.Outcome[*types.Hit], error) {
	bm, trace, err := s.execute()
	if err != nil {
		return types.Outcome[*types.Hit]{}, err
	}
	out := types.Outcome[*types.Hit]{Trace: trace}
	it := bm.Iterator()
	for it.HasNext() {
		if hit, ok := s.e.resolveSingleHit(it.Next(), true); ok {
			out.Data = &hit
			break
		}
	}
	return out, nil
}

// Exists reports whether any candidate survived.
func (s *Set) Exists() (types.Outcome[bool], error) {
	bm, trace, err := s.execute()
	if err != nil {
		return types.Outcome[bool]{}, err
	}
	return types.Outcome[bool]{Data: !bm.IsEmpty(), Trace: trace}, nil
}

// Avg averages a numeric field over the candidates.
func (s *Set) Avg(field string) (types.Outcome[float64], error) {
	bm, trace, err := s.execute()
	if err != nil {
		return types.Outcome[float64]{}, err
	}
	return types.Outcome[float64]{Data: s.e.aggregateField(bm, field, types.AggAvg), Trace: trace}, nil
}

// Sum sums a numeric field over the candidates.
func (s *Set) Sum(field string) (types.Outcome[float64], error) {
	bm, trace, err := s.execute()
	if err != nil {
		return types.Outcome[float64]{}, err
	}
	return types.Outcome[float64]{Data: s.e.aggregateField(bm, field, types.AggSum), Trace: trace}, nil
}

// EdgeCollect returns the live outgoing edges of every candidate with
// decoded metadata.
func (s *Set) EdgeCollect() (types.Outcome[[]types.EdgeHit], error) {
	bm, trace, err := s.execute()
	if err != nil {
		return types.Outcome[[]types.EdgeHit]{}, err
	}

	var hits []types.EdgeHit
	it := bm.Iterator()
	for it.HasNext() {
		fromIdx := it.Next()
		fromSlot := s.e.readNode(uint64(fromIdx))
		if !fromSlot.Active() {
			continue
		}
		s.e.adjMu.RLock()
		edgeIndices := append([]uint32(nil), s.e.adjFwd[fromIdx]...)
		s.e.adjMu.RUnlock()

		for _, eIdx := range edgeIndices {
			edge := s.e.readEdge(uint64(eIdx))
			if !edge.Active() {
				continue
			}
			toSlot := s.e.readNode(uint64(edge.ToNode))
			hits = append(hits, types.EdgeHit{
				FromIdx:      fromIdx,
				ToIdx:        edge.ToNode,
				FromSlugHash: fromSlot.SlugHash,
				ToSlugHash:   toSlot.SlugHash,
				EdgeTypeHash: edge.EdgeTypeHash,
				Weight:       edge.Weight,
				Timestamp:    edge.Timestamp,
				Meta:         s.e.decodeEdgeMeta(edge),
			})
		}
	}
	return types.Outcome[[]types.EdgeHit]{Data: hits, Trace: trace}, nil
}

func (e *Engine) decodeEdgeMeta(edge types.EdgeSlot) string {
	switch edge.MetaKind {
	case types.EdgeMetaInline:
		if edge.MetaLen == 0 {
			return ""
		}
		return string(edge.Meta[:edge.MetaLen])
	case types.EdgeMetaBlob:
		off, n := edge.BlobRef()
		if n == 0 {
			return ""
		}
		return string(e.blobs.Read(off, n))
	default:
		return ""
	}
}

// execute runs the step list and returns the final candidate bitmap with
// the per-step trace.
func (s *Set) execute() (*roaring.Bitmap, types.Trace, error) {
	queryTimer := metrics.NewTimer(metrics.QueryDuration)
	defer queryTimer.ObserveDuration()

	trace := types.Trace{}
	totalStart := time.Now()
	var candidates *roaring.Bitmap
	pendingHops := 0

	for _, step := range s.steps {
		stepStart := time.Now()
		inputSize := 0
		if candidates != nil {
			inputSize = int(candidates.GetCardinality())
		}
		indexUsed := "scan"

		switch step.Op {
		case types.OpOne:
			bm := roaring.New()
			s.e.slugMu.RLock()
			if idx, ok := s.e.slugIndex.Get(step.Hash); ok {
				bm.Add(idx)
			}
			s.e.slugMu.RUnlock()
			candidates = bm
			indexUsed = "slug_index"

		case types.OpMany:
			bm := roaring.New()
			s.e.slugMu.RLock()
			for _, h := range step.Hashes {
				if idx, ok := s.e.slugIndex.Get(h); ok {
					bm.Add(idx)
				}
			}
			s.e.slugMu.RUnlock()
			candidates = bm
			indexUsed = "slug_index"

		case types.OpCollection:
			bm := s.e.bitmaps.Snapshot(step.Hash)
			if candidates != nil {
				candidates.And(bm)
			} else {
				candidates = bm
			}
			indexUsed = "collection_bitmap"

		case types.OpAll:
			bm := roaring.New()
			count := s.e.nodes.WriteHead()
			buf := make([]byte, types.NodeSlotSize)
			for i := uint64(0); i < count; i++ {
				slot := types.DecodeNodeSlot(s.e.nodes.ReadAt(i, buf))
				if slot.Active() {
					bm.Add(uint32(i))
				}
			}
			candidates = bm

		case types.OpForward:
			hops := takeHops(&pendingHops)
			candidates = s.e.bfs(candidates, step.Hash, hops, false, false)
			indexUsed = "adj_fwd"

		case types.OpBackward:
			hops := takeHops(&pendingHops)
			candidates = s.e.bfs(candidates, step.Hash, hops, true, false)
			indexUsed = "adj_rev"

		case types.OpForwardParallel:
			hops := takeHops(&pendingHops)
			candidates = s.e.bfs(candidates, step.Hash, hops, false, true)
			indexUsed = "adj_fwd_parallel"

		case types.OpBackwardParallel:
			hops := takeHops(&pendingHops)
			candidates = s.e.bfs(candidates, step.Hash, hops, true, true)
			indexUsed = "adj_rev_parallel"

		case types.OpHops:
			pendingHops = step.N
			continue

		case types.OpLeaves:
			candidates = s.e.filterDegree(candidates, false)
			indexUsed = "adj_fwd"

		case types.OpRoots:
			candidates = s.e.filterDegree(candidates, true)
			indexUsed = "adj_rev"

		case types.OpNear:
			candidates, indexUsed = s.e.stepNear(candidates, step)

		case types.OpSimilar:
			bm := roaring.New()
			s.e.hnswMu.RLock()
			ix := s.e.hnsw
			if ix != nil {
				for _, res := range ix.Search(step.Vector, step.K, similarDefaultEF) {
					bm.Add(res.ID)
				}
			}
			s.e.hnswMu.RUnlock()
			metrics.HNSWSearches.Inc()
			if candidates != nil {
				candidates.And(bm)
			} else {
				candidates = bm
			}
			indexUsed = "hnsw"

		case types.OpMatching:
			s.e.ftMu.RLock()
			ft := s.e.fulltext
			s.e.ftMu.RUnlock()
			if ft != nil {
				scored, err := ft.Search(step.Text, matchingLimit)
				if err != nil {
					return nil, trace, fmt.Errorf("fulltext search: %w", err)
				}
				bm := roaring.New()
				s.e.slugMu.RLock()
				for _, hit := range scored {
					if idx, ok := s.e.slugIndex.Get(hit.ID); ok {
						bm.Add(idx)
					}
				}
				s.e.slugMu.RUnlock()
				if candidates != nil {
					candidates.And(bm)
				} else {
					candidates = bm
				}
				indexUsed = "fulltext"
			} else {
				indexUsed = "noop"
			}

		case types.OpWhereEq:
			candidates, indexUsed = s.e.stepWhereEq(candidates, step)

		case types.OpWhereIn:
			candidates, indexUsed = s.e.stepWhereIn(candidates, step)

		case types.OpWhereBetween:
			candidates, indexUsed = s.e.stepWhereRange(candidates, step.Field, step.Lo, step.Hi)

		case types.OpWhereGt:
			candidates, indexUsed = s.e.stepWhereRange(candidates, step.Field,
				math.Nextafter(step.Lo, math.Inf(1)), math.Inf(1))

		case types.OpWhereGte:
			candidates, indexUsed = s.e.stepWhereRange(candidates, step.Field, step.Lo, math.Inf(1))

		case types.OpWhereLt:
			candidates, indexUsed = s.e.stepWhereRange(candidates, step.Field,
				math.Inf(-1), math.Nextafter(step.Lo, math.Inf(-1)))

		case types.OpWhereLte:
			candidates, indexUsed = s.e.stepWhereRange(candidates, step.Field, math.Inf(-1), step.Lo)

		case types.OpIntersect, types.OpUnion, types.OpSubtract:
			sub := s.e.FromSteps(step.Sub)
			subBM, _, err := sub.execute()
			if err != nil {
				return nil, trace, err
			}
			switch step.Op {
			case types.OpIntersect:
				if candidates != nil {
					candidates.And(subBM)
				} else {
					candidates = subBM
				}
				indexUsed = "intersect"
			case types.OpUnion:
				if candidates != nil {
					candidates.Or(subBM)
				} else {
					candidates = subBM
				}
				indexUsed = "union"
			case types.OpSubtract:
				if candidates != nil {
					candidates.AndNot(subBM)
				}
				indexUsed = "subtract"
			}

		case types.OpTake:
			if candidates != nil {
				limited := roaring.New()
				it := candidates.Iterator()
				for i := 0; i < step.N && it.HasNext(); i++ {
					limited.Add(it.Next())
				}
				candidates = limited
			}
			indexUsed = "limit"

		case types.OpSort, types.OpSkip, types.OpSelect:
			// Extracted by FromSteps; inert if reached directly.
			indexUsed = "noop"

		default:
			return nil, trace, fmt.Errorf("%w: unknown step op %d", ErrInvalidArgument, step.Op)
		}

		outputSize := 0
		if candidates != nil {
			outputSize = int(candidates.GetCardinality())
		}
		metrics.QuerySteps.WithLabelValues(indexUsed).Inc()
		trace.Steps = append(trace.Steps, types.StepReport{
			Atom:       step.Op.String(),
			InputSize:  inputSize,
			OutputSize: outputSize,
			IndexUsed:  indexUsed,
			TimeUS:     uint64(time.Since(stepStart).Microseconds()),
		})
	}

	trace.TotalUS = uint64(time.Since(totalStart).Microseconds())
	if candidates == nil {
		candidates = roaring.New()
	}
	return candidates, trace, nil
}

func takeHops(pending *int) int {
	if *pending > 0 {
		h := *pending
		*pending = 0
		return h
	}
	return 1
}
