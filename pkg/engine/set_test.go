package engine

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tesseradb/tessera/pkg/fulltext"
	"github.com/tesseradb/tessera/pkg/types"
)

func writeChain(t *testing.T, e *Engine, slugs []string, edgeType string) {
	t.Helper()
	for _, s := range slugs {
		_, err := e.Write(s, []byte(`{}`))
		require.NoError(t, err)
	}
	for i := 0; i+1 < len(slugs); i++ {
		require.NoError(t, e.Link(slugs[i], slugs[i+1], edgeType, 1))
	}
}

func TestGraphTraversalHops(t *testing.T) {
	e := openTest(t)
	writeChain(t, e, []string{"t/a", "t/b", "t/c", "t/d"}, "next")

	out, err := e.One("t/a").Forward("next").Hops(3).Count()
	require.NoError(t, err)
	assert.Equal(t, 4, out.Data)

	back, err := e.One("t/d").Backward("next").Hops(3).Count()
	require.NoError(t, err)
	assert.Equal(t, 4, back.Data)

	// Default hop count is one.
	one, err := e.One("t/a").Forward("next").Count()
	require.NoError(t, err)
	assert.Equal(t, 2, one.Data)
}

func TestParallelTraversalMatchesSequential(t *testing.T) {
	e := openTest(t)

	// A two-level fan-out where several parents reach the same child.
	_, err := e.Write("f/root", []byte(`{}`))
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		_, err := e.Write(fmt.Sprintf("f/mid%d", i), []byte(`{}`))
		require.NoError(t, err)
		require.NoError(t, e.Link("f/root", fmt.Sprintf("f/mid%d", i), "x", 1))
	}
	_, err = e.Write("f/shared", []byte(`{}`))
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		require.NoError(t, e.Link(fmt.Sprintf("f/mid%d", i), "f/shared", "x", 1))
	}

	seq, err := e.One("f/root").Forward("x").Hops(2).Count()
	require.NoError(t, err)
	par, err := e.One("f/root").ForwardParallel("x").Hops(2).Count()
	require.NoError(t, err)
	assert.Equal(t, seq.Data, par.Data)
	assert.Equal(t, 22, par.Data) // root + 20 mids + shared
}

func TestLeavesAndRoots(t *testing.T) {
	e := openTest(t)
	writeChain(t, e, []string{"lr/a", "lr/b", "lr/c"}, "next")

	leaves, err := e.Collection("lr").Leaves().Collect()
	require.NoError(t, err)
	require.Len(t, leaves.Data, 1)

	roots, err := e.Collection("lr").Roots().Collect()
	require.NoError(t, err)
	require.Len(t, roots.Data, 1)

	rootSlug, _ := e.SlugFromIdx(roots.Data[0].Idx)
	leafSlug, _ := e.SlugFromIdx(leaves.Data[0].Idx)
	assert.Equal(t, "lr/a", rootSlug)
	assert.Equal(t, "lr/c", leafSlug)
}

func TestHashIndexDispatch(t *testing.T) {
	e := openTest(t)
	require.NoError(t, e.DefineCollection("emp", types.CollectionSchema{
		HashIndexFields: []string{"status"},
	}))

	for i := 0; i < 20; i++ {
		status := "active"
		if i%2 == 1 {
			status = "inactive"
		}
		_, err := e.Write(fmt.Sprintf("emp/e%d", i), []byte(fmt.Sprintf(`{"status":%q}`, status)))
		require.NoError(t, err)
	}

	out, err := e.All().WhereEq("status", "active").Count()
	require.NoError(t, err)
	assert.Equal(t, 10, out.Data)

	tr, err := e.All().WhereEq("status", "active").Collect()
	require.NoError(t, err)
	found := false
	for _, s := range tr.Trace.Steps {
		if s.Atom == "where_eq" {
			assert.Equal(t, "hash_index", s.IndexUsed)
			found = true
		}
	}
	assert.True(t, found)
}

func TestRangeIndexDispatch(t *testing.T) {
	e := openTest(t)
	require.NoError(t, e.DefineCollection("products", types.CollectionSchema{
		RangeIndexFields: []string{"price"},
	}))

	for p := 100; p <= 1000; p += 100 {
		_, err := e.Write(fmt.Sprintf("products/p%d", p), []byte(fmt.Sprintf(`{"price":%d}`, p)))
		require.NoError(t, err)
	}

	out, err := e.All().WhereBetween("price", 300, 700).Count()
	require.NoError(t, err)
	assert.Equal(t, 5, out.Data)

	tr, err := e.All().WhereBetween("price", 300, 700).Collect()
	require.NoError(t, err)
	for _, s := range tr.Trace.Steps {
		if s.Atom == "where_between" {
			assert.Equal(t, "range_index", s.IndexUsed)
		}
	}

	gt, err := e.All().WhereGt("price", 700).Count()
	require.NoError(t, err)
	assert.Equal(t, 3, gt.Data)
	gte, err := e.All().WhereGte("price", 700).Count()
	require.NoError(t, err)
	assert.Equal(t, 4, gte.Data)
	lt, err := e.All().WhereLt("price", 300).Count()
	require.NoError(t, err)
	assert.Equal(t, 2, lt.Data)
	lte, err := e.All().WhereLte("price", 300).Count()
	require.NoError(t, err)
	assert.Equal(t, 3, lte.Data)
}

func TestPayloadScanFallback(t *testing.T) {
	e := openTest(t)

	for i := 0; i < 10; i++ {
		_, err := e.Write(fmt.Sprintf("pf/n%d", i), []byte(fmt.Sprintf(`{"tier":%d}`, i%3)))
		require.NoError(t, err)
	}

	out, err := e.All().WhereEq("tier", float64(1)).Collect()
	require.NoError(t, err)
	assert.Len(t, out.Data, 3)
	for _, s := range out.Trace.Steps {
		if s.Atom == "where_eq" {
			assert.Equal(t, "payload", s.IndexUsed)
		}
	}

	in, err := e.All().WhereIn("tier", []any{float64(0), float64(2)}).Count()
	require.NoError(t, err)
	assert.Equal(t, 7, in.Data)
}

func TestNearSpatial(t *testing.T) {
	e := openTest(t)

	coords := [][2]float64{
		{-6.2088, 106.8456},
		{-6.2200, 106.8500},
		{-6.1900, 106.8300},
		{-6.2300, 106.8700},
	}
	for i, c := range coords {
		payload := fmt.Sprintf(`{"coordinates":{"lat":%f,"lon":%f}}`, c[0], c[1])
		_, err := e.Write(fmt.Sprintf("geo/n%d", i), []byte(payload))
		require.NoError(t, err)
	}
	_, err := e.Write("geo/far", []byte(`{"coordinates":{"lat":-6.5950,"lon":106.7892}}`))
	require.NoError(t, err)

	out, err := e.All().Near(-6.2088, 106.8456, 10.0).Count()
	require.NoError(t, err)
	assert.Equal(t, 4, out.Data)

	// Small candidate set takes the brute-force path.
	tr, err := e.Collection("geo").Near(-6.2088, 106.8456, 10.0).Collect()
	require.NoError(t, err)
	assert.Len(t, tr.Data, 4)
	for _, s := range tr.Trace.Steps {
		if s.Atom == "near" {
			assert.Equal(t, "filter", s.IndexUsed)
		}
	}
}

func TestSimilarHNSW(t *testing.T) {
	e := openTest(t)
	require.NoError(t, e.InitHNSW(16))

	rng := rand.New(rand.NewPCG(1, 2))
	vectors := make([][]float32, 200)
	for i := range vectors {
		vec := make([]float32, types.VectorDim)
		for j := range vec {
			vec[j] = float32(rng.NormFloat64())
		}
		vectors[i] = vec

		arr, _ := json.Marshal(vec)
		payload := fmt.Sprintf(`{"vectors":{"dense":%s}}`, arr)
		_, err := e.Write(fmt.Sprintf("vec/n%d", i), []byte(payload))
		require.NoError(t, err)
	}

	for i := 0; i < 200; i += 37 {
		out, err := e.All().Similar(vectors[i], 10).Collect()
		require.NoError(t, err)
		require.NotEmpty(t, out.Data)
		slug, _ := e.SlugFromIdx(out.Data[0].Idx)
		assert.Equal(t, fmt.Sprintf("vec/n%d", i), slug)
	}
}

func TestHNSWBuildAfterReopen(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()

	e, err := Open(dir, opts)
	require.NoError(t, err)
	require.NoError(t, e.InitHNSW(16))
	rng := rand.New(rand.NewPCG(7, 8))
	queries := make([][]float32, 50)
	for i := range queries {
		vec := make([]float32, types.VectorDim)
		for j := range vec {
			vec[j] = float32(rng.NormFloat64())
		}
		queries[i] = vec
		arr, _ := json.Marshal(vec)
		_, err := e.Write(fmt.Sprintf("rv/n%d", i), []byte(fmt.Sprintf(`{"vectors":{"dense":%s}}`, arr)))
		require.NoError(t, err)
	}
	require.NoError(t, e.Flush())
	require.NoError(t, e.Close())

	e2, err := Open(dir, opts)
	require.NoError(t, err)
	defer e2.Close()
	require.NoError(t, e2.InitHNSW(16))
	require.NoError(t, e2.BuildHNSW(32))

	out, err := e2.All().Similar(queries[11], 5).Collect()
	require.NoError(t, err)
	require.NotEmpty(t, out.Data)
	slug, _ := e2.SlugFromIdx(out.Data[0].Idx)
	assert.Equal(t, "rv/n11", slug)
}

func TestMatchingFulltext(t *testing.T) {
	e := openTest(t)
	e.SetFulltext(fulltext.NewMemory())

	_, err := e.Write("doc/go", []byte(`{"title":"Go databases","content":"embedded engines"}`))
	require.NoError(t, err)
	_, err = e.Write("doc/food", []byte(`{"title":"Cooking","content":"pasta recipes"}`))
	require.NoError(t, err)

	out, err := e.All().Matching("databases").Collect()
	require.NoError(t, err)
	require.Len(t, out.Data, 1)
	slug, _ := e.SlugFromIdx(out.Data[0].Idx)
	assert.Equal(t, "doc/go", slug)
	for _, s := range out.Trace.Steps {
		if s.Atom == "matching" {
			assert.Equal(t, "fulltext", s.IndexUsed)
		}
	}
}

func TestSetAlgebraLaws(t *testing.T) {
	e := openTest(t)

	for i := 0; i < 10; i++ {
		coll := "sa"
		if i >= 5 {
			coll = "sb"
		}
		_, err := e.Write(fmt.Sprintf("%s/n%d", coll, i), []byte(`{}`))
		require.NoError(t, err)
	}

	union1, err := e.Collection("sa").Union(e.Collection("sb")).Count()
	require.NoError(t, err)
	union2, err := e.Collection("sb").Union(e.Collection("sa")).Count()
	require.NoError(t, err)
	assert.Equal(t, union1.Data, union2.Data)
	assert.Equal(t, 10, union1.Data)

	inter, err := e.Collection("sa").Intersect(e.Collection("sb")).Count()
	require.NoError(t, err)
	assert.Equal(t, 0, inter.Data)

	// (A - B) ∩ B = ∅
	diffInter, err := e.Collection("sa").Subtract(e.Collection("sb")).Intersect(e.Collection("sb")).Count()
	require.NoError(t, err)
	assert.Equal(t, 0, diffInter.Data)

	diff, err := e.Collection("sa").Subtract(e.Collection("sb")).Count()
	require.NoError(t, err)
	assert.Equal(t, 5, diff.Data)
}

func TestMonotoneComposition(t *testing.T) {
	e := openTest(t)

	for i := 0; i < 20; i++ {
		_, err := e.Write(fmt.Sprintf("mc/n%d", i), []byte(fmt.Sprintf(`{"v":%d}`, i)))
		require.NoError(t, err)
	}

	base, err := e.Collection("mc").Collect()
	require.NoError(t, err)
	filtered, err := e.Collection("mc").WhereGte("v", 10).Collect()
	require.NoError(t, err)

	baseIdx := map[uint32]bool{}
	for _, h := range base.Data {
		baseIdx[h.Idx] = true
	}
	for _, h := range filtered.Data {
		assert.True(t, baseIdx[h.Idx], "filter produced an index outside the base set")
	}
	assert.Len(t, filtered.Data, 10)
}

func TestTakeActsOnBitmapBeforeSort(t *testing.T) {
	e := openTest(t)

	// Descending payload values against ascending arena order: Take must
	// truncate in roaring (arena) order, then Sort operates on the kept.
	for i := 0; i < 10; i++ {
		_, err := e.Write(fmt.Sprintf("tk/n%d", i), []byte(fmt.Sprintf(`{"v":%d}`, 100-i)))
		require.NoError(t, err)
	}

	out, err := e.Collection("tk").Take(3).Sort("v", true).Collect()
	require.NoError(t, err)
	require.Len(t, out.Data, 3)

	// First three arena slots hold v = 100, 99, 98; sorted ascending.
	vals := make([]float64, 0, 3)
	for _, h := range out.Data {
		var doc map[string]any
		require.NoError(t, json.Unmarshal(h.Payload, &doc))
		vals = append(vals, doc["v"].(float64))
	}
	assert.Equal(t, []float64{98, 99, 100}, vals)
}

func TestSortSkipSelect(t *testing.T) {
	e := openTest(t)

	for i := 0; i < 5; i++ {
		payload := fmt.Sprintf(`{"rank":%d,"name":"node%d","extra":true}`, 5-i, i)
		_, err := e.Write(fmt.Sprintf("ss/n%d", i), []byte(payload))
		require.NoError(t, err)
	}

	out, err := e.Collection("ss").Sort("rank", true).Skip(1).Select("rank", "name").Collect()
	require.NoError(t, err)
	require.Len(t, out.Data, 4)

	prev := -1.0
	for _, h := range out.Data {
		var doc map[string]any
		require.NoError(t, json.Unmarshal(h.Payload, &doc))
		rank := doc["rank"].(float64)
		assert.Greater(t, rank, prev)
		prev = rank
		_, hasExtra := doc["extra"]
		assert.False(t, hasExtra, "select must project away unnamed fields")
		assert.Contains(t, doc, "name")
	}
	// Skip dropped the lowest rank.
	var first map[string]any
	require.NoError(t, json.Unmarshal(out.Data[0].Payload, &first))
	assert.Equal(t, float64(2), first["rank"])
}

func TestSortNullsLast(t *testing.T) {
	e := openTest(t)

	_, err := e.Write("nl/a", []byte(`{"score":2}`))
	require.NoError(t, err)
	_, err = e.Write("nl/b", []byte(`{}`))
	require.NoError(t, err)
	_, err = e.Write("nl/c", []byte(`{"score":1}`))
	require.NoError(t, err)

	out, err := e.Collection("nl").Sort("score", false).Collect()
	require.NoError(t, err)
	require.Len(t, out.Data, 3)
	slugLast, _ := e.SlugFromIdx(out.Data[2].Idx)
	assert.Equal(t, "nl/b", slugLast)
}

func TestAggregations(t *testing.T) {
	e := openTest(t)

	for i := 1; i <= 4; i++ {
		_, err := e.Write(fmt.Sprintf("ag/n%d", i), []byte(fmt.Sprintf(`{"x":%d}`, i*10)))
		require.NoError(t, err)
	}
	_, err := e.Write("ag/none", []byte(`{"y":1}`)) // missing field skipped
	require.NoError(t, err)

	sum, err := e.Collection("ag").Sum("x")
	require.NoError(t, err)
	assert.Equal(t, float64(100), sum.Data)

	avg, err := e.Collection("ag").Avg("x")
	require.NoError(t, err)
	assert.Equal(t, float64(25), avg.Data)

	empty, err := e.Collection("nothing").Avg("x")
	require.NoError(t, err)
	assert.Equal(t, float64(0), empty.Data)
}

func TestFirstAndExists(t *testing.T) {
	e := openTest(t)

	ex, err := e.Collection("fe").Exists()
	require.NoError(t, err)
	assert.False(t, ex.Data)

	_, err = e.Write("fe/a", []byte(`{"v":1}`))
	require.NoError(t, err)

	ex, err = e.Collection("fe").Exists()
	require.NoError(t, err)
	assert.True(t, ex.Data)

	first, err := e.Collection("fe").First()
	require.NoError(t, err)
	require.NotNil(t, first.Data)
	assert.NotNil(t, first.Data.Payload)
}

func TestTraceShapes(t *testing.T) {
	e := openTest(t)
	_, err := e.Write("trc/a", []byte(`{"v":1}`))
	require.NoError(t, err)

	out, err := e.One("trc/a").Collect()
	require.NoError(t, err)
	require.Len(t, out.Trace.Steps, 1)
	s := out.Trace.Steps[0]
	assert.Equal(t, "one", s.Atom)
	assert.Equal(t, "slug_index", s.IndexUsed)
	assert.Equal(t, 0, s.InputSize)
	assert.Equal(t, 1, s.OutputSize)
}

func TestExplainAndToJSON(t *testing.T) {
	e := openTest(t)

	set := e.Collection("x").WhereGt("price", 10).Sort("price", true).Skip(2).Select("price").Take(5)
	plan := set.Explain()
	require.Len(t, plan.Steps, 6)
	assert.Equal(t, types.OpCollection, plan.Steps[0].Op)
	assert.Equal(t, types.OpWhereGt, plan.Steps[1].Op)
	assert.Equal(t, types.OpTake, plan.Steps[2].Op)
	assert.Equal(t, types.OpSort, plan.Steps[3].Op)

	wire := set.ToJSON()
	steps := wire["pipeline"].([]map[string]any)
	assert.Equal(t, "collection", steps[0]["op"])

	// Round-trip through FromSteps keeps semantics.
	rt := e.FromSteps(plan.Steps)
	assert.Equal(t, 2, rt.skipN)
	assert.True(t, rt.hasSort)
	assert.Equal(t, []string{"price"}, rt.selectFields)
}

func TestQueryFromLoweredSteps(t *testing.T) {
	e := openTest(t)
	for i := 0; i < 6; i++ {
		_, err := e.Write(fmt.Sprintf("q/n%d", i), []byte(fmt.Sprintf(`{"v":%d}`, i)))
		require.NoError(t, err)
	}

	steps := []types.Step{
		types.Collection(HashString("q")),
		types.WhereGte("v", 3),
		types.Take(2),
	}
	out, err := e.QueryCount(steps)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Data)
}
