package types

// StepOp discriminates pipeline steps.
type StepOp int

const (
	OpOne StepOp = iota
	OpMany
	OpCollection
	OpAll
	OpForward
	OpBackward
	OpForwardParallel
	OpBackwardParallel
	OpHops
	OpLeaves
	OpRoots
	OpNear
	OpSimilar
	OpMatching
	OpWhereEq
	OpWhereIn
	OpWhereBetween
	OpWhereGt
	OpWhereGte
	OpWhereLt
	OpWhereLte
	OpIntersect
	OpUnion
	OpSubtract
	OpSort
	OpSkip
	OpTake
	OpSelect
)

var stepNames = map[StepOp]string{
	OpOne:              "one",
	OpMany:             "many",
	OpCollection:       "collection",
	OpAll:              "all",
	OpForward:          "forward",
	OpBackward:         "backward",
	OpForwardParallel:  "forward_parallel",
	OpBackwardParallel: "backward_parallel",
	OpHops:             "hops",
	OpLeaves:           "leaves",
	OpRoots:            "roots",
	OpNear:             "near",
	OpSimilar:          "similar",
	OpMatching:         "matching",
	OpWhereEq:          "where_eq",
	OpWhereIn:          "where_in",
	OpWhereBetween:     "where_between",
	OpWhereGt:          "where_gt",
	OpWhereGte:         "where_gte",
	OpWhereLt:          "where_lt",
	OpWhereLte:         "where_lte",
	OpIntersect:        "intersect",
	OpUnion:            "union",
	OpSubtract:         "subtract",
	OpSort:             "sort",
	OpSkip:             "skip",
	OpTake:             "take",
	OpSelect:           "select",
}

func (op StepOp) String() string {
	if s, ok := stepNames[op]; ok {
		return s
	}
	return "unknown"
}

// Step is one lowered pipeline operator. The JSON surface syntax is parsed
// by an external layer; the engine consumes pre-lowered Step lists. Only
// the fields relevant to Op are populated.
type Step struct {
	Op StepOp

	Hash   uint64   // One, Collection, Forward*, Backward*
	Hashes []uint64 // Many

	Field  string // Where*, Sort
	Value  any    // WhereEq
	Values []any  // WhereIn
	Lo     float64
	Hi     float64

	Lat      float32 // Near
	Lon      float32
	RadiusKM float32

	Vector []float32 // Similar
	K      int

	Text string // Matching

	N int // Hops, Take, Skip

	Sub []Step // Intersect, Union, Subtract

	Asc    bool     // Sort
	Fields []string // Select
}

// Step constructors, mirroring the wire operations one-to-one.

func One(slugHash uint64) Step        { return Step{Op: OpOne, Hash: slugHash} }
func Many(slugHashes []uint64) Step   { return Step{Op: OpMany, Hashes: slugHashes} }
func Collection(hash uint64) Step     { return Step{Op: OpCollection, Hash: hash} }
func All() Step                       { return Step{Op: OpAll} }
func Forward(typeHash uint64) Step    { return Step{Op: OpForward, Hash: typeHash} }
func Backward(typeHash uint64) Step   { return Step{Op: OpBackward, Hash: typeHash} }
func ForwardParallel(h uint64) Step   { return Step{Op: OpForwardParallel, Hash: h} }
func BackwardParallel(h uint64) Step  { return Step{Op: OpBackwardParallel, Hash: h} }
func Hops(n int) Step                 { return Step{Op: OpHops, N: n} }
func Leaves() Step                    { return Step{Op: OpLeaves} }
func Roots() Step                     { return Step{Op: OpRoots} }
func Near(lat, lon, km float32) Step  { return Step{Op: OpNear, Lat: lat, Lon: lon, RadiusKM: km} }
func Similar(v []float32, k int) Step { return Step{Op: OpSimilar, Vector: v, K: k} }
func Matching(text string) Step       { return Step{Op: OpMatching, Text: text} }
func WhereEq(f string, v any) Step    { return Step{Op: OpWhereEq, Field: f, Value: v} }
func WhereIn(f string, vs []any) Step { return Step{Op: OpWhereIn, Field: f, Values: vs} }
func WhereBetween(f string, lo, hi float64) Step {
	return Step{Op: OpWhereBetween, Field: f, Lo: lo, Hi: hi}
}
func WhereGt(f string, v float64) Step  { return Step{Op: OpWhereGt, Field: f, Lo: v} }
func WhereGte(f string, v float64) Step { return Step{Op: OpWhereGte, Field: f, Lo: v} }
func WhereLt(f string, v float64) Step  { return Step{Op: OpWhereLt, Field: f, Lo: v} }
func WhereLte(f string, v float64) Step { return Step{Op: OpWhereLte, Field: f, Lo: v} }
func Intersect(sub []Step) Step         { return Step{Op: OpIntersect, Sub: sub} }
func Union(sub []Step) Step             { return Step{Op: OpUnion, Sub: sub} }
func Subtract(sub []Step) Step          { return Step{Op: OpSubtract, Sub: sub} }
func Sort(field string, asc bool) Step  { return Step{Op: OpSort, Field: field, Asc: asc} }
func Skip(n int) Step                   { return Step{Op: OpSkip, N: n} }
func Take(n int) Step                   { return Step{Op: OpTake, N: n} }
func Select(fields []string) Step       { return Step{Op: OpSelect, Fields: fields} }

// ToJSON renders the step in the wire format: {"op": "...", ...}.
func (s Step) ToJSON() map[string]any {
	obj := map[string]any{"op": s.Op.String()}
	switch s.Op {
	case OpOne, OpCollection, OpForward, OpBackward, OpForwardParallel, OpBackwardParallel:
		obj["hash"] = s.Hash
	case OpMany:
		obj["hashes"] = s.Hashes
	case OpHops, OpTake, OpSkip:
		obj["n"] = s.N
	case OpNear:
		obj["lat"] = s.Lat
		obj["lon"] = s.Lon
		obj["radius_km"] = s.RadiusKM
	case OpSimilar:
		obj["vector"] = s.Vector
		obj["k"] = s.K
	case OpMatching:
		obj["text"] = s.Text
	case OpWhereEq:
		obj["field"] = s.Field
		obj["value"] = s.Value
	case OpWhereIn:
		obj["field"] = s.Field
		obj["values"] = s.Values
	case OpWhereBetween:
		obj["field"] = s.Field
		obj["lo"] = s.Lo
		obj["hi"] = s.Hi
	case OpWhereGt, OpWhereGte, OpWhereLt, OpWhereLte:
		obj["field"] = s.Field
		obj["threshold"] = s.Lo
	case OpIntersect, OpUnion, OpSubtract:
		sub := make([]map[string]any, 0, len(s.Sub))
		for _, ss := range s.Sub {
			sub = append(sub, ss.ToJSON())
		}
		obj["pipeline"] = sub
	case OpSort:
		obj["field"] = s.Field
		obj["asc"] = s.Asc
	case OpSelect:
		obj["fields"] = s.Fields
	}
	return obj
}
