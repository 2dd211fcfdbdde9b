package engine

import (
	"encoding/json"
	"math"
	"sort"

	"github.com/tesseradb/tessera/pkg/types"
)

// sortKey is a mixed-type ordering key: numbers before strings, nulls
// last, numeric comparison via total order so NaN sorts deterministically.
type sortKey struct {
	kind int // 0 = number, 1 = string, 2 = null
	num  float64
	str  string
}

func (k sortKey) less(o sortKey) int {
	if k.kind != o.kind {
		return k.kind - o.kind
	}
	switch k.kind {
	case 0:
		a, b := k.num, o.num
		aN, bN := math.IsNaN(a), math.IsNaN(b)
		switch {
		case aN && bN:
			return 0
		case aN:
			return 1 // NaN sorts after every number
		case bN:
			return -1
		case a < b:
			return -1
		case a > b:
			return 1
		default:
			return 0
		}
	case 1:
		switch {
		case k.str < o.str:
			return -1
		case k.str > o.str:
			return 1
		default:
			return 0
		}
	default:
		return 0
	}
}

func extractSortKey(hit *types.Hit, field string) sortKey {
	if hit.Payload == nil {
		return sortKey{kind: 2}
	}
	var doc map[string]any
	if err := json.Unmarshal(hit.Payload, &doc); err != nil {
		return sortKey{kind: 2}
	}
	switch v := doc[field].(type) {
	case float64:
		return sortKey{kind: 0, num: v}
	case string:
		return sortKey{kind: 1, str: v}
	default:
		return sortKey{kind: 2}
	}
}

func sortHits(hits []types.Hit, field string, ascending bool) {
	keys := make([]sortKey, len(hits))
	for i := range hits {
		keys[i] = extractSortKey(&hits[i], field)
	}
	idx := make([]int, len(hits))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		c := keys[idx[a]].less(keys[idx[b]])
		if ascending {
			return c < 0
		}
		// Nulls stay last regardless of direction.
		if keys[idx[a]].kind == 2 || keys[idx[b]].kind == 2 {
			return c < 0
		}
		return c > 0
	})
	sorted := make([]types.Hit, len(hits))
	for i, j := range idx {
		sorted[i] = hits[j]
	}
	copy(hits, sorted)
}

// projectFields keeps only the named fields of an object payload.
// Non-object payloads pass through unchanged.
func projectFields(payload []byte, fields []string) []byte {
	if payload == nil {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return payload
	}
	projected := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := doc[f]; ok {
			projected[f] = v
		}
	}
	out, err := json.Marshal(projected)
	if err != nil {
		return payload
	}
	return out
}
