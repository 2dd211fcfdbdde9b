package fieldindex

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// HashIndex is an equality index over one payload field: a 64-bit hash of
// the field value maps to the node indices carrying it. A reverse map
// supports removal without knowing the old value.
type HashIndex struct {
	name string

	mu      sync.RWMutex
	index   map[uint64][]uint32
	reverse map[uint32]uint64
}

// NewHashIndex creates an empty index for the named field.
func NewHashIndex(name string) *HashIndex {
	return &HashIndex{
		name:    name,
		index:   make(map[uint64][]uint32),
		reverse: make(map[uint32]uint64),
	}
}

// HashValue hashes a decoded JSON value to a 64-bit key. Values of
// different JSON types never collide because of the type prefix.
func HashValue(v any) uint64 {
	var d xxhash.Digest
	switch x := v.(type) {
	case string:
		d.WriteString("s:")
		d.WriteString(x)
	case float64:
		d.WriteString("n:")
		d.WriteString(formatNumber(x))
	case json.Number:
		d.WriteString("n:")
		d.WriteString(x.String())
	case bool:
		if x {
			d.WriteString("b:1")
		} else {
			d.WriteString("b:0")
		}
	case nil:
		d.WriteString("z:")
	default:
		raw, _ := json.Marshal(x)
		d.WriteString("j:")
		d.Write(raw)
	}
	return d.Sum64()
}

func formatNumber(f float64) string {
	// Integral floats hash like their integer spelling so that 10 and
	// 10.0 from different JSON sources land in the same bucket.
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}

// Name returns the indexed field name.
func (h *HashIndex) Name() string { return h.name }

// Insert records idx under value, replacing any previous value for idx.
func (h *HashIndex) Insert(idx uint32, value any) {
	h.Remove(idx)
	key := HashValue(value)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.index[key] = append(h.index[key], idx)
	h.reverse[idx] = key
}

// Remove drops idx from the index.
func (h *HashIndex) Remove(idx uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key, ok := h.reverse[idx]
	if !ok {
		return
	}
	delete(h.reverse, idx)
	nodes := h.index[key]
	for i, n := range nodes {
		if n == idx {
			nodes[i] = nodes[len(nodes)-1]
			nodes = nodes[:len(nodes)-1]
			break
		}
	}
	if len(nodes) == 0 {
		delete(h.index, key)
	} else {
		h.index[key] = nodes
	}
}

// LookupEq returns the node indices whose field equals value.
func (h *HashIndex) LookupEq(value any) []uint32 {
	key := HashValue(value)
	h.mu.RLock()
	defer h.mu.RUnlock()
	nodes := h.index[key]
	out := make([]uint32, len(nodes))
	copy(out, nodes)
	return out
}

// Count returns the number of indexed nodes.
func (h *HashIndex) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.reverse)
}
