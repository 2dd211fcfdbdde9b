package engine

import (
	"encoding/json"
	"fmt"
	"hash/crc32"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/tesseradb/tessera/pkg/types"
)

// Get returns a copy of the node's payload bytes, or ErrNotFound.
func (e *Engine) Get(slug string) ([]byte, error) {
	_, slugHash := ParseEntityID(slug)
	e.slugMu.RLock()
	idx, ok := e.slugIndex.Get(slugHash)
	e.slugMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, slug)
	}
	slot := e.readNode(uint64(idx))
	if !slot.Active() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, slug)
	}
	blob := e.blobs.Read(slot.BlobOffset, slot.BlobLen)
	out := make([]byte, len(blob))
	copy(out, blob)
	return out, nil
}

// VerifyCRC reports whether the node's blob bytes still match the
// checksum written with the slot. Detection only; no repair.
func (e *Engine) VerifyCRC(idx uint32) error {
	slot := e.readNode(uint64(idx))
	if !slot.Active() {
		return fmt.Errorf("%w: node %d", ErrNotFound, idx)
	}
	blob := e.blobs.Read(slot.BlobOffset, slot.BlobLen)
	if crc32.ChecksumIEEE(blob) != slot.CRC32 {
		return fmt.Errorf("%w: node %d blob checksum mismatch", ErrIntegrity, idx)
	}
	return nil
}

func (e *Engine) readNode(idx uint64) types.NodeSlot {
	buf := make([]byte, types.NodeSlotSize)
	return types.DecodeNodeSlot(e.nodes.ReadAt(idx, buf))
}

func (e *Engine) readEdge(idx uint64) types.EdgeSlot {
	buf := make([]byte, types.EdgeSlotSize)
	return types.DecodeEdgeSlot(e.edges.ReadAt(idx, buf))
}

func (e *Engine) decodePayload(slot types.NodeSlot) (map[string]any, error) {
	blob := e.blobs.Read(slot.BlobOffset, slot.BlobLen)
	var doc map[string]any
	if err := json.Unmarshal(blob, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// resolveHits materialises a candidate bitmap into Hits, skipping
// tombstones so deleted nodes never surface.
func (e *Engine) resolveHits(bm *roaring.Bitmap, withPayload bool) []types.Hit {
	hits := make([]types.Hit, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		idx := it.Next()
		if hit, ok := e.resolveSingleHit(idx, withPayload); ok {
			hits = append(hits, hit)
		}
	}
	return hits
}

func (e *Engine) resolveSingleHit(idx uint32, withPayload bool) (types.Hit, bool) {
	slot := e.readNode(uint64(idx))
	if !slot.Active() {
		return types.Hit{}, false
	}
	hit := types.Hit{
		Idx:            idx,
		SlugHash:       slot.SlugHash,
		CollectionHash: slot.CollectionHash,
		Lat:            slot.Lat,
		Lon:            slot.Lon,
	}
	if withPayload {
		blob := e.blobs.Read(slot.BlobOffset, slot.BlobLen)
		hit.Payload = make([]byte, len(blob))
		copy(hit.Payload, blob)
	}
	return hit, true
}

// SlugFromIdx recovers the original slug from the stored payload's _id.
func (e *Engine) SlugFromIdx(idx uint32) (string, bool) {
	slot := e.readNode(uint64(idx))
	if !slot.Active() {
		return "", false
	}
	doc, err := e.decodePayload(slot)
	if err != nil {
		return "", false
	}
	id, ok := doc["_id"].(string)
	return id, ok && id != ""
}

// aggregateField sums the numeric values of field across the bitmap.
// Missing and non-numeric values are skipped.
func (e *Engine) aggregateField(bm *roaring.Bitmap, field string, op types.AggOp) float64 {
	var sum float64
	var count int
	it := bm.Iterator()
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
		if num, ok := doc[field].(float64); ok && num == num { // skip NaN
			sum += num
			count++
		}
	}
	if op == types.AggAvg {
		if count == 0 {
			return 0
		}
		return sum / float64(count)
	}
	return sum
}
