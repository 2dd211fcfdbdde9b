package engine

import (
	"encoding/json"
	"fmt"
	"hash/crc32"

	"github.com/tesseradb/tessera/pkg/hnsw"
	"github.com/tesseradb/tessera/pkg/metrics"
	"github.com/tesseradb/tessera/pkg/spatial"
	"github.com/tesseradb/tessera/pkg/types"
	"github.com/tesseradb/tessera/pkg/wal"
)

// Reserved payload keys the engine extracts into typed NodeSlot fields at
// write time. Everything else stays opaque until a filter step needs it.
//
//	_id, _collection, _key   identity
//	_from, _to, _type        edge documents
//	coordinates / geo.loc    spatial
//	vectors.dense            ANN
//	title, content/body      full-text

// Write stores payloadJSON under slug and returns the node's arena index.
func (e *Engine) Write(slug string, payloadJSON []byte) (uint32, error) {
	timer := metrics.NewTimer(metrics.WriteDuration)
	defer timer.ObserveDuration()

	var doc map[string]any
	if err := json.Unmarshal(payloadJSON, &doc); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	idx, err := e.writeParsed(slug, doc, true)
	if err != nil {
		return 0, err
	}
	metrics.NodesWritten.Inc()
	return idx, nil
}

// WriteDoc auto-detects the document shape: objects with _from/_to become
// edges, otherwise the slug comes from _id or _collection/_key.
func (e *Engine) WriteDoc(payloadJSON []byte) (uint32, error) {
	var doc map[string]any
	if err := json.Unmarshal(payloadJSON, &doc); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	if _, hasFrom := doc["_from"]; hasFrom {
		from, _ := doc["_from"].(string)
		to, _ := doc["_to"].(string)
		if from == "" || to == "" {
			return 0, fmt.Errorf("%w: edge document missing _from/_to", ErrInvalidArgument)
		}
		edgeType, _ := doc["_type"].(string)
		if edgeType == "" {
			edgeType = "related"
		}
		weight := float32(1.0)
		if w, ok := doc["weight"].(float64); ok {
			weight = float32(w)
		} else if props, ok := doc["props"].(map[string]any); ok {
			if w, ok := props["weight"].(float64); ok {
				weight = float32(w)
			}
		}
		if err := e.Link(from, to, edgeType, weight); err != nil {
			return 0, err
		}
		return 0, nil
	}

	slug := slugFromDoc(doc)
	idx, err := e.writeParsed(slug, doc, true)
	if err != nil {
		return 0, err
	}
	metrics.NodesWritten.Inc()
	return idx, nil
}

func slugFromDoc(doc map[string]any) string {
	if id, ok := doc["_id"].(string); ok && id != "" {
		return id
	}
	c, _ := doc["_collection"].(string)
	k, _ := doc["_key"].(string)
	if k == "" {
		k, _ = doc["slug"].(string)
	}
	if c != "" && k != "" {
		return c + "/" + k
	}
	return "nodes/untitled"
}

// writeParsed is the single-item write path: all fallible work (encode,
// blob append) happens before the first index mutation. inlineIndex
// selects per-item spatial/HNSW updates; the batch path defers those.
func (e *Engine) writeParsed(slug string, doc map[string]any, inlineIndex bool) (uint32, error) {
	collectionHash, slugHash := ParseEntityID(slug)
	lat, lon := extractCoords(doc)

	if _, ok := doc["_id"]; !ok {
		doc["_id"] = slug
	}
	finalRaw, err := json.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	// The batch path group-commits its own WAL entries.
	if inlineIndex && e.wal.Enabled() {
		if _, err := e.wal.Append(&wal.Entry{
			Op:             wal.OpPutNode,
			SlugHash:       slugHash,
			CollectionHash: collectionHash,
			Data:           finalRaw,
		}); err != nil {
			return 0, fmt.Errorf("wal append: %w", err)
		}
		metrics.WALAppends.Inc()
		metrics.WALBytes.Set(float64(e.wal.SizeBytes()))
	}

	bOff, bLen, err := e.blobs.Append(finalRaw)
	if err != nil {
		return 0, err
	}

	nIdx := e.nodes.Reserve()
	if err := e.ensureNodeCapacity(nIdx); err != nil {
		return 0, err
	}
	vecPresent := e.writeVectorIfPresent(nIdx, doc)

	slot := types.NodeSlot{
		CRC32:          crc32.ChecksumIEEE(finalRaw),
		SlugHash:       slugHash,
		CollectionHash: collectionHash,
		Flags:          1,
		Lat:            lat,
		Lon:            lon,
		BlobOffset:     bOff,
		BlobLen:        bLen,
		VecSlot:        types.NoVector,
	}
	if vecPresent {
		slot.VecSlot = uint32(nIdx)
	}
	buf := make([]byte, types.NodeSlotSize)
	slot.Encode(buf)
	e.nodes.WriteAt(nIdx, buf)

	if vecPresent && inlineIndex {
		e.hnswMu.RLock()
		ix := e.hnsw
		e.hnswMu.RUnlock()
		if ix != nil {
			e.hnswInsertMu.Lock()
			ix.Insert(uint32(nIdx), 32)
			e.hnswInsertMu.Unlock()
		}
	}

	e.feedFulltext(slugHash, doc)

	e.slugMu.Lock()
	err = e.slugIndex.Insert(slugHash, uint32(nIdx))
	e.slugMu.Unlock()
	if err != nil {
		// Tombstone the reserved slot so the failed write stays invisible.
		slot.Flags = 0
		slot.Encode(buf)
		e.nodes.WriteAt(nIdx, buf)
		return 0, fmt.Errorf("%w: %v", ErrIndexFull, err)
	}

	e.bitmaps.Insert(collectionHash, uint32(nIdx))
	if inlineIndex && (lat != 0 || lon != 0) {
		e.spatial.Insert(spatial.Point{ID: uint32(nIdx), Lat: lat, Lon: lon})
	}
	e.bumpCollection(collectionHash, 1)
	e.indexFields(uint32(nIdx), doc)

	if inlineIndex {
		e.nodes.Commit(e.nodes.WriteHead())
		e.blobs.Commit()
	}
	return uint32(nIdx), nil
}

// ensureNodeCapacity grows the node arena when a reserved index runs past
// the mapping. Growth doubles, so steady-state writes never remap.
func (e *Engine) ensureNodeCapacity(idx uint64) error {
	if idx < e.nodes.Capacity() {
		return nil
	}
	e.growMu.Lock()
	defer e.growMu.Unlock()
	if idx < e.nodes.Capacity() {
		return nil
	}
	newCap := e.nodes.Capacity() * 2
	if newCap <= idx {
		newCap = idx + 1
	}
	return e.nodes.Resize(newCap)
}

func (e *Engine) ensureEdgeCapacity(idx uint64) error {
	if idx < e.edges.Capacity() {
		return nil
	}
	e.growMu.Lock()
	defer e.growMu.Unlock()
	if idx < e.edges.Capacity() {
		return nil
	}
	newCap := e.edges.Capacity() * 2
	if newCap <= idx {
		newCap = idx + 1
	}
	return e.edges.Resize(newCap)
}

func extractCoords(doc map[string]any) (float32, float32) {
	pick := func(m map[string]any) (float32, float32) {
		lat, _ := m["lat"].(float64)
		lon, _ := m["lon"].(float64)
		return float32(lat), float32(lon)
	}
	if coords, ok := doc["coordinates"].(map[string]any); ok {
		return pick(coords)
	}
	if geo, ok := doc["geo"].(map[string]any); ok {
		if loc, ok := geo["loc"].(map[string]any); ok {
			return pick(loc)
		}
	}
	return 0, 0
}

// writeVectorIfPresent copies vectors.dense into the vector arena when
// the arena has been initialised. Returns whether a vector exists in the
// document at all, so the slot records it even before InitHNSW.
func (e *Engine) writeVectorIfPresent(nIdx uint64, doc map[string]any) bool {
	vecs, ok := doc["vectors"].(map[string]any)
	if !ok {
		return false
	}
	dense, ok := vecs["dense"].([]any)
	if !ok {
		return false
	}
	var data [types.VectorDim]float32
	for i, v := range dense {
		if i >= types.VectorDim {
			break
		}
		if f, ok := v.(float64); ok {
			data[i] = float32(f)
		}
	}
	// Only written once the vector arena has been initialised; the slot
	// still records that a vector was present.
	if nIdx < e.vectors.Capacity() {
		e.vectorStore().Put(uint32(nIdx), data[:])
	}
	return true
}

func (e *Engine) vectorStore() *hnsw.VectorStore {
	return hnsw.NewVectorStore(e.vectors, types.VectorDim)
}

func (e *Engine) feedFulltext(slugHash uint64, doc map[string]any) {
	e.ftMu.RLock()
	ft := e.fulltext
	e.ftMu.RUnlock()
	if ft == nil {
		return
	}
	title, _ := doc["title"].(string)
	content, _ := doc["content"].(string)
	if content == "" {
		content, _ = doc["body"].(string)
	}
	if title == "" && content == "" {
		return
	}
	if err := ft.AddDocument(title, content, slugHash); err != nil {
		e.logger.Warn().Err(err).Msg("fulltext add failed")
	}
}

// BatchItem is one (slug, payload) pair for WriteBatch.
type BatchItem struct {
	Slug    string
	Payload []byte
}

// WriteBatch is the deferred ingest path: arena and slug/bitmap updates
// run sequentially, spatial points collect into one bulk R-tree load, and
// vectors build HNSW sequentially at the end. One commit covers the whole
// batch. Returns the arena indices in item order.
func (e *Engine) WriteBatch(items []BatchItem) ([]uint32, error) {
	type pending struct {
		idx      uint32
		lat, lon float32
		hasVec   bool
	}

	out := make([]uint32, 0, len(items))
	var metas []pending
	var walEntries []*wal.Entry

	for _, item := range items {
		var doc map[string]any
		if err := json.Unmarshal(item.Payload, &doc); err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidArgument, item.Slug, err)
		}
		idx, err := e.writeParsed(item.Slug, doc, false)
		if err != nil {
			return nil, fmt.Errorf("batch write %q: %w", item.Slug, err)
		}
		lat, lon := extractCoords(doc)
		_, hasVecs := doc["vectors"].(map[string]any)
		metas = append(metas, pending{idx: idx, lat: lat, lon: lon, hasVec: hasVecs})
		out = append(out, idx)
		if e.wal.Enabled() {
			collectionHash, slugHash := ParseEntityID(item.Slug)
			walEntries = append(walEntries, &wal.Entry{
				Op:             wal.OpPutNode,
				SlugHash:       slugHash,
				CollectionHash: collectionHash,
				Data:           item.Payload,
			})
		}
	}

	// Log ahead of the commit barrier, one sync for the whole batch.
	if len(walEntries) > 0 {
		if _, err := e.wal.AppendBatch(walEntries); err != nil {
			return nil, fmt.Errorf("wal batch append: %w", err)
		}
		metrics.WALAppends.Add(float64(len(walEntries)))
		metrics.WALBytes.Set(float64(e.wal.SizeBytes()))
	}

	// Single commit for the whole batch.
	e.nodes.Commit(e.nodes.WriteHead())
	e.blobs.Commit()

	// Bulk spatial rebuild: union of previous tree and the new batch.
	points := e.spatial.All()
	added := false
	for _, m := range metas {
		if m.lat != 0 || m.lon != 0 {
			points = append(points, spatial.Point{ID: m.idx, Lat: m.lat, Lon: m.lon})
			added = true
		}
	}
	if added {
		e.spatial.BulkLoad(points)
	}

	// Sequential HNSW build over the batch's vectors.
	e.hnswMu.RLock()
	ix := e.hnsw
	e.hnswMu.RUnlock()
	if ix != nil {
		e.hnswInsertMu.Lock()
		for _, m := range metas {
			if m.hasVec {
				ix.Insert(m.idx, 32)
			}
		}
		e.hnswInsertMu.Unlock()
	}

	metrics.BatchIngests.Inc()
	metrics.NodesWritten.Add(float64(len(items)))
	return out, nil
}

// Delete tombstones a node and removes it from the collection bitmap, the
// spatial tree, the field indexes and the slug index. HNSW and full-text
// entries are not removed. The arena slot and blob bytes remain; the
// index never hands the slot out again.
func (e *Engine) Delete(slug string) error {
	_, slugHash := ParseEntityID(slug)

	e.slugMu.RLock()
	idx, ok := e.slugIndex.Get(slugHash)
	e.slugMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, slug)
	}

	if e.wal.Enabled() {
		if _, err := e.wal.Append(&wal.Entry{Op: wal.OpDeleteNode, SlugHash: slugHash}); err != nil {
			return fmt.Errorf("wal append: %w", err)
		}
	}

	buf := make([]byte, types.NodeSlotSize)
	slot := types.DecodeNodeSlot(e.nodes.ReadAt(uint64(idx), buf))
	slot.Flags = 0
	slot.Encode(buf)
	e.nodes.WriteAt(uint64(idx), buf)

	e.bumpCollection(slot.CollectionHash, -1)
	e.bitmaps.Remove(slot.CollectionHash, idx)
	if slot.Lat != 0 || slot.Lon != 0 {
		e.spatial.Remove(spatial.Point{ID: idx, Lat: slot.Lat, Lon: slot.Lon})
	}
	e.unindexFields(idx)

	e.slugMu.Lock()
	e.slugIndex.Remove(slugHash)
	e.slugMu.Unlock()

	metrics.NodesDeleted.Inc()
	return nil
}

// Link creates a typed directed edge between two existing nodes.
func (e *Engine) Link(srcSlug, dstSlug, edgeType string, weight float32) error {
	return e.linkInternal(srcSlug, dstSlug, edgeType, weight, nil)
}

// LinkWithMeta attaches JSON metadata to the edge: 32 bytes or fewer are
// stored inline in the slot, larger payloads go to the blob arena.
func (e *Engine) LinkWithMeta(srcSlug, dstSlug, edgeType string, weight float32, metaJSON []byte) error {
	return e.linkInternal(srcSlug, dstSlug, edgeType, weight, metaJSON)
}

func (e *Engine) linkInternal(srcSlug, dstSlug, edgeType string, weight float32, metaJSON []byte) error {
	_, srcHash := ParseEntityID(srcSlug)
	_, dstHash := ParseEntityID(dstSlug)
	typeHash := HashString(edgeType)

	e.slugMu.RLock()
	srcIdx, srcOK := e.slugIndex.Get(srcHash)
	dstIdx, dstOK := e.slugIndex.Get(dstHash)
	e.slugMu.RUnlock()
	if !srcOK {
		return fmt.Errorf("%w: source %s", ErrNotFound, srcSlug)
	}
	if !dstOK {
		return fmt.Errorf("%w: target %s", ErrNotFound, dstSlug)
	}

	if e.wal.Enabled() {
		if _, err := e.wal.Append(&wal.Entry{
			Op:           wal.OpPutEdge,
			FromNode:     srcIdx,
			ToNode:       dstIdx,
			EdgeTypeHash: typeHash,
			Weight:       weight,
		}); err != nil {
			return fmt.Errorf("wal append: %w", err)
		}
	}

	edge := types.EdgeSlot{
		FromNode:     srcIdx,
		ToNode:       dstIdx,
		Weight:       weight,
		EdgeTypeHash: typeHash,
		Timestamp:    e.cachedTS.Load(),
		Flags:        1,
	}
	if len(metaJSON) > 0 {
		if len(metaJSON) <= types.EdgeMetaInlineMax {
			edge.MetaKind = types.EdgeMetaInline
			edge.MetaLen = uint8(len(metaJSON))
			copy(edge.Meta[:], metaJSON)
		} else {
			off, blen, err := e.blobs.Append(metaJSON)
			if err != nil {
				return err
			}
			e.blobs.Commit()
			edge.SetBlobRef(off, blen)
		}
	}

	eIdx := e.edges.Reserve()
	if err := e.ensureEdgeCapacity(eIdx); err != nil {
		return err
	}
	buf := make([]byte, types.EdgeSlotSize)
	edge.Encode(buf)
	e.edges.WriteAt(eIdx, buf)

	e.adjMu.Lock()
	e.adjFwd[srcIdx] = append(e.adjFwd[srcIdx], uint32(eIdx))
	e.adjRev[dstIdx] = append(e.adjRev[dstIdx], uint32(eIdx))
	e.adjMu.Unlock()

	e.edges.Commit(e.edges.WriteHead())
	metrics.EdgesLinked.Inc()
	return nil
}

// Unlink tombstones the first live edge matching (src, dst, type).
func (e *Engine) Unlink(srcSlug, dstSlug, edgeType string) error {
	_, srcHash := ParseEntityID(srcSlug)
	_, dstHash := ParseEntityID(dstSlug)
	typeHash := HashString(edgeType)

	e.slugMu.RLock()
	srcIdx, srcOK := e.slugIndex.Get(srcHash)
	dstIdx, dstOK := e.slugIndex.Get(dstHash)
	e.slugMu.RUnlock()
	if !srcOK || !dstOK {
		return fmt.Errorf("%w: edge endpoints %s -> %s", ErrNotFound, srcSlug, dstSlug)
	}

	if e.wal.Enabled() {
		if _, err := e.wal.Append(&wal.Entry{
			Op:           wal.OpDeleteEdge,
			FromNode:     srcIdx,
			ToNode:       dstIdx,
			EdgeTypeHash: typeHash,
		}); err != nil {
			return fmt.Errorf("wal append: %w", err)
		}
	}

	e.adjMu.RLock()
	edgeIndices := append([]uint32(nil), e.adjFwd[srcIdx]...)
	e.adjMu.RUnlock()

	buf := make([]byte, types.EdgeSlotSize)
	for _, eIdx := range edgeIndices {
		edge := types.DecodeEdgeSlot(e.edges.ReadAt(uint64(eIdx), buf))
		if edge.ToNode == dstIdx && edge.EdgeTypeHash == typeHash && edge.Active() {
			edge.Flags = 0
			edge.Encode(buf)
			e.edges.WriteAt(uint64(eIdx), buf)
			return nil
		}
	}
	return fmt.Errorf("%w: edge %s -[%s]-> %s", ErrNotFound, srcSlug, edgeType, dstSlug)
}

// Mutate dispatches a JSON mutation envelope:
// put, put_json, link, link_meta, remove, unlink.
func (e *Engine) Mutate(mutationJSON []byte) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(mutationJSON, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	op, _ := doc["mutation"].(string)
	if op == "" {
		return nil, fmt.Errorf("%w: missing mutation field", ErrInvalidArgument)
	}

	str := func(key string) (string, error) {
		v, ok := doc[key].(string)
		if !ok || v == "" {
			return "", fmt.Errorf("%w: missing %s", ErrInvalidArgument, key)
		}
		return v, nil
	}

	switch op {
	case "put":
		slug, err := str("slug")
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(doc["data"])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		idx, err := e.Write(slug, data)
		if err != nil {
			return nil, err
		}
		return map[string]any{"ok": true, "idx": idx}, nil

	case "put_json":
		data, err := json.Marshal(doc["data"])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		idx, err := e.WriteDoc(data)
		if err != nil {
			return nil, err
		}
		return map[string]any{"ok": true, "idx": idx}, nil

	case "link", "link_meta":
		src, err := str("source")
		if err != nil {
			return nil, err
		}
		dst, err := str("target")
		if err != nil {
			return nil, err
		}
		edgeType, _ := doc["type"].(string)
		if edgeType == "" {
			edgeType = "related"
		}
		weight := float32(1.0)
		if w, ok := doc["weight"].(float64); ok {
			weight = float32(w)
		}
		var meta []byte
		if raw, ok := doc["meta_json"].(string); ok {
			meta = []byte(raw)
		} else if m, ok := doc["meta"]; ok {
			meta, err = json.Marshal(m)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
			}
		}
		if op == "link_meta" && meta == nil {
			return nil, fmt.Errorf("%w: link_meta requires meta", ErrInvalidArgument)
		}
		if meta != nil {
			if err := e.LinkWithMeta(src, dst, edgeType, weight, meta); err != nil {
				return nil, err
			}
			return map[string]any{"ok": true, "meta": true}, nil
		}
		if err := e.Link(src, dst, edgeType, weight); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true, "meta": false}, nil

	case "remove":
		slug, err := str("slug")
		if err != nil {
			return nil, err
		}
		if err := e.Delete(slug); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil

	case "unlink":
		src, err := str("source")
		if err != nil {
			return nil, err
		}
		dst, err := str("target")
		if err != nil {
			return nil, err
		}
		edgeType, _ := doc["type"].(string)
		if edgeType == "" {
			edgeType = "related"
		}
		if err := e.Unlink(src, dst, edgeType); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil

	default:
		return nil, fmt.Errorf("%w: unknown mutation %q", ErrInvalidArgument, op)
	}
}
