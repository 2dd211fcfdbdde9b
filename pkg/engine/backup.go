package engine

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tesseradb/tessera/pkg/types"
)

// backupEdge is the portable edge record: endpoints by slug so restores
// survive different arena layouts.
type backupEdge struct {
	From     string  `json:"from"`
	To       string  `json:"to"`
	Weight   float32 `json:"weight"`
	TypeHash uint64  `json:"type_hash"`
	Meta     string  `json:"meta,omitempty"`
}

type backupDoc struct {
	Nodes []json.RawMessage `json:"nodes"`
	Edges []backupEdge      `json:"edges"`
}

// Backup dumps every live node payload and live edge to a JSON file.
// Identity is carried by slug (_id), never by arena index.
func (e *Engine) Backup(path string) error {
	count := e.nodes.WriteHead()

	idxToSlug := make([]string, count)
	doc := backupDoc{}
	for i := uint64(0); i < count; i++ {
		slot := e.readNode(i)
		if !slot.Active() {
			continue
		}
		blob := e.blobs.Read(slot.BlobOffset, slot.BlobLen)
		var parsed map[string]any
		if err := json.Unmarshal(blob, &parsed); err != nil {
			return fmt.Errorf("%w: node %d payload: %v", ErrIntegrity, i, err)
		}
		if id, ok := parsed["_id"].(string); ok {
			idxToSlug[i] = id
		}
		doc.Nodes = append(doc.Nodes, append(json.RawMessage(nil), blob...))
	}

	edgeCount := e.edges.WriteHead()
	for i := uint64(0); i < edgeCount; i++ {
		edge := e.readEdge(i)
		if !edge.Active() {
			continue
		}
		var from, to string
		if int(edge.FromNode) < len(idxToSlug) {
			from = idxToSlug[edge.FromNode]
		}
		if int(edge.ToNode) < len(idxToSlug) {
			to = idxToSlug[edge.ToNode]
		}
		doc.Edges = append(doc.Edges, backupEdge{
			From:     from,
			To:       to,
			Weight:   edge.Weight,
			TypeHash: edge.EdgeTypeHash,
			Meta:     e.decodeEdgeMeta(edge),
		})
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}
	e.logger.Info().Str("path", path).Int("nodes", len(doc.Nodes)).Int("edges", len(doc.Edges)).Msg("backup written")
	return nil
}

// Restore loads a backup: nodes first (slug-preserving), then edges by
// slug resolution. Edges whose endpoints don't resolve are skipped.
func (e *Engine) Restore(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	var doc backupDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	for _, node := range doc.Nodes {
		var parsed map[string]any
		if err := json.Unmarshal(node, &parsed); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		slug := slugFromDoc(parsed)
		if _, err := e.Write(slug, node); err != nil {
			return fmt.Errorf("restore node %q: %w", slug, err)
		}
	}

	skipped := 0
	for _, be := range doc.Edges {
		_, fromHash := ParseEntityID(be.From)
		_, toHash := ParseEntityID(be.To)
		e.slugMu.RLock()
		fromIdx, fromOK := e.slugIndex.Get(fromHash)
		toIdx, toOK := e.slugIndex.Get(toHash)
		e.slugMu.RUnlock()
		if !fromOK || !toOK {
			skipped++
			continue
		}

		edge := types.EdgeSlot{
			FromNode:     fromIdx,
			ToNode:       toIdx,
			Weight:       be.Weight,
			EdgeTypeHash: be.TypeHash,
			Timestamp:    e.cachedTS.Load(),
			Flags:        1,
		}
		if be.Meta != "" {
			meta := []byte(be.Meta)
			if len(meta) <= types.EdgeMetaInlineMax {
				edge.MetaKind = types.EdgeMetaInline
				edge.MetaLen = uint8(len(meta))
				copy(edge.Meta[:], meta)
			} else {
				off, blen, err := e.blobs.Append(meta)
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
		e.adjFwd[fromIdx] = append(e.adjFwd[fromIdx], uint32(eIdx))
		e.adjRev[toIdx] = append(e.adjRev[toIdx], uint32(eIdx))
		e.adjMu.Unlock()
		e.edges.Commit(e.edges.WriteHead())
	}

	e.logger.Info().Int("nodes", len(doc.Nodes)).Int("edges", len(doc.Edges)).Int("edges_skipped", skipped).Msg("restore complete")
	return nil
}
