package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"github.com/tesseradb/tessera/pkg/arena"
	"github.com/tesseradb/tessera/pkg/bitmapstore"
	"github.com/tesseradb/tessera/pkg/fieldindex"
	"github.com/tesseradb/tessera/pkg/fulltext"
	"github.com/tesseradb/tessera/pkg/hnsw"
	"github.com/tesseradb/tessera/pkg/log"
	"github.com/tesseradb/tessera/pkg/metrics"
	"github.com/tesseradb/tessera/pkg/mhash"
	"github.com/tesseradb/tessera/pkg/spatial"
	"github.com/tesseradb/tessera/pkg/txn"
	"github.com/tesseradb/tessera/pkg/types"
	"github.com/tesseradb/tessera/pkg/wal"
)

// Options configures an Engine at open time.
type Options struct {
	// NodeCapacity sizes the node arena and the slug index. The slug
	// index cannot grow online, so size for the expected node count.
	NodeCapacity uint64 `yaml:"node_capacity"`
	// EdgeCapacity sizes the edge arena; defaults to 3x NodeCapacity.
	EdgeCapacity uint64 `yaml:"edge_capacity"`
	// BlobSizeMB sizes the blob arena; defaults to ~200 bytes per node
	// with a 16 MB floor.
	BlobSizeMB int `yaml:"blob_size_mb"`
	// WALMode selects durability: "disabled" or "sync".
	WALMode string `yaml:"wal_mode"`
	// Transactions enables the MVCC manager.
	Transactions bool `yaml:"transactions"`
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.NodeCapacity == 0 {
		out.NodeCapacity = 1 << 20
	}
	if out.EdgeCapacity == 0 {
		out.EdgeCapacity = out.NodeCapacity * 3
	}
	if out.BlobSizeMB == 0 {
		mb := int(out.NodeCapacity * 200 / (1024 * 1024))
		if mb < 16 {
			mb = 16
		}
		out.BlobSizeMB = mb
	}
	if out.WALMode == "" {
		out.WALMode = string(wal.ModeDisabled)
	}
	return out
}

// Engine owns every store and index and exposes the write, link, and
// query surface. One Engine per data directory; tests construct isolated
// temporary directories.
type Engine struct {
	opts Options
	dir  string

	nodes   *arena.SlotArena
	edges   *arena.SlotArena
	vectors *arena.SlotArena // zero slots until InitHNSW
	blobs   *arena.BlobArena

	slugMu    sync.RWMutex
	slugIndex *mhash.Index

	adjMu  sync.RWMutex
	adjFwd map[uint32][]uint32 // node idx -> edge indices
	adjRev map[uint32][]uint32

	colMu            sync.RWMutex
	collections      map[uint64]types.CollectionSchema
	collectionCounts map[uint64]*atomic.Int64

	bitmaps *bitmapstore.Store
	spatial *spatial.Index

	// hnswMu guards the index pointer and serialises vector arena
	// resizes against in-flight searches.
	hnswMu sync.RWMutex
	hnsw   *hnsw.Index
	// hnswInsertMu enforces the sequential insert protocol.
	hnswInsertMu sync.Mutex

	fieldMu    sync.RWMutex
	fieldHash  map[string]*fieldindex.HashIndex
	fieldRange map[string]*fieldindex.RangeIndex

	ftMu     sync.RWMutex
	fulltext fulltext.Index

	wal  wal.WriteAheadLog
	txns txn.Manager

	schemas *schemaStore

	growMu   sync.Mutex // arena growth
	cachedTS atomic.Uint64

	logger zerolog.Logger
}

// Open creates or reopens an engine rooted at dir. If the node arena
// already holds committed records, every derived index except HNSW is
// rebuilt by one arena scan; persisted collection schemas are
// re-activated first so field indexes rebuild too. HNSW requires an
// explicit InitHNSW + BuildHNSW.
func Open(dir string, opts Options) (*Engine, error) {
	o := opts.withDefaults()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	e := &Engine{
		opts:             o,
		dir:              dir,
		adjFwd:           make(map[uint32][]uint32),
		adjRev:           make(map[uint32][]uint32),
		collections:      make(map[uint64]types.CollectionSchema),
		collectionCounts: make(map[uint64]*atomic.Int64),
		spatial:          spatial.New(),
		fieldHash:        make(map[string]*fieldindex.HashIndex),
		fieldRange:       make(map[string]*fieldindex.RangeIndex),
		logger:           log.WithComponent("engine"),
	}
	e.cachedTS.Store(uint64(time.Now().Unix()))

	var err error
	if e.nodes, err = arena.OpenSlot(filepath.Join(dir, "nodes.mmap"), o.NodeCapacity, types.NodeSlotSize, types.NodeArenaMagic); err != nil {
		return nil, err
	}
	if e.edges, err = arena.OpenSlot(filepath.Join(dir, "edges.mmap"), o.EdgeCapacity, types.EdgeSlotSize, types.NodeArenaMagic); err != nil {
		return nil, err
	}
	// Lazy: zero slots on disk until vectors are enabled.
	if e.vectors, err = arena.OpenSlot(filepath.Join(dir, "vectors.mmap"), 0, types.VectorSize, types.NodeArenaMagic); err != nil {
		return nil, err
	}
	if e.blobs, err = arena.OpenBlob(filepath.Join(dir, "blobs.mmap"), o.BlobSizeMB, types.BlobArenaMagic); err != nil {
		return nil, err
	}
	slugCap := o.NodeCapacity
	if slugCap < 1024 {
		slugCap = 1024
	}
	if e.slugIndex, err = mhash.Open(filepath.Join(dir, "slug_index.mhash"), slugCap); err != nil {
		return nil, err
	}
	if e.bitmaps, err = bitmapstore.Open(dir); err != nil {
		return nil, err
	}
	if e.schemas, err = openSchemaStore(filepath.Join(dir, "schemas.db")); err != nil {
		return nil, err
	}
	if e.wal, err = wal.New(wal.ParseMode(o.WALMode), filepath.Join(dir, "wal")); err != nil {
		return nil, err
	}
	if o.Transactions {
		e.txns = txn.NewMVCC()
	} else {
		e.txns = txn.NewNoop()
	}

	// Re-activate persisted schemas before any scan so the field-index
	// rebuild below sees them.
	persisted, err := e.schemas.loadAll()
	if err != nil {
		return nil, err
	}
	for name, schema := range persisted {
		e.activateSchema(name, schema)
	}

	if e.nodes.WriteHead() > 0 {
		e.rebuildIndexes()
	}

	e.logger.Info().
		Str("dir", dir).
		Uint64("nodes", e.nodes.Committed()).
		Uint64("edges", e.edges.Committed()).
		Int("schemas", len(persisted)).
		Msg("engine opened")
	return e, nil
}

// HashString is the 64-bit hash used for slugs, collections, edge types
// and full-text document ids.
func HashString(s string) uint64 { return xxhash.Sum64String(s) }

// ParseEntityID splits a slug into (collectionHash, slugHash). The
// collection is the prefix before the first '/', defaulting to "nodes".
func ParseEntityID(slug string) (collectionHash, slugHash uint64) {
	slugHash = xxhash.Sum64String(slug)
	if i := strings.IndexByte(slug, '/'); i >= 0 {
		collectionHash = xxhash.Sum64String(slug[:i])
	} else {
		collectionHash = xxhash.Sum64String("nodes")
	}
	return collectionHash, slugHash
}

// rebuildIndexes reconstructs slug index, collection bitmaps, counts,
// spatial tree, adjacency, and (if schemas are active) field indexes from
// the arenas. HNSW is not rebuilt automatically.
func (e *Engine) rebuildIndexes() {
	nodeCount := e.nodes.WriteHead()
	var points []spatial.Point
	pairs := make([][2]uint64, 0, nodeCount)

	buf := make([]byte, types.NodeSlotSize)
	e.slugMu.Lock()
	for i := uint64(0); i < nodeCount; i++ {
		slot := types.DecodeNodeSlot(e.nodes.ReadAt(i, buf))
		if !slot.Active() {
			continue
		}
		if err := e.slugIndex.Insert(slot.SlugHash, uint32(i)); err != nil {
			e.logger.Error().Err(err).Uint64("idx", i).Msg("slug index rebuild insert failed")
		}
		e.bumpCollection(slot.CollectionHash, 1)
		pairs = append(pairs, [2]uint64{slot.CollectionHash, i})
		if slot.Lat != 0 || slot.Lon != 0 {
			points = append(points, spatial.Point{ID: uint32(i), Lat: slot.Lat, Lon: slot.Lon})
		}
	}
	e.slugMu.Unlock()

	e.bitmaps.Rebuild(func(yield func(uint64, uint32)) {
		for _, p := range pairs {
			yield(p[0], uint32(p[1]))
		}
	})

	if len(points) > 0 {
		e.spatial.BulkLoad(points)
	}

	edgeCount := e.edges.WriteHead()
	ebuf := make([]byte, types.EdgeSlotSize)
	e.adjMu.Lock()
	for i := uint64(0); i < edgeCount; i++ {
		edge := types.DecodeEdgeSlot(e.edges.ReadAt(i, ebuf))
		if !edge.Active() {
			continue
		}
		e.adjFwd[edge.FromNode] = append(e.adjFwd[edge.FromNode], uint32(i))
		e.adjRev[edge.ToNode] = append(e.adjRev[edge.ToNode], uint32(i))
	}
	e.adjMu.Unlock()

	e.rebuildFieldIndexes()

	e.logger.Info().
		Uint64("nodes_scanned", nodeCount).
		Uint64("edges_scanned", edgeCount).
		Int("spatial_points", len(points)).
		Msg("derived indexes rebuilt")
}

// rebuildFieldIndexes scans payloads into every registered field index.
func (e *Engine) rebuildFieldIndexes() {
	e.fieldMu.RLock()
	empty := len(e.fieldHash) == 0 && len(e.fieldRange) == 0
	e.fieldMu.RUnlock()
	if empty {
		return
	}

	nodeCount := e.nodes.WriteHead()
	buf := make([]byte, types.NodeSlotSize)
	for i := uint64(0); i < nodeCount; i++ {
		slot := types.DecodeNodeSlot(e.nodes.ReadAt(i, buf))
		if !slot.Active() {
			continue
		}
		doc, err := e.decodePayload(slot)
		if err != nil {
			continue
		}
		e.indexFields(uint32(i), doc)
	}
}

// indexFields feeds one decoded payload into the registered field indexes.
func (e *Engine) indexFields(idx uint32, doc map[string]any) {
	e.fieldMu.RLock()
	defer e.fieldMu.RUnlock()
	for field, hi := range e.fieldHash {
		if v, ok := doc[field]; ok {
			hi.Insert(idx, v)
		}
	}
	for field, ri := range e.fieldRange {
		if v, ok := doc[field]; ok {
			ri.Insert(idx, v)
		}
	}
}

func (e *Engine) unindexFields(idx uint32) {
	e.fieldMu.RLock()
	defer e.fieldMu.RUnlock()
	for _, hi := range e.fieldHash {
		hi.Remove(idx)
	}
	for _, ri := range e.fieldRange {
		ri.Remove(idx)
	}
}

func (e *Engine) bumpCollection(hash uint64, delta int64) {
	e.colMu.Lock()
	c, ok := e.collectionCounts[hash]
	if !ok {
		c = &atomic.Int64{}
		e.collectionCounts[hash] = c
	}
	e.colMu.Unlock()
	metrics.CollectionNodes.WithLabelValues(fmt.Sprintf("%016x", hash)).Set(float64(c.Add(delta)))
}

// DefineCollection registers a schema, activates its field indexes,
// persists it, and back-fills the indexes from existing payloads.
func (e *Engine) DefineCollection(name string, schema types.CollectionSchema) error {
	e.activateSchema(name, schema)
	if err := e.schemas.save(name, schema); err != nil {
		return fmt.Errorf("persist schema %q: %w", name, err)
	}
	if e.nodes.WriteHead() > 0 {
		e.rebuildFieldIndexes()
	}
	return nil
}

func (e *Engine) activateSchema(name string, schema types.CollectionSchema) {
	hash := HashString(name)
	e.colMu.Lock()
	e.collections[hash] = schema
	e.colMu.Unlock()

	e.fieldMu.Lock()
	for _, f := range schema.HashIndexFields {
		if _, ok := e.fieldHash[f]; !ok {
			e.fieldHash[f] = fieldindex.NewHashIndex(f)
		}
	}
	for _, f := range schema.RangeIndexFields {
		if _, ok := e.fieldRange[f]; !ok {
			e.fieldRange[f] = fieldindex.NewRangeIndex(f)
		}
	}
	e.fieldMu.Unlock()
}

// CollectionCount returns the live node count of a collection.
func (e *Engine) CollectionCount(name string) int64 {
	hash := HashString(name)
	e.colMu.RLock()
	defer e.colMu.RUnlock()
	if c, ok := e.collectionCounts[hash]; ok {
		return c.Load()
	}
	return 0
}

// InitHNSW expands the vector arena to node capacity and installs an
// HNSW index with connectivity m over it. Idempotent.
func (e *Engine) InitHNSW(m int) error {
	e.hnswMu.Lock()
	defer e.hnswMu.Unlock()
	if e.hnsw != nil {
		return nil
	}
	if err := e.vectors.Resize(e.opts.NodeCapacity); err != nil {
		return fmt.Errorf("resize vector arena: %w", err)
	}
	store := hnsw.NewVectorStore(e.vectors, types.VectorDim)
	e.hnsw = hnsw.New(store, m, hnsw.Cosine, e.cachedTS.Load())
	e.logger.Info().Int("m", m).Msg("hnsw initialized")
	return nil
}

// BuildHNSW sequentially inserts every committed node that carries a
// vector. Call after reopening, once InitHNSW is done.
func (e *Engine) BuildHNSW(efConstruction int) error {
	e.hnswMu.RLock()
	ix := e.hnsw
	e.hnswMu.RUnlock()
	if ix == nil {
		return fmt.Errorf("%w: hnsw not initialized", ErrInvalidArgument)
	}

	nodeCount := e.nodes.WriteHead()
	indices := make([]uint32, 0, nodeCount)
	buf := make([]byte, types.NodeSlotSize)
	for i := uint64(0); i < nodeCount; i++ {
		slot := types.DecodeNodeSlot(e.nodes.ReadAt(i, buf))
		if slot.Active() && slot.VecSlot != types.NoVector {
			indices = append(indices, uint32(i))
		}
	}

	e.hnswInsertMu.Lock()
	defer e.hnswInsertMu.Unlock()
	ix.BuildSequential(indices, efConstruction)
	return nil
}

// SetFulltext installs a full-text adapter. The engine feeds it on writes
// with title/content and commits it on flush.
func (e *Engine) SetFulltext(ft fulltext.Index) {
	e.ftMu.Lock()
	e.fulltext = ft
	e.ftMu.Unlock()
}

// WAL exposes the write-ahead log (possibly a no-op).
func (e *Engine) WAL() wal.WriteAheadLog { return e.wal }

// Txns exposes the transaction manager (possibly a no-op).
func (e *Engine) Txns() txn.Manager { return e.txns }

// Flush persists all arenas, the slug index, dirty collection bitmaps,
// the WAL, and the full-text adapter if present.
func (e *Engine) Flush() error {
	timer := metrics.NewTimer(metrics.FlushDuration)
	defer timer.ObserveDuration()

	if err := e.nodes.FlushWritten(); err != nil {
		return fmt.Errorf("flush nodes: %w", err)
	}
	if err := e.edges.FlushWritten(); err != nil {
		return fmt.Errorf("flush edges: %w", err)
	}
	if err := e.vectors.FlushWritten(); err != nil {
		return fmt.Errorf("flush vectors: %w", err)
	}
	if err := e.blobs.FlushWritten(); err != nil {
		return fmt.Errorf("flush blobs: %w", err)
	}
	e.slugMu.RLock()
	err := e.slugIndex.Flush()
	e.slugMu.RUnlock()
	if err != nil {
		return fmt.Errorf("flush slug index: %w", err)
	}
	if err := e.bitmaps.Flush(); err != nil {
		return fmt.Errorf("flush bitmaps: %w", err)
	}
	if err := e.wal.Sync(); err != nil {
		return fmt.Errorf("sync wal: %w", err)
	}

	e.ftMu.RLock()
	ft := e.fulltext
	e.ftMu.RUnlock()
	if ft != nil {
		if err := ft.Commit(); err != nil {
			return fmt.Errorf("commit fulltext: %w", err)
		}
	}

	metrics.ArenaBytes.WithLabelValues("nodes").Set(float64(e.nodes.MappedBytes()))
	metrics.ArenaBytes.WithLabelValues("edges").Set(float64(e.edges.MappedBytes()))
	metrics.ArenaBytes.WithLabelValues("vectors").Set(float64(e.vectors.MappedBytes()))
	metrics.ArenaBytes.WithLabelValues("blobs").Set(float64(e.blobs.MappedBytes()))
	metrics.ArenaCommitted.WithLabelValues("nodes").Set(float64(e.nodes.Committed()))
	metrics.ArenaCommitted.WithLabelValues("edges").Set(float64(e.edges.Committed()))
	metrics.ArenaCommitted.WithLabelValues("blobs").Set(float64(e.blobs.Committed()))
	return nil
}

// Close releases every store. It does not flush; callers wanting
// durability flush first.
func (e *Engine) Close() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	keep(e.nodes.Close())
	keep(e.edges.Close())
	keep(e.vectors.Close())
	keep(e.blobs.Close())
	e.slugMu.Lock()
	keep(e.slugIndex.Close())
	e.slugMu.Unlock()
	keep(e.schemas.close())
	if d, ok := e.wal.(*wal.Disk); ok {
		keep(d.Close())
	}
	return first
}

// UpdateTimestamp refreshes the cached edge timestamp.
func (e *Engine) UpdateTimestamp() {
	e.cachedTS.Store(uint64(time.Now().Unix()))
}
