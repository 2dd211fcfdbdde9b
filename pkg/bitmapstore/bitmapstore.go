package bitmapstore

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/tesseradb/tessera/pkg/log"
)

// Store maps collection hashes to roaring bitmaps of node indices. Each
// bitmap persists to its own file {base}/collections/{hash:016x}.rbm in
// the standard roaring serialization, is lazily loaded on first access,
// and is rewritten on flush only when dirty.
type Store struct {
	mu      sync.Mutex // guards the maps; per-collection locks guard bitmaps
	bitmaps map[uint64]*entry
	dirty   map[uint64]bool
	baseDir string
}

type entry struct {
	mu sync.RWMutex
	bm *roaring.Bitmap
}

// Open creates or opens a bitmap store rooted at baseDir/collections/.
func Open(baseDir string) (*Store, error) {
	dir := filepath.Join(baseDir, "collections")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create collections dir: %w", err)
	}
	return &Store{
		bitmaps: make(map[uint64]*entry),
		dirty:   make(map[uint64]bool),
		baseDir: dir,
	}, nil
}

func (s *Store) path(hash uint64) string {
	return filepath.Join(s.baseDir, fmt.Sprintf("%016x.rbm", hash))
}

// lookup returns the cached entry, loading it from disk on first access.
// A missing file yields an empty bitmap.
func (s *Store) lookup(hash uint64) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.bitmaps[hash]; ok {
		return e
	}
	e := &entry{bm: roaring.New()}
	if data, err := os.ReadFile(s.path(hash)); err == nil {
		if _, err := e.bm.ReadFrom(bytes.NewReader(data)); err != nil {
			lgr := log.WithComponent("bitmapstore")
			lgr.Warn().
				Err(err).
				Str("path", s.path(hash)).
				Msg("corrupt bitmap file ignored")
			e.bm = roaring.New()
		}
	}
	s.bitmaps[hash] = e
	return e
}

func (s *Store) markDirty(hash uint64) {
	s.mu.Lock()
	s.dirty[hash] = true
	s.mu.Unlock()
}

// Insert adds a node index to a collection bitmap and marks it dirty.
func (s *Store) Insert(hash uint64, idx uint32) {
	e := s.lookup(hash)
	e.mu.Lock()
	e.bm.Add(idx)
	e.mu.Unlock()
	s.markDirty(hash)
}

// Remove drops a node index from a collection bitmap.
func (s *Store) Remove(hash uint64, idx uint32) {
	e := s.lookup(hash)
	e.mu.Lock()
	e.bm.Remove(idx)
	e.mu.Unlock()
	s.markDirty(hash)
}

// Snapshot returns a cloned copy of a collection's bitmap for iteration.
func (s *Store) Snapshot(hash uint64) *roaring.Bitmap {
	e := s.lookup(hash)
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.bm.Clone()
}

// Cardinality returns the live count of a collection without cloning.
func (s *Store) Cardinality(hash uint64) uint64 {
	e := s.lookup(hash)
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.bm.GetCardinality()
}

// Flush rewrites every dirty bitmap file.
func (s *Store) Flush() error {
	s.mu.Lock()
	hashes := make([]uint64, 0, len(s.dirty))
	for h := range s.dirty {
		hashes = append(hashes, h)
	}
	s.mu.Unlock()

	for _, h := range hashes {
		e := s.lookup(h)
		e.mu.RLock()
		var buf bytes.Buffer
		_, err := e.bm.WriteTo(&buf)
		e.mu.RUnlock()
		if err != nil {
			return fmt.Errorf("serialize bitmap %016x: %w", h, err)
		}
		if err := os.WriteFile(s.path(h), buf.Bytes(), 0o644); err != nil {
			return fmt.Errorf("write bitmap %016x: %w", h, err)
		}
	}

	s.mu.Lock()
	for _, h := range hashes {
		delete(s.dirty, h)
	}
	s.mu.Unlock()
	return nil
}

// Rebuild reconstructs all bitmaps from (hash, idx) pairs, discarding any
// cached state. Used on engine open to rebuild from the node arena scan.
// Every rebuilt collection is marked dirty so the next flush persists it.
func (s *Store) Rebuild(pairs func(yield func(hash uint64, idx uint32))) {
	s.mu.Lock()
	s.bitmaps = make(map[uint64]*entry)
	s.dirty = make(map[uint64]bool)
	s.mu.Unlock()

	// Fresh entries only — lookup would resurrect stale .rbm files.
	pairs(func(hash uint64, idx uint32) {
		s.mu.Lock()
		e, ok := s.bitmaps[hash]
		if !ok {
			e = &entry{bm: roaring.New()}
			s.bitmaps[hash] = e
		}
		s.mu.Unlock()
		e.mu.Lock()
		e.bm.Add(idx)
		e.mu.Unlock()
	})

	s.mu.Lock()
	for h := range s.bitmaps {
		s.dirty[h] = true
	}
	s.mu.Unlock()
}
