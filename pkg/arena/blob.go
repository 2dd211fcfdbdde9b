package arena

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/edsrzf/mmap-go"

	"github.com/tesseradb/tessera/pkg/log"
)

// Blob header offsets.
const (
	offBlobMagic     = 0
	offBlobCommitted = 8
)

// BlobArena is a memory-mapped bump allocator for variable-length byte
// runs. Bytes only grow forward; there is no reclamation. Append reserves
// space atomically, Commit publishes the high-water mark for reopens, and
// reads are zero-copy slices into the mapping.
type BlobArena struct {
	mu sync.RWMutex
	f  *os.File
	m  mmap.MMap

	writeOffset atomic.Uint64
}

// OpenBlob opens or creates a blob arena of sizeMB megabytes. Existing
// files are never truncated. The first 64 bytes are the header; the
// committed offset starts at headerSize so offset 0 never aliases it.
func OpenBlob(path string, sizeMB int, magic uint64) (*BlobArena, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open blob arena %s: %w", path, err)
	}
	need := int64(sizeMB) * 1024 * 1024
	if need < headerSize {
		need = headerSize
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat blob arena %s: %w", path, err)
	}
	if st.Size() < need {
		if err := f.Truncate(need); err != nil {
			f.Close()
			return nil, fmt.Errorf("grow blob arena %s: %w", path, err)
		}
	}
	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap blob arena %s: %w", path, err)
	}

	b := &BlobArena{f: f, m: m}
	if atomic.LoadUint64(word(m, offBlobMagic)) != magic {
		atomic.StoreUint64(word(m, offBlobMagic), magic)
		atomic.StoreUint64(word(m, offBlobCommitted), headerSize)
	}
	committed := atomic.LoadUint64(word(m, offBlobCommitted))
	b.writeOffset.Store(committed)

	lgr := log.WithComponent("arena")
	lgr.Debug().
		Str("path", path).
		Uint64("committed_offset", committed).
		Msg("blob arena opened")
	return b, nil
}

// Append reserves len(data) bytes, copies data in, and returns the
// (offset, length) reference. Fails when the arena is out of space; the
// engine sizes blob arenas up front from the node capacity estimate.
func (b *BlobArena) Append(data []byte) (uint64, uint32, error) {
	n := uint64(len(data))
	off := b.writeOffset.Add(n) - n
	b.mu.RLock()
	defer b.mu.RUnlock()
	if off+n > uint64(len(b.m)) {
		return 0, 0, fmt.Errorf("blob arena full: need %d bytes at offset %d, mapped %d", n, off, len(b.m))
	}
	copy(b.m[off:off+n], data)
	return off, uint32(n), nil
}

// Read returns a zero-copy view of length bytes at offset. The slice
// aliases the mapping and must not be retained across Close.
func (b *BlobArena) Read(offset uint64, length uint32) []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.m[offset : offset+uint64(length)]
}

// Commit publishes the current write offset as the durable high-water mark.
func (b *BlobArena) Commit() {
	off := b.writeOffset.Load()
	b.mu.RLock()
	defer b.mu.RUnlock()
	atomic.StoreUint64(word(b.m, offBlobCommitted), off)
}

// Committed returns the durable high-water mark.
func (b *BlobArena) Committed() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return atomic.LoadUint64(word(b.m, offBlobCommitted))
}

// WriteOffset returns the in-memory bump pointer.
func (b *BlobArena) WriteOffset() uint64 { return b.writeOffset.Load() }

// Flush persists the mapping.
func (b *BlobArena) Flush() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.m.Flush()
}

// FlushWritten persists the written prefix (whole-mapping msync).
func (b *BlobArena) FlushWritten() error { return b.Flush() }

// MappedBytes returns the mapping length.
func (b *BlobArena) MappedBytes() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.m)
}

// Close unmaps and closes the file without flushing.
func (b *BlobArena) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.m != nil {
		if err := b.m.Unmap(); err != nil {
			return err
		}
		b.m = nil
	}
	return b.f.Close()
}
