package arena

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/edsrzf/mmap-go"

	"github.com/tesseradb/tessera/pkg/log"
)

// headerSize is the reserved region at the front of every arena file.
const headerSize = 64

// Header word offsets (bytes, little-endian uint64).
const (
	offMagic     = 0
	offCommitted = 8
	offCapacity  = 16
)

// SlotArena is a fixed-record-size, append-only, memory-mapped store.
//
// The file is a 64-byte header followed by a packed array of records. The
// header carries a durable committed count; the in-memory write head is
// seeded from it on open. Reserve hands out slot indices atomically;
// Commit publishes them to future reopens. A crash between Reserve and
// Commit leaks the reserved slots: they stay forever uncommitted and
// invisible.
type SlotArena struct {
	mu       sync.RWMutex // guards the mapping against Resize
	f        *os.File
	m        mmap.MMap
	slotSize int
	magic    uint64

	writeHead atomic.Uint64
}

// word returns an atomically addressable pointer to an 8-byte-aligned
// header field. The mapping is page-aligned, so any 8-byte offset is fine.
func word(m mmap.MMap, off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&m[off]))
}

// OpenSlot opens or creates a slot arena at path with room for capacity
// records of slotSize bytes. An existing file is never truncated below its
// current size, so reopening with a smaller capacity preserves data.
func OpenSlot(path string, capacity uint64, slotSize int, magic uint64) (*SlotArena, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open arena %s: %w", path, err)
	}

	need := int64(headerSize) + int64(capacity)*int64(slotSize)
	if need < headerSize {
		need = headerSize
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat arena %s: %w", path, err)
	}
	if st.Size() < need {
		if err := f.Truncate(need); err != nil {
			f.Close()
			return nil, fmt.Errorf("grow arena %s: %w", path, err)
		}
	}

	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap arena %s: %w", path, err)
	}

	a := &SlotArena{f: f, m: m, slotSize: slotSize, magic: magic}
	if atomic.LoadUint64(word(m, offMagic)) != magic {
		atomic.StoreUint64(word(m, offMagic), magic)
		atomic.StoreUint64(word(m, offCommitted), 0)
		atomic.StoreUint64(word(m, offCapacity), capacity)
	}
	committed := atomic.LoadUint64(word(m, offCommitted))
	a.writeHead.Store(committed)

	lgr := log.WithComponent("arena")
	lgr.Debug().
		Str("path", path).
		Uint64("committed", committed).
		Uint64("capacity", a.Capacity()).
		Msg("slot arena opened")
	return a, nil
}

// Capacity is the number of slots the current mapping can hold. It may
// exceed the capacity requested at creation after a reopen or Resize.
func (a *SlotArena) Capacity() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.m) <= headerSize {
		return 0
	}
	return uint64(len(a.m)-headerSize) / uint64(a.slotSize)
}

// Reserve atomically claims the next slot index. The caller owns the slot
// and must WriteAt it before committing.
func (a *SlotArena) Reserve() uint64 {
	return a.writeHead.Add(1) - 1
}

// WriteHead returns the current in-memory write head (reserved count).
func (a *SlotArena) WriteHead() uint64 {
	return a.writeHead.Load()
}

// Committed returns the durable committed count.
func (a *SlotArena) Committed() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return atomic.LoadUint64(word(a.m, offCommitted))
}

// WriteAt copies a record into slot idx. Access is unchecked beyond the
// mapped length; callers must stay within Capacity.
func (a *SlotArena) WriteAt(idx uint64, rec []byte) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	off := headerSize + int(idx)*a.slotSize
	copy(a.m[off:off+a.slotSize], rec[:a.slotSize])
}

// ReadAt copies slot idx into buf and returns it.
func (a *SlotArena) ReadAt(idx uint64, buf []byte) []byte {
	a.mu.RLock()
	defer a.mu.RUnlock()
	off := headerSize + int(idx)*a.slotSize
	copy(buf[:a.slotSize], a.m[off:off+a.slotSize])
	return buf[:a.slotSize]
}

// Commit publishes newCount as the durable committed count. This is the
// single visibility barrier for reopens of this arena.
func (a *SlotArena) Commit(newCount uint64) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	atomic.StoreUint64(word(a.m, offCommitted), newCount)
}

// Resize grows the file and remaps so the arena can hold newCapacity
// slots. Shrinking is a no-op. Requires that no reads or writes are in
// flight; the engine serialises Resize behind its resource lock.
func (a *SlotArena) Resize(newCapacity uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	need := headerSize + int(newCapacity)*a.slotSize
	if len(a.m) >= need {
		return nil
	}
	if err := a.m.Unmap(); err != nil {
		return fmt.Errorf("unmap arena: %w", err)
	}
	if err := a.f.Truncate(int64(need)); err != nil {
		return fmt.Errorf("grow arena: %w", err)
	}
	m, err := mmap.Map(a.f, mmap.RDWR, 0)
	if err != nil {
		return fmt.Errorf("remap arena: %w", err)
	}
	a.m = m
	return nil
}

// Flush asks the OS to persist the whole mapping.
func (a *SlotArena) Flush() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.m.Flush()
}

// FlushWritten persists the header plus every reserved slot. mmap-go only
// exposes whole-mapping msync, which subsumes the written range.
func (a *SlotArena) FlushWritten() error {
	return a.Flush()
}

// BasePtr exposes the start of the mapping for zero-copy record views.
// The pointer is invalidated by Resize; callers must hold off resizes for
// the lifetime of any derived view.
func (a *SlotArena) BasePtr() unsafe.Pointer {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return unsafe.Pointer(&a.m[0])
}

// SlotSize returns the fixed record size in bytes.
func (a *SlotArena) SlotSize() int { return a.slotSize }

// MappedBytes returns the current mapping length.
func (a *SlotArena) MappedBytes() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.m)
}

// Close unmaps and closes the file. Dirty pages are not flushed; callers
// wanting durability must Flush first.
func (a *SlotArena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.m != nil {
		if err := a.m.Unmap(); err != nil {
			return err
		}
		a.m = nil
	}
	return a.f.Close()
}
