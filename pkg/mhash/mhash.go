package mhash

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/edsrzf/mmap-go"

	"github.com/tesseradb/tessera/pkg/log"
	"github.com/tesseradb/tessera/pkg/types"
)

const (
	headerSize = 64
	slotSize   = 16 // key:u64 + value:u32 + probe_dist:u32

	offMagic    = 0
	offCapacity = 8
	offCount    = 16
)

// Key sentinels. Real keys must avoid both; Insert/Get/Remove drop them
// with no effect, which the slug hash family makes a non-event in practice.
const (
	keyEmpty     uint64 = 0
	keyTombstone uint64 = math.MaxUint64
)

// maxLoadFactor caps occupancy; capacity is inflated by its inverse and
// rounded to the next power of two at creation.
const maxLoadFactor = 0.65

// ErrFull is returned when a probe walks the entire table. The index is
// not resized online; callers must pre-size capacity at creation.
var ErrFull = errors.New("mhash: table full")

// Index is a persistent Robin-Hood hash table mapping uint64 keys to
// uint32 values, backed by a memory map.
//
// Concurrency contract: single writer, multiple readers. Get may race with
// other Gets; Insert and Remove must be serialised by the caller (the
// engine wraps the index in a RWMutex).
type Index struct {
	f        *os.File
	m        mmap.MMap
	capacity uint64 // power of two
	count    uint64
}

type slot struct {
	key   uint64
	value uint32
	probe uint32
}

// Open creates or opens an index at path sized for capacity live entries.
func Open(path string, capacity uint64) (*Index, error) {
	inflated := uint64(math.Ceil(float64(max64(capacity, 1)) / maxLoadFactor))
	if inflated < 16 {
		inflated = 16
	}
	cap2 := nextPow2(inflated)
	fileSize := int64(headerSize) + int64(cap2)*slotSize

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open hash index %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat hash index %s: %w", path, err)
	}
	if st.Size() < fileSize {
		if err := f.Truncate(fileSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("grow hash index %s: %w", path, err)
		}
	}
	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap hash index %s: %w", path, err)
	}

	idx := &Index{f: f, m: m}
	magic := binary.LittleEndian.Uint64(m[offMagic : offMagic+8])
	if magic == types.HashIndexMagic {
		idx.capacity = binary.LittleEndian.Uint64(m[offCapacity : offCapacity+8])
		idx.count = binary.LittleEndian.Uint64(m[offCount : offCount+8])
	} else {
		binary.LittleEndian.PutUint64(m[offMagic:offMagic+8], types.HashIndexMagic)
		binary.LittleEndian.PutUint64(m[offCapacity:offCapacity+8], cap2)
		binary.LittleEndian.PutUint64(m[offCount:offCount+8], 0)
		idx.capacity = cap2
	}

	lgr := log.WithComponent("mhash")
	lgr.Debug().
		Str("path", path).
		Uint64("capacity", idx.capacity).
		Uint64("count", idx.count).
		Msg("hash index opened")
	return idx, nil
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func nextPow2(n uint64) uint64 {
	p := uint64(1)
	for p < n {
		p <<= 1
	}
	return p
}

func (i *Index) slotOff(pos uint64) int { return headerSize + int(pos)*slotSize }

func (i *Index) readSlot(pos uint64) slot {
	off := i.slotOff(pos)
	b := i.m[off : off+slotSize]
	return slot{
		key:   binary.LittleEndian.Uint64(b[0:8]),
		value: binary.LittleEndian.Uint32(b[8:12]),
		probe: binary.LittleEndian.Uint32(b[12:16]),
	}
}

func (i *Index) writeSlot(pos uint64, s slot) {
	off := i.slotOff(pos)
	b := i.m[off : off+slotSize]
	binary.LittleEndian.PutUint64(b[0:8], s.key)
	binary.LittleEndian.PutUint32(b[8:12], s.value)
	binary.LittleEndian.PutUint32(b[12:16], s.probe)
}

func (i *Index) persistCount() {
	binary.LittleEndian.PutUint64(i.m[offCount:offCount+8], i.count)
}

// Get looks the key up. Probing stops on an empty slot or the first slot
// whose probe distance is below ours — under the Robin-Hood invariant the
// key cannot live past that point. Tombstones are skipped.
func (i *Index) Get(key uint64) (uint32, bool) {
	if key == keyEmpty || key == keyTombstone {
		return 0, false
	}
	mask := i.capacity - 1
	pos := key & mask
	var probe uint32
	for {
		s := i.readSlot(pos)
		if s.key == keyEmpty {
			return 0, false
		}
		if s.key == key {
			return s.value, true
		}
		if s.key != keyTombstone && s.probe < probe {
			return 0, false
		}
		probe++
		pos = (pos + 1) & mask
	}
}

// Insert adds or updates a mapping. On displacement the richer occupant
// (lower probe distance) is evicted and carried forward — classical
// Robin Hood. Returns ErrFull when a probe distance reaches capacity.
func (i *Index) Insert(key uint64, value uint32) error {
	if key == keyEmpty || key == keyTombstone {
		return nil
	}
	mask := i.capacity - 1
	pos := key & mask
	incoming := slot{key: key, value: value}
	counted := false

	// An existing key may sit past a tombstone; update it in place rather
	// than filling the tombstone with a second copy.
	for p, probe := pos, uint32(0); probe <= uint32(mask); p, probe = (p+1)&mask, probe+1 {
		s := i.readSlot(p)
		if s.key == keyEmpty || (s.key != keyTombstone && s.probe < probe) {
			break
		}
		if s.key == key {
			s.value = value
			i.writeSlot(p, s)
			return nil
		}
	}

	for {
		s := i.readSlot(pos)

		if s.key == keyEmpty || s.key == keyTombstone {
			i.writeSlot(pos, incoming)
			if !counted {
				i.count++
				i.persistCount()
			}
			return nil
		}

		if s.key == incoming.key {
			s.value = incoming.value
			i.writeSlot(pos, s)
			return nil
		}

		if incoming.probe > s.probe {
			i.writeSlot(pos, incoming)
			if !counted {
				i.count++
				i.persistCount()
				counted = true
			}
			incoming = s
		}

		if uint64(incoming.probe) >= i.capacity {
			return fmt.Errorf("%w (capacity=%d count=%d)", ErrFull, i.capacity, i.count)
		}
		incoming.probe++
		pos = (pos + 1) & mask
	}
}

// Remove converts the key's slot to a tombstone. No back-shifting: lookups
// stay correct because tombstones are skipped during probes.
func (i *Index) Remove(key uint64) {
	if key == keyEmpty || key == keyTombstone {
		return
	}
	mask := i.capacity - 1
	pos := key & mask
	var probe uint32
	for {
		s := i.readSlot(pos)
		if s.key == keyEmpty {
			return
		}
		if s.key == key {
			i.writeSlot(pos, slot{key: keyTombstone})
			if i.count > 0 {
				i.count--
			}
			i.persistCount()
			return
		}
		if s.key != keyTombstone && s.probe < probe {
			return
		}
		probe++
		pos = (pos + 1) & mask
	}
}

// Count returns the number of live entries.
func (i *Index) Count() uint64 { return i.count }

// Capacity returns the slot count (power of two).
func (i *Index) Capacity() uint64 { return i.capacity }

// Flush persists the mapping.
func (i *Index) Flush() error { return i.m.Flush() }

// Close unmaps and closes the backing file.
func (i *Index) Close() error {
	if i.m != nil {
		if err := i.m.Unmap(); err != nil {
			return err
		}
		i.m = nil
	}
	return i.f.Close()
}
