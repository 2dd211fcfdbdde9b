package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tesseradb/tessera/pkg/log"
)

// maxEntryLen guards replay against garbage length prefixes.
const maxEntryLen = 16 * 1024 * 1024

// Disk is a file-backed WAL. Entries are length-prefixed:
//
//	entry_len:u64  (bytes after this field)
//	lsn:u64  timestamp:u64  op:u8  payload...
//
// Append buffers and syncs; AppendBatch buffers all entries and syncs
// once, which is the group-commit path batch ingest uses.
type Disk struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string

	lsn  atomic.Uint64
	size atomic.Uint64
}

// OpenDisk creates or opens the log at dir/wal.log and scans it once to
// recover the current LSN.
func OpenDisk(dir string) (*Disk, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}
	path := filepath.Join(dir, "wal.log")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wal %s: %w", path, err)
	}

	d := &Disk{f: f, w: bufio.NewWriterSize(f, 64*1024), path: path}

	entries, err := d.readAll()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("scan wal %s: %w", path, err)
	}
	if n := len(entries); n > 0 {
		d.lsn.Store(entries[n-1].Lsn)
	}
	if st, err := f.Stat(); err == nil {
		d.size.Store(uint64(st.Size()))
	}

	lgr := log.WithComponent("wal")
	lgr.Info().
		Str("path", path).
		Uint64("lsn", d.lsn.Load()).
		Uint64("bytes", d.size.Load()).
		Msg("wal opened")
	return d, nil
}

func encodeEntry(e *Entry) []byte {
	payload := make([]byte, 0, 64+len(e.Data))
	var b8 [8]byte
	var b4 [4]byte

	put64 := func(v uint64) {
		binary.LittleEndian.PutUint64(b8[:], v)
		payload = append(payload, b8[:]...)
	}
	put32 := func(v uint32) {
		binary.LittleEndian.PutUint32(b4[:], v)
		payload = append(payload, b4[:]...)
	}

	put64(e.Lsn)
	put64(e.Timestamp)
	payload = append(payload, byte(e.Op))

	switch e.Op {
	case OpPutNode:
		put64(e.SlugHash)
		put64(e.CollectionHash)
		put32(uint32(len(e.Data)))
		payload = append(payload, e.Data...)
	case OpDeleteNode:
		put64(e.SlugHash)
	case OpPutEdge:
		put32(e.FromNode)
		put32(e.ToNode)
		put64(e.EdgeTypeHash)
		put32(floatBits(e.Weight))
	case OpDeleteEdge:
		put32(e.FromNode)
		put32(e.ToNode)
		put64(e.EdgeTypeHash)
	case OpCheckpoint:
		put64(e.CheckpointLsn)
	}

	framed := make([]byte, 8+len(payload))
	binary.LittleEndian.PutUint64(framed[:8], uint64(len(payload)))
	copy(framed[8:], payload)
	return framed
}

func decodeEntry(buf []byte) (*Entry, error) {
	if len(buf) < 17 {
		return nil, fmt.Errorf("wal entry too short: %d bytes", len(buf))
	}
	e := &Entry{
		Lsn:       binary.LittleEndian.Uint64(buf[0:8]),
		Timestamp: binary.LittleEndian.Uint64(buf[8:16]),
		Op:        Op(buf[16]),
	}
	p := buf[17:]
	switch e.Op {
	case OpPutNode:
		if len(p) < 20 {
			return nil, fmt.Errorf("truncated put_node entry")
		}
		e.SlugHash = binary.LittleEndian.Uint64(p[0:8])
		e.CollectionHash = binary.LittleEndian.Uint64(p[8:16])
		n := binary.LittleEndian.Uint32(p[16:20])
		if len(p) < 20+int(n) {
			return nil, fmt.Errorf("truncated put_node data")
		}
		e.Data = append([]byte(nil), p[20:20+n]...)
	case OpDeleteNode:
		if len(p) < 8 {
			return nil, fmt.Errorf("truncated delete_node entry")
		}
		e.SlugHash = binary.LittleEndian.Uint64(p[0:8])
	case OpPutEdge:
		if len(p) < 20 {
			return nil, fmt.Errorf("truncated put_edge entry")
		}
		e.FromNode = binary.LittleEndian.Uint32(p[0:4])
		e.ToNode = binary.LittleEndian.Uint32(p[4:8])
		e.EdgeTypeHash = binary.LittleEndian.Uint64(p[8:16])
		e.Weight = bitsFloat(binary.LittleEndian.Uint32(p[16:20]))
	case OpDeleteEdge:
		if len(p) < 16 {
			return nil, fmt.Errorf("truncated delete_edge entry")
		}
		e.FromNode = binary.LittleEndian.Uint32(p[0:4])
		e.ToNode = binary.LittleEndian.Uint32(p[4:8])
		e.EdgeTypeHash = binary.LittleEndian.Uint64(p[8:16])
	case OpCheckpoint:
		if len(p) < 8 {
			return nil, fmt.Errorf("truncated checkpoint entry")
		}
		e.CheckpointLsn = binary.LittleEndian.Uint64(p[0:8])
	default:
		return nil, fmt.Errorf("unknown wal op %d", e.Op)
	}
	return e, nil
}

// Append logs one entry and syncs.
func (d *Disk) Append(e *Entry) (Lsn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	lsn := d.appendLocked(e)
	if err := d.syncLocked(); err != nil {
		return 0, err
	}
	return lsn, nil
}

// AppendBatch logs all entries with one sync.
func (d *Disk) AppendBatch(entries []*Entry) (Lsn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var last Lsn
	for _, e := range entries {
		last = d.appendLocked(e)
	}
	if err := d.syncLocked(); err != nil {
		return 0, err
	}
	return last, nil
}

func (d *Disk) appendLocked(e *Entry) Lsn {
	e.Lsn = d.lsn.Add(1)
	if e.Timestamp == 0 {
		e.Timestamp = uint64(time.Now().Unix())
	}
	framed := encodeEntry(e)
	d.w.Write(framed)
	d.size.Add(uint64(len(framed)))
	return e.Lsn
}

func (d *Disk) syncLocked() error {
	if err := d.w.Flush(); err != nil {
		return fmt.Errorf("flush wal: %w", err)
	}
	if err := d.f.Sync(); err != nil {
		return fmt.Errorf("sync wal: %w", err)
	}
	return nil
}

// Sync flushes buffered entries to stable storage.
func (d *Disk) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.syncLocked()
}

func (d *Disk) readAll() ([]*Entry, error) {
	f, err := os.Open(d.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var entries []*Entry
	var lenBuf [8]byte
	for {
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if err == io.EOF {
				break
			}
			// Torn tail: everything before it is valid.
			break
		}
		n := binary.LittleEndian.Uint64(lenBuf[:])
		if n == 0 || n > maxEntryLen {
			break
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			break
		}
		e, err := decodeEntry(buf)
		if err != nil {
			break
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ReplayFrom returns entries with LSN >= lsn in log order.
func (d *Disk) ReplayFrom(lsn Lsn) ([]*Entry, error) {
	d.mu.Lock()
	if err := d.syncLocked(); err != nil {
		d.mu.Unlock()
		return nil, err
	}
	d.mu.Unlock()

	all, err := d.readAll()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, e := range all {
		if e.Lsn >= lsn {
			out = append(out, e)
		}
	}
	return out, nil
}

// TruncateBefore rewrites the log keeping only entries with LSN >= lsn.
func (d *Disk) TruncateBefore(lsn Lsn) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.syncLocked(); err != nil {
		return err
	}

	all, err := d.readAll()
	if err != nil {
		return err
	}

	tmp := d.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create wal tmp: %w", err)
	}
	w := bufio.NewWriter(f)
	var total uint64
	for _, e := range all {
		if e.Lsn < lsn {
			continue
		}
		framed := encodeEntry(e)
		w.Write(framed)
		total += uint64(len(framed))
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	f.Close()

	if err := d.f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, d.path); err != nil {
		return fmt.Errorf("swap wal: %w", err)
	}
	nf, err := os.OpenFile(d.path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopen wal: %w", err)
	}
	d.f = nf
	d.w = bufio.NewWriterSize(nf, 64*1024)
	d.size.Store(total)
	return nil
}

// SizeBytes returns the log size including buffered bytes.
func (d *Disk) SizeBytes() uint64 { return d.size.Load() }

// CurrentLsn returns the last assigned LSN.
func (d *Disk) CurrentLsn() Lsn { return d.lsn.Load() }

// Enabled reports true; Disk always persists.
func (d *Disk) Enabled() bool { return true }

// Close syncs and closes the log file.
func (d *Disk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.syncLocked(); err != nil {
		return err
	}
	return d.f.Close()
}
