package wal

// Lsn is a log sequence number: a monotonic entry counter.
type Lsn = uint64

// Op discriminates WAL entry kinds.
type Op uint8

const (
	OpPutNode Op = iota + 1
	OpDeleteNode
	OpPutEdge
	OpDeleteEdge
	OpCheckpoint
)

// Entry is one logged operation. Exactly the fields for its Op are set.
type Entry struct {
	Lsn       Lsn
	Timestamp uint64
	Op        Op

	// PutNode / DeleteNode
	SlugHash       uint64
	CollectionHash uint64
	Data           []byte

	// PutEdge / DeleteEdge
	FromNode     uint32
	ToNode       uint32
	EdgeTypeHash uint64
	Weight       float32

	// Checkpoint
	CheckpointLsn Lsn
}

// WriteAheadLog is the optional durability layer. The engine writes
// through it when enabled and replays it on recovery; a disabled engine
// uses Noop, which satisfies the interface at zero cost.
type WriteAheadLog interface {
	// Append logs a single entry and returns its LSN.
	Append(e *Entry) (Lsn, error)
	// AppendBatch logs entries with a single sync (group commit) and
	// returns the last LSN.
	AppendBatch(entries []*Entry) (Lsn, error)
	// Sync forces buffered entries to stable storage.
	Sync() error
	// ReplayFrom returns all entries with LSN >= lsn in log order.
	ReplayFrom(lsn Lsn) ([]*Entry, error)
	// TruncateBefore drops entries with LSN < lsn (post-checkpoint GC).
	TruncateBefore(lsn Lsn) error
	// SizeBytes is the current log size.
	SizeBytes() uint64
	// CurrentLsn is the LSN of the last appended entry.
	CurrentLsn() Lsn
	// Enabled reports whether entries are actually persisted.
	Enabled() bool
}

// Mode selects the durability level, in the spirit of SQLite journal modes.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeSync     Mode = "sync"
)

// ParseMode maps a config string to a Mode, defaulting to sync.
func ParseMode(s string) Mode {
	switch s {
	case "off", "disabled", "none", "noop":
		return ModeDisabled
	case "sync", "wal", "durable", "disk", "":
		return ModeSync
	default:
		return ModeSync
	}
}

// New builds a WAL for the mode; dir is required for ModeSync.
func New(mode Mode, dir string) (WriteAheadLog, error) {
	if mode == ModeDisabled || dir == "" {
		return NewNoop(), nil
	}
	return OpenDisk(dir)
}
