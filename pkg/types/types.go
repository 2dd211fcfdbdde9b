package types

import (
	"encoding/binary"
	"math"
)

// Arena file magic numbers. All multibyte on-disk fields are little-endian.
const (
	NodeArenaMagic uint64 = 0x5345_4B45
	BlobArenaMagic uint64 = 0x424C_4F42
	HashIndexMagic uint64 = 0x5345_4B4D_4841_5348 // "SEKMHASH"
)

// Fixed record sizes. These are pinned for on-disk compatibility and must
// never change without a new magic number.
const (
	NodeSlotSize = 128
	EdgeSlotSize = 72
	VectorDim    = 128
	VectorSize   = VectorDim * 4
)

// NoVector marks a node without a vector slot.
const NoVector = math.MaxUint32

// NodeSlot is the fixed 128-byte node record.
//
// Layout (offsets in bytes, little-endian):
//
//	0   crc32          uint32   checksum of the blob bytes
//	4   (reserved)     uint32
//	8   slug_hash      uint64
//	16  collection_hash uint64
//	24  flags          uint64   1 = active, 0 = tombstone
//	32  lat            float32
//	36  lon            float32
//	40  blob_offset    uint64
//	48  blob_len       uint32
//	52  vec_slot       uint32   NoVector when absent
//	56  edge_head      uint32
//	60  edge_count     uint32
//	64  (padding to 128)
//
// (0, 0) coordinates mean "not spatially indexed". A node exactly at the
// equator/meridian origin is therefore invisible to Near; this mirrors the
// on-disk format and keeps the slot at 128 bytes.
type NodeSlot struct {
	CRC32          uint32
	SlugHash       uint64
	CollectionHash uint64
	Flags          uint64
	Lat            float32
	Lon            float32
	BlobOffset     uint64
	BlobLen        uint32
	VecSlot        uint32
	EdgeHead       uint32
	EdgeCount      uint32
}

// Active reports whether the node is live (not tombstoned).
func (n *NodeSlot) Active() bool { return n.Flags != 0 }

// Encode writes the slot into buf, which must be at least NodeSlotSize bytes.
func (n *NodeSlot) Encode(buf []byte) {
	_ = buf[NodeSlotSize-1]
	binary.LittleEndian.PutUint32(buf[0:4], n.CRC32)
	binary.LittleEndian.PutUint32(buf[4:8], 0)
	binary.LittleEndian.PutUint64(buf[8:16], n.SlugHash)
	binary.LittleEndian.PutUint64(buf[16:24], n.CollectionHash)
	binary.LittleEndian.PutUint64(buf[24:32], n.Flags)
	binary.LittleEndian.PutUint32(buf[32:36], math.Float32bits(n.Lat))
	binary.LittleEndian.PutUint32(buf[36:40], math.Float32bits(n.Lon))
	binary.LittleEndian.PutUint64(buf[40:48], n.BlobOffset)
	binary.LittleEndian.PutUint32(buf[48:52], n.BlobLen)
	binary.LittleEndian.PutUint32(buf[52:56], n.VecSlot)
	binary.LittleEndian.PutUint32(buf[56:60], n.EdgeHead)
	binary.LittleEndian.PutUint32(buf[60:64], n.EdgeCount)
	for i := 64; i < NodeSlotSize; i++ {
		buf[i] = 0
	}
}

// DecodeNodeSlot reads a slot from buf, which must be at least NodeSlotSize bytes.
func DecodeNodeSlot(buf []byte) NodeSlot {
	_ = buf[NodeSlotSize-1]
	return NodeSlot{
		CRC32:          binary.LittleEndian.Uint32(buf[0:4]),
		SlugHash:       binary.LittleEndian.Uint64(buf[8:16]),
		CollectionHash: binary.LittleEndian.Uint64(buf[16:24]),
		Flags:          binary.LittleEndian.Uint64(buf[24:32]),
		Lat:            math.Float32frombits(binary.LittleEndian.Uint32(buf[32:36])),
		Lon:            math.Float32frombits(binary.LittleEndian.Uint32(buf[36:40])),
		BlobOffset:     binary.LittleEndian.Uint64(buf[40:48]),
		BlobLen:        binary.LittleEndian.Uint32(buf[48:52]),
		VecSlot:        binary.LittleEndian.Uint32(buf[52:56]),
		EdgeHead:       binary.LittleEndian.Uint32(buf[56:60]),
		EdgeCount:      binary.LittleEndian.Uint32(buf[60:64]),
	}
}

// Edge metadata kinds.
const (
	EdgeMetaNone   uint8 = 0
	EdgeMetaInline uint8 = 1 // meta holds Len bytes of JSON
	EdgeMetaBlob   uint8 = 2 // meta holds offset:u64 ++ len:u32 into the blob arena
)

// EdgeMetaInlineMax is the largest metadata payload stored inline.
const EdgeMetaInlineMax = 32

// EdgeSlot is the fixed 72-byte edge record.
//
// Layout (offsets in bytes, little-endian):
//
//	0   from_node      uint32
//	4   to_node        uint32
//	8   weight         float32
//	12  (reserved)     uint32
//	16  edge_type_hash uint64
//	24  timestamp      uint64
//	32  flags          uint8    1 = active, 0 = tombstone
//	33  meta_kind      uint8
//	34  meta_len       uint8
//	35  (reserved)     uint8
//	36  meta           [32]byte
//	68  (padding to 72)
type EdgeSlot struct {
	FromNode     uint32
	ToNode       uint32
	Weight       float32
	EdgeTypeHash uint64
	Timestamp    uint64
	Flags        uint8
	MetaKind     uint8
	MetaLen      uint8
	Meta         [EdgeMetaInlineMax]byte
}

// Active reports whether the edge is live.
func (e *EdgeSlot) Active() bool { return e.Flags != 0 }

// BlobRef decodes the blob arena reference when MetaKind == EdgeMetaBlob.
func (e *EdgeSlot) BlobRef() (offset uint64, length uint32) {
	return binary.LittleEndian.Uint64(e.Meta[0:8]), binary.LittleEndian.Uint32(e.Meta[8:12])
}

// SetBlobRef stores a blob arena reference into the metadata slot.
func (e *EdgeSlot) SetBlobRef(offset uint64, length uint32) {
	e.MetaKind = EdgeMetaBlob
	e.MetaLen = 0
	binary.LittleEndian.PutUint64(e.Meta[0:8], offset)
	binary.LittleEndian.PutUint32(e.Meta[8:12], length)
}

// Encode writes the slot into buf, which must be at least EdgeSlotSize bytes.
func (e *EdgeSlot) Encode(buf []byte) {
	_ = buf[EdgeSlotSize-1]
	binary.LittleEndian.PutUint32(buf[0:4], e.FromNode)
	binary.LittleEndian.PutUint32(buf[4:8], e.ToNode)
	binary.LittleEndian.PutUint32(buf[8:12], math.Float32bits(e.Weight))
	binary.LittleEndian.PutUint32(buf[12:16], 0)
	binary.LittleEndian.PutUint64(buf[16:24], e.EdgeTypeHash)
	binary.LittleEndian.PutUint64(buf[24:32], e.Timestamp)
	buf[32] = e.Flags
	buf[33] = e.MetaKind
	buf[34] = e.MetaLen
	buf[35] = 0
	copy(buf[36:68], e.Meta[:])
	binary.LittleEndian.PutUint32(buf[68:72], 0)
}

// DecodeEdgeSlot reads a slot from buf, which must be at least EdgeSlotSize bytes.
func DecodeEdgeSlot(buf []byte) EdgeSlot {
	_ = buf[EdgeSlotSize-1]
	e := EdgeSlot{
		FromNode:     binary.LittleEndian.Uint32(buf[0:4]),
		ToNode:       binary.LittleEndian.Uint32(buf[4:8]),
		Weight:       math.Float32frombits(binary.LittleEndian.Uint32(buf[8:12])),
		EdgeTypeHash: binary.LittleEndian.Uint64(buf[16:24]),
		Timestamp:    binary.LittleEndian.Uint64(buf[24:32]),
		Flags:        buf[32],
		MetaKind:     buf[33],
		MetaLen:      buf[34],
	}
	copy(e.Meta[:], buf[36:68])
	return e
}
