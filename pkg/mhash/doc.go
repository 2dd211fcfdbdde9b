/*
Package mhash implements the persistent slug index: a Robin-Hood
open-addressing hash table over a memory map, mapping 64-bit key hashes to
32-bit arena indices.

The file layout is a 64-byte header {magic, capacity, count} followed by
capacity 16-byte slots {key, value, probe_dist}. Capacity is fixed at
creation: the requested entry count is inflated to keep the load factor at
or below 65% and rounded up to a power of two. Key 0 means empty and key
MaxUint64 means tombstone; both are rejected as real keys.

Robin-Hood displacement bounds probe-distance variance: an insert that has
probed further than the slot's occupant steals the slot and carries the
occupant forward. Lookups exploit the same invariant to stop early.
Removal tombstones in place — no back-shifting.

The table is single-writer, multi-reader; callers serialise mutation.
*/
package mhash
