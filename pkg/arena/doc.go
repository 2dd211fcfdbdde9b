/*
Package arena implements Tessera's memory-mapped, append-only storage
substrate: fixed-record slot arenas and a variable-length blob arena.

# Slot arenas

A SlotArena is a 64-byte header followed by a packed array of fixed-size
records. Writers claim indices with Reserve (a single atomic fetch-add),
write their record, then Commit the new count. The committed count is the
only thing a reopen trusts: slots reserved but never committed are leaked,
never resurrected. Records are copied in and out through explicit
little-endian encoders in pkg/types, so on-disk layout does not depend on
Go struct layout.

# Blob arena

BlobArena is a bump allocator over one mapping: Append reserves bytes and
returns an (offset, length) reference, Read hands back a zero-copy view,
Commit publishes the high-water mark. There is no reclamation.

# Crash semantics

A torn write inside a single record is possible on OS page boundaries; the
CRC on the referencing NodeSlot detects it at read time but this layer
does not repair. Close never flushes — durability is an explicit Flush.
*/
package arena
