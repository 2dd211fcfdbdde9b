/*
Package wal implements the optional write-ahead log.

The engine treats the log as a WriteAheadLog interface: Disk appends
length-prefixed entries to a single wal.log file with group-commit fsync,
and Noop satisfies the interface when durability is disabled. Replay
tolerates a torn tail — a crash mid-append loses at most the unsynced
suffix, never earlier entries. TruncateBefore rewrites the file after a
checkpoint to bound growth.
*/
package wal
