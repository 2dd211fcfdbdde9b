/*
Package txn provides the optional MVCC transaction manager: snapshot
isolation with first-committer-wins conflict detection.

A write w with commit version v_w is visible to a snapshot at version v_t
iff v_w <= v_t and w's author was not active when the snapshot was taken.
Commit rejects a transaction whose write set overlaps any transaction
committed after it began. The manager is purely in-memory — pairing it
with the WAL gives durable transactions, but neither requires the other.
*/
package txn
