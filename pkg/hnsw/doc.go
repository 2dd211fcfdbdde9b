/*
Package hnsw implements the approximate nearest-neighbor index: a
hierarchical navigable small-world graph layered over the vector arena.

Vectors are read zero-copy from the arena mapping; the graph stores only
topology. Each node's per-layer neighbor lists sit behind atomic pointers,
so searches never observe a partially updated list, and the entry point is
itself an atomic pointer whose level only increases. Neighbor-list
replacement relies on the Go garbage collector for reclamation: a search
holding a superseded slice keeps it alive until it finishes.

Insertion is registration-before-wiring: a node's (empty) layers exist in
the graph before any other node's neighbor list can name it, which keeps
concurrent searches from dereferencing unknown nodes. Concurrent inserts
of nearby nodes may wire a slightly worse graph than a serial sequence
would — accepted; search correctness is unaffected. Batch builds insert
strictly sequentially for the same reason.
*/
package hnsw
