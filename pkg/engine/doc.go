/*
Package engine ties Tessera's stores and indexes into one embedded
multi-model database: key/value lookup by slug, labeled graph traversal,
HNSW vector search, and geospatial radius search over a shared node store.

# Write path

A single write parses the payload, extracts the reserved keys
(coordinates, dense vector, title/content), appends the canonical JSON to
the blob arena, reserves a node slot, and then fans out to the derived
indexes — slug index, collection bitmap, spatial tree, field indexes,
HNSW, full-text — before committing both arenas. All fallible work
happens before the first index mutation, so a failed write can at worst
leak one tombstoned slot. WriteBatch defers spatial (one bulk R-tree
load) and HNSW (one sequential build) to the end of the batch under a
single commit.

# Query path

A Set is a pipeline of lowered steps executed left-to-right over a
roaring candidate bitmap: starters replace the bitmap, transforms and
filters intersect into it, and Sort/Skip/Select run after the bitmap
resolves into hits. Every step records which index answered it and how
long it took; the Trace rides along on every Outcome.

# Reopen

Open rebuilds collection bitmaps, counts, the spatial tree, adjacency
maps, and — because schemas persist in a bbolt registry — the field
indexes, all from one arena scan. HNSW is rebuilt only on explicit
InitHNSW + BuildHNSW.
*/
package engine
