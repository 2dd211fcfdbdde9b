/*
Package types defines the core data structures used throughout Tessera.

This package contains the pinned on-disk record layouts (NodeSlot,
EdgeSlot, vector geometry, arena magic numbers), the lowered pipeline Step
algebra, resolved query results (Hit, EdgeHit), the per-query Trace, and
collection schema declarations.

# On-disk layouts

NodeSlot and EdgeSlot are encoded explicitly field-by-field in
little-endian order rather than by casting structs over mapped memory, so
the on-disk shape is independent of the Go compiler's layout choices.
Encode/Decode pairs are the single source of truth for the byte offsets;
the arena stores treat records as opaque fixed-size byte runs.

# Pipeline steps

A Step is one operator in the query algebra. Steps are produced either by
the fluent Set builder in pkg/engine or by an external parser lowering the
JSON pipeline format; the executor consumes them identically. Sort, Skip
and Select are carried as steps for wire round-tripping but are extracted
into post-pass state before execution.
*/
package types
