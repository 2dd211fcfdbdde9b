/*
Package bitmapstore persists per-collection roaring bitmaps of node
indices, one file per collection under {base}/collections/.

Bitmaps load lazily on first access and stay cached; dirty tracking is
per-collection, so Flush rewrites only files that changed. Snapshot hands
out clones — iteration never holds a lock against writers. Rebuild
reconstructs the whole store from an arena scan on reopen, ignoring
whatever is on disk.
*/
package bitmapstore
