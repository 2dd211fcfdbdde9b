/*
Package spatial indexes geotagged nodes in an R-tree keyed on (lat, lon)
points.

Radius queries convert kilometres to coordinate degrees, bound the search
with a box, and filter by exact squared distance. Single writes insert
incrementally; batch ingest unions the existing points with the batch and
bulk-loads a fresh tree in one swap.
*/
package spatial
