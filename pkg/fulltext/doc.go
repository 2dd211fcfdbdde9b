/*
Package fulltext defines the opaque full-text adapter contract and ships
an in-memory reference implementation.

The engine only ever sees the Index interface: documents go in as
(title, content, id) triples keyed by slug hash, searches come back as
ranked ids, and Commit is invoked during engine flush. Real deployments
plug an external indexer in behind the same three methods.
*/
package fulltext
