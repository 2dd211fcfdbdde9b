/*
Package fieldindex provides the in-memory secondary indexes over payload
fields: HashIndex for equality lookups and RangeIndex for numeric range
queries.

Both are derived structures — they can always be rebuilt by scanning the
node arena — and both keep a reverse map so deletion does not require the
old value. Activation is schema-driven: declaring a field under hash_index
or range_index in a collection schema makes the engine instantiate the
index and populate it on every subsequent write.
*/
package fieldindex
