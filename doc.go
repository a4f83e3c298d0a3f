/*
Package analyticengine implements the analytic storage engine core of a
distributed time-series database: a per-table write-ahead log, memtable,
and sorted-string-table pipeline, together with the scheduling
primitives that serialize mutating operations on a table and coordinate
flush, compaction, and schema evolution.

# Scope

Table lifecycle (create/open/drop/close), the per-table write path (WAL
append then memtable insert), flush scheduling and memtable-to-SST
conversion, manifest (metadata log) updates, and the SST reader/builder
contract (columnar row-group storage with bloom filters, row-range
pruning, projection, and predicate pushdown) live here. Query planning,
cluster/shard routing, and the wire-protocol servers that would sit in
front of this engine do not; Engine exposes only the Table handle a
caller needs to read and write rows.

# Concurrency

An Engine is safe for concurrent use by multiple goroutines. Within one
table, at most one mutating operation (write, alter, drop, flush
scheduling) runs at a time; reads proceed concurrently with writes and
with each other.

Reference: HoraeDB/CeresDB's analytic engine (table_engine, analytic_engine crates).
*/
package analyticengine
