/*
Package storage persists clone sessions, their resize plans and the
partition-table snapshots the plans are validated against.

The Store interface is the single source of truth for session state; the
BoltDB implementation keeps one bucket per entity with JSON-encoded values
keyed by id. Writes are serialized by BoltDB's single-writer transaction
model, which is what the per-session single-writer discipline of the
coordinator relies on for durability ordering. Reads are concurrent and may
trail in-flight progress by a few samples.
*/
package storage
