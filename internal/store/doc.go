// Package store provides a SQLite-backed journal for altar replicas.
//
// The journal is append-only and holds three kinds of records:
//   - Operations: grid edits with the outcome the resolver reached
//   - Actions: every dispatched action in commit order
//   - Snapshots: zstd-compressed canonical JSON of module states
//
// A replica is one peer's view of a room. Records are keyed by replica so
// several peers can share a database during an in-process simulation.
//
// # Ordering
//
// Operations are read ORDER BY timestamp, peer_id, id COLLATE BINARY, the
// same total order the resolver uses to break ties. Actions are read in seq
// order, which is the order they were committed; replaying them through a
// fresh engine rebuilds the replica's state.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - Single connection: SQLite allows one writer
package store
