// Package store provides SQLite-backed durable storage for winks, matches
// and messages. It is the storage collaborator the engine talks to.
//
// # Critical Patterns
//
// Server-assigned identity and time:
//   - Callers submit drafts; the store assigns id (UUIDv7 by default) and
//     created_at, and returns the authoritative record
//
// Deterministic query results:
//   - Every list query ends with an id COLLATE BINARY tiebreaker
//   - Messages are read in (created_at, id) ascending order
//
// Post-commit publishing:
//   - A registered Publisher sees each row only after its transaction
//     committed, never a row that was rolled back
//
// Change tailing:
//   - Every table carries an AUTOINCREMENT seq; ReadSince lets the relay
//     tail new rows written by any process
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
