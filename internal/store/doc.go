// Package store is the SQLite-backed authoritative backend.
//
// It owns three things per room:
//   - entities: the current authoritative version of every live entity
//   - room_events: the append-only per-room change log (FIFO by seq)
//   - room_schemas: an optional CUE constraint every accepted entity must meet
//
// ApplyMutation is the only writer of entities. It validates the request,
// advances version and vector clock, and appends the resulting ChangeEvent
// to room_events in the same transaction, so the log and the state never
// disagree.
//
// # Ordering
//
//   - room_events are ordered by seq ASC; seq is dense and per room
//   - page listings are ordered by position ASC, id ASC COLLATE BINARY
//   - no query orders by wall time
//
// # Idempotency
//
// Each logged event carries its ChangeEvent.Key. AppendEvent uses
// ON CONFLICT DO NOTHING on (room, event_key), so republishing an event
// through a shared log medium never duplicates it.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
