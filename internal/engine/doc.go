// Package engine implements the client side of tandem's synchronization:
// optimistic local mutation, peer reconciliation and the single-writer loop
// that sequences them.
//
// ARCHITECTURE:
//
// Replica composes the pieces for one room:
//   - entitystore.Store holds the visible entities
//   - pagecache.Cache bounds residency and pins entities with pending edits
//   - Coordinator applies local edits immediately, records one
//     PendingOperation per entity, and commits or rolls back on the
//     backend's answer
//   - Receiver applies inbound change events, recognizes echoes of local
//     edits, and runs the resolver when a remote change meets a pending edit
//
// Engine wraps a Replica in a single-writer event loop. Every input (local
// edit, backend response, change event, connection state) is a task on one
// bounded FIFO queue. The loop never preempts a task, so store mutations for
// one entity never interleave.
//
// OPERATION LIFECYCLE:
//
//	Idle -> Pending -> {Committed | RolledBack}
//
// A new edit to an entity with a pending operation supersedes it: the old
// correlation token is retired and its eventual response is ignored. The
// chain keeps the snapshot taken before its first edit, advanced only by
// authoritative state (acks and change events), so a rollback restores
// exactly what the backend last confirmed.
//
// IDEMPOTENCE:
//
// At-least-once delivery means duplicates are normal. An event whose vector
// clock is covered by the clock the replica already holds for that entity
// (resident, chain snapshot, or delete tombstone) is a no-op.
package engine
