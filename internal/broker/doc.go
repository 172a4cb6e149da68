// Package broker fans committed change events out to every serving node.
//
// A Node owns the local subscribers of one server process. Events published
// on any node go to a shared Medium keyed by room; every node holding at
// least one local subscriber in that room forwards them to its
// subscribers.
//
// Guarantees:
//   - FIFO per room. Nothing is promised across rooms.
//   - At-least-once. A medium may redeliver (LogMedium after restart,
//     clients after resubscribe); receivers apply idempotently.
//   - A slow subscriber never stalls the room. When its buffer is full it is
//     dropped and its channel closed; the client resubscribes with the last
//     seq it saw and SubscribeFrom replays the gap from the Backlog.
//
// Two media are provided: MemoryMedium for nodes sharing one process, and
// LogMedium, which tails the SQLite room_events table so nodes in separate
// processes can share one database file.
package broker
