// Package harness provides deterministic multi-replica scenario testing for
// the synchronization engine.
//
// The harness wires real components together: an in-memory SQLite store is
// the authoritative backend and every actor gets an engine.Replica with its
// own entity store and page cache. The harness itself plays the network.
// Submissions wait in a per-replica in-flight queue until a commit step,
// backend responses can be held back, and committed change events wait in
// per-replica inboxes until a deliver step. Every interleaving the real
// transport can produce (echo before ack, peer edits racing a pending
// edit, duplicate delivery, lost submissions) can be written down and
// replayed exactly.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	room: board
//	replicas:
//	  - actor: alice
//	  - actor: bob
//	    filter: { status: todo }
//	seed:
//	  - id: t1
//	    position: 10
//	    fields: { title: Draft }
//	steps:
//	  - action: fetch
//	    replica: alice
//	  - action: edit
//	    replica: alice
//	    entity: t1
//	    patch: { title: Final }
//	  - action: commit
//	    replica: alice
//	    outcome: committed
//	  - action: deliver
//	    replica: bob
//	assertions:
//	  - type: converged
//	  - type: entity
//	    replica: bob
//	    entity: t1
//	    expect: { title: Final, version: 2 }
//
// # Step Actions
//
//   - fetch: load a page (page, default 1) into the replica's cache
//   - create, edit, delete: apply a local edit and queue its submission
//   - commit: send the oldest in-flight submission to the backend and apply
//     the response (hold: true parks the response instead)
//   - respond: apply the oldest held response
//   - reject: answer the oldest in-flight submission with a backend rejection
//     (code: validation or stale_data) without applying it
//   - fail: fail the oldest in-flight submission with a network error
//   - deliver: hand queued change events to the replica (count limits it)
//   - duplicate: redeliver the last event the replica received
//
// # Assertion Types
//
//   - entity: attribute values on a replica, or on the backend when replica is empty
//   - absent: the entity is not held
//   - converged: replicas hold exactly the backend's entities, nothing pending
//   - pending: number of unresolved local operations
//   - count: number of entities matching a where filter
//   - trace_count: number of trace events with an outcome
//   - log_count: number of events in the room's log
//   - verified: replaying the room's log reproduces stored state
//
// # Deterministic Testing
//
// The harness uses:
//   - Sequential correlation tokens per actor (alice-1, alice-2, ...)
//   - A manual wall clock advanced one second per step (testutil.ManualClock)
//   - In-memory SQLite database (isolated per scenario)
//
// This ensures identical traces across runs for golden file comparison.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/echo_before_ack.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(ctx, scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, msg := range result.Errors {
//	        log.Println(msg)
//	    }
//	}
package harness
