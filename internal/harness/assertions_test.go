package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoReplicaBoard = `
name: board
description: d
replicas: [{actor: alice}, {actor: bob}]
seed:
  - {id: t1, position: 1, fields: {title: Draft}}
  - {id: t2, position: 2, status: done, fields: {title: Shipped}}
steps:
  - {action: fetch, replica: alice}
  - {action: edit, replica: alice, entity: t1, patch: {title: Final, owner: alice}}
  - {action: commit, replica: alice}
`

func TestAssertionError_Format(t *testing.T) {
	err := &AssertionError{
		Type:     AssertEntity,
		Expected: "backend t1.title = \"A\"",
		Actual:   "\"B\"",
		Trace: []TraceEvent{
			{Step: 0, Action: ActionEdit, Replica: "alice", Entity: "t1", Outcome: OutcomePending},
			{Step: 1, Action: ActionCommit, Replica: "alice", Entity: "t1", Outcome: OutcomeRolledBack, Detail: "VALIDATION"},
		},
	}

	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: entity")
	assert.Contains(t, msg, "Expected: backend t1.title = \"A\"")
	assert.Contains(t, msg, "Actual: \"B\"")
	assert.Contains(t, msg, "[1] step 0 alice edit t1 -> pending")
	assert.Contains(t, msg, "[2] step 1 alice commit t1 -> rolled_back (VALIDATION)")
}

func TestAssertions_Pass(t *testing.T) {
	result := runYAML(t, twoReplicaBoard+`
assertions:
  - {type: entity, entity: t1, expect: {title: Final, owner: alice, version: 2, id: t1}}
  - {type: entity, replica: alice, entity: t1, expect: {title: Final, missing: null}}
  - {type: absent, replica: bob, entity: t1}
  - {type: count, where: {status: todo}, count: 1}
  - {type: count, replica: alice, count: 2}
  - {type: pending, replica: bob, count: 0}
  - {type: trace_count, replica: alice, outcome: committed, count: 1}
  - {type: log_count, count: 3}
  - {type: verified}
  - {type: converged, replica: alice}
`)
	assert.True(t, result.Pass, result.Errors)
}

func TestAssertions_Fail(t *testing.T) {
	tests := []struct {
		name      string
		assertion string
		want      string
	}{
		{"entity value", `{type: entity, entity: t1, expect: {title: Draft}}`, `backend t1.title = "Draft"`},
		{"entity missing", `{type: entity, replica: bob, entity: t1, expect: {title: Final}}`, "entity not found"},
		{"absent", `{type: absent, replica: alice, entity: t1}`, "entity present"},
		{"count", `{type: count, where: {status: done}, count: 2}`, "2 entities matching"},
		{"pending", `{type: pending, count: 1}`, "1 pending operations"},
		{"trace_count", `{type: trace_count, outcome: merged, count: 1}`, "appears 0 times"},
		{"log_count", `{type: log_count, count: 2}`, "2 events in the room log"},
		{"converged", `{type: converged, replica: bob}`, "replica bob matches the backend"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := runYAML(t, twoReplicaBoard+"assertions:\n  - "+tt.assertion+"\n")
			assert.False(t, result.Pass)
			require.Len(t, result.Errors, 1)
			assert.Contains(t, result.Errors[0], tt.want)
			assert.Contains(t, result.Errors[0], "Full trace:")
		})
	}
}
