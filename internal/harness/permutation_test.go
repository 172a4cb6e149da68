package harness

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// edits made by each replica before any response or delivery.
var permutedEdits = []Step{
	{Action: ActionEdit, Replica: "alice", Entity: "t1", Patch: map[string]any{"title": "Alice"}},
	{Action: ActionEdit, Replica: "alice", Entity: "t2", Patch: map[string]any{"title": "Alice"}},
	{Action: ActionEdit, Replica: "bob", Entity: "t1", Patch: map[string]any{"status": "in_progress"}},
	{Action: ActionEdit, Replica: "carol", Entity: "t2", Patch: map[string]any{"title": "Carol"}},
}

// permutedScenario interleaves every replica's commits, responses and
// single-event deliveries in an order drawn from rng. Per replica a
// response never precedes its commit; everything else is free. A final
// delivery per replica drains what is left.
func permutedScenario(rng *rand.Rand) *Scenario {
	actors := []string{"alice", "bob", "carol"}
	s := &Scenario{
		Name:        "permuted",
		Description: "delivery, commit and respond order drawn at random",
		Room:        DefaultRoom,
		Seed: []SeedEntity{
			{ID: "t1", Position: 10, Fields: map[string]any{"title": "Draft"}},
			{ID: "t2", Position: 20, Fields: map[string]any{"title": "Draft"}},
		},
		Assertions: []Assertion{
			{Type: AssertConverged},
			{Type: AssertPending, Count: 0},
			{Type: AssertEntity, Entity: "t1", Expect: map[string]any{"title": "Alice", "status": "in_progress", "version": 3}},
			{Type: AssertVerified},
		},
	}

	type progress struct{ commits, responds, delivers int }
	edits := map[string]int{}
	left := map[string]*progress{}
	for _, actor := range actors {
		s.Replicas = append(s.Replicas, ReplicaSpec{Actor: actor})
		s.Steps = append(s.Steps, Step{Action: ActionFetch, Replica: actor})
		left[actor] = &progress{delivers: len(permutedEdits)}
	}
	for _, e := range permutedEdits {
		s.Steps = append(s.Steps, e)
		edits[e.Replica]++
		left[e.Replica].commits++
	}

	for {
		var moves []Step
		for _, actor := range actors {
			p := left[actor]
			if p.commits > 0 {
				moves = append(moves, Step{Action: ActionCommit, Replica: actor, Hold: true})
			}
			if p.responds < edits[actor]-p.commits {
				moves = append(moves, Step{Action: ActionRespond, Replica: actor})
			}
			if p.delivers > 0 {
				moves = append(moves, Step{Action: ActionDeliver, Replica: actor, Count: 1})
			}
		}
		if len(moves) == 0 {
			break
		}
		m := moves[rng.IntN(len(moves))]
		p := left[m.Replica]
		switch m.Action {
		case ActionCommit:
			p.commits--
		case ActionRespond:
			p.responds++
		case ActionDeliver:
			p.delivers--
		}
		s.Steps = append(s.Steps, m)
	}
	for _, actor := range actors {
		s.Steps = append(s.Steps, Step{Action: ActionDeliver, Replica: actor})
	}
	return s
}

func describeSteps(steps []Step) string {
	parts := make([]string, 0, len(steps))
	for _, st := range steps {
		parts = append(parts, st.Replica+":"+st.Action)
	}
	return strings.Join(parts, " ")
}

func TestRun_PermutedOrdersConverge(t *testing.T) {
	for seed := uint64(1); seed <= 64; seed++ {
		t.Run(fmt.Sprintf("seed_%d", seed), func(t *testing.T) {
			scenario := permutedScenario(rand.New(rand.NewPCG(seed, 0x7a6e)))
			result, err := Run(context.Background(), scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "%s\norder: %s", strings.Join(result.Errors, "\n"), describeSteps(scenario.Steps))
		})
	}
}

func TestPermutedScenario_KeepsResponsesBehindCommits(t *testing.T) {
	scenario := permutedScenario(rand.New(rand.NewPCG(7, 0x7a6e)))

	committed := map[string]int{}
	responded := map[string]int{}
	for _, st := range scenario.Steps {
		switch st.Action {
		case ActionCommit:
			committed[st.Replica]++
		case ActionRespond:
			responded[st.Replica]++
			assert.LessOrEqual(t, responded[st.Replica], committed[st.Replica], "respond before commit for %s", st.Replica)
		}
	}
	assert.Equal(t, map[string]int{"alice": 2, "bob": 1, "carol": 1}, committed)
	assert.Equal(t, committed, responded)

	// The same seed always draws the same order.
	again := permutedScenario(rand.New(rand.NewPCG(7, 0x7a6e)))
	assert.Equal(t, describeSteps(scenario.Steps), describeSteps(again.Steps))
}
