package resolve

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tandem/internal/model"
)

func baseEntity(id string) model.Entity {
	return model.Entity{
		ID:          id,
		Version:     3,
		VectorClock: model.VectorClock{"srv": 3},
		Position:    100,
		Status:      model.StatusTodo,
		Fields:      model.Object{"title": model.String("old"), "owner": model.String("kim")},
	}
}

// A local title edit and a peer status edit touch disjoint fields.
func TestResolve_NonOverlappingFields(t *testing.T) {
	base := baseEntity("t1")
	local := Edit{
		Actor: "u1",
		Clock: model.VectorClock{"srv": 3, "u1": 1},
		Patch: model.Patch{"title": model.String("Fix bug")},
	}
	remote := Edit{
		Actor: "u2",
		Clock: model.VectorClock{"srv": 3, "u2": 1},
		Patch: model.Patch{model.AttrStatus: model.String("done")},
	}

	out, err := Resolve(base, local, remote)
	require.NoError(t, err)

	assert.Equal(t, model.String("Fix bug"), out.Entity.Fields["title"])
	assert.Equal(t, model.StatusDone, out.Entity.Status)
	assert.Equal(t, model.String("kim"), out.Entity.Fields["owner"])
	assert.Empty(t, out.Conflicts)
	assert.Equal(t, model.VectorClock{"srv": 3, "u1": 1, "u2": 1}, out.Clock)
}

// Concurrent title edits: the smaller actor id wins and clocks merge.
func TestResolve_ConcurrentTiebreakByActor(t *testing.T) {
	base := baseEntity("t2")
	local := Edit{
		Actor: "u1",
		Clock: model.VectorClock{"u1": 2, "u2": 0},
		Patch: model.Patch{"title": model.String("A")},
	}
	remote := Edit{
		Actor: "u2",
		Clock: model.VectorClock{"u1": 1, "u2": 4},
		Patch: model.Patch{"title": model.String("B")},
	}

	out, err := Resolve(base, local, remote)
	require.NoError(t, err)

	assert.Equal(t, model.String("A"), out.Entity.Fields["title"])
	assert.Equal(t, model.VectorClock{"srv": 3, "u1": 2, "u2": 4}, out.Clock)
	assert.Equal(t, out.Clock, out.Entity.VectorClock)

	require.Len(t, out.Conflicts, 1)
	c := out.Conflicts[0]
	assert.Equal(t, "t2", c.EntityID)
	assert.Equal(t, "title", c.Field)
	assert.Equal(t, "u1", c.Winner)
	assert.Equal(t, RuleActorTiebreak, c.Rule)
	assert.Equal(t, model.Concurrent, c.Ordering)
}

func TestResolve_DominatingClockWins(t *testing.T) {
	base := baseEntity("t1")
	older := Edit{
		Actor: "a",
		Clock: model.VectorClock{"a": 1},
		Patch: model.Patch{"title": model.String("first")},
	}
	newer := Edit{
		Actor: "z",
		Clock: model.VectorClock{"a": 1, "z": 1},
		Patch: model.Patch{"title": model.String("second")},
	}

	out, err := Resolve(base, older, newer)
	require.NoError(t, err)

	// "a" < "z" but the dominating clock decides first.
	assert.Equal(t, model.String("second"), out.Entity.Fields["title"])
	require.Len(t, out.Conflicts, 1)
	assert.Equal(t, RuleDominance, out.Conflicts[0].Rule)
	assert.Equal(t, "z", out.Conflicts[0].Winner)
}

func TestResolve_EqualValuesAreNotConflicts(t *testing.T) {
	base := baseEntity("t1")
	a := Edit{Actor: "u1", Clock: model.VectorClock{"u1": 1}, Patch: model.Patch{"title": model.String("same")}}
	b := Edit{Actor: "u2", Clock: model.VectorClock{"u2": 1}, Patch: model.Patch{"title": model.String("same")}}

	out, err := Resolve(base, a, b)
	require.NoError(t, err)
	assert.Empty(t, out.Conflicts)
	assert.Equal(t, model.String("same"), out.Entity.Fields["title"])
}

func TestResolve_SameActorValueTiebreak(t *testing.T) {
	base := baseEntity("t1")
	a := Edit{Actor: "u1", Clock: model.VectorClock{"u1": 2}, Patch: model.Patch{"title": model.String("apple")}}
	b := Edit{Actor: "u1", Clock: model.VectorClock{"u1": 2}, Patch: model.Patch{"title": model.String("banana")}}

	out, err := Resolve(base, a, b)
	require.NoError(t, err)
	assert.Equal(t, model.String("banana"), out.Entity.Fields["title"])
	require.Len(t, out.Conflicts, 1)
	assert.Equal(t, RuleValueTiebreak, out.Conflicts[0].Rule)
}

func TestResolve_EmptyEditsKeepBase(t *testing.T) {
	base := baseEntity("t1")

	out, err := Resolve(base, Edit{Actor: "u1", Clock: model.VectorClock{"u1": 1}}, Edit{Actor: "u2"})
	require.NoError(t, err)
	assert.Empty(t, out.Patch)
	assert.Equal(t, base.Fields, out.Entity.Fields)
	assert.Equal(t, model.VectorClock{"srv": 3, "u1": 1}, out.Clock)
}

func TestResolve_DoesNotMutateInputs(t *testing.T) {
	base := baseEntity("t1")
	before, err := base.Canonical()
	require.NoError(t, err)

	a := Edit{Actor: "u1", Clock: model.VectorClock{"u1": 1}, Patch: model.Patch{"title": model.String("A")}}
	b := Edit{Actor: "u2", Clock: model.VectorClock{"u2": 1}, Patch: model.Patch{"title": model.String("B")}}
	_, err = Resolve(base, a, b)
	require.NoError(t, err)

	after, err := base.Canonical()
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, model.VectorClock{"u1": 1}, a.Clock)
}

func TestResolve_Commutative(t *testing.T) {
	base := baseEntity("t9")
	cases := []struct {
		name string
		a, b Edit
	}{
		{
			name: "concurrent distinct actors",
			a:    Edit{Actor: "u2", Clock: model.VectorClock{"u2": 1}, Patch: model.Patch{"title": model.String("B"), "owner": model.String("lee")}},
			b:    Edit{Actor: "u1", Clock: model.VectorClock{"u1": 1}, Patch: model.Patch{"title": model.String("A"), model.AttrPosition: model.Int(7)}},
		},
		{
			name: "dominance",
			a:    Edit{Actor: "u1", Clock: model.VectorClock{"u1": 1}, Patch: model.Patch{"title": model.String("A")}},
			b:    Edit{Actor: "u2", Clock: model.VectorClock{"u1": 1, "u2": 1}, Patch: model.Patch{"title": model.String("B")}},
		},
		{
			name: "same actor",
			a:    Edit{Actor: "u1", Clock: model.VectorClock{"u1": 3}, Patch: model.Patch{"title": model.String("x")}},
			b:    Edit{Actor: "u1", Clock: model.VectorClock{"u1": 3}, Patch: model.Patch{"title": model.String("y"), "tags": model.List{model.String("p1")}}},
		},
		{
			name: "nested values",
			a:    Edit{Actor: "u3", Clock: model.VectorClock{"u3": 1}, Patch: model.Patch{"meta": model.Object{"k": model.Int(1)}}},
			b:    Edit{Actor: "u4", Clock: model.VectorClock{"u4": 2}, Patch: model.Patch{"meta": model.Object{"k": model.Int(2)}}},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ab, err := Resolve(base, tc.a, tc.b)
			require.NoError(t, err)
			ba, err := Resolve(base, tc.b, tc.a)
			require.NoError(t, err)

			abBytes, err := ab.Entity.Canonical()
			require.NoError(t, err)
			baBytes, err := ba.Entity.Canonical()
			require.NoError(t, err)
			assert.True(t, bytes.Equal(abBytes, baBytes), "merged entity differs:\n%s\n%s", abBytes, baBytes)
			assert.Equal(t, ab.Clock, ba.Clock)
			assert.Equal(t, ab.Conflicts, ba.Conflicts)
		})
	}
}

func TestResolve_RejectsInvalidMerge(t *testing.T) {
	base := baseEntity("t1")
	bad := Edit{Actor: "u1", Patch: model.Patch{model.AttrStatus: model.String("archived")}}

	_, err := Resolve(base, bad, Edit{Actor: "u2"})
	assert.Error(t, err)
}

func TestRecorder_AndReport(t *testing.T) {
	base := baseEntity("t2")
	a := Edit{Actor: "u1", Clock: model.VectorClock{"u1": 1}, Patch: model.Patch{"title": model.String("A")}}
	b := Edit{Actor: "u2", Clock: model.VectorClock{"u2": 1}, Patch: model.Patch{"title": model.String("B")}}
	out, err := Resolve(base, a, b)
	require.NoError(t, err)

	var logs bytes.Buffer
	rec := &Recorder{}
	Report(context.Background(), Multi{rec, LogAuditor{Logger: slog.New(slog.NewTextHandler(&logs, nil))}}, out)

	got := rec.Conflicts()
	require.Len(t, got, 1)
	assert.Equal(t, "u1", got[0].Winner)
	assert.Contains(t, logs.String(), "event=conflict_resolved")
	assert.Contains(t, logs.String(), "winner=u1")

	// nil auditor is tolerated
	Report(context.Background(), nil, out)
}
