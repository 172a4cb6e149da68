package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/tandem/internal/model"
	"github.com/roach88/tandem/internal/resolve"
)

func fixedNow() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func newTestReplica(t *testing.T, actor string, tokens ...string) (*Replica, *resolve.Recorder) {
	t.Helper()
	rec := &resolve.Recorder{}
	r := NewReplica(ReplicaConfig{
		Actor:   actor,
		Room:    "room-1",
		Tokens:  NewFixedGenerator(tokens...),
		Auditor: rec,
		Now:     fixedNow,
	})
	t.Cleanup(func() { _ = r.Close() })
	return r, rec
}

func seedTask(t *testing.T, r *Replica, id string, version int64, clock model.VectorClock, title string) model.Entity {
	t.Helper()
	e := model.Entity{
		ID:          id,
		Version:     version,
		VectorClock: clock,
		Position:    10,
		Status:      model.StatusTodo,
		Fields:      model.Object{"title": model.String(title)},
	}
	require.NoError(t, r.Store.Upsert(e))
	return e
}

func canonical(t *testing.T, e model.Entity) string {
	t.Helper()
	b, err := e.Canonical()
	require.NoError(t, err)
	return string(b)
}

func mustGet(t *testing.T, r *Replica, id string) model.Entity {
	t.Helper()
	e, err := r.Get(id)
	require.NoError(t, err)
	return e
}

func titleEdit(id, title string) LocalEdit {
	return LocalEdit{EntityID: id, Kind: model.OpUpdate, Patch: model.Patch{"title": model.String(title)}}
}

// serverVersion mimics what the backend would return after applying patch by actor.
func serverVersion(base model.Entity, actor string, patch model.Patch) model.Entity {
	next, err := base.Apply(patch)
	if err != nil {
		panic(err)
	}
	next.Version = base.Version + 1
	next.VectorClock = base.VectorClock.Tick(actor)
	return next
}

func event(kind model.ChangeKind, actor string, payload *model.Entity, id string, clock model.VectorClock) model.ChangeEvent {
	return model.ChangeEvent{
		Kind:          kind,
		EntityID:      id,
		Payload:       payload,
		OriginActorID: actor,
		OriginNodeID:  "node-a",
		VectorClock:   clock,
		EmittedAt:     fixedNow(),
	}
}

func updated(actor string, e model.Entity) model.ChangeEvent {
	return event(model.KindUpdated, actor, &e, e.ID, e.VectorClock)
}
