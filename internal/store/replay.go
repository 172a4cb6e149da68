package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/tandem/internal/model"
)

// RoomState is a room rebuilt purely from its event log.
type RoomState struct {
	Room     string
	Entities []model.Entity // ordered by position, then id
	Deleted  []string       // ids whose last event is a delete, sorted
	LastSeq  int64
}

// Rebuild folds the room's event log from seq 1 into entity state. The log
// is the source of truth; the entities table is a materialization of it.
func (s *Store) Rebuild(ctx context.Context, room string) (RoomState, error) {
	events, err := s.ReadEvents(ctx, room, 0, 0)
	if err != nil {
		return RoomState{}, fmt.Errorf("rebuild %s: %w", room, err)
	}

	state := RoomState{Room: room}
	live := make(map[string]model.Entity)
	deleted := make(map[string]bool)
	for _, ev := range events {
		switch ev.Kind {
		case model.KindCreated, model.KindUpdated:
			if ev.Payload == nil {
				return RoomState{}, fmt.Errorf("rebuild %s: event seq %d has no payload", room, ev.Seq)
			}
			live[ev.EntityID] = ev.Payload.Clone()
			delete(deleted, ev.EntityID)
		case model.KindDeleted:
			delete(live, ev.EntityID)
			deleted[ev.EntityID] = true
		}
		state.LastSeq = ev.Seq
	}

	state.Entities = make([]model.Entity, 0, len(live))
	for _, e := range live {
		state.Entities = append(state.Entities, e)
	}
	sort.Slice(state.Entities, func(i, j int) bool {
		a, b := state.Entities[i], state.Entities[j]
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		return a.ID < b.ID
	})
	state.Deleted = make([]string, 0, len(deleted))
	for id := range deleted {
		state.Deleted = append(state.Deleted, id)
	}
	sort.Strings(state.Deleted)
	return state, nil
}

// Divergence is one entity whose stored state differs from its replayed state.
type Divergence struct {
	EntityID string
	Stored   *model.Entity // nil if absent from the entities table
	Replayed *model.Entity // nil if absent after replay
}

// Verify rebuilds room and compares the result with the entities table.
// An empty result means the materialized state matches the log.
func (s *Store) Verify(ctx context.Context, room string) ([]Divergence, error) {
	state, err := s.Rebuild(ctx, room)
	if err != nil {
		return nil, err
	}
	stored, err := s.allEntities(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("verify %s: %w", room, err)
	}

	replayed := make(map[string]model.Entity, len(state.Entities))
	for _, e := range state.Entities {
		replayed[e.ID] = e
	}

	var out []Divergence
	for id, cur := range stored {
		want, ok := replayed[id]
		switch {
		case !ok:
			out = append(out, Divergence{EntityID: id, Stored: &cur})
		case !cur.Equal(want):
			out = append(out, Divergence{EntityID: id, Stored: &cur, Replayed: &want})
		}
	}
	for id, want := range replayed {
		if _, ok := stored[id]; !ok {
			out = append(out, Divergence{EntityID: id, Replayed: &want})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}

func (s *Store) allEntities(ctx context.Context, room string) (map[string]model.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, version, vector_clock, position, status, fields
		FROM entities
		WHERE room = ?
	`, room)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	out := make(map[string]model.Entity)
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out[e.ID] = e
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}
	return out, nil
}

// ErrDiverged is returned by callers that treat a non-empty Verify result as
// a failure.
var ErrDiverged = errors.New("stored state diverges from event log")
