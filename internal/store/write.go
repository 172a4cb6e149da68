package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/tandem/internal/model"
)

// Mutation is the result of one accepted mutation.
type Mutation struct {
	// Entity is the new authoritative version. For deletes it is the final
	// state with the bumped version and clock.
	Entity model.Entity
	// Event is the logged change event, Seq assigned.
	Event model.ChangeEvent
}

// ApplyMutation validates and applies one mutation request in room as
// relayed by node. Rejections are *RejectionError values; a base version
// behind the current one is repaired by applying the patch on top of the
// current version.
func (s *Store) ApplyMutation(ctx context.Context, room, node string, req model.MutationRequest) (Mutation, error) {
	if err := validateRequest(room, req); err != nil {
		return Mutation{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Mutation{}, fmt.Errorf("apply mutation: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	cur, err := getEntity(ctx, tx, room, req.EntityID)
	found := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Mutation{}, fmt.Errorf("apply mutation: %w", err)
	}
	deleted, err := hasTombstone(ctx, tx, room, req.EntityID)
	if err != nil {
		return Mutation{}, fmt.Errorf("apply mutation: %w", err)
	}

	var next model.Entity
	switch req.Op {
	case model.OpCreate:
		if found {
			return Mutation{}, stale("entity %s already exists", req.EntityID)
		}
		if deleted {
			return Mutation{}, stale("entity %s was deleted", req.EntityID)
		}
		next, err = model.Entity{ID: req.EntityID, Status: model.StatusTodo, Fields: model.Object{}}.Apply(req.Patch)
		if err != nil {
			return Mutation{}, invalid("%v", err)
		}
		next.Version = 1
		next.VectorClock = model.VectorClock{}.Tick(req.ActorID)

	case model.OpUpdate, model.OpDelete:
		if !found {
			if deleted {
				return Mutation{}, stale("entity %s was deleted", req.EntityID)
			}
			return Mutation{}, stale("entity %s not found", req.EntityID)
		}
		if req.BaseVersion > cur.Version {
			return Mutation{}, stale("base version %d is ahead of %d", req.BaseVersion, cur.Version)
		}
		next = cur.Clone()
		if req.Op == model.OpUpdate {
			next, err = cur.Apply(req.Patch)
			if err != nil {
				return Mutation{}, invalid("%v", err)
			}
		}
		next.Version = cur.Version + 1
		next.VectorClock = cur.VectorClock.Tick(req.ActorID)
	}

	if req.Op != model.OpDelete {
		if err := s.checkSchema(ctx, tx, room, next); err != nil {
			return Mutation{}, err
		}
		if err := putEntity(ctx, tx, room, next); err != nil {
			return Mutation{}, fmt.Errorf("apply mutation: %w", err)
		}
	} else if err := deleteEntity(ctx, tx, room, next); err != nil {
		return Mutation{}, fmt.Errorf("apply mutation: %w", err)
	}

	ev := model.ChangeEvent{
		Kind:          req.Op.ChangeKind(),
		EntityID:      req.EntityID,
		OriginActorID: req.ActorID,
		OriginNodeID:  node,
		VectorClock:   next.VectorClock.Clone(),
		EmittedAt:     s.now().UTC(),
		RoomID:        room,
	}
	if req.Op != model.OpDelete {
		payload := next.Clone()
		ev.Payload = &payload
	}
	seq, _, err := appendEvent(ctx, tx, ev)
	if err != nil {
		return Mutation{}, fmt.Errorf("apply mutation: %w", err)
	}
	ev.Seq = seq

	if err := tx.Commit(); err != nil {
		return Mutation{}, fmt.Errorf("apply mutation: commit: %w", err)
	}

	s.logger.Debug("mutation applied",
		"room", room,
		"entity_id", req.EntityID,
		"op", req.Op.String(),
		"version", next.Version,
		"seq", seq,
	)
	return Mutation{Entity: next, Event: ev}, nil
}

func validateRequest(room string, req model.MutationRequest) error {
	if room == "" {
		return invalid("room is required")
	}
	if req.EntityID == "" {
		return invalid("entityId is required")
	}
	if req.ActorID == "" {
		return invalid("actorId is required")
	}
	switch req.Op {
	case model.OpCreate, model.OpUpdate:
		if err := req.Patch.Validate(); err != nil {
			return invalid("%v", err)
		}
	case model.OpDelete:
		if len(req.Patch) > 0 {
			return invalid("delete does not take a patch")
		}
	default:
		return invalid("unknown op %s", req.Op)
	}
	return nil
}

// AppendEvent logs an event published by another path (a shared log
// medium). Returns the assigned seq and whether a new row was written; an
// already logged event returns its existing seq and inserted=false.
func (s *Store) AppendEvent(ctx context.Context, ev model.ChangeEvent) (seq int64, inserted bool, err error) {
	if ev.RoomID == "" {
		return 0, false, fmt.Errorf("append event: room is required")
	}
	if err := ev.Validate(); err != nil {
		return 0, false, fmt.Errorf("append event: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("append event: begin tx: %w", err)
	}
	defer tx.Rollback()

	seq, inserted, err = appendEvent(ctx, tx, ev)
	if err != nil {
		return 0, false, fmt.Errorf("append event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("append event: commit: %w", err)
	}
	return seq, inserted, nil
}

// appendEvent assigns the next room seq and inserts ev. Uses ON CONFLICT DO
// NOTHING on the event key so a republished event keeps its first seq.
func appendEvent(ctx context.Context, tx *sql.Tx, ev model.ChangeEvent) (int64, bool, error) {
	key, err := ev.Key()
	if err != nil {
		return 0, false, err
	}
	payload, err := marshalPayload(ev.Payload)
	if err != nil {
		return 0, false, err
	}
	clock, err := marshalClock(ev.VectorClock)
	if err != nil {
		return 0, false, err
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM room_events WHERE room = ?`, ev.RoomID,
	).Scan(&seq); err != nil {
		return 0, false, fmt.Errorf("next seq: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO room_events
		(room, seq, event_key, entity_id, kind, payload, origin_actor, origin_node, vector_clock, emitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		ev.RoomID,
		seq,
		key,
		ev.EntityID,
		ev.Kind.String(),
		payload,
		ev.OriginActorID,
		ev.OriginNodeID,
		clock,
		formatTime(ev.EmittedAt),
	)
	if err != nil {
		return 0, false, fmt.Errorf("insert event: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return seq, true, nil
	}

	// Conflict - event already logged, fetch its seq
	if err := tx.QueryRowContext(ctx,
		`SELECT seq FROM room_events WHERE room = ? AND event_key = ?`, ev.RoomID, key,
	).Scan(&seq); err != nil {
		return 0, false, fmt.Errorf("select existing event: %w", err)
	}
	return seq, false, nil
}

func putEntity(ctx context.Context, tx *sql.Tx, room string, e model.Entity) error {
	fields, err := marshalFields(e.Fields)
	if err != nil {
		return err
	}
	clock, err := marshalClock(e.VectorClock)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO entities (room, id, version, vector_clock, position, status, fields)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(room, id) DO UPDATE SET
			version = excluded.version,
			vector_clock = excluded.vector_clock,
			position = excluded.position,
			status = excluded.status,
			fields = excluded.fields
	`, room, e.ID, e.Version, clock, e.Position, string(e.Status), fields)
	if err != nil {
		return fmt.Errorf("write entity %s: %w", e.ID, err)
	}
	return nil
}

func deleteEntity(ctx context.Context, tx *sql.Tx, room string, final model.Entity) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE room = ? AND id = ?`, room, final.ID); err != nil {
		return fmt.Errorf("delete entity %s: %w", final.ID, err)
	}
	clock, err := marshalClock(final.VectorClock)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tombstones (room, id, version, vector_clock)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(room, id) DO UPDATE SET
			version = excluded.version,
			vector_clock = excluded.vector_clock
	`, room, final.ID, final.Version, clock)
	if err != nil {
		return fmt.Errorf("write tombstone %s: %w", final.ID, err)
	}
	return nil
}

// SeedActor is the origin actor recorded on events written by Seed.
const SeedActor = "seed"

// Seed writes fixture entities directly, bypassing validation. Each one is
// logged as a created event so Rebuild reproduces it. Existing ids are
// overwritten.
func (s *Store) Seed(ctx context.Context, room string, entities ...model.Entity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("seed: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, e := range entities {
		if e.ID == "" {
			return fmt.Errorf("seed: entity id is required")
		}
		if e.Version < 1 {
			e.Version = 1
		}
		if e.Status == "" {
			e.Status = model.StatusTodo
		}
		if e.Fields == nil {
			e.Fields = model.Object{}
		}
		if e.VectorClock == nil {
			e.VectorClock = model.VectorClock{}
		}
		if err := putEntity(ctx, tx, room, e); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
		payload := e.Clone()
		ev := model.ChangeEvent{
			Kind:          model.KindCreated,
			EntityID:      e.ID,
			Payload:       &payload,
			OriginActorID: SeedActor,
			VectorClock:   e.VectorClock.Clone(),
			EmittedAt:     s.now().UTC(),
			RoomID:        room,
		}
		if _, _, err := appendEvent(ctx, tx, ev); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("seed: commit: %w", err)
	}
	return nil
}
