package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/tandem/internal/filter"
	"github.com/roach88/tandem/internal/model"
)

// Get returns the current authoritative version of one entity.
// Returns ErrNotFound if it does not exist (or was deleted).
func (s *Store) Get(ctx context.Context, room, id string) (model.Entity, error) {
	e, err := getEntity(ctx, s.db, room, id)
	if err != nil {
		return model.Entity{}, fmt.Errorf("get %s/%s: %w", room, id, err)
	}
	return e, nil
}

func getEntity(ctx context.Context, q queryRower, room, id string) (model.Entity, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, version, vector_clock, position, status, fields
		FROM entities
		WHERE room = ? AND id = ?
	`, room, id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Entity{}, ErrNotFound
	}
	return e, err
}

func hasTombstone(ctx context.Context, q queryRower, room, id string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM tombstones WHERE room = ? AND id = ?`, room, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check tombstone: %w", err)
	}
	return true, nil
}

// ListPage answers a page request: entities matching the equality filter,
// ordered by position then id (binary collation), plus the total match count.
func (s *Store) ListPage(ctx context.Context, req model.PageRequest) (model.PageResponse, error) {
	if err := req.Validate(); err != nil {
		return model.PageResponse{}, invalid("%v", err)
	}
	pred, err := filter.FromObject(req.Filter)
	if err != nil {
		return model.PageResponse{}, invalid("%v", err)
	}
	where, params, err := filter.Compile(pred)
	if err != nil {
		return model.PageResponse{}, invalid("%v", err)
	}

	var total int
	countArgs := append([]any{req.RoomID}, params...)
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entities WHERE room = ? AND `+where, countArgs...,
	).Scan(&total); err != nil {
		return model.PageResponse{}, fmt.Errorf("count page: %w", err)
	}

	offset := (req.Page - 1) * req.Limit
	args := append(countArgs, req.Limit, offset)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, version, vector_clock, position, status, fields
		FROM entities
		WHERE room = ? AND `+where+`
		ORDER BY position ASC, id COLLATE BINARY ASC
		LIMIT ? OFFSET ?
	`, args...)
	if err != nil {
		return model.PageResponse{}, fmt.Errorf("query page: %w", err)
	}
	defer rows.Close()

	entities := []model.Entity{}
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return model.PageResponse{}, err
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return model.PageResponse{}, fmt.Errorf("iterate page: %w", err)
	}

	return model.PageResponse{
		Entities:    entities,
		HasNextPage: offset+len(entities) < total,
		TotalCount:  total,
	}, nil
}

// ReadEvents returns logged events for room with seq > afterSeq in seq order.
// limit <= 0 returns all of them.
//
// Returns an empty slice (not nil) if there are none.
func (s *Store) ReadEvents(ctx context.Context, room string, afterSeq int64, limit int) ([]model.ChangeEvent, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT room, seq, entity_id, kind, payload, origin_actor, origin_node, vector_clock, emitted_at
		FROM room_events
		WHERE room = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, room, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []model.ChangeEvent{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// LatestSeq returns the highest logged seq for room, 0 if none.
func (s *Store) LatestSeq(ctx context.Context, room string) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM room_events WHERE room = ?`, room,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("latest seq: %w", err)
	}
	return seq, nil
}

// Rooms lists every room with entities or logged events, sorted.
func (s *Store) Rooms(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT room FROM entities
		UNION
		SELECT room FROM room_events
		ORDER BY room COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer rows.Close()

	rooms := []string{}
	for rows.Next() {
		var room string
		if err := rows.Scan(&room); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rooms: %w", err)
	}
	return rooms, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(row scanner) (model.Entity, error) {
	var (
		e                     model.Entity
		clockJSON, fieldsJSON string
		status                string
	)
	if err := row.Scan(&e.ID, &e.Version, &clockJSON, &e.Position, &status, &fieldsJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Entity{}, err
		}
		return model.Entity{}, fmt.Errorf("scan entity: %w", err)
	}
	e.Status = model.Status(status)

	var err error
	if e.VectorClock, err = unmarshalClock(clockJSON); err != nil {
		return model.Entity{}, err
	}
	if e.Fields, err = unmarshalFields(fieldsJSON); err != nil {
		return model.Entity{}, err
	}
	return e, nil
}

func scanEvent(row scanner) (model.ChangeEvent, error) {
	var (
		ev                   model.ChangeEvent
		kind, clock, emitted string
		payload              *string
	)
	if err := row.Scan(&ev.RoomID, &ev.Seq, &ev.EntityID, &kind, &payload,
		&ev.OriginActorID, &ev.OriginNodeID, &clock, &emitted); err != nil {
		return model.ChangeEvent{}, fmt.Errorf("scan event: %w", err)
	}

	var err error
	if ev.Kind, err = model.ParseChangeKind(kind); err != nil {
		return model.ChangeEvent{}, err
	}
	if ev.Payload, err = unmarshalPayload(payload); err != nil {
		return model.ChangeEvent{}, err
	}
	if ev.VectorClock, err = unmarshalClock(clock); err != nil {
		return model.ChangeEvent{}, err
	}
	if ev.EmittedAt, err = parseTime(emitted); err != nil {
		return model.ChangeEvent{}, err
	}
	return ev, nil
}
