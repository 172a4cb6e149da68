package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/roach88/tandem/internal/model"
)

// roomSchema is a compiled CUE constraint with the source it came from, so a
// schema replaced by another process is recompiled on next use.
type roomSchema struct {
	source string
	value  cue.Value
}

// queryRower is satisfied by *sql.DB and *sql.Tx.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SetSchema installs a CUE constraint for room. Every entity accepted in the
// room afterwards must unify with it. An empty source removes the schema.
//
// The constraint sees each entity as {id, status, position, fields}:
//
//	fields: title: string & !=""
//	position: >=0
func (s *Store) SetSchema(ctx context.Context, room, source string) error {
	if room == "" {
		return fmt.Errorf("set schema: room is required")
	}
	if source == "" {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM room_schemas WHERE room = ?`, room); err != nil {
			return fmt.Errorf("set schema: %w", err)
		}
		s.schemaMu.Lock()
		delete(s.schemas, room)
		s.schemaMu.Unlock()
		return nil
	}

	compiled, err := s.compileSchema(source)
	if err != nil {
		return fmt.Errorf("set schema for room %s: %w", room, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO room_schemas (room, source) VALUES (?, ?)
		ON CONFLICT(room) DO UPDATE SET source = excluded.source
	`, room, source)
	if err != nil {
		return fmt.Errorf("set schema: %w", err)
	}

	s.schemaMu.Lock()
	s.schemas[room] = roomSchema{source: source, value: compiled}
	s.schemaMu.Unlock()

	s.logger.Info("room schema installed", "room", room)
	return nil
}

// Schema returns the CUE source installed for room, or "" if none.
func (s *Store) Schema(ctx context.Context, room string) (string, error) {
	return loadSchemaSource(ctx, s.db, room)
}

func loadSchemaSource(ctx context.Context, q queryRower, room string) (string, error) {
	var source string
	err := q.QueryRowContext(ctx, `SELECT source FROM room_schemas WHERE room = ?`, room).Scan(&source)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load schema: %w", err)
	}
	return source, nil
}

func (s *Store) compileSchema(source string) (cue.Value, error) {
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()

	v := s.cuectx.CompileString(source, cue.Filename("schema.cue"))
	if err := v.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("compile schema: %s", cueerrors.Details(err, nil))
	}
	return v, nil
}

// checkSchema validates e against the room schema, if any. Reads through q so
// it can run inside an open transaction on the single connection.
func (s *Store) checkSchema(ctx context.Context, q queryRower, room string, e model.Entity) error {
	source, err := loadSchemaSource(ctx, q, room)
	if err != nil {
		return err
	}
	if source == "" {
		return nil
	}

	s.schemaMu.Lock()
	cached, ok := s.schemas[room]
	s.schemaMu.Unlock()
	if !ok || cached.source != source {
		v, err := s.compileSchema(source)
		if err != nil {
			return fmt.Errorf("room %s: %w", room, err)
		}
		cached = roomSchema{source: source, value: v}
		s.schemaMu.Lock()
		s.schemas[room] = cached
		s.schemaMu.Unlock()
	}

	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()

	doc := s.cuectx.Encode(map[string]any{
		"id":       e.ID,
		"status":   string(e.Status),
		"position": e.Position,
		"fields":   model.ToAny(e.Fields),
	})
	if err := cached.value.Unify(doc).Validate(cue.Concrete(true)); err != nil {
		return invalid("schema: %s", cueerrors.Details(err, nil))
	}
	return nil
}
