package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/tandem/internal/model"
)

// marshalFields converts entity fields to canonical JSON TEXT for storage.
// Canonical bytes keep json_extract paths and golden traces stable.
func marshalFields(fields model.Object) (string, error) {
	if fields == nil {
		fields = model.Object{}
	}
	data, err := model.MarshalCanonical(fields)
	if err != nil {
		return "", fmt.Errorf("marshal fields: %w", err)
	}
	return string(data), nil
}

// marshalClock converts a vector clock to canonical JSON TEXT.
func marshalClock(clock model.VectorClock) (string, error) {
	if clock == nil {
		clock = model.VectorClock{}
	}
	data, err := model.MarshalCanonical(clock)
	if err != nil {
		return "", fmt.Errorf("marshal vector clock: %w", err)
	}
	return string(data), nil
}

// marshalPayload converts an entity to canonical JSON TEXT, or NULL for nil.
func marshalPayload(e *model.Entity) (any, error) {
	if e == nil {
		return nil, nil
	}
	data, err := e.Canonical()
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

// unmarshalFields parses stored fields. Integers decode as Int, never float.
func unmarshalFields(data string) (model.Object, error) {
	if data == "" || data == "{}" {
		return model.Object{}, nil
	}
	var obj model.Object
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		return nil, fmt.Errorf("unmarshal fields: %w", err)
	}
	return obj, nil
}

func unmarshalClock(data string) (model.VectorClock, error) {
	clock := model.VectorClock{}
	if data == "" || data == "{}" {
		return clock, nil
	}
	if err := json.Unmarshal([]byte(data), &clock); err != nil {
		return nil, fmt.Errorf("unmarshal vector clock: %w", err)
	}
	return clock, nil
}

func unmarshalPayload(data *string) (*model.Entity, error) {
	if data == nil {
		return nil, nil
	}
	var e model.Entity
	if err := json.Unmarshal([]byte(*data), &e); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	if e.VectorClock == nil {
		e.VectorClock = model.VectorClock{}
	}
	if e.Fields == nil {
		e.Fields = model.Object{}
	}
	return &e, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse emitted_at %q: %w", s, err)
	}
	return t, nil
}
