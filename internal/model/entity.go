package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Status is the closed set of work-item states.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusCanceled   Status = "canceled"
)

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusTodo, StatusInProgress, StatusDone, StatusCanceled:
		return Status(s), nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

// Reserved patch keys addressing top-level entity attributes instead of Fields.
const (
	AttrStatus   = "status"
	AttrPosition = "position"
)

// reservedKeys cannot appear in a patch at all.
var reservedKeys = map[string]bool{
	"id":          true,
	"version":     true,
	"vectorClock": true,
	"fields":      true,
}

// Entity is one work item.
//
// INVARIANTS:
//   - ID is globally unique and immutable
//   - Version strictly increases with every accepted mutation
//   - VectorClock entries never decrease
type Entity struct {
	ID          string      `json:"id"`
	Version     int64       `json:"version"`
	VectorClock VectorClock `json:"vectorClock"`
	Position    int64       `json:"position"`
	Status      Status      `json:"status"`
	Fields      Object      `json:"fields"`
}

// Clone returns a deep copy.
func (e Entity) Clone() Entity {
	out := e
	out.VectorClock = e.VectorClock.Clone()
	out.Fields = e.Fields.Clone()
	return out
}

// Canonical returns the canonical encoding used for byte-for-byte comparison.
func (e Entity) Canonical() ([]byte, error) {
	fields := e.Fields
	if fields == nil {
		fields = Object{}
	}
	clock := e.VectorClock
	if clock == nil {
		clock = VectorClock{}
	}
	return MarshalCanonical(map[string]any{
		"id":          e.ID,
		"version":     e.Version,
		"vectorClock": clock,
		"position":    e.Position,
		"status":      string(e.Status),
		"fields":      fields,
	})
}

// Equal reports byte-for-byte canonical equality.
func (e Entity) Equal(other Entity) bool {
	a, errA := e.Canonical()
	b, errB := other.Canonical()
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// Attr reads a patchable attribute: status, position, or a named field.
func (e Entity) Attr(name string) (Value, bool) {
	switch name {
	case AttrStatus:
		return String(e.Status), true
	case AttrPosition:
		return Int(e.Position), true
	default:
		v, ok := e.Fields[name]
		return v, ok
	}
}

// Apply returns a copy of e with the patch applied. Version and clock are
// untouched; callers decide how those advance.
func (e Entity) Apply(p Patch) (Entity, error) {
	if err := p.Validate(); err != nil {
		return e, err
	}
	out := e.Clone()
	if out.Fields == nil {
		out.Fields = Object{}
	}
	for k, v := range p {
		switch k {
		case AttrStatus:
			out.Status = Status(v.(String))
		case AttrPosition:
			out.Position = int64(v.(Int))
		default:
			out.Fields[k] = CloneValue(v)
		}
	}
	return out, nil
}

// Patch is the subset of attributes changed by one edit.
type Patch map[string]Value

// ErrEmptyPatch is returned for edits that change nothing.
var ErrEmptyPatch = errors.New("patch is empty")

// Validate checks patch shape: keys present and not reserved, status and
// position carry the right value types.
func (p Patch) Validate() error {
	if len(p) == 0 {
		return ErrEmptyPatch
	}
	for k, v := range p {
		if k == "" {
			return fmt.Errorf("patch key must not be empty")
		}
		if reservedKeys[k] {
			return fmt.Errorf("patch key %q is reserved", k)
		}
		if v == nil {
			return fmt.Errorf("patch key %q has no value (use Null to clear)", k)
		}
		switch k {
		case AttrStatus:
			s, ok := v.(String)
			if !ok {
				return fmt.Errorf("status must be a string, got %T", v)
			}
			if _, err := ParseStatus(string(s)); err != nil {
				return err
			}
		case AttrPosition:
			if _, ok := v.(Int); !ok {
				return fmt.Errorf("position must be an integer, got %T", v)
			}
		}
	}
	return nil
}

// Keys returns the touched attribute names in canonical order.
func (p Patch) Keys() []string {
	return Object(p).SortedKeys()
}

// Clone returns a deep copy.
func (p Patch) Clone() Patch {
	return Patch(Object(p).Clone())
}

// Merge returns p overlaid with q (q wins on shared keys).
func (p Patch) Merge(q Patch) Patch {
	out := p.Clone()
	if out == nil {
		out = Patch{}
	}
	for k, v := range q {
		out[k] = CloneValue(v)
	}
	return out
}

// MarshalJSON encodes the patch as an object with sorted keys.
func (p Patch) MarshalJSON() ([]byte, error) {
	return Object(p).MarshalJSON()
}

// UnmarshalJSON decodes the patch, rejecting floats.
func (p *Patch) UnmarshalJSON(data []byte) error {
	var obj Object
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*p = Patch(obj)
	return nil
}

// PatchFromEntity lists every patchable attribute of e. Used when a whole
// entity is the "edit" (create payloads, authoritative remote versions).
func PatchFromEntity(e Entity) Patch {
	p := Patch{
		AttrStatus:   String(e.Status),
		AttrPosition: Int(e.Position),
	}
	for k, v := range e.Fields {
		p[k] = CloneValue(v)
	}
	return p
}

// Diff returns the attributes whose values differ between from and to.
// Fields present in from but absent in to are reported as Null.
func Diff(from, to Entity) Patch {
	out := Patch{}
	if from.Status != to.Status {
		out[AttrStatus] = String(to.Status)
	}
	if from.Position != to.Position {
		out[AttrPosition] = Int(to.Position)
	}
	for k, v := range to.Fields {
		if old, ok := from.Fields[k]; !ok || !ValueEqual(old, v) {
			out[k] = CloneValue(v)
		}
	}
	for k := range from.Fields {
		if _, ok := to.Fields[k]; !ok {
			out[k] = Null{}
		}
	}
	return out
}
