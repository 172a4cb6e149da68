// Package filter is the page-filter predicate IR.
//
// A page request carries an optional filter object such as
// {"status": "done", "assignee": "u2"}. FromObject turns it into a sealed
// predicate tree; Compile lowers the tree to a parameterized SQLite WHERE
// fragment for the authoritative store, and Match evaluates it against an
// in-memory entity for replicas and tests.
//
// Only conjunctions of equality tests are supported. There is no OR and no
// range comparison; callers needing either fetch unfiltered pages.
package filter

import (
	"fmt"
	"regexp"

	"github.com/roach88/tandem/internal/model"
)

// Predicate is a filter condition.
//
// This is a sealed interface: only Equals and And implement it, so Compile
// and Match switch exhaustively.
type Predicate interface {
	predicateNode()
}

// Equals tests one attribute against a literal.
//
// Attr is "status", "position", or a field name. A Null value matches
// entities where the field is absent or cleared.
type Equals struct {
	Attr  string
	Value model.Value
}

func (Equals) predicateNode() {}

// And is true when every child is true. An empty And is always true.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// fieldName bounds field names so they can be spliced into a JSON path.
var fieldName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// FromObject builds an And of Equals from a filter object, one per key in
// canonical key order. A nil or empty object yields nil (no filter).
func FromObject(obj model.Object) (Predicate, error) {
	if len(obj) == 0 {
		return nil, nil
	}
	and := And{Predicates: make([]Predicate, 0, len(obj))}
	for _, k := range obj.SortedKeys() {
		eq := Equals{Attr: k, Value: obj[k]}
		if err := validateEquals(eq); err != nil {
			return nil, err
		}
		and.Predicates = append(and.Predicates, eq)
	}
	return and, nil
}

func validateEquals(eq Equals) error {
	switch eq.Attr {
	case model.AttrStatus:
		s, ok := eq.Value.(model.String)
		if !ok {
			return fmt.Errorf("filter status: expected string, got %T", eq.Value)
		}
		if _, err := model.ParseStatus(string(s)); err != nil {
			return fmt.Errorf("filter: %w", err)
		}
		return nil
	case model.AttrPosition:
		if _, ok := eq.Value.(model.Int); !ok {
			return fmt.Errorf("filter position: expected integer, got %T", eq.Value)
		}
		return nil
	}
	if !fieldName.MatchString(eq.Attr) {
		return fmt.Errorf("filter: invalid field name %q", eq.Attr)
	}
	switch eq.Value.(type) {
	case model.String, model.Int, model.Bool, model.Null:
		return nil
	default:
		return fmt.Errorf("filter %s: unsupported value type %T", eq.Attr, eq.Value)
	}
}

// Match reports whether e satisfies p. A nil predicate matches everything.
func Match(p Predicate, e model.Entity) bool {
	switch pred := p.(type) {
	case nil:
		return true
	case Equals:
		v, ok := e.Attr(pred.Attr)
		if _, isNull := pred.Value.(model.Null); isNull {
			if !ok {
				return true
			}
			_, null := v.(model.Null)
			return null
		}
		return ok && model.ValueEqual(v, pred.Value)
	case And:
		for _, child := range pred.Predicates {
			if !Match(child, e) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
