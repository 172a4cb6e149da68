// Package resolve merges two competing edits of the same entity.
//
// Resolve is a pure function. Fields touched by only one side merge cleanly;
// fields touched by both go to the side whose vector clock dominates, or,
// under true concurrency, to the lexicographically smaller actor id. This is
// last-writer-wins with a stable tie-break, not operational transformation.
//
// The outcome is symmetric: Resolve(base, a, b) and Resolve(base, b, a)
// produce identical entities, clocks and conflict records.
package resolve

import (
	"bytes"
	"fmt"

	"github.com/roach88/tandem/internal/model"
)

// Edit is one side of a conflict: the attributes an actor changed and the
// vector clock the change carries.
type Edit struct {
	Actor string
	Clock model.VectorClock
	Patch model.Patch
}

// Rule names how a field conflict was decided.
type Rule string

const (
	// RuleDominance means one clock strictly dominated the other.
	RuleDominance Rule = "dominance"
	// RuleActorTiebreak means clocks were concurrent (or equal) and the
	// smaller actor id won.
	RuleActorTiebreak Rule = "actor_tiebreak"
	// RuleValueTiebreak means both edits came from the same actor with
	// non-dominating clocks; the larger canonical value wins.
	RuleValueTiebreak Rule = "value_tiebreak"
)

// Conflict records one field touched by both edits with different values.
// Left and Right are in canonical edit order, not argument order.
type Conflict struct {
	EntityID   string         `json:"entityId"`
	Field      string         `json:"field"`
	LeftActor  string         `json:"leftActor"`
	LeftValue  model.Value    `json:"leftValue"`
	RightActor string         `json:"rightActor"`
	RightValue model.Value    `json:"rightValue"`
	Ordering   model.Ordering `json:"-"`
	Winner     string         `json:"winner"`
	Rule       Rule           `json:"rule"`
}

// Outcome is the merged result.
type Outcome struct {
	// Entity is base with the merged patch applied and Clock set. Version is
	// carried over from base; callers decide how the version advances.
	Entity model.Entity
	// Patch is the merged attribute set (union of both sides).
	Patch model.Patch
	// Clock is the pairwise maximum of base, a and b.
	Clock model.VectorClock
	// Conflicts lists overlapping fields in canonical key order.
	Conflicts []Conflict
}

// Winners returns a map from conflicting field to winning actor.
func (o Outcome) Winners() map[string]string {
	out := make(map[string]string, len(o.Conflicts))
	for _, c := range o.Conflicts {
		out[c.Field] = c.Winner
	}
	return out
}

// Resolve merges a and b on top of base.
func Resolve(base model.Entity, a, b Edit) (Outcome, error) {
	left, right, err := canonicalOrder(a, b)
	if err != nil {
		return Outcome{}, err
	}

	merged := model.Patch{}
	var conflicts []Conflict

	for _, k := range left.Patch.Keys() {
		if _, both := right.Patch[k]; !both {
			merged[k] = model.CloneValue(left.Patch[k])
		}
	}
	for _, k := range right.Patch.Keys() {
		lv, both := left.Patch[k]
		rv := right.Patch[k]
		if !both {
			merged[k] = model.CloneValue(rv)
			continue
		}
		if model.ValueEqual(lv, rv) {
			merged[k] = model.CloneValue(lv)
			continue
		}
		winner, rule, ord, err := decide(left, right, lv, rv)
		if err != nil {
			return Outcome{}, fmt.Errorf("resolve field %q: %w", k, err)
		}
		if winner == 0 {
			merged[k] = model.CloneValue(lv)
		} else {
			merged[k] = model.CloneValue(rv)
		}
		c := Conflict{
			EntityID:   base.ID,
			Field:      k,
			LeftActor:  left.Actor,
			LeftValue:  model.CloneValue(lv),
			RightActor: right.Actor,
			RightValue: model.CloneValue(rv),
			Ordering:   ord,
			Rule:       rule,
		}
		if winner == 0 {
			c.Winner = left.Actor
		} else {
			c.Winner = right.Actor
		}
		conflicts = append(conflicts, c)
	}

	clock := base.VectorClock.Merge(left.Clock).Merge(right.Clock)

	out := base.Clone()
	if len(merged) > 0 {
		applied, err := base.Apply(merged)
		if err != nil {
			return Outcome{}, fmt.Errorf("apply merged patch: %w", err)
		}
		out = applied
	}
	out.VectorClock = clock

	return Outcome{
		Entity:    out,
		Patch:     merged,
		Clock:     clock.Clone(),
		Conflicts: conflicts,
	}, nil
}

// decide picks the winning side (0 = left, 1 = right) for an overlapping field.
func decide(left, right Edit, lv, rv model.Value) (int, Rule, model.Ordering, error) {
	ord := left.Clock.Compare(right.Clock)
	switch ord {
	case model.After:
		return 0, RuleDominance, ord, nil
	case model.Before:
		return 1, RuleDominance, ord, nil
	}

	if left.Actor != right.Actor {
		// canonicalOrder guarantees left.Actor < right.Actor here.
		return 0, RuleActorTiebreak, ord, nil
	}

	lb, err := model.MarshalCanonical(lv)
	if err != nil {
		return 0, "", ord, err
	}
	rb, err := model.MarshalCanonical(rv)
	if err != nil {
		return 0, "", ord, err
	}
	if bytes.Compare(lb, rb) >= 0 {
		return 0, RuleValueTiebreak, ord, nil
	}
	return 1, RuleValueTiebreak, ord, nil
}

// canonicalOrder sorts the two edits by actor id, then by canonical clock
// and patch bytes, so the result never depends on argument order.
func canonicalOrder(a, b Edit) (Edit, Edit, error) {
	if a.Actor != b.Actor {
		if a.Actor < b.Actor {
			return a, b, nil
		}
		return b, a, nil
	}
	ak, err := editKey(a)
	if err != nil {
		return Edit{}, Edit{}, err
	}
	bk, err := editKey(b)
	if err != nil {
		return Edit{}, Edit{}, err
	}
	if bytes.Compare(ak, bk) <= 0 {
		return a, b, nil
	}
	return b, a, nil
}

func editKey(e Edit) ([]byte, error) {
	clock := e.Clock
	if clock == nil {
		clock = model.VectorClock{}
	}
	patch := model.Object(e.Patch)
	if patch == nil {
		patch = model.Object{}
	}
	b, err := model.MarshalCanonical(map[string]any{"clock": clock, "patch": patch})
	if err != nil {
		return nil, fmt.Errorf("encode edit for %s: %w", e.Actor, err)
	}
	return b, nil
}
