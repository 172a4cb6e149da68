package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/tandem/internal/entitystore"
	"github.com/roach88/tandem/internal/filter"
	"github.com/roach88/tandem/internal/model"
	"github.com/roach88/tandem/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] step %d %s %s %s -> %s", i+1, ev.Step, ev.Replica, ev.Action, ev.Entity, ev.Outcome)
			if ev.Detail != "" {
				fmt.Fprintf(&buf, " (%s)", ev.Detail)
			}
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}

// EvaluateAssertions runs every assertion and returns the failure messages.
// An empty slice means every assertion passed.
func EvaluateAssertions(ctx context.Context, h *Harness, assertions []Assertion) []string {
	var failures []string
	for i, a := range assertions {
		if err := h.evaluate(ctx, a); err != nil {
			var ae *AssertionError
			if errors.As(err, &ae) {
				ae.Trace = h.result.Trace
			}
			failures = append(failures, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return failures
}

func (h *Harness) evaluate(ctx context.Context, a Assertion) error {
	switch a.Type {
	case AssertEntity:
		return h.assertEntity(ctx, a)
	case AssertAbsent:
		return h.assertAbsent(ctx, a)
	case AssertConverged:
		return h.assertConverged(ctx, a)
	case AssertPending:
		return h.assertPending(a)
	case AssertCount:
		return h.assertCount(ctx, a)
	case AssertTraceCount:
		return h.assertTraceCount(a)
	case AssertLogCount:
		return h.assertLogCount(ctx, a)
	case AssertVerified:
		return h.assertVerified(ctx, a)
	default:
		return fmt.Errorf("unknown assertion type: %s", a.Type)
	}
}

// lookup reads one entity from a replica, or from the backend when replica
// is empty.
func (h *Harness) lookup(ctx context.Context, replica, id string) (model.Entity, bool, error) {
	if replica == "" {
		e, err := h.store.Get(ctx, h.scenario.Room, id)
		if errors.Is(err, store.ErrNotFound) {
			return model.Entity{}, false, nil
		}
		return e, err == nil, err
	}
	e, err := h.clients[replica].replica.Get(id)
	if errors.Is(err, entitystore.ErrNotFound) {
		return model.Entity{}, false, nil
	}
	return e, err == nil, err
}

func where(replica string) string {
	if replica == "" {
		return "backend"
	}
	return "replica " + replica
}

func (h *Harness) assertEntity(ctx context.Context, a Assertion) error {
	e, ok, err := h.lookup(ctx, a.Replica, a.Entity)
	if err != nil {
		return err
	}
	if !ok {
		return &AssertionError{
			Type:     AssertEntity,
			Expected: fmt.Sprintf("%s holds %s", where(a.Replica), a.Entity),
			Actual:   "entity not found",
		}
	}

	for _, key := range sortedKeys(a.Expect) {
		want, err := model.FromAny(a.Expect[key])
		if err != nil {
			return fmt.Errorf("expect %s: %w", key, err)
		}
		got, present := attr(e, key)
		if !present {
			got = model.Null{}
		}
		if !model.ValueEqual(got, want) {
			return &AssertionError{
				Type:     AssertEntity,
				Expected: fmt.Sprintf("%s %s.%s = %s", where(a.Replica), a.Entity, key, render(want)),
				Actual:   render(got),
			}
		}
	}
	return nil
}

// attr extends Entity.Attr with the read-only id and version.
func attr(e model.Entity, key string) (model.Value, bool) {
	switch key {
	case "id":
		return model.String(e.ID), true
	case "version":
		return model.Int(e.Version), true
	default:
		return e.Attr(key)
	}
}

func (h *Harness) assertAbsent(ctx context.Context, a Assertion) error {
	_, ok, err := h.lookup(ctx, a.Replica, a.Entity)
	if err != nil {
		return err
	}
	if ok {
		return &AssertionError{
			Type:     AssertAbsent,
			Expected: fmt.Sprintf("%s does not hold %s", where(a.Replica), a.Entity),
			Actual:   "entity present",
		}
	}
	return nil
}

// assertConverged checks that each replica holds exactly the backend's
// entities (restricted to its filter), byte for byte, with nothing pending.
func (h *Harness) assertConverged(ctx context.Context, a Assertion) error {
	actors := h.order
	if a.Replica != "" {
		actors = []string{a.Replica}
	}
	for _, actor := range actors {
		c := h.clients[actor]
		if n := c.replica.Coordinator.PendingCount(); n > 0 {
			return &AssertionError{
				Type:     AssertConverged,
				Expected: fmt.Sprintf("replica %s has no pending operations", actor),
				Actual:   fmt.Sprintf("%d pending", n),
			}
		}
		want, err := h.authoritative(ctx, c.filter)
		if err != nil {
			return err
		}
		if err := sameEntities(want, c.replica.Entities()); err != nil {
			return &AssertionError{
				Type:     AssertConverged,
				Expected: fmt.Sprintf("replica %s matches the backend", actor),
				Actual:   err.Error(),
			}
		}
	}
	return nil
}

func sameEntities(want, got []model.Entity) error {
	if len(want) != len(got) {
		return fmt.Errorf("backend has [%s], replica has [%s]", ids(want), ids(got))
	}
	for i := range want {
		if !want[i].Equal(got[i]) {
			w, _ := want[i].Canonical()
			g, _ := got[i].Canonical()
			return fmt.Errorf("entity %s differs: backend %s, replica %s", want[i].ID, w, g)
		}
	}
	return nil
}

func ids(es []model.Entity) string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.ID
	}
	return strings.Join(out, ",")
}

func (h *Harness) assertPending(a Assertion) error {
	n := 0
	for _, actor := range h.order {
		if a.Replica == "" || a.Replica == actor {
			n += h.clients[actor].replica.Coordinator.PendingCount()
		}
	}
	if n != a.Count {
		return &AssertionError{
			Type:     AssertPending,
			Expected: fmt.Sprintf("%d pending operations on %s", a.Count, where(a.Replica)),
			Actual:   fmt.Sprintf("%d", n),
		}
	}
	return nil
}

// assertCount counts entities matching Where on a replica or the backend.
func (h *Harness) assertCount(ctx context.Context, a Assertion) error {
	obj, err := objectFromYAML(a.Where)
	if err != nil {
		return fmt.Errorf("where: %w", err)
	}
	pred, err := filter.FromObject(obj)
	if err != nil {
		return err
	}

	var entities []model.Entity
	if a.Replica == "" {
		entities, err = h.authoritative(ctx, nil)
		if err != nil {
			return err
		}
	} else {
		entities = h.clients[a.Replica].replica.Entities()
	}

	n := 0
	for _, e := range entities {
		if filter.Match(pred, e) {
			n++
		}
	}
	if n != a.Count {
		return &AssertionError{
			Type:     AssertCount,
			Expected: fmt.Sprintf("%d entities matching %v on %s", a.Count, a.Where, where(a.Replica)),
			Actual:   fmt.Sprintf("%d", n),
		}
	}
	return nil
}

func (h *Harness) assertTraceCount(a Assertion) error {
	n := 0
	for _, ev := range h.result.Trace {
		if ev.Outcome == a.Outcome && (a.Replica == "" || ev.Replica == a.Replica) {
			n++
		}
	}
	if n != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("outcome %s appears %d times", a.Outcome, a.Count),
			Actual:   fmt.Sprintf("appears %d times", n),
		}
	}
	return nil
}

func (h *Harness) assertLogCount(ctx context.Context, a Assertion) error {
	events, err := h.store.ReadEvents(ctx, h.scenario.Room, 0, 0)
	if err != nil {
		return err
	}
	if len(events) != a.Count {
		return &AssertionError{
			Type:     AssertLogCount,
			Expected: fmt.Sprintf("%d events in the room log", a.Count),
			Actual:   fmt.Sprintf("%d", len(events)),
		}
	}
	return nil
}

// assertVerified replays the room log and compares it with stored state.
func (h *Harness) assertVerified(ctx context.Context, _ Assertion) error {
	divs, err := h.store.Verify(ctx, h.scenario.Room)
	if err != nil {
		return err
	}
	if len(divs) > 0 {
		diverged := make([]string, len(divs))
		for i, d := range divs {
			diverged[i] = d.EntityID
		}
		return &AssertionError{
			Type:     AssertVerified,
			Expected: "log replay reproduces stored state",
			Actual:   "diverged: " + strings.Join(diverged, ","),
		}
	}
	return nil
}

func render(v model.Value) string {
	b, err := model.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func sortedKeys(m map[string]any) []string {
	obj := make(model.Object, len(m))
	for k := range m {
		obj[k] = model.Null{}
	}
	return obj.SortedKeys()
}
