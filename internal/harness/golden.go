package harness

import (
	"context"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/tandem/internal/model"
)

// Snapshot captures the complete observable outcome of a scenario: the
// trace, every replica's final entities and the backend's final entities.
// It is serialized with canonical JSON for byte-stable comparison.
type Snapshot struct {
	ScenarioName  string                    `json:"scenario_name"`
	Trace         []TraceEvent              `json:"trace"`
	Replicas      map[string][]model.Entity `json:"replicas"`
	Authoritative []model.Entity            `json:"authoritative"`
}

// NewSnapshot builds the snapshot of result under name.
func NewSnapshot(name string, result *Result) Snapshot {
	return Snapshot{
		ScenarioName:  name,
		Trace:         result.Trace,
		Replicas:      result.Replicas,
		Authoritative: result.Authoritative,
	}
}

// toCanonicalMap converts a Snapshot to plain data for canonical JSON.
// MarshalCanonical only handles model values, maps, slices and primitives.
func (s Snapshot) toCanonicalMap() map[string]any {
	trace := make([]any, len(s.Trace))
	for i, ev := range s.Trace {
		m := map[string]any{
			"step":    int64(ev.Step),
			"action":  ev.Action,
			"replica": ev.Replica,
			"outcome": ev.Outcome,
		}
		if ev.Entity != "" {
			m["entity"] = ev.Entity
		}
		if ev.Token != "" {
			m["token"] = ev.Token
		}
		if ev.Version != 0 {
			m["version"] = ev.Version
		}
		if ev.Seq != 0 {
			m["seq"] = ev.Seq
		}
		if ev.Detail != "" {
			m["detail"] = ev.Detail
		}
		trace[i] = m
	}

	replicas := make(map[string]any, len(s.Replicas))
	for actor, entities := range s.Replicas {
		replicas[actor] = entityList(entities)
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         trace,
		"replicas":      replicas,
		"authoritative": entityList(s.Authoritative),
	}
}

func entityList(entities []model.Entity) []any {
	out := make([]any, len(entities))
	for i, e := range entities {
		fields := e.Fields
		if fields == nil {
			fields = model.Object{}
		}
		clock := e.VectorClock
		if clock == nil {
			clock = model.VectorClock{}
		}
		out[i] = map[string]any{
			"id":          e.ID,
			"version":     e.Version,
			"vectorClock": clock,
			"position":    e.Position,
			"status":      string(e.Status),
			"fields":      fields,
		}
	}
	return out
}

// MarshalCanonical serializes the snapshot with canonical JSON.
func (s Snapshot) MarshalCanonical() ([]byte, error) {
	return model.MarshalCanonical(s.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares its snapshot against a
// golden file stored in testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails. Test failure (via goldie)
// occurs if the snapshot doesn't match the golden file; scenario failures
// are reported through t.
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return err
	}
	for _, msg := range result.Errors {
		t.Errorf("%s: %s", scenario.Name, msg)
	}
	return AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares the given result against a golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := NewSnapshot(scenarioName, result).MarshalCanonical()
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
