package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/roach88/tandem/internal/model"
)

// Scenario defines one deterministic synchronization scenario: a room with
// seeded authoritative state, a set of client replicas, the steps that
// interleave their edits with backend responses and event delivery, and the
// assertions evaluated on the final state.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Room is the room every replica mirrors. Defaults to "scenario".
	Room string `yaml:"room,omitempty"`

	// Replicas lists the client replicas, one per actor.
	Replicas []ReplicaSpec `yaml:"replicas"`

	// Seed is the authoritative state before the first step.
	Seed []SeedEntity `yaml:"seed,omitempty"`

	// Schema is an optional CUE schema installed for the room.
	Schema string `yaml:"schema,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the trace and the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// ReplicaSpec configures one replica.
type ReplicaSpec struct {
	// Actor is the replica's actor id. Must be unique within the scenario.
	Actor string `yaml:"actor"`

	// Filter restricts the pages the replica loads (attribute -> value).
	Filter map[string]any `yaml:"filter,omitempty"`

	// PageSize overrides the default page size of the replica's cache.
	PageSize int `yaml:"page_size,omitempty"`

	// PageCapacity overrides the number of resident pages.
	PageCapacity int `yaml:"page_capacity,omitempty"`
}

// SeedEntity is a fixture entity written before the scenario starts.
type SeedEntity struct {
	ID       string         `yaml:"id"`
	Position int64          `yaml:"position"`
	Status   string         `yaml:"status,omitempty"`
	Fields   map[string]any `yaml:"fields,omitempty"`
}

// Step is one scenario step. Which fields apply depends on Action.
type Step struct {
	// Action is one of the Action* constants.
	Action string `yaml:"action"`

	// Replica is the actor the step acts for.
	Replica string `yaml:"replica"`

	// Entity is the entity edited (create, edit, delete).
	Entity string `yaml:"entity,omitempty"`

	// Patch is the attribute change (create, edit).
	Patch map[string]any `yaml:"patch,omitempty"`

	// Page is the page number to load (fetch). Defaults to 1.
	Page int `yaml:"page,omitempty"`

	// Count limits how many inbox events are delivered (deliver).
	// Zero delivers the whole inbox.
	Count int `yaml:"count,omitempty"`

	// Hold parks the backend response instead of acknowledging (commit).
	Hold bool `yaml:"hold,omitempty"`

	// Code is the rejection code the backend answers with (reject):
	// validation or stale_data.
	Code string `yaml:"code,omitempty"`

	// Outcome, when set, is the outcome the step's last trace event must
	// report.
	Outcome string `yaml:"outcome,omitempty"`
}

// Step actions.
const (
	// ActionFetch loads a page into the replica's cache.
	ActionFetch = "fetch"
	// ActionCreate applies a local create.
	ActionCreate = "create"
	// ActionEdit applies a local update.
	ActionEdit = "edit"
	// ActionDelete applies a local delete.
	ActionDelete = "delete"
	// ActionCommit sends the replica's oldest in-flight submission to the
	// backend and, unless held, applies the response.
	ActionCommit = "commit"
	// ActionRespond applies the replica's oldest held backend response.
	ActionRespond = "respond"
	// ActionReject answers the oldest in-flight submission with a backend
	// rejection without applying it.
	ActionReject = "reject"
	// ActionFail fails the oldest in-flight submission with a network error
	// before it reaches the backend.
	ActionFail = "fail"
	// ActionDeliver hands queued change events to the replica.
	ActionDeliver = "deliver"
	// ActionDuplicate redelivers the last event the replica received.
	ActionDuplicate = "duplicate"
)

var stepActions = map[string]bool{
	ActionFetch:     true,
	ActionCreate:    true,
	ActionEdit:      true,
	ActionDelete:    true,
	ActionCommit:    true,
	ActionRespond:   true,
	ActionReject:    true,
	ActionFail:      true,
	ActionDeliver:   true,
	ActionDuplicate: true,
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type (Assert* constants).
	Type string `yaml:"type"`

	// Replica is the replica inspected. Empty means the authoritative store
	// for entity and absent, and every replica for converged and pending.
	Replica string `yaml:"replica,omitempty"`

	// Entity is the entity id (entity, absent).
	Entity string `yaml:"entity,omitempty"`

	// Expect holds expected attribute values (entity). Keys are id,
	// version, status, position or a field name. Subset match.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Where filters entities before counting (count).
	Where map[string]any `yaml:"where,omitempty"`

	// Outcome is the trace outcome counted (trace_count).
	Outcome string `yaml:"outcome,omitempty"`

	// Count is the expected number (count, pending, trace_count, log_count).
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertEntity     = "entity"
	AssertAbsent     = "absent"
	AssertConverged  = "converged"
	AssertPending    = "pending"
	AssertCount      = "count"
	AssertTraceCount = "trace_count"
	AssertLogCount   = "log_count"
	AssertVerified   = "verified"
)

// DefaultRoom is the room used when a scenario names none.
const DefaultRoom = "scenario"

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML with strict field checking.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	if scenario.Room == "" {
		scenario.Room = DefaultRoom
	}
	return &scenario, nil
}

// LoadScenarios loads every *.yaml file in dir, sorted by file name.
func LoadScenarios(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("list scenarios: %w", err)
	}
	sort.Strings(paths)

	scenarios := make([]*Scenario, 0, len(paths))
	for _, path := range paths {
		s, err := LoadScenario(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Replicas) == 0 {
		return fmt.Errorf("replicas list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	actors := make(map[string]bool, len(s.Replicas))
	for i, r := range s.Replicas {
		if r.Actor == "" {
			return fmt.Errorf("replicas[%d]: actor is required", i)
		}
		if actors[r.Actor] {
			return fmt.Errorf("replicas[%d]: duplicate actor %q", i, r.Actor)
		}
		actors[r.Actor] = true
	}

	for i, e := range s.Seed {
		if e.ID == "" {
			return fmt.Errorf("seed[%d]: id is required", i)
		}
		if e.Status != "" {
			if _, err := model.ParseStatus(e.Status); err != nil {
				return fmt.Errorf("seed[%d]: %w", i, err)
			}
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step, actors); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion, actors); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step Step, actors map[string]bool) error {
	if !stepActions[step.Action] {
		return fmt.Errorf("steps[%d]: unknown action %q", index, step.Action)
	}
	if !actors[step.Replica] {
		return fmt.Errorf("steps[%d]: unknown replica %q", index, step.Replica)
	}
	switch step.Action {
	case ActionCreate, ActionEdit:
		if step.Entity == "" {
			return fmt.Errorf("steps[%d]: entity is required for %s", index, step.Action)
		}
		if len(step.Patch) == 0 {
			return fmt.Errorf("steps[%d]: patch is required for %s", index, step.Action)
		}
	case ActionDelete:
		if step.Entity == "" {
			return fmt.Errorf("steps[%d]: entity is required for delete", index)
		}
	case ActionReject:
		if step.Code != model.FailureValidation && step.Code != model.FailureStaleData {
			return fmt.Errorf("steps[%d]: reject code must be %s or %s, got %q", index, model.FailureValidation, model.FailureStaleData, step.Code)
		}
	}
	if step.Count < 0 {
		return fmt.Errorf("steps[%d]: count must be >= 0", index)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, actors map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if a.Replica != "" && !actors[a.Replica] {
		return fmt.Errorf("assertions[%d]: unknown replica %q", index, a.Replica)
	}

	switch a.Type {
	case AssertEntity:
		if a.Entity == "" {
			return fmt.Errorf("assertions[%d]: entity is required for entity", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for entity", index)
		}
	case AssertAbsent:
		if a.Entity == "" {
			return fmt.Errorf("assertions[%d]: entity is required for absent", index)
		}
	case AssertTraceCount:
		if a.Outcome == "" {
			return fmt.Errorf("assertions[%d]: outcome is required for trace_count", index)
		}
	case AssertConverged, AssertPending, AssertCount, AssertLogCount, AssertVerified:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

// patchFromYAML converts decoded YAML into a Patch.
func patchFromYAML(m map[string]any) (model.Patch, error) {
	if len(m) == 0 {
		return nil, nil
	}
	p := make(model.Patch, len(m))
	for k, raw := range m {
		v, err := model.FromAny(raw)
		if err != nil {
			return nil, fmt.Errorf("patch %s: %w", k, err)
		}
		p[k] = v
	}
	return p, nil
}

// objectFromYAML converts decoded YAML into an Object.
func objectFromYAML(m map[string]any) (model.Object, error) {
	if m == nil {
		return nil, nil
	}
	obj := make(model.Object, len(m))
	for k, raw := range m {
		v, err := model.FromAny(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		obj[k] = v
	}
	return obj, nil
}
