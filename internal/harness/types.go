package harness

import "github.com/roach88/tandem/internal/model"

// TraceEvent is one observable effect of a step: a local edit, a backend
// response, or one delivered change event.
type TraceEvent struct {
	Step    int    `json:"step"`
	Action  string `json:"action"`
	Replica string `json:"replica"`
	Entity  string `json:"entity,omitempty"`
	Token   string `json:"token,omitempty"`
	Outcome string `json:"outcome"`
	Version int64  `json:"version,omitempty"`
	Seq     int64  `json:"seq,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if every step outcome and every assertion matched.
	Pass bool `json:"pass"`

	// Trace contains every step effect in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Replicas holds each replica's final resident entities in display order.
	Replicas map[string][]model.Entity `json:"replicas"`

	// Authoritative holds the backend's final entities in display order.
	Authoritative []model.Entity `json:"authoritative"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:     true,
		Trace:    []TraceEvent{},
		Errors:   []string{},
		Replicas: make(map[string][]model.Entity),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends one trace event.
func (r *Result) AddTrace(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}

// CountOutcome returns how many trace events report outcome.
func (r *Result) CountOutcome(outcome string) int {
	n := 0
	for _, ev := range r.Trace {
		if ev.Outcome == outcome {
			n++
		}
	}
	return n
}
