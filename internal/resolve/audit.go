package resolve

import (
	"context"
	"log/slog"
	"sync"
)

// Auditor observes every resolved conflict. Conflicts never fail an
// operation, so this is where they become visible.
type Auditor interface {
	RecordConflict(ctx context.Context, c Conflict)
}

// LogAuditor writes conflicts to a structured logger.
type LogAuditor struct {
	Logger *slog.Logger
}

// RecordConflict implements Auditor.
func (a LogAuditor) RecordConflict(ctx context.Context, c Conflict) {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "conflict resolved",
		"event", "conflict_resolved",
		"entity_id", c.EntityID,
		"field", c.Field,
		"left_actor", c.LeftActor,
		"right_actor", c.RightActor,
		"ordering", c.Ordering.String(),
		"winner", c.Winner,
		"rule", string(c.Rule),
	)
}

// Recorder keeps conflicts in memory. Safe for concurrent use.
type Recorder struct {
	mu        sync.Mutex
	conflicts []Conflict
}

// RecordConflict implements Auditor.
func (r *Recorder) RecordConflict(_ context.Context, c Conflict) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflicts = append(r.conflicts, c)
}

// Conflicts returns a copy of everything recorded so far.
func (r *Recorder) Conflicts() []Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Conflict, len(r.conflicts))
	copy(out, r.conflicts)
	return out
}

// Multi fans a conflict out to several auditors in order.
type Multi []Auditor

// RecordConflict implements Auditor.
func (m Multi) RecordConflict(ctx context.Context, c Conflict) {
	for _, a := range m {
		if a != nil {
			a.RecordConflict(ctx, c)
		}
	}
}

// Report delivers every conflict in the outcome to the auditor.
func Report(ctx context.Context, a Auditor, o Outcome) {
	if a == nil {
		return
	}
	for _, c := range o.Conflicts {
		a.RecordConflict(ctx, c)
	}
}
