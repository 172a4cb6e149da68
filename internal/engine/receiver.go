package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/tandem/internal/entitystore"
	"github.com/roach88/tandem/internal/model"
	"github.com/roach88/tandem/internal/resolve"
)

// Action describes what the receiver did with one change event.
type Action int

const (
	// ActionSkipped means the event was already reflected (duplicate delivery).
	ActionSkipped Action = iota + 1
	// ActionApplied means the event was applied directly to the store.
	ActionApplied
	// ActionRemoved means a deleted event removed the entity.
	ActionRemoved
	// ActionCommitted means the event was the echo of the pending local
	// operation and committed it.
	ActionCommitted
	// ActionMerged means the event was reconciled against a pending local
	// operation.
	ActionMerged
)

// String returns a stable name for logs and traces.
func (a Action) String() string {
	switch a {
	case ActionSkipped:
		return "skipped"
	case ActionApplied:
		return "applied"
	case ActionRemoved:
		return "removed"
	case ActionCommitted:
		return "committed"
	case ActionMerged:
		return "merged"
	default:
		return "unknown"
	}
}

// Applied is the receiver's report for one event.
type Applied struct {
	Action Action
	// Resolution is set when the event committed a pending operation.
	Resolution *Resolution
	// Conflicts lists fields resolved against local intent.
	Conflicts []resolve.Conflict
}

// Receiver reconciles inbound change events against the store and the
// coordinator's pending operations.
//
// Thread-safety: NOT safe for concurrent use; shares the coordinator's
// single-writer discipline.
type Receiver struct {
	store     *entitystore.Store
	coord     *Coordinator
	residency Residency
	node      string
	auditor   resolve.Auditor
	logger    *slog.Logger
}

// NewReceiver creates a receiver. node is the id of the server node the
// replica is connected through; empty accepts echoes relayed by any node.
func NewReceiver(store *entitystore.Store, coord *Coordinator, residency Residency, node string, auditor resolve.Auditor, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	if auditor == nil {
		auditor = resolve.LogAuditor{Logger: logger}
	}
	return &Receiver{
		store:     store,
		coord:     coord,
		residency: residency,
		node:      node,
		auditor:   auditor,
		logger:    logger,
	}
}

// SetNode records the node the replica is connected through.
func (r *Receiver) SetNode(node string) {
	r.node = node
}

// Apply reconciles one event. Applying the same event twice has the same
// effect as applying it once.
func (r *Receiver) Apply(ctx context.Context, ev model.ChangeEvent) (Applied, error) {
	if err := ev.Validate(); err != nil {
		return Applied{}, err
	}
	id := ev.EntityID

	if known, ok := r.coord.knownClock(id); ok && known.Covers(ev.VectorClock) {
		r.logger.Debug("duplicate change event skipped",
			"entity_id", id,
			"kind", ev.Kind.String(),
			"origin_actor", ev.OriginActorID,
		)
		return Applied{Action: ActionSkipped}, nil
	}

	op, pending := r.coord.pending[id], r.coord.HasPending(id)
	echo := r.isEcho(ev)

	switch {
	case !pending:
		return r.applyAuthoritative(ev)

	case echo && ev.VectorClock.Get(r.coord.actor) >= op.ExpectTick:
		res, err := r.coord.commitEcho(id, ev)
		if err != nil {
			return Applied{}, err
		}
		return Applied{Action: ActionCommitted, Resolution: &res}, nil

	case ev.Kind == model.KindDeleted:
		// Upstream delete wins over local intent. The pending operation is
		// left for its backend response (which will be a stale-data rejection).
		if err := r.store.Remove(id); err != nil {
			return Applied{}, err
		}
		r.coord.rebase(id, nil, ev.VectorClock)
		r.coord.tombstone(id, ev.VectorClock)
		return Applied{Action: ActionRemoved}, nil

	case op.Kind == model.OpDelete:
		// Local delete stays visible; only the chain snapshot moves forward.
		r.coord.rebase(id, ev.Payload, ev.VectorClock)
		return Applied{Action: ActionMerged}, nil

	case echo:
		return r.replayLocal(op, ev)

	default:
		return r.merge(ctx, op, ev)
	}
}

func (r *Receiver) isEcho(ev model.ChangeEvent) bool {
	if ev.OriginActorID != r.coord.actor {
		return false
	}
	return r.node == "" || ev.OriginNodeID == "" || ev.OriginNodeID == r.node
}

// applyAuthoritative writes an event for an entity with no pending edit.
func (r *Receiver) applyAuthoritative(ev model.ChangeEvent) (Applied, error) {
	id := ev.EntityID
	switch ev.Kind {
	case model.KindDeleted:
		if err := r.store.Remove(id); err != nil {
			return Applied{}, err
		}
		r.coord.tombstone(id, ev.VectorClock)
		if r.residency != nil {
			r.residency.Forget(id)
		}
		r.logger.Debug("remote delete applied", "entity_id", id, "origin_actor", ev.OriginActorID)
		return Applied{Action: ActionRemoved}, nil

	case model.KindCreated, model.KindUpdated:
		action := ActionApplied
		err := r.store.Update(id, func(cur *model.Entity) (*model.Entity, error) {
			if cur != nil && cur.Version > ev.Payload.Version {
				action = ActionSkipped
				return cur, nil
			}
			return cloneEntity(ev.Payload), nil
		})
		if err != nil {
			return Applied{}, err
		}
		if action == ActionApplied {
			r.coord.clearTombstone(id)
		}
		r.logger.Debug("remote change applied",
			"entity_id", id,
			"kind", ev.Kind.String(),
			"version", ev.Payload.Version,
			"action", action.String(),
		)
		return Applied{Action: action}, nil

	default:
		return Applied{}, fmt.Errorf("apply %s: unknown change kind %d", id, int(ev.Kind))
	}
}

// replayLocal handles the local actor's own earlier submission landing while
// a later edit of the chain is still pending: the newer local intent is
// replayed on top of the authoritative payload.
func (r *Receiver) replayLocal(op *model.PendingOperation, ev model.ChangeEvent) (Applied, error) {
	next, err := ev.Payload.Apply(op.Touched)
	if err != nil {
		return Applied{}, fmt.Errorf("replay pending edit on %s: %w", op.EntityID, err)
	}
	next.VectorClock = op.Clock.Merge(ev.VectorClock)
	if err := r.store.Upsert(next); err != nil {
		return Applied{}, err
	}
	r.coord.rebase(op.EntityID, ev.Payload, ev.VectorClock)
	r.logger.Debug("earlier local submission landed", "entity_id", op.EntityID, "version", ev.Payload.Version)
	return Applied{Action: ActionMerged}, nil
}

// merge resolves a genuine remote change against the pending local edit.
// The visible entity becomes the resolver's result at the remote version;
// the chain snapshot moves to the remote payload so a later rollback keeps
// the peer's change.
func (r *Receiver) merge(ctx context.Context, op *model.PendingOperation, ev model.ChangeEvent) (Applied, error) {
	base := model.Entity{ID: op.EntityID}
	if op.Snapshot != nil {
		base = op.Snapshot.Clone()
	}

	local := resolve.Edit{Actor: r.coord.actor, Clock: op.Clock, Patch: op.Touched}
	remote := resolve.Edit{Actor: ev.OriginActorID, Clock: ev.VectorClock, Patch: model.Diff(base, *ev.Payload)}

	out, err := resolve.Resolve(base, local, remote)
	if err != nil {
		return Applied{}, fmt.Errorf("resolve %s: %w", op.EntityID, err)
	}

	merged := out.Entity
	merged.Version = ev.Payload.Version
	if err := r.store.Upsert(merged); err != nil {
		return Applied{}, err
	}
	r.coord.rebase(op.EntityID, ev.Payload, ev.VectorClock)

	for _, c := range out.Conflicts {
		r.logger.Debug("pending edit reconciled",
			"entity_id", op.EntityID,
			"field", c.Field,
			"kind", string(KindConflict),
		)
	}
	resolve.Report(ctx, r.auditor, out)

	return Applied{Action: ActionMerged, Conflicts: out.Conflicts}, nil
}
