package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/tandem/internal/entitystore"
	"github.com/roach88/tandem/internal/model"
)

// Residency is the slice of the page cache the coordinator and receiver
// need: pinning entities with pending operations and dropping deleted ids
// from resident pages.
type Residency interface {
	Pin(id string)
	Unpin(id string)
	Forget(id string)
}

// LocalEdit is one mutation issued by the local user.
type LocalEdit struct {
	EntityID string
	Kind     model.OpKind
	Patch    model.Patch
}

// Submission is the backend request produced by ApplyLocal.
type Submission struct {
	Token    string
	EntityID string
	Request  model.MutationRequest
	// Superseded is the token of the pending operation this one replaced.
	Superseded string
}

// Resolution reports the final state of one operation.
type Resolution struct {
	Token    string
	EntityID string
	State    model.OpState
	// Entity is the committed authoritative entity (nil for deletes or rollbacks).
	Entity *model.Entity
	// Err is a *MutationFailedError for rollbacks.
	Err error
}

type retireReason int

const (
	retiredSuperseded retireReason = iota + 1
	retiredCommitted
)

type retiredToken struct {
	entityID string
	reason   retireReason
}

// Coordinator applies local edits optimistically and resolves them from
// backend responses.
//
// Thread-safety: NOT safe for concurrent use. The engine calls it only from
// its Run goroutine; the harness drives it from a single test goroutine.
// Readers of the entity store are unaffected.
//
// INVARIANTS:
//   - at most one PendingOperation per entity id
//   - an entity with a pending operation stays pinned until it resolves
//   - a rollback restores the chain snapshot byte for byte
type Coordinator struct {
	store     *entitystore.Store
	residency Residency
	actor     string
	tokens    TokenGenerator
	now       func() time.Time
	logger    *slog.Logger

	pending    map[string]*model.PendingOperation // entity id -> op
	byToken    map[string]string                  // live token -> entity id
	retired    map[string]retiredToken            // tokens awaiting a response that no longer matters
	tombstones map[string]model.VectorClock       // deleted entity id -> clock of the delete
}

// NewCoordinator creates a coordinator for one local actor.
func NewCoordinator(store *entitystore.Store, residency Residency, actor string, tokens TokenGenerator, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:      store,
		residency:  residency,
		actor:      actor,
		tokens:     tokens,
		now:        time.Now,
		logger:     logger,
		pending:    make(map[string]*model.PendingOperation),
		byToken:    make(map[string]string),
		retired:    make(map[string]retiredToken),
		tombstones: make(map[string]model.VectorClock),
	}
}

// Actor returns the local actor id.
func (c *Coordinator) Actor() string {
	return c.actor
}

// HasPending reports whether id has an unresolved local operation.
func (c *Coordinator) HasPending(id string) bool {
	_, ok := c.pending[id]
	return ok
}

// Pending returns a copy of the pending operation for id.
func (c *Coordinator) Pending(id string) (model.PendingOperation, bool) {
	op, ok := c.pending[id]
	if !ok {
		return model.PendingOperation{}, false
	}
	return copyOp(op), true
}

// PendingCount returns the number of unresolved operations.
func (c *Coordinator) PendingCount() int {
	return len(c.pending)
}

// ApplyLocal validates the edit, applies it to the store immediately and
// records a pending operation. A pending operation for the same entity is
// superseded: its token is retired and the chain keeps its original snapshot.
func (c *Coordinator) ApplyLocal(edit LocalEdit) (Submission, error) {
	if err := validateEdit(edit); err != nil {
		return Submission{}, &SyncError{Kind: KindValidation, EntityID: edit.EntityID, Reason: err.Error(), Err: err}
	}

	id := edit.EntityID
	prior := c.pending[id]

	var before *model.Entity
	var clock model.VectorClock
	err := c.store.Update(id, func(cur *model.Entity) (*model.Entity, error) {
		before = cur
		switch edit.Kind {
		case model.OpCreate:
			if cur != nil || prior != nil {
				return nil, fmt.Errorf("entity %s already exists", id)
			}
			next, err := model.Entity{ID: id, Status: model.StatusTodo, Fields: model.Object{}}.Apply(edit.Patch)
			if err != nil {
				return nil, err
			}
			clock = model.VectorClock{}.Tick(c.actor)
			next.VectorClock = clock
			return &next, nil

		case model.OpUpdate:
			if cur == nil {
				return nil, fmt.Errorf("entity %s: %w", id, entitystore.ErrNotFound)
			}
			next, err := cur.Apply(edit.Patch)
			if err != nil {
				return nil, err
			}
			clock = chainClock(prior, cur).Tick(c.actor)
			next.VectorClock = clock
			return &next, nil

		case model.OpDelete:
			if cur == nil {
				return nil, fmt.Errorf("entity %s: %w", id, entitystore.ErrNotFound)
			}
			clock = chainClock(prior, cur).Tick(c.actor)
			return nil, nil

		default:
			return nil, fmt.Errorf("unknown op kind %s", edit.Kind)
		}
	})
	if err != nil {
		if errors.Is(err, entitystore.ErrClosed) {
			return Submission{}, err
		}
		return Submission{}, &SyncError{Kind: KindValidation, EntityID: id, Reason: err.Error(), Err: err}
	}

	token := c.tokens.Generate()
	op := &model.PendingOperation{
		Token:      token,
		EntityID:   id,
		Kind:       edit.Kind,
		Patch:      edit.Patch.Clone(),
		Clock:      clock,
		ExpectTick: clock.Get(c.actor),
		Origin:     c.actor,
		CreatedAt:  c.now(),
	}
	if before != nil {
		op.BaseVersion = before.Version
	}

	sub := Submission{
		Token:    token,
		EntityID: id,
		Request: model.MutationRequest{
			EntityID:    id,
			Op:          edit.Kind,
			BaseVersion: op.BaseVersion,
			Patch:       edit.Patch.Clone(),
			ActorID:     c.actor,
		},
	}

	if prior != nil {
		op.Snapshot = prior.Snapshot
		op.Touched = prior.Touched.Merge(edit.Patch)
		delete(c.byToken, prior.Token)
		c.retired[prior.Token] = retiredToken{entityID: id, reason: retiredSuperseded}
		sub.Superseded = prior.Token
		c.logger.Debug("pending operation superseded",
			"entity_id", id,
			"token", prior.Token,
			"by", token,
		)
	} else {
		if before != nil {
			snap := before.Clone()
			op.Snapshot = &snap
		}
		op.Touched = edit.Patch.Clone()
		if c.residency != nil {
			c.residency.Pin(id)
		}
	}

	c.pending[id] = op
	c.byToken[token] = id

	c.logger.Debug("local edit applied",
		"entity_id", id,
		"token", token,
		"op", edit.Kind.String(),
		"base_version", op.BaseVersion,
	)
	return sub, nil
}

// Prepare builds the backend request for the live operation token from its
// whole chain: the accumulated patch over the latest authoritative base.
// The engine calls it when the operation is actually sent, which for a
// superseding edit is after the earlier request for the entity returned.
// ExpectTick is recomputed from the base the backend will tick. Returns
// false if token is no longer live.
func (c *Coordinator) Prepare(token string) (Submission, bool) {
	id, live := c.byToken[token]
	if !live {
		return Submission{}, false
	}
	op := c.pending[id]

	req := model.MutationRequest{
		EntityID:    id,
		Op:          op.Kind,
		BaseVersion: op.BaseVersion,
		ActorID:     c.actor,
	}
	var base model.VectorClock
	if op.Snapshot != nil {
		req.BaseVersion = op.Snapshot.Version
		base = op.Snapshot.VectorClock
	}
	switch {
	case op.Kind == model.OpDelete:
	case op.Snapshot == nil:
		// Nothing upstream yet: the chain started with a create that has
		// not been acknowledged.
		req.Op = model.OpCreate
		req.BaseVersion = 0
		req.Patch = op.Touched.Clone()
	default:
		req.Patch = op.Touched.Clone()
	}
	op.ExpectTick = base.Get(c.actor) + 1

	return Submission{Token: token, EntityID: id, Request: req}, true
}

// Discard forgets a superseded token that will never be sent, so no
// response is awaited for it.
func (c *Coordinator) Discard(token string) {
	if r, ok := c.retired[token]; ok && r.reason == retiredSuperseded {
		delete(c.retired, token)
	}
}

// Ack commits the operation for token with the backend's authoritative
// entity. Responses for superseded tokens fold into the chain snapshot and
// return ErrSuperseded; they never touch the visible state.
func (c *Coordinator) Ack(token string, authoritative *model.Entity) (Resolution, error) {
	id, live := c.byToken[token]
	if !live {
		return c.lateAck(token, authoritative)
	}
	op := c.pending[id]

	var committed *model.Entity
	err := c.store.Update(id, func(*model.Entity) (*model.Entity, error) {
		if op.Kind == model.OpDelete {
			return nil, nil
		}
		next := newestOf(authoritative, op.Snapshot)
		if next == nil {
			return nil, fmt.Errorf("ack %s: backend returned no entity", token)
		}
		committed = next
		return next, nil
	})
	if err != nil {
		return Resolution{}, err
	}

	if op.Kind == model.OpDelete {
		if authoritative != nil {
			c.tombstones[id] = authoritative.VectorClock.Clone()
		} else {
			c.tombstones[id] = op.Clock.Clone()
		}
		if c.residency != nil {
			c.residency.Forget(id)
		}
	}

	c.finish(op)
	c.logger.Info("mutation committed",
		"entity_id", id,
		"token", token,
		"op", op.Kind.String(),
		"version", versionOf(committed),
	)
	return Resolution{Token: token, EntityID: id, State: model.OpCommitted, Entity: cloneEntity(committed)}, nil
}

func (c *Coordinator) lateAck(token string, authoritative *model.Entity) (Resolution, error) {
	r, ok := c.retired[token]
	if !ok {
		return Resolution{}, fmt.Errorf("ack %s: %w", token, ErrUnknownToken)
	}
	delete(c.retired, token)

	switch r.reason {
	case retiredSuperseded:
		if op, ok := c.pending[r.entityID]; ok && authoritative != nil && newer(authoritative, op.Snapshot) {
			snap := authoritative.Clone()
			op.Snapshot = &snap
			op.Clock = op.Clock.Merge(authoritative.VectorClock)
		}
		return Resolution{Token: token, EntityID: r.entityID, State: model.OpCommitted, Entity: cloneEntity(authoritative)}, ErrSuperseded

	default:
		// Already committed by its echo. The ack may still carry a newer version.
		if authoritative != nil && !c.HasPending(r.entityID) {
			err := c.store.Update(r.entityID, func(cur *model.Entity) (*model.Entity, error) {
				if cur == nil || authoritative.Version > cur.Version {
					return cloneEntity(authoritative), nil
				}
				return cur, nil
			})
			if err != nil {
				c.logger.Warn("late ack not applied",
					"entity_id", r.entityID,
					"token", token,
					"version", authoritative.Version,
					"error", err,
				)
			}
		}
		return Resolution{Token: token, EntityID: r.entityID, State: model.OpCommitted, Entity: cloneEntity(authoritative)}, nil
	}
}

// Reject rolls back the operation for token and returns a Resolution whose
// Err is a *MutationFailedError.
func (c *Coordinator) Reject(token string, cause *SyncError) (Resolution, error) {
	id, live := c.byToken[token]
	if !live {
		r, ok := c.retired[token]
		if !ok {
			return Resolution{}, fmt.Errorf("reject %s: %w", token, ErrUnknownToken)
		}
		delete(c.retired, token)
		if r.reason == retiredSuperseded {
			return Resolution{Token: token, EntityID: r.entityID, State: model.OpRolledBack}, ErrSuperseded
		}
		c.logger.Warn("rejection for committed operation ignored", "entity_id", r.entityID, "token", token, "error", cause)
		return Resolution{}, fmt.Errorf("reject %s: %w", token, ErrUnknownToken)
	}

	op := c.pending[id]
	if err := c.rollback(op); err != nil {
		return Resolution{}, err
	}
	c.finish(op)

	if cause == nil {
		cause = &SyncError{Kind: KindValidation, Reason: "rejected"}
	}
	cause.EntityID = id
	cause.Token = token

	c.logger.Info("mutation rolled back",
		"entity_id", id,
		"token", token,
		"kind", string(cause.Kind),
		"reason", cause.Reason,
	)
	return Resolution{
		Token:    token,
		EntityID: id,
		State:    model.OpRolledBack,
		Err:      &MutationFailedError{Token: token, EntityID: id, Cause: cause},
	}, nil
}

func (c *Coordinator) rollback(op *model.PendingOperation) error {
	return c.store.Update(op.EntityID, func(*model.Entity) (*model.Entity, error) {
		return cloneEntity(op.Snapshot), nil
	})
}

// finish drops op and its pin.
func (c *Coordinator) finish(op *model.PendingOperation) {
	delete(c.pending, op.EntityID)
	delete(c.byToken, op.Token)
	if c.residency != nil {
		c.residency.Unpin(op.EntityID)
	}
}

// commitEcho resolves the pending operation for id from its own change
// event arriving before the ack. The later ack is accepted silently.
func (c *Coordinator) commitEcho(id string, ev model.ChangeEvent) (Resolution, error) {
	op := c.pending[id]
	if op == nil {
		return Resolution{}, fmt.Errorf("commit echo %s: no pending operation", id)
	}

	err := c.store.Update(id, func(*model.Entity) (*model.Entity, error) {
		if ev.Kind == model.KindDeleted {
			return nil, nil
		}
		return cloneEntity(ev.Payload), nil
	})
	if err != nil {
		return Resolution{}, err
	}
	if ev.Kind == model.KindDeleted {
		c.tombstones[id] = ev.VectorClock.Clone()
		if c.residency != nil {
			c.residency.Forget(id)
		}
	}

	c.finish(op)
	c.retired[op.Token] = retiredToken{entityID: id, reason: retiredCommitted}
	c.logger.Info("mutation committed by echo",
		"entity_id", id,
		"token", op.Token,
		"tick", ev.VectorClock.Get(c.actor),
	)
	return Resolution{Token: op.Token, EntityID: id, State: model.OpCommitted, Entity: cloneEntity(ev.Payload)}, nil
}

// rebase replaces the chain snapshot with a newer authoritative state.
// A nil snapshot means the entity no longer exists upstream.
func (c *Coordinator) rebase(id string, snapshot *model.Entity, clock model.VectorClock) {
	op := c.pending[id]
	if op == nil {
		return
	}
	op.Snapshot = cloneEntity(snapshot)
	op.Clock = op.Clock.Merge(clock)
}

// knownClock returns the authoritative clock the replica has for id: the
// chain snapshot when an edit is pending, else the resident entity, else the
// tombstone.
func (c *Coordinator) knownClock(id string) (model.VectorClock, bool) {
	if op, ok := c.pending[id]; ok {
		if op.Snapshot != nil {
			return op.Snapshot.VectorClock, true
		}
		tomb, ok := c.tombstones[id]
		return tomb, ok
	}
	if e, err := c.store.Get(id); err == nil {
		return e.VectorClock, true
	}
	tomb, ok := c.tombstones[id]
	return tomb, ok
}

func (c *Coordinator) tombstone(id string, clock model.VectorClock) {
	c.tombstones[id] = clock.Clone()
}

func (c *Coordinator) clearTombstone(id string) {
	delete(c.tombstones, id)
}

// chainClock is the clock the next optimistic tick builds on.
func chainClock(prior *model.PendingOperation, cur *model.Entity) model.VectorClock {
	if prior != nil {
		return prior.Clock
	}
	return cur.VectorClock
}

func validateEdit(edit LocalEdit) error {
	if edit.EntityID == "" {
		return fmt.Errorf("entity id is required")
	}
	switch edit.Kind {
	case model.OpCreate, model.OpUpdate:
		return edit.Patch.Validate()
	case model.OpDelete:
		if len(edit.Patch) > 0 {
			return fmt.Errorf("delete does not take a patch")
		}
		return nil
	default:
		return fmt.Errorf("unknown op kind %s", edit.Kind)
	}
}

// newestOf prefers a over b unless b carries a strictly higher version.
func newestOf(a, b *model.Entity) *model.Entity {
	switch {
	case a == nil:
		return cloneEntity(b)
	case b != nil && b.Version > a.Version:
		return cloneEntity(b)
	default:
		return cloneEntity(a)
	}
}

func newer(a, b *model.Entity) bool {
	return b == nil || a.Version > b.Version
}

func cloneEntity(e *model.Entity) *model.Entity {
	if e == nil {
		return nil
	}
	c := e.Clone()
	return &c
}

func versionOf(e *model.Entity) int64 {
	if e == nil {
		return 0
	}
	return e.Version
}

func copyOp(op *model.PendingOperation) model.PendingOperation {
	out := *op
	out.Patch = op.Patch.Clone()
	out.Touched = op.Touched.Clone()
	out.Snapshot = cloneEntity(op.Snapshot)
	out.Clock = op.Clock.Clone()
	return out
}
