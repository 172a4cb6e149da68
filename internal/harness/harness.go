package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/tandem/internal/engine"
	"github.com/roach88/tandem/internal/model"
	"github.com/roach88/tandem/internal/pagecache"
	"github.com/roach88/tandem/internal/resolve"
	"github.com/roach88/tandem/internal/store"
	"github.com/roach88/tandem/internal/testutil"
)

// Node is the server node id the harness backend stamps on every event.
const Node = "harness"

// Trace outcomes written by the harness itself. Deliveries report the
// receiver's engine.Action names (applied, skipped, removed, committed,
// merged).
const (
	OutcomeLoaded     = "loaded"
	OutcomePending    = "pending"
	OutcomeInvalid    = "invalid"
	OutcomeHeld       = "held"
	OutcomeCommitted  = "committed"
	OutcomeRolledBack = "rolled_back"
	OutcomeSuperseded = "superseded"
)

// Harness runs one scenario against real components: an in-memory SQLite
// store as the authoritative backend and one engine.Replica per actor. The
// harness plays the network, so every interleaving of responses and
// deliveries is under the scenario's control.
//
// Thread-safety: NOT safe for concurrent use. One harness per scenario.
type Harness struct {
	scenario *Scenario
	store    *store.Store
	backend  *store.Backend
	clock    *testutil.ManualClock
	logger   *slog.Logger
	result   *Result

	order   []string
	clients map[string]*client
}

// client is one replica plus the network state the harness keeps for it.
type client struct {
	actor    string
	replica  *engine.Replica
	auditor  *resolve.Recorder
	filter   model.Object
	inflight []engine.Submission
	held     []response
	inbox    []model.ChangeEvent
	last     *model.ChangeEvent
}

// response is a backend answer the replica has not seen yet.
type response struct {
	sub    engine.Submission
	result model.SubmitResult
}

// Option configures Run.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger routes component logs to l. By default they are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation, with a
// manual clock and sequential correlation tokens (alice-1, alice-2, ...)
// so traces are reproducible.
//
// Execution flow:
// 1. Create fresh in-memory database, install schema, seed entities
// 2. Create one replica per actor
// 3. Execute steps, checking declared step outcomes
// 4. Capture final state and evaluate assertions
//
// The returned error reports harness failures (storage errors, malformed
// patches); scenario failures are reported through Result.Errors.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	o := options{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}

	h, err := newHarness(ctx, scenario, o.logger)
	if err != nil {
		return nil, err
	}
	defer h.close()

	for i, step := range scenario.Steps {
		h.clock.Advance(time.Second)
		before := len(h.result.Trace)
		if err := h.execute(ctx, i, step); err != nil {
			return nil, fmt.Errorf("steps[%d] %s: %w", i, step.Action, err)
		}
		h.checkOutcome(i, step, before)
	}

	if err := h.capture(ctx); err != nil {
		return nil, err
	}
	for _, msg := range EvaluateAssertions(ctx, h, scenario.Assertions) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func newHarness(ctx context.Context, scenario *Scenario, logger *slog.Logger) (*Harness, error) {
	clock := testutil.NewManualClock(time.Time{})

	st, err := store.Open(":memory:", store.WithNow(clock.Now), store.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}

	h := &Harness{
		scenario: scenario,
		store:    st,
		clock:    clock,
		logger:   logger,
		result:   NewResult(),
		clients:  make(map[string]*client, len(scenario.Replicas)),
	}
	h.backend = &store.Backend{Store: st, Node: Node, OnCommit: h.broadcast}

	if err := h.setup(ctx); err != nil {
		h.close()
		return nil, err
	}
	return h, nil
}

func (h *Harness) setup(ctx context.Context) error {
	room := h.scenario.Room
	if h.scenario.Schema != "" {
		if err := h.store.SetSchema(ctx, room, h.scenario.Schema); err != nil {
			return fmt.Errorf("install schema: %w", err)
		}
	}

	seed := make([]model.Entity, 0, len(h.scenario.Seed))
	for _, s := range h.scenario.Seed {
		fields, err := objectFromYAML(s.Fields)
		if err != nil {
			return fmt.Errorf("seed %s: %w", s.ID, err)
		}
		seed = append(seed, model.Entity{
			ID:       s.ID,
			Position: s.Position,
			Status:   model.Status(s.Status),
			Fields:   fields,
		})
	}
	if len(seed) > 0 {
		if err := h.store.Seed(ctx, room, seed...); err != nil {
			return err
		}
	}

	for _, spec := range h.scenario.Replicas {
		f, err := objectFromYAML(spec.Filter)
		if err != nil {
			return fmt.Errorf("replica %s filter: %w", spec.Actor, err)
		}
		rec := &resolve.Recorder{}
		r := engine.NewReplica(engine.ReplicaConfig{
			Actor:        spec.Actor,
			Node:         Node,
			Room:         room,
			Source:       pagecache.DataSourceFunc(h.backend.FetchPage),
			PageCapacity: spec.PageCapacity,
			PageSize:     spec.PageSize,
			Filter:       f,
			Tokens:       &engine.SequenceGenerator{Prefix: spec.Actor},
			Auditor:      resolve.Multi{rec, resolve.LogAuditor{Logger: h.logger}},
			Logger:       h.logger,
			Now:          h.clock.Now,
		})
		h.order = append(h.order, spec.Actor)
		h.clients[spec.Actor] = &client{actor: spec.Actor, replica: r, auditor: rec, filter: f}
	}
	return nil
}

func (h *Harness) close() {
	for _, actor := range h.order {
		_ = h.clients[actor].replica.Close()
	}
	_ = h.store.Close()
}

// broadcast queues a committed event for every replica, the origin included.
func (h *Harness) broadcast(_ context.Context, ev model.ChangeEvent) {
	for _, actor := range h.order {
		c := h.clients[actor]
		c.inbox = append(c.inbox, ev)
	}
}

func (h *Harness) execute(ctx context.Context, i int, step Step) error {
	c := h.clients[step.Replica]
	switch step.Action {
	case ActionFetch:
		return h.fetch(ctx, i, step, c)
	case ActionCreate, ActionEdit, ActionDelete:
		return h.local(i, step, c)
	case ActionCommit:
		return h.commit(ctx, i, step, c)
	case ActionRespond:
		if len(c.held) == 0 {
			h.result.AddError(fmt.Sprintf("steps[%d]: replica %s has no held response", i, c.actor))
			return nil
		}
		resp := c.held[0]
		c.held = c.held[1:]
		return h.respond(ctx, i, step, c, resp)
	case ActionReject:
		sub, ok := h.popInflight(i, c)
		if !ok {
			return nil
		}
		failure := model.MutationFailure{Code: step.Code, Reason: "rejected by scenario"}
		return h.respond(ctx, i, step, c, response{sub: sub, result: model.SubmitResult{Failure: &failure}})
	case ActionFail:
		return h.fail(ctx, i, step, c)
	case ActionDeliver:
		return h.deliver(ctx, i, step, c)
	case ActionDuplicate:
		if c.last == nil {
			h.result.AddError(fmt.Sprintf("steps[%d]: replica %s has received no event", i, c.actor))
			return nil
		}
		return h.apply(ctx, i, step, c, *c.last)
	default:
		return fmt.Errorf("unknown action %q", step.Action)
	}
}

func (h *Harness) checkOutcome(i int, step Step, before int) {
	if step.Outcome == "" {
		return
	}
	if len(h.result.Trace) == before {
		h.result.AddError(fmt.Sprintf("steps[%d] %s: expected outcome %q, step produced no trace", i, step.Action, step.Outcome))
		return
	}
	got := h.result.Trace[len(h.result.Trace)-1].Outcome
	if got != step.Outcome {
		h.result.AddError(fmt.Sprintf("steps[%d] %s: expected outcome %q, got %q", i, step.Action, step.Outcome, got))
	}
}

func (h *Harness) fetch(ctx context.Context, i int, step Step, c *client) error {
	n := step.Page
	if n == 0 {
		n = 1
	}
	page, err := c.replica.FetchPage(ctx, n)
	if err != nil {
		return err
	}
	h.result.AddTrace(TraceEvent{
		Step:    i,
		Action:  step.Action,
		Replica: c.actor,
		Outcome: OutcomeLoaded,
		Detail:  fmt.Sprintf("page %d: [%s]", n, strings.Join(page.EntityIDs, ",")),
	})
	return nil
}

func (h *Harness) local(i int, step Step, c *client) error {
	patch, err := patchFromYAML(step.Patch)
	if err != nil {
		return err
	}
	kind := model.OpUpdate
	switch step.Action {
	case ActionCreate:
		kind = model.OpCreate
	case ActionDelete:
		kind = model.OpDelete
	}

	ev := TraceEvent{Step: i, Action: step.Action, Replica: c.actor, Entity: step.Entity}
	sub, err := c.replica.ApplyLocal(engine.LocalEdit{EntityID: step.Entity, Kind: kind, Patch: patch})
	if err != nil {
		var se *engine.SyncError
		if !errors.As(err, &se) {
			return err
		}
		ev.Outcome = OutcomeInvalid
		ev.Detail = se.Reason
		h.result.AddTrace(ev)
		return nil
	}

	ev.Token = sub.Token
	ev.Outcome = OutcomePending
	if sub.Superseded != "" {
		ev.Detail = "supersedes " + sub.Superseded
	}
	c.inflight = append(c.inflight, sub)
	h.result.AddTrace(ev)
	return nil
}

func (h *Harness) commit(ctx context.Context, i int, step Step, c *client) error {
	sub, ok := h.popInflight(i, c)
	if !ok {
		return nil
	}
	res, err := h.backend.Submit(ctx, h.scenario.Room, sub.Request)
	if err != nil {
		return err
	}
	resp := response{sub: sub, result: res}
	if !step.Hold {
		return h.respond(ctx, i, step, c, resp)
	}

	c.held = append(c.held, resp)
	ev := TraceEvent{Step: i, Action: step.Action, Replica: c.actor, Entity: sub.EntityID, Token: sub.Token, Outcome: OutcomeHeld}
	if res.Entity != nil {
		ev.Version = res.Entity.Version
	}
	if res.Failure != nil {
		ev.Detail = res.Failure.Code
	}
	h.result.AddTrace(ev)
	return nil
}

func (h *Harness) respond(ctx context.Context, i int, step Step, c *client, resp response) error {
	sub := resp.sub
	ev := TraceEvent{Step: i, Action: step.Action, Replica: c.actor, Entity: sub.EntityID, Token: sub.Token}

	if f := resp.result.Failure; f != nil {
		cause := engine.FailureError(sub.EntityID, sub.Token, *f)
		if err := h.reject(ctx, c, sub, cause, &ev); err != nil {
			return err
		}
		h.result.AddTrace(ev)
		return nil
	}

	_, err := c.replica.Ack(sub.Token, resp.result.Entity)
	switch {
	case errors.Is(err, engine.ErrSuperseded):
		ev.Outcome = OutcomeSuperseded
	case err != nil:
		return err
	default:
		ev.Outcome = OutcomeCommitted
	}
	if resp.result.Entity != nil {
		ev.Version = resp.result.Entity.Version
	}
	h.result.AddTrace(ev)
	return nil
}

func (h *Harness) fail(ctx context.Context, i int, step Step, c *client) error {
	sub, ok := h.popInflight(i, c)
	if !ok {
		return nil
	}
	ev := TraceEvent{Step: i, Action: step.Action, Replica: c.actor, Entity: sub.EntityID, Token: sub.Token}
	cause := engine.NewNetworkError(sub.EntityID, sub.Token, errors.New("connection reset"))
	if err := h.reject(ctx, c, sub, cause, &ev); err != nil {
		return err
	}
	h.result.AddTrace(ev)
	return nil
}

func (h *Harness) reject(ctx context.Context, c *client, sub engine.Submission, cause *engine.SyncError, ev *TraceEvent) error {
	_, err := c.replica.Reject(ctx, sub.Token, cause)
	switch {
	case errors.Is(err, engine.ErrSuperseded):
		ev.Outcome = OutcomeSuperseded
	case err != nil:
		return err
	default:
		ev.Outcome = OutcomeRolledBack
	}
	ev.Detail = string(cause.Kind)
	return nil
}

func (h *Harness) popInflight(i int, c *client) (engine.Submission, bool) {
	if len(c.inflight) == 0 {
		h.result.AddError(fmt.Sprintf("steps[%d]: replica %s has no in-flight submission", i, c.actor))
		return engine.Submission{}, false
	}
	sub := c.inflight[0]
	c.inflight = c.inflight[1:]
	return sub, true
}

func (h *Harness) deliver(ctx context.Context, i int, step Step, c *client) error {
	n := len(c.inbox)
	if step.Count > 0 && step.Count < n {
		n = step.Count
	}
	batch := c.inbox[:n]
	c.inbox = c.inbox[n:]
	for _, ev := range batch {
		if err := h.apply(ctx, i, step, c, ev); err != nil {
			return err
		}
	}
	return nil
}

func (h *Harness) apply(ctx context.Context, i int, step Step, c *client, ev model.ChangeEvent) error {
	applied, err := c.replica.Deliver(ctx, ev)
	if err != nil {
		return err
	}
	last := ev
	c.last = &last

	te := TraceEvent{
		Step:    i,
		Action:  step.Action,
		Replica: c.actor,
		Entity:  ev.EntityID,
		Outcome: applied.Action.String(),
		Seq:     ev.Seq,
		Detail:  ev.Kind.String() + " by " + ev.OriginActorID,
	}
	if ev.Payload != nil {
		te.Version = ev.Payload.Version
	}
	if len(applied.Conflicts) > 0 {
		te.Detail += "; " + conflictDetail(applied.Conflicts)
	}
	h.result.AddTrace(te)
	return nil
}

func conflictDetail(conflicts []resolve.Conflict) string {
	parts := make([]string, 0, len(conflicts))
	for _, c := range conflicts {
		parts = append(parts, fmt.Sprintf("%s won by %s (%s)", c.Field, c.Winner, c.Rule))
	}
	return strings.Join(parts, ", ")
}

// capture records the final state of every replica and of the backend.
func (h *Harness) capture(ctx context.Context) error {
	for _, actor := range h.order {
		h.result.Replicas[actor] = h.clients[actor].replica.Entities()
	}
	all, err := h.authoritative(ctx, nil)
	if err != nil {
		return err
	}
	h.result.Authoritative = all
	return nil
}

// authoritative lists every backend entity matching filter, in display order.
func (h *Harness) authoritative(ctx context.Context, filter model.Object) ([]model.Entity, error) {
	const limit = 500
	var out []model.Entity
	for page := 1; ; page++ {
		resp, err := h.store.ListPage(ctx, model.PageRequest{RoomID: h.scenario.Room, Page: page, Limit: limit, Filter: filter})
		if err != nil {
			return nil, fmt.Errorf("list authoritative entities: %w", err)
		}
		out = append(out, resp.Entities...)
		if !resp.HasNextPage {
			return out, nil
		}
	}
}
