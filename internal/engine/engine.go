package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/tandem/internal/model"
	"github.com/roach88/tandem/internal/transport"
)

// Backend is the authoritative backend collaborator. Rejections are results,
// not errors; an error means the request may not have reached the backend.
type Backend interface {
	Submit(ctx context.Context, room string, req model.MutationRequest) (model.SubmitResult, error)
}

// DefaultQueueCapacity bounds the task queue when no capacity is configured.
const DefaultQueueCapacity = 1024

// DefaultSubmitTimeout bounds one backend submission.
const DefaultSubmitTimeout = 10 * time.Second

// Engine is the single-writer sequencing domain for one replica.
//
// Local edits, backend responses, inbound change events and connection
// state changes are all delivered as tasks to one bounded queue and
// processed in FIFO order by Run. A task never preempts another, so a local
// apply and a remote reconciliation for the same entity never interleave.
//
// Thread-safety model:
//   - ApplyLocal, Deliver, SetConnectionState, FetchPage: safe from any goroutine
//   - Get, Entities: safe from any goroutine, never block
//   - Run: must be called from exactly one goroutine
//
// Suspension points are exactly the backend submission (run in its own
// goroutine, result posted back as a task) and waiting for the next task.
// Page fetches also run off the loop; their results are installed by a
// follow-up task. The refetch after a stale-data rejection stays on the loop.
//
// At most one request per entity is in flight. An edit that supersedes an
// in-flight one is held and sent, with the chain's accumulated patch, once
// the earlier response is processed, so the backend applies a replica's
// edits to one entity in the order they were made.
type Engine struct {
	replica *Replica
	backend Backend
	queue   *taskQueue
	clock   *Clock
	logger  *slog.Logger

	submitTimeout time.Duration
	onNetworkErr  func(error)
	onFailure     func(error)

	// loop-owned state
	tickets  map[string]*Ticket
	sending  map[string]string // entity id -> token of the request in flight
	held     map[string]string // entity id -> newest token waiting behind it
	outbox   []string          // entity ids buffered while not connected, in order
	buffered map[string]string // entity id -> newest buffered token
	state    transport.State

	// life is cancelled when Run returns; submissions and producers use it.
	life   context.Context
	cancel context.CancelFunc

	inflight sync.WaitGroup
	dropMu   sync.Mutex
	drops    int
}

// Option configures an Engine.
type Option func(*engineConfig)

type engineConfig struct {
	capacity      int
	policy        OverflowPolicy
	submitTimeout time.Duration
	onNetworkErr  func(error)
	onFailure     func(error)
	state         transport.State
	logger        *slog.Logger
}

// WithQueue sets the task queue bound and the overflow policy applied to
// inbound change events.
func WithQueue(capacity int, policy OverflowPolicy) Option {
	return func(c *engineConfig) {
		c.capacity = capacity
		c.policy = policy
	}
}

// WithSubmitTimeout bounds each backend submission.
func WithSubmitTimeout(d time.Duration) Option {
	return func(c *engineConfig) {
		c.submitTimeout = d
	}
}

// WithNetworkErrorHandler is called (from a submission goroutine's result
// task) when a submission fails at the transport level. Typically wired to
// transport.Session.Reconnect.
func WithNetworkErrorHandler(fn func(error)) Option {
	return func(c *engineConfig) {
		c.onNetworkErr = fn
	}
}

// WithFailureHandler is called for every rolled back operation with its
// *MutationFailedError, in addition to resolving the ticket.
func WithFailureHandler(fn func(error)) Option {
	return func(c *engineConfig) {
		c.onFailure = fn
	}
}

// WithInitialState sets the connection state before the first state change.
// Defaults to Connected, for backends that need no subscription stream.
func WithInitialState(s transport.State) Option {
	return func(c *engineConfig) {
		c.state = s
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *engineConfig) {
		c.logger = l
	}
}

// New creates an engine over a replica and backend.
func New(replica *Replica, backend Backend, opts ...Option) *Engine {
	cfg := engineConfig{
		capacity:      DefaultQueueCapacity,
		policy:        OverflowBlock,
		submitTimeout: DefaultSubmitTimeout,
		state:         transport.StateConnected,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	life, cancel := context.WithCancel(context.Background())
	return &Engine{
		replica:       replica,
		backend:       backend,
		queue:         newTaskQueue(cfg.capacity, cfg.policy),
		clock:         NewClock(),
		logger:        cfg.logger,
		submitTimeout: cfg.submitTimeout,
		onNetworkErr:  cfg.onNetworkErr,
		onFailure:     cfg.onFailure,
		tickets:       make(map[string]*Ticket),
		sending:       make(map[string]string),
		held:          make(map[string]string),
		buffered:      make(map[string]string),
		state:         cfg.state,
		life:          life,
		cancel:        cancel,
	}
}

// Replica returns the replica driven by this engine. Its store may be read
// from any goroutine; everything else belongs to the Run loop.
func (e *Engine) Replica() *Replica {
	return e.replica
}

// Get reads one entity without blocking.
func (e *Engine) Get(id string) (model.Entity, error) {
	return e.replica.Get(id)
}

// Entities returns resident entities in display order without blocking.
func (e *Engine) Entities() []model.Entity {
	return e.replica.Entities()
}

// ApplyLocal submits a local edit. It returns once the edit is visible in
// the store (read-your-writes); the ticket resolves when the backend
// confirms or the edit rolls back.
func (e *Engine) ApplyLocal(ctx context.Context, edit LocalEdit) (*Ticket, error) {
	reply := make(chan localReply, 1)
	if err := e.queue.Enqueue(ctx, task{typ: taskLocal, edit: edit, reply: reply}, false); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.ticket, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.life.Done():
		return nil, ErrStopped
	}
}

// Deliver hands an inbound change event to the loop. Under OverflowDrop a
// full queue discards the event with a warning and Deliver returns false.
// Intended as the transport.Session sink.
func (e *Engine) Deliver(ev model.ChangeEvent) bool {
	err := e.queue.Enqueue(e.life, task{typ: taskRemote, event: ev}, true)
	switch {
	case err == nil:
		return true
	case errors.Is(err, errQueueFull):
		e.dropMu.Lock()
		e.drops++
		n := e.drops
		e.dropMu.Unlock()
		e.logger.Warn("change event dropped",
			"event", "queue_overflow",
			"entity_id", ev.EntityID,
			"kind", ev.Kind.String(),
			"dropped_total", n,
		)
		return false
	default:
		return false
	}
}

// Dropped returns the number of change events discarded by the drop policy.
func (e *Engine) Dropped() int {
	e.dropMu.Lock()
	defer e.dropMu.Unlock()
	return e.drops
}

// SetConnectionState reports a transport state change. Matches the
// transport.WithStateHandler callback.
func (e *Engine) SetConnectionState(s transport.State, node string) {
	_ = e.queue.Enqueue(e.life, task{typ: taskState, state: s, token: node}, false)
}

// FetchPage loads a page through the replica's cache. The download runs off
// the loop; installing the page is a loop task.
func (e *Engine) FetchPage(ctx context.Context, n int) (model.Page, error) {
	reply := make(chan fetchReply, 1)
	if err := e.queue.Enqueue(ctx, task{typ: taskFetch, page: n, pageReply: reply}, false); err != nil {
		return model.Page{}, err
	}
	select {
	case r := <-reply:
		return r.page, r.err
	case <-ctx.Done():
		return model.Page{}, ctx.Err()
	case <-e.life.Done():
		return model.Page{}, ErrStopped
	}
}

// QueueLen returns the number of queued tasks.
func (e *Engine) QueueLen() int {
	return e.queue.Len()
}

// Run is the single-writer loop. Blocks until ctx is cancelled or Stop is
// called. Task failures are logged and processing continues.
func (e *Engine) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, e.cancel)
	defer stop()
	e.logger.Info("engine starting", "room", e.replica.Room(), "actor", e.replica.Actor())
	defer e.shutdown()

	for {
		t, ok := e.queue.TryDequeue()
		if ok {
			seq := e.clock.Next()
			if err := e.process(ctx, t); err != nil {
				e.logger.Error("task processing failed",
					"error", err,
					"task", t.typ.String(),
					"seq", seq,
					"token", t.token,
					"entity_id", t.event.EntityID,
				)
			}
			continue
		}

		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping: context cancelled")
			e.queue.Close()
			return ctx.Err()
		case <-e.queue.Wait():
			if e.queue.Len() == 0 && e.queue.Closed() {
				e.logger.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the queue; Run returns once it drains.
func (e *Engine) Stop() {
	e.queue.Close()
}

// shutdown cancels in-flight work and resolves every open ticket with ErrStopped.
func (e *Engine) shutdown() {
	e.cancel()
	for token, t := range e.tickets {
		t.resolve(nil, model.OpIdle, ErrStopped)
		delete(e.tickets, token)
	}
	e.outbox = nil
	clear(e.buffered)
	clear(e.held)
}

// Wait blocks until in-flight submissions have returned.
func (e *Engine) Wait() {
	e.inflight.Wait()
}

func (e *Engine) process(ctx context.Context, t task) error {
	switch t.typ {
	case taskLocal:
		e.processLocal(t)
		return nil
	case taskResult:
		return e.processResult(ctx, t)
	case taskRemote:
		return e.processRemote(ctx, t.event)
	case taskState:
		e.processState(t.state, t.token)
		return nil
	case taskFetch:
		e.processFetch(t)
		return nil
	case taskPage:
		if t.err != nil {
			t.pageReply <- fetchReply{err: t.err}
			return nil
		}
		page := e.replica.Cache.Install(t.page, t.response, false)
		t.pageReply <- fetchReply{page: page}
		return nil
	default:
		return errors.New("unknown task type")
	}
}

func (e *Engine) processLocal(t task) {
	sub, err := e.replica.ApplyLocal(t.edit)
	if err != nil {
		t.reply <- localReply{err: err}
		return
	}

	ticket := newTicket(sub.Token, sub.EntityID)
	e.tickets[sub.Token] = ticket
	if sub.Superseded != "" {
		if prior, ok := e.tickets[sub.Superseded]; ok {
			prior.resolve(nil, model.OpIdle, ErrSuperseded)
			delete(e.tickets, sub.Superseded)
		}
	}

	e.dispatch(sub.EntityID, sub.Token)
	t.reply <- localReply{ticket: ticket}
}

// dispatch sends the operation for token, or parks it: in the outbox while
// not connected, or behind the request already in flight for the entity.
// A parked token replaced by a newer one of the same chain is never sent.
func (e *Engine) dispatch(id, token string) {
	if e.state != transport.StateConnected {
		if prev, ok := e.buffered[id]; ok {
			e.replica.Coordinator.Discard(prev)
		} else {
			e.outbox = append(e.outbox, id)
		}
		e.buffered[id] = token
		e.logger.Info("submission buffered until reconnect",
			"entity_id", id,
			"token", token,
			"state", e.state.String(),
			"outbox", len(e.outbox),
		)
		return
	}
	if inflight, busy := e.sending[id]; busy {
		if prev, ok := e.held[id]; ok {
			e.replica.Coordinator.Discard(prev)
		}
		e.held[id] = token
		e.logger.Debug("submission held behind in-flight request",
			"entity_id", id,
			"token", token,
			"in_flight", inflight,
		)
		return
	}
	sub, ok := e.replica.Coordinator.Prepare(token)
	if !ok {
		return
	}
	e.sending[id] = token
	e.submit(sub)
}

// release clears the in-flight slot for id once token's response has been
// processed and sends whatever was held behind it.
func (e *Engine) release(id, token string) {
	if e.sending[id] != token {
		return
	}
	delete(e.sending, id)
	if next, ok := e.held[id]; ok {
		delete(e.held, id)
		e.dispatch(id, next)
	}
}

// processFetch answers resident pages directly. A miss is downloaded in its
// own goroutine and installed by a taskPage, so the loop keeps draining
// while the data source answers.
func (e *Engine) processFetch(t task) {
	cache := e.replica.Cache
	if page, ok := cache.Lookup(t.page); ok {
		t.pageReply <- fetchReply{page: page}
		return
	}
	req, err := cache.Request(t.page)
	if err != nil {
		t.pageReply <- fetchReply{err: err}
		return
	}
	ctx := e.life
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		resp, err := cache.Download(ctx, req)
		_ = e.queue.Enqueue(ctx, task{typ: taskPage, page: t.page, pageReply: t.pageReply, response: resp, err: err}, false)
	}()
}

// submit sends sub in its own goroutine and posts the result back.
func (e *Engine) submit(sub Submission) {
	ctx := e.life
	room := e.replica.Room()
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		sctx, cancel := context.WithTimeout(ctx, e.submitTimeout)
		res, err := e.backend.Submit(sctx, room, sub.Request)
		cancel()
		// Posting a result must not be dropped; it blocks for space.
		_ = e.queue.Enqueue(ctx, task{typ: taskResult, token: sub.Token, entity: sub.EntityID, result: res, err: err}, false)
	}()
}

func (e *Engine) processResult(ctx context.Context, t task) error {
	defer e.release(t.entity, t.token)

	var res Resolution
	var err error

	switch {
	case t.err != nil:
		res, err = e.replica.Reject(ctx, t.token, NewNetworkError(t.entity, t.token, t.err))
		if e.onNetworkErr != nil {
			e.onNetworkErr(t.err)
		}
	case t.result.Failure != nil:
		res, err = e.replica.Reject(ctx, t.token, FailureError("", t.token, *t.result.Failure))
	default:
		res, err = e.replica.Ack(t.token, t.result.Entity)
	}

	if errors.Is(err, ErrSuperseded) {
		e.logger.Debug("response for superseded operation ignored", "token", t.token)
		return nil
	}
	if err != nil {
		return err
	}
	e.finish(res)
	return nil
}

func (e *Engine) processRemote(ctx context.Context, ev model.ChangeEvent) error {
	applied, err := e.replica.Deliver(ctx, ev)
	if err != nil {
		return err
	}
	if applied.Resolution != nil {
		e.finish(*applied.Resolution)
	}
	return nil
}

func (e *Engine) processState(s transport.State, node string) {
	prev := e.state
	e.state = s
	e.logger.Info("connection state", "from", prev.String(), "to", s.String(), "node", node)

	switch s {
	case transport.StateConnected:
		if node != "" {
			e.replica.Receiver.SetNode(node)
		}
		ids := e.outbox
		e.outbox = nil
		for _, id := range ids {
			token := e.buffered[id]
			delete(e.buffered, id)
			e.dispatch(id, token)
		}
		if len(ids) > 0 {
			e.logger.Info("outbox flushed", "submissions", len(ids))
		}

	case transport.StateDisconnected:
		// Reconnection gave up: nothing buffered will ever be sent.
		ids := e.outbox
		e.outbox = nil
		for _, id := range ids {
			token := e.buffered[id]
			delete(e.buffered, id)
			res, err := e.replica.Reject(e.life, token, NewConnectionLostError(id, token))
			if err != nil {
				continue
			}
			e.finish(res)
		}
	}
}

// finish resolves the ticket for a Resolution.
func (e *Engine) finish(res Resolution) {
	if res.Err != nil && e.onFailure != nil {
		e.onFailure(res.Err)
	}
	t, ok := e.tickets[res.Token]
	if !ok {
		return
	}
	delete(e.tickets, res.Token)
	t.resolve(res.Entity, res.State, res.Err)
}

// Ticket tracks one local operation until it commits or rolls back.
type Ticket struct {
	Token    string
	EntityID string

	done   chan struct{}
	once   sync.Once
	state  model.OpState
	entity *model.Entity
	err    error
}

func newTicket(token, entityID string) *Ticket {
	return &Ticket{Token: token, EntityID: entityID, state: model.OpPending, done: make(chan struct{})}
}

func (t *Ticket) resolve(e *model.Entity, state model.OpState, err error) {
	t.once.Do(func() {
		t.entity = cloneEntity(e)
		t.state = state
		t.err = err
		close(t.done)
	})
}

// Done is closed once the ticket resolves.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the operation resolves. Committed operations return the
// authoritative entity (zero for deletes); rolled back ones return a
// *MutationFailedError; superseded ones return ErrSuperseded.
func (t *Ticket) Wait(ctx context.Context) (model.Entity, error) {
	select {
	case <-ctx.Done():
		return model.Entity{}, ctx.Err()
	case <-t.done:
	}
	if t.err != nil {
		return model.Entity{}, t.err
	}
	if t.entity == nil {
		return model.Entity{}, nil
	}
	return t.entity.Clone(), nil
}

// State returns the operation state (Pending until resolved).
func (t *Ticket) State() model.OpState {
	select {
	case <-t.done:
		return t.state
	default:
		return model.OpPending
	}
}
