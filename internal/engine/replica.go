package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/tandem/internal/entitystore"
	"github.com/roach88/tandem/internal/model"
	"github.com/roach88/tandem/internal/pagecache"
	"github.com/roach88/tandem/internal/resolve"
)

// ReplicaConfig configures one client replica. All collaborators are passed
// explicitly; nothing is read from global state.
type ReplicaConfig struct {
	Actor        string
	Node         string
	Room         string
	Source       pagecache.DataSource
	PageCapacity int
	PageSize     int
	Filter       model.Object
	Tokens       TokenGenerator
	Auditor      resolve.Auditor
	Logger       *slog.Logger
	Now          func() time.Time
}

// Replica is one client's view of a room: entity store, page cache,
// coordinator and receiver wired together.
//
// Thread-safety: NOT safe for concurrent use; run it on one goroutine (the
// Engine does). Store reads from other goroutines are safe and never block.
type Replica struct {
	Store       *entitystore.Store
	Cache       *pagecache.Cache
	Coordinator *Coordinator
	Receiver    *Receiver

	room   string
	logger *slog.Logger
}

// NewReplica constructs an independent replica.
func NewReplica(cfg ReplicaConfig) *Replica {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("actor", cfg.Actor)

	tokens := cfg.Tokens
	if tokens == nil {
		tokens = UUIDv7Generator{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	source := cfg.Source
	if source == nil {
		source = pagecache.DataSourceFunc(func(context.Context, model.PageRequest) (model.PageResponse, error) {
			return model.PageResponse{}, nil
		})
	}

	store := entitystore.New(entitystore.WithLogger(logger))
	opts := []pagecache.Option{pagecache.WithLogger(logger), pagecache.WithNow(now)}
	if cfg.PageCapacity > 0 {
		opts = append(opts, pagecache.WithCapacity(cfg.PageCapacity))
	}
	if cfg.PageSize > 0 {
		opts = append(opts, pagecache.WithPageSize(cfg.PageSize))
	}
	if cfg.Filter != nil {
		opts = append(opts, pagecache.WithFilter(cfg.Filter))
	}
	cache := pagecache.New(store, source, cfg.Room, opts...)

	coord := NewCoordinator(store, cache, cfg.Actor, tokens, logger)
	coord.now = now
	cache.SetGuard(coord.HasPending)

	return &Replica{
		Store:       store,
		Cache:       cache,
		Coordinator: coord,
		Receiver:    NewReceiver(store, coord, cache, cfg.Node, cfg.Auditor, logger),
		room:        cfg.Room,
		logger:      logger,
	}
}

// Room returns the room this replica mirrors.
func (r *Replica) Room() string {
	return r.room
}

// Actor returns the local actor id.
func (r *Replica) Actor() string {
	return r.Coordinator.Actor()
}

// ApplyLocal applies an edit optimistically.
func (r *Replica) ApplyLocal(edit LocalEdit) (Submission, error) {
	return r.Coordinator.ApplyLocal(edit)
}

// Ack commits an operation with the backend's authoritative entity.
func (r *Replica) Ack(token string, authoritative *model.Entity) (Resolution, error) {
	return r.Coordinator.Ack(token, authoritative)
}

// Reject rolls back an operation. A stale-data rejection additionally forces
// a refetch of the page containing the entity; refetch takes precedence over
// the rolled back local state.
func (r *Replica) Reject(ctx context.Context, token string, cause *SyncError) (Resolution, error) {
	res, err := r.Coordinator.Reject(token, cause)
	if err != nil {
		return res, err
	}
	if cause != nil && cause.Kind == KindStaleData {
		r.refreshFor(ctx, res.EntityID)
	}
	return res, nil
}

func (r *Replica) refreshFor(ctx context.Context, id string) {
	n, ok := r.Cache.ContainingPage(id)
	if !ok {
		if err := r.Store.Remove(id); err != nil {
			r.logger.Warn("drop stale entity failed", "entity_id", id, "error", err)
		}
		r.logger.Info("stale entity dropped", "entity_id", id)
		return
	}

	page, err := r.Cache.Refresh(ctx, n)
	if err != nil {
		r.logger.Warn("stale page refetch failed", "entity_id", id, "page", n, "error", err)
		return
	}
	if !page.Contains(id) && !r.Coordinator.HasPending(id) {
		if err := r.Store.Remove(id); err != nil {
			r.logger.Warn("drop stale entity failed", "entity_id", id, "error", err)
		}
	}
	r.logger.Info("stale page refetched", "entity_id", id, "page", n, "still_present", page.Contains(id))
}

// Deliver reconciles one inbound change event.
func (r *Replica) Deliver(ctx context.Context, ev model.ChangeEvent) (Applied, error) {
	return r.Receiver.Apply(ctx, ev)
}

// FetchPage loads a page through the cache.
func (r *Replica) FetchPage(ctx context.Context, n int) (model.Page, error) {
	return r.Cache.FetchPage(ctx, n)
}

// Get reads one entity. Never blocks on writers.
func (r *Replica) Get(id string) (model.Entity, error) {
	return r.Store.Get(id)
}

// Entities returns the resident entities in display order.
func (r *Replica) Entities() []model.Entity {
	return r.Store.GetAllOrdered()
}

// Close tears down the replica's store.
func (r *Replica) Close() error {
	return r.Store.Close()
}
