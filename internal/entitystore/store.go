// Package entitystore is the normalized, ordered in-memory cache of entities.
//
// Point lookups go through a sync.Map of per-id slots (O(1) amortized).
// Display order is kept in a concurrent skip list keyed by (position, id),
// so ordered iteration bookkeeping is O(log n) per change.
//
// CONCURRENCY:
//   - Mutation is atomic per entity id: each slot has its own mutex, so
//     unrelated entities update without contention. There is no store-wide lock.
//   - Reads never block: a slot publishes an immutable *model.Entity through
//     an atomic pointer and readers receive a deep copy.
package entitystore

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"github.com/roach88/tandem/internal/model"
)

var (
	// ErrNotFound is returned by Get for ids that are not resident.
	ErrNotFound = errors.New("entity not found")

	// ErrClosed is returned by writes after Close.
	ErrClosed = errors.New("entity store closed")
)

// orderKey sorts by position, then id for a total order.
type orderKey struct {
	pos int64
	id  string
}

func lessOrderKey(a, b orderKey) bool {
	if a.pos != b.pos {
		return a.pos < b.pos
	}
	return a.id < b.id
}

type slot struct {
	mu   sync.Mutex
	cur  atomic.Pointer[model.Entity]
	dead bool // set under mu once the slot is unlinked from the index
}

// Store holds entities by id plus their display order.
// Construct with New; instances are independent.
type Store struct {
	slots  sync.Map // string -> *slot
	order  *skipmap.FuncMap[orderKey, string]
	count  atomic.Int64
	closed atomic.Bool
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for debug traces.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		order:  skipmap.NewFunc[orderKey, string](lessOrderKey),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns a copy of the entity, or ErrNotFound.
func (s *Store) Get(id string) (model.Entity, error) {
	v, ok := s.slots.Load(id)
	if !ok {
		return model.Entity{}, ErrNotFound
	}
	e := v.(*slot).cur.Load()
	if e == nil {
		return model.Entity{}, ErrNotFound
	}
	return e.Clone(), nil
}

// Has reports whether id is resident.
func (s *Store) Has(id string) bool {
	v, ok := s.slots.Load(id)
	return ok && v.(*slot).cur.Load() != nil
}

// Upsert inserts or replaces the entity with the same id.
func (s *Store) Upsert(e model.Entity) error {
	if e.ID == "" {
		return fmt.Errorf("upsert: entity id is required")
	}
	return s.Update(e.ID, func(*model.Entity) (*model.Entity, error) {
		return &e, nil
	})
}

// Remove deletes the entity. Removing an absent id is a no-op.
func (s *Store) Remove(id string) error {
	return s.Update(id, func(*model.Entity) (*model.Entity, error) {
		return nil, nil
	})
}

// Update performs an atomic read-modify-write for one id.
//
// fn receives a copy of the current entity (nil if absent) and returns the
// next state: nil removes the entity. If fn returns an error nothing changes.
// Other ids are never blocked by fn.
func (s *Store) Update(id string, fn func(cur *model.Entity) (*model.Entity, error)) error {
	if s.closed.Load() {
		return ErrClosed
	}

	sl := s.lock(id)
	defer sl.mu.Unlock()

	prev := sl.cur.Load()
	var arg *model.Entity
	if prev != nil {
		c := prev.Clone()
		arg = &c
	}

	next, err := fn(arg)
	if err != nil {
		if prev == nil {
			s.unlink(id, sl)
		}
		return err
	}

	if next == nil {
		if prev != nil {
			s.order.Delete(orderKey{pos: prev.Position, id: id})
			s.count.Add(-1)
			s.logger.Debug("entity removed", "id", id, "version", prev.Version)
		}
		s.unlink(id, sl)
		return nil
	}

	if next.ID != id {
		if prev == nil {
			s.unlink(id, sl)
		}
		return fmt.Errorf("update %s: entity id changed to %q", id, next.ID)
	}

	stored := next.Clone()
	sl.cur.Store(&stored)

	newKey := orderKey{pos: stored.Position, id: id}
	if prev == nil {
		s.count.Add(1)
	} else if prev.Position != stored.Position {
		s.order.Delete(orderKey{pos: prev.Position, id: id})
	}
	s.order.Store(newKey, id)
	return nil
}

// lock returns the locked live slot for id, creating it when absent.
func (s *Store) lock(id string) *slot {
	for {
		v, _ := s.slots.LoadOrStore(id, &slot{})
		sl := v.(*slot)
		sl.mu.Lock()
		if !sl.dead {
			return sl
		}
		// Lost a race with removal; the slot is gone from the map, retry.
		sl.mu.Unlock()
	}
}

// unlink retires an empty slot. Caller holds sl.mu.
func (s *Store) unlink(id string, sl *slot) {
	sl.cur.Store(nil)
	sl.dead = true
	s.slots.CompareAndDelete(id, sl)
}

// GetAllOrdered returns copies of every entity ordered by position, then id.
func (s *Store) GetAllOrdered() []model.Entity {
	out := make([]model.Entity, 0, s.order.Len())
	seen := make(map[string]struct{}, s.order.Len())
	s.order.Range(func(_ orderKey, id string) bool {
		if _, dup := seen[id]; dup {
			return true
		}
		if e, err := s.Get(id); err == nil {
			seen[id] = struct{}{}
			out = append(out, e)
		}
		return true
	})
	return out
}

// IDs returns resident ids in display order.
func (s *Store) IDs() []string {
	all := s.GetAllOrdered()
	ids := make([]string, len(all))
	for i, e := range all {
		ids[i] = e.ID
	}
	return ids
}

// Len returns the number of resident entities.
func (s *Store) Len() int {
	return int(s.count.Load())
}

// Close drops all entities and rejects further writes.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.slots.Range(func(k, v any) bool {
		sl := v.(*slot)
		sl.mu.Lock()
		if e := sl.cur.Load(); e != nil {
			s.order.Delete(orderKey{pos: e.Position, id: e.ID})
		}
		s.unlink(k.(string), sl)
		sl.mu.Unlock()
		return true
	})
	s.count.Store(0)
	return nil
}
