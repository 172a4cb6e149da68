// Package pagecache bounds client memory with paginated residency and LRU
// eviction over an entitystore.Store.
//
// A resident Page owns ordered id references only; entities live in the
// store. An entity is pinned while any resident page references it or while
// Pin has been called for it more times than Unpin (pending operations and
// the visible range). Eviction never removes a pinned entity.
package pagecache

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/tandem/internal/entitystore"
	"github.com/roach88/tandem/internal/model"
)

// DefaultCapacity is the number of resident pages before eviction.
const DefaultCapacity = 3

// DefaultPageSize is the page limit sent to the data source.
const DefaultPageSize = 50

// DataSource is the external collaborator serving pages.
type DataSource interface {
	FetchPage(ctx context.Context, req model.PageRequest) (model.PageResponse, error)
}

// DataSourceFunc adapts a function to DataSource.
type DataSourceFunc func(ctx context.Context, req model.PageRequest) (model.PageResponse, error)

// FetchPage implements DataSource.
func (f DataSourceFunc) FetchPage(ctx context.Context, req model.PageRequest) (model.PageResponse, error) {
	return f(ctx, req)
}

// Cache tracks resident pages and pins.
//
// Thread-safety: methods are safe for concurrent use as long as the guard
// is. An engine replica's guard reads coordinator state, so that cache
// belongs to the replica's goroutine. The data source is called without
// holding the cache lock.
type Cache struct {
	store    *entitystore.Store
	source   DataSource
	room     string
	capacity int
	pageSize int
	filter   model.Object
	guard    func(id string) bool
	now      func() time.Time
	logger   *slog.Logger

	mu    sync.Mutex
	lru   *list.List            // front is most recently used; values are *model.Page
	pages map[int]*list.Element // page number -> lru element
	refs  map[string]int        // entity id -> resident pages referencing it
	pins  map[string]int        // entity id -> explicit pin count
	// orphans were released by their last page while pinned; the last
	// Unpin removes them.
	orphans map[string]struct{}
}

// Option configures a Cache.
type Option func(*Cache)

// WithCapacity sets the resident page limit (minimum 1).
func WithCapacity(n int) Option {
	return func(c *Cache) {
		c.capacity = n
	}
}

// WithPageSize sets the limit sent with every page request.
func WithPageSize(n int) Option {
	return func(c *Cache) {
		c.pageSize = n
	}
}

// WithFilter sets the filter sent with every page request.
func WithFilter(f model.Object) Option {
	return func(c *Cache) {
		c.filter = f.Clone()
	}
}

// WithGuard sets a predicate reporting entities whose local state must not be
// overwritten by fetched data (an optimistic edit is pending).
func WithGuard(g func(id string) bool) Option {
	return func(c *Cache) {
		c.guard = g
	}
}

// WithNow injects the time source used for LastAccessed.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = l
	}
}

// New creates a cache for one room over the given store.
func New(store *entitystore.Store, source DataSource, room string, opts ...Option) *Cache {
	c := &Cache{
		store:    store,
		source:   source,
		room:     room,
		capacity: DefaultCapacity,
		pageSize: DefaultPageSize,
		guard:    func(string) bool { return false },
		now:      time.Now,
		logger:   slog.Default(),
		lru:      list.New(),
		pages:    make(map[int]*list.Element),
		refs:     make(map[string]int),
		pins:     make(map[string]int),
		orphans:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.capacity < 1 {
		c.capacity = 1
	}
	if c.pageSize < 1 {
		c.pageSize = DefaultPageSize
	}
	return c
}

// SetGuard replaces the overwrite guard. Used when the guard's owner is
// constructed after the cache.
func (c *Cache) SetGuard(g func(id string) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g == nil {
		g = func(string) bool { return false }
	}
	c.guard = g
}

// Capacity returns the resident page limit.
func (c *Cache) Capacity() int {
	return c.capacity
}

// FetchPage returns page n, delegating to the data source on a miss.
// Installing a new page may evict the least recently used one.
func (c *Cache) FetchPage(ctx context.Context, n int) (model.Page, error) {
	if page, ok := c.Lookup(n); ok {
		return page, nil
	}
	return c.load(ctx, n, false)
}

// Lookup returns resident page n and marks it most recently used.
func (c *Cache) Lookup(n int) (model.Page, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.pages[n]
	if !ok {
		return model.Page{}, false
	}
	p := el.Value.(*model.Page)
	p.LastAccessed = c.now()
	c.lru.MoveToFront(el)
	c.logger.Debug("page cache hit", "room", c.room, "page", n)
	return clonePage(p), true
}

// Request builds the data source request for page n.
func (c *Cache) Request(n int) (model.PageRequest, error) {
	req := model.PageRequest{RoomID: c.room, Page: n, Limit: c.pageSize, Filter: c.filter}
	if err := req.Validate(); err != nil {
		return model.PageRequest{}, err
	}
	return req, nil
}

// Download asks the data source for req. It touches no cache state and may
// run on any goroutine; Install makes the response resident.
func (c *Cache) Download(ctx context.Context, req model.PageRequest) (model.PageResponse, error) {
	resp, err := c.source.FetchPage(ctx, req)
	if err != nil {
		return model.PageResponse{}, fmt.Errorf("fetch page %d: %w", req.Page, err)
	}
	return resp, nil
}

// Refresh refetches page n from the data source even if resident, and
// overwrites unguarded entities with the fetched versions. Ids that were on
// the old page but not the new one are released.
func (c *Cache) Refresh(ctx context.Context, n int) (model.Page, error) {
	return c.load(ctx, n, true)
}

func (c *Cache) load(ctx context.Context, n int, force bool) (model.Page, error) {
	req, err := c.Request(n)
	if err != nil {
		return model.Page{}, err
	}
	resp, err := c.Download(ctx, req)
	if err != nil {
		return model.Page{}, err
	}
	return c.Install(n, resp, force), nil
}

// Install makes resp resident as page n, writing unguarded entities to the
// store. With force, fetched entities overwrite newer resident copies.
func (c *Cache) Install(n int, resp model.PageResponse, force bool) model.Page {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(resp.Entities))
	for _, e := range resp.Entities {
		ids = append(ids, e.ID)
		c.install(e, force)
	}

	page := &model.Page{
		Number:       n,
		EntityIDs:    ids,
		HasNext:      resp.HasNextPage,
		TotalCount:   resp.TotalCount,
		LastAccessed: c.now(),
	}

	for _, id := range ids {
		c.refs[id]++
		delete(c.orphans, id)
	}
	if el, ok := c.pages[n]; ok {
		old := el.Value.(*model.Page)
		el.Value = page
		c.lru.MoveToFront(el)
		c.release(old.EntityIDs)
	} else {
		c.pages[n] = c.lru.PushFront(page)
	}

	c.logger.Debug("page loaded",
		"room", c.room,
		"page", n,
		"entities", len(ids),
		"forced", force,
	)

	for c.lru.Len() > c.capacity {
		c.evictLocked()
	}

	return clonePage(page)
}

// install writes a fetched entity into the store. Guarded ids are skipped.
// Without force, a fetched copy older than the resident one is ignored.
// Caller holds c.mu.
func (c *Cache) install(e model.Entity, force bool) {
	if c.guard(e.ID) {
		c.logger.Debug("skipping fetched entity with pending edit", "id", e.ID)
		return
	}
	err := c.store.Update(e.ID, func(cur *model.Entity) (*model.Entity, error) {
		if cur != nil && !force && cur.Version > e.Version {
			return cur, nil
		}
		return &e, nil
	})
	if err != nil {
		c.logger.Warn("install fetched entity failed", "id", e.ID, "error", err)
	}
}

// Pin protects id from eviction. Pins are reference counted.
func (c *Cache) Pin(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pins[id]++
}

// Unpin releases one pin. Releasing the last pin of an entity whose pages
// were all evicted meanwhile removes it from the store. An entity no page
// ever referenced (a local create) stays.
func (c *Cache) Unpin(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pins[id] > 1 {
		c.pins[id]--
		return
	}
	delete(c.pins, id)
	if _, ok := c.orphans[id]; !ok || c.refs[id] > 0 {
		return
	}
	delete(c.orphans, id)
	if err := c.store.Remove(id); err != nil {
		c.logger.Warn("evict unpinned entity failed", "id", id, "error", err)
		return
	}
	c.logger.Debug("unpinned entity evicted", "room", c.room, "id", id)
}

// IsPinned reports whether eviction must keep id: it is explicitly pinned or
// referenced by a resident page.
func (c *Cache) IsPinned(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pins[id] > 0 || c.refs[id] > 0
}

// EvictLeastRecentlyUsed drops the least recently used page and returns its
// number. ok is false when no page is resident.
func (c *Cache) EvictLeastRecentlyUsed() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictLocked()
}

// evictLocked removes the LRU page and releases its ids. Caller holds c.mu.
func (c *Cache) evictLocked() (int, bool) {
	el := c.lru.Back()
	if el == nil {
		return 0, false
	}
	p := el.Value.(*model.Page)
	c.lru.Remove(el)
	delete(c.pages, p.Number)
	removed := c.release(p.EntityIDs)

	c.logger.Info("page evicted",
		"room", c.room,
		"page", p.Number,
		"entities_removed", removed,
		"entities_kept", len(p.EntityIDs)-removed,
	)
	return p.Number, true
}

// release drops one page reference for each id and removes the entities
// that end up unreferenced and unpinned. Caller holds c.mu.
func (c *Cache) release(ids []string) int {
	removed := 0
	for _, id := range ids {
		if c.refs[id] <= 1 {
			delete(c.refs, id)
		} else {
			c.refs[id]--
			continue
		}
		if c.pins[id] > 0 {
			c.orphans[id] = struct{}{}
			continue
		}
		if err := c.store.Remove(id); err != nil {
			c.logger.Warn("evict entity failed", "id", id, "error", err)
			continue
		}
		removed++
	}
	return removed
}

// Forget drops id from every resident page. Used when an entity is deleted.
func (c *Cache) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.lru.Front(); el != nil; el = el.Next() {
		p := el.Value.(*model.Page)
		kept := p.EntityIDs[:0:0]
		for _, eid := range p.EntityIDs {
			if eid != id {
				kept = append(kept, eid)
			}
		}
		p.EntityIDs = kept
	}
	delete(c.refs, id)
	delete(c.orphans, id)
}

// ContainingPage returns the most recently used resident page that
// references id.
func (c *Cache) ContainingPage(id string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.lru.Front(); el != nil; el = el.Next() {
		p := el.Value.(*model.Page)
		if p.Contains(id) {
			return p.Number, true
		}
	}
	return 0, false
}

// Resident returns copies of resident pages, most recently used first.
func (c *Cache) Resident() []model.Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Page, 0, c.lru.Len())
	for el := c.lru.Front(); el != nil; el = el.Next() {
		out = append(out, clonePage(el.Value.(*model.Page)))
	}
	return out
}

// ResidentNumbers returns resident page numbers, most recently used first.
func (c *Cache) ResidentNumbers() []int {
	pages := c.Resident()
	out := make([]int, len(pages))
	for i, p := range pages {
		out[i] = p.Number
	}
	return out
}

func clonePage(p *model.Page) model.Page {
	out := *p
	out.EntityIDs = append([]string(nil), p.EntityIDs...)
	return out
}
