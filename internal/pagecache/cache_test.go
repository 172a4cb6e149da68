package pagecache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tandem/internal/entitystore"
	"github.com/roach88/tandem/internal/model"
)

// fakeSource serves fixed pages and counts calls.
type fakeSource struct {
	mu    sync.Mutex
	pages map[int][]model.Entity
	calls map[int]int
	last  model.PageRequest
	err   error
}

func newFakeSource() *fakeSource {
	return &fakeSource{pages: map[int][]model.Entity{}, calls: map[int]int{}}
}

func (f *fakeSource) set(n int, ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ents []model.Entity
	for i, id := range ids {
		ents = append(ents, model.Entity{
			ID:       id,
			Version:  1,
			Position: int64(n*100 + i),
			Status:   model.StatusTodo,
			Fields:   model.Object{"title": model.String(id)},
		})
	}
	f.pages[n] = ents
}

func (f *fakeSource) FetchPage(_ context.Context, req model.PageRequest) (model.PageResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[req.Page]++
	f.last = req
	if f.err != nil {
		return model.PageResponse{}, f.err
	}
	ents := f.pages[req.Page]
	out := make([]model.Entity, len(ents))
	for i, e := range ents {
		out[i] = e.Clone()
	}
	_, hasNext := f.pages[req.Page+1]
	return model.PageResponse{Entities: out, HasNextPage: hasNext, TotalCount: 10}, nil
}

func fixedNow() time.Time {
	return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
}

func newCache(t *testing.T, src DataSource, opts ...Option) (*Cache, *entitystore.Store) {
	t.Helper()
	st := entitystore.New()
	t.Cleanup(func() { _ = st.Close() })
	opts = append([]Option{WithNow(fixedNow)}, opts...)
	return New(st, src, "room-1", opts...), st
}

func TestCache_FetchPage_MissThenHit(t *testing.T) {
	src := newFakeSource()
	src.set(1, "a", "b")
	src.set(2, "c")
	c, st := newCache(t, src)
	ctx := context.Background()

	p, err := c.FetchPage(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, p.EntityIDs)
	assert.True(t, p.HasNext)
	assert.Equal(t, 10, p.TotalCount)
	assert.Equal(t, fixedNow(), p.LastAccessed)
	assert.Equal(t, 2, st.Len())

	_, err = c.FetchPage(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls[1], "second fetch should be a cache hit")

	assert.Equal(t, "room-1", src.last.RoomID)
	assert.Equal(t, DefaultPageSize, src.last.Limit)
}

func TestCache_FetchPage_SourceError(t *testing.T) {
	src := newFakeSource()
	src.err = errors.New("offline")
	c, _ := newCache(t, src)

	_, err := c.FetchPage(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "offline")
	assert.Empty(t, c.Resident())
}

func TestCache_FetchPage_InvalidPage(t *testing.T) {
	c, _ := newCache(t, newFakeSource())
	_, err := c.FetchPage(context.Background(), 0)
	assert.Error(t, err)
}

// Capacity 3 with pages 1..3 resident: fetching page 4 evicts page 1 and
// removes only its unshared, unpinned entities.
func TestCache_EvictsLRUOnOverflow(t *testing.T) {
	src := newFakeSource()
	src.set(1, "p1-only", "shared-2", "shared-4", "pending")
	src.set(2, "shared-2", "p2")
	src.set(3, "p3")
	src.set(4, "shared-4", "p4")
	c, st := newCache(t, src, WithCapacity(3))
	ctx := context.Background()

	for n := 1; n <= 3; n++ {
		_, err := c.FetchPage(ctx, n)
		require.NoError(t, err)
	}
	c.Pin("pending")

	_, err := c.FetchPage(ctx, 4)
	require.NoError(t, err)

	assert.Equal(t, []int{4, 3, 2}, c.ResidentNumbers())
	assert.False(t, st.Has("p1-only"), "unshared entity of evicted page should be removed")
	assert.True(t, st.Has("shared-2"), "entity shared with page 2 must stay")
	assert.True(t, st.Has("shared-4"), "entity shared with new page 4 must stay")
	assert.True(t, st.Has("pending"), "pinned entity must stay")
	for _, id := range []string{"p2", "p3", "p4"} {
		assert.True(t, st.Has(id), id)
	}
}

func TestCache_HitRefreshesRecency(t *testing.T) {
	src := newFakeSource()
	for n := 1; n <= 4; n++ {
		src.set(n, fmt.Sprintf("e%d", n))
	}
	c, st := newCache(t, src, WithCapacity(3))
	ctx := context.Background()

	for n := 1; n <= 3; n++ {
		_, err := c.FetchPage(ctx, n)
		require.NoError(t, err)
	}
	_, err := c.FetchPage(ctx, 1) // page 1 becomes most recent
	require.NoError(t, err)
	_, err = c.FetchPage(ctx, 4)
	require.NoError(t, err)

	assert.Equal(t, []int{4, 1, 3}, c.ResidentNumbers())
	assert.False(t, st.Has("e2"))
	assert.True(t, st.Has("e1"))
}

func TestCache_EvictLeastRecentlyUsed_Explicit(t *testing.T) {
	src := newFakeSource()
	src.set(1, "a")
	c, st := newCache(t, src)

	_, ok := c.EvictLeastRecentlyUsed()
	assert.False(t, ok)

	_, err := c.FetchPage(context.Background(), 1)
	require.NoError(t, err)

	n, ok := c.EvictLeastRecentlyUsed()
	require.True(t, ok)
	assert.Equal(t, 1, n)
	assert.False(t, st.Has("a"))
}

func TestCache_PinUnpinRefcount(t *testing.T) {
	c, _ := newCache(t, newFakeSource())

	c.Pin("x")
	c.Pin("x")
	c.Unpin("x")
	assert.True(t, c.IsPinned("x"))
	c.Unpin("x")
	assert.False(t, c.IsPinned("x"))
	c.Unpin("x") // extra unpin is harmless
	assert.False(t, c.IsPinned("x"))
}

func TestCache_PageReferenceCountsAsPin(t *testing.T) {
	src := newFakeSource()
	src.set(1, "a")
	c, _ := newCache(t, src)

	_, err := c.FetchPage(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, c.IsPinned("a"))

	c.EvictLeastRecentlyUsed()
	assert.False(t, c.IsPinned("a"))
}

func TestCache_FetchDoesNotOverwriteGuardedOrNewer(t *testing.T) {
	src := newFakeSource()
	src.set(1, "guarded", "newer")
	guarded := map[string]bool{"guarded": true}
	c, st := newCache(t, src, WithGuard(func(id string) bool { return guarded[id] }))

	require.NoError(t, st.Upsert(model.Entity{ID: "guarded", Version: 1, Status: model.StatusTodo, Fields: model.Object{"title": model.String("local edit")}}))
	require.NoError(t, st.Upsert(model.Entity{ID: "newer", Version: 5, Status: model.StatusTodo, Fields: model.Object{"title": model.String("v5")}}))

	_, err := c.FetchPage(context.Background(), 1)
	require.NoError(t, err)

	g, err := st.Get("guarded")
	require.NoError(t, err)
	assert.Equal(t, model.String("local edit"), g.Fields["title"])

	n, err := st.Get("newer")
	require.NoError(t, err)
	assert.Equal(t, int64(5), n.Version)
}

func TestCache_RefreshForcesOverwriteAndReleasesDropped(t *testing.T) {
	src := newFakeSource()
	src.set(1, "a", "b")
	c, st := newCache(t, src)
	ctx := context.Background()

	_, err := c.FetchPage(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, st.Upsert(model.Entity{ID: "a", Version: 9, Status: model.StatusDone}))

	src.set(1, "a") // b was deleted upstream
	p, err := c.Refresh(ctx, 1)
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, p.EntityIDs)
	got, err := st.Get("a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version, "refresh overwrites with the fetched copy")
	assert.False(t, st.Has("b"))
	assert.Equal(t, 2, src.calls[1])
}

func TestCache_ForgetAndContainingPage(t *testing.T) {
	src := newFakeSource()
	src.set(1, "a", "b")
	src.set(2, "b")
	c, _ := newCache(t, src)
	ctx := context.Background()

	_, err := c.FetchPage(ctx, 1)
	require.NoError(t, err)
	_, err = c.FetchPage(ctx, 2)
	require.NoError(t, err)

	n, ok := c.ContainingPage("b")
	require.True(t, ok)
	assert.Equal(t, 2, n, "most recently used page wins")

	c.Forget("b")
	_, ok = c.ContainingPage("b")
	assert.False(t, ok)
	assert.False(t, c.IsPinned("b"))
}

func TestCache_CapacityFloor(t *testing.T) {
	c, _ := newCache(t, newFakeSource(), WithCapacity(0))
	assert.Equal(t, 1, c.Capacity())
}

func TestCache_UnpinRemovesEntityWhosePageWasEvicted(t *testing.T) {
	src := newFakeSource()
	src.set(1, "pending", "a")
	src.set(2, "b")
	c, st := newCache(t, src, WithCapacity(1))
	ctx := context.Background()

	_, err := c.FetchPage(ctx, 1)
	require.NoError(t, err)
	c.Pin("pending")
	c.Pin("pending")

	_, err = c.FetchPage(ctx, 2)
	require.NoError(t, err)
	require.True(t, st.Has("pending"), "pinned entity survives eviction")
	assert.False(t, st.Has("a"))

	c.Unpin("pending")
	assert.True(t, st.Has("pending"), "one pin left")
	c.Unpin("pending")
	assert.False(t, st.Has("pending"), "last unpin reclaims the orphaned entity")
	assert.True(t, st.Has("b"))
}

func TestCache_UnpinKeepsEntityReferencedAgain(t *testing.T) {
	src := newFakeSource()
	src.set(1, "pending")
	src.set(2, "other")
	c, st := newCache(t, src, WithCapacity(1))
	ctx := context.Background()

	_, err := c.FetchPage(ctx, 1)
	require.NoError(t, err)
	c.Pin("pending")
	_, err = c.FetchPage(ctx, 2)
	require.NoError(t, err)

	src.set(2, "other", "pending") // moved onto the resident page
	_, err = c.Refresh(ctx, 2)
	require.NoError(t, err)

	c.Unpin("pending")
	assert.True(t, st.Has("pending"))
}

func TestCache_UnpinKeepsUnpagedLocalEntity(t *testing.T) {
	c, st := newCache(t, newFakeSource())
	require.NoError(t, st.Upsert(model.Entity{ID: "local", Status: model.StatusTodo, Fields: model.Object{}}))

	c.Pin("local")
	c.Unpin("local")
	assert.True(t, st.Has("local"), "never referenced by a page, so never evicted")
}

func TestCache_DownloadThenInstall(t *testing.T) {
	src := newFakeSource()
	src.set(3, "x", "y")
	c, st := newCache(t, src, WithPageSize(7))

	_, ok := c.Lookup(3)
	assert.False(t, ok)

	req, err := c.Request(3)
	require.NoError(t, err)
	assert.Equal(t, model.PageRequest{RoomID: "room-1", Page: 3, Limit: 7}, req)

	resp, err := c.Download(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, st.Has("x"), "download alone installs nothing")

	page := c.Install(3, resp, false)
	assert.Equal(t, []string{"x", "y"}, page.EntityIDs)
	assert.True(t, st.Has("x"))

	hit, ok := c.Lookup(3)
	require.True(t, ok)
	assert.Equal(t, page.EntityIDs, hit.EntityIDs)

	_, err = c.Request(0)
	assert.Error(t, err)
}
