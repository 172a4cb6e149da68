package entitystore

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tandem/internal/model"
)

func entity(id string, pos int64, title string) model.Entity {
	return model.Entity{
		ID:          id,
		Version:     1,
		VectorClock: model.VectorClock{"srv": 1},
		Position:    pos,
		Status:      model.StatusTodo,
		Fields:      model.Object{"title": model.String(title)},
	}
}

func TestStore_UpsertGet(t *testing.T) {
	s := New()

	require.NoError(t, s.Upsert(entity("t1", 10, "first")))

	got, err := s.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, model.String("first"), got.Fields["title"])
	assert.Equal(t, 1, s.Len())
	assert.True(t, s.Has("t1"))
}

func TestStore_Get_NotFound(t *testing.T) {
	s := New()

	_, err := s.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, s.Has("missing"))
}

func TestStore_Get_ReturnsCopy(t *testing.T) {
	s := New()
	require.NoError(t, s.Upsert(entity("t1", 1, "orig")))

	got, err := s.Get("t1")
	require.NoError(t, err)
	got.Fields["title"] = model.String("mutated")
	got.VectorClock["srv"] = 99

	again, err := s.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, model.String("orig"), again.Fields["title"])
	assert.Equal(t, int64(1), again.VectorClock["srv"])
}

func TestStore_Upsert_CallerMutationDoesNotLeak(t *testing.T) {
	s := New()
	e := entity("t1", 1, "orig")
	require.NoError(t, s.Upsert(e))

	e.Fields["title"] = model.String("changed after upsert")

	got, err := s.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, model.String("orig"), got.Fields["title"])
}

func TestStore_Upsert_RequiresID(t *testing.T) {
	s := New()
	assert.Error(t, s.Upsert(model.Entity{}))
}

func TestStore_GetAllOrdered(t *testing.T) {
	s := New()
	require.NoError(t, s.Upsert(entity("c", 30, "")))
	require.NoError(t, s.Upsert(entity("a", 10, "")))
	require.NoError(t, s.Upsert(entity("b2", 20, "")))
	require.NoError(t, s.Upsert(entity("b1", 20, "")))

	assert.Equal(t, []string{"a", "b1", "b2", "c"}, s.IDs())
}

func TestStore_Upsert_Reorders(t *testing.T) {
	s := New()
	require.NoError(t, s.Upsert(entity("a", 10, "")))
	require.NoError(t, s.Upsert(entity("b", 20, "")))

	require.NoError(t, s.Upsert(entity("a", 30, "")))

	assert.Equal(t, []string{"b", "a"}, s.IDs())
	assert.Equal(t, 2, s.Len())
}

func TestStore_Remove(t *testing.T) {
	s := New()
	require.NoError(t, s.Upsert(entity("a", 1, "")))
	require.NoError(t, s.Upsert(entity("b", 2, "")))

	require.NoError(t, s.Remove("a"))

	_, err := s.Get("a")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{"b"}, s.IDs())
	assert.Equal(t, 1, s.Len())

	// Removing again is a no-op.
	require.NoError(t, s.Remove("a"))
	assert.Equal(t, 1, s.Len())
}

func TestStore_Remove_ThenReinsert(t *testing.T) {
	s := New()
	require.NoError(t, s.Upsert(entity("a", 1, "one")))
	require.NoError(t, s.Remove("a"))
	require.NoError(t, s.Upsert(entity("a", 5, "two")))

	got, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, model.String("two"), got.Fields["title"])
	assert.Equal(t, []string{"a"}, s.IDs())
}

func TestStore_Update(t *testing.T) {
	s := New()
	require.NoError(t, s.Upsert(entity("a", 1, "one")))

	err := s.Update("a", func(cur *model.Entity) (*model.Entity, error) {
		require.NotNil(t, cur)
		cur.Version++
		cur.Fields["title"] = model.String("two")
		return cur, nil
	})
	require.NoError(t, err)

	got, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, model.String("two"), got.Fields["title"])
}

func TestStore_Update_ErrorLeavesStateUnchanged(t *testing.T) {
	s := New()
	require.NoError(t, s.Upsert(entity("a", 1, "one")))

	boom := fmt.Errorf("boom")
	err := s.Update("a", func(cur *model.Entity) (*model.Entity, error) {
		cur.Fields["title"] = model.String("partial")
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, model.String("one"), got.Fields["title"])
}

func TestStore_Update_AbsentErrorLeavesNoSlot(t *testing.T) {
	s := New()

	err := s.Update("ghost", func(cur *model.Entity) (*model.Entity, error) {
		assert.Nil(t, cur)
		return nil, fmt.Errorf("nope")
	})
	assert.Error(t, err)
	assert.Equal(t, 0, s.Len())
	assert.False(t, s.Has("ghost"))
}

func TestStore_Update_RejectsIDChange(t *testing.T) {
	s := New()
	require.NoError(t, s.Upsert(entity("a", 1, "")))

	err := s.Update("a", func(cur *model.Entity) (*model.Entity, error) {
		cur.ID = "b"
		return cur, nil
	})
	assert.Error(t, err)
	assert.Equal(t, []string{"a"}, s.IDs())
}

func TestStore_Close(t *testing.T) {
	s := New()
	require.NoError(t, s.Upsert(entity("a", 1, "")))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Equal(t, 0, s.Len())
	assert.Empty(t, s.GetAllOrdered())
	assert.ErrorIs(t, s.Upsert(entity("b", 1, "")), ErrClosed)
	assert.ErrorIs(t, s.Remove("a"), ErrClosed)
}

func TestStore_IndependentInstances(t *testing.T) {
	s1 := New()
	s2 := New()
	require.NoError(t, s1.Upsert(entity("a", 1, "")))

	assert.Equal(t, 1, s1.Len())
	assert.Equal(t, 0, s2.Len())
}

func TestStore_ConcurrentUpdatesSameID(t *testing.T) {
	s := New()
	require.NoError(t, s.Upsert(entity("a", 1, "")))

	const workers = 16
	const perWorker = 100

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_ = s.Update("a", func(cur *model.Entity) (*model.Entity, error) {
					cur.Version++
					return cur, nil
				})
			}
		}()
	}
	wg.Wait()

	got, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, int64(1+workers*perWorker), got.Version)
}

func TestStore_ConcurrentDistinctIDs(t *testing.T) {
	s := New()

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("e%03d", i)
			_ = s.Upsert(entity(id, int64(i), ""))
			if i%2 == 0 {
				_ = s.Remove(id)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, n/2, s.Len())
	ids := s.IDs()
	require.Len(t, ids, n/2)
	for i := 1; i < len(ids); i++ {
		assert.Less(t, ids[i-1], ids[i])
	}
}

func TestStore_ConcurrentReadersDuringWrites(t *testing.T) {
	s := New()
	require.NoError(t, s.Upsert(entity("a", 1, "v0")))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			got, err := s.Get("a")
			if err == nil {
				_ = got.Fields["title"]
			}
			_ = s.GetAllOrdered()
		}
	}()

	for i := 0; i < 500; i++ {
		require.NoError(t, s.Upsert(entity("a", int64(i%7), fmt.Sprintf("v%d", i))))
	}
	close(stop)
	wg.Wait()

	assert.Equal(t, 1, s.Len())
	assert.Len(t, s.GetAllOrdered(), 1)
}
