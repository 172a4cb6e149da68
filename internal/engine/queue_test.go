package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskQueue_FIFO(t *testing.T) {
	q := newTaskQueue(0, OverflowBlock)
	ctx := t.Context()

	for _, tok := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, task{typ: taskResult, token: tok}, false))
	}
	assert.Equal(t, 3, q.Len())

	var got []string
	for {
		tk, ok := q.TryDequeue()
		if !ok {
			break
		}
		got = append(got, tk.token)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestTaskQueue_WaitSignals(t *testing.T) {
	q := newTaskQueue(4, OverflowBlock)
	require.NoError(t, q.Enqueue(t.Context(), task{typ: taskLocal}, false))

	select {
	case <-q.Wait():
	case <-time.After(time.Second):
		t.Fatal("no signal after enqueue")
	}
}

func TestTaskQueue_DropPolicy(t *testing.T) {
	q := newTaskQueue(1, OverflowDrop)
	ctx := t.Context()

	require.NoError(t, q.Enqueue(ctx, task{typ: taskRemote}, true))
	assert.ErrorIs(t, q.Enqueue(ctx, task{typ: taskRemote}, true), errQueueFull)

	// Non-droppable tasks wait instead.
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Enqueue(short, task{typ: taskResult}, false), context.DeadlineExceeded)
	assert.Equal(t, 1, q.Len())
}

func TestTaskQueue_BlockPolicyWaitsForSpace(t *testing.T) {
	q := newTaskQueue(1, OverflowBlock)
	ctx := t.Context()
	require.NoError(t, q.Enqueue(ctx, task{typ: taskRemote, token: "first"}, true))

	done := make(chan error, 1)
	go func() {
		done <- q.Enqueue(ctx, task{typ: taskRemote, token: "second"}, true)
	}()

	select {
	case err := <-done:
		t.Fatalf("enqueue returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	tk, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, "first", tk.token)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("producer not woken")
	}
	tk, ok = q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, "second", tk.token)
}

func TestTaskQueue_CloseWakesProducers(t *testing.T) {
	q := newTaskQueue(1, OverflowBlock)
	ctx := t.Context()
	require.NoError(t, q.Enqueue(ctx, task{typ: taskLocal}, false))

	done := make(chan error, 1)
	go func() {
		done <- q.Enqueue(ctx, task{typ: taskLocal}, false)
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()
	q.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(time.Second):
		t.Fatal("producer not woken by close")
	}
	assert.True(t, q.Closed())
	assert.ErrorIs(t, q.Enqueue(ctx, task{typ: taskLocal}, false), ErrStopped)

	// Queued work is still drainable after close.
	_, ok := q.TryDequeue()
	assert.True(t, ok)
}

func TestParseOverflowPolicy(t *testing.T) {
	p, err := ParseOverflowPolicy("drop")
	require.NoError(t, err)
	assert.Equal(t, OverflowDrop, p)
	assert.Equal(t, "drop", p.String())

	p, err = ParseOverflowPolicy("")
	require.NoError(t, err)
	assert.Equal(t, OverflowBlock, p)

	_, err = ParseOverflowPolicy("spill")
	assert.Error(t, err)
}
