package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tandem/internal/model"
	"github.com/roach88/tandem/internal/testutil"
)

var errDropped = errors.New("connection dropped")

type fakeConn struct {
	node   string
	events chan model.ChangeEvent

	mu     sync.Mutex
	subs   []string
	afters map[string]int64
	unsubs []string

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn(node string) *fakeConn {
	return &fakeConn{
		node:   node,
		events: make(chan model.ChangeEvent, 8),
		afters: make(map[string]int64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) NodeID() string { return c.node }

func (c *fakeConn) Subscribe(room string, afterSeq int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, room)
	c.afters[room] = afterSeq
	return nil
}

func (c *fakeConn) resumedAfter(room string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.afters[room]
}

func (c *fakeConn) Unsubscribe(room string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubs = append(c.unsubs, room)
	return nil
}

func (c *fakeConn) subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.subs...)
}

func (c *fakeConn) Next(ctx context.Context) (model.ChangeEvent, error) {
	select {
	case ev, ok := <-c.events:
		if !ok {
			return model.ChangeEvent{}, errDropped
		}
		return ev, nil
	case <-c.closed:
		return model.ChangeEvent{}, errDropped
	case <-ctx.Done():
		return model.ChangeEvent{}, ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

type transition struct {
	state State
	node  string
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noSleep(context.Context, time.Duration) error { return nil }

func awaitState(t *testing.T, ch <-chan transition, want State) transition {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case tr := <-ch:
			if tr.state == want {
				return tr
			}
		case <-timeout:
			t.Fatalf("state %s not reached", want)
		}
	}
}

func TestSession_ResubscribesAfterReconnect(t *testing.T) {
	conns := []*fakeConn{newFakeConn("node-1"), newFakeConn("node-2")}
	var dials int
	var dialMu sync.Mutex
	dialer := DialerFunc(func(context.Context) (Conn, error) {
		dialMu.Lock()
		defer dialMu.Unlock()
		c := conns[dials]
		dials++
		return c, nil
	})

	received := make(chan model.ChangeEvent, 8)
	states := make(chan transition, 16)
	s := NewSession(dialer, func(ev model.ChangeEvent) { received <- ev },
		WithSleep(noSleep),
		WithStateHandler(func(st State, node string) { states <- transition{st, node} }),
		WithSessionLogger(quietLogger()),
	)
	require.NoError(t, s.Subscribe("room-b"))
	require.NoError(t, s.Subscribe("room-a"))
	require.NoError(t, s.Subscribe("room-a"))
	assert.Equal(t, []string{"room-a", "room-b"}, s.Rooms())

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Equal(t, transition{StateConnecting, ""}, <-states)
	assert.Equal(t, transition{StateConnected, "node-1"}, <-states)

	conns[0].events <- model.ChangeEvent{EntityID: "t1", Kind: model.KindDeleted}
	select {
	case ev := <-received:
		assert.Equal(t, "t1", ev.EntityID)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	close(conns[0].events)
	assert.Equal(t, transition{StateReconnecting, ""}, <-states)
	assert.Equal(t, transition{StateConnected, "node-2"}, <-states)
	assert.Equal(t, []string{"room-a", "room-b"}, conns[1].subscriptions())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, StateDisconnected, s.State())
}

func TestSession_GivesUpAfterMaxAttempts(t *testing.T) {
	var dials int
	dialer := DialerFunc(func(context.Context) (Conn, error) {
		dials++
		return nil, errors.New("refused")
	})

	var sleeps testutil.SleepRecorder
	var states []State
	s := NewSession(dialer, func(model.ChangeEvent) {},
		WithBackoff(Backoff{Base: 10 * time.Millisecond, Max: 15 * time.Millisecond, MaxAttempts: 2, Jitter: 0.5}),
		WithRand(testutil.FixedJitter(0.75)),
		WithSleep(sleeps.Sleep),
		WithStateHandler(func(st State, _ string) { states = append(states, st) }),
		WithSessionLogger(quietLogger()),
	)

	err := s.Run(t.Context())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGaveUp)
	assert.Equal(t, 3, dials)
	// +25% jitter on 10ms and on the 15ms cap.
	assert.Equal(t, []time.Duration{12500 * time.Microsecond, 18750 * time.Microsecond}, sleeps.Delays())
	assert.Equal(t, []State{StateConnecting, StateReconnecting, StateDisconnected}, states)
}

func TestSession_LiveSubscribeAndReconnect(t *testing.T) {
	first, second := newFakeConn("node-1"), newFakeConn("node-1")
	var mu sync.Mutex
	queue := []*fakeConn{first, second}
	dialer := DialerFunc(func(context.Context) (Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(queue) == 0 {
			return nil, errors.New("no more connections")
		}
		c := queue[0]
		queue = queue[1:]
		return c, nil
	})

	states := make(chan transition, 16)
	s := NewSession(dialer, func(model.ChangeEvent) {},
		WithSleep(noSleep),
		WithStateHandler(func(st State, node string) { states <- transition{st, node} }),
		WithSessionLogger(quietLogger()),
	)
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	awaitState(t, states, StateConnected)

	require.NoError(t, s.Subscribe("room-1"))
	assert.Equal(t, []string{"room-1"}, first.subscriptions())

	require.NoError(t, s.Unsubscribe("room-1"))
	require.NoError(t, s.Unsubscribe("never"))
	first.mu.Lock()
	assert.Equal(t, []string{"room-1"}, first.unsubs)
	first.mu.Unlock()

	require.NoError(t, s.Subscribe("room-2"))
	s.Reconnect()
	awaitState(t, states, StateReconnecting)
	awaitState(t, states, StateConnected)
	assert.Equal(t, []string{"room-2"}, second.subscriptions())

	cancel()
	<-done
}

func TestSession_SubscribeRequiresRoom(t *testing.T) {
	s := NewSession(DialerFunc(func(context.Context) (Conn, error) { return nil, errors.New("unused") }), func(model.ChangeEvent) {})
	assert.Error(t, s.Subscribe(""))
	assert.Empty(t, s.Rooms())
}

func TestSession_ResumesFromLastSeq(t *testing.T) {
	first, second := newFakeConn("node-1"), newFakeConn("node-2")
	var mu sync.Mutex
	queue := []*fakeConn{first, second}
	dialer := DialerFunc(func(context.Context) (Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		c := queue[0]
		queue = queue[1:]
		return c, nil
	})

	received := make(chan model.ChangeEvent, 8)
	states := make(chan transition, 16)
	s := NewSession(dialer, func(ev model.ChangeEvent) { received <- ev },
		WithSleep(noSleep),
		WithStateHandler(func(st State, node string) { states <- transition{st, node} }),
		WithSessionLogger(quietLogger()),
	)
	require.NoError(t, s.Subscribe("room-a"))
	require.NoError(t, s.Subscribe("room-b"))

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	awaitState(t, states, StateConnected)
	assert.Equal(t, int64(0), first.resumedAfter("room-a"), "first subscription starts live")

	first.events <- model.ChangeEvent{EntityID: "t1", Kind: model.KindDeleted, RoomID: "room-a", Seq: 4}
	first.events <- model.ChangeEvent{EntityID: "t2", Kind: model.KindDeleted, RoomID: "room-a", Seq: 7}
	first.events <- model.ChangeEvent{EntityID: "t3", Kind: model.KindDeleted, RoomID: "room-a", Seq: 6}
	first.events <- model.ChangeEvent{EntityID: "x1", Kind: model.KindDeleted, RoomID: "elsewhere", Seq: 99}
	for range 4 {
		select {
		case <-received:
		case <-time.After(2 * time.Second):
			t.Fatal("event not delivered")
		}
	}
	require.Eventually(t, func() bool { return s.Cursor("room-a") == 7 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(0), s.Cursor("elsewhere"), "unsubscribed rooms keep no cursor")

	close(first.events)
	awaitState(t, states, StateReconnecting)
	awaitState(t, states, StateConnected)
	assert.Equal(t, int64(7), second.resumedAfter("room-a"))
	assert.Equal(t, int64(0), second.resumedAfter("room-b"))

	require.NoError(t, s.Unsubscribe("room-a"))
	assert.Equal(t, int64(0), s.Cursor("room-a"))

	cancel()
	<-done
}
