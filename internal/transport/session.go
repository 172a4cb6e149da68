package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/tandem/internal/model"
)

// ErrGaveUp is returned by Session.Run when reconnection exhausted its attempts.
var ErrGaveUp = errors.New("reconnect attempts exhausted")

// Conn is one live subscription stream.
type Conn interface {
	// NodeID is the id of the serving node on the other end.
	NodeID() string
	// Subscribe starts the room's stream. afterSeq > 0 resumes after that
	// seq; 0 starts with the next live event.
	Subscribe(room string, afterSeq int64) error
	Unsubscribe(room string) error
	// Next blocks until the next change event, ctx cancellation, or failure.
	Next(ctx context.Context) (model.ChangeEvent, error)
	Close() error
}

// Dialer opens subscription streams.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithBackoff sets the reconnect policy.
func WithBackoff(b Backoff) SessionOption {
	return func(s *Session) {
		s.backoff = b
	}
}

// WithStateHandler registers a callback for every state transition. It runs
// on the session goroutine and must not block for long.
func WithStateHandler(fn func(State, string)) SessionOption {
	return func(s *Session) {
		s.onState = fn
	}
}

// WithRand injects the jitter source.
func WithRand(rnd func() float64) SessionOption {
	return func(s *Session) {
		s.rand = rnd
	}
}

// WithSleep injects the wait used between attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) SessionOption {
	return func(s *Session) {
		s.sleep = sleep
	}
}

// WithSessionLogger sets the logger.
func WithSessionLogger(l *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = l
	}
}

// Session maintains one subscription stream across reconnects and delivers
// every received event to the sink. It remembers the highest seq seen per
// room and resubscribes from there, so events committed while the stream
// was down are still delivered.
//
// Thread-safety: Subscribe, Unsubscribe, Rooms, State and Reconnect are safe
// from any goroutine. Run must be called from exactly one goroutine.
type Session struct {
	dialer  Dialer
	sink    func(model.ChangeEvent)
	backoff Backoff
	onState func(State, string)
	rand    func() float64
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *slog.Logger

	mu      sync.Mutex
	state   State
	rooms   map[string]bool
	cursors map[string]int64 // room -> highest seq delivered to the sink
	conn    Conn
}

// NewSession creates a session in the Disconnected state.
func NewSession(dialer Dialer, sink func(model.ChangeEvent), opts ...SessionOption) *Session {
	s := &Session{
		dialer:  dialer,
		sink:    sink,
		backoff: DefaultBackoff,
		sleep:   sleepContext,
		logger:  slog.Default(),
		rooms:   make(map[string]bool),
		cursors: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Rooms returns the subscribed rooms in sorted order.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Subscribe adds a room. Subscribing to a room twice is a no-op. The room is
// sent to the live connection if there is one, and to every future one.
func (s *Session) Subscribe(room string) error {
	if room == "" {
		return fmt.Errorf("subscribe: room is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rooms[room] {
		return nil
	}
	s.rooms[room] = true
	if s.conn != nil {
		if err := s.conn.Subscribe(room, s.cursors[room]); err != nil {
			// The read loop sees the broken connection and reconnects;
			// the room is resubscribed then.
			s.logger.Warn("subscribe on live connection failed", "room", room, "error", err)
		}
	}
	return nil
}

// Unsubscribe removes a room. Unsubscribing an unknown room is a no-op.
func (s *Session) Unsubscribe(room string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.rooms[room] {
		return nil
	}
	delete(s.rooms, room)
	delete(s.cursors, room)
	if s.conn != nil {
		if err := s.conn.Unsubscribe(room); err != nil {
			s.logger.Warn("unsubscribe on live connection failed", "room", room, "error", err)
		}
	}
	return nil
}

// Reconnect drops the live connection so Run goes through backoff and
// resubscription. Called when a request on the side channel hits a network
// error.
func (s *Session) Reconnect() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Run connects and pumps events until ctx is cancelled (returns ctx.Err())
// or reconnection gives up (returns ErrGaveUp). Either way the session ends
// Disconnected.
func (s *Session) Run(ctx context.Context) error {
	defer s.setState(StateDisconnected, "")

	s.setState(StateConnecting, "")
	attempt := 0
	for {
		conn, err := s.connect(ctx)
		if err == nil {
			attempt = 0
			err = s.pump(ctx, conn)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempt++
		if s.backoff.Exhausted(attempt) {
			s.logger.Error("giving up on connection",
				"attempts", attempt-1,
				"error", err,
			)
			return fmt.Errorf("%w: %v", ErrGaveUp, err)
		}
		s.setState(StateReconnecting, "")
		delay := s.backoff.Delay(attempt, s.rand)
		s.logger.Warn("connection lost, retrying",
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		if err := s.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// connect dials and (re)subscribes every room.
func (s *Session) connect(ctx context.Context) (Conn, error) {
	conn, err := s.dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	s.mu.Lock()
	rooms := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)
	for _, r := range rooms {
		if err := conn.Subscribe(r, s.cursors[r]); err != nil {
			s.mu.Unlock()
			_ = conn.Close()
			return nil, fmt.Errorf("resubscribe %s: %w", r, err)
		}
	}
	s.conn = conn
	s.mu.Unlock()

	s.setState(StateConnected, conn.NodeID())
	s.logger.Info("connected", "node", conn.NodeID(), "rooms", len(rooms))
	return conn, nil
}

func (s *Session) pump(ctx context.Context, conn Conn) error {
	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		ev, err := conn.Next(ctx)
		if err != nil {
			return err
		}
		s.sink(ev)
		s.advance(ev)
	}
}

// Cursor returns the highest seq delivered for room (0 before any event).
func (s *Session) Cursor(room string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[room]
}

// advance moves the room cursor past ev. Events from rooms no longer
// subscribed are ignored.
func (s *Session) advance(ev model.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rooms[ev.RoomID] && ev.Seq > s.cursors[ev.RoomID] {
		s.cursors[ev.RoomID] = ev.Seq
	}
}

func (s *Session) setState(st State, node string) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = st
	s.mu.Unlock()

	s.logger.Debug("connection state changed", "from", prev.String(), "to", st.String())
	if s.onState != nil {
		s.onState(st, node)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
