package broker

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/tandem/internal/model"
)

// Medium is the shared broadcast medium: FIFO per room, at-least-once.
type Medium interface {
	// Publish appends ev to its room's stream. ev.RoomID is required.
	Publish(ctx context.Context, ev model.ChangeEvent) error
	// Subscribe calls fn for each event published to room after the call,
	// in room order, from one goroutine. cancel stops delivery and waits for
	// an in-flight fn to return; it must not be called from fn.
	Subscribe(room string, fn func(model.ChangeEvent)) (cancel func(), err error)
}

// ErrNoRoom is returned when an event is published without a room.
var ErrNoRoom = errors.New("event has no room")

// MemoryMedium is an in-process Medium shared by several nodes.
//
// Thread-safety: safe for concurrent use.
type MemoryMedium struct {
	mu   sync.Mutex
	seq  map[string]int64
	subs map[string]map[*memorySub]struct{}
}

// NewMemoryMedium creates an empty medium.
func NewMemoryMedium() *MemoryMedium {
	return &MemoryMedium{
		seq:  make(map[string]int64),
		subs: make(map[string]map[*memorySub]struct{}),
	}
}

// Publish implements Medium. Events without a seq get the next one for their
// room; events logged elsewhere keep theirs.
func (m *MemoryMedium) Publish(ctx context.Context, ev model.ChangeEvent) error {
	if ev.RoomID == "" {
		return ErrNoRoom
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.Seq == 0 {
		ev.Seq = m.seq[ev.RoomID] + 1
	}
	if ev.Seq > m.seq[ev.RoomID] {
		m.seq[ev.RoomID] = ev.Seq
	}
	// Enqueue under m.mu so every subscriber sees the room in one order.
	for sub := range m.subs[ev.RoomID] {
		sub.push(ev)
	}
	return nil
}

// Subscribe implements Medium.
func (m *MemoryMedium) Subscribe(room string, fn func(model.ChangeEvent)) (func(), error) {
	if room == "" {
		return nil, ErrNoRoom
	}
	sub := &memorySub{
		fn:     fn,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}

	m.mu.Lock()
	set := m.subs[room]
	if set == nil {
		set = make(map[*memorySub]struct{})
		m.subs[room] = set
	}
	set[sub] = struct{}{}
	m.mu.Unlock()

	go sub.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs[room], sub)
			if len(m.subs[room]) == 0 {
				delete(m.subs, room)
			}
			m.mu.Unlock()
			close(sub.done)
			<-sub.exited
		})
	}, nil
}

// memorySub delivers to one subscriber from its own goroutine so a slow fn
// never blocks Publish. Same mutex+signal queue shape as the engine's task
// queue, unbounded: the Node applies the per-subscriber bound.
type memorySub struct {
	fn func(model.ChangeEvent)

	mu     sync.Mutex
	queue  []model.ChangeEvent
	signal chan struct{}
	done   chan struct{}
	exited chan struct{}
}

func (s *memorySub) push(ev model.ChangeEvent) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *memorySub) run() {
	defer close(s.exited)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, ev := range batch {
			select {
			case <-s.done:
				return
			default:
			}
			s.fn(ev)
		}

		select {
		case <-s.done:
			return
		case <-s.signal:
		}
	}
}
