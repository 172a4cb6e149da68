package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/tandem/internal/model"
)

// DefaultSubscriberBuffer bounds each local subscriber's pending events.
const DefaultSubscriberBuffer = 256

// ErrClosed is returned by a closed Node.
var ErrClosed = errors.New("broker node closed")

// ErrNoBacklog is returned by SubscribeFrom on a node without a Backlog.
var ErrNoBacklog = errors.New("broker node has no backlog")

// Backlog reads a room's logged events in seq order. *store.Store
// implements it.
type Backlog interface {
	ReadEvents(ctx context.Context, room string, afterSeq int64, limit int) ([]model.ChangeEvent, error)
}

// Option configures a Node.
type Option func(*Node)

// WithID sets the node id stamped on events published without one.
// Defaults to a random UUID.
func WithID(id string) Option {
	return func(n *Node) {
		if id != "" {
			n.id = id
		}
	}
}

// WithSubscriberBuffer sets the per-subscriber buffer.
func WithSubscriberBuffer(size int) Option {
	return func(n *Node) {
		if size > 0 {
			n.buffer = size
		}
	}
}

// WithBacklog sets the event log SubscribeFrom catches up from.
func WithBacklog(b Backlog) Option {
	return func(n *Node) {
		n.backlog = b
	}
}

// WithLogger sets the node logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Node) {
		n.logger = l
	}
}

// Node is one serving node's view of the broker.
//
// The first local subscriber in a room opens one medium subscription for the
// node; the last one to leave closes it. Room membership is only touched
// under mu; forwarding is a non-blocking send per subscriber.
//
// Thread-safety: safe for concurrent use.
type Node struct {
	id      string
	medium  Medium
	buffer  int
	backlog Backlog
	logger  *slog.Logger

	mu     sync.Mutex
	rooms  map[string]*roomSubs
	closed bool
}

type roomSubs struct {
	name   string
	subs   map[*Subscription]struct{}
	cancel func()
}

// NewNode creates a node over a shared medium.
func NewNode(medium Medium, opts ...Option) *Node {
	n := &Node{
		id:     uuid.NewString(),
		medium: medium,
		buffer: DefaultSubscriberBuffer,
		logger: slog.Default(),
		rooms:  make(map[string]*roomSubs),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With("node", n.id)
	return n
}

// ID returns the node id.
func (n *Node) ID() string {
	return n.id
}

// Publish sends a committed event to every node subscribed to room. An
// event without an origin node is stamped with this node's id.
func (n *Node) Publish(ctx context.Context, room string, ev model.ChangeEvent) error {
	if room == "" {
		return ErrNoRoom
	}
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return ErrClosed
	}

	ev.RoomID = room
	if ev.OriginNodeID == "" {
		ev.OriginNodeID = n.id
	}
	if err := n.medium.Publish(ctx, ev); err != nil {
		return fmt.Errorf("publish %s/%s: %w", room, ev.EntityID, err)
	}
	return nil
}

// Subscribe registers a local subscriber for room.
func (n *Node) Subscribe(room string) (*Subscription, error) {
	if room == "" {
		return nil, ErrNoRoom
	}
	sub := &Subscription{
		node: n,
		room: room,
		ch:   make(chan model.ChangeEvent, n.buffer),
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrClosed
	}

	r := n.rooms[room]
	if r == nil {
		r = &roomSubs{name: room, subs: make(map[*Subscription]struct{})}
		cancel, err := n.medium.Subscribe(room, func(ev model.ChangeEvent) { n.fanout(r, ev) })
		if err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", room, err)
		}
		r.cancel = cancel
		n.rooms[room] = r
		n.logger.Debug("room opened", "room", room)
	}
	r.subs[sub] = struct{}{}
	return sub, nil
}

// SubscribeFrom registers a local subscriber for room and returns every
// logged event after afterSeq. The subscriber is registered before the log
// is read, so no event falls between the two: callers deliver the backlog
// first, then C(), skipping live events whose seq the backlog already
// covered. This is how a dropped or reconnecting client catches up.
func (n *Node) SubscribeFrom(ctx context.Context, room string, afterSeq int64) (*Subscription, []model.ChangeEvent, error) {
	if n.backlog == nil {
		return nil, nil, ErrNoBacklog
	}
	sub, err := n.Subscribe(room)
	if err != nil {
		return nil, nil, err
	}
	events, err := n.backlog.ReadEvents(ctx, room, afterSeq, 0)
	if err != nil {
		sub.Close()
		return nil, nil, fmt.Errorf("read backlog %s after %d: %w", room, afterSeq, err)
	}
	n.logger.Debug("subscriber resumed",
		"room", room,
		"after_seq", afterSeq,
		"backlog", len(events),
	)
	return sub, events, nil
}

// Subscribers returns the number of local subscribers in room.
func (n *Node) Subscribers(room string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if r := n.rooms[room]; r != nil {
		return len(r.subs)
	}
	return 0
}

// Close ends every subscription and stops all medium subscriptions.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	var cancels []func()
	for name, r := range n.rooms {
		for sub := range r.subs {
			sub.end(false)
		}
		cancels = append(cancels, r.cancel)
		delete(n.rooms, name)
	}
	n.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return nil
}

// fanout is called from the medium's delivery goroutine for room r.
func (n *Node) fanout(r *roomSubs, ev model.ChangeEvent) {
	n.mu.Lock()
	if n.rooms[r.name] != r {
		n.mu.Unlock()
		return
	}
	var stale func()
	for sub := range r.subs {
		select {
		case sub.ch <- ev:
		default:
			n.logger.Warn("slow subscriber dropped",
				"room", r.name,
				"entity_id", ev.EntityID,
				"buffer", cap(sub.ch),
			)
			delete(r.subs, sub)
			sub.end(true)
		}
	}
	if len(r.subs) == 0 {
		delete(n.rooms, r.name)
		stale = r.cancel
	}
	n.mu.Unlock()

	if stale != nil {
		// The medium forbids cancel from inside its own callback.
		go stale()
	}
}

func (n *Node) unsubscribe(sub *Subscription) {
	n.mu.Lock()
	r := n.rooms[sub.room]
	if r == nil {
		n.mu.Unlock()
		return
	}
	if _, ok := r.subs[sub]; !ok {
		n.mu.Unlock()
		return
	}
	delete(r.subs, sub)
	sub.end(false)
	var cancel func()
	if len(r.subs) == 0 {
		delete(n.rooms, sub.room)
		cancel = r.cancel
	}
	n.mu.Unlock()

	if cancel != nil {
		cancel()
		n.logger.Debug("room closed", "room", sub.room)
	}
}

// Subscription is one local subscriber's stream for a room.
type Subscription struct {
	node *Node
	room string
	ch   chan model.ChangeEvent

	// guarded by node.mu
	ended   bool
	dropped bool
}

// C returns the event stream. It is closed when the subscription ends.
func (s *Subscription) C() <-chan model.ChangeEvent {
	return s.ch
}

// Room returns the subscribed room.
func (s *Subscription) Room() string {
	return s.room
}

// Dropped reports whether the subscription ended because it fell behind.
func (s *Subscription) Dropped() bool {
	s.node.mu.Lock()
	defer s.node.mu.Unlock()
	return s.dropped
}

// Close ends the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.node.unsubscribe(s)
}

// end closes the stream. Caller holds node.mu.
func (s *Subscription) end(dropped bool) {
	if s.ended {
		return
	}
	s.ended = true
	s.dropped = dropped
	close(s.ch)
}
