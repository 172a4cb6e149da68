package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/tandem/internal/broker"
	"github.com/roach88/tandem/internal/model"
	"github.com/roach88/tandem/internal/transport"
)

const (
	writeTimeout   = 10 * time.Second
	maxFrameBytes  = 64 << 10
	outboundBuffer = 64
)

// handleWS upgrades to a subscription socket. The server opens with a hello
// frame carrying the node id; the client then sends subscribe/unsubscribe
// control frames and receives change events for its rooms.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	sess := &session{
		node:   s.node,
		ws:     ws,
		out:    make(chan any, outboundBuffer),
		done:   make(chan struct{}),
		subs:   make(map[string]*broker.Subscription),
		logger: s.logger.With("remote", r.RemoteAddr),
	}
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
	}()

	go sess.writeLoop()
	sess.send(transport.ControlFrame{Op: transport.OpHello, Node: s.node.ID()})
	sess.logger.Debug("subscription socket opened")

	sess.readLoop()
	sess.close()
	sess.forwarders.Wait()
	sess.logger.Debug("subscription socket closed")
}

func (s *Server) closeSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.sessions {
		sess.close()
	}
}

// session is one subscription socket. Gorilla allows one reader and one
// writer at a time: readLoop owns reads, writeLoop owns writes, and each
// room subscription has a forwarder feeding out.
type session struct {
	node   *broker.Node
	ws     *websocket.Conn
	out    chan any
	done   chan struct{}
	logger *slog.Logger

	closeOnce  sync.Once
	forwarders sync.WaitGroup

	mu   sync.Mutex
	subs map[string]*broker.Subscription
}

func (c *session) readLoop() {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		cf, _, err := transport.DecodeFrame(data)
		if err != nil || cf == nil {
			c.logger.Debug("ignoring frame", "error", err)
			continue
		}
		switch cf.Op {
		case transport.OpSubscribe:
			c.subscribe(cf.Room, cf.After)
		case transport.OpUnsubscribe:
			c.unsubscribe(cf.Room)
		default:
			c.logger.Debug("unknown control op", "op", cf.Op)
		}
	}
}

// subscribe is idempotent per room. afterSeq > 0 replays the room log after
// that seq before live events.
func (c *session) subscribe(room string, afterSeq int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[room]; ok {
		return
	}
	select {
	case <-c.done:
		return
	default:
	}

	sub, backlog, err := c.open(room, afterSeq)
	if err != nil {
		c.logger.Warn("subscribe failed", "room", room, "error", err)
		return
	}
	c.subs[room] = sub
	c.forwarders.Add(1)
	go c.forward(sub, backlog)
	c.logger.Debug("subscribed", "room", room, "after_seq", afterSeq, "backlog", len(backlog))
}

func (c *session) open(room string, afterSeq int64) (*broker.Subscription, []model.ChangeEvent, error) {
	if afterSeq <= 0 {
		sub, err := c.node.Subscribe(room)
		return sub, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	sub, backlog, err := c.node.SubscribeFrom(ctx, room, afterSeq)
	if errors.Is(err, broker.ErrNoBacklog) {
		c.logger.Warn("node keeps no backlog, resuming live", "room", room, "after_seq", afterSeq)
		sub, err = c.node.Subscribe(room)
		return sub, nil, err
	}
	return sub, backlog, err
}

func (c *session) unsubscribe(room string) {
	c.mu.Lock()
	sub, ok := c.subs[room]
	delete(c.subs, room)
	c.mu.Unlock()
	if ok {
		sub.Close()
		c.logger.Debug("unsubscribed", "room", room)
	}
}

// forward copies the backlog, then one room's live events, to the socket.
// Live events the backlog already covered are skipped. A dropped
// subscription closes the socket: the client reconnects and resubscribes
// from the last seq it received.
func (c *session) forward(sub *broker.Subscription, backlog []model.ChangeEvent) {
	defer c.forwarders.Done()
	var covered int64
	for _, ev := range backlog {
		if !c.send(ev) {
			return
		}
		covered = ev.Seq
	}
	for ev := range sub.C() {
		if ev.Seq != 0 && ev.Seq <= covered {
			continue
		}
		if !c.send(ev) {
			return
		}
	}
	if sub.Dropped() {
		c.logger.Warn("subscriber fell behind, closing socket", "room", sub.Room())
		c.close()
	}
}

func (c *session) send(msg any) bool {
	select {
	case c.out <- msg:
		return true
	case <-c.done:
		return false
	}
}

func (c *session) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.logger.Debug("websocket write failed", "error", err)
				c.close()
				return
			}
		}
	}
}

// close ends every room subscription and the socket. Safe from any
// goroutine, more than once.
func (c *session) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		subs := c.subs
		c.subs = make(map[string]*broker.Subscription)
		c.mu.Unlock()
		for _, sub := range subs {
			sub.Close()
		}
		_ = c.ws.Close()
	})
}
