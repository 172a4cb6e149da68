package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/roach88/tandem/internal/model"
)

// Control frame ops exchanged on the subscription socket. Change events are
// sent as bare ChangeEvent JSON (no op field).
const (
	OpHello       = "hello"
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
)

// ControlFrame is a non-event frame. The server opens with a hello frame
// carrying its node id. A subscribe frame with After set asks for every
// logged event of the room after that seq before live events.
type ControlFrame struct {
	Op    string `json:"op"`
	Room  string `json:"room,omitempty"`
	Node  string `json:"node,omitempty"`
	After int64  `json:"after,omitempty"`
}

// DecodeFrame splits an inbound text frame into a control frame or a change
// event. Exactly one of the results is non-nil on success.
func DecodeFrame(data []byte) (*ControlFrame, *model.ChangeEvent, error) {
	var peek struct {
		Op string `json:"op"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return nil, nil, fmt.Errorf("decode frame: %w", err)
	}
	if peek.Op != "" {
		var cf ControlFrame
		if err := json.Unmarshal(data, &cf); err != nil {
			return nil, nil, fmt.Errorf("decode control frame: %w", err)
		}
		return &cf, nil, nil
	}
	var ev model.ChangeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, nil, fmt.Errorf("decode change event: %w", err)
	}
	return nil, &ev, nil
}

// WSDialer dials the server's subscription endpoint with gorilla/websocket.
type WSDialer struct {
	URL    string // e.g. ws://localhost:8080/ws
	Header http.Header
	Dialer *websocket.Dialer
}

// Dial implements Dialer. It waits for the server's hello frame.
func (d WSDialer) Dial(ctx context.Context) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, _, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", d.URL, err)
	}

	c := &wsConn{ws: ws}
	_, data, err := c.read(ctx)
	if err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("read hello: %w", err)
	}
	cf, _, err := DecodeFrame(data)
	if err != nil || cf == nil || cf.Op != OpHello {
		_ = ws.Close()
		return nil, fmt.Errorf("expected hello frame, got %q", data)
	}
	c.node = cf.Node
	return c, nil
}

// wsConn is one client-side socket. Gorilla allows one concurrent reader and
// one concurrent writer, so writes are serialized.
type wsConn struct {
	ws   *websocket.Conn
	node string

	writeMu sync.Mutex
}

func (c *wsConn) NodeID() string {
	return c.node
}

func (c *wsConn) Subscribe(room string, afterSeq int64) error {
	return c.writeControl(ControlFrame{Op: OpSubscribe, Room: room, After: afterSeq})
}

func (c *wsConn) Unsubscribe(room string) error {
	return c.writeControl(ControlFrame{Op: OpUnsubscribe, Room: room})
}

func (c *wsConn) writeControl(f ControlFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(f); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", f.Op, err)
	}
	return nil
}

// Next skips control frames and returns the next change event.
func (c *wsConn) Next(ctx context.Context) (model.ChangeEvent, error) {
	for {
		mt, data, err := c.read(ctx)
		if err != nil {
			return model.ChangeEvent{}, err
		}
		if mt != websocket.TextMessage {
			continue
		}
		_, ev, err := DecodeFrame(data)
		if err != nil {
			return model.ChangeEvent{}, err
		}
		if ev != nil {
			return *ev, nil
		}
	}
}

// read blocks on the socket; cancelling ctx closes it to unblock the read.
func (c *wsConn) read(ctx context.Context) (int, []byte, error) {
	stop := context.AfterFunc(ctx, func() { _ = c.ws.Close() })
	defer stop()
	mt, data, err := c.ws.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		return 0, nil, fmt.Errorf("failed to read message: %w", err)
	}
	return mt, data, nil
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.ws.Close()
}
