package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"tabnerd/internal/logging"
	"tabnerd/internal/protocol"
)

// clientConn is one downstream automation client. A single writer goroutine
// drains send so each client sees events in the order the relay queued them.
type clientConn struct {
	id    string
	relay *Relay
	conn  *websocket.Conn

	send     chan []byte
	closed   chan struct{}
	torndown bool // guarded by relay.mu
}

// RegisterClient adds a downstream connection under the given id. Duplicate
// ids are refused; the caller owns closing the raw connection in that case.
func (r *Relay) RegisterClient(id string, conn *websocket.Conn) (*clientConn, error) {
	if id == "" {
		return nil, fmt.Errorf("client id required")
	}

	c := &clientConn{
		id:     id,
		relay:  r,
		conn:   conn,
		send:   make(chan []byte, r.cfg.ClientQueueSize),
		closed: make(chan struct{}),
	}

	r.mu.Lock()
	if _, exists := r.clients[id]; exists {
		r.mu.Unlock()
		return nil, protocol.ErrDuplicateClient
	}
	r.clients[id] = c
	r.mu.Unlock()

	logging.Client("client %s connected", id)
	return c, nil
}

// HasClient reports whether a client id is currently registered.
func (r *Relay) HasClient(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[id]
	return ok
}

// run services the connection: a writer goroutine plus the read loop.
// Returns when the client is gone.
func (c *clientConn) run() {
	go c.writePump()
	c.readLoop()
	c.teardown()
}

func (c *clientConn) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			logging.ClientDebug("client %s read loop ended: %v", c.id, err)
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			logging.ClientDebug("client %s sent malformed frame: %v", c.id, err)
			continue
		}
		if msg.Kind() != protocol.KindCall {
			logging.ClientDebug("ignoring %s frame from client %s", msg.Kind(), c.id)
			continue
		}

		go c.handleCall(msg.AsCall())
	}
}

// handleCall dispatches one command and writes the reply with the client's
// original id. Attachment replay for a watch registration is queued after
// the ack so the client sees them in protocol order.
func (c *clientConn) handleCall(call protocol.Call) {
	result, err := c.relay.Dispatch(context.Background(), call)

	var reply protocol.Reply
	if err != nil {
		reply = protocol.ErrorReply(call.ID, err)
	} else {
		reply = protocol.Reply{ID: call.ID, Result: result}
	}

	data, merr := json.Marshal(reply)
	if merr != nil {
		logging.ClientDebug("failed to marshal reply for client %s: %v", c.id, merr)
		return
	}
	c.enqueue(data)

	if err == nil && call.Method == protocol.MethodSetAutoAttach {
		c.relay.replayAttachments(c)
	}
}

// enqueue hands a frame to the writer. A full queue means the client stopped
// reading; it is disconnected instead of blocking the hub.
func (c *clientConn) enqueue(data []byte) {
	select {
	case <-c.closed:
	case c.send <- data:
	default:
		logging.ClientDebug("client %s queue overflow, disconnecting", c.id)
		c.closeWithReason("send queue overflow")
	}
}

func (c *clientConn) writePump() {
	for {
		select {
		case <-c.closed:
			return
		case data := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logging.ClientDebug("client %s write failed: %v", c.id, err)
				c.teardown()
				return
			}
		}
	}
}

// teardown unregisters the client exactly once and releases the connection.
func (c *clientConn) teardown() {
	c.relay.mu.Lock()
	if c.torndown {
		c.relay.mu.Unlock()
		return
	}
	c.torndown = true
	if cur, ok := c.relay.clients[c.id]; ok && cur == c {
		delete(c.relay.clients, c.id)
	}
	c.relay.mu.Unlock()

	close(c.closed)
	_ = c.conn.Close()
	logging.Client("client %s disconnected", c.id)
}

// closeWithReason sends a close frame then tears down.
func (c *clientConn) closeWithReason(reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.teardown()
}
