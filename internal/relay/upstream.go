package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tabnerd/internal/logging"
	"tabnerd/internal/pending"
	"tabnerd/internal/protocol"
)

// upstreamConn wraps the single extension WebSocket. Forwarded calls are
// tracked in a pending table keyed by relay-assigned ids; each entry is
// removed on exactly one of reply, timeout, or teardown.
type upstreamConn struct {
	relay *Relay
	conn  *websocket.Conn

	writeMu sync.Mutex
	calls   *pending.Table

	closed    chan struct{}
	closeOnce sync.Once
}

func newUpstreamConn(r *Relay, conn *websocket.Conn) *upstreamConn {
	return &upstreamConn{
		relay:  r,
		conn:   conn,
		calls:  pending.NewTable(),
		closed: make(chan struct{}),
	}
}

// run reads frames until the connection dies. Replies resolve pending calls;
// events update the session table and fan out verbatim; anything else is
// dropped with a trace.
func (u *upstreamConn) run() {
	defer u.relay.upstreamGone(u)

	for {
		_, data, err := u.conn.ReadMessage()
		if err != nil {
			logging.RelayDebug("upstream read loop ended: %v", err)
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			logging.RelayWarn("dropping malformed upstream frame: %v", err)
			continue
		}

		switch msg.Kind() {
		case protocol.KindReply:
			reply := msg.AsReply()
			if !u.calls.Resolve(reply) {
				logging.RelayDebug("dropping late reply id=%d", reply.ID)
			}

		case protocol.KindEvent:
			event := msg.AsEvent()
			u.handleEvent(event)
			u.relay.fanoutRaw(data)

		default:
			logging.RelayDebug("ignoring upstream %s frame (method=%s)", msg.Kind(), msg.Method)
		}
	}
}

// handleEvent keeps the session table in sync with upstream announcements.
func (u *upstreamConn) handleEvent(event protocol.Event) {
	switch event.Method {
	case protocol.EventAttachedToTarget:
		var p protocol.AttachedToTargetParams
		if err := json.Unmarshal(event.Params, &p); err != nil {
			logging.RelayWarn("bad attach event params: %v", err)
			return
		}
		u.relay.upsertSession(p)

	case protocol.EventDetachedFromTarget:
		var p protocol.DetachedFromTargetParams
		if err := json.Unmarshal(event.Params, &p); err != nil {
			logging.RelayWarn("bad detach event params: %v", err)
			return
		}
		u.relay.removeSession(p.SessionID)

	case protocol.EventTargetInfoChanged:
		var p protocol.TargetInfoChangedParams
		if err := json.Unmarshal(event.Params, &p); err != nil {
			return
		}
		u.relay.updateTargetInfo(p.TargetInfo)
	}
}

// call forwards one method upstream and blocks for the reply, the timeout,
// context cancellation, or connection teardown, whichever fires first.
func (u *upstreamConn) call(ctx context.Context, timeout time.Duration, method string, params json.RawMessage, sessionID string) (json.RawMessage, error) {
	id, ch := u.calls.Next()
	defer u.calls.Forget(id)

	frame := protocol.Call{ID: id, Method: method, Params: params, SessionID: sessionID}
	if err := u.send(frame); err != nil {
		return nil, fmt.Errorf("upstream send failed: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		if reply.Error != nil {
			return nil, protocol.MapErrorMessage(reply.Error.Message)
		}
		return reply.Result, nil
	case <-timer.C:
		logging.RelayWarn("call %d (%s) timed out after %v", id, method, timeout)
		return nil, protocol.ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-u.closed:
		return nil, protocol.ErrUpstreamUnavailable
	}
}

// send marshals and writes one frame. gorilla allows a single concurrent
// writer, hence the mutex.
func (u *upstreamConn) send(call protocol.Call) error {
	data, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("failed to marshal call: %w", err)
	}
	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	return u.conn.WriteMessage(websocket.TextMessage, data)
}

// failPending wakes every in-flight caller with a teardown error.
func (u *upstreamConn) failPending() {
	u.closeOnce.Do(func() {
		close(u.closed)
	})
}

// closeWithReason sends a close frame and tears the connection down.
func (u *upstreamConn) closeWithReason(reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
	_ = u.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = u.conn.Close()
	u.failPending()
}
