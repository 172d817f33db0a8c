// Package client is the downstream side of the relay wire: it dials the
// hub's /client endpoint, correlates replies to calls, and surfaces tab
// lifecycle events. The task interpreter and the autonomous loop both drive
// tabs through this type.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tabnerd/internal/logging"
	"tabnerd/internal/pending"
	"tabnerd/internal/protocol"
)

// ErrClosed is returned for calls made on, or interrupted by, a closed
// client.
var ErrClosed = errors.New("client closed")

const (
	defaultCallTimeout = 30 * time.Second
	defaultEventBuffer = 256
)

// Options tune a client connection. The zero value works.
type Options struct {
	// ClientID is the stable identity presented to the relay. The relay
	// refuses a second connection with the same id, so reconnecting
	// processes should reuse theirs. Empty means a random id.
	ClientID string

	// CallTimeout bounds each Call when the caller's context does not
	// expire first. Zero means 30s.
	CallTimeout time.Duration

	// EventBuffer sizes the events channel. Zero means 256.
	EventBuffer int
}

// Client is one downstream connection to the relay hub.
type Client struct {
	id      string
	conn    *websocket.Conn
	timeout time.Duration

	writeMu sync.Mutex
	calls   *pending.Table

	events chan protocol.Event

	closed    chan struct{}
	closeOnce sync.Once
}

// Dial connects to the relay at relayURL (http, https, ws, or wss scheme;
// the path is replaced with /client). A relay that already has a client with
// the same id answers 409, surfaced as protocol.ErrDuplicateClient.
func Dial(ctx context.Context, relayURL string, opts Options) (*Client, error) {
	target, err := clientEndpoint(relayURL, opts.ClientID)
	if err != nil {
		return nil, err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusConflict {
			return nil, protocol.ErrDuplicateClient
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	buffer := opts.EventBuffer
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}

	c := &Client{
		id:      opts.ClientID,
		conn:    conn,
		timeout: timeout,
		calls:   pending.NewTable(),
		events:  make(chan protocol.Event, buffer),
		closed:  make(chan struct{}),
	}
	if c.id == "" {
		c.id = "client-" + uuid.NewString()[:8]
	}

	go c.readLoop()
	logging.Client("connected to %s as %s", target, c.id)
	return c, nil
}

// clientEndpoint rewrites a relay base URL into the ws:// client endpoint.
func clientEndpoint(relayURL, clientID string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", fmt.Errorf("invalid relay url %q: %w", relayURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	u.Path = "/client"
	if clientID != "" {
		q := u.Query()
		q.Set("id", clientID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// ID reports the identity this client registered with.
func (c *Client) ID() string {
	return c.id
}

// Events exposes relayed and synthesized events. The channel is buffered;
// when nobody drains it, overflowing events are dropped with a warning
// rather than stalling reply correlation.
func (c *Client) Events() <-chan protocol.Event {
	return c.events
}

// Done is closed once the connection is gone, whether by Close or by the
// relay hanging up (for example when a new extension replaces the tab set).
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// Call sends one method and blocks for its reply. sessionID may be empty;
// the relay substitutes its first known session. The error is ErrTimeout
// after the deadline, ErrUpstreamUnavailable when no extension is connected,
// or a RemoteError wrapping whatever the far side reported.
func (c *Client) Call(ctx context.Context, method string, params any, sessionID string) (json.RawMessage, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	id, ch := c.calls.Next()
	defer c.calls.Forget(id)

	frame, err := json.Marshal(protocol.Call{ID: id, Method: method, Params: raw, SessionID: sessionID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal call: %w", err)
	}
	if err := c.write(frame); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		if reply.Error != nil {
			return nil, protocol.MapErrorMessage(reply.Error.Message)
		}
		return reply.Result, nil
	case <-timer.C:
		logging.ClientDebug("call %d (%s) timed out after %v", id, method, c.timeout)
		return nil, protocol.ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrClosed
	}
}

// WatchTargets registers interest in tab lifecycle events. The relay follows
// the ack with one synthesized Target.attachedToTarget per already-known
// session, so late watchers converge on the current tab set.
func (c *Client) WatchTargets(ctx context.Context) error {
	_, err := c.Call(ctx, protocol.MethodSetAutoAttach, map[string]any{
		"autoAttach":             true,
		"waitForDebuggerOnStart": false,
	}, "")
	if err != nil {
		return fmt.Errorf("watch targets: %w", err)
	}
	return nil
}

// Targets asks the relay for its current session table.
func (c *Client) Targets(ctx context.Context) ([]protocol.TargetInfo, error) {
	raw, err := c.Call(ctx, protocol.MethodGetTargets, nil, "")
	if err != nil {
		return nil, err
	}
	var result protocol.GetTargetsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("bad getTargets result: %w", err)
	}
	return result.TargetInfos, nil
}

// Close tears the connection down. In-flight calls fail with ErrClosed.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

func (c *Client) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Client) readLoop() {
	defer func() {
		c.closeOnce.Do(func() {
			close(c.closed)
			_ = c.conn.Close()
		})
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			logging.ClientDebug("read loop ended: %v", err)
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			logging.ClientDebug("dropping malformed frame: %v", err)
			continue
		}

		switch msg.Kind() {
		case protocol.KindReply:
			reply := msg.AsReply()
			if !c.calls.Resolve(reply) {
				logging.ClientDebug("dropping late reply id=%d", reply.ID)
			}

		case protocol.KindEvent:
			select {
			case c.events <- msg.AsEvent():
			default:
				logging.ClientDebug("event buffer full, dropping %s", msg.Method)
			}
		}
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		return data, nil
	}
}
