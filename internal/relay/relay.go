// Package relay implements the tab relay hub: one upstream browser-extension
// connection, any number of downstream automation clients, and the session
// table mirroring the tabs the extension has attached. A fixed method subset
// is answered locally from the table; everything else is forwarded upstream
// and correlated back by id.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"tabnerd/internal/logging"
	"tabnerd/internal/protocol"
)

// Config holds relay tuning.
type Config struct {
	// CallTimeout bounds forwarded calls awaiting an upstream reply.
	CallTimeout time.Duration

	// Product identifies the relay in Browser.getVersion answers.
	Product string

	// ClientQueueSize is the per-client outbound frame buffer. A client that
	// falls this far behind is disconnected rather than allowed to stall or
	// reorder the fan-out.
	ClientQueueSize int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		CallTimeout:     30 * time.Second,
		Product:         "tabnerd-relay",
		ClientQueueSize: 256,
	}
}

// Session is the relay's view of one attached tab. Session ids are assigned
// by the extension and never outlive its connection.
type Session struct {
	SessionID  string    `json:"sessionId"`
	TargetID   string    `json:"targetId"`
	URL        string    `json:"url,omitempty"`
	Title      string    `json:"title,omitempty"`
	AttachedAt time.Time `json:"attachedAt"`
}

// Relay is the hub. All shared state lives behind mu; the upstream handle is
// owned and swappable, never global.
type Relay struct {
	cfg Config

	mu       sync.RWMutex
	upstream *upstreamConn
	clients  map[string]*clientConn
	sessions map[string]*Session
	order    []string // session ids in attach order
}

// New creates a relay hub.
func New(cfg Config) *Relay {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.ClientQueueSize <= 0 {
		cfg.ClientQueueSize = 256
	}
	if cfg.Product == "" {
		cfg.Product = "tabnerd-relay"
	}
	return &Relay{
		cfg:      cfg,
		clients:  make(map[string]*clientConn),
		sessions: make(map[string]*Session),
	}
}

// HasUpstream reports whether an extension is currently connected.
func (r *Relay) HasUpstream() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.upstream != nil
}

// ClientCount returns the number of registered downstream clients.
func (r *Relay) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Sessions returns the session table in attach order.
func (r *Relay) Sessions() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.order))
	for _, id := range r.order {
		if s, ok := r.sessions[id]; ok {
			out = append(out, *s)
		}
	}
	return out
}

// upsertSession records or refreshes a session from an attach event.
func (r *Relay) upsertSession(p protocol.AttachedToTargetParams) {
	if p.SessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[p.SessionID]; ok {
		s.TargetID = p.TargetInfo.TargetID
		s.URL = p.TargetInfo.URL
		s.Title = p.TargetInfo.Title
		return
	}
	r.sessions[p.SessionID] = &Session{
		SessionID:  p.SessionID,
		TargetID:   p.TargetInfo.TargetID,
		URL:        p.TargetInfo.URL,
		Title:      p.TargetInfo.Title,
		AttachedAt: time.Now(),
	}
	r.order = append(r.order, p.SessionID)
	logging.Session("attached session=%s target=%s url=%s", p.SessionID, p.TargetInfo.TargetID, p.TargetInfo.URL)
}

// removeSession drops a session on detach.
func (r *Relay) removeSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sessionID]; !ok {
		return
	}
	delete(r.sessions, sessionID)
	for i, id := range r.order {
		if id == sessionID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	logging.Session("detached session=%s", sessionID)
}

// updateTargetInfo refreshes URL/title for the session tracking a target.
func (r *Relay) updateTargetInfo(info protocol.TargetInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.TargetID == info.TargetID {
			s.URL = info.URL
			s.Title = info.Title
		}
	}
}

// clearSessions invalidates the whole table (upstream gone or replaced).
func (r *Relay) clearSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.sessions)
	r.sessions = make(map[string]*Session)
	r.order = nil
	return n
}

// resolveSession applies the default-session rule: an absent session id means
// the first known session. An unknown id also falls back to the first known
// session; that fallback mirrors the extension protocol's documented behavior
// and is logged because it can silently retarget a command.
func (r *Relay) resolveSession(requested string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if requested != "" {
		if _, ok := r.sessions[requested]; ok {
			return requested
		}
		if len(r.order) > 0 {
			logging.RelayWarn("unknown session %s, falling back to %s", requested, r.order[0])
			return r.order[0]
		}
		return requested
	}
	if len(r.order) > 0 {
		return r.order[0]
	}
	return ""
}

// AttachUpstream installs a new extension connection. Any previous upstream
// is closed with reason "replaced", its sessions are invalidated, and every
// downstream client is disconnected so it re-syncs against the new world.
func (r *Relay) AttachUpstream(u *upstreamConn) {
	r.mu.Lock()
	old := r.upstream
	r.upstream = u
	invalidated := len(r.sessions)
	r.sessions = make(map[string]*Session)
	r.order = nil
	var stale []*clientConn
	if old != nil {
		for _, c := range r.clients {
			stale = append(stale, c)
		}
	}
	r.mu.Unlock()

	if old != nil {
		logging.Relay("upstream replaced, invalidating %d sessions and %d clients", invalidated, len(stale))
		old.closeWithReason("replaced")
		for _, c := range stale {
			c.closeWithReason("upstream replaced")
		}
	} else {
		logging.Relay("upstream connected")
	}
}

// upstreamGone clears state after an upstream read loop exits. A replaced
// connection has already been superseded; only the current one tears down
// the session table.
func (r *Relay) upstreamGone(u *upstreamConn) {
	r.mu.Lock()
	current := r.upstream == u
	if current {
		r.upstream = nil
	}
	r.mu.Unlock()

	if current {
		n := r.clearSessions()
		logging.Relay("upstream disconnected, %d sessions invalidated", n)
	}
	u.failPending()
}

// currentUpstream returns the live upstream handle, or nil.
func (r *Relay) currentUpstream() *upstreamConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.upstream
}

// Dispatch routes one command: the local subset is answered from the session
// table, everything else is forwarded upstream and awaited.
func (r *Relay) Dispatch(ctx context.Context, call protocol.Call) (json.RawMessage, error) {
	if local, result, err := r.answerLocal(call); local {
		return result, err
	}

	sessionID := r.resolveSession(call.SessionID)

	u := r.currentUpstream()
	if u == nil {
		logging.RelayWarn("no upstream for %s", call.Method)
		return nil, protocol.ErrUpstreamUnavailable
	}
	return u.call(ctx, r.cfg.CallTimeout, call.Method, call.Params, sessionID)
}

// answerLocal handles the method subset served from the session table.
func (r *Relay) answerLocal(call protocol.Call) (bool, json.RawMessage, error) {
	switch call.Method {
	case protocol.MethodGetVersion:
		return true, mustMarshal(protocol.VersionResult{
			ProtocolVersion: "1.3",
			Product:         r.cfg.Product,
			UserAgent:       r.cfg.Product,
		}), nil

	case protocol.MethodSetAutoAttach, protocol.MethodSetDiscoverTargets:
		// Registration acks; attachment replay for setAutoAttach is driven by
		// the caller so it lands after this reply on the client's wire.
		return true, json.RawMessage(`{}`), nil

	case protocol.MethodGetTargets:
		sessions := r.Sessions()
		infos := make([]protocol.TargetInfo, 0, len(sessions))
		for _, s := range sessions {
			infos = append(infos, targetInfoFor(s))
		}
		return true, mustMarshal(protocol.GetTargetsResult{TargetInfos: infos}), nil

	case protocol.MethodAttachToTarget:
		var p protocol.AttachToTargetParams
		if len(call.Params) > 0 {
			if err := json.Unmarshal(call.Params, &p); err != nil {
				return true, nil, fmt.Errorf("malformed params: %w", err)
			}
		}
		if s, ok := r.sessionForTarget(p.TargetID); ok {
			return true, mustMarshal(protocol.AttachToTargetResult{SessionID: s.SessionID}), nil
		}
		return true, nil, fmt.Errorf("no such target: %s", p.TargetID)

	case protocol.MethodGetTargetInfo:
		var p protocol.GetTargetInfoParams
		if len(call.Params) > 0 {
			if err := json.Unmarshal(call.Params, &p); err != nil {
				return true, nil, fmt.Errorf("malformed params: %w", err)
			}
		}
		if p.TargetID == "" {
			sessions := r.Sessions()
			if len(sessions) == 0 {
				return true, nil, fmt.Errorf("no targets attached")
			}
			return true, mustMarshal(protocol.GetTargetInfoResult{TargetInfo: targetInfoFor(sessions[0])}), nil
		}
		if s, ok := r.sessionForTarget(p.TargetID); ok {
			return true, mustMarshal(protocol.GetTargetInfoResult{TargetInfo: targetInfoFor(*s)}), nil
		}
		return true, nil, fmt.Errorf("no such target: %s", p.TargetID)
	}
	return false, nil, nil
}

// sessionForTarget finds the session tracking a target id.
func (r *Relay) sessionForTarget(targetID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		s := r.sessions[id]
		if s != nil && s.TargetID == targetID {
			copied := *s
			return &copied, true
		}
	}
	return nil, false
}

// replayAttachments synthesizes one attach event per existing session for a
// client that registered interest after the sessions appeared. Scoped to that
// client only.
func (r *Relay) replayAttachments(c *clientConn) {
	sessions := r.Sessions()
	for _, s := range sessions {
		event := protocol.Event{
			Method: protocol.EventAttachedToTarget,
			Params: mustMarshal(protocol.AttachedToTargetParams{
				SessionID:  s.SessionID,
				TargetInfo: targetInfoFor(s),
			}),
		}
		data, err := json.Marshal(event)
		if err != nil {
			continue
		}
		c.enqueue(data)
	}
	if len(sessions) > 0 {
		logging.RelayDebug("replayed %d attachments to client %s", len(sessions), c.id)
	}
}

// fanoutRaw delivers one upstream frame, verbatim, to every client.
func (r *Relay) fanoutRaw(data []byte) {
	r.mu.RLock()
	clients := make([]*clientConn, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	for _, c := range clients {
		c.enqueue(data)
	}
}

func targetInfoFor(s Session) protocol.TargetInfo {
	return protocol.TargetInfo{
		TargetID: s.TargetID,
		Type:     "page",
		Title:    s.Title,
		URL:      s.URL,
		Attached: true,
	}
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// All marshaled types here are plain structs; this cannot fire.
		return json.RawMessage(`{}`)
	}
	return data
}
