// Package bridge is a development stand-in for the browser extension: it
// drives a locally running Chrome through rod and speaks the extension side
// of the relay wire, so the whole stack runs without the real extension.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"tabnerd/internal/logging"
	"tabnerd/internal/protocol"
)

const defaultPollEvery = 2 * time.Second

// Config tunes the bridge. RelayURL is required; an empty ControlURL
// launches a Chrome via the rod launcher.
type Config struct {
	RelayURL   string
	ControlURL string
	Headless   bool
	PollEvery  time.Duration
}

// tabState is the announced view of one page.
type tabState struct {
	TargetID string
	URL      string
	Title    string
}

// Bridge adopts local Chrome pages and reports them to the relay as
// sessions, translating the forwarded command subset onto rod.
type Bridge struct {
	cfg      Config
	browser  *rod.Browser
	launched bool

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu       sync.RWMutex
	known    map[string]tabState  // by target id
	sessions map[string]string    // target id -> session id
	pages    map[string]*rod.Page // session id -> page
	order    []string             // session ids in attach order

	closed    chan struct{}
	closeOnce sync.Once
}

func New(cfg Config) (*Bridge, error) {
	if cfg.RelayURL == "" {
		return nil, fmt.Errorf("relay url required")
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = defaultPollEvery
	}
	return &Bridge{
		cfg:      cfg,
		known:    make(map[string]tabState),
		sessions: make(map[string]string),
		pages:    make(map[string]*rod.Page),
		closed:   make(chan struct{}),
	}, nil
}

// Run connects to Chrome and to the relay, announces the current pages, and
// serves forwarded commands until the context dies or a connection drops.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.connectBrowser(ctx); err != nil {
		return err
	}
	defer b.shutdown()

	endpoint, err := extensionEndpoint(b.cfg.RelayURL)
	if err != nil {
		return err
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	b.conn = conn
	logging.Bridge("connected to relay at %s", endpoint)

	if n, err := b.syncPages(); err != nil {
		logging.BridgeDebug("initial page sync failed: %v", err)
	} else {
		logging.Bridge("announced %d pages", n)
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return b.readLoop(ctx) })
	eg.Go(func() error { return b.pollLoop(ctx) })
	return eg.Wait()
}

func (b *Bridge) connectBrowser(ctx context.Context) error {
	controlURL := b.cfg.ControlURL
	if controlURL == "" {
		launched, err := launcher.New().Headless(b.cfg.Headless).Launch()
		if err != nil {
			return fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = launched
		b.launched = true
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}
	b.browser = browser
	logging.Bridge("attached to chrome at %s (launched=%v)", controlURL, b.launched)
	return nil
}

func (b *Bridge) shutdown() {
	b.closeOnce.Do(func() {
		close(b.closed)
		if b.conn != nil {
			_ = b.conn.Close()
		}
		// Only kill a browser we launched; an adopted one belongs to the
		// operator.
		if b.launched && b.browser != nil {
			_ = b.browser.Close()
		}
	})
}

func (b *Bridge) readLoop(ctx context.Context) error {
	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("relay connection lost: %w", err)
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			logging.BridgeDebug("dropping malformed frame: %v", err)
			continue
		}
		if msg.Kind() != protocol.KindCall {
			continue
		}
		// Navigation can take seconds; never block the read loop on it.
		go b.handleCall(ctx, msg.AsCall())
	}
}

func (b *Bridge) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.PollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.closed:
			return nil
		case <-ticker.C:
			if _, err := b.syncPages(); err != nil {
				logging.BridgeDebug("page sync failed: %v", err)
			}
		}
	}
}

func (b *Bridge) handleCall(ctx context.Context, call protocol.Call) {
	logging.BridgeDebug("call %d: %s (session=%q)", call.ID, call.Method, call.SessionID)

	if call.Method == protocol.MethodExtensionAttach {
		n, err := b.syncPages()
		if err != nil {
			b.writeError(call.ID, err.Error())
			return
		}
		b.writeResult(call.ID, protocol.ExtensionAttachResult{Attached: n})
		return
	}

	result, err := b.dispatch(ctx, call)
	if err != nil {
		b.writeError(call.ID, err.Error())
		return
	}
	b.writeResult(call.ID, result)
}

// dispatch translates one forwarded command onto rod.
func (b *Bridge) dispatch(ctx context.Context, call protocol.Call) (any, error) {
	page, err := b.pageFor(call.SessionID)
	if err != nil {
		return nil, err
	}
	page = page.Context(ctx)

	switch call.Method {
	case "Page.navigate":
		var p struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(call.Params, &p); err != nil {
			return nil, fmt.Errorf("bad navigate params: %w", err)
		}
		return proto.PageNavigate{URL: p.URL}.Call(page)

	case "Page.reload":
		if err := (proto.PageReload{}).Call(page); err != nil {
			return nil, err
		}
		return map[string]any{}, nil

	case "Runtime.evaluate":
		var p struct {
			Expression    string `json:"expression"`
			ReturnByValue bool   `json:"returnByValue"`
		}
		if err := json.Unmarshal(call.Params, &p); err != nil {
			return nil, fmt.Errorf("bad evaluate params: %w", err)
		}
		return proto.RuntimeEvaluate{
			Expression:    p.Expression,
			ReturnByValue: p.ReturnByValue,
		}.Call(page)

	case "Page.captureScreenshot":
		return proto.PageCaptureScreenshot{
			Format: proto.PageCaptureScreenshotFormatPng,
		}.Call(page)

	case "Target.activateTarget":
		if _, err := page.Activate(); err != nil {
			return nil, err
		}
		return map[string]any{}, nil

	default:
		return nil, fmt.Errorf("unsupported method: %s", call.Method)
	}
}

// pageFor resolves a relay session id to its page. An empty id means the
// first attached page.
func (b *Bridge) pageFor(sessionID string) (*rod.Page, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.order) == 0 {
		return nil, fmt.Errorf("no pages attached")
	}
	if sessionID == "" {
		return b.pages[b.order[0]], nil
	}
	page, ok := b.pages[sessionID]
	if !ok {
		return nil, fmt.Errorf("unknown session: %s", sessionID)
	}
	return page, nil
}

// syncPages reconciles the announced session set with Chrome's current
// pages, emitting attach/detach/infoChanged events for the difference, and
// reports how many pages are attached.
func (b *Bridge) syncPages() (int, error) {
	pages, err := b.browser.Pages()
	if err != nil {
		return 0, fmt.Errorf("list pages: %w", err)
	}

	curr := make([]tabState, 0, len(pages))
	byTarget := make(map[string]*rod.Page, len(pages))
	for _, p := range pages {
		info, err := p.Info()
		if err != nil {
			continue
		}
		if info.Type != "page" {
			continue
		}
		st := tabState{TargetID: string(info.TargetID), URL: info.URL, Title: info.Title}
		curr = append(curr, st)
		byTarget[st.TargetID] = p
	}

	b.mu.Lock()
	added, changed, removed := diffTabs(b.known, curr)

	type attachEvt struct {
		session string
		state   tabState
	}
	var attaches []attachEvt
	var detaches []protocol.DetachedFromTargetParams
	var changes []protocol.TargetInfoChangedParams

	for _, target := range removed {
		session := b.sessions[target]
		delete(b.known, target)
		delete(b.sessions, target)
		delete(b.pages, session)
		for i, id := range b.order {
			if id == session {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
		detaches = append(detaches, protocol.DetachedFromTargetParams{SessionID: session, TargetID: target})
	}
	for _, st := range added {
		session := uuid.NewString()
		b.known[st.TargetID] = st
		b.sessions[st.TargetID] = session
		b.pages[session] = byTarget[st.TargetID]
		b.order = append(b.order, session)
		attaches = append(attaches, attachEvt{session: session, state: st})
	}
	for _, st := range changed {
		b.known[st.TargetID] = st
		changes = append(changes, protocol.TargetInfoChangedParams{TargetInfo: targetInfo(st)})
	}
	total := len(b.order)
	b.mu.Unlock()

	for _, d := range detaches {
		b.writeEvent(protocol.EventDetachedFromTarget, d)
		logging.Bridge("page closed: session=%s target=%s", d.SessionID, d.TargetID)
	}
	for _, a := range attaches {
		b.writeEvent(protocol.EventAttachedToTarget, protocol.AttachedToTargetParams{
			SessionID:  a.session,
			TargetInfo: targetInfo(a.state),
		})
		logging.Bridge("page attached: session=%s url=%s", a.session, a.state.URL)
	}
	for _, c := range changes {
		b.writeEvent(protocol.EventTargetInfoChanged, c)
	}

	return total, nil
}

func targetInfo(st tabState) protocol.TargetInfo {
	return protocol.TargetInfo{
		TargetID: st.TargetID,
		Type:     "page",
		URL:      st.URL,
		Title:    st.Title,
		Attached: true,
	}
}

// diffTabs compares the previously announced tabs with the current ones.
// removed carries target ids; added and changed carry the new state.
func diffTabs(prev map[string]tabState, curr []tabState) (added, changed []tabState, removed []string) {
	seen := make(map[string]bool, len(curr))
	for _, st := range curr {
		seen[st.TargetID] = true
		old, ok := prev[st.TargetID]
		switch {
		case !ok:
			added = append(added, st)
		case old != st:
			changed = append(changed, st)
		}
	}
	for target := range prev {
		if !seen[target] {
			removed = append(removed, target)
		}
	}
	return added, changed, removed
}

func (b *Bridge) writeResult(id uint64, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		b.writeError(id, fmt.Sprintf("marshal result: %v", err))
		return
	}
	b.writeFrame(protocol.Reply{ID: id, Result: raw})
}

func (b *Bridge) writeError(id uint64, msg string) {
	b.writeFrame(protocol.Reply{ID: id, Error: &protocol.ErrorPayload{Message: msg}})
}

func (b *Bridge) writeEvent(method string, params any) {
	raw, err := json.Marshal(params)
	if err != nil {
		logging.BridgeDebug("marshal event %s: %v", method, err)
		return
	}
	b.writeFrame(protocol.Event{Method: method, Params: raw})
}

func (b *Bridge) writeFrame(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logging.BridgeDebug("marshal frame: %v", err)
		return
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := b.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		logging.BridgeDebug("write failed: %v", err)
	}
}

// extensionEndpoint rewrites a relay base URL into the ws:// extension
// endpoint.
func extensionEndpoint(relayURL string) (string, error) {
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
	u.Path = "/extension"
	u.RawQuery = ""
	return u.String(), nil
}
