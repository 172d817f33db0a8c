package relay

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"tabnerd/internal/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

// =============================================================================
// TEST HARNESS
// =============================================================================

func newTestServer(t *testing.T, cfg Config) (*Relay, *httptest.Server) {
	t.Helper()
	r := New(cfg)
	srv := httptest.NewServer(NewServer(r, "127.0.0.1:0").Handler())
	t.Cleanup(srv.Close)
	return r, srv
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

// fakeExtension plays the upstream peer.
type fakeExtension struct {
	t     *testing.T
	conn  *websocket.Conn
	calls chan protocol.Call
	done  chan error
}

func dialExtension(t *testing.T, srv *httptest.Server) *fakeExtension {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/extension"), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	f := &fakeExtension{
		t:     t,
		conn:  conn,
		calls: make(chan protocol.Call, 16),
		done:  make(chan error, 1),
	}
	go f.readLoop()
	t.Cleanup(func() { f.conn.Close() })
	return f
}

func (f *fakeExtension) readLoop() {
	for {
		_, data, err := f.conn.ReadMessage()
		if err != nil {
			f.done <- err
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		if msg.Kind() == protocol.KindCall {
			f.calls <- msg.AsCall()
		}
	}
}

func (f *fakeExtension) event(method string, params any) {
	f.t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(f.t, err)
	frame, err := json.Marshal(protocol.Event{Method: method, Params: raw})
	require.NoError(f.t, err)
	require.NoError(f.t, f.conn.WriteMessage(websocket.TextMessage, frame))
}

func (f *fakeExtension) attachTab(sessionID, targetID, url, title string) {
	f.t.Helper()
	f.event(protocol.EventAttachedToTarget, protocol.AttachedToTargetParams{
		SessionID: sessionID,
		TargetInfo: protocol.TargetInfo{
			TargetID: targetID,
			Type:     "page",
			URL:      url,
			Title:    title,
			Attached: true,
		},
	})
}

func (f *fakeExtension) reply(id uint64, result any) {
	f.t.Helper()
	raw, err := json.Marshal(result)
	require.NoError(f.t, err)
	frame, err := json.Marshal(protocol.Reply{ID: id, Result: raw})
	require.NoError(f.t, err)
	require.NoError(f.t, f.conn.WriteMessage(websocket.TextMessage, frame))
}

func (f *fakeExtension) replyError(id uint64, msg string) {
	f.t.Helper()
	frame, err := json.Marshal(protocol.Reply{ID: id, Error: &protocol.ErrorPayload{Message: msg}})
	require.NoError(f.t, err)
	require.NoError(f.t, f.conn.WriteMessage(websocket.TextMessage, frame))
}

func (f *fakeExtension) nextCall() protocol.Call {
	f.t.Helper()
	select {
	case c := <-f.calls:
		return c
	case <-time.After(2 * time.Second):
		f.t.Fatal("timed out waiting for forwarded call")
		return protocol.Call{}
	}
}

// testClient plays a downstream automation client over the raw wire.
type testClient struct {
	t       *testing.T
	conn    *websocket.Conn
	replies chan protocol.Reply
	events  chan protocol.Event
	done    chan error
}

func dialClient(t *testing.T, srv *httptest.Server, id string) *testClient {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/client?id="+id), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	c := &testClient{
		t:       t,
		conn:    conn,
		replies: make(chan protocol.Reply, 16),
		events:  make(chan protocol.Event, 64),
		done:    make(chan error, 1),
	}
	go c.readLoop()
	t.Cleanup(func() { c.conn.Close() })
	return c
}

func (c *testClient) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.done <- err
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		switch msg.Kind() {
		case protocol.KindReply:
			c.replies <- msg.AsReply()
		case protocol.KindEvent:
			c.events <- msg.AsEvent()
		}
	}
}

func (c *testClient) call(id uint64, method string, params any, sessionID string) {
	c.t.Helper()
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		require.NoError(c.t, err)
		raw = data
	}
	frame, err := json.Marshal(protocol.Call{ID: id, Method: method, Params: raw, SessionID: sessionID})
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, frame))
}

func (c *testClient) nextReply() protocol.Reply {
	c.t.Helper()
	select {
	case r := <-c.replies:
		return r
	case <-time.After(2 * time.Second):
		c.t.Fatal("timed out waiting for reply")
		return protocol.Reply{}
	}
}

func (c *testClient) nextEvent() protocol.Event {
	c.t.Helper()
	select {
	case e := <-c.events:
		return e
	case <-time.After(2 * time.Second):
		c.t.Fatal("timed out waiting for event")
		return protocol.Event{}
	}
}

func (c *testClient) expectNoEvent(d time.Duration) {
	c.t.Helper()
	select {
	case e := <-c.events:
		c.t.Fatalf("unexpected event %s", e.Method)
	case <-time.After(d):
	}
}

func (c *testClient) expectNoReply(d time.Duration) {
	c.t.Helper()
	select {
	case r := <-c.replies:
		c.t.Fatalf("unexpected reply id=%d", r.ID)
	case <-time.After(d):
	}
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, body string) (int, []byte) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func waitForSessions(t *testing.T, r *Relay, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(r.Sessions()) == n
	}, 2*time.Second, 10*time.Millisecond, "expected %d sessions", n)
}

// =============================================================================
// SESSION TABLE AND STATUS
// =============================================================================

func TestStatusEmpty(t *testing.T) {
	_, srv := newTestServer(t, DefaultConfig())

	var status StatusResponse
	code := getJSON(t, srv.URL+"/status", &status)
	require.Equal(t, http.StatusOK, code)
	require.False(t, status.Extension)
	require.Equal(t, 0, status.Targets)
	require.Equal(t, 0, status.Clients)

	var targets []Session
	code = getJSON(t, srv.URL+"/targets", &targets)
	require.Equal(t, http.StatusOK, code)
	require.Empty(t, targets)
}

func TestSessionTableTracksUpstreamEvents(t *testing.T) {
	r, srv := newTestServer(t, DefaultConfig())
	ext := dialExtension(t, srv)

	ext.attachTab("s1", "t1", "https://one.test", "One")
	ext.attachTab("s2", "t2", "https://two.test", "Two")
	waitForSessions(t, r, 2)

	var targets []Session
	getJSON(t, srv.URL+"/targets", &targets)
	require.Len(t, targets, 2)
	require.Equal(t, "s1", targets[0].SessionID)
	require.Equal(t, "s2", targets[1].SessionID)
	require.Equal(t, "https://one.test", targets[0].URL)

	// Metadata update matched by target id.
	ext.event(protocol.EventTargetInfoChanged, protocol.TargetInfoChangedParams{
		TargetInfo: protocol.TargetInfo{TargetID: "t1", URL: "https://one.test/next", Title: "One Next"},
	})
	require.Eventually(t, func() bool {
		s := r.Sessions()
		return len(s) == 2 && s[0].Title == "One Next"
	}, 2*time.Second, 10*time.Millisecond)

	// Detach drops only the named session.
	ext.event(protocol.EventDetachedFromTarget, protocol.DetachedFromTargetParams{SessionID: "s1"})
	waitForSessions(t, r, 1)
	require.Equal(t, "s2", r.Sessions()[0].SessionID)
}

// =============================================================================
// UPSTREAM REPLACEMENT
// =============================================================================

func TestUpstreamReplacementInvalidatesWorld(t *testing.T) {
	r, srv := newTestServer(t, DefaultConfig())

	ext1 := dialExtension(t, srv)
	ext1.attachTab("s1", "t1", "https://one.test", "One")
	ext1.attachTab("s2", "t2", "https://two.test", "Two")
	waitForSessions(t, r, 2)

	client := dialClient(t, srv, "watcher")
	require.Eventually(t, func() bool { return r.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	dialExtension(t, srv)

	// Old upstream closed with reason "replaced".
	select {
	case err := <-ext1.done:
		var ce *websocket.CloseError
		require.ErrorAs(t, err, &ce)
		require.Equal(t, "replaced", ce.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("old upstream was not closed")
	}

	// Downstream clients are closed so they re-sync.
	select {
	case <-client.done:
	case <-time.After(2 * time.Second):
		t.Fatal("downstream client was not closed on replacement")
	}

	// Session table emptied.
	waitForSessions(t, r, 0)
	var targets []Session
	getJSON(t, srv.URL+"/targets", &targets)
	require.Empty(t, targets)

	var status StatusResponse
	getJSON(t, srv.URL+"/status", &status)
	require.True(t, status.Extension)
	require.Equal(t, 0, status.Targets)
}

func TestUpstreamDropClearsSessionsButKeepsClients(t *testing.T) {
	r, srv := newTestServer(t, DefaultConfig())

	ext := dialExtension(t, srv)
	ext.attachTab("s1", "t1", "https://one.test", "One")
	waitForSessions(t, r, 1)

	client := dialClient(t, srv, "steady")
	require.Eventually(t, func() bool { return r.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	ext.conn.Close()
	waitForSessions(t, r, 0)
	require.Eventually(t, func() bool { return !r.HasUpstream() }, 2*time.Second, 10*time.Millisecond)

	// Client stays; forwarding now fails fast.
	require.Equal(t, 1, r.ClientCount())
	client.call(9, "Page.navigate", map[string]string{"url": "https://x.test"}, "")
	reply := client.nextReply()
	require.Equal(t, uint64(9), reply.ID)
	require.NotNil(t, reply.Error)
	require.Equal(t, protocol.ErrUpstreamUnavailable.Error(), reply.Error.Message)
}

// =============================================================================
// DOWNSTREAM REGISTRATION
// =============================================================================

func TestDuplicateClientRefused(t *testing.T) {
	r, srv := newTestServer(t, DefaultConfig())

	first := dialClient(t, srv, "alpha")
	require.Eventually(t, func() bool { return r.HasClient("alpha") }, 2*time.Second, 10*time.Millisecond)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/client?id=alpha"), nil)
	require.Error(t, err)
	require.Nil(t, conn)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	// The id frees up once the first connection goes away.
	first.conn.Close()
	require.Eventually(t, func() bool { return !r.HasClient("alpha") }, 2*time.Second, 10*time.Millisecond)
	dialClient(t, srv, "alpha")
	require.Eventually(t, func() bool { return r.HasClient("alpha") }, 2*time.Second, 10*time.Millisecond)
}

// =============================================================================
// EVENT FAN-OUT AND REPLAY
// =============================================================================

func TestEventFanoutPreservesArrivalOrder(t *testing.T) {
	r, srv := newTestServer(t, DefaultConfig())
	ext := dialExtension(t, srv)

	a := dialClient(t, srv, "a")
	b := dialClient(t, srv, "b")
	require.Eventually(t, func() bool { return r.ClientCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < 5; i++ {
		ext.event("Custom.tick", map[string]int{"seq": i})
	}

	for _, c := range []*testClient{a, b} {
		for i := 0; i < 5; i++ {
			ev := c.nextEvent()
			require.Equal(t, "Custom.tick", ev.Method)
			var p struct {
				Seq int `json:"seq"`
			}
			require.NoError(t, json.Unmarshal(ev.Params, &p))
			require.Equal(t, i, p.Seq, "events must arrive in upstream order")
		}
	}
}

func TestLateWatcherGetsSynthesizedAttachments(t *testing.T) {
	r, srv := newTestServer(t, DefaultConfig())
	ext := dialExtension(t, srv)

	ext.attachTab("s1", "t1", "https://one.test", "One")
	ext.attachTab("s2", "t2", "https://two.test", "Two")
	waitForSessions(t, r, 2)

	watcher := dialClient(t, srv, "late-watcher")
	observer := dialClient(t, srv, "observer")
	require.Eventually(t, func() bool { return r.ClientCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	watcher.call(1, protocol.MethodSetAutoAttach, map[string]any{"autoAttach": true, "waitForDebuggerOnStart": false}, "")
	reply := watcher.nextReply()
	require.Equal(t, uint64(1), reply.ID)
	require.Nil(t, reply.Error)

	// Exactly one synthesized attachment per existing session, in attach order.
	for i, want := range []string{"s1", "s2"} {
		ev := watcher.nextEvent()
		require.Equal(t, protocol.EventAttachedToTarget, ev.Method, "event %d", i)
		var p protocol.AttachedToTargetParams
		require.NoError(t, json.Unmarshal(ev.Params, &p))
		require.Equal(t, want, p.SessionID)
	}
	watcher.expectNoEvent(150 * time.Millisecond)

	// Clients that never registered interest see nothing.
	observer.expectNoEvent(150 * time.Millisecond)
}

// =============================================================================
// FORWARDING AND CORRELATION
// =============================================================================

func TestForwardedRepliesRouteByID(t *testing.T) {
	r, srv := newTestServer(t, DefaultConfig())
	ext := dialExtension(t, srv)
	ext.attachTab("s1", "t1", "https://one.test", "One")
	waitForSessions(t, r, 1)

	client := dialClient(t, srv, "caller")

	client.call(101, "Page.navigate", map[string]string{"url": "https://a.test"}, "")
	first := ext.nextCall()
	require.Equal(t, "Page.navigate", first.Method)
	require.Equal(t, "s1", first.SessionID, "missing sessionId must be substituted with the first session")

	client.call(102, "Runtime.evaluate", map[string]string{"expression": "1+1"}, "s1")
	second := ext.nextCall()
	require.Equal(t, "Runtime.evaluate", second.Method)

	// Answer out of order; each reply must land on its own caller id.
	ext.reply(second.ID, map[string]string{"value": "two"})
	ext.reply(first.ID, map[string]string{"value": "one"})

	got := map[uint64]string{}
	for i := 0; i < 2; i++ {
		reply := client.nextReply()
		require.Nil(t, reply.Error)
		var v struct {
			Value string `json:"value"`
		}
		require.NoError(t, json.Unmarshal(reply.Result, &v))
		got[reply.ID] = v.Value
	}
	require.Equal(t, map[uint64]string{101: "one", 102: "two"}, got)
}

func TestForwardedErrorPreservesMessage(t *testing.T) {
	r, srv := newTestServer(t, DefaultConfig())
	ext := dialExtension(t, srv)
	ext.attachTab("s1", "t1", "https://one.test", "One")
	waitForSessions(t, r, 1)

	client := dialClient(t, srv, "caller")
	client.call(7, "Page.navigate", map[string]string{"url": "bad"}, "")
	fwd := ext.nextCall()
	ext.replyError(fwd.ID, "Cannot navigate to invalid URL")

	reply := client.nextReply()
	require.Equal(t, uint64(7), reply.ID)
	require.NotNil(t, reply.Error)
	require.Equal(t, "Cannot navigate to invalid URL", reply.Error.Message)
}

func TestForwardWithoutUpstreamFailsFast(t *testing.T) {
	_, srv := newTestServer(t, DefaultConfig())

	client := dialClient(t, srv, "caller")
	start := time.Now()
	client.call(5, "Page.navigate", map[string]string{"url": "https://x.test"}, "")
	reply := client.nextReply()
	require.Less(t, time.Since(start), 2*time.Second, "no-upstream failure must not wait for a timeout")
	require.NotNil(t, reply.Error)
	require.Equal(t, protocol.ErrUpstreamUnavailable.Error(), reply.Error.Message)

	code, body := postJSON(t, srv.URL+"/cdp", `{"method":"Page.navigate","params":{"url":"https://x.test"}}`)
	require.Equal(t, http.StatusBadGateway, code)
	require.Contains(t, string(body), "upstream unavailable")
}

func TestForwardTimeoutDropsLateReply(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CallTimeout = 150 * time.Millisecond
	r, srv := newTestServer(t, cfg)
	ext := dialExtension(t, srv)

	client := dialClient(t, srv, "caller")
	client.call(7, "Slow.method", map[string]string{}, "")
	fwd := ext.nextCall()

	reply := client.nextReply()
	require.Equal(t, uint64(7), reply.ID)
	require.NotNil(t, reply.Error)
	require.Equal(t, protocol.ErrTimeout.Error(), reply.Error.Message)

	// The pending entry is gone; a late reply is dropped without a second
	// resolution.
	u := r.currentUpstream()
	require.NotNil(t, u)
	require.Eventually(t, func() bool {
		return u.calls.Len() == 0
	}, time.Second, 10*time.Millisecond, "pending table must not leak entries")

	ext.reply(fwd.ID, map[string]string{"value": "late"})
	client.expectNoReply(200 * time.Millisecond)
}

func TestUnknownSessionFallsBackToFirst(t *testing.T) {
	r, srv := newTestServer(t, DefaultConfig())
	ext := dialExtension(t, srv)
	ext.attachTab("s1", "t1", "https://one.test", "One")
	waitForSessions(t, r, 1)

	client := dialClient(t, srv, "caller")
	client.call(11, "Runtime.evaluate", map[string]string{"expression": "1"}, "never-seen")
	fwd := ext.nextCall()
	require.Equal(t, "s1", fwd.SessionID)
	ext.reply(fwd.ID, map[string]any{"result": map[string]any{"value": 1}})
	reply := client.nextReply()
	require.Nil(t, reply.Error)
}

// =============================================================================
// LOCAL ANSWERS AND HTTP SURFACE
// =============================================================================

func TestLocalAnswers(t *testing.T) {
	r, srv := newTestServer(t, DefaultConfig())
	ext := dialExtension(t, srv)
	ext.attachTab("s1", "t1", "https://one.test", "One")
	ext.attachTab("s2", "t2", "https://two.test", "Two")
	waitForSessions(t, r, 2)

	code, body := postJSON(t, srv.URL+"/cdp", `{"method":"Target.getTargets"}`)
	require.Equal(t, http.StatusOK, code)
	var targets protocol.GetTargetsResult
	require.NoError(t, json.Unmarshal(body, &targets))
	require.Len(t, targets.TargetInfos, 2)
	require.Equal(t, "t1", targets.TargetInfos[0].TargetID)

	code, body = postJSON(t, srv.URL+"/cdp", `{"method":"Browser.getVersion"}`)
	require.Equal(t, http.StatusOK, code)
	var version protocol.VersionResult
	require.NoError(t, json.Unmarshal(body, &version))
	require.Equal(t, "tabnerd-relay", version.Product)

	code, body = postJSON(t, srv.URL+"/cdp", `{"method":"Target.attachToTarget","params":{"targetId":"t2"}}`)
	require.Equal(t, http.StatusOK, code)
	var attach protocol.AttachToTargetResult
	require.NoError(t, json.Unmarshal(body, &attach))
	require.Equal(t, "s2", attach.SessionID)

	code, body = postJSON(t, srv.URL+"/cdp", `{"method":"Target.attachToTarget","params":{"targetId":"missing"}}`)
	require.Equal(t, http.StatusInternalServerError, code)
	require.Contains(t, string(body), "no such target")

	code, body = postJSON(t, srv.URL+"/cdp", `{"method":"Target.getTargetInfo","params":{"targetId":"t1"}}`)
	require.Equal(t, http.StatusOK, code)
	var info protocol.GetTargetInfoResult
	require.NoError(t, json.Unmarshal(body, &info))
	require.Equal(t, "One", info.TargetInfo.Title)
}

func TestCDPRejectsBadRequests(t *testing.T) {
	_, srv := newTestServer(t, DefaultConfig())

	code, _ := postJSON(t, srv.URL+"/cdp", `{`)
	require.Equal(t, http.StatusBadRequest, code)

	code, body := postJSON(t, srv.URL+"/cdp", `{"params":{}}`)
	require.Equal(t, http.StatusBadRequest, code)
	require.Contains(t, string(body), "method required")

	resp, err := http.Get(srv.URL + "/cdp")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestAttachEndpoint(t *testing.T) {
	_, srv := newTestServer(t, DefaultConfig())
	ext := dialExtension(t, srv)

	go func() {
		select {
		case call := <-ext.calls:
			if call.Method == protocol.MethodExtensionAttach {
				ext.reply(call.ID, protocol.ExtensionAttachResult{Attached: 1})
			}
		case <-time.After(2 * time.Second):
		}
	}()

	code, body := postJSON(t, srv.URL+"/attach", `{}`)
	require.Equal(t, http.StatusOK, code)
	var attach AttachResponse
	require.NoError(t, json.Unmarshal(body, &attach))
	require.Equal(t, 1, attach.Attached)
}

func TestAttachEndpointWithoutUpstream(t *testing.T) {
	_, srv := newTestServer(t, DefaultConfig())

	code, body := postJSON(t, srv.URL+"/attach", `{}`)
	require.Equal(t, http.StatusBadGateway, code)
	require.Contains(t, string(body), "upstream unavailable")
}
