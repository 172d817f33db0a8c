package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"tabnerd/internal/logging"
	"tabnerd/internal/protocol"
)

// Server exposes the relay over one listener: WebSocket endpoints for the
// extension and for downstream clients, plus the HTTP control surface.
type Server struct {
	relay    *Relay
	addr     string
	upgrader websocket.Upgrader
}

// NewServer wires a relay to a listen address.
func NewServer(r *Relay, addr string) *Server {
	return &Server{
		relay: r,
		addr:  addr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The relay binds to loopback; the extension's origin header
			// varies by browser, so origin checking stays off.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/extension", s.handleExtension)
	mux.HandleFunc("/client", s.handleClient)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/targets", s.handleTargets)
	mux.HandleFunc("/attach", s.handleAttach)
	mux.HandleFunc("/cdp", s.handleCDP)
	return mux
}

// Run serves until ctx is canceled, then drains with a short grace period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		logging.HTTP("relay listening on %s", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("relay server failed: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// handleExtension upgrades the upstream extension connection.
func (s *Server) handleExtension(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.HTTPDebug("extension upgrade failed: %v", err)
		return
	}
	u := newUpstreamConn(s.relay, conn)
	s.relay.AttachUpstream(u)
	go u.run()
}

// handleClient upgrades a downstream client connection. Duplicate ids are
// refused before the upgrade; the race remainder is handled after.
func (s *Server) handleClient(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		id = "client-" + uuid.NewString()[:8]
	}
	if s.relay.HasClient(id) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": protocol.ErrDuplicateClient.Error()})
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.HTTPDebug("client upgrade failed: %v", err)
		return
	}

	c, err := s.relay.RegisterClient(id, conn)
	if err != nil {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	go c.run()
}

// StatusResponse answers GET /status.
type StatusResponse struct {
	Extension bool `json:"extension"`
	Targets   int  `json:"targets"`
	Clients   int  `json:"clients"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Extension: s.relay.HasUpstream(),
		Targets:   len(s.relay.Sessions()),
		Clients:   s.relay.ClientCount(),
	})
}

func (s *Server) handleTargets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	sessions := s.relay.Sessions()
	if sessions == nil {
		sessions = []Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// AttachResponse answers POST /attach.
type AttachResponse struct {
	Attached int `json:"attached"`
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	result, err := s.relay.Dispatch(r.Context(), protocol.Call{Method: protocol.MethodExtensionAttach})
	if err != nil {
		writeJSON(w, errorStatus(err), map[string]string{"error": err.Error()})
		return
	}

	// The extension reports how many tabs it attached; fall back to the
	// session count when the reply carries no payload.
	var parsed protocol.ExtensionAttachResult
	if len(result) > 0 && json.Unmarshal(result, &parsed) == nil && parsed.Attached > 0 {
		writeJSON(w, http.StatusOK, AttachResponse{Attached: parsed.Attached})
		return
	}
	writeJSON(w, http.StatusOK, AttachResponse{Attached: len(s.relay.Sessions())})
}

// CDPRequest is the POST /cdp body: one-shot command routing without holding
// a WebSocket open.
type CDPRequest struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

func (s *Server) handleCDP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var req CDPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("malformed request: %v", err)})
		return
	}
	if req.Method == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "method required"})
		return
	}

	timer := logging.StartTimer(logging.CategoryHTTP, "cdp "+req.Method)
	result, err := s.relay.Dispatch(r.Context(), protocol.Call{
		Method:    req.Method,
		Params:    req.Params,
		SessionID: req.SessionID,
	})
	timer.StopWithThreshold(5 * time.Second)

	if err != nil {
		writeJSON(w, errorStatus(err), map[string]string{"error": err.Error()})
		return
	}
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result)
}

// errorStatus maps dispatch failures onto HTTP statuses.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, protocol.ErrUpstreamUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, protocol.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.HTTPDebug("failed to encode response: %v", err)
	}
}
