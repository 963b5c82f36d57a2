// Package httpapi serves the bridge daemon's read/command control plane:
// a small JSON API for operators, gated by an admin token. It follows the
// ServeMux-plus-middleware-chain shape of
// agents/godast_storage/main_service.go's storage service, adapted from
// a pipeline-agent HTTP facade to a bridge status/send control surface.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tenzoki/bridged/internal/broker"
	"github.com/tenzoki/bridged/internal/config"
	"github.com/tenzoki/bridged/internal/envelope"
	"github.com/tenzoki/bridged/internal/events"
	"github.com/tenzoki/bridged/internal/registry"
)

const tokenHeader = "x-bridge-token"

// Server is the HTTP control plane.
type Server struct {
	cfg    *config.Config
	reg    *registry.Registry
	router *broker.Router
	ring   *events.Ring

	httpServer *http.Server
}

// New builds a Server for cfg's HTTP host and port, wiring /health
// (unauthenticated) and the token-gated /api/ surface. Nothing is bound
// until ListenAndServe is called.
func New(cfg *config.Config, reg *registry.Registry, router *broker.Router, ring *events.Ring) *Server {
	s := &Server{cfg: cfg, reg: reg, router: router, ring: ring}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.requireToken(s.handleStatus))
	mux.HandleFunc("/api/send", s.requireToken(s.handleSend))

	addr := fmt.Sprintf("%s:%d", cfg.HTTPHost, cfg.HTTPPort)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.loggingMiddleware(mux),
	}
	return s
}

// ListenAndServe starts the control plane. It blocks until Shutdown is
// called or the server fails; the caller runs it in its own goroutine
// so it can be joined by an errgroup.
func (s *Server) ListenAndServe() error {
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Addr returns the configured listen address ("host:port").
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.ring.Info("http_request", "handled control plane request", map[string]any{
			"method": r.Method, "path": r.URL.Path, "duration": time.Since(start).String(),
		})
	})
}

// requireToken enforces the x-bridge-token header against the configured
// admin hash in constant time. If no admin token is configured, every
// call under /api/ is rejected.
func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.HasAdminToken() {
			writeError(w, http.StatusUnauthorized, "admin token not configured")
			return
		}
		presented := r.Header.Get(tokenHeader)
		if !registry.VerifyKey(presented, s.cfg.AdminTokenHash) {
			writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ts": time.Now().UTC()})
}

type clientStatus struct {
	ID        string   `json:"id"`
	CanSendTo []string `json:"canSendTo"`
}

type statusResponse struct {
	Ts         time.Time      `json:"ts"`
	SocketPath string         `json:"socketPath"`
	Active     map[string]int `json:"active"`
	Queued     map[string]int `json:"queued"`
	Clients    []clientStatus `json:"clients"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	clients := s.reg.All()
	out := make([]clientStatus, 0, len(clients))
	for _, c := range clients {
		out = append(out, clientStatus{ID: c.ID, CanSendTo: c.AllowList()})
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Ts:         time.Now().UTC(),
		SocketPath: s.cfg.SocketPath,
		Active:     s.router.ConnectionCounts(),
		Queued:     s.router.QueueDepths(),
		Clients:    out,
	})
}

type sendRequest struct {
	AsClient      string          `json:"asClient"`
	To            string          `json:"to"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlationId"`
}

type routedResult struct {
	DeliveredTo int  `json:"deliveredTo"`
	Queued      bool `json:"queued"`
}

type sendResponse struct {
	OK       bool               `json:"ok"`
	Envelope *envelope.Envelope `json:"envelope"`
	Routed   routedResult       `json:"routed"`
}

// handleSend lets an operator inject an envelope as any registered
// client, subject to that client's own allowlist. HTTP-initiated sends
// carry `asClient` in place of an authenticated connection identity,
// but are otherwise routed identically.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, int64(2*s.cfg.MaxFrameBytes))

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body_too_large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	if req.AsClient == "" {
		writeError(w, http.StatusBadRequest, "asClient is required")
		return
	}
	sender, ok := s.reg.Lookup(req.AsClient)
	if !ok {
		writeError(w, http.StatusBadRequest, "asClient is not a registered client")
		return
	}
	if req.To == "" {
		writeError(w, http.StatusBadRequest, "missing_to")
		return
	}
	if !s.reg.Known(req.To) {
		writeError(w, http.StatusBadRequest, "unknown_target")
		return
	}
	if !sender.CanSendTo(req.To) {
		writeError(w, http.StatusForbidden, "route_not_allowed")
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	msgType := req.Type
	if msgType == "" {
		msgType = "message"
	}

	env := envelope.New(id, sender.ID, req.To, msgType, req.Payload, req.CorrelationID)
	result := s.router.Route(env)

	writeJSON(w, http.StatusOK, sendResponse{
		OK:       true,
		Envelope: env,
		Routed:   routedResult{DeliveredTo: result.DeliveredTo, Queued: result.Queued},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// Shutdown stops the HTTP server immediately via http.Server.Close,
// closing the listener and any active connections without waiting for
// in-flight requests.
func (s *Server) Shutdown() error {
	return s.httpServer.Close()
}
