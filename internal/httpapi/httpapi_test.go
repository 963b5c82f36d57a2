package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tenzoki/bridged/internal/broker"
	"github.com/tenzoki/bridged/internal/config"
	"github.com/tenzoki/bridged/internal/connmgr"
	"github.com/tenzoki/bridged/internal/events"
	"github.com/tenzoki/bridged/internal/queue"
	"github.com/tenzoki/bridged/internal/registry"
)

const adminSecret = "admin-secret"

func newTestServer(t *testing.T) (*Server, *registry.Registry) {
	t.Helper()
	clients := []*registry.Client{
		{ID: "agent-client", KeyHash: registry.HashKey("agent-secret"), Allow: map[string]struct{}{"openclaw-server": {}}},
		{ID: "openclaw-server", KeyHash: registry.HashKey("server-secret"), Allow: map[string]struct{}{registry.Wildcard: {}}},
	}
	reg := registry.New(clients)
	ring, err := events.New(100, "", true)
	if err != nil {
		t.Fatalf("events.New: %v", err)
	}
	conns := connmgr.New()
	router := broker.New(conns, queue.New(10), ring)

	cfg := &config.Config{
		HTTPHost:       "127.0.0.1",
		HTTPPort:       0,
		SocketPath:     "/tmp/bridge-test.sock",
		MaxFrameBytes:  4096,
		AdminTokenHash: registry.HashKey(adminSecret),
	}

	return New(cfg, reg, router, ring), reg
}

func TestHealthRequiresNoAuth(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["ok"] != true {
		t.Errorf("expected ok:true, got %v", body)
	}
}

func TestStatusRejectsMissingToken(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestStatusRejectsWrongToken(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set(tokenHeader, "wrong-token")
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestStatusSucceedsWithValidToken(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set(tokenHeader, adminSecret)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Clients) != 2 {
		t.Errorf("expected 2 registered clients, got %v", body.Clients)
	}
	if body.SocketPath == "" {
		t.Error("expected socketPath to be populated")
	}
	for _, c := range body.Clients {
		if c.ID == "agent-client" {
			if len(c.CanSendTo) != 1 || c.CanSendTo[0] != "openclaw-server" {
				t.Errorf("expected agent-client's canSendTo to be [openclaw-server], got %v", c.CanSendTo)
			}
		}
	}
}

func TestAPIRejectedWhenNoAdminTokenConfigured(t *testing.T) {
	s, _ := newTestServer(t)
	s.cfg.AdminTokenHash = ""

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set(tokenHeader, adminSecret)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 when no admin token is configured, got %d", rec.Code)
	}
}

func TestSendRoutesAsClient(t *testing.T) {
	s, _ := newTestServer(t)

	body, _ := json.Marshal(sendRequest{
		AsClient: "agent-client",
		To:       "openclaw-server",
		Type:     "command",
		Payload:  json.RawMessage(`{"command":"ping"}`),
	})
	req := httptest.NewRequest(http.MethodPost, "/api/send", bytes.NewReader(body))
	req.Header.Set(tokenHeader, adminSecret)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp sendResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.OK {
		t.Error("expected ok:true")
	}
	if !resp.Routed.Queued || resp.Routed.DeliveredTo != 0 {
		t.Errorf("expected queued delivery (no recipient connected), got %+v", resp.Routed)
	}
	if resp.Envelope == nil || resp.Envelope.From != "agent-client" || resp.Envelope.To != "openclaw-server" {
		t.Errorf("expected echoed envelope with from/to set, got %+v", resp.Envelope)
	}
}

func TestSendRejectsOversizedBody(t *testing.T) {
	s, _ := newTestServer(t)

	huge := make([]byte, 2*s.cfg.MaxFrameBytes+1)
	for i := range huge {
		huge[i] = 'a'
	}
	body, _ := json.Marshal(sendRequest{
		AsClient: "agent-client",
		To:       "openclaw-server",
		Payload:  json.RawMessage(`"` + string(huge) + `"`),
	})
	req := httptest.NewRequest(http.MethodPost, "/api/send", bytes.NewReader(body))
	req.Header.Set(tokenHeader, adminSecret)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 for oversized body, got %d", rec.Code)
	}
}

func TestSendAllowsWildcardRoute(t *testing.T) {
	s, _ := newTestServer(t)

	body, _ := json.Marshal(sendRequest{AsClient: "openclaw-server", To: "agent-client"})
	req := httptest.NewRequest(http.MethodPost, "/api/send", bytes.NewReader(body))
	req.Header.Set(tokenHeader, adminSecret)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 (wildcard allows openclaw-server to send anywhere), got %d", rec.Code)
	}
}

func TestSendRejectsUnknownTarget(t *testing.T) {
	s, _ := newTestServer(t)

	body, _ := json.Marshal(sendRequest{AsClient: "agent-client", To: "nobody"})
	req := httptest.NewRequest(http.MethodPost, "/api/send", bytes.NewReader(body))
	req.Header.Set(tokenHeader, adminSecret)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown target, got %d", rec.Code)
	}
}
