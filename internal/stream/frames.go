package stream

import (
	"encoding/json"
	"time"

	"github.com/tenzoki/bridged/internal/envelope"
)

// inboundFrame is the union of every field any inbound action may carry.
// One loosely-typed struct keeps the decode path simple; validity per
// action is enforced by the dispatcher, not by this type.
type inboundFrame struct {
	Action        string          `json:"action"`
	ClientID      string          `json:"clientId,omitempty"`
	APIKey        string          `json:"apiKey,omitempty"`
	To            string          `json:"to,omitempty"`
	Type          string          `json:"type,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	ID            string          `json:"id,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

func authOkFrame(clientID string, queued int) []byte {
	return mustMarshalLine(map[string]any{
		"action":   "auth_ok",
		"clientId": clientID,
		"queued":   queued,
		"ts":       time.Now().UTC(),
	})
}

func authFailedFrame() []byte {
	return mustMarshalLine(map[string]any{"action": "auth_failed"})
}

func pongFrame() []byte {
	return mustMarshalLine(map[string]any{"action": "pong", "ts": time.Now().UTC()})
}

func whoamiFrame(clientID string, canSendTo []string) []byte {
	return mustMarshalLine(map[string]any{
		"action":    "whoami",
		"clientId":  clientID,
		"canSendTo": canSendTo,
		"ts":        time.Now().UTC(),
	})
}

func sentFrame(id string, deliveredTo int, queued bool) []byte {
	return mustMarshalLine(map[string]any{
		"action":      "sent",
		"id":          id,
		"deliveredTo": deliveredTo,
		"queued":      queued,
		"ts":          time.Now().UTC(),
	})
}

func messageFrame(env *envelope.Envelope) []byte {
	return mustMarshalLine(map[string]any{
		"action":   "message",
		"envelope": env,
	})
}

// Error codes emitted on the "error" frame. ErrBufferExceeded is the
// exception: it names the read error that closes a connection whose
// unparsed buffer overflows, and no frame carries it.
const (
	ErrAuthRequired    = "auth_required"
	ErrMissingTo       = "missing_to"
	ErrUnknownTarget   = "unknown_target"
	ErrRouteNotAllowed = "route_not_allowed"
	ErrUnknownAction   = "unknown_action"
	ErrInvalidJSON     = "invalid_json"
	ErrMessageTooLarge = "message_too_large"
	ErrBufferExceeded  = "buffer_exceeded"
)

func errorFrame(code string) []byte {
	return mustMarshalLine(map[string]any{"action": "error", "error": code})
}

func mustMarshalLine(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Every value passed to this helper is built from this package's
		// own types; a marshal failure here would be a programming error.
		panic("stream: failed to marshal outbound frame: " + err.Error())
	}
	return append(data, '\n')
}
