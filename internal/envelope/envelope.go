// Package envelope defines the unit of routing exchanged between clients of
// the bridge. Every message that crosses the daemon, whether delivered live
// or queued for later, is an Envelope.
package envelope

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Envelope is the unit of routing. Sender is always the authenticated
// identity of the originating connection and is never trusted from client
// input; recipient must be a registered client.
type Envelope struct {
	ID            string          `json:"id"`
	From          string          `json:"from"`
	To            string          `json:"to"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlationId,omitempty"`
	TS            time.Time       `json:"ts"`
}

// New builds an envelope with a generated ID and server-assigned timestamp.
// If id is empty, one is generated.
func New(id, from, to, msgType string, payload json.RawMessage, correlationID string) *Envelope {
	if id == "" {
		id = uuid.New().String()
	}
	if payload == nil {
		payload = json.RawMessage("null")
	}
	if msgType == "" {
		msgType = "message"
	}
	return &Envelope{
		ID:            id,
		From:          from,
		To:            to,
		Type:          msgType,
		Payload:       payload,
		CorrelationID: correlationID,
		TS:            time.Now().UTC(),
	}
}

// Validate checks the envelope carries its required fields. Sender and
// recipient are not validated against the registry here, since this
// package has no knowledge of registered clients; the stream listener and
// the HTTP control plane check the recipient before routing.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return errors.New("envelope: id is required")
	}
	if e.From == "" {
		return errors.New("envelope: from is required")
	}
	if e.To == "" {
		return errors.New("envelope: to is required")
	}
	if e.Type == "" {
		return errors.New("envelope: type is required")
	}
	return nil
}

// ToJSON serializes the envelope for transport over a frame.
func (e *Envelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON deserializes an envelope previously produced by ToJSON.
func FromJSON(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Clone returns a deep copy whose payload does not alias the original's.
// The router's fanout does not use it: every live connection receives the
// same *Envelope.
func (e *Envelope) Clone() *Envelope {
	clone := *e
	if e.Payload != nil {
		clone.Payload = make(json.RawMessage, len(e.Payload))
		copy(clone.Payload, e.Payload)
	}
	return &clone
}
