// Package connmgr tracks live authenticated connections grouped by client
// ID. A single client ID may hold multiple concurrent connections; the
// manager holds weak references back to them and never owns their
// lifetime (the stream listener owns that). It generalizes cellorg
// broker's single connections map (broker/service.go's `connections
// map[string]*Connection`) to a per-client grouping.
package connmgr

import (
	"sync"

	"github.com/tenzoki/bridged/internal/envelope"
)

// Conn is the minimal surface the connection manager and router need from
// a live connection: its identity, for bookkeeping, and a way to hand it
// an envelope to deliver as an outbound "message" frame. Concrete
// connections live in package stream; connmgr only depends on this
// interface to avoid an import cycle.
type Conn interface {
	ID() string
	Deliver(env *envelope.Envelope) error
}

// Manager groups live connections by the client ID that authenticated
// them. All operations are safe for concurrent use; one mutex serializes
// the outer map, since fine-grained per-client locking isn't warranted
// at the expected connection counts.
type Manager struct {
	mu   sync.Mutex
	byID map[string]map[Conn]struct{}
}

// New creates an empty connection manager.
func New() *Manager {
	return &Manager{byID: make(map[string]map[Conn]struct{})}
}

// Register adds conn to the set for clientID.
func (m *Manager) Register(clientID string, conn Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.byID[clientID]
	if !ok {
		set = make(map[Conn]struct{})
		m.byID[clientID] = set
	}
	set[conn] = struct{}{}
}

// Unregister removes conn from the set for clientID, pruning the empty set.
func (m *Manager) Unregister(clientID string, conn Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.byID[clientID]
	if !ok {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(m.byID, clientID)
	}
}

// ConnectionsFor returns a snapshot slice of the live connections for
// clientID, safe to range over without holding the manager's lock.
func (m *Manager) ConnectionsFor(clientID string) []Conn {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.byID[clientID]
	if !ok {
		return nil
	}
	out := make([]Conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// Counts returns a map of clientID to live connection count, for the HTTP
// status snapshot.
func (m *Manager) Counts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]int, len(m.byID))
	for id, set := range m.byID {
		out[id] = len(set)
	}
	return out
}
