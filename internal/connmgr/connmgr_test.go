package connmgr

import (
	"testing"

	"github.com/tenzoki/bridged/internal/envelope"
)

type fakeConn struct{ id string }

func (f *fakeConn) ID() string                          { return f.id }
func (f *fakeConn) Deliver(env *envelope.Envelope) error { return nil }

func TestRegisterAndCounts(t *testing.T) {
	m := New()
	c1 := &fakeConn{"conn-1"}
	c2 := &fakeConn{"conn-2"}

	m.Register("agent-client", c1)
	m.Register("agent-client", c2)
	m.Register("openclaw-server", c1)

	counts := m.Counts()
	if counts["agent-client"] != 2 {
		t.Errorf("expected 2 connections for agent-client, got %d", counts["agent-client"])
	}
	if counts["openclaw-server"] != 1 {
		t.Errorf("expected 1 connection for openclaw-server, got %d", counts["openclaw-server"])
	}
}

func TestUnregisterPrunesEmptySet(t *testing.T) {
	m := New()
	c1 := &fakeConn{"conn-1"}
	m.Register("agent-client", c1)
	m.Unregister("agent-client", c1)

	if conns := m.ConnectionsFor("agent-client"); len(conns) != 0 {
		t.Errorf("expected no connections after unregister, got %d", len(conns))
	}
	if _, ok := m.Counts()["agent-client"]; ok {
		t.Error("expected empty set pruned from counts map")
	}
}

func TestConnectionsForUnknownClient(t *testing.T) {
	m := New()
	if conns := m.ConnectionsFor("missing"); conns != nil {
		t.Errorf("expected nil for unknown client, got %v", conns)
	}
}
