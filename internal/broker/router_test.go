package broker

import (
	"errors"
	"testing"

	"github.com/tenzoki/bridged/internal/connmgr"
	"github.com/tenzoki/bridged/internal/envelope"
	"github.com/tenzoki/bridged/internal/events"
	"github.com/tenzoki/bridged/internal/queue"
)

type fakeConn struct {
	id       string
	received []*envelope.Envelope
	failNext bool
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Deliver(env *envelope.Envelope) error {
	if f.failNext {
		f.failNext = false
		return errors.New("write failed")
	}
	f.received = append(f.received, env)
	return nil
}

func newTestRouter(t *testing.T) (*Router, *connmgr.Manager) {
	t.Helper()
	ring, err := events.New(100, "", true)
	if err != nil {
		t.Fatalf("events.New: %v", err)
	}
	conns := connmgr.New()
	return New(conns, queue.New(3), ring), conns
}

func TestRouteDeliversToLiveConnection(t *testing.T) {
	r, conns := newTestRouter(t)
	c := &fakeConn{id: "c1"}
	conns.Register("openclaw-server", c)

	env := envelope.New("", "agent-client", "openclaw-server", "command", nil, "")
	result := r.Route(env)

	if result.DeliveredTo != 1 || result.Queued {
		t.Errorf("expected delivered:1 queued:false, got %+v", result)
	}
	if len(c.received) != 1 || c.received[0].ID != env.ID {
		t.Errorf("expected envelope delivered to connection, got %v", c.received)
	}
}

func TestRouteQueuesWhenRecipientOffline(t *testing.T) {
	r, _ := newTestRouter(t)
	env := envelope.New("", "agent-client", "openclaw-server", "command", nil, "")
	result := r.Route(env)

	if result.DeliveredTo != 0 || !result.Queued {
		t.Errorf("expected delivered:0 queued:true, got %+v", result)
	}
	if depth := r.QueueDepth("openclaw-server"); depth != 1 {
		t.Errorf("expected queue depth 1, got %d", depth)
	}
}

func TestRouteFansOutToMultipleConnections(t *testing.T) {
	r, conns := newTestRouter(t)
	c1 := &fakeConn{id: "c1"}
	c2 := &fakeConn{id: "c2"}
	conns.Register("openclaw-server", c1)
	conns.Register("openclaw-server", c2)

	env := envelope.New("", "agent-client", "openclaw-server", "command", nil, "")
	result := r.Route(env)

	if result.DeliveredTo != 2 {
		t.Errorf("expected deliveredTo 2, got %d", result.DeliveredTo)
	}
}

func TestRouteContinuesFanoutOnWriteFailure(t *testing.T) {
	r, conns := newTestRouter(t)
	bad := &fakeConn{id: "bad", failNext: true}
	good := &fakeConn{id: "good"}
	conns.Register("openclaw-server", bad)
	conns.Register("openclaw-server", good)

	env := envelope.New("", "agent-client", "openclaw-server", "command", nil, "")
	result := r.Route(env)

	if result.DeliveredTo != 1 {
		t.Errorf("expected 1 successful delivery despite one failure, got %d", result.DeliveredTo)
	}
	if len(good.received) != 1 {
		t.Error("expected the healthy connection to still receive the envelope")
	}
}

func TestDrainToDeliversInFIFOOrder(t *testing.T) {
	r, _ := newTestRouter(t)
	for _, id := range []string{"1", "2", "3"} {
		r.Route(envelope.New(id, "agent-client", "openclaw-server", "command", nil, ""))
	}

	c := &fakeConn{id: "c1"}
	r.DrainTo("openclaw-server", c)

	if len(c.received) != 3 {
		t.Fatalf("expected 3 drained envelopes, got %d", len(c.received))
	}
	if c.received[0].ID != "1" || c.received[1].ID != "2" || c.received[2].ID != "3" {
		t.Errorf("expected FIFO drain order, got %v %v %v", c.received[0].ID, c.received[1].ID, c.received[2].ID)
	}
	if depth := r.QueueDepth("openclaw-server"); depth != 0 {
		t.Errorf("expected queue emptied after drain, got depth %d", depth)
	}
}

func TestRegisterAndDrainOrdersBacklogBeforeLiveRouting(t *testing.T) {
	r, conns := newTestRouter(t)
	for _, id := range []string{"1", "2", "3"} {
		r.Route(envelope.New(id, "agent-client", "openclaw-server", "command", nil, ""))
	}

	c := &fakeConn{id: "c1"}
	r.RegisterAndDrain("openclaw-server", c)
	r.Route(envelope.New("4", "agent-client", "openclaw-server", "command", nil, ""))

	if len(c.received) != 4 {
		t.Fatalf("expected 3 drained plus 1 live delivery, got %d", len(c.received))
	}
	ids := make([]string, len(c.received))
	for i, env := range c.received {
		ids[i] = env.ID
	}
	want := []string{"1", "2", "3", "4"}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("expected order %v, got %v", want, ids)
			break
		}
	}
	if got := conns.Counts()["openclaw-server"]; got != 1 {
		t.Errorf("expected RegisterAndDrain to register the connection, got count %d", got)
	}
}

func TestQueueOverflowRetainsNewest(t *testing.T) {
	r, _ := newTestRouter(t)
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		r.Route(envelope.New(id, "agent-client", "openclaw-server", "command", nil, ""))
	}

	c := &fakeConn{id: "c1"}
	r.DrainTo("openclaw-server", c)

	if len(c.received) != 3 {
		t.Fatalf("expected queue limit of 3 enforced, got %d", len(c.received))
	}
	if c.received[0].ID != "3" || c.received[2].ID != "5" {
		t.Errorf("expected last 3 retained, got %v", c.received)
	}
}
