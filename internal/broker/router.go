// Package broker implements the router: given a validated envelope, it
// either fans it out to every live connection of the recipient or queues
// it for later delivery. It is the generalization of cellorg's
// broker/service.go handlePublish/handleSendPipe dual fan-out/buffer
// logic to this bridge's single recipient-routing model (no separate
// topics/pipes - every envelope has exactly one recipient).
package broker

import (
	"sync"

	"github.com/tenzoki/bridged/internal/connmgr"
	"github.com/tenzoki/bridged/internal/envelope"
	"github.com/tenzoki/bridged/internal/events"
	"github.com/tenzoki/bridged/internal/queue"
)

// Router delivers envelopes to connected recipients or queues them for
// offline ones.
type Router struct {
	conns  *connmgr.Manager
	queues *queue.Store
	ring   *events.Ring

	// mu serializes Route against RegisterAndDrain so that a connection
	// becoming visible to the router and the flush of its pre-existing
	// backlog happen as one step: nothing routed after a connection
	// authenticates can reach it ahead of what was already queued for it.
	mu sync.Mutex
}

// New builds a router over the given connection manager, queue store, and
// event ring.
func New(conns *connmgr.Manager, queues *queue.Store, ring *events.Ring) *Router {
	r := &Router{conns: conns, queues: queues, ring: ring}
	queues.OnDrop(func(recipient string, dropped *envelope.Envelope) {
		ring.Warn("queue_drop", "dropped oldest queued envelope", map[string]any{
			"recipient": recipient,
			"droppedId": dropped.ID,
		})
	})
	return r
}

// Result reports the outcome of routing one envelope.
type Result struct {
	DeliveredTo int
	Queued      bool
}

// Route delivers env to every live connection of env.To, or queues it if
// none are connected. Write failures to individual recipients are logged
// but do not abort the fanout.
func (r *Router) Route(env *envelope.Envelope) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := r.conns.ConnectionsFor(env.To)

	if len(conns) == 0 {
		r.queues.Enqueue(env.To, env)
		r.ring.Warn("routed_queued", "recipient offline, envelope queued", map[string]any{
			"to": env.To, "from": env.From, "envelopeId": env.ID,
		})
		return Result{DeliveredTo: 0, Queued: true}
	}

	delivered := 0
	for _, c := range conns {
		if err := c.Deliver(env); err != nil {
			r.ring.Warn("delivery_failed", "write to recipient connection failed", map[string]any{
				"to": env.To, "connection": c.ID(), "error": err.Error(),
			})
			continue
		}
		delivered++
	}

	r.ring.Info("routed_delivered", "envelope delivered to live connections", map[string]any{
		"to": env.To, "from": env.From, "envelopeId": env.ID, "deliveredTo": delivered,
	})
	return Result{DeliveredTo: delivered, Queued: false}
}

// DrainTo delivers every envelope queued for recipient (in FIFO order) to
// the single connection conn. Callers that also need conn to become
// visible to the router for live routing should use RegisterAndDrain
// instead, which performs both steps as one atomic unit.
func (r *Router) DrainTo(recipient string, conn connmgr.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drainToLocked(recipient, conn)
}

func (r *Router) drainToLocked(recipient string, conn connmgr.Conn) {
	for _, env := range r.queues.Drain(recipient) {
		if err := conn.Deliver(env); err != nil {
			r.ring.Warn("drain_delivery_failed", "failed to deliver queued envelope on auth", map[string]any{
				"to": recipient, "envelopeId": env.ID, "error": err.Error(),
			})
		}
	}
}

// RegisterAndDrain makes conn visible to the router for recipient and
// flushes its pre-existing backlog, as a single step indivisible from
// Route. This guarantees that every envelope queued for recipient at
// the moment of authentication is written to conn before any envelope
// routed afterward can reach it, since Route cannot observe conn as
// live until this call has already drained the backlog into it.
func (r *Router) RegisterAndDrain(recipient string, conn connmgr.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drainToLocked(recipient, conn)
	r.conns.Register(recipient, conn)
}

// QueueDepth returns the number of envelopes currently queued for
// recipient, used for the queued count in auth_ok.
func (r *Router) QueueDepth(recipient string) int {
	return r.queues.Depth(recipient)
}

// QueueDepths returns a snapshot of every non-empty recipient's queue
// depth, for the HTTP status endpoint.
func (r *Router) QueueDepths() map[string]int {
	return r.queues.Depths()
}

// ConnectionCounts returns a map of clientID to live connection count, for
// the HTTP status endpoint.
func (r *Router) ConnectionCounts() map[string]int {
	return r.conns.Counts()
}
