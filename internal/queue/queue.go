// Package queue implements the per-recipient bounded FIFO used to hold
// envelopes for clients that are not currently connected. It generalizes
// cellorg's broker per-pipe buffered channel (broker/service.go's
// Pipe.Messages/Pipe.Envelopes, capacity 100) to a drop-oldest discipline
// with a configurable limit, since offline recipients must drop the
// oldest queued entry on overflow rather than rejecting the newest.
package queue

import (
	"sync"

	"github.com/tenzoki/bridged/internal/envelope"
)

// Store holds one bounded FIFO per recipient, created lazily on first
// enqueue and existing only in process memory; nothing here survives a
// restart.
type Store struct {
	mu    sync.Mutex
	limit int
	byID  map[string][]*envelope.Envelope

	// onDrop, if set, is invoked (outside the lock) whenever enqueue drops
	// the oldest entry for a recipient, so callers can emit a warn event.
	onDrop func(recipient string, dropped *envelope.Envelope)
}

// New creates a queue store bounding every recipient's queue at limit
// entries.
func New(limit int) *Store {
	if limit <= 0 {
		limit = 1
	}
	return &Store{limit: limit, byID: make(map[string][]*envelope.Envelope)}
}

// OnDrop registers a callback invoked when an enqueue drops the oldest
// queued envelope for a recipient due to the queue being at its limit.
func (s *Store) OnDrop(fn func(recipient string, dropped *envelope.Envelope)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDrop = fn
}

// Enqueue appends env to recipient's queue. If the queue would exceed the
// configured limit, the oldest entry is dropped first.
func (s *Store) Enqueue(recipient string, env *envelope.Envelope) {
	s.mu.Lock()
	q := s.byID[recipient]
	q = append(q, env)

	var dropped *envelope.Envelope
	if len(q) > s.limit {
		dropped = q[0]
		q = q[1:]
	}
	s.byID[recipient] = q
	onDrop := s.onDrop
	s.mu.Unlock()

	if dropped != nil && onDrop != nil {
		onDrop(recipient, dropped)
	}
}

// Drain removes and returns all envelopes queued for recipient, in the
// order they were enqueued (FIFO).
func (s *Store) Drain(recipient string) []*envelope.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.byID[recipient]
	if !ok || len(q) == 0 {
		return nil
	}
	delete(s.byID, recipient)
	return q
}

// Depth returns the number of envelopes currently queued for recipient.
func (s *Store) Depth(recipient string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID[recipient])
}

// Depths returns a snapshot of every non-empty recipient's queue depth,
// for the HTTP status endpoint.
func (s *Store) Depths() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int, len(s.byID))
	for id, q := range s.byID {
		if len(q) > 0 {
			out[id] = len(q)
		}
	}
	return out
}
