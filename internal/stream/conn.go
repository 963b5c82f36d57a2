package stream

import (
	"net"
	"sync"
	"time"

	"github.com/tenzoki/bridged/internal/envelope"
)

// state is the connection's tagged variant: a connection is either
// Unauth or Authed{clientID}, modeled here as an enum plus a clientID
// field that is only meaningful once authed is true and is written
// exactly once, on the single successful auth transition.
type state int

const (
	stateUnauth state = iota
	stateAuthed
)

const (
	writeDeadline  = 5 * time.Second
	outboundBuffer = 128
)

// Conn is one accepted stream connection. It implements connmgr.Conn so
// the router can deliver envelopes to it without depending on this
// package directly.
type Conn struct {
	id       string
	netConn  net.Conn
	connTime time.Time

	mu       sync.Mutex
	st       state
	clientID string

	out        chan []byte
	closed     chan struct{}
	writerDone chan struct{}
	once       sync.Once
}

func newConn(id string, netConn net.Conn) *Conn {
	return &Conn{
		id:         id,
		netConn:    netConn,
		connTime:   time.Now(),
		st:         stateUnauth,
		out:        make(chan []byte, outboundBuffer),
		closed:     make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// ID returns the connection's internally generated identifier (not the
// authenticated client ID, which may be shared by multiple connections).
func (c *Conn) ID() string { return c.id }

// startWriter runs the single writer goroutine for this connection. Every
// outbound frame, whether a direct protocol reply or a fanned-out
// delivery, funnels through this one goroutine, which is what keeps
// per-connection write order matching enqueue order. On close, any frames
// already enqueued (such as an auth_failed reply) are flushed before the
// underlying connection is torn down.
func (c *Conn) startWriter() {
	go func() {
		defer close(c.writerDone)
		for {
			select {
			case frame := <-c.out:
				c.write(frame)
			case <-c.closed:
				c.drainRemaining()
				return
			}
		}
	}()
}

func (c *Conn) drainRemaining() {
	for {
		select {
		case frame := <-c.out:
			c.write(frame)
		default:
			return
		}
	}
}

func (c *Conn) write(frame []byte) {
	c.netConn.SetWriteDeadline(time.Now().Add(writeDeadline))
	c.netConn.Write(frame)
}

// writeFrame enqueues a direct protocol reply (auth_ok, auth_failed, pong,
// whoami, sent, error). Enqueueing blocks if the outbound buffer is full;
// since this is always called from the connection's own read loop, that
// only suspends this connection's own processing, never another
// connection's.
func (c *Conn) writeFrame(frame []byte) {
	select {
	case c.out <- frame:
	case <-c.closed:
	}
}

// Deliver enqueues env as an outbound "message" frame. Unlike writeFrame,
// this is called from arbitrary other connections' goroutines via the
// router, so it must never block: if the outbound buffer is full or the
// connection is closing, the frame is dropped and an error returned so
// the router can log a warning and continue fanning out to other
// recipients.
func (c *Conn) Deliver(env *envelope.Envelope) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	select {
	case c.out <- messageFrame(env):
		return nil
	default:
		return errBackpressure
	}
}

// authed reports whether the connection has completed authentication, and
// if so, its bound client ID.
func (c *Conn) authed() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID, c.st == stateAuthed
}

// markAuthed transitions Unauth -> Authed{clientID}. It is only ever
// called once, from the single successful auth frame.
func (c *Conn) markAuthed(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clientID = clientID
	c.st = stateAuthed
}

// close signals the writer goroutine to flush any already-enqueued frames
// (such as an auth_failed reply) and waits for it to finish before
// closing the underlying connection. Safe to call multiple times and
// safe to call from the connection's own read loop.
func (c *Conn) close() {
	c.once.Do(func() {
		close(c.closed)
		<-c.writerDone
		c.netConn.Close()
	})
}

type backpressureError struct{}

func (backpressureError) Error() string { return "stream: connection backpressured, frame dropped" }

var errBackpressure = backpressureError{}
