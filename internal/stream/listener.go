// Package stream implements the unix domain socket transport: the
// newline-delimited JSON frame protocol clients speak, per-connection
// state, and the accept loop. It is grounded on cellorg's
// broker/service.go handleConnection/handleRequest read-decode-dispatch-
// encode loop, adapted from a TCP listener to a unix socket and from a
// single shared request/response cycle to a long-lived bidirectional
// stream with asynchronous server-initiated "message" frames.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/tenzoki/bridged/internal/broker"
	"github.com/tenzoki/bridged/internal/connmgr"
	"github.com/tenzoki/bridged/internal/envelope"
	"github.com/tenzoki/bridged/internal/events"
	"github.com/tenzoki/bridged/internal/registry"
)

// Listener accepts connections on a unix domain socket and runs the
// per-connection protocol loop.
type Listener struct {
	path          string
	mode          os.FileMode
	maxFrameBytes int

	reg    *registry.Registry
	conns  *connmgr.Manager
	router *broker.Router
	ring   *events.Ring

	ln       net.Listener
	wg       sync.WaitGroup
	nextConn uint64
}

// Config bundles the dependencies a Listener needs beyond the socket
// path and mode.
type Config struct {
	SocketPath    string
	SocketMode    os.FileMode
	MaxFrameBytes int
	Registry      *registry.Registry
	Conns         *connmgr.Manager
	Router        *broker.Router
	Ring          *events.Ring
}

// New removes any stale socket file at path, binds a new unix listener,
// and applies the configured file mode; the socket must not be left
// world-writable by default.
func New(cfg Config) (*Listener, error) {
	if err := removeStaleSocket(cfg.SocketPath); err != nil {
		return nil, err
	}

	ln, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("stream: failed to bind socket %s: %w", cfg.SocketPath, err)
	}
	if err := os.Chmod(cfg.SocketPath, cfg.SocketMode); err != nil {
		ln.Close()
		return nil, fmt.Errorf("stream: failed to set socket mode on %s: %w", cfg.SocketPath, err)
	}

	return &Listener{
		path:          cfg.SocketPath,
		mode:          cfg.SocketMode,
		maxFrameBytes: cfg.MaxFrameBytes,
		reg:           cfg.Registry,
		conns:         cfg.Conns,
		router:        cfg.Router,
		ring:          cfg.Ring,
		ln:            ln,
	}, nil
}

func removeStaleSocket(path string) error {
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("stream: failed to remove stale socket %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stream: failed to stat socket path %s: %w", path, err)
	}
	return nil
}

// Serve accepts connections until the listener is closed, running each on
// its own goroutine. It returns nil on a clean Close.
func (l *Listener) Serve() error {
	for {
		netConn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				l.wg.Wait()
				return nil
			}
			return fmt.Errorf("stream: accept failed: %w", err)
		}

		id := fmt.Sprintf("conn-%d", atomic.AddUint64(&l.nextConn, 1))
		c := newConn(id, netConn)
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handle(c)
		}()
	}
}

// Close stops accepting new connections and removes the socket file.
func (l *Listener) Close() error {
	err := l.ln.Close()
	os.Remove(l.path)
	return err
}

// handle runs one connection's full lifecycle: writer startup, the
// buffered read-decode-dispatch loop, and cleanup on exit.
func (l *Listener) handle(c *Conn) {
	c.startWriter()
	defer l.cleanup(c)

	l.ring.Info("connection_opened", "accepted stream connection", map[string]any{"connection": c.ID()})

	fr := newFrameReader(c.netConn, 2*l.maxFrameBytes)

	for {
		line, err := fr.next()
		if err != nil {
			if !errors.Is(err, errConnClosed) {
				l.ring.Warn("connection_read_error", "error reading from connection", map[string]any{
					"connection": c.ID(), "error": err.Error(),
				})
			}
			return
		}
		if line == nil {
			continue
		}
		if len(line) > l.maxFrameBytes {
			c.writeFrame(errorFrame(ErrMessageTooLarge))
			continue
		}

		var frame inboundFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			c.writeFrame(errorFrame(ErrInvalidJSON))
			continue
		}

		if !l.dispatch(c, &frame) {
			return
		}
	}
}

// errConnClosed marks a frameReader error as an ordinary connection
// closure rather than a protocol violation, so cleanup logging can stay
// quiet for the common case.
var errConnClosed = errors.New("stream: connection closed")

// frameReader extracts newline-delimited frames from a net.Conn using a
// manually managed, capped growable buffer, rather than bufio.Reader's
// ReadBytes (whose internal buffer grows without any caller-imposed bound
// while scanning for a delimiter that may never arrive). Once the unparsed
// backlog holds more than limit bytes with no newline in it, the reader
// fails with buffer_exceeded; since the check runs before each read, the
// backlog can exceed limit by at most one read (4096 bytes).
type frameReader struct {
	conn  net.Conn
	limit int
	buf   []byte
	read  []byte
}

func newFrameReader(conn net.Conn, limit int) *frameReader {
	return &frameReader{conn: conn, limit: limit, read: make([]byte, 4096)}
}

// next blocks until a complete line is buffered and returns it (without
// its trailing newline), or returns the error that ended reading.
func (fr *frameReader) next() ([]byte, error) {
	for {
		if idx := indexByte(fr.buf, '\n'); idx >= 0 {
			line := fr.buf[:idx]
			fr.buf = fr.buf[idx+1:]
			return line, nil
		}

		if len(fr.buf) > fr.limit {
			return nil, fmt.Errorf("stream: %s", ErrBufferExceeded)
		}

		n, err := fr.conn.Read(fr.read)
		if n > 0 {
			grown := make([]byte, len(fr.buf)+n)
			copy(grown, fr.buf)
			copy(grown[len(fr.buf):], fr.read[:n])
			fr.buf = grown
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil, errConnClosed
			}
			return nil, err
		}
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// dispatch handles one decoded inbound frame against the connection's
// current state. It returns false when the connection must be closed.
func (l *Listener) dispatch(c *Conn, f *inboundFrame) bool {
	clientID, isAuthed := c.authed()

	if !isAuthed {
		if f.Action != "auth" {
			c.writeFrame(errorFrame(ErrAuthRequired))
			return true
		}
		return l.handleAuth(c, f)
	}

	switch f.Action {
	case "ping":
		c.writeFrame(pongFrame())
	case "whoami":
		client, _ := l.reg.Lookup(clientID)
		c.writeFrame(whoamiFrame(clientID, client.AllowList()))
	case "send":
		l.handleSend(c, clientID, f)
	default:
		c.writeFrame(errorFrame(ErrUnknownAction))
	}
	return true
}

func (l *Listener) handleAuth(c *Conn, f *inboundFrame) bool {
	client, ok := l.reg.Authenticate(f.ClientID, f.APIKey)
	if !ok {
		c.writeFrame(authFailedFrame())
		l.ring.Warn("auth_failed", "authentication rejected", map[string]any{
			"connection": c.ID(), "clientId": f.ClientID,
		})
		return false
	}

	c.markAuthed(client.ID)
	queued := l.router.QueueDepth(client.ID)
	c.writeFrame(authOkFrame(client.ID, queued))
	l.router.RegisterAndDrain(client.ID, c)
	l.ring.Info("auth_ok", "connection authenticated", map[string]any{
		"connection": c.ID(), "clientId": client.ID,
	})
	return true
}

func (l *Listener) handleSend(c *Conn, fromID string, f *inboundFrame) {
	if f.To == "" {
		c.writeFrame(errorFrame(ErrMissingTo))
		return
	}
	if !l.reg.Known(f.To) {
		c.writeFrame(errorFrame(ErrUnknownTarget))
		return
	}

	client, _ := l.reg.Lookup(fromID)
	if !client.CanSendTo(f.To) {
		c.writeFrame(errorFrame(ErrRouteNotAllowed))
		l.ring.Warn("route_denied", "send blocked by allowlist", map[string]any{
			"from": fromID, "to": f.To,
		})
		return
	}

	id := f.ID
	if id == "" {
		id = uuid.NewString()
	}
	env := envelope.New(id, fromID, f.To, f.Type, f.Payload, f.CorrelationID)

	result := l.router.Route(env)
	c.writeFrame(sentFrame(env.ID, result.DeliveredTo, result.Queued))
}

func (l *Listener) cleanup(c *Conn) {
	c.close()
	if clientID, ok := c.authed(); ok {
		l.conns.Unregister(clientID, c)
	}
	l.ring.Info("connection_closed", "stream connection closed", map[string]any{"connection": c.ID()})
}
