package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/yamux"
	"github.com/juusnet/juus"
	"github.com/juusnet/juus/internal/telemetry"
	"go.uber.org/multierr"
)

// Direction tells who initiated a connection.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// State is the lifecycle stage of a Connection. States only move forward.
type State int

const (
	// StateAccepting is an inbound connection of which no bytes were checked.
	StateAccepting State = iota
	// StateAuthenticating is running the handshake and opening the stream.
	StateAuthenticating
	// StateOpen has an authenticated remote and an open stream.
	StateOpen
	// StateClosed is final, Err tells why if it failed.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepting:
		return "accepting"
	case StateAuthenticating:
		return "authenticating"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ErrNotOpen is returned by Establish on a connection that is past accepting.
var ErrNotOpen = errors.New("connection not open")

// Connection is one authenticated connection to a peer carrying one
// bidirectional stream.
type Connection struct {
	id   uuid.UUID
	dir  Direction
	conn *juus.Conn
	ep   *Endpoint

	mu      sync.Mutex
	state   State
	err     error
	remote  juus.PublicKey
	session *yamux.Session
	stream  *yamux.Stream

	doneOnce sync.Once
	done     chan struct{}
}

func newConnection(ep *Endpoint, conn *juus.Conn, dir Direction) *Connection {
	state := StateAccepting
	if dir == Outbound {
		state = StateAuthenticating
	}
	return &Connection{
		id:    uuid.New(),
		dir:   dir,
		conn:  conn,
		ep:    ep,
		state: state,
		done:  make(chan struct{}),
	}
}

// ID identifies the connection in logs.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

func (c *Connection) Direction() Direction {
	return c.dir
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns why the connection failed, or nil.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// RemotePublicKey returns the authenticated key of the peer. It is the zero key
// until the connection is open.
func (c *Connection) RemotePublicKey() juus.PublicKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// RemoteAddr returns the network address of the peer.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Stream returns the bidirectional byte stream, or nil before the connection
// is open.
func (c *Connection) Stream() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return nil
	}
	return c.stream
}

// Done is closed when the connection fails, or when the peer or the local side
// closes it.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

// Establish completes an inbound connection: handshake, remote key, then the
// stream the peer opens. On failure the connection is closed.
func (c *Connection) Establish(ctx context.Context) error {
	c.mu.Lock()
	if c.dir != Inbound || c.state != StateAccepting {
		c.mu.Unlock()
		return ErrNotOpen
	}
	c.state = StateAuthenticating
	c.mu.Unlock()

	if err := c.conn.HandshakeContext(ctx); err != nil {
		return c.fail("handshake", err)
	}
	remote, err := c.conn.RemoteStatic()
	if err != nil {
		return c.fail("handshake", err)
	}
	session, err := yamux.Server(c.conn, c.ep.yamuxConfig())
	if err != nil {
		return c.fail("session", err)
	}
	stream, err := session.AcceptStreamWithContext(ctx)
	if err != nil {
		session.Close()
		return c.fail("stream", err)
	}
	return c.open(remote, session, stream)
}

// establishOutbound runs the initiating side. The juus config of conn requires
// the dialed key.
func (c *Connection) establishOutbound(ctx context.Context) error {
	if err := c.conn.HandshakeContext(ctx); err != nil {
		return c.fail("handshake", err)
	}
	remote, err := c.conn.RemoteStatic()
	if err != nil {
		return c.fail("handshake", err)
	}
	session, err := yamux.Client(c.conn, c.ep.yamuxConfig())
	if err != nil {
		return c.fail("session", err)
	}
	stream, err := session.OpenStream()
	if err != nil {
		session.Close()
		return c.fail("stream", err)
	}
	return c.open(remote, session, stream)
}

func (c *Connection) open(remote juus.PublicKey, session *yamux.Session, stream *yamux.Stream) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		stream.Close()
		session.Close()
		return ErrNotOpen
	}
	c.remote, c.session, c.stream = remote, session, stream
	c.state = StateOpen
	telemetry.ConnectionsTotal.WithLabelValues(c.dir.String(), "open").Inc()
	telemetry.ActiveConnections.WithLabelValues(c.dir.String()).Inc()
	go func() {
		<-session.CloseChan()
		c.finish()
	}()
	return nil
}

// fail closes the connection, recording stage and err as the reason.
func (c *Connection) fail(stage string, err error) error {
	err = fmt.Errorf("%s: %w", stage, err)
	c.mu.Lock()
	if c.state != StateClosed {
		c.state = StateClosed
		c.err = err
	}
	c.mu.Unlock()
	c.conn.Close()
	c.finish()
	telemetry.ConnectionsTotal.WithLabelValues(c.dir.String(), stage).Inc()
	return err
}

// Close closes the stream and the connection. Closing twice is a no-op.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	wasOpen := c.state == StateOpen
	c.state = StateClosed
	stream, session := c.stream, c.session
	c.mu.Unlock()

	defer c.finish()
	if !wasOpen {
		return c.conn.Close()
	}
	telemetry.ActiveConnections.WithLabelValues(c.dir.String()).Dec()
	return multierr.Combine(stream.Close(), session.Close())
}
