package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const maxFrameSize = 64 * 1024

var (
	ErrAlreadyConnected = errors.New("connection already active")
	ErrConnectionClosed = errors.New("connection closed")
)

type ConnectionOptions struct {
	// Port is the remote TCP port dialed by Connect.
	Port         int
	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// OnMessage is called on the receive goroutine for every frame, in
	// arrival order.
	OnMessage func(Message)
	// OnDisconnect is called at most once, when the link drops on its own.
	// It is not called after an explicit Disconnect.
	OnDisconnect func()
}

// Connection is a line-framed TCP channel to a single peer. Neither callback
// may call Disconnect on the same Connection.
type Connection struct {
	peer Peer
	opts ConnectionOptions
	log  zerolog.Logger

	mutex  sync.Mutex
	state  ConnState
	conn   net.Conn
	closed bool
	done   chan struct{}

	writeMutex sync.Mutex
}

// NewConnection prepares an outbound connection; call Connect to dial.
func NewConnection(peer Peer, opts ConnectionOptions) *Connection {
	if opts.Port == 0 {
		opts.Port = defaultChatPort
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = dialTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = writeTimeout
	}

	return &Connection{
		peer:  peer,
		opts:  opts,
		log:   componentLogger("connection").With().Str("peer", peer.Hostname).Logger(),
		state: Disconnected,
	}
}

// AcceptConnection wraps a socket handed over by the listener. It starts out
// connected with its receive loop running.
func AcceptConnection(peer Peer, conn net.Conn, opts ConnectionOptions) *Connection {
	c := NewConnection(peer, opts)
	c.adopt(conn)
	return c
}

func (c *Connection) adopt(conn net.Conn) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.attach(conn)
}

// attach must be called with c.mutex held.
func (c *Connection) attach(conn net.Conn) {
	c.conn = conn
	c.state = Connected
	c.done = make(chan struct{})
	go c.receiveLoop(conn, c.done)
}

// Connect dials the peer. On failure the connection stays disconnected and
// the error is returned; there is no retry.
func (c *Connection) Connect(ctx context.Context) error {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return ErrConnectionClosed
	}
	if c.state != Disconnected {
		c.mutex.Unlock()
		return ErrAlreadyConnected
	}
	c.state = Connecting
	c.mutex.Unlock()

	target := netip.AddrPortFrom(c.peer.Addr, uint16(c.opts.Port))
	dialer := net.Dialer{Timeout: c.opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", target.String())

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if err != nil {
		c.state = Disconnected
		return fmt.Errorf("failed to connect to %s: %w", target, err)
	}
	if c.closed {
		conn.Close()
		return ErrConnectionClosed
	}

	c.attach(conn)
	c.log.Debug().Str("remote", target.String()).Msg("Connected")
	return nil
}

// Send writes one frame. It reports false instead of an error; a write
// failure drops the connection. A message that cannot be framed is refused
// without touching the socket.
func (c *Connection) Send(msg Message) bool {
	if err := msg.CheckFrame(); err != nil {
		c.log.Debug().Err(err).Msg("Refusing to send")
		return false
	}

	c.mutex.Lock()
	if c.state != Connected {
		c.mutex.Unlock()
		return false
	}
	conn := c.conn
	c.mutex.Unlock()

	c.writeMutex.Lock()
	conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	_, err := io.WriteString(conn, msg.Serialize()+"\n")
	c.writeMutex.Unlock()

	if err == nil {
		return true
	}

	if c.markDisconnected(conn) {
		c.log.Info().Err(err).Msg("Write failed, connection lost")
		c.notifyDisconnect()
	}
	return false
}

func (c *Connection) receiveLoop(conn net.Conn, done chan struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxFrameSize)
	for scanner.Scan() {
		msg, err := DeserializeMessage(scanner.Text())
		if err != nil {
			c.log.Debug().Err(err).Msg("Dropping frame")
			continue
		}
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(msg)
		}
	}

	if c.markDisconnected(conn) {
		if err := scanner.Err(); err != nil {
			c.log.Info().Err(err).Msg("Read error, connection lost")
		} else {
			c.log.Info().Msg("Peer closed the connection")
		}
		c.notifyDisconnect()
	}
}

// markDisconnected performs the Connected to Disconnected transition for
// conn. Only the first caller wins, so the send path and the receive path
// cannot both report the same broken socket.
func (c *Connection) markDisconnected(conn net.Conn) bool {
	c.mutex.Lock()
	if c.state != Connected || c.conn != conn {
		c.mutex.Unlock()
		return false
	}
	c.state = Disconnected
	c.mutex.Unlock()

	conn.Close()
	return true
}

func (c *Connection) notifyDisconnect() {
	if c.opts.OnDisconnect != nil {
		c.opts.OnDisconnect()
	}
}

// Disconnect closes the socket and waits for the receive loop. It is
// idempotent and safe to call from several goroutines.
func (c *Connection) Disconnect() {
	c.mutex.Lock()
	c.closed = true
	c.state = Disconnected
	conn := c.conn
	done := c.done
	c.mutex.Unlock()

	if conn != nil {
		conn.Close()
	}
	if done != nil {
		<-done
	}
}

func (c *Connection) IsConnected() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.state == Connected
}

func (c *Connection) State() ConnState {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.state
}

func (c *Connection) Peer() Peer {
	return c.peer
}

func (c *Connection) RemoteAddr() net.Addr {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.RemoteAddr()
}
