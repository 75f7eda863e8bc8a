package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Session is the single source of truth for peers, connections and chat
// state. View layers only ever talk to a Session.
//
// Each logical resource has its own mutex and none of them is held while a
// Connection is asked to do something that can call back into the Session.
type Session struct {
	cfg      *Config
	hostname string
	source   PeerSource
	notifier Notifier
	log      zerolog.Logger

	listener     net.Listener
	listenerDone chan struct{}
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
	workers      sync.WaitGroup

	peersMutex sync.RWMutex
	peers      []Peer
	selected   int

	connMutex   sync.Mutex
	connections map[netip.Addr]*Connection
	connecting  map[netip.Addr]bool
	closed      bool

	msgMutex sync.Mutex
	history  map[netip.Addr][]Message
	inbox    []Incoming

	statusMutex sync.RWMutex
	status      string
}

// NewSession binds the chat listener, starts accepting inbound connections
// and starts the peer source. A peer source that fails to start only means
// no peers will be found.
func NewSession(cfg *Config, source PeerSource, notifier Notifier) (*Session, error) {
	if notifier == nil {
		notifier = nopNotifier{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	lc := net.ListenConfig{Control: reuseControl}
	listener, err := lc.Listen(ctx, "tcp", cfg.ListenAddr())
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr(), err)
	}

	s := &Session{
		cfg:          cfg,
		hostname:     cfg.Hostname,
		source:       source,
		notifier:     notifier,
		log:          componentLogger("session"),
		listener:     listener,
		listenerDone: make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
		selected:     -1,
		connections:  make(map[netip.Addr]*Connection),
		connecting:   make(map[netip.Addr]bool),
		history:      make(map[netip.Addr][]Message),
	}

	s.log.Info().Str("addr", listener.Addr().String()).Str("hostname", s.hostname).Msg("Session listening")

	go s.listenLoop()

	if err := source.Start(); err != nil {
		s.log.Warn().Err(err).Msg("Peer source failed to start")
	}

	return s, nil
}

// Close tears the session down: stop flag, listener, connect workers, every
// connection, then the peer source. No callback runs once Close returns.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.connMutex.Lock()
		s.closed = true
		s.connMutex.Unlock()

		s.cancel()
		s.listener.Close()
		<-s.listenerDone

		s.workers.Wait()

		s.connMutex.Lock()
		conns := make([]*Connection, 0, len(s.connections))
		for _, c := range s.connections {
			conns = append(conns, c)
		}
		s.connections = make(map[netip.Addr]*Connection)
		s.connMutex.Unlock()

		for _, c := range conns {
			c.Disconnect()
		}

		s.source.Stop()
		s.log.Info().Msg("Session shut down")
	})
}

func (s *Session) Hostname() string {
	return s.hostname
}

// Addr is the local address of the chat listener.
func (s *Session) Addr() net.Addr {
	return s.listener.Addr()
}

// RefreshPeers replaces the peer list with the source's current snapshot.
// The selection is kept by index, so it is dropped if it fell off the end.
func (s *Session) RefreshPeers() {
	peers := s.source.Peers()

	s.peersMutex.Lock()
	defer s.peersMutex.Unlock()

	s.peers = peers
	if s.selected >= len(s.peers) {
		s.selected = -1
	}
}

func (s *Session) Peers() []Peer {
	s.peersMutex.RLock()
	defer s.peersMutex.RUnlock()

	out := make([]Peer, len(s.peers))
	copy(out, s.peers)
	return out
}

// SelectPeer selects peers[index]; anything out of range clears the
// selection.
func (s *Session) SelectPeer(index int) {
	s.peersMutex.Lock()
	defer s.peersMutex.Unlock()

	if index < 0 || index >= len(s.peers) {
		s.selected = -1
		return
	}
	s.selected = index
}

func (s *Session) SelectedIndex() int {
	s.peersMutex.RLock()
	defer s.peersMutex.RUnlock()

	if s.selected >= len(s.peers) {
		return -1
	}
	return s.selected
}

func (s *Session) SelectedPeer() (Peer, bool) {
	s.peersMutex.RLock()
	defer s.peersMutex.RUnlock()

	if s.selected < 0 || s.selected >= len(s.peers) {
		return Peer{}, false
	}
	return s.peers[s.selected], true
}

// ConnectToPeer starts an outbound connection attempt in the background.
// It returns at once if the peer is already connected or being connected to.
func (s *Session) ConnectToPeer(peer Peer) {
	if peer.IsZero() {
		return
	}
	key := peer.Key()

	s.connMutex.Lock()
	if s.closed || s.connecting[key] {
		s.connMutex.Unlock()
		return
	}
	if c := s.connections[key]; c != nil && c.IsConnected() {
		s.connMutex.Unlock()
		return
	}
	s.connecting[key] = true
	s.workers.Add(1)
	s.connMutex.Unlock()

	go s.connectWorker(peer)
}

func (s *Session) connectWorker(peer Peer) {
	defer s.workers.Done()

	key := peer.Key()
	defer func() {
		s.connMutex.Lock()
		delete(s.connecting, key)
		s.connMutex.Unlock()
	}()

	conn := s.newConnection(peer, nil)

	s.connMutex.Lock()
	old := s.connections[key]
	if old != nil && old.IsConnected() {
		// An inbound connection beat us to it.
		s.connMutex.Unlock()
		return
	}
	s.connections[key] = conn
	s.connMutex.Unlock()

	if old != nil {
		old.Disconnect()
	}

	s.log.Info().Str("peer", peer.Hostname).Msg("Connecting")
	err := conn.Connect(s.ctx)
	if err == nil {
		s.setStatus("")
		s.log.Info().Str("peer", peer.Hostname).Msg("Connected")
		return
	}

	s.connectFailed(peer, conn, err)
}

// connectFailed drops conn's registration and reports the failure, unless
// conn was displaced meanwhile or the session is shutting down.
func (s *Session) connectFailed(peer Peer, conn *Connection, err error) {
	key := peer.Key()

	s.connMutex.Lock()
	current := s.connections[key] == conn
	if current {
		delete(s.connections, key)
	}
	s.connMutex.Unlock()

	if !current || errors.Is(err, ErrConnectionClosed) || s.ctx.Err() != nil {
		return
	}

	s.log.Warn().Err(err).Str("peer", peer.Hostname).Msg("Connection attempt failed")
	s.setStatus(fmt.Sprintf("Failed to connect to %s", peer.Hostname))
}

// newConnection builds a Connection whose callbacks are bound to peer. With
// a non-nil socket the connection is an accepted, already live one.
func (s *Session) newConnection(peer Peer, socket net.Conn) *Connection {
	var conn *Connection
	opts := ConnectionOptions{
		Port:         s.cfg.DialPort(),
		DialTimeout:  s.cfg.DialTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		OnMessage: func(msg Message) {
			s.onMessageReceived(peer, msg)
		},
		OnDisconnect: func() {
			s.onDisconnect(peer, conn)
		},
	}

	conn = NewConnection(peer, opts)
	if socket != nil {
		conn.adopt(socket)
	}
	return conn
}

// DisconnectFromPeer drops the live connection to peer, if any.
func (s *Session) DisconnectFromPeer(peer Peer) {
	s.connMutex.Lock()
	conn := s.connections[peer.Key()]
	delete(s.connections, peer.Key())
	s.connMutex.Unlock()

	if conn == nil {
		return
	}
	conn.Disconnect()
	s.setStatus(fmt.Sprintf("Disconnected from %s", peer.Hostname))
}

func (s *Session) IsConnectedTo(peer Peer) bool {
	s.connMutex.Lock()
	conn := s.connections[peer.Key()]
	s.connMutex.Unlock()

	return conn != nil && conn.IsConnected()
}

func (s *Session) IsConnectingTo(peer Peer) bool {
	s.connMutex.Lock()
	defer s.connMutex.Unlock()
	return s.connecting[peer.Key()]
}

// SendMessageToSelected sends text to the selected peer. Without a live
// connection it starts connecting and returns false; the caller has to send
// again once connected. Text with line breaks is refused.
func (s *Session) SendMessageToSelected(text string) bool {
	if text == "" || strings.ContainsAny(text, lineBreaks) {
		return false
	}
	peer, ok := s.SelectedPeer()
	if !ok {
		return false
	}

	s.connMutex.Lock()
	conn := s.connections[peer.Key()]
	s.connMutex.Unlock()

	if conn == nil || !conn.IsConnected() {
		s.ConnectToPeer(peer)
		return false
	}

	wire := NewMessage(s.hostname, text)
	if !conn.Send(wire) {
		return false
	}

	local := Message{Sender: LocalSender, Content: text, Timestamp: wire.Timestamp}
	s.record(peer, local)
	return true
}

// onMessageReceived runs on a connection's receive goroutine. It is the only
// path from the network into history.
func (s *Session) onMessageReceived(from Peer, msg Message) {
	s.record(from, msg)
	s.notifier.Notify(from, msg)
}

func (s *Session) record(peer Peer, msg Message) {
	s.msgMutex.Lock()
	defer s.msgMutex.Unlock()

	key := peer.Key()
	s.history[key] = append(s.history[key], msg)
	s.inbox = append(s.inbox, Incoming{Peer: peer, Message: msg})
}

// onDisconnect forgets conn unless it has already been replaced.
func (s *Session) onDisconnect(peer Peer, conn *Connection) {
	s.connMutex.Lock()
	current := s.connections[peer.Key()] == conn
	if current {
		delete(s.connections, peer.Key())
	}
	closed := s.closed
	s.connMutex.Unlock()

	if !current || closed {
		return
	}
	s.log.Info().Str("peer", peer.Hostname).Msg("Connection lost")
	s.setStatus(fmt.Sprintf("Connection to %s lost", peer.Hostname))
}

// PollIncomingMessages drains the inbox in arrival order.
func (s *Session) PollIncomingMessages() []Incoming {
	s.msgMutex.Lock()
	defer s.msgMutex.Unlock()

	out := s.inbox
	s.inbox = nil
	if out == nil {
		out = []Incoming{}
	}
	return out
}

// MessageHistory returns the transcript for peer, oldest first.
func (s *Session) MessageHistory(peer Peer) []Message {
	s.msgMutex.Lock()
	defer s.msgMutex.Unlock()

	h := s.history[peer.Key()]
	out := make([]Message, len(h))
	copy(out, h)
	return out
}

func (s *Session) StatusMessage() string {
	s.statusMutex.RLock()
	defer s.statusMutex.RUnlock()
	return s.status
}

func (s *Session) setStatus(status string) {
	s.statusMutex.Lock()
	s.status = status
	s.statusMutex.Unlock()
}
