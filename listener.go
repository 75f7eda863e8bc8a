package main

import (
	"errors"
	"net"
	"net/netip"
	"time"
)

const acceptBackoff = 50 * time.Millisecond

// listenLoop accepts unsolicited connections for the lifetime of the
// session. A socket is paired to a peer purely by its remote IP; unknown
// senders are hung up on.
func (s *Session) listenLoop() {
	defer close(s.listenerDone)

	for {
		socket, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Debug().Err(err).Msg("Accept error")
			time.Sleep(acceptBackoff)
			continue
		}

		s.handleInbound(socket)
	}
}

func (s *Session) handleInbound(socket net.Conn) {
	remote, err := netip.ParseAddrPort(socket.RemoteAddr().String())
	if err != nil {
		socket.Close()
		return
	}

	peer, ok := s.peerByAddr(remote.Addr().Unmap())
	if !ok {
		s.log.Debug().Str("remote", remote.String()).Msg("Rejecting connection from unknown address")
		socket.Close()
		return
	}

	s.connMutex.Lock()
	if s.closed {
		s.connMutex.Unlock()
		socket.Close()
		return
	}
	old := s.connections[peer.Key()]
	conn := s.newConnection(peer, socket)
	s.connections[peer.Key()] = conn
	s.connMutex.Unlock()

	// Newest inbound connection wins, including over an outbound attempt
	// still in flight.
	if old != nil {
		old.Disconnect()
	}

	s.setStatus("")
	s.log.Info().Str("peer", peer.Hostname).Str("remote", remote.String()).Msg("Accepted connection")
}

// peerByAddr looks addr up in the current peer list, then in the source's
// latest snapshot for peers the view has not refreshed yet.
func (s *Session) peerByAddr(addr netip.Addr) (Peer, bool) {
	s.peersMutex.RLock()
	for _, p := range s.peers {
		if p.Addr == addr {
			s.peersMutex.RUnlock()
			return p, true
		}
	}
	s.peersMutex.RUnlock()

	for _, p := range s.source.Peers() {
		if p.Addr == addr {
			return p, true
		}
	}
	return Peer{}, false
}
