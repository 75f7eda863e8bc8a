package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// PeerSource feeds the session its list of reachable peers.
type PeerSource interface {
	Start() error
	Stop()
	Peers() []Peer
}

// Discovery finds peers on the local network by broadcasting PING and
// collecting PONG replies. It keeps one deduplicated list keyed by address.
type Discovery struct {
	hostname   string
	listenAddr string
	target     netip.AddrPort
	interval   time.Duration
	isSelf     func(netip.Addr) bool
	log        zerolog.Logger

	conn       *net.UDPConn
	peers      []Peer
	peersMutex sync.RWMutex

	startOnce sync.Once
	stopOnce  sync.Once
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

func NewDiscovery(cfg *Config) *Discovery {
	bcast, err := netip.ParseAddr(cfg.BroadcastAddr)
	if err != nil {
		bcast = netip.IPv4Unspecified()
	}

	return &Discovery{
		hostname:   cfg.Hostname,
		listenAddr: net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.DiscoveryPort)),
		target:     netip.AddrPortFrom(bcast, uint16(cfg.DiscoveryPort)),
		interval:   cfg.BroadcastInterval,
		isSelf:     isLocalAddr,
		log:        componentLogger("discovery"),
		shutdown:   make(chan struct{}),
	}
}

// Start binds the discovery socket and launches the broadcast and receive
// loops. A bind failure leaves discovery idle: no peers will ever show up,
// but the rest of the node keeps working.
func (d *Discovery) Start() error {
	var err error
	d.startOnce.Do(func() {
		if d.stopping() {
			err = errors.New("discovery already stopped")
			return
		}

		lc := net.ListenConfig{Control: reuseControl}
		var pc net.PacketConn
		pc, err = lc.ListenPacket(context.Background(), "udp4", d.listenAddr)
		if err != nil {
			err = fmt.Errorf("failed to bind discovery socket %s: %w", d.listenAddr, err)
			d.log.Warn().Err(err).Msg("Auto-discovery disabled")
			return
		}
		d.conn = pc.(*net.UDPConn)

		// Port 0 means an ephemeral port; broadcast to wherever we landed.
		if d.target.Port() == 0 {
			d.target = netip.AddrPortFrom(d.target.Addr(), uint16(d.Addr().Port))
		}

		d.log.Info().Str("addr", d.conn.LocalAddr().String()).Str("broadcast", d.target.String()).
			Msg("Auto-discovery enabled")

		d.wg.Add(2)
		go d.receiveLoop()
		go d.broadcastLoop()
	})
	return err
}

// Stop closes the socket, which unblocks the receive loop, and waits for
// both loops to exit.
func (d *Discovery) Stop() {
	d.stopOnce.Do(func() {
		close(d.shutdown)
		if d.conn != nil {
			d.conn.Close()
		}
		d.wg.Wait()
	})
}

// Peers returns a snapshot of the discovered peers in discovery order.
func (d *Discovery) Peers() []Peer {
	d.peersMutex.RLock()
	defer d.peersMutex.RUnlock()

	out := make([]Peer, len(d.peers))
	copy(out, d.peers)
	return out
}

// Addr is the bound local address, or nil before a successful Start.
func (d *Discovery) Addr() *net.UDPAddr {
	if d.conn == nil {
		return nil
	}
	return d.conn.LocalAddr().(*net.UDPAddr)
}

func (d *Discovery) stopping() bool {
	select {
	case <-d.shutdown:
		return true
	default:
		return false
	}
}

func (d *Discovery) broadcastLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	ping := []byte(pingMessage)
	for {
		if _, err := d.conn.WriteToUDPAddrPort(ping, d.target); err != nil && !d.stopping() {
			d.log.Debug().Err(err).Msg("Broadcast failed")
		}

		select {
		case <-ticker.C:
		case <-d.shutdown:
			return
		}
	}
}

func (d *Discovery) receiveLoop() {
	defer d.wg.Done()

	buffer := make([]byte, 1024)
	for {
		n, from, err := d.conn.ReadFromUDPAddrPort(buffer)
		if err != nil {
			if d.stopping() || errors.Is(err, net.ErrClosed) {
				return
			}
			d.log.Debug().Err(err).Msg("Discovery read error")
			continue
		}
		d.handleDatagram(string(buffer[:n]), from)
	}
}

func (d *Discovery) handleDatagram(message string, from netip.AddrPort) {
	switch {
	case message == pingMessage:
		reply := []byte(pongPrefix + d.hostname)
		if _, err := d.conn.WriteToUDPAddrPort(reply, from); err != nil && !d.stopping() {
			d.log.Debug().Err(err).Str("to", from.String()).Msg("Failed to answer ping")
		}

	case strings.HasPrefix(message, pongPrefix):
		hostname := strings.TrimPrefix(message, pongPrefix)
		if hostname == "" {
			return
		}
		d.addPeer(NewPeer(hostname, from.Addr()))
	}
}

// addPeer registers a peer unless it is this machine or its address is
// already known. The first hostname seen for an address sticks.
func (d *Discovery) addPeer(peer Peer) {
	if d.isSelf != nil && d.isSelf(peer.Addr) {
		return
	}

	d.peersMutex.Lock()
	defer d.peersMutex.Unlock()

	for _, existing := range d.peers {
		if existing.Equal(peer) {
			return
		}
	}
	d.peers = append(d.peers, peer)
	d.log.Info().Str("peer", peer.Hostname).Str("addr", peer.Addr.String()).Msg("Discovered peer")
}

// isLocalAddr reports whether addr belongs to one of this machine's
// interfaces.
func isLocalAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsUnspecified() {
		return true
	}

	ifaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, a := range ifaceAddrs {
		prefix, err := netip.ParsePrefix(a.String())
		if err != nil {
			continue
		}
		if prefix.Addr().Unmap() == addr {
			return true
		}
	}
	return false
}

// StaticPeers is a fixed peer list used when discovery is turned off.
type StaticPeers []Peer

func (s StaticPeers) Start() error { return nil }
func (s StaticPeers) Stop()        {}

func (s StaticPeers) Peers() []Peer {
	out := make([]Peer, len(s))
	copy(out, s)
	return out
}
