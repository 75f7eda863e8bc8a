package main

import (
	"net/netip"
	"time"
)

const (
	defaultChatPort      = 9000
	defaultDiscoveryPort = 9001
	defaultBroadcastAddr = "255.255.255.255"
	broadcastInterval    = 3 * time.Second
	dialTimeout          = 5 * time.Second
	writeTimeout         = 5 * time.Second

	delimiter   = '|'
	pingMessage = "PING"
	pongPrefix  = "PONG|"

	// LocalSender labels the local copy of an outbound message.
	LocalSender = "You"
)

// Peer is a remote node. Two peers with the same address are the same node;
// the hostname is only a display label.
type Peer struct {
	Hostname string
	Addr     netip.Addr
}

// NewPeer builds a Peer, unmapping IPv4-in-IPv6 addresses so that peers
// seen over UDP and TCP compare equal.
func NewPeer(hostname string, addr netip.Addr) Peer {
	return Peer{Hostname: hostname, Addr: addr.Unmap()}
}

func (p Peer) Key() netip.Addr {
	return p.Addr
}

func (p Peer) Equal(o Peer) bool {
	return p.Addr == o.Addr
}

func (p Peer) IsZero() bool {
	return !p.Addr.IsValid()
}

func (p Peer) String() string {
	return p.Hostname + " (" + p.Addr.String() + ")"
}

// Message is a single chat line.
type Message struct {
	Sender    string
	Content   string
	Timestamp time.Time
}

// Incoming pairs a message with the peer whose conversation it belongs to.
type Incoming struct {
	Peer    Peer
	Message Message
}

// ConnState is the lifecycle state of a Connection.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}
