package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var loopback = netip.MustParseAddr("127.0.0.1")

type recorder struct {
	mu          sync.Mutex
	messages    []Message
	disconnects atomic.Int32
}

func (r *recorder) options(port int) ConnectionOptions {
	return ConnectionOptions{
		Port:         port,
		DialTimeout:  time.Second,
		WriteTimeout: time.Second,
		OnMessage: func(m Message) {
			r.mu.Lock()
			r.messages = append(r.messages, m)
			r.mu.Unlock()
		},
		OnDisconnect: func() {
			r.disconnects.Add(1)
		},
	}
}

func (r *recorder) contents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.messages))
	for i, m := range r.messages {
		out[i] = m.Content
	}
	return out
}

// listenLoopback returns a listener and a channel yielding accepted sockets.
func listenLoopback(t *testing.T) (net.Listener, <-chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	accepted := make(chan net.Conn, 4)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- c
		}
	}()
	return ln, accepted
}

func portOf(addr net.Addr) int {
	return addr.(*net.TCPAddr).Port
}

func connectTestConnection(t *testing.T) (*Connection, *recorder, net.Conn) {
	t.Helper()
	ln, accepted := listenLoopback(t)

	rec := &recorder{}
	c := NewConnection(NewPeer("remote", loopback), rec.options(portOf(ln.Addr())))
	t.Cleanup(c.Disconnect)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	select {
	case server := <-accepted:
		t.Cleanup(func() { server.Close() })
		return c, rec, server
	case <-time.After(2 * time.Second):
		t.Fatalf("server never accepted")
	}
	return nil, nil, nil
}

func TestConnectionSendWritesFrame(t *testing.T) {
	c, _, server := connectTestConnection(t)

	if !c.IsConnected() || c.State() != Connected {
		t.Fatalf("expected connected, got %v", c.State())
	}

	msg := Message{Sender: "me", Content: "hi|there", Timestamp: time.UnixMilli(42)}
	if !c.Send(msg) {
		t.Fatalf("send failed")
	}

	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(server).ReadString('\n')
	if err != nil {
		t.Fatalf("server read failed: %v", err)
	}
	if line != "me|42|hi|there\n" {
		t.Fatalf("unexpected frame %q", line)
	}
}

func TestConnectionDeliversFramesInOrder(t *testing.T) {
	_, rec, server := connectTestConnection(t)

	for i := 0; i < 20; i++ {
		fmt.Fprintf(server, "peer|%d|msg-%d\n", i, i)
	}

	if !eventually(t, 2*time.Second, func() bool { return len(rec.contents()) == 20 }) {
		t.Fatalf("expected 20 messages, got %d", len(rec.contents()))
	}
	for i, content := range rec.contents() {
		if want := fmt.Sprintf("msg-%d", i); content != want {
			t.Fatalf("message %d: got %q want %q", i, content, want)
		}
	}
}

func TestConnectionDropsMalformedFrames(t *testing.T) {
	_, rec, server := connectTestConnection(t)

	fmt.Fprint(server, "garbage\npeer|nan|x\npeer|1|ok\n")

	if !eventually(t, 2*time.Second, func() bool { return len(rec.contents()) == 1 }) {
		t.Fatalf("expected 1 message, got %v", rec.contents())
	}
	if rec.contents()[0] != "ok" {
		t.Fatalf("unexpected content %q", rec.contents()[0])
	}
}

func TestConnectionStripsCRLF(t *testing.T) {
	_, rec, server := connectTestConnection(t)

	fmt.Fprint(server, "peer|1|windows\r\n")

	if !eventually(t, 2*time.Second, func() bool { return len(rec.contents()) == 1 }) {
		t.Fatalf("message not delivered")
	}
	if got := rec.contents()[0]; got != "windows" {
		t.Fatalf("unexpected content %q", got)
	}
}

func TestConnectionRefusesUnframeableMessage(t *testing.T) {
	c, rec, server := connectTestConnection(t)

	if c.Send(Message{Sender: "me", Content: "hi\nmallory|0|forged", Timestamp: time.UnixMilli(1)}) {
		t.Fatalf("multi-line message was sent")
	}
	if !c.IsConnected() || rec.disconnects.Load() != 0 {
		t.Fatalf("refused message must not drop the connection")
	}
	if !c.Send(Message{Sender: "me", Content: "ok", Timestamp: time.UnixMilli(2)}) {
		t.Fatalf("send failed")
	}

	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(server).ReadString('\n')
	if err != nil {
		t.Fatalf("server read failed: %v", err)
	}
	if line != "me|2|ok\n" {
		t.Fatalf("unexpected frame %q", line)
	}
}

func TestConnectionConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	port := portOf(ln.Addr())
	ln.Close()

	rec := &recorder{}
	c := NewConnection(NewPeer("gone", loopback), rec.options(port))
	if err := c.Connect(context.Background()); err == nil {
		t.Fatalf("expected connect error")
	}
	if c.IsConnected() || c.State() != Disconnected {
		t.Fatalf("expected disconnected after failure, got %v", c.State())
	}
	if rec.disconnects.Load() != 0 {
		t.Fatalf("failed connect must not fire disconnect")
	}
}

func TestConnectionConnectTwice(t *testing.T) {
	c, _, _ := connectTestConnection(t)
	if err := c.Connect(context.Background()); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
}

func TestConnectionRemoteCloseFiresOnce(t *testing.T) {
	c, rec, server := connectTestConnection(t)

	server.Close()

	if !eventually(t, 2*time.Second, func() bool { return rec.disconnects.Load() == 1 }) {
		t.Fatalf("expected one disconnect, got %d", rec.disconnects.Load())
	}
	if c.IsConnected() {
		t.Fatalf("expected disconnected")
	}

	start := time.Now()
	if c.Send(NewMessage("me", "late")) {
		t.Fatalf("send on dead connection succeeded")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("send on dead connection blocked for %v", time.Since(start))
	}

	time.Sleep(50 * time.Millisecond)
	if n := rec.disconnects.Load(); n != 1 {
		t.Fatalf("expected exactly one disconnect, got %d", n)
	}
}

func TestConnectionSendAndReceiveRaceOnOneDisconnect(t *testing.T) {
	c, rec, server := connectTestConnection(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				c.Send(NewMessage("me", "spam"))
			}
		}()
	}
	server.(*net.TCPConn).SetLinger(0)
	server.Close()
	wg.Wait()

	if !eventually(t, 2*time.Second, func() bool { return !c.IsConnected() }) {
		t.Fatalf("connection never noticed the reset")
	}
	time.Sleep(50 * time.Millisecond)
	if n := rec.disconnects.Load(); n != 1 {
		t.Fatalf("expected exactly one disconnect, got %d", n)
	}
}

func TestConnectionDisconnectIsIdempotent(t *testing.T) {
	c, rec, _ := connectTestConnection(t)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Disconnect()
		}()
	}
	wg.Wait()

	if c.IsConnected() {
		t.Fatalf("expected disconnected")
	}
	if rec.disconnects.Load() != 0 {
		t.Fatalf("explicit disconnect must not fire the callback")
	}
	if c.Send(NewMessage("me", "x")) {
		t.Fatalf("send after disconnect succeeded")
	}
	if err := c.Connect(context.Background()); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}

func TestConnectionDisconnectBeforeConnect(t *testing.T) {
	c := NewConnection(NewPeer("idle", loopback), ConnectionOptions{})
	c.Disconnect()
	if c.State() != Disconnected {
		t.Fatalf("expected disconnected")
	}
}

func TestAcceptConnectionStartsConnected(t *testing.T) {
	ln, accepted := listenLoopback(t)

	client, err := net.Dial("tcp4", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer client.Close()

	var socket net.Conn
	select {
	case socket = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatalf("no accept")
	}

	rec := &recorder{}
	c := AcceptConnection(NewPeer("client", loopback), socket, rec.options(0))
	defer c.Disconnect()

	if !c.IsConnected() {
		t.Fatalf("accepted connection should start connected")
	}

	fmt.Fprint(client, "client|7|hello\n")
	if !eventually(t, 2*time.Second, func() bool { return len(rec.contents()) == 1 }) {
		t.Fatalf("message not delivered")
	}
	if c.RemoteAddr() == nil {
		t.Fatalf("expected remote addr")
	}
}

func TestConnectCancelledByContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// TEST-NET-1 is never routable, so only the context can end the dial.
	c := NewConnection(NewPeer("nowhere", netip.MustParseAddr("192.0.2.1")), ConnectionOptions{DialTimeout: 10 * time.Second})
	start := time.Now()
	if err := c.Connect(ctx); err == nil {
		t.Fatalf("expected error from cancelled context")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("cancelled connect took %v", time.Since(start))
	}
}
