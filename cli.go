package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

const cliPollInterval = 250 * time.Millisecond

// CLI is the line-oriented front end used when the TUI is off.
type CLI struct {
	session *Session
	in      io.Reader
	out     io.Writer

	outMutex   sync.Mutex
	lastStatus string
	shutdown   chan struct{}
	wg         sync.WaitGroup
}

func NewCLI(session *Session, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		session:  session,
		in:       in,
		out:      out,
		shutdown: make(chan struct{}),
	}
}

// Run reads commands until /quit or end of input.
func (c *CLI) Run() error {
	c.printf("Node %s listening on %s\n", c.session.Hostname(), c.session.Addr())
	c.printf("Commands: /help for help, /quit to exit\n")

	c.wg.Add(1)
	go c.pollLoop()
	defer func() {
		close(c.shutdown)
		c.wg.Wait()
	}()

	scanner := bufio.NewScanner(c.in)
	for scanner.Scan() {
		if quit := c.handleInput(strings.TrimSpace(scanner.Text())); quit {
			return nil
		}
	}
	return scanner.Err()
}

func (c *CLI) pollLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(cliPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.flush()
		case <-c.shutdown:
			return
		}
	}
}

// flush prints queued messages and any status change.
func (c *CLI) flush() {
	for _, in := range c.session.PollIncomingMessages() {
		if in.Message.FromSelf() {
			continue
		}
		c.printf("[%s] %s: %s\n", in.Message.Clock(), in.Message.Sender, in.Message.Content)
	}

	status := c.session.StatusMessage()
	c.outMutex.Lock()
	changed := status != c.lastStatus
	c.lastStatus = status
	c.outMutex.Unlock()
	if changed && status != "" {
		c.printf("* %s\n", status)
	}
}

func (c *CLI) handleInput(input string) bool {
	cmd, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)

	switch {
	case input == "":
	case cmd == "/quit" || cmd == "/exit":
		return true
	case cmd == "/help":
		c.showHelp()
	case cmd == "/peers":
		c.session.RefreshPeers()
		c.listPeers()
	case cmd == "/select":
		c.selectPeer(arg)
	case cmd == "/connect":
		if arg != "" && !c.selectPeer(arg) {
			return false
		}
		if peer, ok := c.session.SelectedPeer(); ok {
			c.session.ConnectToPeer(peer)
			c.printf("Connecting to %s...\n", peer.Hostname)
		} else {
			c.printf("No peer selected\n")
		}
	case cmd == "/disconnect":
		if peer, ok := c.session.SelectedPeer(); ok {
			c.session.DisconnectFromPeer(peer)
		}
	case cmd == "/history":
		c.showHistory()
	case cmd == "/status":
		c.printf("%s\n", c.session.StatusMessage())
	case strings.HasPrefix(cmd, "/"):
		c.printf("Unknown command %s, try /help\n", cmd)
	default:
		c.send(input)
	}
	return false
}

func (c *CLI) send(text string) {
	peer, ok := c.session.SelectedPeer()
	if !ok {
		c.printf("No peer selected. Use /peers and /select <n>\n")
		return
	}
	if c.session.SendMessageToSelected(text) {
		return
	}
	if !c.session.IsConnectedTo(peer) {
		c.printf("Not connected to %s yet, connecting. Send again once connected.\n", peer.Hostname)
	}
}

func (c *CLI) selectPeer(arg string) bool {
	c.session.RefreshPeers()
	index, err := strconv.Atoi(arg)
	if err != nil {
		c.printf("Usage: /select <n>\n")
		return false
	}
	c.session.SelectPeer(index)
	peer, ok := c.session.SelectedPeer()
	if !ok {
		c.printf("No peer %d\n", index)
		return false
	}
	c.printf("Selected %s\n", peer)
	return true
}

func (c *CLI) listPeers() {
	peers := c.session.Peers()
	if len(peers) == 0 {
		c.printf("No peers discovered\n")
		return
	}

	selected := c.session.SelectedIndex()
	c.printf("Peers:\n")
	for i, peer := range peers {
		marker := " "
		if i == selected {
			marker = ">"
		}
		c.printf("%s %d. %s %s\n", marker, i, peerMarker(c.session, peer), peer)
	}
}

func (c *CLI) showHistory() {
	peer, ok := c.session.SelectedPeer()
	if !ok {
		c.printf("No peer selected\n")
		return
	}
	history := c.session.MessageHistory(peer)
	if len(history) == 0 {
		c.printf("No messages yet.\n")
		return
	}
	for _, msg := range history {
		c.printf("[%s] %s: %s\n", msg.Clock(), msg.Sender, msg.Content)
	}
}

func (c *CLI) showHelp() {
	c.printf(`Available Commands:
  /peers          - List discovered peers
  /select <n>     - Select peer n
  /connect [n]    - Connect to the selected peer (or peer n)
  /disconnect     - Drop the connection to the selected peer
  /history        - Show the conversation with the selected peer
  /status         - Show the last status message
  /help           - Show this help
  /quit           - Exit application
Anything else is sent to the selected peer.
`)
}

func (c *CLI) printf(format string, args ...any) {
	c.outMutex.Lock()
	defer c.outMutex.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// peerMarker renders a peer's connection state the same way in both views.
func peerMarker(s *Session, peer Peer) string {
	switch {
	case s.IsConnectedTo(peer):
		return "[●]"
	case s.IsConnectingTo(peer):
		return "[~]"
	default:
		return "[ ]"
	}
}
