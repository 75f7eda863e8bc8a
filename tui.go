package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	tuiTickInterval = 500 * time.Millisecond
	peerPanelWidth  = 24
)

// Styles for the TUI
var (
	primaryColor    = lipgloss.Color("#7C3AED") // Purple
	accentColor     = lipgloss.Color("#10B981") // Green
	warningColor    = lipgloss.Color("#F59E0B") // Amber
	mutedColor      = lipgloss.Color("#6B7280") // Gray
	peerColor       = lipgloss.Color("#06B6D4") // Cyan
	backgroundColor = lipgloss.Color("#1F2937") // Dark gray

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	panelStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)

	focusedPanelStyle = panelStyle.
				BorderForeground(accentColor)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Background(backgroundColor).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().Bold(true)

	userMessageStyle = lipgloss.NewStyle().
				Foreground(accentColor).
				Bold(true)

	peerMessageStyle = lipgloss.NewStyle().
				Foreground(peerColor).
				Bold(true)

	timestampStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Faint(true)

	peerConnectedStyle  = lipgloss.NewStyle().Foreground(accentColor)
	peerConnectingStyle = lipgloss.NewStyle().Foreground(warningColor)
	peerSelectedStyle   = lipgloss.NewStyle().Reverse(true)
	dimStyle            = lipgloss.NewStyle().Foreground(mutedColor)
)

type keyMap struct {
	Quit    key.Binding
	Focus   key.Binding
	Up      key.Binding
	Down    key.Binding
	Connect key.Binding
	Send    key.Binding
}

var keys = keyMap{
	Quit:    key.NewBinding(key.WithKeys("ctrl+c", "esc"), key.WithHelp("esc", "quit")),
	Focus:   key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "switch panel")),
	Up:      key.NewBinding(key.WithKeys("up"), key.WithHelp("↑", "previous peer")),
	Down:    key.NewBinding(key.WithKeys("down"), key.WithHelp("↓", "next peer")),
	Connect: key.NewBinding(key.WithKeys("enter", "right"), key.WithHelp("enter", "connect")),
	Send:    key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "send")),
}

type focus int

const (
	focusPeers focus = iota
	focusInput
)

// UI is the bubbletea model. It holds no chat state of its own; every frame
// is drawn from the session.
type UI struct {
	session  *Session
	viewport viewport.Model
	input    textinput.Model
	focus    focus
	ready    bool
	width    int
	height   int
	now      time.Time
}

type tickMsg time.Time

func NewUI(session *Session) *UI {
	ti := textinput.New()
	ti.Placeholder = "Type here.."
	ti.Prompt = "> "
	ti.CharLimit = 500

	return &UI{
		session:  session,
		viewport: viewport.New(80, 20),
		input:    ti,
		focus:    focusPeers,
		now:      time.Now(),
	}
}

func (ui *UI) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, ui.tickCmd())
}

func (ui *UI) tickCmd() tea.Cmd {
	return tea.Tick(tuiTickInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (ui *UI) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			return ui, tea.Quit
		}
		if key.Matches(msg, keys.Focus) {
			ui.toggleFocus()
			return ui, nil
		}
		if ui.focus == focusPeers {
			ui.handlePeerKey(msg)
			ui.updateViewport()
			return ui, nil
		}
		if key.Matches(msg, keys.Send) {
			text := strings.TrimSpace(ui.input.Value())
			if text != "" {
				ui.session.SendMessageToSelected(text)
				ui.input.Reset()
				ui.updateViewport()
			}
			return ui, nil
		}

	case tea.WindowSizeMsg:
		ui.width = msg.Width
		ui.height = msg.Height
		ui.ready = true

		headerHeight := 3
		footerHeight := 4
		ui.viewport.Width = max(ui.width-peerPanelWidth-8, 10)
		ui.viewport.Height = max(ui.height-headerHeight-footerHeight-4, 3)
		ui.input.Width = max(ui.width-8, 10)
		ui.updateViewport()

	case tickMsg:
		ui.now = time.Time(msg)
		ui.session.RefreshPeers()
		ui.updateViewport()
		if len(ui.session.PollIncomingMessages()) > 0 {
			ui.viewport.GotoBottom()
		}
		return ui, ui.tickCmd()
	}

	var cmd tea.Cmd
	if ui.focus == focusInput {
		ui.input, cmd = ui.input.Update(msg)
	}
	var vpCmd tea.Cmd
	ui.viewport, vpCmd = ui.viewport.Update(msg)
	return ui, tea.Batch(cmd, vpCmd)
}

func (ui *UI) toggleFocus() {
	if ui.focus == focusPeers {
		ui.focus = focusInput
		ui.input.Focus()
	} else {
		ui.focus = focusPeers
		ui.input.Blur()
	}
}

func (ui *UI) handlePeerKey(msg tea.KeyMsg) {
	count := len(ui.session.Peers())
	current := ui.session.SelectedIndex()

	switch {
	case key.Matches(msg, keys.Down):
		if count > 0 {
			ui.session.SelectPeer((current + 1) % count)
		}
	case key.Matches(msg, keys.Up):
		if count > 0 {
			if current < 0 {
				current = 0
			}
			ui.session.SelectPeer((current - 1 + count) % count)
		}
	case key.Matches(msg, keys.Connect):
		if peer, ok := ui.session.SelectedPeer(); ok {
			ui.session.ConnectToPeer(peer)
		}
		ui.toggleFocus()
	}
}

func (ui *UI) updateViewport() {
	peer, ok := ui.session.SelectedPeer()
	if !ok {
		ui.viewport.SetContent(dimStyle.Render("No user selected."))
		return
	}

	history := ui.session.MessageHistory(peer)
	if len(history) == 0 {
		ui.viewport.SetContent(dimStyle.Render("No messages yet."))
		return
	}

	var content strings.Builder
	for _, msg := range history {
		content.WriteString(renderMessage(msg))
		content.WriteString("\n")
	}
	ui.viewport.SetContent(content.String())
}

func renderMessage(msg Message) string {
	style := peerMessageStyle
	if msg.FromSelf() {
		style = userMessageStyle
	}
	return fmt.Sprintf("%s: %s %s",
		style.Render(msg.Sender),
		msg.Content,
		timestampStyle.Render("["+msg.Clock()+"]"))
}

func (ui *UI) View() string {
	if !ui.ready {
		return "\n  Initializing LAN chat...\n"
	}

	header := headerStyle.Render("LAN Chat - " + ui.session.Hostname())

	mainContent := lipgloss.JoinHorizontal(lipgloss.Top, ui.renderPeerPanel(), ui.renderChatPanel())

	inputStyle := panelStyle
	if ui.focus == focusInput {
		inputStyle = focusedPanelStyle
	}
	inputArea := inputStyle.Width(ui.width - 4).Render(ui.input.View())

	return lipgloss.JoinVertical(
		lipgloss.Left,
		header,
		mainContent,
		ui.renderStatusBar(),
		inputArea,
	)
}

func (ui *UI) renderPeerPanel() string {
	var content strings.Builder
	content.WriteString(titleStyle.Render("Peers") + "\n")
	content.WriteString(strings.Repeat("─", peerPanelWidth-4) + "\n")

	peers := ui.session.Peers()
	if len(peers) == 0 {
		content.WriteString(dimStyle.Render("Searching..."))
	}

	selected := ui.session.SelectedIndex()
	for i, peer := range peers {
		marker := peerMarker(ui.session, peer)
		line := marker + " " + peer.Hostname
		switch marker {
		case "[●]":
			line = peerConnectedStyle.Render(line)
		case "[~]":
			line = peerConnectingStyle.Render(line)
		}
		if i == selected {
			line = peerSelectedStyle.Render(line)
		}
		content.WriteString(line + "\n")
	}

	style := panelStyle
	if ui.focus == focusPeers {
		style = focusedPanelStyle
	}
	return style.Width(peerPanelWidth).Height(ui.viewport.Height + 2).Render(content.String())
}

func (ui *UI) renderChatPanel() string {
	title := "No user selected"
	if peer, ok := ui.session.SelectedPeer(); ok {
		title = peer.Hostname
	}

	return panelStyle.Width(ui.viewport.Width + 2).Height(ui.viewport.Height + 2).Render(
		titleStyle.Render(title) + "\n" + ui.viewport.View())
}

func (ui *UI) renderStatusBar() string {
	left := ui.session.StatusMessage()
	if left == "" {
		left = "Ready"
	}
	right := fmt.Sprintf("Peers: %d | %s", len(ui.session.Peers()), ui.now.Format("15:04:05"))

	totalWidth := ui.width - 4
	spacing := totalWidth - lipgloss.Width(left) - lipgloss.Width(right)
	if spacing < 0 {
		spacing = 0
	}

	return statusBarStyle.Width(totalWidth).Render(left + strings.Repeat(" ", spacing) + right)
}

// RunTUI blocks until the user quits.
func RunTUI(session *Session) error {
	p := tea.NewProgram(NewUI(session), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
