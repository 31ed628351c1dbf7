// Package ui renders a chat session and turns user input into intents.
// It only talks to the controller through Submitter and Source.
package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/omochice/peerchat/internal/conversation"
	"github.com/omochice/peerchat/internal/session"
	"github.com/omochice/peerchat/pkg/protocol"
)

// Submitter accepts user intents.
type Submitter interface {
	Submit(in conversation.Intent) error
}

// Source exposes the session for rendering.
type Source interface {
	Snapshot() conversation.Snapshot
	Updates() <-chan struct{}
}

type field int

const (
	fieldName field = iota
	fieldPeer
	fieldMessage
	fieldCount
)

// updateMsg signals that the snapshot may have changed.
type updateMsg struct{}

// Model is the Bubble Tea model of the chat view.
type Model struct {
	sub Submitter
	src Source
	now func() time.Time

	inputs   [fieldCount]textinput.Model
	focus    field
	viewport viewport.Model
	snap     conversation.Snapshot
	err      error
	width    int
	height   int
	quitting bool
}

// NewModel creates the chat view. The identity fields start from the
// current snapshot.
func NewModel(sub Submitter, src Source) Model {
	m := Model{
		sub:      sub,
		src:      src,
		now:      time.Now,
		viewport: viewport.New(80, 12),
		snap:     src.Snapshot(),
	}

	placeholders := [fieldCount]string{"Your name (e.g., Alice)", "Chat with (e.g., Bob)", "Type a message..."}
	for i := range m.inputs {
		ti := textinput.New()
		ti.Placeholder = placeholders[i]
		ti.Prompt = ""
		ti.CharLimit = 256
		ti.Width = 50
		m.inputs[i] = ti
	}
	m.inputs[fieldName].SetValue(m.snap.Identity.LocalName)
	m.inputs[fieldPeer].SetValue(m.snap.Identity.PeerName)

	switch {
	case m.snap.Identity.LocalName == "":
		m.focus = fieldName
	case m.snap.Identity.PeerName == "":
		m.focus = fieldPeer
	default:
		m.focus = fieldMessage
	}
	m.inputs[m.focus].Focus()
	m.refresh()
	return m
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitForUpdate(m.src.Updates()))
}

func waitForUpdate(updates <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		if _, ok := <-updates; !ok {
			return nil
		}
		return updateMsg{}
	}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case updateMsg:
		m.snap = m.src.Snapshot()
		m.refresh()
		return m, waitForUpdate(m.src.Updates())

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.viewport.Width = max(msg.Width-4, 20)
		// header, status, two identity rows, input, footer and borders
		m.viewport.Height = max(msg.Height-9, 3)
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "tab", "down":
			return m, m.setFocus((m.focus + 1) % fieldCount)
		case "shift+tab", "up":
			return m, m.setFocus((m.focus + fieldCount - 1) % fieldCount)
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		case "ctrl+x":
			m.submit(conversation.ClearIdentity{})
			for i := range m.inputs {
				m.inputs[i].Reset()
			}
			return m, m.setFocus(fieldName)
		case "enter":
			return m, m.enter()
		}

	case error:
		m.err = msg
		return m, nil
	}

	var cmd tea.Cmd
	m.inputs[m.focus], cmd = m.inputs[m.focus].Update(msg)
	return m, cmd
}

func (m *Model) enter() tea.Cmd {
	switch m.focus {
	case fieldName, fieldPeer:
		name := strings.TrimSpace(m.inputs[fieldName].Value())
		peer := strings.TrimSpace(m.inputs[fieldPeer].Value())
		if name == "" {
			return m.setFocus(fieldName)
		}
		m.submit(conversation.SetIdentity{LocalName: name, PeerName: peer})
		if peer == "" {
			return m.setFocus(fieldPeer)
		}
		return m.setFocus(fieldMessage)

	case fieldMessage:
		body := strings.TrimSpace(m.inputs[fieldMessage].Value())
		if body == "" {
			return nil
		}
		m.submit(conversation.SendMessage{Body: body})
		m.inputs[fieldMessage].Reset()
	}
	return nil
}

func (m *Model) submit(in conversation.Intent) {
	if err := m.sub.Submit(in); err != nil {
		m.err = err
		return
	}
	m.err = nil
}

func (m *Model) setFocus(f field) tea.Cmd {
	m.inputs[m.focus].Blur()
	m.focus = f
	return m.inputs[f].Focus()
}

// refresh re-renders the message list into the viewport.
func (m *Model) refresh() {
	m.viewport.SetContent(RenderMessages(m.snap.Messages, m.snap.Identity.LocalName, m.now()))
	m.viewport.GotoBottom()
}

// RenderMessages formats a conversation view, one message per line.
func RenderMessages(msgs []protocol.Message, local string, now time.Time) string {
	if len(msgs) == 0 {
		return MutedStyle.Render("No messages yet.")
	}

	var b strings.Builder
	for i, msg := range msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		name := ReceivedStyle.Render(msg.From)
		if msg.From == local {
			name = SentStyle.Render(msg.From)
		}
		b.WriteString(name + ": " + msg.Body)
		if at := msg.Time(); !at.IsZero() {
			b.WriteString(" " + MutedStyle.Render(humanize.RelTime(at, now, "ago", "from now")))
		}
	}
	return b.String()
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return "Bye!\n"
	}

	var b strings.Builder
	b.WriteString(HeaderStyle.Render("peerchat") + m.status() + "\n")

	labels := [fieldCount]string{"Name", "Peer", "Message"}
	for _, f := range []field{fieldName, fieldPeer} {
		b.WriteString(m.label(f, labels[f]) + m.inputs[f].View() + "\n")
	}

	title := "Chat with: ..."
	if peer := m.snap.Identity.PeerName; peer != "" {
		title = "Chat with: " + peer
	}
	b.WriteString(MutedStyle.Render(title) + "\n")
	b.WriteString(ChatStyle.Render(m.viewport.View()) + "\n")
	b.WriteString(m.label(fieldMessage, labels[fieldMessage]) + m.inputs[fieldMessage].View() + "\n")

	if m.err != nil {
		b.WriteString(ErrorTextStyle.Render("✘ "+m.err.Error()) + "\n")
	}
	b.WriteString(FooterStyle.Render("▸ Enter: submit • Tab: next field • Ctrl+X: clear identity • Esc: quit"))
	return b.String()
}

func (m Model) label(f field, text string) string {
	if f == m.focus {
		return FocusedLabelStyle.Render(text)
	}
	return LabelStyle.Render(text)
}

func (m Model) status() string {
	conn := m.snap.Connection
	label := connectionStyle(conn == session.Open, conn == session.Connecting).
		Render(statusText(conn))
	return label + MutedStyle.Render(fmt.Sprintf("(%s)", m.snap.State))
}

func statusText(s session.State) string {
	switch s {
	case session.Open:
		return "Connected"
	case session.Connecting:
		return "Connecting"
	default:
		return "Disconnected"
	}
}
