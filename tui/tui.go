// Package tui renders the live transcript while a recording is running:
// committed lines stay put, the current partial hypothesis shimmers in
// gray underneath.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"meetscribe/session"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1)

	// Dark gray foreground for partial transcripts
	partialStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
)

// Model is the bubbletea model for a recording session.
type Model struct {
	viewport  viewport.Model
	events    <-chan session.Event
	meetingID string
	committed []string
	partial   string
	lastError string
	done      bool
	ready     bool
}

func NewModel(events <-chan session.Event) Model {
	return Model{events: events}
}

func (m Model) Init() tea.Cmd {
	return waitForEvent(m.events)
}

func waitForEvent(events <-chan session.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return sessionEnded{}
		}
		return ev
	}
}

type sessionEnded struct{}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		headerHeight := lipgloss.Height(m.headerView())
		footerHeight := lipgloss.Height(m.footerView())
		verticalMarginHeight := headerHeight + footerHeight

		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-verticalMarginHeight)
			m.viewport.YPosition = headerHeight
			m.viewport.SetContent(m.transcriptView())
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - verticalMarginHeight
		}

	case session.Event:
		m = m.apply(msg)
		m.viewport.SetContent(m.transcriptView())
		m.viewport.GotoBottom()
		cmds = append(cmds, waitForEvent(m.events))

	case sessionEnded:
		m.done = true
		return m, tea.Quit
	}

	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m Model) apply(ev session.Event) Model {
	switch ev.Kind {
	case session.EventStarted:
		m.meetingID = ev.MeetingID
	case session.EventPartial:
		m.partial = ev.Text
	case session.EventCommitted:
		m.committed = append(m.committed, ev.Text)
		m.partial = ""
	case session.EventServerError:
		m.lastError = ev.Message
	case session.EventDisconnected:
		m.lastError = "connection lost"
		m.done = true
	case session.EventClosed:
		m.done = true
	}
	return m
}

func (m Model) View() string {
	if !m.ready {
		return "\n  Initializing..."
	}
	return fmt.Sprintf(
		"%s\n%s\n%s",
		m.headerView(),
		m.viewport.View(),
		m.footerView(),
	)
}

func (m Model) headerView() string {
	label := "Recording"
	if m.meetingID != "" {
		label = "Recording " + m.meetingID
	}
	if m.done {
		label = "Finished"
	}
	title := titleStyle.Render(label)
	line := strings.Repeat("─", max(0, m.viewport.Width-lipgloss.Width(title)))
	return lipgloss.JoinHorizontal(lipgloss.Center, title, line)
}

func (m Model) footerView() string {
	label := "Press q to stop recording"
	if m.lastError != "" {
		label = errorStyle.Render(m.lastError)
	}
	info := titleStyle.Render(label)
	line := strings.Repeat("─", max(0, m.viewport.Width-lipgloss.Width(info)))
	return lipgloss.JoinHorizontal(lipgloss.Center, line, info)
}

func (m Model) transcriptView() string {
	var b strings.Builder
	for _, line := range m.committed {
		b.WriteString(line)
		b.WriteString("\n")
	}
	if m.partial != "" {
		b.WriteString(partialStyle.Render(m.partial))
		b.WriteString("\n")
	}
	return b.String()
}

// Transcript returns the committed lines, for printing after the UI exits.
func (m Model) Transcript() []string {
	return m.committed
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
