package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/rickgao/intent-realtime/internal/bus"
	"github.com/rickgao/intent-realtime/internal/cache"
	"github.com/rickgao/intent-realtime/internal/connection"
)

// StateMsg carries a connection state change into the program.
type StateMsg connection.ConnectionState

// InvalidatedMsg carries an invalidated cache prefix into the program.
type InvalidatedMsg struct {
	Key cache.Key
	At  time.Time
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#9ca3af"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#ef4444"))
	panelStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#4b5563")).
			Padding(0, 1)
)

// recentKeys is how many invalidated prefixes the view keeps.
const recentKeys = 5

// Model is the bubbletea model of the status view.
type Model struct {
	title         string
	state         connection.ConnectionState
	invalidations int
	recent        []InvalidatedMsg
	inbound       <-chan tea.Msg
	quitting      bool
}

// NewModel builds a model that starts from initial and reads further
// messages from inbound.
func NewModel(title string, initial connection.ConnectionState, inbound <-chan tea.Msg) Model {
	return Model{title: title, state: initial, inbound: inbound}
}

// State returns the last connection state seen.
func (m Model) State() connection.ConnectionState {
	return m.state
}

// Invalidations returns how many invalidation events were seen.
func (m Model) Invalidations() int {
	return m.invalidations
}

func (m Model) Init() tea.Cmd {
	return waitForMsg(m.inbound)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case StateMsg:
		m.state = connection.ConnectionState(msg)
		return m, waitForMsg(m.inbound)
	case InvalidatedMsg:
		m.invalidations++
		m.recent = append(m.recent, msg)
		if len(m.recent) > recentKeys {
			m.recent = m.recent[len(m.recent)-recentKeys:]
		}
		return m, waitForMsg(m.inbound)
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(m.title))
	b.WriteString("\n\n")
	b.WriteString(Render(m.state))
	b.WriteString("\n")

	if !m.state.LastConnected.IsZero() {
		b.WriteString(mutedStyle.Render("last connected " + m.state.LastConnected.Format(time.RFC3339)))
		b.WriteString("\n")
	}
	if m.state.LastError != nil {
		b.WriteString(errorStyle.Render("error: " + m.state.LastError.Error()))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("invalidations: %d\n", m.invalidations))
	for i := len(m.recent) - 1; i >= 0; i-- {
		ev := m.recent[i]
		b.WriteString(mutedStyle.Render(ev.At.Format("15:04:05") + " " + ev.Key.String()))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(mutedStyle.Render("q to quit"))

	return panelStyle.Render(b.String())
}

func waitForMsg(ch <-chan tea.Msg) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return nil
		}
		return msg
	}
}

// Attach forwards bus events into a tea.Msg channel for NewModel.
// stop must be called before the bus is closed.
func Attach(b bus.MessageBus, logger *slog.Logger) (<-chan tea.Msg, func()) {
	if logger == nil {
		logger = slog.Default()
	}

	out := make(chan tea.Msg, 64)
	done := make(chan struct{})

	forward := func(msg tea.Msg) {
		select {
		case out <- msg:
		case <-done:
		}
	}

	stopState := bus.Listen(b, bus.TopicConnectionState, logger, func(s connection.ConnectionState) {
		forward(StateMsg(s))
	})
	stopInvalidated := bus.Listen(b, bus.TopicCacheInvalidated, logger, func(k cache.Key) {
		forward(InvalidatedMsg{Key: k, At: time.Now()})
	})

	return out, func() {
		close(done)
		stopState()
		stopInvalidated()
	}
}

// Run shows the status view on the terminal until the user quits or ctx ends.
func Run(ctx context.Context, b bus.MessageBus, initial connection.ConnectionState, logger *slog.Logger) error {
	inbound, stop := Attach(b, logger)
	defer stop()

	p := tea.NewProgram(NewModel("intentsync", initial, inbound), tea.WithContext(ctx), tea.WithAltScreen())
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("run status view: %w", err)
	}
	return nil
}
