package status

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/rickgao/intent-realtime/internal/connection"
)

// Indicator is the visual form of a connection status.
type Indicator struct {
	Icon  string
	Text  string
	Color lipgloss.Color
}

var indicators = map[connection.Status]Indicator{
	connection.StatusDisconnected: {Icon: "○", Text: "disconnected", Color: lipgloss.Color("#6b7280")},
	connection.StatusConnecting:   {Icon: "◐", Text: "connecting...", Color: lipgloss.Color("#eab308")},
	connection.StatusConnected:    {Icon: "●", Text: "connected", Color: lipgloss.Color("#22c55e")},
	connection.StatusReconnecting: {Icon: "◐", Text: "reconnecting", Color: lipgloss.Color("#f97316")},
	connection.StatusFailed:       {Icon: "◎", Text: "polling mode", Color: lipgloss.Color("#6b7280")},
}

var retryStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#9ca3af"))

// IndicatorFor returns the indicator for s. Unknown statuses render as disconnected.
func IndicatorFor(s connection.Status) Indicator {
	if ind, ok := indicators[s]; ok {
		return ind
	}
	return indicators[connection.StatusDisconnected]
}

// Label is the unstyled indicator text, e.g. "◐ reconnecting (2/5)".
func Label(state connection.ConnectionState) string {
	ind := IndicatorFor(state.Status)
	label := ind.Icon + " " + ind.Text
	if state.Status == connection.StatusReconnecting {
		label += " " + retryCount(state)
	}
	return label
}

// Render is Label styled with the indicator colour.
func Render(state connection.ConnectionState) string {
	ind := IndicatorFor(state.Status)
	style := lipgloss.NewStyle().Foreground(ind.Color)
	out := style.Render(ind.Icon) + " " + style.Render(ind.Text)
	if state.Status == connection.StatusReconnecting {
		out += " " + retryStyle.Render(retryCount(state))
	}
	return out
}

func retryCount(state connection.ConnectionState) string {
	return fmt.Sprintf("(%d/%d)", state.RetryCount, connection.MaxRetryCount)
}
