package ui

import "github.com/charmbracelet/lipgloss"

var (
	Primary   = lipgloss.Color("#FF00FF")
	Secondary = lipgloss.Color("#00FFFF")
	Accent    = lipgloss.Color("#FFFF00")
	Success   = lipgloss.Color("#39FF14")
	Warning   = lipgloss.Color("#FFAD00")
	ErrorCol  = lipgloss.Color("#FF3131")
	Text      = lipgloss.Color("#FFFFFF")
	Muted     = lipgloss.Color("#888888")

	HeaderStyle = lipgloss.NewStyle().
			Foreground(Primary).
			Bold(true).
			Padding(0, 1)

	StatusLabelStyle = lipgloss.NewStyle().
				Padding(0, 1).
				Bold(true)

	LabelStyle = lipgloss.NewStyle().
			Foreground(Muted).
			Width(8)

	FocusedLabelStyle = LabelStyle.
				Foreground(Accent).
				Bold(true)

	SentStyle = lipgloss.NewStyle().
			Foreground(Secondary).
			Bold(true)

	ReceivedStyle = lipgloss.NewStyle().
			Foreground(Primary).
			Bold(true)

	MutedStyle = lipgloss.NewStyle().
			Foreground(Muted)

	ErrorTextStyle = lipgloss.NewStyle().
			Foreground(ErrorCol)

	ChatStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder(), false, false, false, true).
			BorderForeground(Muted).
			PaddingLeft(1)

	FooterStyle = lipgloss.NewStyle().
			Foreground(Muted).
			Faint(true)
)

// connectionStyle colors the connection status label.
func connectionStyle(open, connecting bool) lipgloss.Style {
	switch {
	case open:
		return StatusLabelStyle.Foreground(Success)
	case connecting:
		return StatusLabelStyle.Foreground(Warning)
	default:
		return StatusLabelStyle.Foreground(ErrorCol)
	}
}
