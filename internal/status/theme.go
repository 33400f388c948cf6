package status

import "github.com/charmbracelet/lipgloss"

// Theme defines all colors used by the status TUI.
// Use DarkTheme() or LightTheme() to get a pre-built theme,
// or construct a custom Theme.
type Theme struct {
	Primary    lipgloss.Color // title, cursor
	Secondary  lipgloss.Color // selected row text
	Accent     lipgloss.Color // quick-access keys
	Error      lipgloss.Color // error workers
	Warning    lipgloss.Color // paused workers
	Success    lipgloss.Color // running workers
	Info       lipgloss.Color // completed workers
	Text       lipgloss.Color
	TextMuted  lipgloss.Color // hints, pending workers
	Background lipgloss.Color // selected row background
	Border     lipgloss.Color
}

// DarkTheme returns the default dark theme.
func DarkTheme() Theme {
	return Theme{
		Primary:    lipgloss.Color("#fab283"),
		Secondary:  lipgloss.Color("#5c9cf5"),
		Accent:     lipgloss.Color("#9d7cd8"),
		Error:      lipgloss.Color("#e06c75"),
		Warning:    lipgloss.Color("#f5a742"),
		Success:    lipgloss.Color("#7fd88f"),
		Info:       lipgloss.Color("#56b6c2"),
		Text:       lipgloss.Color("#eeeeee"),
		TextMuted:  lipgloss.Color("#808080"),
		Background: lipgloss.Color("#1e1e1e"),
		Border:     lipgloss.Color("#484848"),
	}
}

// LightTheme returns a light theme for bright terminal backgrounds.
func LightTheme() Theme {
	return Theme{
		Primary:    lipgloss.Color("#b35c00"),
		Secondary:  lipgloss.Color("#0550ae"),
		Accent:     lipgloss.Color("#6639ba"),
		Error:      lipgloss.Color("#cf222e"),
		Warning:    lipgloss.Color("#bf8700"),
		Success:    lipgloss.Color("#116329"),
		Info:       lipgloss.Color("#0969da"),
		Text:       lipgloss.Color("#1f2328"),
		TextMuted:  lipgloss.Color("#656d76"),
		Background: lipgloss.Color("#f6f8fa"),
		Border:     lipgloss.Color("#d0d7de"),
	}
}

// ThemeByName returns a theme by name. Defaults to dark.
func ThemeByName(name string) Theme {
	switch name {
	case "light":
		return LightTheme()
	default:
		return DarkTheme()
	}
}

// styles holds all lipgloss styles derived from a Theme.
type styles struct {
	title    lipgloss.Style
	header   lipgloss.Style
	selected lipgloss.Style
	key      lipgloss.Style
	running  lipgloss.Style
	paused   lipgloss.Style
	done     lipgloss.Style
	err      lipgloss.Style
	dim      lipgloss.Style
	text     lipgloss.Style
}

func newStyles(t Theme) styles {
	return styles{
		title:    lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		header:   lipgloss.NewStyle().Foreground(t.Border),
		selected: lipgloss.NewStyle().Bold(true).Foreground(t.Secondary).Background(t.Background),
		key:      lipgloss.NewStyle().Bold(true).Foreground(t.Accent),
		running:  lipgloss.NewStyle().Foreground(t.Success),
		paused:   lipgloss.NewStyle().Foreground(t.Warning),
		done:     lipgloss.NewStyle().Foreground(t.Info),
		err:      lipgloss.NewStyle().Foreground(t.Error),
		dim:      lipgloss.NewStyle().Foreground(t.TextMuted),
		text:     lipgloss.NewStyle().Foreground(t.Text),
	}
}
