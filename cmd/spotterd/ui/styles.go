// Package ui renders the live watch view for the spotter CLI.
package ui

import (
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Verdict and state colors, same in both modes.
var (
	ColorConfirm = lipgloss.Color("#8BC34A") // green, target found
	ColorDeny    = lipgloss.Color("#e53935") // red, failed / denied
	ColorCaution = lipgloss.Color("#FFC107") // yellow, planning / replanning
	ColorActive  = lipgloss.Color("#2196F3") // blue, executing
)

// Theme holds the current color scheme.
type Theme struct {
	Foreground lipgloss.Color
	Primary    lipgloss.Color
	Muted      lipgloss.Color
	Border     lipgloss.Color
	IsDark     bool
}

// LightTheme returns the light mode theme.
func LightTheme() Theme {
	return Theme{
		Foreground: lipgloss.Color("#101F38"),
		Primary:    lipgloss.Color("#101F38"),
		Muted:      lipgloss.Color("#8a93a3"),
		Border:     lipgloss.Color("#dce0e5"),
		IsDark:     false,
	}
}

// DarkTheme returns the dark mode theme.
func DarkTheme() Theme {
	return Theme{
		Foreground: lipgloss.Color("#f2f2f2"),
		Primary:    lipgloss.Color("#8BC34A"),
		Muted:      lipgloss.Color("#6b7689"),
		Border:     lipgloss.Color("#2a3850"),
		IsDark:     true,
	}
}

// DetectTheme guesses dark mode from COLORFGBG, falling back to the
// SPOTTER_DARK_MODE override, then light.
func DetectTheme() Theme {
	if colorTerm := os.Getenv("COLORFGBG"); colorTerm != "" {
		// Format is "foreground;background"; ANSI 0-6 and 8 are dark.
		parts := strings.Split(colorTerm, ";")
		if len(parts) == 2 {
			if bgIdx, err := strconv.Atoi(parts[1]); err == nil {
				if (bgIdx >= 0 && bgIdx <= 6) || bgIdx == 8 {
					return DarkTheme()
				}
			}
		}
	}
	if os.Getenv("SPOTTER_DARK_MODE") == "1" {
		return DarkTheme()
	}
	return LightTheme()
}

// Styles holds the styled components of the watch view.
type Styles struct {
	Theme Theme

	Header lipgloss.Style
	Footer lipgloss.Style
	Label  lipgloss.Style
	Value  lipgloss.Style
	Muted  lipgloss.Style

	Success lipgloss.Style
	Error   lipgloss.Style
	Warning lipgloss.Style
	Info    lipgloss.Style

	Spinner lipgloss.Style
	Badge   lipgloss.Style
}

// NewStyles creates a Styles instance with the given theme.
func NewStyles(theme Theme) Styles {
	return Styles{
		Theme: theme,

		Header: lipgloss.NewStyle().
			Background(theme.Primary).
			Foreground(lipgloss.Color("#ffffff")).
			Padding(0, 2).
			Bold(true),

		Footer: lipgloss.NewStyle().
			Foreground(theme.Muted).
			Padding(0, 2),

		Label: lipgloss.NewStyle().
			Foreground(theme.Muted),

		Value: lipgloss.NewStyle().
			Foreground(theme.Foreground),

		Muted: lipgloss.NewStyle().
			Foreground(theme.Muted),

		Success: lipgloss.NewStyle().
			Foreground(ColorConfirm).
			Bold(true),

		Error: lipgloss.NewStyle().
			Foreground(ColorDeny).
			Bold(true),

		Warning: lipgloss.NewStyle().
			Foreground(ColorCaution).
			Bold(true),

		Info: lipgloss.NewStyle().
			Foreground(ColorActive),

		Spinner: lipgloss.NewStyle().
			Foreground(ColorActive),

		Badge: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#ffffff")).
			Padding(0, 1).
			Bold(true),
	}
}

// DefaultStyles returns styles with the auto-detected theme.
func DefaultStyles() Styles {
	return NewStyles(DetectTheme())
}
