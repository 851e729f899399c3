// Package console renders the operator-facing output of the updater:
// styled status lines, a throttled progress bar and confirmation prompts.
package console

import "github.com/charmbracelet/lipgloss"

var (
	colorSuccess = lipgloss.AdaptiveColor{Light: "#2e7d32", Dark: "#66bb6a"}
	colorError   = lipgloss.AdaptiveColor{Light: "#c62828", Dark: "#ef5350"}
	colorWarning = lipgloss.AdaptiveColor{Light: "#e65100", Dark: "#ffa726"}
	colorInfo    = lipgloss.AdaptiveColor{Light: "#0277bd", Dark: "#4fc3f7"}
	colorMuted   = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9e9e9e"}
)

var (
	styleTitle   = lipgloss.NewStyle().Bold(true).Foreground(colorInfo)
	styleKey     = lipgloss.NewStyle().Foreground(colorMuted).Width(12)
	styleSuccess = lipgloss.NewStyle().Foreground(colorSuccess).Bold(true)
	styleError   = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	styleWarning = lipgloss.NewStyle().Foreground(colorWarning).Bold(true)
	styleInfo    = lipgloss.NewStyle().Foreground(colorInfo)
	styleMuted   = lipgloss.NewStyle().Foreground(colorMuted)
)

const (
	symbolSuccess = "✓"
	symbolError   = "✗"
	symbolWarning = "!"
	symbolInfo    = "●"
)
