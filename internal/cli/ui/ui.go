// Package ui provides the CFBC CLI design system: styles, colors, symbols,
// and terminal-aware writers. All CLI visual output should use these
// definitions for consistency.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Colors. ANSI 4-bit for maximum terminal compatibility; lipgloss handles
// degradation automatically.
var (
	ColorCyan   = lipgloss.Color("6")
	ColorGreen  = lipgloss.Color("2")
	ColorYellow = lipgloss.Color("3")
	ColorRed    = lipgloss.Color("1")
)

// Semantic styles.
var (
	StyleBold     = lipgloss.NewStyle().Bold(true)
	StyleDim      = lipgloss.NewStyle().Faint(true)
	StyleCyan     = lipgloss.NewStyle().Foreground(ColorCyan)
	StyleBoldCyan = lipgloss.NewStyle().Bold(true).Foreground(ColorCyan)
	StyleBoldRed  = lipgloss.NewStyle().Bold(true).Foreground(ColorRed)

	StyleSuccess = lipgloss.NewStyle().Foreground(ColorGreen)
	StyleWarning = lipgloss.NewStyle().Foreground(ColorYellow)
	StyleError   = lipgloss.NewStyle().Foreground(ColorRed)

	StyleHint = lipgloss.NewStyle().Faint(true)
)

// Unicode status symbols.
const (
	SymbolCheck   = "✓"
	SymbolCross   = "✗"
	SymbolWarning = "⚠"
	SymbolArrow   = "→"
)

// ColorEnabled returns whether stderr is a TTY that supports color.
// Respects NO_COLOR (https://no-color.org/).
func ColorEnabled() bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	return isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
}
