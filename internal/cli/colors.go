package cli

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// stdout is the color-aware writer CLI commands render through: ANSI escapes
// pass through unchanged on real terminals, and are stripped automatically
// on Windows consoles or when output is redirected to a non-tty.
var stdout io.Writer = colorable.NewColorableStdout()

func init() {
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		lipgloss.SetColorProfile(0) // ascii, no color codes
	}
}

var (
	styleAgent    = lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Bold(true)
	styleIdle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	styleOK       = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	styleWarn     = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	styleErr      = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	styleBranch   = lipgloss.NewStyle().Foreground(lipgloss.Color("13"))
	styleDim      = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// agentSymbol returns the glyph and style used to render a worker's current
// agent in `coven status`.
func agentSymbol(agent string) (string, lipgloss.Style) {
	if agent == "" || agent == "idle" {
		return "·", styleIdle
	}
	return "●", styleAgent
}
