package ui

import (
	"os"

	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// IsTerminal reports whether stdout is attached to a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// ShouldUseColor decides whether output gets ANSI styling. NO_COLOR and
// CLICOLOR=0 disable color (NO_COLOR wins over everything), CLICOLOR_FORCE
// enables it even when stdout is not a terminal, and otherwise color
// follows the TTY check.
func ShouldUseColor() bool {
	if termenv.EnvNoColor() {
		return false
	}
	if force := os.Getenv("CLICOLOR_FORCE"); force != "" && force != "0" {
		return true
	}
	return IsTerminal()
}

// ShouldUseEmoji reports whether status icons may use emoji. POLY_NO_EMOJI
// disables them; otherwise they follow the TTY check.
func ShouldUseEmoji() bool {
	if os.Getenv("POLY_NO_EMOJI") != "" {
		return false
	}
	return IsTerminal()
}

// IsAgentMode reports whether output is being consumed by an automation
// agent rather than a person. Agents get plain, stable text with no
// styling or pagination.
func IsAgentMode() bool {
	return os.Getenv("POLY_AGENT_MODE") != ""
}

// TerminalWidth returns the stdout terminal width, or fallback when the
// size cannot be determined.
func TerminalWidth(fallback int) int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	return fallback
}
