// Package ui provides terminal styling for trq CLI output.
package ui

import (
	"os"

	"golang.org/x/term"
)

// IsTerminal reports whether stdout is attached to a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// ShouldUseColor decides whether styled output is appropriate.
// Precedence: NO_COLOR always wins, then CLICOLOR_FORCE, then
// CLICOLOR=0, then the TTY check.
func ShouldUseColor() bool {
	if _, set := os.LookupEnv("NO_COLOR"); set {
		return false
	}
	if os.Getenv("CLICOLOR_FORCE") != "" && os.Getenv("CLICOLOR_FORCE") != "0" {
		return true
	}
	if os.Getenv("CLICOLOR") == "0" {
		return false
	}
	return IsTerminal()
}

// ShouldUseEmoji reports whether status icons may use emoji.
// TRQ_NO_EMOJI disables them for terminals with patchy glyph support.
func ShouldUseEmoji() bool {
	if os.Getenv("TRQ_NO_EMOJI") != "" {
		return false
	}
	return IsTerminal()
}
