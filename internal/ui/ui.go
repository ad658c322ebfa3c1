// Package ui renders the admin commands' terminal output. Styling is only
// applied when stdout is a terminal and NO_COLOR is unset.
package ui

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/term"
)

// UI writes styled output to out and errors to errOut.
type UI struct {
	out      io.Writer
	errOut   io.Writer
	isTTY    bool
	renderer *lipgloss.Renderer
}

// New creates a UI. Terminal detection is done on out.
func New(out, errOut io.Writer) *UI {
	styled := false
	if f, ok := out.(*os.File); ok && os.Getenv("NO_COLOR") == "" {
		styled = term.IsTerminal(f.Fd())
	}
	return &UI{
		out:      out,
		errOut:   errOut,
		isTTY:    styled,
		renderer: lipgloss.NewRenderer(out),
	}
}
