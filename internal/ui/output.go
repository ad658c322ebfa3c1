package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Header prints a section header: "==> msg" in bold blue.
func (u *UI) Header(msg string) {
	if u.isTTY {
		style := u.renderer.NewStyle().Bold(true).Foreground(lipgloss.Color("4"))
		u.println(style.Render("==> " + msg))
	} else {
		u.println("==> " + msg)
	}
}

// Success prints a success message: "  ✓ msg" in green (TTY) or "  ok msg" (non-TTY).
func (u *UI) Success(msg string) {
	if u.isTTY {
		style := u.renderer.NewStyle().Foreground(lipgloss.Color("2"))
		u.println(style.Render("  ✓ " + msg))
	} else {
		u.println("  ok " + msg)
	}
}

// Keyval prints a label-value pair: "  label   value" with bold fixed-width label.
func (u *UI) Keyval(key, value string) {
	padded := fmt.Sprintf("%-12s", key)
	if u.isTTY {
		style := u.renderer.NewStyle().Bold(true)
		u.printf("  %s%s\n", style.Render(padded), value)
	} else {
		u.printf("  %s%s\n", padded, value)
	}
}

// Warn prints a degraded-but-usable condition: "  ! msg" in yellow.
func (u *UI) Warn(msg string) {
	if u.isTTY {
		u.println(u.renderer.NewStyle().Foreground(lipgloss.Color("3")).Render("  ! " + msg))
	} else {
		u.println("  ! " + msg)
	}
}

// Dim prints dimmed text.
func (u *UI) Dim(msg string) {
	if u.isTTY {
		style := u.renderer.NewStyle().Faint(true)
		u.println(style.Render(msg))
	} else {
		u.println(msg)
	}
}

// Error prints an error message: "error: msg" to errOut.
// Only the "error:" prefix is styled to prevent lipgloss from mangling
// multi-line message bodies.
func (u *UI) Error(msg string) {
	if u.isTTY {
		prefix := u.renderer.NewStyle().Foreground(lipgloss.Color("1")).Render("error:")
		_, _ = fmt.Fprintf(u.errOut, "%s %s\n", prefix, msg)
	} else {
		_, _ = fmt.Fprintln(u.errOut, "error: "+msg)
	}
}

// tone classifies a workspace or container state for coloring.
type tone int

const (
	toneGood tone = iota
	toneIdle
	toneBad
)

func statusTone(status string) tone {
	switch strings.ToLower(status) {
	case "running":
		return toneGood
	case "dead", "removing", "absent", "no container", "not published":
		return toneBad
	default:
		return toneIdle
	}
}

// StatusColor colors a state: green when running, red when the container
// is gone or unreachable, yellow for everything in between.
func (u *UI) StatusColor(status string) string {
	if !u.isTTY {
		return status
	}
	color := "3"
	switch statusTone(status) {
	case toneGood:
		color = "2"
	case toneBad:
		color = "1"
	}
	return u.renderer.NewStyle().Foreground(lipgloss.Color(color)).Render(status)
}

// Table prints aligned columns under bold headers. Widths are measured
// without ANSI sequences so colored cells line up.
func (u *UI) Table(headers []string, rows [][]string) {
	if len(headers) == 0 {
		return
	}
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], lipgloss.Width(cell))
			}
		}
	}

	hdr := joinColumns(headers, widths)
	if u.isTTY {
		hdr = u.renderer.NewStyle().Bold(true).Render(hdr)
	}
	u.println(hdr)
	for _, row := range rows {
		u.println(joinColumns(row, widths))
	}
}

// joinColumns pads each cell to its column width. Cells past the known
// columns and the last column are not padded.
func joinColumns(cells []string, widths []int) string {
	var b strings.Builder
	for i, cell := range cells {
		if i > 0 {
			b.WriteString("  ")
		}
		b.WriteString(cell)
		if i < len(widths) && i < len(cells)-1 {
			b.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(cell)))
		}
	}
	return b.String()
}

// println writes a line to out, discarding errors (not recoverable in CLI output).
func (u *UI) println(msg string) {
	_, _ = fmt.Fprintln(u.out, msg)
}

// printf writes formatted output to out, discarding errors.
func (u *UI) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(u.out, format, args...)
}
