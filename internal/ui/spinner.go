package ui

import (
	"fmt"
	"sync"
	"time"
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// spinnerTick is the redraw interval. Elapsed time is shown once an
// operation passes spinnerShowElapsed, since pulls and clones can take
// minutes.
const (
	spinnerTick        = 80 * time.Millisecond
	spinnerShowElapsed = 2 * time.Second
)

// Spinner shows that a long operation is in progress.
type Spinner struct {
	start   time.Time
	once    sync.Once
	done    chan struct{}
	stopped chan struct{}
}

// StartSpinner begins an animated spinner with msg. Without a TTY it prints
// msg once. Stop clears the line.
func (u *UI) StartSpinner(msg string) *Spinner {
	s := &Spinner{
		start:   time.Now(),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if !u.isTTY {
		u.printf("  %s...\n", msg)
		close(s.stopped)
		return s
	}

	go func() {
		defer close(s.stopped)
		ticker := time.NewTicker(spinnerTick)
		defer ticker.Stop()
		for i := 0; ; i++ {
			select {
			case <-s.done:
				_, _ = fmt.Fprint(u.out, "\r\033[K")
				return
			case <-ticker.C:
				line := spinnerFrames[i%len(spinnerFrames)] + " " + msg
				if d := time.Since(s.start); d >= spinnerShowElapsed {
					line += u.renderer.NewStyle().Faint(true).Render(" " + formatElapsed(d))
				}
				_, _ = fmt.Fprintf(u.out, "\r\033[K  %s", line)
			}
		}
	}()
	return s
}

// Stop halts the spinner and returns how long it ran. Safe to call twice.
func (s *Spinner) Stop() time.Duration {
	s.once.Do(func() { close(s.done) })
	<-s.stopped
	return time.Since(s.start)
}

// formatElapsed renders d as "850ms", "4.2s" or "2m05s".
func formatElapsed(d time.Duration) string {
	switch {
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		d = d.Round(time.Second)
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
}
