package cmd

import (
	"testing"
	"time"

	"github.com/fgrehm/cribd/internal/driver"
)

func TestFormatPorts(t *testing.T) {
	tests := []struct {
		name  string
		ports []driver.PortBinding
		want  string
	}{
		{"empty", nil, ""},
		{"single", []driver.PortBinding{{HostPort: 8080, ContainerPort: 80, Protocol: "tcp"}}, "8080->80/tcp"},
		{
			"sorted by host port",
			[]driver.PortBinding{
				{HostPort: 9090, ContainerPort: 3000, Protocol: "tcp"},
				{HostPort: 8080, ContainerPort: 8080, Protocol: "tcp"},
			},
			"8080->8080/tcp, 9090->3000/tcp",
		},
		{"default protocol", []driver.PortBinding{{HostPort: 41001, ContainerPort: 5173}}, "41001->5173/tcp"},
		{
			"unpublished skipped",
			[]driver.PortBinding{
				{ContainerPort: 5173},
				{HostPort: 41002, ContainerPort: 5174, Protocol: "tcp"},
			},
			"41002->5174/tcp",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatPorts(tt.ports); got != tt.want {
				t.Errorf("formatPorts = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatTime(t *testing.T) {
	if got := formatTime(nil); got != "-" {
		t.Errorf("formatTime(nil) = %q, want -", got)
	}
	var zero time.Time
	if got := formatTime(&zero); got != "-" {
		t.Errorf("formatTime(zero) = %q, want -", got)
	}
	ts := time.Date(2026, 3, 1, 12, 30, 0, 0, time.Local)
	if got := formatTime(&ts); got != "2026-03-01 12:30:00" {
		t.Errorf("formatTime = %q", got)
	}
}
