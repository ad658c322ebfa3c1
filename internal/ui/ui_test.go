package ui

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func newTestUI() (*UI, *bytes.Buffer, *bytes.Buffer) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	u := New(out, errOut)
	return u, out, errOut
}

func TestNew_NonTTY(t *testing.T) {
	u, _, _ := newTestUI()
	if u.isTTY {
		t.Error("expected a bytes.Buffer not to be a TTY for bytes.Buffer")
	}
}

func TestHeader(t *testing.T) {
	u, out, _ := newTestUI()
	u.Header("my-site")
	got := out.String()
	if !strings.Contains(got, "==> my-site") {
		t.Errorf("Header output = %q, want to contain %q", got, "==> my-site")
	}
}

func TestSuccess(t *testing.T) {
	u, out, _ := newTestUI()
	u.Success("Workspace paused")
	got := out.String()
	// Non-TTY uses "ok" prefix.
	if !strings.Contains(got, "  ok Workspace paused") {
		t.Errorf("Success output = %q, want to contain %q", got, "  ok Workspace paused")
	}
}

func TestKeyval(t *testing.T) {
	u, out, _ := newTestUI()
	u.Keyval("container", "abc123def456")
	got := out.String()
	if !strings.Contains(got, "container") || !strings.Contains(got, "abc123def456") {
		t.Errorf("Keyval output = %q, want to contain key and value", got)
	}
	// Verify indentation.
	if !strings.HasPrefix(got, "  ") {
		t.Errorf("Keyval output should start with two spaces, got %q", got)
	}
}

func TestDim(t *testing.T) {
	u, out, _ := newTestUI()
	u.Dim("No workspaces")
	got := out.String()
	if !strings.Contains(got, "No workspaces") {
		t.Errorf("Dim output = %q, want to contain %q", got, "No workspaces")
	}
}

func TestError(t *testing.T) {
	u, _, errOut := newTestUI()
	u.Error("something failed")
	got := errOut.String()
	if !strings.Contains(got, "error: something failed") {
		t.Errorf("Error output = %q, want to contain %q", got, "error: something failed")
	}
}

func TestStatusColor_NonTTY(t *testing.T) {
	u, _, _ := newTestUI()
	got := u.StatusColor("running")
	if got != "running" {
		t.Errorf("StatusColor() = %q, want %q (no ANSI in non-TTY)", got, "running")
	}
}

func TestTable(t *testing.T) {
	u, out, _ := newTestUI()
	headers := []string{"WORKSPACE", "TEMPLATE"}
	rows := [][]string{
		{"a1b2c3d4e5f6", "vite"},
		{"other", "static"},
	}
	u.Table(headers, rows)
	got := out.String()
	if !strings.Contains(got, "WORKSPACE") {
		t.Errorf("Table output missing header, got %q", got)
	}
	if !strings.Contains(got, "a1b2c3d4e5f6") {
		t.Errorf("Table output missing row data, got %q", got)
	}
	// Verify alignment: headers and first row should start at the same column.
	lines := strings.Split(strings.TrimSpace(got), "\n")
	if len(lines) < 2 {
		t.Fatalf("Table should have at least 2 lines, got %d", len(lines))
	}
	hdrSourceIdx := strings.Index(lines[0], "TEMPLATE")
	rowSourceIdx := strings.Index(lines[1], "vite")
	if hdrSourceIdx != rowSourceIdx {
		t.Errorf("Column alignment mismatch: header TEMPLATE at %d, row data at %d", hdrSourceIdx, rowSourceIdx)
	}
}

func TestTable_Empty(t *testing.T) {
	u, out, _ := newTestUI()
	u.Table(nil, nil)
	if out.String() != "" {
		t.Errorf("Table with no headers should produce no output, got %q", out.String())
	}
}

func TestSpinner_NonTTY(t *testing.T) {
	u, out, _ := newTestUI()
	s := u.StartSpinner("Pausing workspace")
	s.Stop()
	got := out.String()
	if !strings.Contains(got, "  Pausing workspace...") {
		t.Errorf("Spinner non-TTY output = %q, want to contain %q", got, "  Pausing workspace...")
	}
}

func TestStatusTone(t *testing.T) {
	tests := []struct {
		status string
		want   tone
	}{
		{"running", toneGood},
		{"Running", toneGood},
		{"exited", toneIdle},
		{"paused", toneIdle},
		{"created", toneIdle},
		{"absent", toneBad},
		{"no container", toneBad},
		{"not published", toneBad},
		{"dead", toneBad},
	}
	for _, tt := range tests {
		if got := statusTone(tt.status); got != tt.want {
			t.Errorf("statusTone(%q) = %d, want %d", tt.status, got, tt.want)
		}
	}
}

func TestSpinner_StopTwice(t *testing.T) {
	u, _, _ := newTestUI()
	s := u.StartSpinner("Resuming")
	first := s.Stop()
	if second := s.Stop(); second < first {
		t.Errorf("second Stop = %v, want at least %v", second, first)
	}
}

func TestFormatElapsed(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{850 * time.Millisecond, "850ms"},
		{4200 * time.Millisecond, "4.2s"},
		{125 * time.Second, "2m05s"},
		{59*time.Minute + 59*time.Second, "59m59s"},
	}
	for _, tt := range tests {
		if got := formatElapsed(tt.d); got != tt.want {
			t.Errorf("formatElapsed(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestWarn(t *testing.T) {
	u, out, _ := newTestUI()
	u.Warn("dependency install failed")
	if got := out.String(); got != "  ! dependency install failed\n" {
		t.Errorf("Warn output = %q", got)
	}
}

func TestJoinColumns_IgnoresANSI(t *testing.T) {
	colored := "\x1b[32mrunning\x1b[0m"
	got := joinColumns([]string{colored, "x"}, []int{9, 1})
	want := colored + "    x"
	if got != want {
		t.Errorf("joinColumns = %q, want %q", got, want)
	}
}
