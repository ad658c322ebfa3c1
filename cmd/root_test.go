package cmd

import (
	"log/slog"
	"testing"
)

func TestVersionString_Dev(t *testing.T) {
	origV, origC, origB := Version, Commit, Built
	defer func() { Version, Commit, Built = origV, origC, origB }()

	Version = "0.2.0-dev"
	Commit = "abc1234"
	Built = "2026-02-27T10:00:00Z"

	got := versionString()
	want := "cribd 0.2.0-dev (abc1234, 2026-02-27T10:00:00Z)"
	if got != want {
		t.Errorf("versionString() = %q, want %q", got, want)
	}
}

func TestVersionString_DevUnknownBuilt(t *testing.T) {
	origV, origC, origB := Version, Commit, Built
	defer func() { Version, Commit, Built = origV, origC, origB }()

	Version = "0.2.0-dev"
	Commit = "abc1234"
	Built = "unknown"

	got := versionString()
	want := "cribd 0.2.0-dev (abc1234)"
	if got != want {
		t.Errorf("versionString() = %q, want %q", got, want)
	}
}

func TestVersionString_Release(t *testing.T) {
	origV, origC, origB := Version, Commit, Built
	defer func() { Version, Commit, Built = origV, origC, origB }()

	Version = "0.2.0"
	Commit = "abc1234"
	Built = "2026-02-27T10:00:00Z"

	got := versionString()
	want := "cribd 0.2.0"
	if got != want {
		t.Errorf("versionString() = %q, want %q", got, want)
	}
}

func TestVersionString_UnknownCommit(t *testing.T) {
	origV, origC, origB := Version, Commit, Built
	defer func() { Version, Commit, Built = origV, origC, origB }()

	Version = "0.3.0-dev"
	Commit = "unknown"
	Built = "unknown"

	got := versionString()
	want := "cribd 0.3.0-dev"
	if got != want {
		t.Errorf("versionString() = %q, want %q", got, want)
	}
}

func TestParseLevel(t *testing.T) {
	orig := debugFlag
	defer func() { debugFlag = orig }()

	debugFlag = false
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"chatty", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	debugFlag = true
	if got := parseLevel("error"); got != slog.LevelDebug {
		t.Errorf("--debug should win over the config level, got %v", got)
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("0123456789abcdef"); got != "0123456789ab" {
		t.Errorf("shortID = %q", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Errorf("shortID(short) = %q", got)
	}
}
