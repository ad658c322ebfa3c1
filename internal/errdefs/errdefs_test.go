package errdefs

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"plain", base, Internal},
		{"direct", New(NotFound, "read", base), NotFound},
		{"wrapped", fmt.Errorf("outer: %w", New(Timeout, "exec", base)), Timeout},
		{"outermost wins", New(CreateFailed, "create", New(ImagePullFailed, "pull", base)), CreateFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestError_UnwrapsCause(t *testing.T) {
	cause := errors.New("no such file")
	err := New(NotFound, "read index.txt", cause)
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to reach the cause")
	}
	if err.Error() != "read index.txt: no such file" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !Is(err, NotFound) || Is(err, Timeout) {
		t.Error("Is() mismatch")
	}
}

func TestError_Messages(t *testing.T) {
	if got := (&Error{Kind: Forbidden}).Error(); got != "forbidden" {
		t.Errorf("got %q", got)
	}
	if got := (&Error{Kind: Forbidden, Op: "pause"}).Error(); got != "pause: forbidden" {
		t.Errorf("got %q", got)
	}
	if got := Newf(InvalidArgument, "", "bad %s", "path").Error(); got != "bad path" {
		t.Errorf("got %q", got)
	}
}
