// Package errdefs defines the error kinds the orchestrator reports to its
// callers. Lower layers keep returning their own sentinel errors; the
// lifecycle coordinator classifies them into a Kind exactly once.
package errdefs

import (
	"errors"
	"fmt"
)

// Kind is a caller-facing error category.
type Kind string

const (
	NotFound        Kind = "not_found"
	Timeout         Kind = "timeout"
	CreateFailed    Kind = "create_failed"
	ImagePullFailed Kind = "image_pull_failed"
	PushRejected    Kind = "push_rejected"
	CloneFailed     Kind = "clone_failed"
	Unauthorized    Kind = "unauthorized"
	Forbidden       Kind = "forbidden"
	ExecFailed      Kind = "exec_failed"
	NoActiveServer  Kind = "no_active_server"
	PortsMissing    Kind = "ports_missing"
	InvalidArgument Kind = "invalid_argument"
	Internal        Kind = "internal"
)

// Error carries a Kind, the operation that failed and the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return string(e.Kind)
	case e.Op == "":
		return e.Err.Error()
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf is New with a formatted cause.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost *Error in err's chain, or
// Internal when there is none. A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
