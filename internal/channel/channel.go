// Package channel runs commands inside workspace containers and collects
// their combined output from the runtime's multiplexed exec stream.
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/fgrehm/cribd/internal/driver"
)

// Timeouts for exec calls. Heavy operations (clone, install, push) get the
// default; log probes that tolerate partial output use ProbeTimeout.
const (
	DefaultTimeout = 120 * time.Second
	ProbeTimeout   = time.Second
)

var (
	// ErrExecFailed is returned when the container cannot accept a new exec
	// session (not running, gone, runtime unreachable).
	ErrExecFailed = errors.New("exec failed")

	// ErrTimeout is returned when the command does not complete in time.
	ErrTimeout = errors.New("exec timed out")
)

// Execer is the slice of the runtime driver the channel needs.
type Execer interface {
	ExecContainer(ctx context.Context, containerID string, opts *driver.ExecOptions) (*driver.ExecSession, error)
}

// Options tune a single exec call. Nothing here outlives the call.
type Options struct {
	WorkingDir string
	Env        []string
	User       string

	// Timeout bounds the call; zero means DefaultTimeout.
	Timeout time.Duration

	// AllowPartial turns a timeout into a successful, partial result.
	AllowPartial bool
}

// Result is the outcome of a completed (or partially read) exec.
type Result struct {
	Output   string
	ExitCode int
	Partial  bool
}

// CommandError reports a command that ran but exited non-zero. Output keeps
// the raw message so callers can classify it.
type CommandError struct {
	Argv     []string
	ExitCode int
	Output   string
}

func (e *CommandError) Error() string {
	msg := Scrub(strings.TrimSpace(e.Output))
	if msg == "" {
		return fmt.Sprintf("%s: exit code %d", strings.Join(scrubArgs(e.Argv), " "), e.ExitCode)
	}
	return fmt.Sprintf("%s: exit code %d: %s", strings.Join(scrubArgs(e.Argv), " "), e.ExitCode, msg)
}

// Channel executes commands through an Execer.
type Channel struct {
	execer Execer
	logger *slog.Logger
}

// New returns a Channel backed by execer.
func New(execer Execer, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{execer: execer, logger: logger}
}

// Execute runs argv in the container and returns its combined output and
// exit code. A non-zero exit code is not an error here; see Output.
func (c *Channel) Execute(ctx context.Context, containerID string, argv []string, opts Options) (*Result, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrExecFailed)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.logger.Debug("exec", "container", shortID(containerID), "cmd", scrubArgs(argv), "dir", opts.WorkingDir)

	session, err := c.execer.ExecContainer(ctx, containerID, &driver.ExecOptions{
		Cmd:        argv,
		WorkingDir: opts.WorkingDir,
		Env:        opts.Env,
		User:       opts.User,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w after %s: %s", ErrTimeout, timeout, argv[0])
		}
		return nil, fmt.Errorf("%w: %w", ErrExecFailed, err)
	}

	dec := &Decoder{}
	copied := make(chan error, 1)
	go func() {
		_, err := io.Copy(dec, session.Stream)
		copied <- err
	}()

	select {
	case err = <-copied:
		_ = session.Stream.Close()
	case <-ctx.Done():
		// Closing the stream unblocks the copy goroutine.
		_ = session.Stream.Close()
		<-copied
		if opts.AllowPartial {
			return &Result{Output: dec.Text(), ExitCode: -1, Partial: true}, nil
		}
		return nil, fmt.Errorf("%w after %s: %s", ErrTimeout, timeout, strings.Join(scrubArgs(argv), " "))
	}
	if err != nil && !errors.Is(err, ErrMalformedFrame) {
		return nil, fmt.Errorf("%w: reading output: %w", ErrExecFailed, err)
	}
	if err != nil {
		c.logger.Warn("malformed exec stream, keeping decoded frames", "container", shortID(containerID), "error", err)
	}
	if msg := dec.SystemError(); msg != "" {
		return nil, fmt.Errorf("%w: %s", ErrExecFailed, strings.TrimSpace(msg))
	}

	code, err := session.ExitCode(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: reading exit code: %w", ErrExecFailed, err)
	}
	return &Result{Output: dec.Text(), ExitCode: code}, nil
}

// Output runs argv and returns its output when it exits zero, or a
// *CommandError carrying the output otherwise. Partial results from an
// AllowPartial timeout are returned as-is.
func (c *Channel) Output(ctx context.Context, containerID string, argv []string, opts Options) (string, error) {
	res, err := c.Execute(ctx, containerID, argv, opts)
	if err != nil {
		return "", err
	}
	if res.Partial {
		return res.Output, nil
	}
	if res.ExitCode != 0 {
		return res.Output, &CommandError{Argv: argv, ExitCode: res.ExitCode, Output: res.Output}
	}
	return res.Output, nil
}

// Run is Output for commands whose output is not interesting.
func (c *Channel) Run(ctx context.Context, containerID string, argv []string, opts Options) error {
	_, err := c.Output(ctx, containerID, argv, opts)
	return err
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
