// Package files implements file operations on a workspace container purely
// through command execution. Nothing is mounted from the host.
package files

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/fgrehm/cribd/internal/channel"
)

// DefaultBase is the in-container directory holding the project tree.
const DefaultBase = "/workspace"

// writeChunk is the raw byte count sent per exec when writing. Its base64
// form (64 KiB) stays well under the kernel's per-argument limit.
const writeChunk = 48 << 10

var (
	// ErrNotFound is returned when the target path does not exist.
	ErrNotFound = errors.New("no such file or directory")

	// ErrInvalidPath is returned for paths escaping the base directory.
	ErrInvalidPath = errors.New("invalid path")
)

// Runner executes a command and returns its output, failing with a
// *channel.CommandError on non-zero exit. *channel.Channel satisfies it.
type Runner interface {
	Output(ctx context.Context, containerID string, argv []string, opts channel.Options) (string, error)
}

// FS performs file operations inside containers under a fixed base dir.
type FS struct {
	run  Runner
	base string
}

// New returns an FS rooted at base (DefaultBase when empty).
func New(run Runner, base string) *FS {
	if base == "" {
		base = DefaultBase
	}
	return &FS{run: run, base: path.Clean(base)}
}

// Base returns the in-container base directory.
func (f *FS) Base() string {
	return f.base
}

// Abs translates a project-relative path into an absolute in-container
// path. Leading slashes are treated as project-relative.
func (f *FS) Abs(p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	abs := path.Join(f.base, strings.TrimLeft(p, "/"))
	if abs != f.base && !strings.HasPrefix(abs, f.base+"/") {
		return "", fmt.Errorf("%w: %q escapes %s", ErrInvalidPath, p, f.base)
	}
	return abs, nil
}

// Rel is the inverse of Abs.
func (f *FS) Rel(abs string) string {
	return strings.TrimPrefix(strings.TrimPrefix(abs, f.base), "/")
}

// ReadFile returns the file's content with leading encoding artifacts
// removed.
func (f *FS) ReadFile(ctx context.Context, containerID, p string) (string, error) {
	abs, err := f.Abs(p)
	if err != nil {
		return "", err
	}
	out, err := f.run.Output(ctx, containerID, []string{"cat", "--", abs}, channel.Options{})
	if err != nil {
		return "", classify(err)
	}
	return normalize(out), nil
}

// ReadRaw returns the file's bytes exactly as stored. The content crosses
// the exec stream base64-encoded, so binary data and leading marks survive.
func (f *FS) ReadRaw(ctx context.Context, containerID, p string) ([]byte, error) {
	abs, err := f.Abs(p)
	if err != nil {
		return nil, err
	}
	out, err := f.run.Output(ctx, containerID, []string{"base64", "--", abs}, channel.Options{})
	if err != nil {
		return nil, classify(err)
	}
	data, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(out), ""))
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", p, err)
	}
	return data, nil
}

// WriteFile replaces the file's content, creating parent directories. The
// payload travels base64-encoded as a positional argument, so quotes,
// backticks and binary data never meet the shell parser.
func (f *FS) WriteFile(ctx context.Context, containerID, p string, content []byte) error {
	abs, err := f.Abs(p)
	if err != nil {
		return err
	}
	if abs == f.base {
		return fmt.Errorf("%w: cannot write to the workspace root", ErrInvalidPath)
	}
	if err := f.mkdirAll(ctx, containerID, path.Dir(abs)); err != nil {
		return err
	}

	redirect := ">"
	for off := 0; off == 0 || off < len(content); off += writeChunk {
		end := min(off+writeChunk, len(content))
		script := `printf '%s' "$1" | base64 -d ` + redirect + ` "$2"`
		argv := []string{"sh", "-c", script, "sh", base64.StdEncoding.EncodeToString(content[off:end]), abs}
		if _, err := f.run.Output(ctx, containerID, argv, channel.Options{}); err != nil {
			return fmt.Errorf("writing %s: %w", p, classify(err))
		}
		redirect = ">>"
	}
	return nil
}

// Delete removes a file or directory tree. Missing paths are not an error.
func (f *FS) Delete(ctx context.Context, containerID, p string) error {
	abs, err := f.Abs(p)
	if err != nil {
		return err
	}
	if abs == f.base {
		return fmt.Errorf("%w: refusing to delete the workspace root", ErrInvalidPath)
	}
	if _, err := f.run.Output(ctx, containerID, []string{"rm", "-rf", "--", abs}, channel.Options{}); err != nil {
		return classify(err)
	}
	return nil
}

// Rename moves from to to, creating the destination's parent.
func (f *FS) Rename(ctx context.Context, containerID, from, to string) error {
	return f.transfer(ctx, containerID, []string{"mv", "-f", "--"}, from, to)
}

// Copy copies from to to recursively, creating the destination's parent.
func (f *FS) Copy(ctx context.Context, containerID, from, to string) error {
	return f.transfer(ctx, containerID, []string{"cp", "-a", "--"}, from, to)
}

func (f *FS) transfer(ctx context.Context, containerID string, cmd []string, from, to string) error {
	src, err := f.Abs(from)
	if err != nil {
		return err
	}
	dst, err := f.Abs(to)
	if err != nil {
		return err
	}
	if src == f.base || dst == f.base {
		return fmt.Errorf("%w: the workspace root cannot be moved or overwritten", ErrInvalidPath)
	}
	if err := f.mkdirAll(ctx, containerID, path.Dir(dst)); err != nil {
		return err
	}
	argv := append(append([]string{}, cmd...), src, dst)
	if _, err := f.run.Output(ctx, containerID, argv, channel.Options{}); err != nil {
		return classify(err)
	}
	return nil
}

// Mkdir creates a directory and its parents.
func (f *FS) Mkdir(ctx context.Context, containerID, p string) error {
	abs, err := f.Abs(p)
	if err != nil {
		return err
	}
	return f.mkdirAll(ctx, containerID, abs)
}

func (f *FS) mkdirAll(ctx context.Context, containerID, abs string) error {
	if _, err := f.run.Output(ctx, containerID, []string{"mkdir", "-p", "--", abs}, channel.Options{}); err != nil {
		return fmt.Errorf("creating %s: %w", abs, classify(err))
	}
	return nil
}

// FileInfo is the result of Stat.
type FileInfo struct {
	Path    string    `json:"path"`
	IsDir   bool      `json:"isDir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// Stat describes a path.
func (f *FS) Stat(ctx context.Context, containerID, p string) (*FileInfo, error) {
	abs, err := f.Abs(p)
	if err != nil {
		return nil, err
	}
	out, err := f.run.Output(ctx, containerID, []string{"stat", "-c", "%F|%s|%Y", "--", abs}, channel.Options{})
	if err != nil {
		return nil, classify(err)
	}
	return parseStat(f.Rel(abs), out)
}

func parseStat(rel, out string) (*FileInfo, error) {
	parts := strings.Split(strings.TrimSpace(out), "|")
	if len(parts) != 3 {
		return nil, fmt.Errorf("unexpected stat output %q", out)
	}
	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing size from stat output %q: %w", out, err)
	}
	mtime, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing mtime from stat output %q: %w", out, err)
	}
	return &FileInfo{
		Path:    rel,
		IsDir:   parts[0] == "directory",
		Size:    size,
		ModTime: time.Unix(mtime, 0).UTC(),
	}, nil
}

// Exists reports whether a path exists.
func (f *FS) Exists(ctx context.Context, containerID, p string) (bool, error) {
	abs, err := f.Abs(p)
	if err != nil {
		return false, err
	}
	_, err = f.run.Output(ctx, containerID, []string{"test", "-e", abs}, channel.Options{})
	if err == nil {
		return true, nil
	}
	var cmdErr *channel.CommandError
	if errors.As(err, &cmdErr) && cmdErr.ExitCode == 1 {
		return false, nil
	}
	return false, err
}

// classify maps "no such file" command failures to ErrNotFound while
// keeping the raw message in the chain.
func classify(err error) error {
	var cmdErr *channel.CommandError
	if errors.As(err, &cmdErr) && strings.Contains(cmdErr.Output, "No such file or directory") {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

// normalize trims a byte-order mark, replacement characters and stray
// control bytes from the start of the text. Tabs and line breaks are kept.
func normalize(s string) string {
	return strings.TrimLeftFunc(s, func(r rune) bool {
		switch {
		case r == '\t' || r == '\n' || r == '\r':
			return false
		case r == '\uFEFF' || r == '\uFFFD':
			return true
		case r < 0x20 || r == 0x7f:
			return true
		}
		return false
	})
}
