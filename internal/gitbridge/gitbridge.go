// Package gitbridge persists workspace files by committing them inside the
// container and force-pushing to a token-authenticated remote, and restores
// them by cloning (or fetching) that remote into a fresh container.
//
// The remote is treated as a backing store with the workspace as its only
// writer. Pushes are forced and resumes hard-reset to the remote tip, so
// concurrent editors of the same remote overwrite each other.
package gitbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fgrehm/cribd/internal/channel"
	"github.com/fgrehm/cribd/internal/workspace"
)

var (
	// ErrPushRejected is returned when the remote refuses a push.
	ErrPushRejected = errors.New("push rejected")

	// ErrCloneFailed is returned when the remote cannot be cloned or fetched.
	ErrCloneFailed = errors.New("clone failed")

	// ErrUnauthorized is returned when the remote rejects the credentials.
	ErrUnauthorized = errors.New("git remote rejected credentials")

	// ErrMissingToken is returned when a push is attempted without a token.
	ErrMissingToken = errors.New("no git token configured")

	// ErrGitUnavailable is returned when git is missing and cannot be
	// installed.
	ErrGitUnavailable = errors.New("git is not available in the container")
)

// DefaultBranch is used when a Remote names no branch.
const DefaultBranch = "main"

// Ignore lists what never goes to the remote: dependency directories, build
// output, local env files, logs and the metadata file.
var Ignore = []string{
	"node_modules/",
	"dist/",
	"build/",
	".next/",
	".env",
	".env.*",
	"*.log",
	workspace.MetadataFile,
}

const installGitScript = `if command -v apt-get >/dev/null 2>&1; then
  apt-get update -qq && DEBIAN_FRONTEND=noninteractive apt-get install -y -qq git
elif command -v apk >/dev/null 2>&1; then
  apk add --no-cache git
else
  echo "no supported package manager" >&2
  exit 1
fi`

// Timeouts for the slow operations.
const (
	installGitTimeout  = 5 * time.Minute
	installDepsTimeout = 10 * time.Minute
)

// Runner executes commands in a container.
type Runner interface {
	Execute(ctx context.Context, containerID string, argv []string, opts channel.Options) (*channel.Result, error)
}

// FileSystem is the file layer the bridge writes the ignore file through.
type FileSystem interface {
	Base() string
	WriteFile(ctx context.Context, containerID, p string, content []byte) error
	Exists(ctx context.Context, containerID, p string) (bool, error)
}

// Identity is the committer recorded in the repository.
type Identity struct {
	Name  string
	Email string
}

// Remote is a hosted repository and the credential to reach it.
type Remote struct {
	URL    string
	Branch string
	Token  string
}

func (r Remote) branch() string {
	if r.Branch == "" {
		return DefaultBranch
	}
	return r.Branch
}

// CloneResult reports what Clone did.
type CloneResult struct {
	// Fetched is true when an existing repository was reset to the remote
	// instead of cloned.
	Fetched bool

	// Installed is true when dependencies were installed successfully.
	Installed bool

	// InstallError holds the install failure, which does not fail the clone.
	InstallError string
}

// Bridge runs git inside workspace containers.
type Bridge struct {
	run    Runner
	fs     FileSystem
	logger *slog.Logger

	mu     sync.Mutex
	hasGit map[string]bool
}

// New returns a Bridge that keeps the repository at fs.Base().
func New(run Runner, fs FileSystem, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{run: run, fs: fs, logger: logger, hasGit: map[string]bool{}}
}

// git runs a git subcommand in the repository directory.
func (b *Bridge) git(ctx context.Context, containerID string, args ...string) (string, error) {
	return b.exec(ctx, containerID, append([]string{"git"}, args...), channel.Options{WorkingDir: b.fs.Base()})
}

func (b *Bridge) exec(ctx context.Context, containerID string, argv []string, opts channel.Options) (string, error) {
	res, err := b.run.Execute(ctx, containerID, argv, opts)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return res.Output, &channel.CommandError{Argv: argv, ExitCode: res.ExitCode, Output: res.Output}
	}
	return res.Output, nil
}

// EnsureGit installs git in the container when it is missing.
func (b *Bridge) EnsureGit(ctx context.Context, containerID string) error {
	b.mu.Lock()
	ok := b.hasGit[containerID]
	b.mu.Unlock()
	if ok {
		return nil
	}

	if _, err := b.exec(ctx, containerID, []string{"git", "--version"}, channel.Options{}); err != nil {
		var cmdErr *channel.CommandError
		if !errors.As(err, &cmdErr) && !strings.Contains(err.Error(), "executable file not found") {
			return fmt.Errorf("checking for git: %w", err)
		}
		b.logger.Info("installing git in container", "container", shortID(containerID))
		if _, err := b.exec(ctx, containerID, []string{"sh", "-c", installGitScript}, channel.Options{User: "root", Timeout: installGitTimeout}); err != nil {
			return fmt.Errorf("%w: %w", ErrGitUnavailable, err)
		}
		if _, err := b.exec(ctx, containerID, []string{"git", "--version"}, channel.Options{}); err != nil {
			return fmt.Errorf("%w: %w", ErrGitUnavailable, err)
		}
	}

	b.mu.Lock()
	b.hasGit[containerID] = true
	b.mu.Unlock()
	return nil
}

// Forget drops cached state about a container.
func (b *Bridge) Forget(containerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.hasGit, containerID)
}

// IsRepo reports whether the workspace directory holds a repository.
func (b *Bridge) IsRepo(ctx context.Context, containerID string) (bool, error) {
	return b.fs.Exists(ctx, containerID, ".git")
}

// Init creates a repository with the committer identity and ignore file and
// records an initial commit.
func (b *Bridge) Init(ctx context.Context, containerID string, id Identity, branch string) error {
	if err := b.EnsureGit(ctx, containerID); err != nil {
		return err
	}
	if branch == "" {
		branch = DefaultBranch
	}
	if _, err := b.git(ctx, containerID, "init", "-b", branch); err != nil {
		return fmt.Errorf("initializing repository: %w", err)
	}
	if err := b.configure(ctx, containerID, id); err != nil {
		return err
	}
	ignore := strings.Join(Ignore, "\n") + "\n"
	if err := b.fs.WriteFile(ctx, containerID, ".gitignore", []byte(ignore)); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}
	if _, err := b.Commit(ctx, containerID, "Initial commit"); err != nil {
		return err
	}
	b.logger.Debug("repository initialized", "container", shortID(containerID), "branch", branch)
	return nil
}

func (b *Bridge) configure(ctx context.Context, containerID string, id Identity) error {
	if id.Name == "" {
		id.Name = "cribd"
	}
	if id.Email == "" {
		id.Email = "cribd@localhost"
	}
	if _, err := b.git(ctx, containerID, "config", "user.name", id.Name); err != nil {
		return fmt.Errorf("configuring committer: %w", err)
	}
	if _, err := b.git(ctx, containerID, "config", "user.email", id.Email); err != nil {
		return fmt.Errorf("configuring committer: %w", err)
	}
	return nil
}

// Commit stages everything and commits it. It returns false, and no error,
// when there is nothing to commit.
func (b *Bridge) Commit(ctx context.Context, containerID, message string) (bool, error) {
	if _, err := b.git(ctx, containerID, "add", "-A"); err != nil {
		return false, fmt.Errorf("staging changes: %w", err)
	}
	status, err := b.git(ctx, containerID, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("reading status: %w", err)
	}
	if strings.TrimSpace(status) == "" {
		return false, nil
	}
	if message == "" {
		message = "Save workspace"
	}
	out, err := b.git(ctx, containerID, "commit", "-m", message)
	if err != nil {
		if strings.Contains(out, "nothing to commit") {
			return false, nil
		}
		return false, fmt.Errorf("committing: %w", err)
	}
	return true, nil
}

// Push force-pushes the current branch to the remote. The token is only
// present in the remote URL for the duration of the push.
func (b *Bridge) Push(ctx context.Context, containerID string, remote Remote) error {
	if remote.Token == "" {
		return ErrMissingToken
	}
	authURL, err := WithToken(remote.URL, remote.Token)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPushRejected, err)
	}
	branch := remote.branch()

	// A stale origin is expected to be missing on first push.
	_, _ = b.git(ctx, containerID, "remote", "remove", "origin")
	if _, err := b.git(ctx, containerID, "remote", "add", "origin", authURL); err != nil {
		return fmt.Errorf("configuring origin: %w", err)
	}
	defer b.scrubOrigin(containerID, remote.URL)

	if _, err := b.git(ctx, containerID, "branch", "-M", branch); err != nil {
		return fmt.Errorf("renaming branch: %w", err)
	}
	out, err := b.git(ctx, containerID, "push", "--force", "origin", branch)
	if err != nil {
		if authFailure(out) {
			return fmt.Errorf("%w: %s", ErrUnauthorized, summarize(out))
		}
		if out == "" {
			return fmt.Errorf("%w: %w", ErrPushRejected, err)
		}
		return fmt.Errorf("%w: %s", ErrPushRejected, summarize(out))
	}
	b.logger.Info("workspace pushed", "remote", channel.Scrub(remote.URL), "branch", branch)
	return nil
}

// scrubOrigin leaves origin pointing at the token-free URL.
func (b *Bridge) scrubOrigin(containerID, plainURL string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := b.git(ctx, containerID, "remote", "set-url", "origin", plainURL); err != nil {
		b.logger.Warn("failed to reset origin URL", "container", shortID(containerID), "error", err)
	}
}

// Clone restores the remote into the workspace directory. An existing
// repository is fetched and hard-reset to the remote tip; otherwise the
// directory is cleared and cloned. When package.json is present install
// runs afterwards; its failure is reported, not returned.
func (b *Bridge) Clone(ctx context.Context, containerID string, remote Remote, id Identity, install string) (*CloneResult, error) {
	if err := b.EnsureGit(ctx, containerID); err != nil {
		return nil, err
	}
	fetchURL := remote.URL
	if remote.Token != "" {
		u, err := WithToken(remote.URL, remote.Token)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCloneFailed, err)
		}
		fetchURL = u
	}
	branch := remote.branch()
	res := &CloneResult{}

	isRepo, err := b.IsRepo(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("checking for repository: %w", err)
	}
	if isRepo {
		res.Fetched = true
		if out, err := b.git(ctx, containerID, "fetch", fetchURL, branch); err != nil {
			return nil, b.cloneError(remote, out, err)
		}
		if _, err := b.git(ctx, containerID, "reset", "--hard", "FETCH_HEAD"); err != nil {
			return nil, fmt.Errorf("%w: resetting to remote: %w", ErrCloneFailed, err)
		}
	} else {
		base := b.fs.Base()
		if _, err := b.exec(ctx, containerID, []string{"find", base, "-mindepth", "1", "-delete"}, channel.Options{}); err != nil {
			return nil, fmt.Errorf("%w: clearing %s: %w", ErrCloneFailed, base, err)
		}
		if out, err := b.git(ctx, containerID, "clone", "--branch", branch, fetchURL, "."); err != nil {
			return nil, b.cloneError(remote, out, err)
		}
		b.scrubOrigin(containerID, remote.URL)
	}
	if err := b.configure(ctx, containerID, id); err != nil {
		return nil, err
	}
	b.logger.Info("workspace restored from remote", "remote", channel.Scrub(remote.URL), "branch", branch, "fetched", res.Fetched)

	if install != "" {
		b.installDependencies(ctx, containerID, install, res)
	}
	return res, nil
}

func (b *Bridge) installDependencies(ctx context.Context, containerID, install string, res *CloneResult) {
	ok, err := b.fs.Exists(ctx, containerID, "package.json")
	if err != nil || !ok {
		return
	}
	argv := strings.Fields(install)
	if _, err := b.exec(ctx, containerID, argv, channel.Options{WorkingDir: b.fs.Base(), Timeout: installDepsTimeout}); err != nil {
		b.logger.Warn("dependency install failed, workspace is usable without it", "container", shortID(containerID), "error", err)
		res.InstallError = err.Error()
		return
	}
	res.Installed = true
}

func (b *Bridge) cloneError(remote Remote, out string, err error) error {
	if authFailure(out) {
		if remote.Token == "" {
			return fmt.Errorf("%w: %w", ErrUnauthorized, ErrMissingToken)
		}
		return fmt.Errorf("%w: %s", ErrUnauthorized, summarize(out))
	}
	if out == "" {
		return fmt.Errorf("%w: %w", ErrCloneFailed, err)
	}
	return fmt.Errorf("%w: %s", ErrCloneFailed, summarize(out))
}

// Save commits pending changes and pushes them, creating the repository
// first when needed. It reports whether a new commit was made.
func (b *Bridge) Save(ctx context.Context, containerID, message string, remote Remote, id Identity) (bool, error) {
	if err := b.EnsureGit(ctx, containerID); err != nil {
		return false, err
	}
	isRepo, err := b.IsRepo(ctx, containerID)
	if err != nil {
		return false, fmt.Errorf("checking for repository: %w", err)
	}
	if !isRepo {
		if err := b.Init(ctx, containerID, id, remote.branch()); err != nil {
			return false, err
		}
	}
	committed, err := b.Commit(ctx, containerID, message)
	if err != nil {
		return false, err
	}
	if err := b.Push(ctx, containerID, remote); err != nil {
		return committed, err
	}
	return committed, nil
}

// WithToken embeds token into an HTTP(S) remote URL as
// x-access-token:<token>@host.
func WithToken(rawURL, token string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing remote URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", fmt.Errorf("remote URL %q must use https", channel.Scrub(rawURL))
	}
	if u.Host == "" {
		return "", fmt.Errorf("remote URL %q has no host", channel.Scrub(rawURL))
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String(), nil
}

func authFailure(out string) bool {
	lower := strings.ToLower(out)
	for _, marker := range []string{
		"authentication failed",
		"invalid username or password",
		"could not read username",
		"permission to",
		"the requested url returned error: 403",
		"the requested url returned error: 401",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// summarize returns the scrubbed last meaningful lines of git output.
func summarize(out string) string {
	var lines []string
	for _, l := range strings.Split(strings.TrimSpace(out), "\n") {
		l = strings.TrimSpace(l)
		if l == "" || strings.HasPrefix(l, "To ") || strings.HasPrefix(l, "hint:") {
			continue
		}
		lines = append(lines, l)
	}
	if len(lines) > 3 {
		lines = lines[len(lines)-3:]
	}
	return channel.Scrub(strings.Join(lines, "; "))
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
