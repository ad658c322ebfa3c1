// Package devserver starts a workspace's development server in the
// background and discovers the host address it is reachable on.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fgrehm/cribd/internal/channel"
	"github.com/fgrehm/cribd/internal/driver"
	"github.com/fgrehm/cribd/internal/workspace"
)

// Defaults for the log location and polling.
const (
	DefaultLogPath  = "/tmp/dev-server.log"
	DefaultAttempts = 30
	DefaultInterval = time.Second

	// tailLines bounds how much of the log a probe looks at.
	tailLines = 200
)

var (
	// ErrNoActiveServer is returned when no dev server port can be found.
	ErrNoActiveServer = errors.New("no active dev server")

	// ErrPortNotPublished is returned when the server's port has no host
	// binding, which means the container must be recreated with ports.
	ErrPortNotPublished = errors.New("dev server port is not published")
)

const startScript = `nohup sh -c "$1" > "$2" 2>&1 < /dev/null &`

// probeScript prints the first match of $2 in the log tail, skipping lines
// that match $3.
var probeScript = fmt.Sprintf(`tail -n %d "$1" 2>/dev/null | grep -v -i -E -- "$3" | grep -E -o -m 1 -- "$2"`, tailLines)

// Executor runs a command in a container.
type Executor interface {
	Execute(ctx context.Context, containerID string, argv []string, opts channel.Options) (*channel.Result, error)
}

// PortTable returns a container's published ports, freshly inspected.
type PortTable interface {
	Ports(ctx context.Context, containerID string) ([]driver.PortBinding, error)
}

// Endpoint is a reachable dev server.
type Endpoint struct {
	InternalPort int    `json:"internalPort"`
	HostPort     int    `json:"hostPort"`
	HostIP       string `json:"hostIp"`
	URL          string `json:"url"`
}

// Options configures a Resolver.
type Options struct {
	LogPath string

	// PublicHost is used in endpoint URLs. When empty the binding's host IP
	// is used, or localhost for wildcard bindings.
	PublicHost string
}

type cacheEntry struct {
	containerID string
	endpoint    Endpoint
}

// Resolver starts dev servers and resolves their endpoints. Results are
// cached per workspace but always re-validated against the port table.
type Resolver struct {
	exec   Executor
	ports  PortTable
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New returns a Resolver.
func New(exec Executor, ports PortTable, opts Options, logger *slog.Logger) *Resolver {
	if opts.LogPath == "" {
		opts.LogPath = DefaultLogPath
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{exec: exec, ports: ports, opts: opts, logger: logger, cache: map[string]cacheEntry{}}
}

// LogPath returns the in-container log file of the dev server.
func (r *Resolver) LogPath() string {
	return r.opts.LogPath
}

// Start launches command detached inside the container with its output
// redirected to the log, which is truncated first. It returns as soon as
// the process is spawned.
func (r *Resolver) Start(ctx context.Context, workspaceID, containerID, command, workDir string) error {
	if command == "" {
		return errors.New("no dev server command")
	}
	r.Forget(workspaceID)

	argv := []string{"sh", "-c", startScript, "sh", command, r.opts.LogPath}
	res, err := r.exec.Execute(ctx, containerID, argv, channel.Options{WorkingDir: workDir, Timeout: 10 * time.Second})
	if err != nil {
		return fmt.Errorf("starting dev server: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("starting dev server: %w", &channel.CommandError{Argv: argv, ExitCode: res.ExitCode, Output: res.Output})
	}
	r.logger.Info("dev server started", "workspace", workspaceID, "command", channel.Scrub(command), "log", r.opts.LogPath)
	return nil
}

// Forget drops the cached endpoint of a workspace.
func (r *Resolver) Forget(workspaceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, workspaceID)
}

// Resolve returns the dev server endpoint of a running workspace. The known
// default port from meta is tried first and confirmed against the log; then
// the log is searched for a framework readiness line. ErrNoActiveServer
// means the caller should poll again.
func (r *Resolver) Resolve(ctx context.Context, workspaceID, containerID string, meta *workspace.Metadata) (*Endpoint, error) {
	table, err := r.ports.Ports(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("reading port table: %w", err)
	}
	details := &driver.ContainerDetails{ID: containerID, Ports: table}

	if ep, ok := r.cached(workspaceID, containerID, details); ok {
		return ep, nil
	}
	if !details.HasPublishedPorts() {
		return nil, fmt.Errorf("%w: container has no published ports", ErrPortNotPublished)
	}

	// Fast path: the configured port is published and the log confirms it.
	// A bare ready marker only counts when the log names no other port, since
	// servers fall back to the next free port when theirs is taken.
	var fallback *driver.PortBinding
	defaultPort := 0
	if meta != nil && meta.ServerConfig.DefaultPort > 0 {
		defaultPort = meta.ServerConfig.DefaultPort
		if b, ok := details.HostPortFor(defaultPort); ok {
			match, _ := r.probe(ctx, containerID, confirmPattern(defaultPort))
			if strings.Contains(match, strconv.Itoa(defaultPort)) {
				return r.remember(workspaceID, containerID, defaultPort, b), nil
			}
			if match != "" {
				fallback = &b
			}
		}
	}

	// Slow path: whatever port the server says it bound.
	match, err := r.probe(ctx, containerID, readinessPattern)
	if err != nil {
		return nil, err
	}
	port, ok := ParsePort(match)
	if !ok {
		if fallback != nil {
			return r.remember(workspaceID, containerID, defaultPort, *fallback), nil
		}
		return nil, ErrNoActiveServer
	}
	b, ok := details.HostPortFor(port)
	if !ok {
		return nil, fmt.Errorf("%w: internal port %d", ErrPortNotPublished, port)
	}
	return r.remember(workspaceID, containerID, port, b), nil
}

// Wait polls Resolve until an endpoint is found, a non-retryable error
// occurs or attempts run out.
func (r *Resolver) Wait(ctx context.Context, workspaceID, containerID string, meta *workspace.Metadata, attempts int, interval time.Duration) (*Endpoint, error) {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	for i := 1; ; i++ {
		ep, err := r.Resolve(ctx, workspaceID, containerID, meta)
		if err == nil {
			return ep, nil
		}
		if !errors.Is(err, ErrNoActiveServer) {
			return nil, err
		}
		if i >= attempts {
			return nil, fmt.Errorf("%w after %d attempts", ErrNoActiveServer, attempts)
		}
		r.logger.Debug("waiting for dev server", "workspace", workspaceID, "attempt", i)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// probe greps the tail of the log. An empty match with a nil error means
// nothing matched (or the log does not exist yet).
func (r *Resolver) probe(ctx context.Context, containerID, pattern string) (string, error) {
	argv := []string{"sh", "-c", probeScript, "sh", r.opts.LogPath, pattern, busyPattern}
	res, err := r.exec.Execute(ctx, containerID, argv, channel.Options{Timeout: channel.ProbeTimeout, AllowPartial: true})
	if err != nil {
		return "", fmt.Errorf("probing dev server log: %w", err)
	}
	if res.Partial {
		return res.Output, nil
	}
	switch res.ExitCode {
	case 0:
		return res.Output, nil
	case 1:
		return "", nil
	default:
		return "", fmt.Errorf("probing dev server log: %w", &channel.CommandError{Argv: argv, ExitCode: res.ExitCode, Output: res.Output})
	}
}

func (r *Resolver) cached(workspaceID, containerID string, details *driver.ContainerDetails) (*Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cache[workspaceID]
	if !ok {
		return nil, false
	}
	if e.containerID == containerID {
		if b, ok := details.HostPortFor(e.endpoint.InternalPort); ok && b.HostPort == e.endpoint.HostPort {
			ep := e.endpoint
			return &ep, true
		}
	}
	delete(r.cache, workspaceID)
	return nil, false
}

func (r *Resolver) remember(workspaceID, containerID string, port int, b driver.PortBinding) *Endpoint {
	ep := Endpoint{
		InternalPort: port,
		HostPort:     b.HostPort,
		HostIP:       b.HostIP,
		URL:          "http://" + net.JoinHostPort(r.urlHost(b.HostIP), strconv.Itoa(b.HostPort)),
	}
	r.mu.Lock()
	r.cache[workspaceID] = cacheEntry{containerID: containerID, endpoint: ep}
	r.mu.Unlock()
	r.logger.Debug("dev server resolved", "workspace", workspaceID, "internal", port, "host", b.HostPort)
	return &ep
}

func (r *Resolver) urlHost(hostIP string) string {
	if r.opts.PublicHost != "" {
		return r.opts.PublicHost
	}
	switch hostIP {
	case "", "0.0.0.0", "::":
		return "localhost"
	}
	return hostIP
}
