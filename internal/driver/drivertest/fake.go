// Package drivertest provides an in-memory driver.Driver for tests. Exec
// sessions are emulated against a per-container virtual filesystem and a
// shared set of git remotes, and their output is framed exactly like the
// runtime's multiplexed stream.
package drivertest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/pkg/stdcopy"

	"github.com/fgrehm/cribd/internal/driver"
)

// ExecHook intercepts an exec before the built-in emulation. Returning
// handled=false falls through to the emulator.
type ExecHook func(c *Container, argv []string) (out string, code int, handled bool)

// Runtime is a fake container runtime. All exported fields may be set
// before use; helpers take the lock for everything else.
type Runtime struct {
	mu sync.Mutex

	containers map[string]*Container
	images     map[string]bool
	remotes    map[string]*remote
	seq        int
	nextHost   int

	// Calls records lifecycle calls as "op target", e.g. "create ws1".
	calls []string

	// failures are returned once by the named operation.
	failures map[string]error

	// RemoteToken, when set, is the only credential remotes accept.
	RemoteToken string

	// RejectPush makes every push fail as a rejected ref update.
	RejectPush bool

	// Hook runs before the emulator for every exec.
	Hook ExecHook

	// Now is the clock used for mtimes.
	Now func() time.Time
}

// Container is the fake's view of one container.
type Container struct {
	ID      string
	Name    string
	Image   string
	Labels  map[string]string
	WorkDir string
	Status  string
	Ports   []driver.PortBinding
	Memory  int64
	CPUs    int64

	fs   *memFS
	repo *repoState

	// Execs records every command run in the container.
	Execs [][]string

	// Servers records commands started in the background.
	Servers []string
}

// New returns an empty runtime with a cached "node:20-bookworm" image.
func New() *Runtime {
	return &Runtime{
		containers: map[string]*Container{},
		images:     map[string]bool{"node:20-bookworm": true},
		remotes:    map[string]*remote{},
		failures:   map[string]error{},
		nextHost:   40000,
		Now:        time.Now,
	}
}

var _ driver.Driver = (*Runtime)(nil)

// AddImage marks an image as locally cached.
func (r *Runtime) AddImage(ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.images[ref] = true
}

// FailNext makes the next call of op fail with err. Ops: find, inspect,
// list, pull, create, start, stop, delete, exec.
func (r *Runtime) FailNext(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[op] = err
}

func (r *Runtime) takeFailure(op string) error {
	err := r.failures[op]
	delete(r.failures, op)
	return err
}

// Calls returns the recorded lifecycle calls.
func (r *Runtime) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// Container returns the container with the given name or ID, or nil.
func (r *Runtime) Container(nameOrID string) *Container {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookup(nameOrID)
}

// Count returns the number of containers with the given name.
func (r *Runtime) Count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.containers {
		if c.Name == name {
			n++
		}
	}
	return n
}

// ClearPorts drops a container's published ports, simulating a container
// provisioned without bindings.
func (r *Runtime) ClearPorts(nameOrID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c := r.lookup(nameOrID); c != nil {
		c.Ports = nil
	}
}

// SetStatus forces a container's state, e.g. to simulate an out-of-band stop.
func (r *Runtime) SetStatus(nameOrID, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c := r.lookup(nameOrID); c != nil {
		c.Status = status
	}
}

// RemoveOutOfBand deletes a container without going through the driver.
func (r *Runtime) RemoveOutOfBand(nameOrID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c := r.lookup(nameOrID); c != nil {
		delete(r.containers, c.ID)
	}
}

// File returns a file's content inside a container.
func (r *Runtime) File(nameOrID, p string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.lookup(nameOrID)
	if c == nil {
		return "", false
	}
	e, ok := c.fs.entries[p]
	if !ok || e.dir {
		return "", false
	}
	return string(e.data), true
}

// PutFile writes a file inside a container, creating parents.
func (r *Runtime) PutFile(nameOrID, p, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c := r.lookup(nameOrID); c != nil {
		c.fs.mkdirAll(parentDir(p))
		c.fs.entries[p] = &entry{data: []byte(content), mtime: r.Now()}
	}
}

// RemoteFiles returns the last pushed tree of a remote, keyed by path.
func (r *Runtime) RemoteFiles(url string) map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	rem, ok := r.remotes[stripUserinfo(url)]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(rem.tree))
	for k, v := range rem.tree {
		out[k] = string(v)
	}
	return out
}

// SeedRemote creates a remote with the given tree.
func (r *Runtime) SeedRemote(url string, files map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tree := map[string][]byte{}
	for k, v := range files {
		tree[k] = []byte(v)
	}
	r.remotes[stripUserinfo(url)] = &remote{tree: tree}
}

func (r *Runtime) lookup(nameOrID string) *Container {
	if c, ok := r.containers[nameOrID]; ok {
		return c
	}
	for _, c := range r.containers {
		if c.Name == nameOrID {
			return c
		}
	}
	return nil
}

func (r *Runtime) details(c *Container) *driver.ContainerDetails {
	labels := make(map[string]string, len(c.Labels))
	for k, v := range c.Labels {
		labels[k] = v
	}
	return &driver.ContainerDetails{
		ID:     c.ID,
		Name:   c.Name,
		Image:  c.Image,
		State:  driver.ContainerState{Status: c.Status},
		Config: driver.ContainerConfig{Labels: labels, WorkingDir: c.WorkDir},
		Ports:  append([]driver.PortBinding(nil), c.Ports...),
	}
}

func (r *Runtime) FindContainer(_ context.Context, workspaceID string) (*driver.ContainerDetails, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure("find"); err != nil {
		return nil, err
	}
	for _, c := range r.containers {
		if c.Labels[driver.LabelWorkspace] == workspaceID || c.Name == workspaceID {
			return r.details(c), nil
		}
	}
	return nil, nil
}

func (r *Runtime) InspectContainer(_ context.Context, containerID string) (*driver.ContainerDetails, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure("inspect"); err != nil {
		return nil, err
	}
	c := r.lookup(containerID)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", driver.ErrNotFound, containerID)
	}
	return r.details(c), nil
}

func (r *Runtime) ListContainers(_ context.Context) ([]driver.ContainerDetails, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure("list"); err != nil {
		return nil, err
	}
	var out []driver.ContainerDetails
	for _, c := range r.containers {
		if _, ok := c.Labels[driver.LabelWorkspace]; ok {
			out = append(out, *r.details(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *Runtime) ImageExists(_ context.Context, ref string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.images[ref], nil
}

func (r *Runtime) PullImage(_ context.Context, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "pull "+ref)
	if err := r.takeFailure("pull"); err != nil {
		return err
	}
	r.images[ref] = true
	return nil
}

func (r *Runtime) CreateContainer(_ context.Context, workspaceID string, opts *driver.RunOptions) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "create "+workspaceID)
	if err := r.takeFailure("create"); err != nil {
		return "", err
	}
	if !r.images[opts.Image] {
		return "", fmt.Errorf("%w: no such image: %s", driver.ErrNotFound, opts.Image)
	}
	if r.lookup(workspaceID) != nil {
		return "", fmt.Errorf("%w: the container name %q is already in use", driver.ErrConflict, "/"+workspaceID)
	}

	r.seq++
	labels := map[string]string{}
	for k, v := range opts.Labels {
		labels[k] = v
	}
	labels[driver.LabelWorkspace] = workspaceID
	c := &Container{
		ID:      fmt.Sprintf("%064x", r.seq),
		Name:    workspaceID,
		Image:   opts.Image,
		Labels:  labels,
		WorkDir: opts.WorkingDir,
		Status:  "created",
		Memory:  opts.MemoryBytes,
		CPUs:    opts.NanoCPUs,
		fs:      newMemFS(r.Now),
	}
	for _, p := range opts.Ports {
		b := p
		if b.HostPort == 0 {
			r.nextHost++
			b.HostPort = r.nextHost
		}
		if b.HostIP == "" {
			b.HostIP = "0.0.0.0"
		}
		if b.Protocol == "" {
			b.Protocol = "tcp"
		}
		c.Ports = append(c.Ports, b)
	}
	if c.WorkDir != "" {
		c.fs.mkdirAll(c.WorkDir)
	}
	r.containers[c.ID] = c
	return c.ID, nil
}

func (r *Runtime) StartContainer(_ context.Context, containerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure("start"); err != nil {
		return err
	}
	c := r.lookup(containerID)
	if c == nil {
		return fmt.Errorf("%w: %s", driver.ErrNotFound, containerID)
	}
	r.calls = append(r.calls, "start "+c.Name)
	c.Status = "running"
	return nil
}

func (r *Runtime) StopContainer(_ context.Context, containerID string, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure("stop"); err != nil {
		return err
	}
	c := r.lookup(containerID)
	if c == nil {
		return fmt.Errorf("%w: %s", driver.ErrNotFound, containerID)
	}
	r.calls = append(r.calls, "stop "+c.Name)
	if c.Status != "running" {
		return fmt.Errorf("%w: container %s is not running", driver.ErrConflict, c.Name)
	}
	c.Status = "exited"
	return nil
}

func (r *Runtime) DeleteContainer(_ context.Context, containerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure("delete"); err != nil {
		return err
	}
	c := r.lookup(containerID)
	if c == nil {
		return fmt.Errorf("%w: %s", driver.ErrNotFound, containerID)
	}
	r.calls = append(r.calls, "delete "+c.Name)
	delete(r.containers, c.ID)
	return nil
}

func (r *Runtime) ExecContainer(_ context.Context, containerID string, opts *driver.ExecOptions) (*driver.ExecSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure("exec"); err != nil {
		return nil, err
	}
	c := r.lookup(containerID)
	if c == nil {
		return nil, fmt.Errorf("%w: No such container: %s", driver.ErrNotFound, containerID)
	}
	if c.Status != "running" {
		return nil, fmt.Errorf("%w: container %s is not running", driver.ErrConflict, containerID)
	}
	c.Execs = append(c.Execs, append([]string(nil), opts.Cmd...))

	dir := opts.WorkingDir
	if dir == "" {
		dir = c.WorkDir
	}
	var stdout, stderr strings.Builder
	code := r.run(c, dir, opts.Cmd, &stdout, &stderr)

	var buf bytes.Buffer
	if stdout.Len() > 0 {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(stdout.String()))
	}
	if stderr.Len() > 0 {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(stderr.String()))
	}
	r.seq++
	return &driver.ExecSession{
		ID:     fmt.Sprintf("exec-%d", r.seq),
		Stream: io.NopCloser(&buf),
		ExitCode: func(context.Context) (int, error) {
			return code, nil
		},
	}, nil
}

// run dispatches argv to the emulated tools. Called with r.mu held.
func (r *Runtime) run(c *Container, dir string, argv []string, stdout, stderr *strings.Builder) int {
	if len(argv) == 0 {
		fmt.Fprintln(stderr, "no command")
		return 126
	}
	if r.Hook != nil {
		if out, code, ok := r.Hook(c, argv); ok {
			if code == 0 {
				stdout.WriteString(out)
			} else {
				stderr.WriteString(out)
			}
			return code
		}
	}

	t := &tools{r: r, c: c, dir: dir, stdout: stdout, stderr: stderr}
	switch argv[0] {
	case "cat":
		return t.cat(argv[1:])
	case "base64":
		return t.base64Encode(argv[1:])
	case "mkdir":
		return t.mkdir(argv[1:])
	case "rm":
		return t.rm(argv[1:])
	case "mv":
		return t.transfer(argv, true)
	case "cp":
		return t.transfer(argv, false)
	case "stat":
		return t.stat(argv[1:])
	case "test":
		return t.test(argv[1:])
	case "find":
		return t.find(argv[1:])
	case "sh":
		return t.sh(argv[1:])
	case "git":
		return t.git(argv[1:])
	case "npm":
		return t.npm(argv[1:])
	case "true":
		return 0
	}
	fmt.Fprintf(stderr, "sh: 1: %s: not found\n", argv[0])
	return 127
}
