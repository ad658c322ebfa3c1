// Package container manages the lifecycle of workspace containers: image
// provisioning, port publishing, start/stop/remove, salvage recreation and
// idle reclamation.
package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fgrehm/cribd/internal/driver"
)

var (
	// ErrImagePullFailed is returned when the base image cannot be pulled.
	ErrImagePullFailed = errors.New("image pull failed")

	// ErrCreateFailed is returned when the container cannot be created or
	// started.
	ErrCreateFailed = errors.New("container create failed")
)

// Defaults applied by NewManager to zero Options fields.
const (
	DefaultPortCount    = 8
	DefaultStopTimeout  = 10 * time.Second
	DefaultSalvageLimit = 100
	DefaultBaseDir      = "/workspace"
)

// keepAlive keeps the container running with no workload of its own; the dev
// server and every command are started through exec.
var keepAlive = []string{"sleep", "infinity"}

// Options configures a Manager.
type Options struct {
	BaseDir      string
	PortCount    int
	MemoryBytes  int64
	NanoCPUs     int64
	StopTimeout  time.Duration
	SalvageLimit int
}

// CreateSpec describes the container to create for a workspace.
type CreateSpec struct {
	Image    string
	Name     string
	Template string

	// BasePort is the first internal port of the published block.
	BasePort int
	Env      []string
}

// Manager creates, starts and removes workspace containers. The runtime is
// the source of truth: every call re-resolves the container by workspace ID.
type Manager struct {
	driver driver.Driver
	ports  PortAllocator
	files  FileAccess
	opts   Options
	logger *slog.Logger
}

// NewManager returns a Manager. files may be nil when salvage recreation is
// not needed.
func NewManager(d driver.Driver, ports PortAllocator, files FileAccess, opts Options, logger *slog.Logger) *Manager {
	if opts.BaseDir == "" {
		opts.BaseDir = DefaultBaseDir
	}
	if opts.PortCount <= 0 {
		opts.PortCount = DefaultPortCount
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.SalvageLimit == 0 {
		opts.SalvageLimit = DefaultSalvageLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{driver: d, ports: ports, files: files, opts: opts, logger: logger}
}

// Create provisions a fresh running container for the workspace. Any
// existing container with the same name is removed first. On failure no
// container is left behind.
func (m *Manager) Create(ctx context.Context, workspaceID string, spec CreateSpec) (*driver.ContainerDetails, error) {
	if spec.Image == "" {
		return nil, fmt.Errorf("%w: no image for workspace %s", ErrCreateFailed, workspaceID)
	}
	if spec.BasePort < 1 || spec.BasePort+m.opts.PortCount-1 > 65535 {
		return nil, fmt.Errorf("%w: invalid base port %d", ErrCreateFailed, spec.BasePort)
	}

	if err := m.ensureImage(ctx, spec.Image); err != nil {
		return nil, err
	}

	// At most one container may carry the workspace name.
	if err := m.Remove(ctx, workspaceID); err != nil {
		return nil, fmt.Errorf("%w: removing previous container: %w", ErrCreateFailed, err)
	}

	hostPorts, err := m.ports.Allocate(ctx, m.opts.PortCount)
	if err != nil {
		return nil, fmt.Errorf("%w: allocating host ports: %w", ErrCreateFailed, err)
	}
	bindings := make([]driver.PortBinding, m.opts.PortCount)
	for i := range bindings {
		bindings[i] = driver.PortBinding{
			ContainerPort: spec.BasePort + i,
			HostPort:      hostPorts[i],
			Protocol:      "tcp",
		}
	}

	labels := map[string]string{
		driver.LabelWorkspace: workspaceID,
		driver.LabelName:      spec.Name,
		driver.LabelTemplate:  spec.Template,
	}
	m.logger.Debug("creating container", "workspace", workspaceID, "image", spec.Image, "basePort", spec.BasePort, "ports", len(bindings))

	id, err := m.driver.CreateContainer(ctx, workspaceID, &driver.RunOptions{
		Image:       spec.Image,
		Cmd:         keepAlive,
		Env:         spec.Env,
		Labels:      labels,
		WorkingDir:  m.opts.BaseDir,
		Ports:       bindings,
		MemoryBytes: m.opts.MemoryBytes,
		NanoCPUs:    m.opts.NanoCPUs,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreateFailed, err)
	}

	if err := m.driver.StartContainer(ctx, id); err != nil {
		m.discard(id)
		return nil, fmt.Errorf("%w: starting container: %w", ErrCreateFailed, err)
	}

	details, err := m.driver.InspectContainer(ctx, id)
	if err != nil {
		m.discard(id)
		return nil, fmt.Errorf("%w: inspecting container: %w", ErrCreateFailed, err)
	}
	m.logger.Info("container created", "workspace", workspaceID, "container", shortID(id))
	return details, nil
}

// discard removes a partially created container. It must run even when the
// caller's context is already done.
func (m *Manager) discard(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.StopTimeout+5*time.Second)
	defer cancel()
	if err := m.driver.DeleteContainer(ctx, id); err != nil && !errors.Is(err, driver.ErrNotFound) {
		m.logger.Warn("failed to remove partially created container", "container", shortID(id), "error", err)
	}
}

func (m *Manager) ensureImage(ctx context.Context, image string) error {
	ok, err := m.driver.ImageExists(ctx, image)
	if err != nil {
		m.logger.Debug("image lookup failed, pulling", "image", image, "error", err)
	}
	if ok {
		return nil
	}
	m.logger.Info("pulling image", "image", image)
	if err := m.driver.PullImage(ctx, image); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrImagePullFailed, image, err)
	}
	return nil
}

// Remove stops the workspace's container with a bounded grace period and
// force-removes it. A container that is already gone, stopped or being
// removed counts as success.
func (m *Manager) Remove(ctx context.Context, workspaceID string) error {
	c, err := m.driver.FindContainer(ctx, workspaceID)
	if err != nil {
		return fmt.Errorf("finding container: %w", err)
	}
	if c == nil {
		return nil
	}

	if c.State.IsRunning() {
		err := m.driver.StopContainer(ctx, c.ID, m.opts.StopTimeout)
		if err != nil && !tolerable(err) {
			// Removal is forced, so a failed stop is not fatal.
			m.logger.Warn("failed to stop container", "workspace", workspaceID, "error", err)
		}
	}

	if err := m.driver.DeleteContainer(ctx, c.ID); err != nil && !tolerable(err) {
		return fmt.Errorf("removing container: %w", err)
	}
	m.logger.Info("container removed", "workspace", workspaceID, "container", shortID(c.ID))
	return nil
}

// Stop stops the workspace's container and keeps it, so its files survive
// until the next start. A missing or already stopped container is fine.
func (m *Manager) Stop(ctx context.Context, workspaceID string) error {
	c, err := m.driver.FindContainer(ctx, workspaceID)
	if err != nil {
		return fmt.Errorf("finding container: %w", err)
	}
	if c == nil || !c.State.IsRunning() {
		return nil
	}
	if err := m.driver.StopContainer(ctx, c.ID, m.opts.StopTimeout); err != nil && !tolerable(err) {
		return fmt.Errorf("stopping container: %w", err)
	}
	m.logger.Info("container stopped", "workspace", workspaceID, "container", shortID(c.ID))
	return nil
}

// tolerable reports whether a lifecycle error means the target state has
// already been reached.
func tolerable(err error) bool {
	return errors.Is(err, driver.ErrNotFound) || errors.Is(err, driver.ErrConflict)
}

// Find returns the workspace's container, or nil when none exists.
func (m *Manager) Find(ctx context.Context, workspaceID string) (*driver.ContainerDetails, error) {
	c, err := m.driver.FindContainer(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("finding container: %w", err)
	}
	return c, nil
}

// EnsureRunning starts the workspace's container if it exists but is
// stopped. It returns nil details when no container exists.
func (m *Manager) EnsureRunning(ctx context.Context, workspaceID string) (*driver.ContainerDetails, error) {
	c, err := m.Find(ctx, workspaceID)
	if err != nil || c == nil {
		return nil, err
	}
	if c.State.IsRunning() {
		return c, nil
	}
	if c.State.IsRemoving() {
		return nil, nil
	}

	m.logger.Info("starting stopped container", "workspace", workspaceID, "status", c.State.Status)
	if err := m.driver.StartContainer(ctx, c.ID); err != nil {
		if errors.Is(err, driver.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("starting container: %w", err)
	}
	return m.Inspect(ctx, c.ID)
}

// Inspect returns fresh details for a container ID.
func (m *Manager) Inspect(ctx context.Context, containerID string) (*driver.ContainerDetails, error) {
	c, err := m.driver.InspectContainer(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("inspecting container: %w", err)
	}
	return c, nil
}

// Ports returns the container's published port table, always freshly
// inspected.
func (m *Manager) Ports(ctx context.Context, containerID string) ([]driver.PortBinding, error) {
	c, err := m.Inspect(ctx, containerID)
	if err != nil {
		return nil, err
	}
	return c.Ports, nil
}

// List returns every workspace container known to the runtime.
func (m *Manager) List(ctx context.Context) ([]driver.ContainerDetails, error) {
	cs, err := m.driver.ListContainers(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}
	return cs, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
