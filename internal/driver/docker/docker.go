package docker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"github.com/fgrehm/cribd/internal/driver"
)

// Driver implements driver.Driver against the Docker Engine API. Podman's
// Docker-compatible socket works as well.
type Driver struct {
	client *client.Client
	logger *slog.Logger
}

var _ driver.Driver = (*Driver)(nil)

// New connects to the runtime at host (auto-detected when empty) and verifies
// that it responds.
func New(ctx context.Context, host string, logger *slog.Logger) (*Driver, error) {
	if host == "" {
		host = DetectHost()
	}

	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating runtime client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("container runtime at %q not responsive: %w", cli.DaemonHost(), err)
	}

	logger.Info("connected to container runtime", "host", cli.DaemonHost(), "api", cli.ClientVersion())
	return &Driver{client: cli, logger: logger}, nil
}

// Close releases the underlying client connection.
func (d *Driver) Close() error {
	return d.client.Close()
}

// DetectHost picks the runtime socket.
// Priority: CRIBD_RUNTIME_HOST env > DOCKER_HOST env > rootless podman socket > client default.
func DetectHost() string {
	if h := os.Getenv("CRIBD_RUNTIME_HOST"); h != "" {
		return h
	}
	if h := os.Getenv("DOCKER_HOST"); h != "" {
		return h
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		sock := filepath.Join(dir, "podman", "podman.sock")
		if _, err := os.Stat(sock); err == nil {
			return "unix://" + sock
		}
	}
	return ""
}

// mapError translates runtime errors into the driver sentinels. The runtime's
// message is kept so callers can surface it.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%w: %v", driver.ErrNotFound, err)
	case errdefs.IsConflict(err), errdefs.IsNotModified(err):
		return fmt.Errorf("%w: %v", driver.ErrConflict, err)
	}
	// Some runtimes report transitions as plain server errors.
	msg := err.Error()
	if strings.Contains(msg, "is not running") || strings.Contains(msg, "already in progress") {
		return fmt.Errorf("%w: %v", driver.ErrConflict, err)
	}
	if strings.Contains(msg, "No such container") {
		return fmt.Errorf("%w: %v", driver.ErrNotFound, err)
	}
	return err
}

// isNotFound reports whether err means the object is gone.
func isNotFound(err error) bool {
	return errors.Is(mapError(err), driver.ErrNotFound)
}
