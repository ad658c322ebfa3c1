package driver

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a container or exec session does not exist.
var ErrNotFound = errors.New("container not found")

// ErrConflict is returned when the runtime rejects a state transition, e.g.
// stopping a container that is already stopped or removing one that is
// already being removed.
var ErrConflict = errors.New("container state conflict")

// Driver abstracts the container runtime.
type Driver interface {
	// FindContainer locates a container by workspace ID, first by label and
	// then by name. Returns nil if no container is found.
	FindContainer(ctx context.Context, workspaceID string) (*ContainerDetails, error)

	// InspectContainer returns fresh details for a container ID.
	InspectContainer(ctx context.Context, containerID string) (*ContainerDetails, error)

	// ListContainers returns all containers carrying the workspace label.
	ListContainers(ctx context.Context) ([]ContainerDetails, error)

	// ImageExists reports whether the image is present in the local cache.
	ImageExists(ctx context.Context, image string) (bool, error)

	// PullImage pulls an image and blocks until the pull completes.
	PullImage(ctx context.Context, image string) error

	// CreateContainer creates (but does not start) a container for the
	// workspace and returns its ID.
	CreateContainer(ctx context.Context, workspaceID string, options *RunOptions) (string, error)

	// StartContainer starts a created or stopped container.
	StartContainer(ctx context.Context, containerID string) error

	// StopContainer stops a running container, waiting at most timeout
	// before the runtime kills it.
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error

	// DeleteContainer force-removes a container.
	DeleteContainer(ctx context.Context, containerID string) error

	// ExecContainer starts a command inside a running container. The
	// returned session streams the runtime's multiplexed output.
	ExecContainer(ctx context.Context, containerID string, options *ExecOptions) (*ExecSession, error)
}
