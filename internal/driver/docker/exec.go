package docker

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/pkg/jsonmessage"

	"github.com/fgrehm/cribd/internal/driver"
)

const (
	exitPollAttempts = 20
	exitPollInterval = 50 * time.Millisecond
)

// ExecContainer creates an exec session and attaches to its multiplexed
// output stream. No TTY is allocated, so the stream keeps the 8-byte frame
// headers.
func (d *Driver) ExecContainer(ctx context.Context, containerID string, opts *driver.ExecOptions) (*driver.ExecSession, error) {
	created, err := d.client.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          opts.Cmd,
		WorkingDir:   opts.WorkingDir,
		Env:          opts.Env,
		User:         opts.User,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, mapError(err)
	}

	hijacked, err := d.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, mapError(err)
	}

	execID := created.ID
	return &driver.ExecSession{
		ID: execID,
		Stream: &hijackedStream{
			Reader: hijacked.Reader,
			close:  hijacked.Close,
		},
		ExitCode: func(ctx context.Context) (int, error) {
			// The runtime can report the exec as running for a moment after
			// the stream hits EOF.
			for attempt := 0; ; attempt++ {
				info, err := d.client.ContainerExecInspect(ctx, execID)
				if err != nil {
					return -1, mapError(err)
				}
				if !info.Running {
					return info.ExitCode, nil
				}
				if attempt >= exitPollAttempts {
					return -1, fmt.Errorf("exec %s still running", execID)
				}
				select {
				case <-ctx.Done():
					return -1, ctx.Err()
				case <-time.After(exitPollInterval):
				}
			}
		},
	}, nil
}

// hijackedStream adapts the hijacked connection to an io.ReadCloser.
type hijackedStream struct {
	io.Reader
	close func()
}

func (s *hijackedStream) Close() error {
	s.close()
	return nil
}

// ImageExists reports whether the image is in the local cache.
func (d *Driver) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, err := d.client.ImageInspect(ctx, ref)
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("inspecting image %s: %w", ref, err)
}

// PullImage pulls ref and waits for the progress stream to finish. Errors
// reported inside the stream are returned.
func (d *Driver) PullImage(ctx context.Context, ref string) error {
	d.logger.Info("pulling image", "image", ref)
	rc, err := d.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, mapError(err))
	}
	defer func() { _ = rc.Close() }()

	if err := jsonmessage.DisplayJSONMessagesStream(rc, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	return nil
}
