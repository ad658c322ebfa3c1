package engine

import (
	"context"

	"github.com/fgrehm/cribd/internal/devserver"
	"github.com/fgrehm/cribd/internal/errdefs"
	"github.com/fgrehm/cribd/internal/workspace"
)

// StartServer starts the dev server detached. An empty command uses the
// one recorded in the workspace metadata. It returns the command started.
func (e *Engine) StartServer(ctx context.Context, owner, id, command string) (string, error) {
	const op = "start dev server"
	err := e.within(ctx, op, owner, id, true, func(ws *workspace.Workspace, cid string) error {
		if command == "" {
			if m := e.readMetadata(ctx, cid, ws); m != nil {
				command = m.ServerConfig.DevCommand
			}
		}
		if command == "" {
			return errdefs.Newf(errdefs.InvalidArgument, op, "no dev server command for workspace %s", id)
		}
		return e.resolver.Start(ctx, id, cid, command, e.files.Base())
	})
	if err != nil {
		return "", err
	}
	return command, nil
}

// Preview resolves the dev server endpoint once. NoActiveServer means the
// caller should poll; PortsMissing means the container needs
// RecreateWithPorts.
func (e *Engine) Preview(ctx context.Context, owner, id string) (*devserver.Endpoint, error) {
	var ep *devserver.Endpoint
	err := e.within(ctx, "preview", owner, id, false, func(ws *workspace.Workspace, cid string) (err error) {
		ep, err = e.resolver.Resolve(ctx, id, cid, e.readMetadata(ctx, cid, ws))
		return err
	})
	return ep, err
}

// WaitForPreview polls Preview within the configured attempt budget. The
// workspace lock is not held while waiting.
func (e *Engine) WaitForPreview(ctx context.Context, owner, id string) (*devserver.Endpoint, error) {
	const op = "wait for preview"
	ws, err := e.authorize(ctx, op, owner, id)
	if err != nil {
		return nil, err
	}
	c, err := e.running(ctx, op, ws)
	if err != nil {
		return nil, err
	}
	meta := e.readMetadata(ctx, c.ID, ws)
	ep, err := e.resolver.Wait(ctx, id, c.ID, meta, e.opts.PreviewAttempts, e.opts.PreviewInterval)
	if err != nil {
		return nil, fatal(op, err)
	}
	return ep, nil
}

// OpenResult describes a workspace made interactive by Open.
type OpenResult struct {
	*ResumeResult
	Endpoint *devserver.Endpoint `json:"endpoint"`

	// Salvaged is true when the container was recreated to publish ports.
	Salvaged bool `json:"salvaged,omitempty"`
}

// Open resumes a workspace and returns its dev server endpoint, starting
// the server when none is running. A container without published ports is
// recreated once with ports before giving up.
func (e *Engine) Open(ctx context.Context, owner, id string) (*OpenResult, error) {
	res, err := e.Resume(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	out := &OpenResult{ResumeResult: res}

	ep, err := e.Preview(ctx, owner, id)
	if errdefs.Is(err, errdefs.PortsMissing) {
		e.logger.Warn("workspace container has no usable port binding, recreating", "workspace", id, "error", err)
		if _, err := e.RecreateWithPorts(ctx, owner, id); err != nil {
			return nil, err
		}
		out.Salvaged = true
		ep, err = e.Preview(ctx, owner, id)
	}
	if errdefs.Is(err, errdefs.NoActiveServer) {
		if _, err := e.StartServer(ctx, owner, id, ""); err != nil {
			return nil, err
		}
		ep, err = e.WaitForPreview(ctx, owner, id)
	}
	if err != nil {
		return nil, err
	}
	out.Endpoint = ep
	return out, nil
}
