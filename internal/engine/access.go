package engine

import (
	"context"
	"time"

	"github.com/fgrehm/cribd/internal/channel"
	"github.com/fgrehm/cribd/internal/errdefs"
	"github.com/fgrehm/cribd/internal/files"
	"github.com/fgrehm/cribd/internal/workspace"
)

// within runs fn against the workspace's running container under the
// workspace's read lock, so it interleaves freely with other file and exec
// calls but never with a lifecycle transition. Mutating calls pass touch to
// record activity.
func (e *Engine) within(ctx context.Context, op, owner, id string, touch bool, fn func(ws *workspace.Workspace, containerID string) error) error {
	ws, err := e.authorize(ctx, op, owner, id)
	if err != nil {
		return err
	}
	lock := e.locks.get(id)
	lock.RLock()
	defer lock.RUnlock()

	c, err := e.running(ctx, op, ws)
	if err != nil {
		return err
	}
	if touch {
		e.tracker.Touch(id)
	}
	return fatal(op, fn(ws, c.ID))
}

// ReadFile returns a project file.
func (e *Engine) ReadFile(ctx context.Context, owner, id, p string) (string, error) {
	var content string
	err := e.within(ctx, "read file", owner, id, false, func(_ *workspace.Workspace, cid string) (err error) {
		content, err = e.files.ReadFile(ctx, cid, p)
		return err
	})
	return content, err
}

// WriteFile writes a project file, creating parent directories.
func (e *Engine) WriteFile(ctx context.Context, owner, id, p string, content []byte) error {
	return e.within(ctx, "write file", owner, id, true, func(_ *workspace.Workspace, cid string) error {
		return e.files.WriteFile(ctx, cid, p, content)
	})
}

// DeleteFile removes a file or directory tree.
func (e *Engine) DeleteFile(ctx context.Context, owner, id, p string) error {
	return e.within(ctx, "delete file", owner, id, true, func(_ *workspace.Workspace, cid string) error {
		return e.files.Delete(ctx, cid, p)
	})
}

// RenameFile moves a file or directory.
func (e *Engine) RenameFile(ctx context.Context, owner, id, from, to string) error {
	return e.within(ctx, "rename file", owner, id, true, func(_ *workspace.Workspace, cid string) error {
		return e.files.Rename(ctx, cid, from, to)
	})
}

// CopyFile copies a file or directory.
func (e *Engine) CopyFile(ctx context.Context, owner, id, from, to string) error {
	return e.within(ctx, "copy file", owner, id, true, func(_ *workspace.Workspace, cid string) error {
		return e.files.Copy(ctx, cid, from, to)
	})
}

// Mkdir creates a directory and its parents.
func (e *Engine) Mkdir(ctx context.Context, owner, id, p string) error {
	return e.within(ctx, "create directory", owner, id, true, func(_ *workspace.Workspace, cid string) error {
		return e.files.Mkdir(ctx, cid, p)
	})
}

// Stat describes a project path.
func (e *Engine) Stat(ctx context.Context, owner, id, p string) (*files.FileInfo, error) {
	var info *files.FileInfo
	err := e.within(ctx, "stat file", owner, id, false, func(_ *workspace.Workspace, cid string) (err error) {
		info, err = e.files.Stat(ctx, cid, p)
		return err
	})
	return info, err
}

// ListTree returns the project tree under root.
func (e *Engine) ListTree(ctx context.Context, owner, id, root string) ([]*files.Node, error) {
	var nodes []*files.Node
	err := e.within(ctx, "list files", owner, id, false, func(_ *workspace.Workspace, cid string) (err error) {
		nodes, err = e.files.ListTree(ctx, cid, root)
		return err
	})
	return nodes, err
}

// ExecOptions tune Exec.
type ExecOptions struct {
	// Dir is project-relative; empty means the project root.
	Dir     string        `json:"dir,omitempty"`
	Env     []string      `json:"env,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Exec runs a command in the workspace. A non-zero exit code is reported in
// the result, not as an error.
func (e *Engine) Exec(ctx context.Context, owner, id string, argv []string, opts ExecOptions) (*channel.Result, error) {
	const op = "exec"
	if len(argv) == 0 {
		return nil, errdefs.Newf(errdefs.InvalidArgument, op, "empty command")
	}
	var res *channel.Result
	err := e.within(ctx, op, owner, id, true, func(_ *workspace.Workspace, cid string) error {
		dir, err := e.files.Abs(opts.Dir)
		if err != nil {
			return err
		}
		res, err = e.channel.Execute(ctx, cid, argv, channel.Options{WorkingDir: dir, Env: opts.Env, Timeout: opts.Timeout})
		return err
	})
	return res, err
}
