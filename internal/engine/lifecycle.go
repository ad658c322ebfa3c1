package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fgrehm/cribd/internal/config"
	"github.com/fgrehm/cribd/internal/container"
	"github.com/fgrehm/cribd/internal/driver"
	"github.com/fgrehm/cribd/internal/errdefs"
	"github.com/fgrehm/cribd/internal/workspace"
)

// teardownTimeout bounds cleanup that runs after the request is gone.
const teardownTimeout = 2 * time.Minute

// CreateRequest describes a new workspace.
type CreateRequest struct {
	// ID is optional. Creating an ID the owner already has re-provisions
	// that workspace.
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Template    string `json:"template,omitempty"`

	// RepoURL is the remote the workspace saves to.
	RepoURL string `json:"repoUrl,omitempty"`
	Branch  string `json:"branch,omitempty"`

	// Import clones RepoURL instead of scaffolding the template.
	Import bool `json:"import,omitempty"`
}

// Create provisions a new workspace: registry record, container, project
// files (scaffolded or cloned), metadata and optional repository. Any
// failure removes the partially created container.
func (e *Engine) Create(ctx context.Context, owner string, req CreateRequest) (*workspace.Workspace, error) {
	const op = "create workspace"
	if owner == "" {
		return nil, errdefs.Newf(errdefs.Unauthorized, op, "no user identity")
	}
	t, err := e.templates.Get(req.Template)
	if err != nil {
		return nil, fatal(op, err)
	}
	if req.Import && req.RepoURL == "" {
		return nil, errdefs.Newf(errdefs.InvalidArgument, op, "import requires a repository URL")
	}

	id, existed := req.ID, false
	var createdAt time.Time
	if id == "" {
		id = e.newID()
	} else {
		prev, err := e.store.Get(ctx, id)
		switch {
		case err == nil:
			if prev.Owner != owner {
				return nil, errdefs.Newf(errdefs.Forbidden, op, "workspace %s belongs to another user", id)
			}
			existed, createdAt = true, prev.CreatedAt
		case !errors.Is(err, workspace.ErrWorkspaceNotFound):
			return nil, fatal(op, err)
		}
	}

	lock := e.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	name := req.Name
	if name == "" {
		name = id
	}
	ws := &workspace.Workspace{
		ID:          id,
		Owner:       owner,
		Name:        name,
		Description: req.Description,
		Template:    t.Name,
		RepoURL:     req.RepoURL,
		Branch:      req.Branch,
		CreatedAt:   createdAt,
	}
	if err := e.store.Save(ctx, ws); err != nil {
		return nil, fatal(op, err)
	}
	e.logger.Info("creating workspace", "workspace", id, "template", t.Name, "import", req.Import)

	pctx, cancel := context.WithTimeout(ctx, e.opts.CreateTimeout)
	defer cancel()
	details, err := e.provision(pctx, ws, t, req.Import)
	if err != nil {
		e.rollback(id, existed)
		return nil, fatal(op, err)
	}

	ws.ContainerID = details.ID
	if err := e.store.Save(ctx, ws); err != nil {
		e.rollback(id, existed)
		return nil, fatal(op, err)
	}
	e.tracker.Touch(id)
	e.logger.Info("workspace created", "workspace", id, "container", shortID(details.ID))
	return ws, nil
}

// provision creates the container and fills it with the project.
func (e *Engine) provision(ctx context.Context, ws *workspace.Workspace, t *config.Template, importRepo bool) (*driver.ContainerDetails, error) {
	details, err := e.containers.Create(ctx, ws.ID, e.createSpec(ws, t))
	if err != nil {
		return nil, err
	}
	if importRepo {
		res, err := e.git.Clone(ctx, details.ID, e.remote(ws), e.opts.Git.Identity, t.InstallCommand)
		if err != nil {
			return nil, err
		}
		if res.InstallError != "" {
			e.logger.Warn("workspace imported without dependencies", "workspace", ws.ID, "error", res.InstallError)
		}
	} else {
		if err := e.scaffold(ctx, details.ID, t); err != nil {
			return nil, err
		}
		if e.opts.Git.InitRepo {
			if err := e.git.Init(ctx, details.ID, e.opts.Git.Identity, e.remote(ws).Branch); err != nil {
				return nil, err
			}
		}
	}
	if err := e.writeMetadata(ctx, details.ID, ws, t); err != nil {
		return nil, err
	}
	return details, nil
}

// scaffoldConcurrency bounds parallel template file writes.
const scaffoldConcurrency = 4

func (e *Engine) scaffold(ctx context.Context, containerID string, t *config.Template) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(scaffoldConcurrency)
	for p, content := range t.Files {
		g.Go(func() error {
			if err := e.files.WriteFile(ctx, containerID, p, []byte(content)); err != nil {
				return fmt.Errorf("scaffolding %s: %w", p, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// rollback removes a partially provisioned container. A record that existed
// before the call is kept with its container reference cleared.
func (e *Engine) rollback(id string, keepRecord bool) {
	ctx, cancel := detached(teardownTimeout)
	defer cancel()
	if err := e.containers.Remove(ctx, id); err != nil {
		e.logger.Warn("rollback: failed to remove container", "workspace", id, "error", err)
	}
	if keepRecord {
		if err := e.store.SetContainer(ctx, id, ""); err != nil {
			e.logger.Warn("rollback: failed to clear container reference", "workspace", id, "error", err)
		}
	} else if err := e.store.Delete(ctx, id); err != nil {
		e.logger.Warn("rollback: failed to delete workspace record", "workspace", id, "error", err)
	}
	e.forget(id, "")
}

// Pause saves the workspace to its remote (best-effort) and removes its
// container. A workspace without a remote has nowhere to save to, so its
// container is stopped and kept instead.
func (e *Engine) Pause(ctx context.Context, owner, id string) error {
	const op = "pause workspace"
	ws, err := e.authorize(ctx, op, owner, id)
	if err != nil {
		return err
	}
	ctx, cancel := unbound(ctx, teardownTimeout)
	defer cancel()
	lock := e.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	c, err := e.containers.Find(ctx, id)
	if err != nil {
		return fatal(op, err)
	}
	if c == nil {
		if ws.ContainerID != "" {
			return fatal(op, e.store.SetContainer(ctx, id, ""))
		}
		return nil
	}
	removed, err := e.teardown(ctx, ws, c)
	if err != nil {
		return fatal(op, err)
	}
	e.forget(id, c.ID)
	if removed {
		return fatal(op, e.store.SetContainer(ctx, id, ""))
	}
	return nil
}

// Cleanup is the exit path when a user navigates away: save (best-effort),
// remove and clear the registry reference. Only authorization and removal
// failures are returned.
func (e *Engine) Cleanup(ctx context.Context, owner, id string) error {
	const op = "clean up workspace"
	ws, err := e.authorize(ctx, op, owner, id)
	if err != nil {
		return err
	}
	return fatal(op, e.cleanup(ctx, ws))
}

// Reclaim is Cleanup without an ownership check, for the idle reaper.
func (e *Engine) Reclaim(ctx context.Context, id string) error {
	ws, err := e.store.Get(ctx, id)
	if errors.Is(err, workspace.ErrWorkspaceNotFound) {
		// The record is gone; only the container is left to reclaim.
		if err := e.containers.Remove(ctx, id); err != nil {
			return fatal("reclaim workspace", err)
		}
		e.forget(id, "")
		return nil
	}
	if err != nil {
		return fatal("reclaim workspace", err)
	}
	e.logger.Info("reclaiming idle workspace", "workspace", id)
	return fatal("reclaim workspace", e.cleanup(ctx, ws))
}

// cleanup outlives ctx so a disconnect never leaves the container behind.
func (e *Engine) cleanup(ctx context.Context, ws *workspace.Workspace) error {
	ctx, cancel := unbound(ctx, teardownTimeout)
	defer cancel()
	lock := e.locks.get(ws.ID)
	lock.Lock()
	defer lock.Unlock()

	c, err := e.containers.Find(ctx, ws.ID)
	if err != nil {
		return err
	}
	removed := true
	if c != nil {
		if removed, err = e.teardown(ctx, ws, c); err != nil {
			return err
		}
		e.forget(ws.ID, c.ID)
	} else {
		e.forget(ws.ID, "")
	}
	if removed && ws.ContainerID != "" {
		e.bestEffort(ctx, "clear container reference", ws.ID, func(ctx context.Context) error {
			return e.store.SetContainer(ctx, ws.ID, "")
		})
	}
	return nil
}

// teardown saves and removes a container, or only stops it when the
// workspace has no remote. It reports whether the container was removed.
// Callers hold the write lock.
func (e *Engine) teardown(ctx context.Context, ws *workspace.Workspace, c *driver.ContainerDetails) (bool, error) {
	if !ws.HasRemote() {
		e.logger.Info("workspace has no remote, stopping instead of removing", "workspace", ws.ID)
		return false, e.containers.Stop(ctx, ws.ID)
	}

	containerID := c.ID
	if !c.State.IsRunning() {
		e.bestEffort(ctx, "start container for save", ws.ID, func(ctx context.Context) error {
			started, err := e.containers.EnsureRunning(ctx, ws.ID)
			if err != nil {
				return err
			}
			if started == nil {
				return fmt.Errorf("container for %s disappeared", ws.ID)
			}
			containerID = started.ID
			return nil
		})
	}
	e.bestEffort(ctx, "save before teardown", ws.ID, func(ctx context.Context) error {
		if e.opts.Git.Token == "" {
			return fmt.Errorf("skipping save: %s", tokenHint)
		}
		_, err := e.save(ctx, ws, containerID, "Save workspace")
		return err
	})
	if err := e.containers.Remove(ctx, ws.ID); err != nil {
		return false, err
	}
	return true, nil
}

// save commits and pushes, then records the save time.
func (e *Engine) save(ctx context.Context, ws *workspace.Workspace, containerID, message string) (bool, error) {
	committed, err := e.git.Save(ctx, containerID, message, e.remote(ws), e.opts.Git.Identity)
	if err != nil {
		return committed, err
	}
	now := e.now().UTC()
	ws.SavedAt = &now
	if err := e.store.Save(ctx, ws); err != nil {
		return committed, fmt.Errorf("recording save: %w", err)
	}
	e.logger.Info("workspace saved", "workspace", ws.ID, "committed", committed)
	return committed, nil
}

// Resume actions.
const (
	ActionRunning   = "running"
	ActionStarted   = "started"
	ActionRecreated = "recreated"
)

// ResumeResult describes what Resume did.
type ResumeResult struct {
	Workspace   *workspace.Workspace `json:"workspace"`
	ContainerID string               `json:"containerId"`

	// Action is ActionRunning, ActionStarted or ActionRecreated.
	Action string `json:"action"`

	// Restored is true when the files were cloned from the remote.
	Restored bool `json:"restored"`

	// InstallError reports a failed dependency install; the workspace is
	// usable but degraded.
	InstallError string `json:"installError,omitempty"`
}

// Resume makes a workspace's container run again: a running container is
// reported as is, a stopped one is started and a missing one is recreated
// and restored from the remote (or re-scaffolded when there is none).
// Concurrent resumes of the same workspace share one execution, which is
// not canceled with any single caller; a caller that gives up gets its own
// context error while the others keep waiting.
func (e *Engine) Resume(ctx context.Context, owner, id string) (*ResumeResult, error) {
	const op = "resume workspace"
	ws, err := e.authorize(ctx, op, owner, id)
	if err != nil {
		return nil, err
	}
	ch := e.resumes.DoChan(id, func() (any, error) {
		rctx, cancel := unbound(ctx, e.opts.CreateTimeout+teardownTimeout)
		defer cancel()
		return e.resume(rctx, ws)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, fatal(op, r.Err)
		}
		return r.Val.(*ResumeResult), nil
	case <-ctx.Done():
		return nil, fatal(op, ctx.Err())
	}
}

func (e *Engine) resume(ctx context.Context, ws *workspace.Workspace) (*ResumeResult, error) {
	const op = "resume workspace"
	lock := e.locks.get(ws.ID)
	lock.Lock()
	defer lock.Unlock()

	c, err := e.containers.Find(ctx, ws.ID)
	if err != nil {
		return nil, err
	}
	if c != nil && c.State.IsRunning() {
		e.tracker.Touch(ws.ID)
		return e.attached(ctx, ws, c.ID, ActionRunning)
	}
	if c != nil {
		started, err := e.containers.EnsureRunning(ctx, ws.ID)
		if err != nil {
			return nil, err
		}
		if started != nil {
			// The dev server did not survive the stop.
			e.resolver.Forget(ws.ID)
			e.tracker.Touch(ws.ID)
			return e.attached(ctx, ws, started.ID, ActionStarted)
		}
	}

	t, err := e.template(ws)
	if err != nil {
		return nil, err
	}
	if ws.HasRemote() && e.opts.Git.Token == "" {
		return nil, errdefs.Newf(errdefs.Unauthorized, op, "workspace %s saves to %s but no git token is configured; %s", ws.ID, ws.RepoURL, tokenHint)
	}

	pctx, cancel := context.WithTimeout(ctx, e.opts.CreateTimeout)
	defer cancel()
	details, err := e.containers.Create(pctx, ws.ID, e.createSpec(ws, t))
	if err != nil {
		return nil, err
	}
	e.forget(ws.ID, "")

	res := &ResumeResult{Action: ActionRecreated, ContainerID: details.ID}
	if ws.HasRemote() {
		clone, err := e.git.Clone(pctx, details.ID, e.remote(ws), e.opts.Git.Identity, t.InstallCommand)
		if err != nil {
			e.rollback(ws.ID, true)
			if kindOf(err) == errdefs.Unauthorized {
				return nil, errdefs.New(errdefs.Unauthorized, op, fmt.Errorf("%w; %s", err, tokenHint))
			}
			return nil, err
		}
		res.Restored = true
		res.InstallError = clone.InstallError
	} else {
		e.logger.Warn("workspace has no remote, starting from the template", "workspace", ws.ID)
		err := e.scaffold(pctx, details.ID, t)
		if err == nil && e.opts.Git.InitRepo {
			err = e.git.Init(pctx, details.ID, e.opts.Git.Identity, e.remote(ws).Branch)
		}
		if err != nil {
			e.rollback(ws.ID, true)
			return nil, err
		}
	}
	if err := e.writeMetadata(pctx, details.ID, ws, t); err != nil {
		e.rollback(ws.ID, true)
		return nil, err
	}

	ws.ContainerID = details.ID
	if err := e.store.Save(ctx, ws); err != nil {
		return nil, err
	}
	e.tracker.Touch(ws.ID)
	e.logger.Info("workspace resumed", "workspace", ws.ID, "container", shortID(details.ID), "restored", res.Restored)
	res.Workspace = ws
	return res, nil
}

// attached records the container reference when it changed.
func (e *Engine) attached(ctx context.Context, ws *workspace.Workspace, containerID, action string) (*ResumeResult, error) {
	if ws.ContainerID != containerID {
		if err := e.store.SetContainer(ctx, ws.ID, containerID); err != nil {
			return nil, err
		}
		ws.ContainerID = containerID
	}
	return &ResumeResult{Workspace: ws, ContainerID: containerID, Action: action}, nil
}

// RecreateWithPorts rebuilds a container that has no published ports,
// salvaging its metadata and a bounded number of files.
func (e *Engine) RecreateWithPorts(ctx context.Context, owner, id string) (*container.SalvageReport, error) {
	const op = "recreate workspace with ports"
	ws, err := e.authorize(ctx, op, owner, id)
	if err != nil {
		return nil, err
	}
	t, err := e.template(ws)
	if err != nil {
		return nil, fatal(op, err)
	}
	lock := e.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	pctx, cancel := context.WithTimeout(ctx, e.opts.CreateTimeout)
	defer cancel()
	details, report, err := e.containers.RecreateWithPortsPreserved(pctx, id, e.createSpec(ws, t))
	if err != nil {
		return nil, fatal(op, err)
	}
	if !report.Recreated {
		return report, nil
	}
	e.resolver.Forget(id)

	hasMetadata := false
	for _, p := range report.Restored {
		if p == workspace.MetadataFile {
			hasMetadata = true
			break
		}
	}
	if !hasMetadata {
		if err := e.writeMetadata(pctx, details.ID, ws, t); err != nil {
			return report, fatal(op, err)
		}
	}
	if err := e.store.SetContainer(ctx, id, details.ID); err != nil {
		return report, fatal(op, err)
	}
	e.tracker.Touch(id)
	return report, nil
}

// SaveResult describes an explicit save.
type SaveResult struct {
	Committed bool       `json:"committed"`
	SavedAt   *time.Time `json:"savedAt,omitempty"`
}

// Save commits and pushes the workspace. Unlike the save on pause, failures
// are returned.
func (e *Engine) Save(ctx context.Context, owner, id, message string) (*SaveResult, error) {
	const op = "save workspace"
	ws, err := e.authorize(ctx, op, owner, id)
	if err != nil {
		return nil, err
	}
	if !ws.HasRemote() {
		return nil, errdefs.Newf(errdefs.InvalidArgument, op, "workspace %s has no remote repository", id)
	}
	if e.opts.Git.Token == "" {
		return nil, errdefs.Newf(errdefs.Unauthorized, op, "no git token is configured; %s", tokenHint)
	}
	lock := e.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	c, err := e.running(ctx, op, ws)
	if err != nil {
		return nil, err
	}
	committed, err := e.save(ctx, ws, c.ID, message)
	if err != nil {
		return nil, fatal(op, err)
	}
	e.tracker.Touch(id)
	return &SaveResult{Committed: committed, SavedAt: ws.SavedAt}, nil
}

// DeleteOptions tune Delete.
type DeleteOptions struct {
	// DeleteRepo also deletes the remote repository.
	DeleteRepo bool
}

// Delete removes the container and the registry record, and optionally the
// remote repository.
func (e *Engine) Delete(ctx context.Context, owner, id string, opts DeleteOptions) error {
	const op = "delete workspace"
	ws, err := e.authorize(ctx, op, owner, id)
	if err != nil {
		return err
	}
	lock := e.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	if err := e.containers.Remove(ctx, id); err != nil {
		return fatal(op, err)
	}
	if opts.DeleteRepo && ws.HasRemote() {
		if e.opts.Repos == nil {
			e.logger.Warn("no repository client configured, keeping remote", "workspace", id, "repo", ws.RepoURL)
		} else if err := e.opts.Repos.DeleteRepo(ctx, ws.RepoURL); err != nil {
			return fatal(op, fmt.Errorf("deleting remote repository: %w", err))
		}
	}
	if err := e.store.Delete(ctx, id); err != nil {
		return fatal(op, err)
	}
	e.forget(id, ws.ContainerID)
	e.locks.drop(id)
	e.logger.Info("workspace deleted", "workspace", id)
	return nil
}

// Status describes a workspace and its container.
type Status struct {
	Workspace *workspace.Workspace `json:"workspace"`

	// State is the container's runtime status, or "absent".
	State          string               `json:"state"`
	ContainerID    string               `json:"containerId,omitempty"`
	Ports          []driver.PortBinding `json:"ports,omitempty"`
	PortsPublished bool                 `json:"portsPublished"`
	LastActive     *time.Time           `json:"lastActive,omitempty"`
}

// StateAbsent is the Status state of a workspace without a container.
const StateAbsent = "absent"

// Status reports a workspace's state as the runtime sees it now.
func (e *Engine) Status(ctx context.Context, owner, id string) (*Status, error) {
	const op = "workspace status"
	ws, err := e.authorize(ctx, op, owner, id)
	if err != nil {
		return nil, err
	}
	st := &Status{Workspace: ws, State: StateAbsent}
	if t, ok := e.tracker.LastActive(id); ok {
		st.LastActive = &t
	}
	c, err := e.containers.Find(ctx, id)
	if err != nil {
		return nil, fatal(op, err)
	}
	if c == nil {
		return st, nil
	}
	st.State = c.State.Status
	st.ContainerID = c.ID
	st.Ports = c.Ports
	st.PortsPublished = c.HasPublishedPorts()
	return st, nil
}

// List returns the owner's workspaces, most recently updated first.
func (e *Engine) List(ctx context.Context, owner string) ([]*workspace.Workspace, error) {
	const op = "list workspaces"
	if owner == "" {
		return nil, errdefs.Newf(errdefs.Unauthorized, op, "no user identity")
	}
	list, err := e.store.List(ctx, owner)
	if err != nil {
		return nil, fatal(op, err)
	}
	return list, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
