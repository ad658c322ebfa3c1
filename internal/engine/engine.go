// Package engine is the workspace lifecycle coordinator. It sequences the
// container manager, file layer, git bridge and dev server resolver for
// create, pause, resume, cleanup, salvage, save and delete, checks
// ownership before touching a container and classifies every failure into
// an errdefs.Kind.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/fgrehm/cribd/internal/channel"
	"github.com/fgrehm/cribd/internal/config"
	"github.com/fgrehm/cribd/internal/container"
	"github.com/fgrehm/cribd/internal/devserver"
	"github.com/fgrehm/cribd/internal/driver"
	"github.com/fgrehm/cribd/internal/errdefs"
	"github.com/fgrehm/cribd/internal/files"
	"github.com/fgrehm/cribd/internal/gitbridge"
	"github.com/fgrehm/cribd/internal/workspace"
)

// tokenHint is appended to credential failures so callers can prompt for
// reconfiguration instead of retrying.
const tokenHint = "configure a valid git token (CRIBD_GIT_TOKEN) and resume again"

// DefaultImage is the base image for templates that do not name one.
const DefaultImage = "node:20-bookworm"

// RepoDeleter removes a workspace's remote repository on the git host.
type RepoDeleter interface {
	DeleteRepo(ctx context.Context, repoURL string) error
}

// GitOptions configures persistence.
type GitOptions struct {
	Token    string
	Branch   string
	Identity gitbridge.Identity

	// InitRepo initializes a repository in new workspaces.
	InitRepo bool
}

// Options configures an Engine.
type Options struct {
	// Image is the base image for templates that do not name one.
	Image string

	Container container.Options

	// Ports allocates host ports; nil uses container.HostPortAllocator.
	Ports container.PortAllocator

	Preview         devserver.Options
	PreviewAttempts int
	PreviewInterval time.Duration

	Git GitOptions

	// CreateTimeout bounds provisioning (pull, create, scaffold or clone).
	CreateTimeout time.Duration

	// Repos deletes remote repositories on request; may be nil.
	Repos RepoDeleter
}

// Engine coordinates workspace lifecycles. It is safe for concurrent use.
type Engine struct {
	store      workspace.Store
	templates  config.Catalog
	containers *container.Manager
	channel    *channel.Channel
	files      *files.FS
	git        *gitbridge.Bridge
	resolver   *devserver.Resolver
	tracker    *container.Tracker
	opts       Options
	logger     *slog.Logger

	locks   lockTable
	resumes singleflight.Group

	newID func() string
	now   func() time.Time
}

// New wires an Engine over a container runtime and a workspace registry.
func New(d driver.Driver, store workspace.Store, templates config.Catalog, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Image == "" {
		opts.Image = DefaultImage
	}
	if opts.Ports == nil {
		opts.Ports = container.HostPortAllocator{}
	}
	if opts.Container.BaseDir == "" {
		opts.Container.BaseDir = files.DefaultBase
	}
	if opts.CreateTimeout <= 0 {
		opts.CreateTimeout = 5 * time.Minute
	}
	if templates == nil {
		templates = config.Builtin()
	}

	ch := channel.New(d, logger)
	fs := files.New(ch, opts.Container.BaseDir)
	containers := container.NewManager(d, opts.Ports, fs, opts.Container, logger)
	return &Engine{
		store:      store,
		templates:  templates,
		containers: containers,
		channel:    ch,
		files:      fs,
		git:        gitbridge.New(ch, fs, logger),
		resolver:   devserver.New(ch, containers, opts.Preview, logger),
		tracker:    container.NewTracker(),
		opts:       opts,
		logger:     logger,
		locks:      lockTable{m: map[string]*sync.RWMutex{}},
		newID:      uuid.NewString,
		now:        time.Now,
	}
}

// Tracker returns the activity tracker the idle reaper sweeps.
func (e *Engine) Tracker() *container.Tracker {
	return e.tracker
}

// Containers returns the container manager.
func (e *Engine) Containers() *container.Manager {
	return e.containers
}

// lockTable holds one RWMutex per workspace. Lifecycle transitions take the
// write lock; file and exec calls share the read lock.
type lockTable struct {
	mu sync.Mutex
	m  map[string]*sync.RWMutex
}

func (t *lockTable) get(id string) *sync.RWMutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.m[id]
	if !ok {
		l = &sync.RWMutex{}
		t.m[id] = l
	}
	return l
}

func (t *lockTable) drop(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, id)
}

// authorize loads a workspace and checks that owner may operate on it.
func (e *Engine) authorize(ctx context.Context, op, owner, id string) (*workspace.Workspace, error) {
	if owner == "" {
		return nil, errdefs.Newf(errdefs.Unauthorized, op, "no user identity")
	}
	ws, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, fatal(op, err)
	}
	if ws.Owner != owner {
		return nil, errdefs.Newf(errdefs.Forbidden, op, "workspace %s belongs to another user", id)
	}
	return ws, nil
}

// bestEffort runs fn and logs its failure instead of returning it. Teardown
// paths use it so a failed save never blocks removal.
func (e *Engine) bestEffort(ctx context.Context, op, workspaceID string, fn func(context.Context) error) {
	if err := fn(ctx); err != nil {
		e.logger.Warn(op+" failed, continuing", "workspace", workspaceID, "kind", errdefs.KindOf(classify(err)), "error", err)
	}
}

// fatal classifies err for the caller. A nil error stays nil.
func fatal(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *errdefs.Error
	if errors.As(err, &e) {
		return err
	}
	return errdefs.New(kindOf(err), op, err)
}

func classify(err error) error {
	return fatal("", err)
}

// kindOf maps the sentinel errors of the lower layers to a Kind. More
// specific sentinels are checked before generic ones since chains may carry
// both.
func kindOf(err error) errdefs.Kind {
	switch {
	case errors.Is(err, gitbridge.ErrUnauthorized), errors.Is(err, gitbridge.ErrMissingToken):
		return errdefs.Unauthorized
	case errors.Is(err, gitbridge.ErrPushRejected):
		return errdefs.PushRejected
	case errors.Is(err, gitbridge.ErrCloneFailed):
		return errdefs.CloneFailed
	case errors.Is(err, container.ErrImagePullFailed):
		return errdefs.ImagePullFailed
	case errors.Is(err, container.ErrCreateFailed):
		return errdefs.CreateFailed
	case errors.Is(err, devserver.ErrPortNotPublished):
		return errdefs.PortsMissing
	case errors.Is(err, devserver.ErrNoActiveServer):
		return errdefs.NoActiveServer
	case errors.Is(err, channel.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return errdefs.Timeout
	case errors.Is(err, workspace.ErrWorkspaceNotFound), errors.Is(err, files.ErrNotFound), errors.Is(err, driver.ErrNotFound):
		return errdefs.NotFound
	case errors.Is(err, files.ErrInvalidPath), errors.Is(err, config.ErrUnknownTemplate):
		return errdefs.InvalidArgument
	case errors.Is(err, gitbridge.ErrGitUnavailable), errors.Is(err, channel.ErrExecFailed):
		return errdefs.ExecFailed
	}
	var cmdErr *channel.CommandError
	if errors.As(err, &cmdErr) {
		return errdefs.ExecFailed
	}
	return errdefs.Internal
}

// running returns the workspace's running container or a NotFound error
// telling the caller to resume first.
func (e *Engine) running(ctx context.Context, op string, ws *workspace.Workspace) (*driver.ContainerDetails, error) {
	c, err := e.containers.Find(ctx, ws.ID)
	if err != nil {
		return nil, fatal(op, err)
	}
	if c == nil || !c.State.IsRunning() {
		return nil, errdefs.Newf(errdefs.NotFound, op, "container not found for workspace %s; resume it first", ws.ID)
	}
	return c, nil
}

// remote builds the git remote of a workspace.
func (e *Engine) remote(ws *workspace.Workspace) gitbridge.Remote {
	branch := ws.Branch
	if branch == "" {
		branch = e.opts.Git.Branch
	}
	return gitbridge.Remote{URL: ws.RepoURL, Branch: branch, Token: e.opts.Git.Token}
}

// template returns the workspace's template, falling back to the default
// when the catalog no longer has it.
func (e *Engine) template(ws *workspace.Workspace) (*config.Template, error) {
	t, err := e.templates.Get(ws.Template)
	if err == nil {
		return t, nil
	}
	if fallback, ferr := e.templates.Get(""); ferr == nil {
		e.logger.Warn("template not in catalog, using default", "workspace", ws.ID, "template", ws.Template)
		return fallback, nil
	}
	return nil, err
}

func (e *Engine) createSpec(ws *workspace.Workspace, t *config.Template) container.CreateSpec {
	return container.CreateSpec{
		Image:    t.ImageFor(e.opts.Image),
		Name:     ws.Name,
		Template: t.Name,
		BasePort: t.BasePort,
	}
}

// metadata regenerates the in-container metadata from the registry record.
func metadata(ws *workspace.Workspace, t *config.Template) *workspace.Metadata {
	return &workspace.Metadata{
		ID:       ws.ID,
		Name:     ws.Name,
		Template: t.Name,
		ServerConfig: workspace.ServerConfig{
			Type:        t.ServerType,
			DefaultPort: t.BasePort,
			DevCommand:  t.DevCommand,
		},
		GithubRepo: ws.RepoURL,
	}
}

func (e *Engine) writeMetadata(ctx context.Context, containerID string, ws *workspace.Workspace, t *config.Template) error {
	data, err := metadata(ws, t).Marshal()
	if err != nil {
		return err
	}
	if err := e.files.WriteFile(ctx, containerID, workspace.MetadataFile, data); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}
	return nil
}

// readMetadata reads the metadata file, regenerating it from the registry
// when it is missing or unreadable.
func (e *Engine) readMetadata(ctx context.Context, containerID string, ws *workspace.Workspace) *workspace.Metadata {
	raw, err := e.files.ReadFile(ctx, containerID, workspace.MetadataFile)
	if err == nil {
		if m, perr := workspace.ParseMetadata([]byte(raw)); perr == nil {
			return m
		}
	}
	t, terr := e.template(ws)
	if terr != nil {
		return nil
	}
	return metadata(ws, t)
}

// forget drops in-process state tied to a container.
func (e *Engine) forget(workspaceID, containerID string) {
	e.tracker.Forget(workspaceID)
	e.resolver.Forget(workspaceID)
	if containerID != "" {
		e.git.Forget(containerID)
	}
}

// detached returns a context for cleanup work that must finish even when
// the request is canceled.
func detached(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// unbound is like detached but keeps the values of ctx. Work that started
// on behalf of a request runs to completion when the client goes away.
func unbound(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}
