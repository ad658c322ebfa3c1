// Package api exposes the workspace engine over HTTP. Authentication
// happens upstream: the caller's identity arrives in the X-User-Id header
// and the engine enforces ownership with it.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/fgrehm/cribd/internal/channel"
	"github.com/fgrehm/cribd/internal/container"
	"github.com/fgrehm/cribd/internal/devserver"
	"github.com/fgrehm/cribd/internal/engine"
	"github.com/fgrehm/cribd/internal/errdefs"
	"github.com/fgrehm/cribd/internal/files"
	"github.com/fgrehm/cribd/internal/workspace"
)

// UserHeader carries the caller's identity.
const UserHeader = "X-User-Id"

// ctxUser is the gin context key holding the caller's identity.
const ctxUser = "user_id"

// Workspaces is the engine surface the handlers use.
type Workspaces interface {
	Create(ctx context.Context, owner string, req engine.CreateRequest) (*workspace.Workspace, error)
	List(ctx context.Context, owner string) ([]*workspace.Workspace, error)
	Status(ctx context.Context, owner, id string) (*engine.Status, error)
	Delete(ctx context.Context, owner, id string, opts engine.DeleteOptions) error

	Resume(ctx context.Context, owner, id string) (*engine.ResumeResult, error)
	Pause(ctx context.Context, owner, id string) error
	Cleanup(ctx context.Context, owner, id string) error
	Save(ctx context.Context, owner, id, message string) (*engine.SaveResult, error)
	RecreateWithPorts(ctx context.Context, owner, id string) (*container.SalvageReport, error)

	Open(ctx context.Context, owner, id string) (*engine.OpenResult, error)
	Preview(ctx context.Context, owner, id string) (*devserver.Endpoint, error)
	WaitForPreview(ctx context.Context, owner, id string) (*devserver.Endpoint, error)
	StartServer(ctx context.Context, owner, id, command string) (string, error)

	ReadFile(ctx context.Context, owner, id, p string) (string, error)
	WriteFile(ctx context.Context, owner, id, p string, content []byte) error
	DeleteFile(ctx context.Context, owner, id, p string) error
	RenameFile(ctx context.Context, owner, id, from, to string) error
	CopyFile(ctx context.Context, owner, id, from, to string) error
	Mkdir(ctx context.Context, owner, id, p string) error
	Stat(ctx context.Context, owner, id, p string) (*files.FileInfo, error)
	ListTree(ctx context.Context, owner, id, root string) ([]*files.Node, error)
	Exec(ctx context.Context, owner, id string, argv []string, opts engine.ExecOptions) (*channel.Result, error)
}

var _ Workspaces = (*engine.Engine)(nil)

// Options configures the router.
type Options struct {
	ServiceName string
	Version     string

	// CORSOrigins lists allowed browser origins; "*" allows any.
	CORSOrigins []string

	// Ping reports the registry's health; may be nil.
	Ping func(ctx context.Context) error
}

// Handler serves the workspace API.
type Handler struct {
	ws     Workspaces
	opts   Options
	logger *slog.Logger
}

// New returns a Handler over ws.
func New(ws Workspaces, opts Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "cribd"
	}
	return &Handler{ws: ws, opts: opts, logger: logger}
}

// Router builds the gin engine with every route registered.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), h.requestLog())
	r.Use(cors.New(h.corsConfig()))

	r.GET("/health", h.health)
	r.GET("/healthz", h.health)

	api := r.Group("/api/v1")
	api.Use(withUser())
	h.Register(api.Group("/workspaces"))
	return r
}

func (h *Handler) corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowHeaders = append(cfg.AllowHeaders, UserHeader, "Authorization")
	cfg.MaxAge = 12 * time.Hour
	origins := h.opts.CORSOrigins
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}

// withUser copies the identity header into the request context. A missing
// header is left for the engine to reject, so every route reports it the
// same way.
func withUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ctxUser, strings.TrimSpace(c.GetHeader(UserHeader)))
		c.Next()
	}
}

func (h *Handler) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"user", c.GetString(ctxUser),
		)
	}
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Store     string    `json:"store,omitempty"`
}

func (h *Handler) health(c *gin.Context) {
	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Service:   h.opts.ServiceName,
		Version:   h.opts.Version,
	}
	status := http.StatusOK
	if h.opts.Ping != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()
		if err := h.opts.Ping(ctx); err != nil {
			h.logger.Warn("registry health check failed", "error", err)
			resp.Status, resp.Store = "degraded", "down"
			status = http.StatusServiceUnavailable
		} else {
			resp.Store = "up"
		}
	}
	c.JSON(status, resp)
}

// StatusFor maps an error kind to an HTTP status code.
func StatusFor(kind errdefs.Kind) int {
	switch kind {
	case errdefs.NotFound, errdefs.NoActiveServer:
		return http.StatusNotFound
	case errdefs.Timeout:
		return http.StatusGatewayTimeout
	case errdefs.CreateFailed, errdefs.ImagePullFailed, errdefs.PushRejected,
		errdefs.CloneFailed, errdefs.ExecFailed, errdefs.PortsMissing:
		return http.StatusBadGateway
	case errdefs.Unauthorized:
		return http.StatusUnauthorized
	case errdefs.Forbidden:
		return http.StatusForbidden
	case errdefs.InvalidArgument:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// fail writes the error body. The raw message is kept so callers can show
// what the command in the container said.
func (h *Handler) fail(c *gin.Context, err error) {
	kind := errdefs.KindOf(err)
	status := StatusFor(kind)
	if status >= http.StatusInternalServerError {
		h.logger.Warn("request failed", "path", c.FullPath(), "kind", kind, "error", err)
	}
	c.JSON(status, gin.H{"ok": false, "error": err.Error(), "kind": kind})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": msg, "kind": errdefs.InvalidArgument})
}
