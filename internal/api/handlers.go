package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fgrehm/cribd/internal/engine"
)

// Register attaches the workspace routes to rg.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.GET("", h.list)
	rg.POST("", h.create)
	rg.GET("/:id", h.status)
	rg.DELETE("/:id", h.delete)

	rg.POST("/:id/resume", h.resume)
	rg.POST("/:id/pause", h.pause)
	rg.POST("/:id/cleanup", h.cleanup)
	rg.POST("/:id/save", h.save)
	rg.POST("/:id/recreate", h.recreate)

	rg.POST("/:id/open", h.open)
	rg.GET("/:id/preview", h.preview)
	rg.POST("/:id/server", h.startServer)
	rg.POST("/:id/exec", h.exec)

	rg.GET("/:id/tree", h.tree)
	rg.GET("/:id/stat", h.stat)
	rg.GET("/:id/files", h.readFile)
	rg.PUT("/:id/files", h.writeFile)
	rg.DELETE("/:id/files", h.deleteFile)
	rg.POST("/:id/files/rename", h.renameFile)
	rg.POST("/:id/files/copy", h.copyFile)
	rg.POST("/:id/dirs", h.mkdir)
}

func user(c *gin.Context) string {
	return c.GetString(ctxUser)
}

func (h *Handler) list(c *gin.Context) {
	items, err := h.ws.List(c.Request.Context(), user(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "workspaces": items})
}

func (h *Handler) create(c *gin.Context) {
	var req engine.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body")
		return
	}
	ws, err := h.ws.Create(c.Request.Context(), user(c), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ok": true, "workspace": ws})
}

func (h *Handler) status(c *gin.Context) {
	st, err := h.ws.Status(c.Request.Context(), user(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "status": st})
}

func (h *Handler) delete(c *gin.Context) {
	deleteRepo, _ := strconv.ParseBool(c.Query("deleteRepo"))
	if err := h.ws.Delete(c.Request.Context(), user(c), c.Param("id"), engine.DeleteOptions{DeleteRepo: deleteRepo}); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) resume(c *gin.Context) {
	res, err := h.ws.Resume(c.Request.Context(), user(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "result": res})
}

func (h *Handler) pause(c *gin.Context) {
	if err := h.ws.Pause(c.Request.Context(), user(c), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) cleanup(c *gin.Context) {
	if err := h.ws.Cleanup(c.Request.Context(), user(c), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type saveReq struct {
	Message string `json:"message"`
}

func (h *Handler) save(c *gin.Context) {
	var req saveReq
	// The body is optional.
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid body")
			return
		}
	}
	res, err := h.ws.Save(c.Request.Context(), user(c), c.Param("id"), req.Message)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "result": res})
}

func (h *Handler) recreate(c *gin.Context) {
	report, err := h.ws.RecreateWithPorts(c.Request.Context(), user(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "recreated": report.Recreated, "restored": report.Restored})
}

func (h *Handler) open(c *gin.Context) {
	res, err := h.ws.Open(c.Request.Context(), user(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "result": res})
}

// preview resolves the endpoint once, or polls with ?wait=true.
func (h *Handler) preview(c *gin.Context) {
	resolve := h.ws.Preview
	if wait, _ := strconv.ParseBool(c.Query("wait")); wait {
		resolve = h.ws.WaitForPreview
	}
	ep, err := resolve(c.Request.Context(), user(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "endpoint": ep})
}

type serverReq struct {
	Command string `json:"command"`
}

func (h *Handler) startServer(c *gin.Context) {
	var req serverReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid body")
			return
		}
	}
	cmd, err := h.ws.StartServer(c.Request.Context(), user(c), c.Param("id"), req.Command)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"ok": true, "command": cmd})
}

type execReq struct {
	Argv           []string `json:"argv"`
	Dir            string   `json:"dir"`
	Env            []string `json:"env"`
	TimeoutSeconds int      `json:"timeoutSeconds"`
}

func (h *Handler) exec(c *gin.Context) {
	var req execReq
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Argv) == 0 {
		badRequest(c, "invalid body: argv is required")
		return
	}
	res, err := h.ws.Exec(c.Request.Context(), user(c), c.Param("id"), req.Argv, engine.ExecOptions{
		Dir:     req.Dir,
		Env:     req.Env,
		Timeout: time.Duration(req.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "output": res.Output, "exitCode": res.ExitCode, "partial": res.Partial})
}
