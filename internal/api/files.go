package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (h *Handler) tree(c *gin.Context) {
	nodes, err := h.ws.ListTree(c.Request.Context(), user(c), c.Param("id"), c.Query("root"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "tree": nodes})
}

// pathQuery returns the required ?path= parameter.
func pathQuery(c *gin.Context) (string, bool) {
	p := c.Query("path")
	if p == "" {
		badRequest(c, "path is required")
		return "", false
	}
	return p, true
}

func (h *Handler) stat(c *gin.Context) {
	p, ok := pathQuery(c)
	if !ok {
		return
	}
	info, err := h.ws.Stat(c.Request.Context(), user(c), c.Param("id"), p)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "file": info})
}

func (h *Handler) readFile(c *gin.Context) {
	p, ok := pathQuery(c)
	if !ok {
		return
	}
	content, err := h.ws.ReadFile(c.Request.Context(), user(c), c.Param("id"), p)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "path": p, "content": content})
}

type writeReq struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (h *Handler) writeFile(c *gin.Context) {
	var req writeReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Path == "" {
		badRequest(c, "invalid body: path is required")
		return
	}
	if err := h.ws.WriteFile(c.Request.Context(), user(c), c.Param("id"), req.Path, []byte(req.Content)); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) deleteFile(c *gin.Context) {
	p, ok := pathQuery(c)
	if !ok {
		return
	}
	if err := h.ws.DeleteFile(c.Request.Context(), user(c), c.Param("id"), p); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type moveReq struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func bindMove(c *gin.Context) (moveReq, bool) {
	var req moveReq
	if err := c.ShouldBindJSON(&req); err != nil || req.From == "" || req.To == "" {
		badRequest(c, "invalid body: from and to are required")
		return req, false
	}
	return req, true
}

func (h *Handler) renameFile(c *gin.Context) {
	req, ok := bindMove(c)
	if !ok {
		return
	}
	if err := h.ws.RenameFile(c.Request.Context(), user(c), c.Param("id"), req.From, req.To); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) copyFile(c *gin.Context) {
	req, ok := bindMove(c)
	if !ok {
		return
	}
	if err := h.ws.CopyFile(c.Request.Context(), user(c), c.Param("id"), req.From, req.To); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type mkdirReq struct {
	Path string `json:"path"`
}

func (h *Handler) mkdir(c *gin.Context) {
	var req mkdirReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Path == "" {
		badRequest(c, "invalid body: path is required")
		return
	}
	if err := h.ws.Mkdir(c.Request.Context(), user(c), c.Param("id"), req.Path); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ok": true})
}
