package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fgrehm/cribd/internal/container"
	"github.com/fgrehm/cribd/internal/driver/drivertest"
	"github.com/fgrehm/cribd/internal/engine"
	"github.com/fgrehm/cribd/internal/errdefs"
	"github.com/fgrehm/cribd/internal/workspace"
)

type testServer struct {
	router http.Handler
	rt     *drivertest.Runtime
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	rt := drivertest.New()
	store, err := workspace.NewFileStoreAt(t.TempDir())
	require.NoError(t, err)
	eng := engine.New(rt, store, nil, engine.Options{
		Ports:           container.RuntimeAllocator{},
		PreviewAttempts: 2,
		PreviewInterval: time.Millisecond,
	}, logger)
	return &testServer{router: New(eng, opts, logger).Router(), rt: rt}
}

func (s *testServer) do(t *testing.T, method, path, userID string, body any) (int, map[string]json.RawMessage) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set(UserHeader, userID)
	}
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	out := map[string]json.RawMessage{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return rr.Code, out
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, Options{Version: "1.2.3"})
	code, body := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", decode[string](t, body["status"]))
	assert.Equal(t, "cribd", decode[string](t, body["service"]))
	assert.Equal(t, "1.2.3", decode[string](t, body["version"]))
	assert.NotContains(t, body, "store")
}

func TestHealth_StoreDown(t *testing.T) {
	s := newTestServer(t, Options{Ping: func(context.Context) error { return errors.New("connection refused") }})
	code, body := s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "down", decode[string](t, body["store"]))
}

func TestWorkspaceLifecycle(t *testing.T) {
	s := newTestServer(t, Options{})

	code, body := s.do(t, http.MethodPost, "/api/v1/workspaces", "alice", engine.CreateRequest{ID: "w1", Name: "Site", Template: "static"})
	require.Equal(t, http.StatusCreated, code, body)
	ws := decode[workspace.Workspace](t, body["workspace"])
	assert.Equal(t, "alice", ws.Owner)
	assert.Equal(t, 1, s.rt.Count("w1"))

	code, body = s.do(t, http.MethodPut, "/api/v1/workspaces/w1/files", "alice", map[string]string{"path": "notes/todo.md", "content": "- ship it"})
	require.Equal(t, http.StatusOK, code, body)

	code, body = s.do(t, http.MethodGet, "/api/v1/workspaces/w1/files?path=notes/todo.md", "alice", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "- ship it", decode[string](t, body["content"]))

	code, body = s.do(t, http.MethodGet, "/api/v1/workspaces", "alice", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]workspace.Workspace](t, body["workspaces"]), 1)

	code, body = s.do(t, http.MethodGet, "/api/v1/workspaces/w1", "alice", nil)
	require.Equal(t, http.StatusOK, code)
	st := decode[engine.Status](t, body["status"])
	assert.Equal(t, "running", st.State)
	assert.True(t, st.PortsPublished)

	code, _ = s.do(t, http.MethodPost, "/api/v1/workspaces/w1/pause", "alice", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "exited", s.rt.Container("w1").Status)

	code, body = s.do(t, http.MethodPost, "/api/v1/workspaces/w1/resume", "alice", nil)
	require.Equal(t, http.StatusOK, code, body)
	res := decode[engine.ResumeResult](t, body["result"])
	assert.Equal(t, engine.ActionStarted, res.Action)

	code, _ = s.do(t, http.MethodDelete, "/api/v1/workspaces/w1", "alice", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Zero(t, s.rt.Count("w1"))

	code, body = s.do(t, http.MethodGet, "/api/v1/workspaces/w1", "alice", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, errdefs.NotFound, decode[errdefs.Kind](t, body["kind"]))
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t, Options{})
	code, body := s.do(t, http.MethodPost, "/api/v1/workspaces", "alice", engine.CreateRequest{ID: "w1", Template: "static"})
	require.Equal(t, http.StatusCreated, code, body)

	tests := []struct {
		name   string
		method string
		path   string
		user   string
		body   any
		status int
		kind   errdefs.Kind
	}{
		{"missing identity", http.MethodGet, "/api/v1/workspaces/w1", "", nil, http.StatusUnauthorized, errdefs.Unauthorized},
		{"other owner", http.MethodGet, "/api/v1/workspaces/w1/files?path=index.html", "mallory", nil, http.StatusForbidden, errdefs.Forbidden},
		{"unknown workspace", http.MethodPost, "/api/v1/workspaces/nope/pause", "alice", nil, http.StatusNotFound, errdefs.NotFound},
		{"missing file", http.MethodGet, "/api/v1/workspaces/w1/files?path=missing.txt", "alice", nil, http.StatusNotFound, errdefs.NotFound},
		{"escaping path", http.MethodGet, "/api/v1/workspaces/w1/files?path=../../etc/passwd", "alice", nil, http.StatusBadRequest, errdefs.InvalidArgument},
		{"no path", http.MethodGet, "/api/v1/workspaces/w1/stat", "alice", nil, http.StatusBadRequest, errdefs.InvalidArgument},
		{"unknown template", http.MethodPost, "/api/v1/workspaces", "alice", engine.CreateRequest{Template: "cobol"}, http.StatusBadRequest, errdefs.InvalidArgument},
		{"save without remote", http.MethodPost, "/api/v1/workspaces/w1/save", "alice", nil, http.StatusBadRequest, errdefs.InvalidArgument},
		{"no dev server", http.MethodGet, "/api/v1/workspaces/w1/preview", "alice", nil, http.StatusNotFound, errdefs.NoActiveServer},
		{"empty exec", http.MethodPost, "/api/v1/workspaces/w1/exec", "alice", map[string]any{"argv": []string{}}, http.StatusBadRequest, errdefs.InvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := s.do(t, tt.method, tt.path, tt.user, tt.body)
			assert.Equal(t, tt.status, code)
			assert.False(t, decode[bool](t, body["ok"]))
			assert.Equal(t, tt.kind, decode[errdefs.Kind](t, body["kind"]))
			assert.NotEmpty(t, decode[string](t, body["error"]))
		})
	}
}

func TestExec(t *testing.T) {
	s := newTestServer(t, Options{})
	code, body := s.do(t, http.MethodPost, "/api/v1/workspaces", "alice", engine.CreateRequest{ID: "w1", Template: "static"})
	require.Equal(t, http.StatusCreated, code, body)

	code, body = s.do(t, http.MethodPost, "/api/v1/workspaces/w1/exec", "alice", map[string]any{"argv": []string{"git", "--version"}})
	require.Equal(t, http.StatusOK, code, body)
	assert.Contains(t, decode[string](t, body["output"]), "git version")
	assert.Equal(t, 0, decode[int](t, body["exitCode"]))
}

func TestFileRoutes(t *testing.T) {
	s := newTestServer(t, Options{})
	code, body := s.do(t, http.MethodPost, "/api/v1/workspaces", "alice", engine.CreateRequest{ID: "w1", Template: "static"})
	require.Equal(t, http.StatusCreated, code, body)

	steps := []struct {
		method string
		path   string
		body   any
		status int
	}{
		{http.MethodPost, "/api/v1/workspaces/w1/dirs", map[string]string{"path": "src"}, http.StatusCreated},
		{http.MethodPut, "/api/v1/workspaces/w1/files", map[string]string{"path": "src/a.js", "content": "a"}, http.StatusOK},
		{http.MethodPost, "/api/v1/workspaces/w1/files/copy", map[string]string{"from": "src/a.js", "to": "src/b.js"}, http.StatusOK},
		{http.MethodPost, "/api/v1/workspaces/w1/files/rename", map[string]string{"from": "src/b.js", "to": "src/c.js"}, http.StatusOK},
		{http.MethodDelete, "/api/v1/workspaces/w1/files?path=src/a.js", nil, http.StatusOK},
		{http.MethodPost, "/api/v1/workspaces/w1/files/rename", map[string]string{"from": "src/c.js"}, http.StatusBadRequest},
	}
	for _, st := range steps {
		code, body := s.do(t, st.method, st.path, "alice", st.body)
		require.Equal(t, st.status, code, "%s %s: %v", st.method, st.path, body)
	}

	code, body = s.do(t, http.MethodGet, "/api/v1/workspaces/w1/stat?path=src/c.js", "alice", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Contains(t, string(body["file"]), `"isDir":false`)

	_, ok := s.rt.File("w1", "/workspace/src/a.js")
	assert.False(t, ok)

	code, body = s.do(t, http.MethodGet, "/api/v1/workspaces/w1/tree", "alice", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body["tree"]), `"path":"src/c.js"`)
}

func TestPreview_Wait(t *testing.T) {
	s := newTestServer(t, Options{})
	code, body := s.do(t, http.MethodPost, "/api/v1/workspaces", "alice", engine.CreateRequest{ID: "w1", Template: "vite"})
	require.Equal(t, http.StatusCreated, code, body)

	code, body = s.do(t, http.MethodPost, "/api/v1/workspaces/w1/server", "alice", nil)
	require.Equal(t, http.StatusAccepted, code, body)
	require.Len(t, s.rt.Container("w1").Servers, 1)

	s.rt.PutFile("w1", "/tmp/dev-server.log", "  VITE v5.4.0  ready in 300 ms\n  ➜  Local:   http://localhost:5175/\n")
	code, body = s.do(t, http.MethodGet, "/api/v1/workspaces/w1/preview?wait=true", "alice", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Contains(t, string(body["endpoint"]), `"internalPort":5175`)
}

func TestStatusFor(t *testing.T) {
	tests := map[errdefs.Kind]int{
		errdefs.NotFound:        http.StatusNotFound,
		errdefs.NoActiveServer:  http.StatusNotFound,
		errdefs.Timeout:         http.StatusGatewayTimeout,
		errdefs.PushRejected:    http.StatusBadGateway,
		errdefs.CloneFailed:     http.StatusBadGateway,
		errdefs.ImagePullFailed: http.StatusBadGateway,
		errdefs.Unauthorized:    http.StatusUnauthorized,
		errdefs.Forbidden:       http.StatusForbidden,
		errdefs.InvalidArgument: http.StatusBadRequest,
		errdefs.Internal:        http.StatusInternalServerError,
	}
	for kind, want := range tests {
		assert.Equal(t, want, StatusFor(kind), kind)
	}
}

func TestCORS(t *testing.T) {
	s := newTestServer(t, Options{CORSOrigins: []string{"https://editor.example.com"}})
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/workspaces", nil)
	req.Header.Set("Origin", "https://editor.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", UserHeader)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	assert.Equal(t, "https://editor.example.com", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rr.Header().Get("Access-Control-Allow-Headers"), UserHeader)
}
