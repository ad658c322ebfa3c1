// Package e2e contains end-to-end tests that exercise the cribd binary
// against a real Docker daemon. Tests are skipped when no daemon is
// available.
package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

const (
	testUser  = "e2e"
	testImage = "alpine:3.20"
)

// cribdBin is the path to the compiled cribd binary, set by TestMain.
var cribdBin string

func TestMain(m *testing.M) {
	bin, cleanup, err := buildCribd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "building cribd: %v\n", err)
		os.Exit(1)
	}
	cribdBin = bin
	code := m.Run()
	cleanup()
	os.Exit(code)
}

// buildCribd compiles the binary into a temp directory.
func buildCribd() (string, func(), error) {
	dir, err := os.MkdirTemp("", "cribd-e2e-bin-*")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { os.RemoveAll(dir) }

	bin := filepath.Join(dir, "cribd")
	if runtime.GOOS == "windows" {
		bin += ".exe"
	}
	repoRoot, err := filepath.Abs("..")
	if err != nil {
		cleanup()
		return "", nil, err
	}
	cmd := exec.Command("go", "build", "-o", bin, repoRoot)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("go build: %w", err)
	}
	return bin, cleanup, nil
}

func hasDocker() bool {
	return exec.Command("docker", "run", "--rm", testImage, "true").Run() == nil
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().String()
}

// env isolates registry state in home and points every cribd process at
// the same server address.
func env(home, addr string) []string {
	return append(os.Environ(),
		"CRIBD_HOME="+home,
		"CRIBD_ADDR="+addr,
		"CRIBD_IMAGE="+testImage,
		"CRIBD_GIT_TOKEN=",
		"GITHUB_TOKEN=",
	)
}

func runCribd(t *testing.T, environ []string, args ...string) (string, error) {
	t.Helper()
	cmd := exec.Command(cribdBin, append([]string{"-u", testUser}, args...)...)
	cmd.Env = environ
	cmd.Dir = t.TempDir()
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

func mustRunCribd(t *testing.T, environ []string, args ...string) string {
	t.Helper()
	out, err := runCribd(t, environ, args...)
	if err != nil {
		t.Fatalf("cribd %v: %v\noutput:\n%s", args, err, out)
	}
	return out
}

// startServer runs "cribd serve" and waits for /health.
func startServer(t *testing.T, environ []string, addr string) {
	t.Helper()
	var logs bytes.Buffer
	cmd := exec.Command(cribdBin, "serve")
	cmd.Env = environ
	cmd.Stdout = &logs
	cmd.Stderr = &logs
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Signal(os.Interrupt)
		_ = cmd.Wait()
		if t.Failed() {
			t.Logf("server output:\n%s", logs.String())
		}
	})

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + addr + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("server did not become healthy on %s", addr)
}

func call(t *testing.T, method, url string, body any) (int, map[string]json.RawMessage) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-User-Id", testUser)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("%s %s: decoding response: %v", method, url, err)
	}
	return resp.StatusCode, out
}

func TestE2EWorkspaceLifecycle(t *testing.T) {
	if !hasDocker() {
		t.Skip("docker not available")
	}

	home := t.TempDir()
	addr := freeAddr(t)
	environ := env(home, addr)
	startServer(t, environ, addr)
	base := "http://" + addr + "/api/v1/workspaces"

	code, body := call(t, http.MethodPost, base, map[string]string{"name": "e2e site", "template": "static"})
	if code != http.StatusCreated {
		t.Fatalf("create: status %d: %s", code, body["error"])
	}
	var ws struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body["workspace"], &ws); err != nil || ws.ID == "" {
		t.Fatalf("create: no workspace id in %s", body["workspace"])
	}
	t.Cleanup(func() {
		_, _ = runCribd(t, environ, "rm", ws.ID)
		_ = exec.Command("docker", "rm", "-f", ws.ID).Run()
	})

	out := mustRunCribd(t, environ, "list")
	if !strings.Contains(out, ws.ID) {
		t.Errorf("list output missing %s:\n%s", ws.ID, out)
	}

	out = mustRunCribd(t, environ, "exec", ws.ID, "--", "ls")
	if !strings.Contains(out, "index.html") {
		t.Errorf("scaffolded files missing from workspace:\n%s", out)
	}

	code, body = call(t, http.MethodPut, base+"/"+ws.ID+"/files", map[string]string{"path": "notes.txt", "content": "kept across pause"})
	if code != http.StatusOK {
		t.Fatalf("write file: status %d: %s", code, body["error"])
	}

	if code, body = call(t, http.MethodPost, base+"/"+ws.ID+"/pause", nil); code != http.StatusOK {
		t.Fatalf("pause: status %d: %s", code, body["error"])
	}
	out = mustRunCribd(t, environ, "status", ws.ID)
	if !strings.Contains(out, "exited") {
		t.Errorf("status after pause should report exited:\n%s", out)
	}

	mustRunCribd(t, environ, "resume", ws.ID)
	code, body = call(t, http.MethodGet, base+"/"+ws.ID+"/files?path=notes.txt", nil)
	if code != http.StatusOK {
		t.Fatalf("read file: status %d: %s", code, body["error"])
	}
	if got := string(body["content"]); got != `"kept across pause"` {
		t.Errorf("content after resume = %s", got)
	}

	if _, err := runCribd(t, environ, "exec", ws.ID, "--", "sh", "-c", "exit 3"); err == nil {
		t.Error("exec should propagate a non-zero exit code")
	}

	mustRunCribd(t, environ, "rm", ws.ID)
	if code, _ := call(t, http.MethodGet, base+"/"+ws.ID, nil); code != http.StatusNotFound {
		t.Errorf("status after rm = %d, want 404", code)
	}
	if err := exec.Command("docker", "inspect", ws.ID).Run(); err == nil {
		t.Error("container still exists after rm")
	}
}
