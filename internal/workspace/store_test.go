package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStoreAt(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStoreAt: %v", err)
	}
	return store
}

func TestFileStore_SaveAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ws := &Workspace{
		ID:       "0b6f4c1e",
		Owner:    "user-1",
		Name:     "My App",
		Template: "vite",
		RepoURL:  "https://github.com/acme/my-app.git",
	}

	if err := store.Save(ctx, ws); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if ws.CreatedAt.IsZero() || ws.UpdatedAt.IsZero() {
		t.Error("timestamps should be set on save")
	}

	loaded, err := store.Get(ctx, "0b6f4c1e")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if loaded.Owner != ws.Owner || loaded.Name != ws.Name || loaded.Template != ws.Template {
		t.Errorf("loaded = %+v, want %+v", loaded, ws)
	}
	if loaded.RepoURL != ws.RepoURL || !loaded.HasRemote() {
		t.Errorf("RepoURL = %q", loaded.RepoURL)
	}
	if !loaded.CreatedAt.Equal(ws.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", loaded.CreatedAt, ws.CreatedAt)
	}
}

func TestFileStore_SaveKeepsCreatedAt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ws := &Workspace{ID: "ws1", Owner: "u", CreatedAt: created}
	if err := store.Save(ctx, ws); err != nil {
		t.Fatal(err)
	}
	loaded, _ := store.Get(ctx, "ws1")
	if !loaded.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", loaded.CreatedAt, created)
	}
}

func TestFileStore_GetNotFound(t *testing.T) {
	store := newTestStore(t)
	for _, id := range []string{"nonexistent", "", "..", "../etc"} {
		if _, err := store.Get(context.Background(), id); !errors.Is(err, ErrWorkspaceNotFound) {
			t.Errorf("Get(%q): expected ErrWorkspaceNotFound, got %v", id, err)
		}
	}
}

func TestFileStore_RejectsInvalidID(t *testing.T) {
	store := newTestStore(t)
	if err := store.Save(context.Background(), &Workspace{ID: "../escape"}); err == nil {
		t.Error("expected error for path-like id")
	}
}

func TestFileStore_Delete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.Save(ctx, &Workspace{ID: "todelete", Owner: "u"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Delete(ctx, "todelete"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "todelete"); !errors.Is(err, ErrWorkspaceNotFound) {
		t.Fatalf("workspace should not exist after delete, got %v", err)
	}
	if err := store.Delete(ctx, "todelete"); err != nil {
		t.Errorf("deleting twice should succeed, got %v", err)
	}
}

func TestFileStore_ListByOwner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	all, err := store.List(ctx, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("expected empty list, got %v", all)
	}

	for _, ws := range []*Workspace{
		{ID: "alpha", Owner: "alice"},
		{ID: "beta", Owner: "bob"},
		{ID: "gamma", Owner: "alice"},
	} {
		if err := store.Save(ctx, ws); err != nil {
			t.Fatalf("Save(%s): %v", ws.ID, err)
		}
	}
	// Stray directories without a workspace.json are ignored.
	if err := os.MkdirAll(filepath.Join(store.baseDir, "stray"), 0o755); err != nil {
		t.Fatal(err)
	}

	all, err = store.List(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 workspaces, got %d", len(all))
	}
	mine, err := store.List(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 2 {
		t.Errorf("expected 2 workspaces for alice, got %d", len(mine))
	}
	for _, ws := range mine {
		if ws.Owner != "alice" {
			t.Errorf("unexpected owner %q", ws.Owner)
		}
	}
}

func TestFileStore_SetContainer(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.Save(ctx, &Workspace{ID: "ws1", Owner: "u"}); err != nil {
		t.Fatal(err)
	}

	if err := store.SetContainer(ctx, "ws1", "abc123"); err != nil {
		t.Fatalf("SetContainer: %v", err)
	}
	ws, _ := store.Get(ctx, "ws1")
	if ws.ContainerID != "abc123" {
		t.Errorf("ContainerID = %q", ws.ContainerID)
	}

	if err := store.SetContainer(ctx, "ws1", ""); err != nil {
		t.Fatal(err)
	}
	ws, _ = store.Get(ctx, "ws1")
	if ws.ContainerID != "" {
		t.Errorf("ContainerID should be cleared, got %q", ws.ContainerID)
	}

	if err := store.SetContainer(ctx, "missing", "x"); !errors.Is(err, ErrWorkspaceNotFound) {
		t.Errorf("expected ErrWorkspaceNotFound, got %v", err)
	}
}

func TestFileStore_ConcurrentWrites(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.Save(ctx, &Workspace{ID: "ws1", Owner: "u"}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- store.SetContainer(ctx, "ws1", "c"+string(rune('a'+i)))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("SetContainer: %v", err)
		}
	}
	if _, err := store.Get(ctx, "ws1"); err != nil {
		t.Errorf("record should remain readable: %v", err)
	}
}

func TestMetadata_RoundTrip(t *testing.T) {
	m := &Metadata{
		ID:       "ws1",
		Name:     "My App",
		Template: "vite",
		ServerConfig: ServerConfig{
			Type:        "vite",
			DefaultPort: 5173,
			DevCommand:  "npm run dev -- --host 0.0.0.0",
		},
		GithubRepo: "https://github.com/acme/my-app.git",
	}
	data, err := m.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	got, err := ParseMetadata(data)
	if err != nil {
		t.Fatalf("ParseMetadata: %v", err)
	}
	if *got != *m {
		t.Errorf("got %+v, want %+v", got, m)
	}
}

func TestParseMetadata_Invalid(t *testing.T) {
	tests := map[string]string{
		"not json":   "{",
		"missing id": `{"name":"x"}`,
		"bad port":   `{"id":"x","serverConfig":{"defaultPort":70000}}`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseMetadata([]byte(doc)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseMetadata_WireFormat(t *testing.T) {
	doc := `{"id":"w1","name":"n","template":"x","serverConfig":{"type":"vite","defaultPort":5180,"devCommand":"npm run dev"},"githubRepo":"https://github.com/o/r"}`
	m, err := ParseMetadata([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	if m.ServerConfig.DefaultPort != 5180 || m.ServerConfig.DevCommand != "npm run dev" || m.GithubRepo != "https://github.com/o/r" {
		t.Errorf("m = %+v", m)
	}
}
