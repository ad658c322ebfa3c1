package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const (
	workspaceConfigFile = "workspace.json"
	lockFile            = ".lock"
)

// ErrWorkspaceNotFound is returned when a workspace does not exist in the store.
var ErrWorkspaceNotFound = errors.New("workspace not found")

// Store is the workspace registry.
type Store interface {
	// Get returns a workspace or ErrWorkspaceNotFound.
	Get(ctx context.Context, id string) (*Workspace, error)

	// Save creates or replaces a workspace record.
	Save(ctx context.Context, ws *Workspace) error

	// Delete removes a workspace record. Missing records are not an error.
	Delete(ctx context.Context, id string) error

	// List returns workspaces owned by owner, or all when owner is empty,
	// most recently updated first.
	List(ctx context.Context, owner string) ([]*Workspace, error)

	// SetContainer records (or clears, with "") the container reference.
	SetContainer(ctx context.Context, id, containerID string) error
}

// FileStore keeps one JSON document per workspace under a base directory.
// Writes are serialized across processes with a lock file, so the CLI and
// a running server can share the directory.
type FileStore struct {
	baseDir string

	// mu serializes goroutines; the file lock only excludes other processes.
	mu   sync.Mutex
	lock *flock.Flock

	now func() time.Time
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a FileStore at the default location
// (~/.cribd/workspaces). CRIBD_HOME overrides the base directory:
// $CRIBD_HOME/workspaces.
func NewFileStore() (*FileStore, error) {
	var baseDir string
	if home := os.Getenv("CRIBD_HOME"); home != "" {
		baseDir = filepath.Join(home, "workspaces")
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".cribd", "workspaces")
	}
	return NewFileStoreAt(baseDir)
}

// NewFileStoreAt creates a FileStore with a custom base directory.
func NewFileStoreAt(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspaces directory: %w", err)
	}
	return &FileStore{
		baseDir: baseDir,
		lock:    flock.New(filepath.Join(baseDir, lockFile)),
		now:     time.Now,
	}, nil
}

func (s *FileStore) withLock(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.lock.TryLockContext(ctx, 10*time.Millisecond)
	if err != nil {
		return fmt.Errorf("locking workspace store: %w", err)
	}
	if !ok {
		return fmt.Errorf("locking workspace store: %w", ctx.Err())
	}
	defer func() { _ = s.lock.Unlock() }()
	return fn()
}

func (s *FileStore) Get(_ context.Context, id string) (*Workspace, error) {
	return s.load(id)
}

func (s *FileStore) load(id string) (*Workspace, error) {
	if !validID(id) {
		return nil, ErrWorkspaceNotFound
	}
	data, err := os.ReadFile(filepath.Join(s.workspaceDir(id), workspaceConfigFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrWorkspaceNotFound
		}
		return nil, fmt.Errorf("reading workspace config: %w", err)
	}

	var ws Workspace
	if err := json.Unmarshal(data, &ws); err != nil {
		return nil, fmt.Errorf("unmarshaling workspace: %w", err)
	}
	return &ws, nil
}

func (s *FileStore) Save(ctx context.Context, ws *Workspace) error {
	if !validID(ws.ID) {
		return fmt.Errorf("invalid workspace id %q", ws.ID)
	}
	return s.withLock(ctx, func() error {
		if ws.CreatedAt.IsZero() {
			ws.CreatedAt = s.now().UTC()
		}
		ws.UpdatedAt = s.now().UTC()
		return s.write(ws)
	})
}

// write replaces the workspace document atomically. Callers hold the lock.
func (s *FileStore) write(ws *Workspace) error {
	dir := s.workspaceDir(ws.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating workspace directory: %w", err)
	}

	data, err := json.MarshalIndent(ws, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling workspace: %w", err)
	}

	path := filepath.Join(dir, workspaceConfigFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing workspace config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("writing workspace config: %w", err)
	}
	return nil
}

func (s *FileStore) Delete(ctx context.Context, id string) error {
	if !validID(id) {
		return nil
	}
	return s.withLock(ctx, func() error {
		if err := os.RemoveAll(s.workspaceDir(id)); err != nil {
			return fmt.Errorf("deleting workspace: %w", err)
		}
		return nil
	})
}

func (s *FileStore) List(_ context.Context, owner string) ([]*Workspace, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing workspaces: %w", err)
	}

	var out []*Workspace
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		ws, err := s.load(entry.Name())
		if errors.Is(err, ErrWorkspaceNotFound) {
			// Only directories that contain a workspace.json count.
			continue
		}
		if err != nil {
			return nil, err
		}
		if owner == "" || ws.Owner == owner {
			out = append(out, ws)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *FileStore) SetContainer(ctx context.Context, id, containerID string) error {
	return s.withLock(ctx, func() error {
		ws, err := s.load(id)
		if err != nil {
			return err
		}
		ws.ContainerID = containerID
		ws.UpdatedAt = s.now().UTC()
		return s.write(ws)
	})
}

func (s *FileStore) workspaceDir(id string) string {
	return filepath.Join(s.baseDir, id)
}

// validID rejects IDs that would escape the base directory.
func validID(id string) bool {
	return id != "" && id != "." && id != ".." && filepath.Base(id) == id
}
