package container

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/fgrehm/cribd/internal/driver"
	"github.com/fgrehm/cribd/internal/files"
	"github.com/fgrehm/cribd/internal/workspace"
)

// salvageConcurrency bounds parallel reads and writes during salvage.
const salvageConcurrency = 8

// FileAccess is the subset of the file layer used to salvage a container.
type FileAccess interface {
	ListTree(ctx context.Context, containerID, root string) ([]*files.Node, error)
	RootDotfiles(ctx context.Context, containerID string) ([]string, error)
	ReadRaw(ctx context.Context, containerID, p string) ([]byte, error)
	WriteFile(ctx context.Context, containerID, p string, content []byte) error
}

// SalvageReport describes a recreate-with-ports run.
type SalvageReport struct {
	// Recreated is false when the container already had published ports.
	Recreated bool

	// Restored lists the project-relative paths replayed into the new
	// container, including the metadata file when it was present.
	Restored []string

	// Skipped lists files that could not be read from the old container.
	Skipped []string

	// Truncated is true when the tree held more files than the limit.
	Truncated bool
}

// RecreateWithPortsPreserved rebuilds a container that has no published
// ports. The metadata file and up to SalvageLimit files, root-level dotfiles
// first, are copied byte for byte from the old container into the new one.
// A container with published ports is left alone.
//
// Dot directories are not copied. The new container has no .git, so the
// next save starts a fresh repository and its force-push replaces the
// remote history with a single commit.
func (m *Manager) RecreateWithPortsPreserved(ctx context.Context, workspaceID string, spec CreateSpec) (*driver.ContainerDetails, *SalvageReport, error) {
	if m.files == nil {
		return nil, nil, errors.New("salvage requires file access")
	}
	old, err := m.Find(ctx, workspaceID)
	if err != nil {
		return nil, nil, err
	}
	if old == nil {
		return nil, nil, fmt.Errorf("%w: %s", driver.ErrNotFound, workspaceID)
	}
	report := &SalvageReport{}
	if old.HasPublishedPorts() {
		return old, report, nil
	}
	if !old.State.IsRunning() {
		if err := m.driver.StartContainer(ctx, old.ID); err != nil {
			return nil, nil, fmt.Errorf("starting container for salvage: %w", err)
		}
	}

	captured, err := m.capture(ctx, old.ID, report)
	if err != nil {
		return nil, nil, err
	}
	m.logger.Info("salvaging container without published ports",
		"workspace", workspaceID, "files", len(captured), "truncated", report.Truncated)

	details, err := m.Create(ctx, workspaceID, spec)
	if err != nil {
		return nil, nil, err
	}
	report.Recreated = true

	if err := m.replay(ctx, details.ID, captured, report); err != nil {
		return details, report, err
	}
	return details, report, nil
}

type capturedFile struct {
	path    string
	content []byte
}

func (m *Manager) capture(ctx context.Context, containerID string, report *SalvageReport) ([]capturedFile, error) {
	tree, err := m.files.ListTree(ctx, containerID, "")
	if err != nil {
		return nil, fmt.Errorf("listing files for salvage: %w", err)
	}

	dotfiles, err := m.files.RootDotfiles(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("listing dotfiles for salvage: %w", err)
	}

	// The metadata file does not count against the limit.
	paths := []string{workspace.MetadataFile}
	limit := m.opts.SalvageLimit
	add := func(p string) {
		if limit >= 0 && len(paths)-1 >= limit {
			report.Truncated = true
			return
		}
		paths = append(paths, p)
	}
	for _, p := range dotfiles {
		if p != workspace.MetadataFile {
			add(p)
		}
	}
	files.Walk(tree, func(n *files.Node) {
		if n.Type == files.TypeFile {
			add(n.Path)
		}
	})

	out := make([]capturedFile, len(paths))
	ok := make([]bool, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(salvageConcurrency)
	for i, p := range paths {
		g.Go(func() error {
			content, err := m.files.ReadRaw(gctx, containerID, p)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				if !errors.Is(err, files.ErrNotFound) || p != workspace.MetadataFile {
					m.logger.Warn("skipping unreadable file during salvage", "path", p, "error", err)
				}
				return nil
			}
			out[i] = capturedFile{path: p, content: content}
			ok[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("reading files for salvage: %w", err)
	}

	captured := out[:0]
	for i, c := range out {
		if ok[i] {
			captured = append(captured, c)
		} else if paths[i] != workspace.MetadataFile {
			report.Skipped = append(report.Skipped, paths[i])
		}
	}
	return captured, nil
}

func (m *Manager) replay(ctx context.Context, containerID string, captured []capturedFile, report *SalvageReport) error {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(salvageConcurrency)
	for _, c := range captured {
		g.Go(func() error {
			if err := m.files.WriteFile(gctx, containerID, c.path, c.content); err != nil {
				return fmt.Errorf("restoring %s: %w", path.Clean(c.path), err)
			}
			mu.Lock()
			report.Restored = append(report.Restored, c.path)
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}
