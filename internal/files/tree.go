package files

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/moby/patternmatcher"

	"github.com/fgrehm/cribd/internal/channel"
)

// DependencyDir is the package manager's install directory, excluded from
// listings.
const DependencyDir = "node_modules"

// excludePatterns hide the dependency directory and dot entries at any
// depth.
var excludePatterns = []string{
	DependencyDir,
	"**/" + DependencyDir,
	".*",
	"**/.*",
}

// Node types.
const (
	TypeFile      = "file"
	TypeDirectory = "directory"
)

// Node is one entry of the project tree.
type Node struct {
	Name     string  `json:"name"`
	Path     string  `json:"path"`
	Type     string  `json:"type"`
	Children []*Node `json:"children,omitempty"`
}

// ListTree returns the tree under root (project-relative, empty for the
// whole project) in a single exec round trip.
func (f *FS) ListTree(ctx context.Context, containerID, root string) ([]*Node, error) {
	abs, err := f.Abs(root)
	if err != nil {
		return nil, err
	}
	argv := []string{
		"find", abs, "-mindepth", "1",
		"(", "-name", DependencyDir, "-o", "-name", ".*", ")", "-prune",
		"-o", "-printf", `%y %p\n`,
	}
	out, err := f.run.Output(ctx, containerID, argv, channel.Options{})
	if err != nil {
		return nil, classify(err)
	}
	return buildTree(abs, f.Rel, out)
}

// RootDotfiles returns the project-relative paths of the regular
// dot-prefixed files directly under the base directory, which ListTree
// leaves out. Dot directories such as .git are not included.
func (f *FS) RootDotfiles(ctx context.Context, containerID string) ([]string, error) {
	argv := []string{"find", f.base, "-mindepth", "1", "-maxdepth", "1", "-printf", `%y %p\n`}
	out, err := f.run.Output(ctx, containerID, argv, channel.Options{})
	if err != nil {
		return nil, classify(err)
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		kind, p, ok := strings.Cut(strings.TrimRight(line, "\r"), " ")
		if !ok || kind != "f" || !strings.HasPrefix(path.Base(p), ".") {
			continue
		}
		names = append(names, f.Rel(p))
	}
	sort.Strings(names)
	return names, nil
}

// buildTree parses "<type> <abs-path>" lines into a hierarchy rooted at
// rootAbs. Excluded entries are dropped even if the find prune missed them.
func buildTree(rootAbs string, rel func(string) string, out string) ([]*Node, error) {
	matcher, err := patternmatcher.New(excludePatterns)
	if err != nil {
		return nil, fmt.Errorf("compiling exclude patterns: %w", err)
	}

	byPath := map[string]*Node{}
	var top []*Node

	var attach func(abs string, typ string) *Node
	attach = func(abs string, typ string) *Node {
		if n, ok := byPath[abs]; ok {
			if typ == TypeDirectory {
				n.Type = TypeDirectory
			}
			return n
		}
		n := &Node{Name: path.Base(abs), Path: rel(abs), Type: typ}
		byPath[abs] = n
		parent := path.Dir(abs)
		if parent == rootAbs || abs == rootAbs {
			top = append(top, n)
		} else {
			p := attach(parent, TypeDirectory)
			p.Children = append(p.Children, n)
		}
		return n
	}

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		kind, p, ok := strings.Cut(line, " ")
		if !ok || !strings.HasPrefix(p, rootAbs+"/") {
			continue
		}
		// Match relative to the listed root so dot-named ancestors of the
		// root itself do not hide everything.
		excluded, err := matcher.MatchesOrParentMatches(strings.TrimPrefix(p, rootAbs+"/"))
		if err != nil {
			return nil, fmt.Errorf("matching %s: %w", p, err)
		}
		if excluded {
			continue
		}
		typ := TypeFile
		if kind == "d" {
			typ = TypeDirectory
		}
		attach(p, typ)
	}

	sortNodes(top)
	return top, nil
}

// sortNodes orders directories before files, each alphabetically.
func sortNodes(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool {
		if (nodes[i].Type == TypeDirectory) != (nodes[j].Type == TypeDirectory) {
			return nodes[i].Type == TypeDirectory
		}
		return nodes[i].Name < nodes[j].Name
	})
	for _, n := range nodes {
		if len(n.Children) > 0 {
			sortNodes(n.Children)
		}
	}
}

// Walk calls fn for every node in depth-first order.
func Walk(nodes []*Node, fn func(*Node)) {
	for _, n := range nodes {
		fn(n)
		Walk(n.Children, fn)
	}
}
