package drivertest

import (
	"encoding/base64"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

type entry struct {
	dir   bool
	data  []byte
	mtime time.Time
}

// memFS is a flat map of absolute paths. Directories are explicit entries.
type memFS struct {
	entries map[string]*entry
	now     func() time.Time
}

func newMemFS(now func() time.Time) *memFS {
	fs := &memFS{entries: map[string]*entry{}, now: now}
	fs.entries["/"] = &entry{dir: true, mtime: now()}
	fs.mkdirAll("/tmp")
	return fs
}

func parentDir(p string) string {
	return path.Dir(path.Clean(p))
}

// mkdirAll creates p and its parents. It returns the first path component
// that exists as a file, or "".
func (fs *memFS) mkdirAll(p string) string {
	p = path.Clean(p)
	if p == "/" {
		return ""
	}
	if blocked := fs.mkdirAll(path.Dir(p)); blocked != "" {
		return blocked
	}
	if e, ok := fs.entries[p]; ok {
		if !e.dir {
			return p
		}
		return ""
	}
	fs.entries[p] = &entry{dir: true, mtime: fs.now()}
	return ""
}

// descendants returns every path strictly below p, sorted.
func (fs *memFS) descendants(p string) []string {
	prefix := strings.TrimSuffix(p, "/") + "/"
	var out []string
	for k := range fs.entries {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func (fs *memFS) removeAll(p string) {
	for _, d := range fs.descendants(p) {
		delete(fs.entries, d)
	}
	delete(fs.entries, p)
}

// copyTree copies src (file or dir) to dst.
func (fs *memFS) copyTree(src, dst string) {
	e := fs.entries[src]
	fs.entries[dst] = &entry{dir: e.dir, data: append([]byte(nil), e.data...), mtime: e.mtime}
	for _, d := range fs.descendants(src) {
		de := fs.entries[d]
		fs.entries[dst+strings.TrimPrefix(d, src)] = &entry{dir: de.dir, data: append([]byte(nil), de.data...), mtime: de.mtime}
	}
}

func (fs *memFS) writeFile(p string, data []byte, appendMode bool) {
	if e, ok := fs.entries[p]; ok && appendMode && !e.dir {
		e.data = append(e.data, data...)
		e.mtime = fs.now()
		return
	}
	fs.entries[p] = &entry{data: append([]byte(nil), data...), mtime: fs.now()}
}

// tools emulates the shell utilities the orchestrator invokes.
type tools struct {
	r      *Runtime
	c      *Container
	dir    string
	stdout *strings.Builder
	stderr *strings.Builder
}

func (t *tools) fs() *memFS { return t.c.fs }

func (t *tools) abs(p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	return path.Join(t.dir, p)
}

// operands drops flags and the "--" separator.
func operands(args []string) []string {
	var out []string
	literal := false
	for _, a := range args {
		switch {
		case literal:
			out = append(out, a)
		case a == "--":
			literal = true
		case strings.HasPrefix(a, "-") && len(a) > 1:
		default:
			out = append(out, a)
		}
	}
	return out
}

func (t *tools) cat(args []string) int {
	code := 0
	for _, p := range operands(args) {
		e, ok := t.fs().entries[t.abs(p)]
		switch {
		case !ok:
			fmt.Fprintf(t.stderr, "cat: %s: No such file or directory\n", p)
			code = 1
		case e.dir:
			fmt.Fprintf(t.stderr, "cat: %s: Is a directory\n", p)
			code = 1
		default:
			t.stdout.Write(e.data)
		}
	}
	return code
}

// base64Encode emulates base64 on one file, wrapping at 76 columns like coreutils.
func (t *tools) base64Encode(args []string) int {
	ops := operands(args)
	if len(ops) != 1 {
		fmt.Fprintln(t.stderr, "base64: extra operand")
		return 1
	}
	e, ok := t.fs().entries[t.abs(ops[0])]
	switch {
	case !ok:
		fmt.Fprintf(t.stderr, "base64: %s: No such file or directory\n", ops[0])
		return 1
	case e.dir:
		fmt.Fprintln(t.stderr, "base64: read error: Is a directory")
		return 1
	}
	enc := base64.StdEncoding.EncodeToString(e.data)
	for len(enc) > 76 {
		t.stdout.WriteString(enc[:76] + "\n")
		enc = enc[76:]
	}
	if enc != "" {
		t.stdout.WriteString(enc + "\n")
	}
	return 0
}

func (t *tools) mkdir(args []string) int {
	for _, p := range operands(args) {
		if blocked := t.fs().mkdirAll(t.abs(p)); blocked != "" {
			fmt.Fprintf(t.stderr, "mkdir: cannot create directory '%s': Not a directory\n", p)
			return 1
		}
	}
	return 0
}

func (t *tools) rm(args []string) int {
	for _, p := range operands(args) {
		t.fs().removeAll(t.abs(p))
	}
	return 0
}

func (t *tools) transfer(argv []string, move bool) int {
	name := argv[0]
	ops := operands(argv[1:])
	if len(ops) != 2 {
		fmt.Fprintf(t.stderr, "%s: missing file operand\n", name)
		return 1
	}
	src, dst := t.abs(ops[0]), t.abs(ops[1])
	if _, ok := t.fs().entries[src]; !ok {
		fmt.Fprintf(t.stderr, "%s: cannot stat '%s': No such file or directory\n", name, ops[0])
		return 1
	}
	if e, ok := t.fs().entries[dst]; ok && e.dir {
		dst = path.Join(dst, path.Base(src))
	}
	if pe, ok := t.fs().entries[path.Dir(dst)]; !ok || !pe.dir {
		fmt.Fprintf(t.stderr, "%s: cannot create regular file '%s': No such file or directory\n", name, ops[1])
		return 1
	}
	if dst == src || strings.HasPrefix(dst, src+"/") {
		fmt.Fprintf(t.stderr, "%s: cannot move '%s' to a subdirectory of itself\n", name, ops[0])
		return 1
	}
	t.fs().removeAll(dst)
	t.fs().copyTree(src, dst)
	if move {
		t.fs().removeAll(src)
	}
	return 0
}

func (t *tools) stat(args []string) int {
	format := "%F|%s|%Y"
	for i, a := range args {
		if a == "-c" && i+1 < len(args) {
			format = args[i+1]
		}
	}
	var rest []string
	for i := 0; i < len(args); i++ {
		if args[i] == "-c" {
			i++
			continue
		}
		rest = append(rest, args[i])
	}
	code := 0
	for _, p := range operands(rest) {
		e, ok := t.fs().entries[t.abs(p)]
		if !ok {
			fmt.Fprintf(t.stderr, "stat: cannot statx '%s': No such file or directory\n", p)
			code = 1
			continue
		}
		kind, size := "regular file", len(e.data)
		switch {
		case e.dir:
			kind, size = "directory", 4096
		case size == 0:
			kind = "regular empty file"
		}
		out := strings.NewReplacer(
			"%F", kind,
			"%s", strconv.Itoa(size),
			"%Y", strconv.FormatInt(e.mtime.Unix(), 10),
		).Replace(format)
		fmt.Fprintln(t.stdout, out)
	}
	return code
}

func (t *tools) test(args []string) int {
	if len(args) != 2 {
		return 2
	}
	e, ok := t.fs().entries[t.abs(args[1])]
	switch args[0] {
	case "-e":
	case "-d":
		ok = ok && e.dir
	case "-f":
		ok = ok && !e.dir
	default:
		return 2
	}
	if ok {
		return 0
	}
	return 1
}

// find supports: ROOT [-mindepth N] [-maxdepth N]
// [( -name P [-o -name P]... ) -prune -o] (-printf FMT | -delete).
func (t *tools) find(args []string) int {
	if len(args) == 0 {
		return 1
	}
	root := t.abs(args[0])
	if _, ok := t.fs().entries[root]; !ok {
		fmt.Fprintf(t.stderr, "find: '%s': No such file or directory\n", args[0])
		return 1
	}
	minDepth, maxDepth := 0, -1
	var prune []string
	printf, del := "", false
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "-mindepth":
			i++
			minDepth, _ = strconv.Atoi(args[i])
		case "-maxdepth":
			i++
			maxDepth, _ = strconv.Atoi(args[i])
		case "-name":
			i++
			prune = append(prune, args[i])
		case "-printf":
			i++
			printf = args[i]
		case "-delete":
			del = true
		}
	}

	depth := func(p string) int {
		if p == root {
			return 0
		}
		return strings.Count(strings.TrimPrefix(p, root), "/")
	}
	pruned := func(p string) bool {
		rel := strings.TrimPrefix(p, root)
		for _, seg := range strings.Split(strings.Trim(rel, "/"), "/") {
			for _, pat := range prune {
				if ok, _ := path.Match(pat, seg); ok {
					return true
				}
			}
		}
		return false
	}

	var matched []string
	for _, p := range append([]string{root}, t.fs().descendants(root)...) {
		d := depth(p)
		if d < minDepth || (maxDepth >= 0 && d > maxDepth) || pruned(p) {
			continue
		}
		matched = append(matched, p)
	}

	if del {
		for i := len(matched) - 1; i >= 0; i-- {
			t.fs().removeAll(matched[i])
		}
		return 0
	}
	for _, p := range matched {
		kind := "f"
		if t.fs().entries[p].dir {
			kind = "d"
		}
		line := strings.NewReplacer("%y", kind, "%p", p, `\n`, "\n").Replace(printf)
		t.stdout.WriteString(line)
	}
	return 0
}

var probeLines = regexp.MustCompile(`tail -n (\d+)`)

// sh emulates the handful of scripts the orchestrator runs through sh -c.
// Positional arguments follow the script and $0.
func (t *tools) sh(args []string) int {
	if len(args) < 2 || args[0] != "-c" {
		fmt.Fprintln(t.stderr, "sh: unsupported invocation")
		return 2
	}
	script := args[1]
	pos := args[2:] // pos[0] is $0
	arg := func(n int) string {
		if n < len(pos) {
			return pos[n]
		}
		return ""
	}

	switch {
	case strings.Contains(script, "base64 -d"):
		data, err := base64.StdEncoding.DecodeString(arg(1))
		if err != nil {
			fmt.Fprintln(t.stderr, "base64: invalid input")
			return 1
		}
		target := t.abs(arg(2))
		if pe, ok := t.fs().entries[path.Dir(target)]; !ok || !pe.dir {
			fmt.Fprintf(t.stderr, "sh: 1: cannot create %s: Directory nonexistent\n", arg(2))
			return 2
		}
		if e, ok := t.fs().entries[target]; ok && e.dir {
			fmt.Fprintf(t.stderr, "sh: 1: cannot create %s: Is a directory\n", arg(2))
			return 2
		}
		t.fs().writeFile(target, data, strings.Contains(script, ">>"))
		return 0

	case strings.Contains(script, "nohup"):
		t.c.Servers = append(t.c.Servers, arg(1))
		t.fs().writeFile(t.abs(arg(2)), nil, false)
		return 0

	case strings.Contains(script, "| grep"):
		e, ok := t.fs().entries[t.abs(arg(1))]
		if !ok {
			return 1
		}
		lines := strings.Split(string(e.data), "\n")
		if m := probeLines.FindStringSubmatch(script); m != nil {
			n, _ := strconv.Atoi(m[1])
			if len(lines) > n {
				lines = lines[len(lines)-n:]
			}
		}
		re, err := regexp.Compile(arg(2))
		if err != nil {
			fmt.Fprintln(t.stderr, "grep: invalid regular expression")
			return 2
		}
		var skip *regexp.Regexp
		if strings.Contains(script, "grep -v") && arg(3) != "" {
			if skip, err = regexp.Compile("(?i)" + arg(3)); err != nil {
				fmt.Fprintln(t.stderr, "grep: invalid regular expression")
				return 2
			}
		}
		for _, l := range lines {
			if skip != nil && skip.MatchString(l) {
				continue
			}
			if m := re.FindString(l); m != "" {
				fmt.Fprintln(t.stdout, m)
				return 0
			}
		}
		return 1

	case strings.Contains(script, "apt-get") || strings.Contains(script, "apk"):
		return 0
	}
	fmt.Fprintf(t.stderr, "sh: unsupported script %q\n", script)
	return 2
}

func (t *tools) npm(args []string) int {
	if len(args) == 0 || (args[0] != "install" && args[0] != "ci") {
		fmt.Fprintln(t.stderr, "npm: unsupported command")
		return 1
	}
	if _, ok := t.fs().entries[path.Join(t.dir, "package.json")]; !ok {
		fmt.Fprintln(t.stderr, "npm ERR! enoent Could not read package.json")
		return 254
	}
	t.fs().mkdirAll(path.Join(t.dir, "node_modules"))
	fmt.Fprintln(t.stdout, "added 1 package in 1s")
	return 0
}
