package drivertest

import (
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
)

// remote is a hosted repository: only the last pushed tree is kept.
type remote struct {
	tree map[string][]byte
}

// repoState is the git metadata of the repository in a container. The
// repository itself exists iff <dir>/.git exists in the filesystem.
type repoState struct {
	head      map[string][]byte
	commits   int
	remotes   map[string]string
	branch    string
	fetchHead map[string][]byte
	identity  map[string]string
}

func stripUserinfo(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.User = nil
	return u.String()
}

func (t *tools) repo() (*repoState, bool) {
	if e, ok := t.fs().entries[path.Join(t.dir, ".git")]; !ok || !e.dir {
		return nil, false
	}
	if t.c.repo == nil {
		t.c.repo = &repoState{remotes: map[string]string{}, identity: map[string]string{}, branch: "master"}
	}
	return t.c.repo, true
}

// worktree snapshots tracked (non-ignored) files, keyed by repo-relative
// path.
func (t *tools) worktree() map[string][]byte {
	ignore := t.ignorePatterns()
	tree := map[string][]byte{}
	for _, p := range t.fs().descendants(t.dir) {
		e := t.fs().entries[p]
		if e.dir {
			continue
		}
		rel := strings.TrimPrefix(p, t.dir+"/")
		if ignored(rel, ignore) {
			continue
		}
		tree[rel] = append([]byte(nil), e.data...)
	}
	return tree
}

func (t *tools) ignorePatterns() []string {
	pats := []string{".git"}
	e, ok := t.fs().entries[path.Join(t.dir, ".gitignore")]
	if !ok {
		return pats
	}
	for _, line := range strings.Split(string(e.data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		pats = append(pats, strings.Trim(line, "/"))
	}
	return pats
}

func ignored(rel string, patterns []string) bool {
	segs := strings.Split(rel, "/")
	for _, pat := range patterns {
		if ok, _ := path.Match(pat, rel); ok {
			return true
		}
		for _, s := range segs {
			if ok, _ := path.Match(pat, s); ok {
				return true
			}
		}
	}
	return false
}

func sameTree(a, b map[string][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || string(v) != string(w) {
			return false
		}
	}
	return true
}

// checkout replaces tracked files in the worktree with tree.
func (t *tools) checkout(tree map[string][]byte) {
	for rel := range t.worktree() {
		delete(t.fs().entries, path.Join(t.dir, rel))
	}
	for rel, data := range tree {
		p := path.Join(t.dir, rel)
		t.fs().mkdirAll(path.Dir(p))
		t.fs().writeFile(p, data, false)
	}
}

func (t *tools) authorize(rawURL string) bool {
	if t.r.RemoteToken == "" {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.User == nil {
		return false
	}
	pw, ok := u.User.Password()
	if !ok {
		pw = u.User.Username()
	}
	return pw == t.r.RemoteToken
}

func (t *tools) git(args []string) int {
	if len(args) == 0 {
		return 1
	}
	if args[0] == "--version" {
		fmt.Fprintln(t.stdout, "git version 2.39.5")
		return 0
	}
	if args[0] == "init" {
		t.fs().mkdirAll(path.Join(t.dir, ".git"))
		t.c.repo = nil
		repo, _ := t.repo()
		for i, a := range args {
			if (a == "-b" || a == "--initial-branch") && i+1 < len(args) {
				repo.branch = args[i+1]
			}
		}
		fmt.Fprintf(t.stdout, "Initialized empty Git repository in %s/.git/\n", t.dir)
		return 0
	}
	if args[0] == "clone" {
		return t.gitClone(args[1:])
	}

	repo, ok := t.repo()
	if !ok {
		fmt.Fprintln(t.stderr, "fatal: not a git repository (or any of the parent directories): .git")
		return 128
	}

	switch args[0] {
	case "config":
		if len(args) == 3 {
			repo.identity[args[1]] = args[2]
		}
		return 0

	case "add":
		return 0

	case "status":
		head := repo.head
		work := t.worktree()
		var lines []string
		for rel, data := range work {
			old, ok := head[rel]
			switch {
			case !ok:
				lines = append(lines, "?? "+rel)
			case string(old) != string(data):
				lines = append(lines, " M "+rel)
			}
		}
		for rel := range head {
			if _, ok := work[rel]; !ok {
				lines = append(lines, " D "+rel)
			}
		}
		sort.Strings(lines)
		for _, l := range lines {
			fmt.Fprintln(t.stdout, l)
		}
		return 0

	case "commit":
		work := t.worktree()
		if repo.commits > 0 && sameTree(work, repo.head) {
			fmt.Fprintln(t.stdout, "nothing to commit, working tree clean")
			return 1
		}
		if repo.identity["user.email"] == "" {
			fmt.Fprintln(t.stderr, "Author identity unknown")
			return 128
		}
		repo.head = work
		repo.commits++
		fmt.Fprintf(t.stdout, "[%s %07x] commit\n", repo.branch, repo.commits)
		return 0

	case "branch":
		if len(args) == 3 && (args[1] == "-M" || args[1] == "-m") {
			repo.branch = args[2]
			return 0
		}
		return 0

	case "remote":
		return t.gitRemote(repo, args[1:])

	case "push":
		return t.gitPush(repo, args[1:])

	case "fetch":
		return t.gitFetch(repo, args[1:])

	case "reset":
		if len(args) == 3 && args[1] == "--hard" && args[2] == "FETCH_HEAD" {
			if repo.fetchHead == nil {
				fmt.Fprintln(t.stderr, "fatal: ambiguous argument 'FETCH_HEAD': unknown revision")
				return 128
			}
			t.checkout(repo.fetchHead)
			repo.head = repo.fetchHead
			repo.commits++
			return 0
		}
		return 0
	}
	fmt.Fprintf(t.stderr, "git: '%s' is not a git command.\n", args[0])
	return 1
}

func (t *tools) gitRemote(repo *repoState, args []string) int {
	if len(args) == 0 {
		return 0
	}
	switch args[0] {
	case "remove", "rm":
		if _, ok := repo.remotes[args[1]]; !ok {
			fmt.Fprintf(t.stderr, "error: No such remote: '%s'\n", args[1])
			return 2
		}
		delete(repo.remotes, args[1])
		return 0
	case "add":
		if _, ok := repo.remotes[args[1]]; ok {
			fmt.Fprintf(t.stderr, "error: remote %s already exists.\n", args[1])
			return 3
		}
		repo.remotes[args[1]] = args[2]
		return 0
	case "set-url":
		if _, ok := repo.remotes[args[1]]; !ok {
			fmt.Fprintf(t.stderr, "error: No such remote '%s'\n", args[1])
			return 2
		}
		repo.remotes[args[1]] = args[2]
		return 0
	}
	return 1
}

// resolveRemote turns a remote name or URL into a URL.
func resolveRemote(repo *repoState, name string) string {
	if u, ok := repo.remotes[name]; ok {
		return u
	}
	return name
}

func (t *tools) gitPush(repo *repoState, args []string) int {
	ops := operands(args)
	if len(ops) == 0 {
		fmt.Fprintln(t.stderr, "fatal: No configured push destination.")
		return 128
	}
	rawURL := resolveRemote(repo, ops[0])
	if !strings.Contains(rawURL, "://") {
		fmt.Fprintf(t.stderr, "fatal: '%s' does not appear to be a git repository\n", ops[0])
		return 128
	}
	if !t.authorize(rawURL) {
		fmt.Fprintf(t.stderr, "remote: Invalid username or password.\nfatal: Authentication failed for '%s'\n", rawURL)
		return 128
	}
	if repo.commits == 0 {
		fmt.Fprintf(t.stderr, "error: src refspec %s does not match any\n", repo.branch)
		return 1
	}
	if t.r.RejectPush {
		fmt.Fprintf(t.stderr, " ! [remote rejected] %s -> %s (pre-receive hook declined)\nerror: failed to push some refs to '%s'\n", repo.branch, repo.branch, rawURL)
		return 1
	}
	tree := map[string][]byte{}
	for k, v := range repo.head {
		tree[k] = v
	}
	t.r.remotes[stripUserinfo(rawURL)] = &remote{tree: tree}
	fmt.Fprintf(t.stderr, "To %s\n + %s (forced update)\n", stripUserinfo(rawURL), repo.branch)
	return 0
}

func (t *tools) fetchRemote(rawURL string) (*remote, int) {
	if !t.authorize(rawURL) {
		fmt.Fprintf(t.stderr, "remote: Invalid username or password.\nfatal: Authentication failed for '%s'\n", rawURL)
		return nil, 128
	}
	rem, ok := t.r.remotes[stripUserinfo(rawURL)]
	if !ok {
		fmt.Fprintf(t.stderr, "remote: Repository not found.\nfatal: repository '%s' not found\n", rawURL)
		return nil, 128
	}
	return rem, 0
}

func (t *tools) gitFetch(repo *repoState, args []string) int {
	ops := operands(args)
	if len(ops) == 0 {
		return 0
	}
	rem, code := t.fetchRemote(resolveRemote(repo, ops[0]))
	if code != 0 {
		return code
	}
	repo.fetchHead = map[string][]byte{}
	for k, v := range rem.tree {
		repo.fetchHead[k] = v
	}
	return 0
}

func (t *tools) gitClone(args []string) int {
	var ops []string
	branch := ""
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--branch" || args[i] == "-b":
			i++
			branch = args[i]
		case strings.HasPrefix(args[i], "-"):
		default:
			ops = append(ops, args[i])
		}
	}
	if len(ops) == 0 {
		return 129
	}
	rawURL := ops[0]
	target := t.dir
	if len(ops) > 1 {
		target = t.abs(ops[1])
	}
	if len(t.fs().descendants(target)) > 0 {
		fmt.Fprintf(t.stderr, "fatal: destination path '%s' already exists and is not an empty directory.\n", target)
		return 128
	}
	rem, code := t.fetchRemote(rawURL)
	if code != 0 {
		return code
	}

	t.fs().mkdirAll(path.Join(target, ".git"))
	sub := &tools{r: t.r, c: t.c, dir: target, stdout: t.stdout, stderr: t.stderr}
	t.c.repo = nil
	repo, _ := sub.repo()
	if branch != "" {
		repo.branch = branch
	}
	repo.remotes["origin"] = rawURL
	sub.checkout(rem.tree)
	repo.head = sub.worktree()
	repo.commits = 1
	fmt.Fprintf(t.stderr, "Cloning into '%s'...\n", target)
	return 0
}
