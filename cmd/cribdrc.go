package cmd

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// cribdRC holds values loaded from a .cribdrc file.
type cribdRC struct {
	Config string // server config file (same as --config / -c)
	User   string // identity the admin commands act as (same as --user / -u)
}

// loadCribdRC reads a .cribdrc file from cwd. Returns nil, nil if not found.
// Format: simple "key = value" pairs, lines starting with # are comments.
func loadCribdRC() (*cribdRC, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(cwd, ".cribdrc"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	rc := &cribdRC{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "config":
			rc.Config = strings.TrimSpace(val)
		case "user":
			rc.User = strings.TrimSpace(val)
		}
	}
	return rc, scanner.Err()
}
