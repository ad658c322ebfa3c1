package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuiltin_Valid(t *testing.T) {
	for n, tmpl := range Builtin() {
		if err := tmpl.Validate(); err != nil {
			t.Errorf("builtin %s: %v", n, err)
		}
		if tmpl.Name != n {
			t.Errorf("builtin %s has Name %q", n, tmpl.Name)
		}
	}
}

func TestCatalog_Get(t *testing.T) {
	c := Builtin()

	tmpl, err := c.Get("")
	if err != nil {
		t.Fatal(err)
	}
	if tmpl.Name != DefaultTemplate || tmpl.BasePort != 5173 {
		t.Errorf("default template = %s:%d", tmpl.Name, tmpl.BasePort)
	}

	node, err := c.Get("node")
	if err != nil {
		t.Fatal(err)
	}
	if node.BasePort != 3000 {
		t.Errorf("node BasePort = %d", node.BasePort)
	}

	_, err = c.Get("cobol")
	if !errors.Is(err, ErrUnknownTemplate) {
		t.Fatalf("expected ErrUnknownTemplate, got %v", err)
	}
	if !strings.Contains(err.Error(), "node, static, vite") {
		t.Errorf("error should list templates: %v", err)
	}
}

func TestParseCatalog_JSONC(t *testing.T) {
	data := []byte(`{
  // Astro sites
  "astro": {
    "image": "node:22-bookworm",
    "basePort": 4321,
    "devCommand": "npm run dev -- --host",
    "files": {"src/pages/index.astro": "<h1>hi</h1>"},
  },
}`)
	c, err := ParseCatalog(data)
	if err != nil {
		t.Fatalf("ParseCatalog: %v", err)
	}
	astro, err := c.Get("astro")
	if err != nil {
		t.Fatal(err)
	}
	if astro.Name != "astro" || astro.ServerType != "astro" || astro.BasePort != 4321 {
		t.Errorf("astro = %+v", astro)
	}
	if astro.ImageFor("node:20-bookworm") != "node:22-bookworm" {
		t.Errorf("ImageFor = %q", astro.ImageFor("x"))
	}
	if astro.Files["src/pages/index.astro"] != "<h1>hi</h1>" {
		t.Errorf("Files = %v", astro.Files)
	}
}

func TestParseCatalog_Invalid(t *testing.T) {
	tests := map[string]string{
		"syntax":       `{"a": `,
		"no port":      `{"a": {"devCommand": "x"}}`,
		"no command":   `{"a": {"basePort": 3000}}`,
		"bad image":    `{"a": {"basePort": 3000, "devCommand": "x", "image": "::bad::"}}`,
		"escaping":     `{"a": {"basePort": 3000, "devCommand": "x", "files": {"../etc/passwd": ""}}}`,
		"absolute":     `{"a": {"basePort": 3000, "devCommand": "x", "files": {"/etc/passwd": ""}}}`,
		"null":         `{"a": null}`,
		"port too big": `{"a": {"basePort": 70000, "devCommand": "x"}}`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseCatalog([]byte(doc)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadCatalog_MergesOverBuiltins(t *testing.T) {
	p := filepath.Join(t.TempDir(), "templates.jsonc")
	if err := os.WriteFile(p, []byte(`{"node": {"basePort": 4000, "devCommand": "node server.js"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := LoadCatalog(p)
	if err != nil {
		t.Fatal(err)
	}
	node, _ := c.Get("node")
	if node.BasePort != 4000 || node.DevCommand != "node server.js" {
		t.Errorf("node = %+v", node)
	}
	if _, err := c.Get("vite"); err != nil {
		t.Errorf("builtins should survive the merge: %v", err)
	}
}

func TestLoadCatalog_Empty(t *testing.T) {
	c, err := LoadCatalog("")
	if err != nil {
		t.Fatal(err)
	}
	if len(c) != len(Builtin()) {
		t.Errorf("len = %d", len(c))
	}
}

func TestValidateImage(t *testing.T) {
	for _, ref := range []string{"node:20-bookworm", "ghcr.io/acme/dev:1.2", "alpine@sha256:" + strings.Repeat("a", 64)} {
		if err := ValidateImage(ref); err != nil {
			t.Errorf("ValidateImage(%q): %v", ref, err)
		}
	}
	for _, ref := range []string{"", "Not A Ref", "::bad::"} {
		if err := ValidateImage(ref); err == nil {
			t.Errorf("ValidateImage(%q) should fail", ref)
		}
	}
}
