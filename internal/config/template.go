package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/tidwall/jsonc"
)

// ErrUnknownTemplate is returned when a template name is not in the catalog.
var ErrUnknownTemplate = errors.New("unknown template")

// DefaultTemplate is used when a create request names no template.
const DefaultTemplate = "vite"

// Template describes how to scaffold and run one kind of project.
type Template struct {
	Name string `json:"-"`

	// Image overrides the runtime's base image.
	Image string `json:"image,omitempty"`

	// ServerType is recorded in the workspace metadata ("vite", "node", ...).
	ServerType string `json:"serverType"`

	// BasePort is the dev server's default port and the first port of the
	// block published for the workspace.
	BasePort   int    `json:"basePort"`
	DevCommand string `json:"devCommand"`

	// InstallCommand runs after a clone when package.json is present.
	InstallCommand string `json:"installCommand,omitempty"`

	// Files are scaffolded into a new workspace, keyed by relative path.
	Files map[string]string `json:"files,omitempty"`
}

// Catalog maps template names to templates.
type Catalog map[string]*Template

// Get returns the named template, or the default template for "".
func (c Catalog) Get(name string) (*Template, error) {
	if name == "" {
		name = DefaultTemplate
	}
	t, ok := c[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %s)", ErrUnknownTemplate, name, strings.Join(c.Names(), ", "))
	}
	return t, nil
}

// Names returns the template names in sorted order.
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c))
	for n := range c {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Builtin returns the built-in catalog.
func Builtin() Catalog {
	return Catalog{
		"vite": {
			Name:           "vite",
			ServerType:     "vite",
			BasePort:       5173,
			DevCommand:     "npm install && npm run dev -- --host 0.0.0.0 --port 5173",
			InstallCommand: "npm install",
			Files: map[string]string{
				"package.json":   vitePackageJSON,
				"index.html":     viteIndexHTML,
				"src/main.js":    viteMainJS,
				"src/style.css":  viteStyleCSS,
				"vite.config.js": viteConfigJS,
			},
		},
		"node": {
			Name:           "node",
			ServerType:     "node",
			BasePort:       3000,
			DevCommand:     "npm start",
			InstallCommand: "npm install",
			Files: map[string]string{
				"package.json": nodePackageJSON,
				"index.js":     nodeIndexJS,
			},
		},
		"static": {
			Name:       "static",
			ServerType: "static",
			BasePort:   8000,
			DevCommand: "npx --yes http-server -a 0.0.0.0 -p 8000 .",
			Files: map[string]string{
				"index.html": staticIndexHTML,
			},
		},
	}
}

// LoadCatalog returns the built-in catalog with the templates from the JSONC
// file at p merged over it. An empty p returns the built-ins.
func LoadCatalog(p string) (Catalog, error) {
	catalog := Builtin()
	if p == "" {
		return catalog, nil
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", p, err)
	}
	extra, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", p, err)
	}
	for n, t := range extra {
		catalog[n] = t
	}
	return catalog, nil
}

// ParseCatalog parses a JSONC object of templates keyed by name and
// validates each entry.
func ParseCatalog(data []byte) (Catalog, error) {
	var raw map[string]*Template
	if err := json.Unmarshal(jsonc.ToJSON(data), &raw); err != nil {
		return nil, err
	}
	catalog := make(Catalog, len(raw))
	var errs []error
	for n, t := range raw {
		if t == nil {
			errs = append(errs, fmt.Errorf("template %q: empty definition", n))
			continue
		}
		t.Name = n
		if t.ServerType == "" {
			t.ServerType = n
		}
		if err := t.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		catalog[n] = t
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return catalog, nil
}

// Validate checks a template definition.
func (t *Template) Validate() error {
	if t.Name == "" {
		return errors.New("template name is required")
	}
	if t.BasePort < 1 || t.BasePort > 65535 {
		return fmt.Errorf("template %q: basePort %d out of range", t.Name, t.BasePort)
	}
	if strings.TrimSpace(t.DevCommand) == "" {
		return fmt.Errorf("template %q: devCommand is required", t.Name)
	}
	if t.Image != "" {
		if err := ValidateImage(t.Image); err != nil {
			return fmt.Errorf("template %q: %w", t.Name, err)
		}
	}
	for f := range t.Files {
		if f == "" || path.IsAbs(f) || strings.HasPrefix(path.Clean(f), "..") {
			return fmt.Errorf("template %q: invalid file path %q", t.Name, f)
		}
	}
	return nil
}

// ImageFor returns the template's image, falling back to fallback.
func (t *Template) ImageFor(fallback string) string {
	if t.Image != "" {
		return t.Image
	}
	return fallback
}

// ValidateImage checks that ref is a well-formed image reference.
func ValidateImage(ref string) error {
	if ref == "" {
		return errors.New("image reference is required")
	}
	if _, err := name.ParseReference(ref); err != nil {
		return fmt.Errorf("invalid image reference %q: %w", ref, err)
	}
	return nil
}

const vitePackageJSON = `{
  "name": "workspace",
  "private": true,
  "version": "0.0.0",
  "type": "module",
  "scripts": {
    "dev": "vite",
    "build": "vite build",
    "preview": "vite preview"
  },
  "devDependencies": {
    "vite": "^5.4.0"
  }
}
`

const viteIndexHTML = `<!doctype html>
<html lang="en">
  <head>
    <meta charset="UTF-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1.0" />
    <title>Workspace</title>
  </head>
  <body>
    <div id="app"></div>
    <script type="module" src="/src/main.js"></script>
  </body>
</html>
`

const viteMainJS = `import './style.css'

document.querySelector('#app').innerHTML = '<h1>Hello from your workspace</h1>'
`

const viteStyleCSS = `body {
  font-family: system-ui, sans-serif;
  margin: 2rem;
}
`

const viteConfigJS = `import { defineConfig } from 'vite'

export default defineConfig({
  server: {
    host: '0.0.0.0',
    port: 5173,
  },
})
`

const nodePackageJSON = `{
  "name": "workspace",
  "private": true,
  "version": "0.0.0",
  "scripts": {
    "start": "node index.js"
  }
}
`

const nodeIndexJS = `const http = require('http')

const port = process.env.PORT || 3000

http
  .createServer((req, res) => {
    res.writeHead(200, { 'Content-Type': 'text/plain' })
    res.end('Hello from your workspace\n')
  })
  .listen(port, '0.0.0.0', () => {
    console.log('Server listening on http://localhost:' + port)
  })
`

const staticIndexHTML = `<!doctype html>
<html lang="en">
  <head>
    <meta charset="UTF-8" />
    <title>Workspace</title>
  </head>
  <body>
    <h1>Hello from your workspace</h1>
  </body>
</html>
`
