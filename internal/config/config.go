// Package config loads the orchestrator's server configuration and the
// project template catalog.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreFile     = "file"
	StorePostgres = "postgres"
)

// Config is the complete server configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Runtime   RuntimeConfig   `toml:"runtime"`
	Lifecycle LifecycleConfig `toml:"lifecycle"`
	Preview   PreviewConfig   `toml:"preview"`
	Git       GitConfig       `toml:"git"`
	Store     StoreConfig     `toml:"store"`
	Log       LogConfig       `toml:"log"`

	// Templates is an optional JSONC file merged over the built-in catalog.
	Templates string `toml:"templates"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr        string   `toml:"addr"`
	CORSOrigins []string `toml:"cors_origins"`
}

// RuntimeConfig configures workspace containers.
type RuntimeConfig struct {
	// Image is the base image used when a template does not name one.
	Image       string        `toml:"image"`
	BaseDir     string        `toml:"base_dir"`
	MemoryBytes int64         `toml:"memory_bytes"`
	CPUs        float64       `toml:"cpus"`
	PortCount   int           `toml:"port_count"`
	StopTimeout time.Duration `toml:"stop_timeout"`
	// CreateTimeout bounds image pulls and container creation.
	CreateTimeout time.Duration `toml:"create_timeout"`
}

// LifecycleConfig configures idle reclamation and salvage.
type LifecycleConfig struct {
	IdleTimeout   time.Duration `toml:"idle_timeout"`
	SweepInterval time.Duration `toml:"sweep_interval"`
	SalvageLimit  int           `toml:"salvage_limit"`
}

// PreviewConfig configures the dev server and port discovery.
type PreviewConfig struct {
	LogPath  string        `toml:"log_path"`
	Attempts int           `toml:"attempts"`
	Interval time.Duration `toml:"interval"`
}

// GitConfig configures the persistence remote.
type GitConfig struct {
	Token     string `toml:"token"`
	Branch    string `toml:"branch"`
	UserName  string `toml:"user_name"`
	UserEmail string `toml:"user_email"`
	// InitRepo controls whether new workspaces get a local repository.
	InitRepo bool `toml:"init_repo"`
}

// StoreConfig selects the workspace registry backend.
type StoreConfig struct {
	Backend  string `toml:"backend"`
	Dir      string `toml:"dir"`
	DSN      string `toml:"dsn"`
	MaxConns int32  `toml:"max_conns"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:        ":8080",
			CORSOrigins: []string{"*"},
		},
		Runtime: RuntimeConfig{
			Image:         "node:20-bookworm",
			BaseDir:       "/workspace",
			MemoryBytes:   2 << 30,
			CPUs:          1,
			PortCount:     8,
			StopTimeout:   10 * time.Second,
			CreateTimeout: 5 * time.Minute,
		},
		Lifecycle: LifecycleConfig{
			IdleTimeout:   30 * time.Minute,
			SweepInterval: time.Minute,
			SalvageLimit:  100,
		},
		Preview: PreviewConfig{
			LogPath:  "/tmp/dev-server.log",
			Attempts: 30,
			Interval: time.Second,
		},
		Git: GitConfig{
			Branch:    "main",
			UserName:  "cribd",
			UserEmail: "cribd@localhost",
			InitRepo:  true,
		},
		Store: StoreConfig{
			Backend:  StoreFile,
			MaxConns: 10,
		},
		Log: LogConfig{Level: "info"},
	}
}

// DefaultPath returns the config file consulted when none is given:
// $CRIBD_HOME/config.toml or ~/.cribd/config.toml.
func DefaultPath() string {
	if home := os.Getenv("CRIBD_HOME"); home != "" {
		return filepath.Join(home, "config.toml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".cribd", "config.toml")
}

// Load builds the configuration from defaults, then the TOML file at path
// (or DefaultPath when path is empty and that file exists), then a .env
// file in the working directory, then CRIBD_* environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		if err := cfg.decodeFile(path); err != nil {
			if explicit || !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
		}
	}

	// A missing .env is the normal case.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decodeFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("reading %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// applyEnv overlays CRIBD_* variables. GITHUB_TOKEN is accepted as a
// fallback for the git token.
func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	integer := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("CRIBD_ADDR", &c.Server.Addr)
	if v := getenv("CRIBD_CORS_ORIGINS"); v != "" {
		c.Server.CORSOrigins = splitList(v)
	}

	str("CRIBD_IMAGE", &c.Runtime.Image)
	str("CRIBD_BASE_DIR", &c.Runtime.BaseDir)
	if v := getenv("CRIBD_MEMORY_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("CRIBD_MEMORY_BYTES: %w", err))
		} else {
			c.Runtime.MemoryBytes = n
		}
	}
	if v := getenv("CRIBD_CPUS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("CRIBD_CPUS: %w", err))
		} else {
			c.Runtime.CPUs = f
		}
	}
	integer("CRIBD_PORT_COUNT", &c.Runtime.PortCount)
	dur("CRIBD_STOP_TIMEOUT", &c.Runtime.StopTimeout)
	dur("CRIBD_CREATE_TIMEOUT", &c.Runtime.CreateTimeout)

	dur("CRIBD_IDLE_TIMEOUT", &c.Lifecycle.IdleTimeout)
	dur("CRIBD_SWEEP_INTERVAL", &c.Lifecycle.SweepInterval)
	integer("CRIBD_SALVAGE_LIMIT", &c.Lifecycle.SalvageLimit)

	str("CRIBD_PREVIEW_LOG", &c.Preview.LogPath)
	integer("CRIBD_PREVIEW_ATTEMPTS", &c.Preview.Attempts)
	dur("CRIBD_PREVIEW_INTERVAL", &c.Preview.Interval)

	str("GITHUB_TOKEN", &c.Git.Token)
	str("CRIBD_GIT_TOKEN", &c.Git.Token)
	str("CRIBD_GIT_BRANCH", &c.Git.Branch)
	str("CRIBD_GIT_USER_NAME", &c.Git.UserName)
	str("CRIBD_GIT_USER_EMAIL", &c.Git.UserEmail)
	if v := getenv("CRIBD_GIT_INIT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("CRIBD_GIT_INIT: %w", err))
		} else {
			c.Git.InitRepo = b
		}
	}

	str("CRIBD_STORE", &c.Store.Backend)
	str("CRIBD_STORE_DIR", &c.Store.Dir)
	str("CRIBD_DATABASE_URL", &c.Store.DSN)

	str("CRIBD_LOG_LEVEL", &c.Log.Level)
	str("CRIBD_TEMPLATES", &c.Templates)

	return errors.Join(errs...)
}

// Validate checks the configuration for values the orchestrator cannot
// run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if err := ValidateImage(c.Runtime.Image); err != nil {
		errs = append(errs, fmt.Errorf("runtime.image: %w", err))
	}
	if !strings.HasPrefix(c.Runtime.BaseDir, "/") || c.Runtime.BaseDir == "/" {
		errs = append(errs, fmt.Errorf("runtime.base_dir must be an absolute, non-root path, got %q", c.Runtime.BaseDir))
	}
	if c.Runtime.PortCount < 1 || c.Runtime.PortCount > 64 {
		errs = append(errs, fmt.Errorf("runtime.port_count must be between 1 and 64, got %d", c.Runtime.PortCount))
	}
	if c.Runtime.MemoryBytes < 0 || c.Runtime.CPUs < 0 {
		errs = append(errs, errors.New("runtime resource limits must not be negative"))
	}
	if c.Lifecycle.IdleTimeout <= 0 || c.Lifecycle.SweepInterval <= 0 {
		errs = append(errs, errors.New("lifecycle.idle_timeout and lifecycle.sweep_interval must be positive"))
	}
	if c.Lifecycle.SalvageLimit < 0 {
		errs = append(errs, errors.New("lifecycle.salvage_limit must not be negative"))
	}
	if c.Preview.Attempts < 1 || c.Preview.Interval <= 0 {
		errs = append(errs, errors.New("preview.attempts and preview.interval must be positive"))
	}
	switch c.Store.Backend {
	case StoreFile:
	case StorePostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend must be %q or %q, got %q", StoreFile, StorePostgres, c.Store.Backend))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	return errors.Join(errs...)
}

// NanoCPUs converts the CPU ceiling to the runtime's unit.
func (r RuntimeConfig) NanoCPUs() int64 {
	return int64(r.CPUs * 1e9)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
