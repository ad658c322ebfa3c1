package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// isolate points CRIBD_HOME and the working directory at empty temp dirs so
// the developer's own config and .env never leak into a test.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CRIBD_HOME", dir)
	t.Chdir(dir)
	return dir
}

func writeFile(t *testing.T, p, content string) {
	t.Helper()
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Lifecycle.IdleTimeout != 30*time.Minute {
		t.Errorf("IdleTimeout = %v, want 30m", cfg.Lifecycle.IdleTimeout)
	}
	if cfg.Runtime.PortCount != 8 {
		t.Errorf("PortCount = %d, want 8", cfg.Runtime.PortCount)
	}
	if cfg.Preview.Attempts != 30 || cfg.Preview.Interval != time.Second {
		t.Errorf("Preview = %+v", cfg.Preview)
	}
	if cfg.Store.Backend != StoreFile {
		t.Errorf("Store.Backend = %q", cfg.Store.Backend)
	}
}

func TestLoad_TOMLFile(t *testing.T) {
	dir := isolate(t)
	p := filepath.Join(dir, "cribd.toml")
	writeFile(t, p, `
templates = "/etc/cribd/templates.jsonc"

[server]
addr = "127.0.0.1:9000"

[runtime]
image = "node:22-bookworm"
port_count = 4
stop_timeout = "3s"

[lifecycle]
idle_timeout = "45m"

[git]
branch = "trunk"
`)

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9000" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
	if cfg.Runtime.Image != "node:22-bookworm" || cfg.Runtime.PortCount != 4 {
		t.Errorf("Runtime = %+v", cfg.Runtime)
	}
	if cfg.Runtime.StopTimeout != 3*time.Second {
		t.Errorf("StopTimeout = %v", cfg.Runtime.StopTimeout)
	}
	if cfg.Lifecycle.IdleTimeout != 45*time.Minute {
		t.Errorf("IdleTimeout = %v", cfg.Lifecycle.IdleTimeout)
	}
	if cfg.Git.Branch != "trunk" {
		t.Errorf("Branch = %q", cfg.Git.Branch)
	}
	// Untouched keys keep their defaults.
	if cfg.Lifecycle.SalvageLimit != 100 {
		t.Errorf("SalvageLimit = %d", cfg.Lifecycle.SalvageLimit)
	}
	if cfg.Templates != "/etc/cribd/templates.jsonc" {
		t.Errorf("Templates = %q", cfg.Templates)
	}
}

func TestLoad_DefaultPathUsedWhenPresent(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, "config.toml"), "[log]\nlevel = \"debug\"\n")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Level = %q, want debug", cfg.Log.Level)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	dir := isolate(t)
	_, err := Load(filepath.Join(dir, "nope.toml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestLoad_UnknownKeys(t *testing.T) {
	dir := isolate(t)
	p := filepath.Join(dir, "cribd.toml")
	writeFile(t, p, "[runtime]\nimgae = \"typo\"\n")

	_, err := Load(p)
	if err == nil || !strings.Contains(err.Error(), "runtime.imgae") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestLoad_DotEnvAndEnvironment(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, ".env"), "CRIBD_GIT_TOKEN=from-dotenv\nCRIBD_SALVAGE_LIMIT=12\n")
	t.Setenv("CRIBD_IDLE_TIMEOUT", "5m")
	// Variables already set win over .env.
	t.Setenv("CRIBD_SALVAGE_LIMIT", "7")
	t.Cleanup(func() { _ = os.Unsetenv("CRIBD_GIT_TOKEN") })

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Git.Token != "from-dotenv" {
		t.Errorf("Token = %q", cfg.Git.Token)
	}
	if cfg.Lifecycle.IdleTimeout != 5*time.Minute {
		t.Errorf("IdleTimeout = %v", cfg.Lifecycle.IdleTimeout)
	}
	if cfg.Lifecycle.SalvageLimit != 7 {
		t.Errorf("SalvageLimit = %d, want 7", cfg.Lifecycle.SalvageLimit)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"CRIBD_ADDR":         ":7000",
		"CRIBD_CORS_ORIGINS": "http://a.test, http://b.test,",
		"GITHUB_TOKEN":       "gh",
		"CRIBD_CPUS":         "2.5",
		"CRIBD_GIT_INIT":     "false",
		"CRIBD_STORE":        "postgres",
		"CRIBD_DATABASE_URL": "postgres://localhost/cribd",
	}
	cfg := Default()
	if err := cfg.applyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":7000" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "http://b.test" {
		t.Errorf("CORSOrigins = %v", cfg.Server.CORSOrigins)
	}
	if cfg.Git.Token != "gh" || cfg.Git.InitRepo {
		t.Errorf("Git = %+v", cfg.Git)
	}
	if cfg.Runtime.NanoCPUs() != 2_500_000_000 {
		t.Errorf("NanoCPUs = %d", cfg.Runtime.NanoCPUs())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestApplyEnv_GitTokenPrecedence(t *testing.T) {
	env := map[string]string{"GITHUB_TOKEN": "gh", "CRIBD_GIT_TOKEN": "cribd"}
	cfg := Default()
	if err := cfg.applyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatal(err)
	}
	if cfg.Git.Token != "cribd" {
		t.Errorf("Token = %q, want cribd", cfg.Git.Token)
	}
}

func TestApplyEnv_InvalidValues(t *testing.T) {
	env := map[string]string{
		"CRIBD_IDLE_TIMEOUT": "soon",
		"CRIBD_PORT_COUNT":   "eight",
	}
	err := Default().applyEnv(func(k string) string { return env[k] })
	if err == nil {
		t.Fatal("expected error")
	}
	for _, key := range []string{"CRIBD_IDLE_TIMEOUT", "CRIBD_PORT_COUNT"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q should mention %s", err, key)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad image", func(c *Config) { c.Runtime.Image = "Not A Ref" }, "runtime.image"},
		{"root base dir", func(c *Config) { c.Runtime.BaseDir = "/" }, "base_dir"},
		{"relative base dir", func(c *Config) { c.Runtime.BaseDir = "workspace" }, "base_dir"},
		{"no ports", func(c *Config) { c.Runtime.PortCount = 0 }, "port_count"},
		{"zero idle", func(c *Config) { c.Lifecycle.IdleTimeout = 0 }, "idle_timeout"},
		{"postgres without dsn", func(c *Config) { c.Store.Backend = StorePostgres }, "store.dsn"},
		{"unknown backend", func(c *Config) { c.Store.Backend = "redis" }, "store.backend"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
	if err := Default().Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}
