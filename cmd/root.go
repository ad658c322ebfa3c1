package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fgrehm/cribd/internal/config"
	"github.com/fgrehm/cribd/internal/container"
	"github.com/fgrehm/cribd/internal/devserver"
	"github.com/fgrehm/cribd/internal/driver"
	"github.com/fgrehm/cribd/internal/driver/docker"
	"github.com/fgrehm/cribd/internal/engine"
	"github.com/fgrehm/cribd/internal/gitbridge"
	"github.com/fgrehm/cribd/internal/ui"
	"github.com/fgrehm/cribd/internal/workspace"
)

var (
	debugFlag  bool
	configFlag string
	userFlag   string
	logger     *slog.Logger
)

// Version variables injected at build time.
var (
	Version = "dev"
	Commit  = "unknown"
	Built   = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "cribd",
	Short:   "Container-backed project workspaces that save to git",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelWarn
		if debugFlag {
			level = slog.LevelDebug
		}
		logger = newLogger(level)

		// Apply .cribdrc defaults for flags not explicitly set by the user.
		rc, err := loadCribdRC()
		if err != nil {
			logger.Debug("could not load .cribdrc", "error", err)
			return nil
		}
		if rc == nil {
			return nil
		}
		flags := cmd.Root().PersistentFlags()
		if !flags.Changed("config") && rc.Config != "" {
			configFlag = rc.Config
			logger.Debug("loaded config path from .cribdrc", "path", rc.Config)
		}
		if !flags.Changed("user") && rc.User != "" {
			userFlag = rc.User
		}
		return nil
	},
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "server config file (defaults to ~/.cribd/config.toml)")
	rootCmd.PersistentFlags().StringVarP(&userFlag, "user", "u", "", "identity to act as (defaults to $USER)")
	rootCmd.SetVersionTemplate(fmt.Sprintf("cribd version %s\n", Version))
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command with signal handling.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger = newLogger(slog.LevelWarn)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		u := newUI()
		u.Error(err.Error())
		fmt.Fprintf(os.Stderr, "\ncribd %s (%s)\n", Version, Commit)
		os.Exit(1)
	}
}

// newLogger builds the text logger used everywhere, with UTC timestamps.
func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.TimeValue(t.UTC())
				}
			}
			return a
		},
	}))
}

// parseLevel maps a config log level to slog. --debug wins.
func parseLevel(s string) slog.Level {
	if debugFlag {
		return slog.LevelDebug
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// newUI creates a UI that writes to stdout and stderr.
func newUI() *ui.UI {
	return ui.New(os.Stdout, os.Stderr)
}

// currentUser returns the identity admin commands act as.
func currentUser() (string, error) {
	if userFlag != "" {
		return userFlag, nil
	}
	if u := os.Getenv("USER"); u != "" {
		return u, nil
	}
	return "", errors.New("no identity: pass --user or set user in .cribdrc")
}

// openStore opens the configured workspace registry. The returned close
// function is never nil.
func openStore(ctx context.Context, cfg *config.Config) (workspace.Store, func(), error) {
	switch cfg.Store.Backend {
	case config.StorePostgres:
		pg, err := workspace.OpenPostgres(ctx, cfg.Store.DSN, cfg.Store.MaxConns)
		if err != nil {
			return nil, nil, fmt.Errorf("opening workspace registry: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
		return pg, pg.Close, nil
	default:
		var (
			fs  *workspace.FileStore
			err error
		)
		if cfg.Store.Dir != "" {
			fs, err = workspace.NewFileStoreAt(cfg.Store.Dir)
		} else {
			fs, err = workspace.NewFileStore()
		}
		if err != nil {
			return nil, nil, fmt.Errorf("opening workspace registry: %w", err)
		}
		return fs, func() {}, nil
	}
}

// app bundles what the subcommands need.
type app struct {
	cfg    *config.Config
	store  workspace.Store
	engine *engine.Engine
	close  func()
}

// newApp loads the configuration and wires the runtime driver, the
// registry and the engine.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logger = newLogger(parseLevel(cfg.Log.Level))

	catalog, err := config.LoadCatalog(cfg.Templates)
	if err != nil {
		return nil, fmt.Errorf("loading templates: %w", err)
	}

	d, err := docker.New(ctx, "", logger)
	if err != nil {
		return nil, fmt.Errorf("initializing container runtime: %w", err)
	}
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		_ = d.Close()
		return nil, err
	}

	eng := engine.New(d, store, catalog, engineOptions(cfg), logger)
	return &app{
		cfg:    cfg,
		store:  store,
		engine: eng,
		close: func() {
			closeStore()
			_ = d.Close()
		},
	}, nil
}

func engineOptions(cfg *config.Config) engine.Options {
	return engine.Options{
		Image: cfg.Runtime.Image,
		Container: container.Options{
			BaseDir:      cfg.Runtime.BaseDir,
			PortCount:    cfg.Runtime.PortCount,
			MemoryBytes:  cfg.Runtime.MemoryBytes,
			NanoCPUs:     cfg.Runtime.NanoCPUs(),
			StopTimeout:  cfg.Runtime.StopTimeout,
			SalvageLimit: cfg.Lifecycle.SalvageLimit,
		},
		Preview:         devserver.Options{LogPath: cfg.Preview.LogPath},
		PreviewAttempts: cfg.Preview.Attempts,
		PreviewInterval: cfg.Preview.Interval,
		Git: engine.GitOptions{
			Token:    cfg.Git.Token,
			Branch:   cfg.Git.Branch,
			Identity: gitbridge.Identity{Name: cfg.Git.UserName, Email: cfg.Git.UserEmail},
			InitRepo: cfg.Git.InitRepo,
		},
		CreateTimeout: cfg.Runtime.CreateTimeout,
	}
}

// versionString returns a formatted version string for display.
// For dev builds, includes commit and build timestamp.
func versionString() string {
	v := "cribd " + Version
	if strings.Contains(Version, "-dev") && Commit != "unknown" {
		v += " (" + Commit
		if Built != "unknown" {
			v += ", " + Built
		}
		v += ")"
	}
	return v
}

// shortID returns the first 12 characters of a container ID.
func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}

// formatPorts formats published ports as "host->container/proto", sorted
// by host port. Unpublished ports are skipped.
func formatPorts(ports []driver.PortBinding) string {
	sorted := make([]driver.PortBinding, 0, len(ports))
	for _, p := range ports {
		if p.HostPort != 0 {
			sorted = append(sorted, p)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].HostPort < sorted[j].HostPort })
	parts := make([]string, len(sorted))
	for i, p := range sorted {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		parts[i] = fmt.Sprintf("%d->%d/%s", p.HostPort, p.ContainerPort, proto)
	}
	return strings.Join(parts, ", ")
}

// formatTime renders a timestamp for tables, or "-" when unset.
func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
