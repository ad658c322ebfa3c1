package container

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fgrehm/cribd/internal/driver"
)

// ReclaimFunc tears down an idle workspace.
type ReclaimFunc func(ctx context.Context, workspaceID string) error

// Finder locates a workspace's container.
type Finder interface {
	Find(ctx context.Context, workspaceID string) (*driver.ContainerDetails, error)
}

// ReaperOptions configures a Reaper.
type ReaperOptions struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration

	// SweepTimeout bounds a single reclaim call.
	SweepTimeout time.Duration
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Reclaimed []string
	Forgotten []string
	Failed    map[string]error
}

// Reaper periodically reclaims workspaces idle beyond the threshold.
// Reclamation is advisory; failures are logged and retried next sweep.
type Reaper struct {
	tracker *Tracker
	finder  Finder
	reclaim ReclaimFunc
	opts    ReaperOptions
	logger  *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewReaper returns a Reaper. Call Start to schedule sweeps.
func NewReaper(tracker *Tracker, finder Finder, reclaim ReclaimFunc, opts ReaperOptions, logger *slog.Logger) *Reaper {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.SweepTimeout <= 0 {
		opts.SweepTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{tracker: tracker, finder: finder, reclaim: reclaim, opts: opts, logger: logger}
}

// Start schedules a sweep every SweepInterval. Overlapping sweeps are
// skipped.
func (r *Reaper) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return nil
	}
	log := cronLogger{r.logger}
	c := cron.New(
		cron.WithLogger(log),
		cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)),
	)
	spec := "@every " + r.opts.SweepInterval.String()
	if _, err := c.AddFunc(spec, func() { r.Sweep(context.Background()) }); err != nil {
		return fmt.Errorf("scheduling idle sweep: %w", err)
	}
	c.Start()
	r.cron = c
	r.logger.Info("idle reaper started", "interval", r.opts.SweepInterval, "idleTimeout", r.opts.IdleTimeout)
	return nil
}

// Stop unschedules sweeps and waits for a running sweep to finish or ctx to
// be done.
func (r *Reaper) Stop(ctx context.Context) {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Sweep reclaims idle workspaces and forgets workspaces whose containers
// disappeared out of band.
func (r *Reaper) Sweep(ctx context.Context) SweepResult {
	res := SweepResult{Failed: map[string]error{}}
	now := r.tracker.Now()

	idle := map[string]bool{}
	for _, id := range r.tracker.Idle(r.opts.IdleTimeout, now) {
		idle[id] = true
		last, _ := r.tracker.LastActive(id)
		r.logger.Info("reclaiming idle workspace", "workspace", id, "idleFor", now.Sub(last).Round(time.Second))

		rctx, cancel := context.WithTimeout(ctx, r.opts.SweepTimeout)
		err := r.reclaim(rctx, id)
		cancel()
		if err != nil {
			r.logger.Warn("failed to reclaim idle workspace", "workspace", id, "error", err)
			res.Failed[id] = err
			continue
		}
		r.tracker.Forget(id)
		res.Reclaimed = append(res.Reclaimed, id)
	}

	for _, id := range r.tracker.Tracked() {
		if idle[id] {
			continue
		}
		c, err := r.finder.Find(ctx, id)
		if err != nil {
			r.logger.Debug("checking tracked workspace", "workspace", id, "error", err)
			continue
		}
		if c == nil {
			r.tracker.Forget(id)
			res.Forgotten = append(res.Forgotten, id)
		}
	}
	return res
}

// cronLogger adapts slog to cron's logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
