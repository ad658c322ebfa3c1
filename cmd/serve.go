package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/fgrehm/cribd/internal/api"
	"github.com/fgrehm/cribd/internal/container"
)

// shutdownTimeout bounds draining requests and the running sweep.
const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the workspace API and the idle reaper",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		reaper := container.NewReaper(a.engine.Tracker(), a.engine.Containers(), a.engine.Reclaim, container.ReaperOptions{
			IdleTimeout:   a.cfg.Lifecycle.IdleTimeout,
			SweepInterval: a.cfg.Lifecycle.SweepInterval,
		}, logger)
		if err := reaper.Start(); err != nil {
			return err
		}

		if !debugFlag {
			gin.SetMode(gin.ReleaseMode)
		}
		opts := api.Options{
			Version:     Version,
			CORSOrigins: a.cfg.Server.CORSOrigins,
		}
		if p, ok := a.store.(interface{ Ping(context.Context) error }); ok {
			opts.Ping = p.Ping
		}
		srv := &http.Server{
			Addr:              a.cfg.Server.Addr,
			Handler:           api.New(a.engine, opts, logger).Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info("listening", "addr", srv.Addr)
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			reaper.Stop(context.Background())
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-ctx.Done():
		}

		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		reaper.Stop(sctx)
		if err := srv.Shutdown(sctx); err != nil {
			return err
		}
		return nil
	},
}
