package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fgrehm/cribd/internal/engine"
)

var pauseCmd = &cobra.Command{
	Use:   "pause <workspace>",
	Short: "Save a workspace to its remote and remove its container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		u := newUI()
		ctx := cmd.Context()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		owner, err := currentUser()
		if err != nil {
			return err
		}
		sp := u.StartSpinner("Pausing " + args[0])
		err = a.engine.Pause(ctx, owner, args[0])
		took := sp.Stop()
		if err != nil {
			return err
		}
		u.Success(fmt.Sprintf("Workspace paused (%s)", took.Round(100*time.Millisecond)))
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <workspace>",
	Short: "Start or recreate a workspace's container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		u := newUI()
		ctx := cmd.Context()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		owner, err := currentUser()
		if err != nil {
			return err
		}
		sp := u.StartSpinner("Resuming " + args[0])
		res, err := a.engine.Resume(ctx, owner, args[0])
		took := sp.Stop()
		if err != nil {
			return err
		}

		switch res.Action {
		case engine.ActionRunning:
			u.Success("Workspace already running")
		case engine.ActionStarted:
			u.Success("Container started")
		default:
			u.Success("Container recreated")
		}
		u.Keyval("container", shortID(res.ContainerID))
		u.Keyval("took", took.Round(100*time.Millisecond).String())
		if res.Restored {
			u.Keyval("restored", res.Workspace.RepoURL)
		}
		if res.InstallError != "" {
			u.Warn("dependency install failed: " + res.InstallError)
		}
		return nil
	},
}

var removeDeleteRepoFlag bool

var removeCmd = &cobra.Command{
	Use:     "rm <workspace>",
	Aliases: []string{"remove", "delete"},
	Short:   "Remove a workspace's container and registry record",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		u := newUI()
		ctx := cmd.Context()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		owner, err := currentUser()
		if err != nil {
			return err
		}
		if err := a.engine.Delete(ctx, owner, args[0], engine.DeleteOptions{DeleteRepo: removeDeleteRepoFlag}); err != nil {
			return err
		}
		u.Success(fmt.Sprintf("Workspace %s removed", args[0]))
		return nil
	},
}

func init() {
	removeCmd.Flags().BoolVar(&removeDeleteRepoFlag, "delete-repo", false, "also delete the remote repository")
}
