package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fgrehm/cribd/internal/engine"
)

var (
	execDirFlag     string
	execEnvFlag     []string
	execTimeoutFlag time.Duration
)

// exitCodeError carries a command's exit code out of RunE.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("command exited with code %d", e.code)
}

var execCmd = &cobra.Command{
	Use:   "exec <workspace> -- cmd...",
	Short: "Execute a command in a workspace container",
	Long: `Execute a command in a workspace container and print its output.

Use -- to separate cribd flags from the container command:
  cribd exec my-site -- ls -la
  cribd exec my-site -w src -- npm test`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
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
		res, err := a.engine.Exec(ctx, owner, args[0], args[1:], engine.ExecOptions{
			Dir:     execDirFlag,
			Env:     execEnvFlag,
			Timeout: execTimeoutFlag,
		})
		if err != nil {
			return err
		}
		_, _ = fmt.Fprint(cmd.OutOrStdout(), res.Output)
		if res.Partial {
			fmt.Fprintln(os.Stderr, "(output truncated: command timed out)")
		}
		if res.ExitCode != 0 {
			return &exitCodeError{code: res.ExitCode}
		}
		return nil
	},
}

func init() {
	execCmd.Flags().StringVarP(&execDirFlag, "workdir", "w", "", "working directory, relative to the project root")
	execCmd.Flags().StringSliceVarP(&execEnvFlag, "env", "e", nil, "set environment variables")
	execCmd.Flags().DurationVar(&execTimeoutFlag, "timeout", 0, "command timeout (default 2m)")
}
