package cmd

import (
	"github.com/spf13/cobra"

	"github.com/fgrehm/cribd/internal/workspace"
)

var listAllFlag bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List workspaces",
	RunE: func(cmd *cobra.Command, args []string) error {
		u := newUI()
		ctx := cmd.Context()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		var items []*workspace.Workspace
		if listAllFlag {
			items, err = a.store.List(ctx, "")
		} else {
			var owner string
			if owner, err = currentUser(); err != nil {
				return err
			}
			items, err = a.engine.List(ctx, owner)
		}
		if err != nil {
			return err
		}

		if len(items) == 0 {
			u.Dim("No workspaces")
			return nil
		}

		headers := []string{"WORKSPACE", "OWNER", "NAME", "TEMPLATE", "REMOTE", "SAVED"}
		rows := make([][]string, 0, len(items))
		for _, ws := range items {
			remote := ws.RepoURL
			if remote == "" {
				remote = "-"
			}
			rows = append(rows, []string{ws.ID, ws.Owner, ws.Name, ws.Template, remote, formatTime(ws.SavedAt)})
		}
		u.Table(headers, rows)
		return nil
	},
}

func init() {
	listCmd.Flags().BoolVarP(&listAllFlag, "all", "a", false, "list every user's workspaces")
}
