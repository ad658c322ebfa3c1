package cmd

import (
	"github.com/spf13/cobra"

	"github.com/fgrehm/cribd/internal/engine"
)

var statusCmd = &cobra.Command{
	Use:   "status <workspace>",
	Short: "Show a workspace and its container",
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
		st, err := a.engine.Status(ctx, owner, args[0])
		if err != nil {
			return err
		}

		ws := st.Workspace
		u.Header(ws.Name)
		u.Keyval("workspace", ws.ID)
		u.Keyval("name", ws.Name)
		u.Keyval("template", ws.Template)
		if ws.RepoURL != "" {
			u.Keyval("remote", ws.RepoURL)
			u.Keyval("saved", formatTime(ws.SavedAt))
		}

		if st.State == engine.StateAbsent {
			u.Keyval("status", u.StatusColor("no container"))
			return nil
		}
		u.Keyval("container", shortID(st.ContainerID))
		u.Keyval("status", u.StatusColor(st.State))
		if ports := formatPorts(st.Ports); ports != "" {
			u.Keyval("ports", ports)
		} else {
			u.Keyval("ports", u.StatusColor("not published"))
		}
		u.Keyval("active", formatTime(st.LastActive))
		return nil
	},
}
