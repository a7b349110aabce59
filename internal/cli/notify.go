package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newNotifyCmd(flags *rootFlags) *cobra.Command {
	var label string
	var parent string
	cmd := &cobra.Command{
		Use:   "notify <session-id>",
		Short: "Tell the daemon a controller session started",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := flags.dialDaemon()
			if err != nil {
				return err
			}
			resp, err := client.Notify(cmd.Context(), args[0], label, parent)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s -> pane %s\n", resp.SessionID, resp.PaneID)
			return nil
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "Human-readable label for the session's pane")
	cmd.Flags().StringVar(&parent, "parent", "", "Session id that spawned this one")
	return cmd
}
