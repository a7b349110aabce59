package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/muxherd/muxherd/internal/api"
)

func newStatusCmd(flags *rootFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show tracked sessions and daemon state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, _, err := flags.dialDaemon()
			if err != nil {
				return err
			}
			status, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}
			return renderStatus(cmd, status)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Render JSON output")
	return cmd
}

func renderStatus(cmd *cobra.Command, status api.StatusEnvelope) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "workspace:   %s\n", status.Workspace)
	fmt.Fprintf(out, "controller:  %s\n", status.ServerURL)
	fmt.Fprintf(out, "uptime:      %s\n", (time.Duration(status.UptimeSeconds) * time.Second).String())
	fmt.Fprintf(out, "polling:     %t\n", status.Polling)
	fmt.Fprintf(out, "pending:     %d spawn(s) queued\n", status.PendingSpawns)
	fmt.Fprintf(out, "reap watch:  %d candidate(s)\n", status.ReapCandidates)
	if len(status.Sessions) == 0 {
		fmt.Fprintln(out, "\nno tracked sessions")
		return nil
	}
	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tPANE\tLABEL\tSTATE\tLAST SEEN")
	for _, s := range status.Sessions {
		state := s.State
		if s.MissingSince != nil {
			state = fmt.Sprintf("%s (since %s)", s.State, *s.MissingSince)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.SessionID, s.PaneID, s.Label, state, s.LastSeenAt)
	}
	return w.Flush()
}
