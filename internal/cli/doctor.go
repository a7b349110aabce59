package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/muxherd/muxherd/internal/install"
)

func newDoctorCmd(flags *rootFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the local install, the controller, and the daemon socket",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			res, err := install.Doctor(install.DoctorOptions{
				ServerURL:  cfg.ServerURL,
				SocketPath: cfg.SocketPath,
			})
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CHECK\tSTATUS\tDETAIL")
			for _, c := range res.Checks {
				detail := c.Message
				if c.Path != "" {
					detail = fmt.Sprintf("%s (%s)", c.Message, c.Path)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", c.Name, c.Status, detail)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if !res.OK {
				return fmt.Errorf("%d check(s) failed", countFailed(res.Checks))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit machine-readable JSON")
	return cmd
}

func countFailed(checks []install.DoctorCheck) int {
	n := 0
	for _, c := range checks {
		if c.Status == "fail" {
			n++
		}
	}
	return n
}
