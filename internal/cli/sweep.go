package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/muxherd/muxherd/internal/procscan"
	"github.com/muxherd/muxherd/internal/reaper"
)

// newSweepCmd sweeps a port range directly, without the daemon. Kills
// from here are not journaled; use the daemon's sweep endpoint when an
// audit trail matters.
func newSweepCmd(flags *rootFlags) *cobra.Command {
	var from, to int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Probe a port range and kill provably dead controller listeners",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			r := reaper.New(procscan.NewOS(), nil, nil, reaper.Options{
				ServerURL:       cfg.ServerURL,
				AttachSignature: cfg.AttachSignature,
				KillWait:        cfg.KillWait,
				Logf: func(format string, args ...any) {
					fmt.Fprintf(cmd.ErrOrStderr(), format+"\n", args...)
				},
			})
			report, err := r.Sweep(cmd.Context(), reaper.SweepOptions{PortStart: from, PortEnd: to})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "scanned %d port(s) in %d-%d\n", report.Scanned, report.PortStart, report.PortEnd)
			if len(report.Entries) == 0 {
				fmt.Fprintln(out, "no listeners found")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PORT\tOUTCOME\tPIDS\tSESSIONS\tDETAIL")
			for _, e := range report.Entries {
				fmt.Fprintf(w, "%d\t%s\t%v\t%d\t%s\n", e.Port, e.Outcome, e.PIDs, e.Sessions, e.Detail)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&from, "from", 0, "First port of the range (inclusive)")
	cmd.Flags().IntVar(&to, "to", 0, "Last port of the range (inclusive)")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}
