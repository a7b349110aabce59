package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newHistoryCmd(flags *rootFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent pane actions from the journal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, _, err := flags.dialDaemon()
			if err != nil {
				return err
			}
			resp, err := client.Actions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(resp.Actions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no recorded actions")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tACTION\tSUBJECT\tRESULT\tDETAIL")
			for _, a := range resp.Actions {
				result := a.ResultCode
				if a.ErrorCode != "" {
					result = fmt.Sprintf("%s (%s)", a.ResultCode, a.ErrorCode)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.CreatedAt, a.ActionType, a.Subject, result, a.Detail)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows to fetch")
	return cmd
}
