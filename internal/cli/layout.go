package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/muxherd/muxherd/internal/layout"
)

// newLayoutCmd renders a layout string offline so a window geometry can
// be inspected or fed to `tmux select-layout` by hand.
func newLayoutCmd() *cobra.Command {
	var (
		agents       int
		maxPerColumn int
		width        int
		height       int
		mainPct      int
	)
	cmd := &cobra.Command{
		Use:   "layout",
		Short: "Print the tmux layout string for a given pane count and window size",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dist, err := layout.Distribute(agents, maxPerColumn)
			if err != nil {
				return err
			}
			pct := mainPct
			if pct == 0 {
				pct = layout.MainPaneShare(dist.NumColumns)
			}
			// Pane IDs are synthetic; tmux only needs them distinct.
			ids := make([]int, agents)
			for i := range ids {
				ids[i] = i + 1
			}
			s, err := layout.Render(width, height, pct, dist, 0, ids)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), s)
			return nil
		},
	}
	cmd.Flags().IntVar(&agents, "agents", 1, "Number of agent panes beside the main pane")
	cmd.Flags().IntVar(&maxPerColumn, "max-per-column", 4, "Maximum agent panes stacked per column")
	cmd.Flags().IntVar(&width, "width", 208, "Window width in cells")
	cmd.Flags().IntVar(&height, "height", 50, "Window height in cells")
	cmd.Flags().IntVar(&mainPct, "main-pct", 0, "Main pane width percent (0 picks a default for the column count)")
	return cmd
}
