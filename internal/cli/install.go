package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/muxherd/muxherd/internal/install"
)

func newInstallCmd(flags *rootFlags) *cobra.Command {
	var opts install.Options
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install the attach wrapper, tmux binding, and config scaffold",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.ConfigPath == "" {
				opts.ConfigPath = flags.configPath
			}
			res, err := install.Install(opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if res.DryRun {
				fmt.Fprintln(out, "dry run; no files written")
			}
			for _, p := range res.FilesWritten {
				fmt.Fprintf(out, "wrote %s\n", p)
			}
			if len(res.FilesWritten) == 0 && !res.DryRun {
				fmt.Fprintln(out, "everything up to date")
			}
			for _, p := range res.Backups {
				fmt.Fprintf(out, "backed up %s\n", p)
			}
			for _, warn := range res.Warnings {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", warn)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.BinDir, "bin-dir", "", "Directory for the attach wrapper (default ~/.local/share/muxherd/bin)")
	cmd.Flags().StringVar(&opts.AgentBin, "agent-bin", "", "Client binary the wrapper runs (default claude)")
	cmd.Flags().StringVar(&opts.TmuxConf, "tmux-conf", "", "tmux config file to manage (default ~/.tmux.conf)")
	cmd.Flags().StringVar(&opts.Workspace, "workspace", "", "tmux session the key binding targets (default herd)")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "Report what would change without writing")
	return cmd
}
