// Package cli implements the muxherd command tree. Daemon-backed
// commands talk to muxherdd over its unix socket; sweep and layout run
// standalone so they work with no daemon at all.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/muxherd/muxherd/internal/config"
	"github.com/muxherd/muxherd/internal/ctlclient"
)

// Version is stamped by the release build; "dev" otherwise.
var Version = "dev"

// Execute runs the root command and returns an exit code for main.
func Execute() int {
	if err := newRootCmd().Execute(); err != nil {
		return 1
	}
	return 0
}

type rootFlags struct {
	configPath string
	socketPath string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	rootCmd := &cobra.Command{
		Use:           "muxherd",
		Short:         "muxherd herds tmux panes for agent sessions",
		Long:          "muxherd mirrors an agent controller's sessions into tmux panes: it spawns a pane per session, retires panes when their sessions die, reaps orphaned attach processes, and keeps the window layout balanced.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file (default ~/.config/muxherd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flags.socketPath, "socket", "", "daemon socket path (overrides config)")

	rootCmd.AddCommand(
		newStatusCmd(flags),
		newNotifyCmd(flags),
		newHistoryCmd(flags),
		newSweepCmd(flags),
		newLayoutCmd(),
		newDoctorCmd(flags),
		newInstallCmd(flags),
		newVersionCmd(),
	)
	return rootCmd
}

// loadConfig resolves the effective config for one invocation:
// defaults, then the file (flag, env, or default path), then env
// overrides, then the --socket flag.
func (f *rootFlags) loadConfig() (config.Config, error) {
	path := f.configPath
	if path == "" {
		path = config.DefaultFilePath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if f.socketPath != "" {
		cfg.SocketPath = f.socketPath
	}
	return cfg, nil
}

func (f *rootFlags) dialDaemon() (*ctlclient.Client, config.Config, error) {
	cfg, err := f.loadConfig()
	if err != nil {
		return nil, config.Config{}, err
	}
	if _, err := os.Stat(cfg.SocketPath); err != nil {
		return nil, config.Config{}, fmt.Errorf("muxherdd is not running (no socket at %s)", cfg.SocketPath)
	}
	return ctlclient.New(cfg.SocketPath), cfg, nil
}
