package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	// Herding behavior.
	Enabled         bool
	LayoutName      string // named tmux preset; empty means computed layout
	MainPanePercent int    // 0 means derive from column count
	AutoClose       bool
	MaxPerColumn    int

	// Request queue.
	ItemDelay   time.Duration
	BaseBackoff time.Duration
	MaxRetries  int
	StaleAfter  time.Duration

	// Lifecycle polling.
	LayoutDebounce time.Duration
	PollInterval   time.Duration
	MissingGrace   time.Duration
	SessionTimeout time.Duration

	// Zombie reaper.
	ReapInterval        time.Duration
	MinZombieChecks     int
	ZombieGracePeriod   time.Duration
	KillWait            time.Duration
	SelfDestruct        bool
	SelfDestructTimeout time.Duration

	// External collaborators.
	ServerURL        string
	AttachSignature  string
	AgentCommand     string
	WorkspaceSession string
	CommandTimeout   time.Duration

	// Daemon plumbing.
	SocketPath  string
	JournalPath string
	LockPath    string
}

func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		LayoutName:          "",
		MainPanePercent:     0,
		AutoClose:           true,
		MaxPerColumn:        3,
		ItemDelay:           300 * time.Millisecond,
		BaseBackoff:         250 * time.Millisecond,
		MaxRetries:          2,
		StaleAfter:          30 * time.Second,
		LayoutDebounce:      500 * time.Millisecond,
		PollInterval:        5 * time.Second,
		MissingGrace:        30 * time.Second,
		SessionTimeout:      4 * time.Hour,
		ReapInterval:        60 * time.Second,
		MinZombieChecks:     3,
		ZombieGracePeriod:   2 * time.Minute,
		KillWait:            5 * time.Second,
		SelfDestruct:        false,
		SelfDestructTimeout: 30 * time.Minute,
		ServerURL:           "http://127.0.0.1:8090",
		AttachSignature:     "muxherd-attach",
		AgentCommand:        "muxherd-attach",
		WorkspaceSession:    "herd",
		CommandTimeout:      5 * time.Second,
		SocketPath:          defaultSocketPath(),
		JournalPath:         defaultJournalPath(),
		LockPath:            defaultLockPath(),
	}
}

func (c Config) Validate() error {
	if c.MaxPerColumn < 1 {
		return fmt.Errorf("max_per_column must be >= 1, got %d", c.MaxPerColumn)
	}
	if c.MainPanePercent < 0 || c.MainPanePercent > 100 {
		return fmt.Errorf("main_pane_percent must be 0..100, got %d", c.MainPanePercent)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", c.MaxRetries)
	}
	if c.MinZombieChecks < 1 {
		return fmt.Errorf("min_zombie_checks must be >= 1, got %d", c.MinZombieChecks)
	}
	for name, d := range map[string]time.Duration{
		"item_delay_ms":            c.ItemDelay,
		"base_backoff_ms":          c.BaseBackoff,
		"stale_after_ms":           c.StaleAfter,
		"layout_debounce_ms":       c.LayoutDebounce,
		"poll_interval_ms":         c.PollInterval,
		"missing_grace_ms":         c.MissingGrace,
		"session_timeout_ms":       c.SessionTimeout,
		"reap_interval_ms":         c.ReapInterval,
		"zombie_grace_ms":          c.ZombieGracePeriod,
		"kill_wait_ms":             c.KillWait,
		"self_destruct_timeout_ms": c.SelfDestructTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	if c.WorkspaceSession == "" {
		return fmt.Errorf("workspace_session is required")
	}
	return nil
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "muxherd", "muxherdd.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".muxherdd.sock"
	}
	return filepath.Join(home, ".local", "state", "muxherd", "muxherdd.sock")
}

func defaultJournalPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "muxherd.db"
	}
	return filepath.Join(home, ".local", "state", "muxherd", "journal.db")
}

func defaultLockPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".muxherdd.lock"
	}
	return filepath.Join(home, ".local", "state", "muxherd", "muxherdd.lock")
}

// DefaultFilePath is where Load looks without an explicit --config.
func DefaultFilePath() string {
	if p := os.Getenv("MUXHERD_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".config", "muxherd", "config.yaml")
}
