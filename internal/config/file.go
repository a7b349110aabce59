package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors the YAML schema. Durations are plain integer
// milliseconds so hand-edited files stay unambiguous. Pointer fields
// distinguish "absent" from zero so partial files only override what
// they name.
type fileConfig struct {
	Enabled         *bool   `yaml:"enabled"`
	LayoutName      *string `yaml:"layout_name"`
	MainPanePercent *int    `yaml:"main_pane_percent"`
	AutoClose       *bool   `yaml:"auto_close"`
	MaxPerColumn    *int    `yaml:"max_per_column"`

	ItemDelayMS   *int `yaml:"item_delay_ms"`
	BaseBackoffMS *int `yaml:"base_backoff_ms"`
	MaxRetries    *int `yaml:"max_retries"`
	StaleAfterMS  *int `yaml:"stale_after_ms"`

	LayoutDebounceMS *int `yaml:"layout_debounce_ms"`
	PollIntervalMS   *int `yaml:"poll_interval_ms"`
	MissingGraceMS   *int `yaml:"missing_grace_ms"`
	SessionTimeoutMS *int `yaml:"session_timeout_ms"`

	ReapIntervalMS        *int  `yaml:"reap_interval_ms"`
	MinZombieChecks       *int  `yaml:"min_zombie_checks"`
	ZombieGraceMS         *int  `yaml:"zombie_grace_ms"`
	KillWaitMS            *int  `yaml:"kill_wait_ms"`
	SelfDestruct          *bool `yaml:"self_destruct"`
	SelfDestructTimeoutMS *int  `yaml:"self_destruct_timeout_ms"`

	ServerURL        *string `yaml:"server_url"`
	AttachSignature  *string `yaml:"attach_signature"`
	AgentCommand     *string `yaml:"agent_command"`
	WorkspaceSession *string `yaml:"workspace_session"`
	CommandTimeoutMS *int    `yaml:"command_timeout_ms"`

	SocketPath  *string `yaml:"socket_path"`
	JournalPath *string `yaml:"journal_path"`
	LockPath    *string `yaml:"lock_path"`
}

// Load builds the effective config: defaults, then the YAML file at
// path (missing file is fine), then environment overrides.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	setBool(&cfg.Enabled, fc.Enabled)
	setString(&cfg.LayoutName, fc.LayoutName)
	setInt(&cfg.MainPanePercent, fc.MainPanePercent)
	setBool(&cfg.AutoClose, fc.AutoClose)
	setInt(&cfg.MaxPerColumn, fc.MaxPerColumn)

	setMS(&cfg.ItemDelay, fc.ItemDelayMS)
	setMS(&cfg.BaseBackoff, fc.BaseBackoffMS)
	setInt(&cfg.MaxRetries, fc.MaxRetries)
	setMS(&cfg.StaleAfter, fc.StaleAfterMS)

	setMS(&cfg.LayoutDebounce, fc.LayoutDebounceMS)
	setMS(&cfg.PollInterval, fc.PollIntervalMS)
	setMS(&cfg.MissingGrace, fc.MissingGraceMS)
	setMS(&cfg.SessionTimeout, fc.SessionTimeoutMS)

	setMS(&cfg.ReapInterval, fc.ReapIntervalMS)
	setInt(&cfg.MinZombieChecks, fc.MinZombieChecks)
	setMS(&cfg.ZombieGracePeriod, fc.ZombieGraceMS)
	setMS(&cfg.KillWait, fc.KillWaitMS)
	setBool(&cfg.SelfDestruct, fc.SelfDestruct)
	setMS(&cfg.SelfDestructTimeout, fc.SelfDestructTimeoutMS)

	setString(&cfg.ServerURL, fc.ServerURL)
	setString(&cfg.AttachSignature, fc.AttachSignature)
	setString(&cfg.AgentCommand, fc.AgentCommand)
	setString(&cfg.WorkspaceSession, fc.WorkspaceSession)
	setMS(&cfg.CommandTimeout, fc.CommandTimeoutMS)

	setString(&cfg.SocketPath, fc.SocketPath)
	setString(&cfg.JournalPath, fc.JournalPath)
	setString(&cfg.LockPath, fc.LockPath)
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("MUXHERD_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	} else if v := os.Getenv("MUXHERD_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 && port < 65536 {
			cfg.ServerURL = fmt.Sprintf("http://127.0.0.1:%d", port)
		}
	}
	if v := os.Getenv("MUXHERD_SOCKET"); v != "" {
		cfg.SocketPath = v
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setMS(dst *time.Duration, src *int) {
	if src != nil {
		*dst = time.Duration(*src) * time.Millisecond
	}
}
