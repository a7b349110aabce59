// Package install writes the pieces muxherd needs outside its own
// binaries: the attach wrapper script, a managed tmux.conf block, and
// a starter config file. Everything it writes is idempotent; managed
// blocks are replaced in place, never duplicated.
package install

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	tmuxBlockBegin = "# >>> muxherd >>>"
	tmuxBlockEnd   = "# <<< muxherd <<<"

	// WrapperName is the attach wrapper's file name. It doubles as the
	// cmdline signature the reaper scans for, so renaming it breaks
	// zombie detection for already-running attach processes.
	WrapperName = "muxherd-attach"
)

type Options struct {
	HomeDir    string
	BinDir     string
	AgentBin   string
	TmuxConf   string
	ConfigPath string
	Workspace  string
	DryRun     bool
}

type Result struct {
	DryRun       bool     `json:"dry_run"`
	FilesWritten []string `json:"files_written,omitempty"`
	Backups      []string `json:"backups,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
}

func Install(opts Options) (Result, error) {
	normalized, err := normalizeOptions(opts)
	if err != nil {
		return Result{}, err
	}

	res := Result{DryRun: normalized.DryRun}

	wrapperPath := filepath.Join(normalized.BinDir, WrapperName)
	if err := writeManagedFile(wrapperPath, renderAttachScript(normalized.AgentBin), 0o755, normalized.DryRun, &res); err != nil {
		return Result{}, err
	}

	if err := mergeTmuxConf(normalized.TmuxConf, normalized.Workspace, normalized.DryRun, &res); err != nil {
		return Result{}, err
	}

	if err := scaffoldConfig(normalized.ConfigPath, normalized.DryRun, &res); err != nil {
		return Result{}, err
	}

	return res, nil
}

func normalizeOptions(opts Options) (Options, error) {
	normalized := opts
	if strings.TrimSpace(normalized.HomeDir) == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Options{}, fmt.Errorf("resolve home dir: %w", err)
		}
		normalized.HomeDir = home
	}
	if strings.TrimSpace(normalized.BinDir) == "" {
		normalized.BinDir = filepath.Join(normalized.HomeDir, ".local", "share", "muxherd", "bin")
	}
	if strings.TrimSpace(normalized.AgentBin) == "" {
		normalized.AgentBin = "claude"
	}
	if strings.TrimSpace(normalized.TmuxConf) == "" {
		normalized.TmuxConf = filepath.Join(normalized.HomeDir, ".tmux.conf")
	}
	if strings.TrimSpace(normalized.ConfigPath) == "" {
		normalized.ConfigPath = filepath.Join(normalized.HomeDir, ".config", "muxherd", "config.yaml")
	}
	if strings.TrimSpace(normalized.Workspace) == "" {
		normalized.Workspace = "herd"
	}
	return normalized, nil
}

// mergeTmuxConf inserts or replaces the managed keybinding block. User
// content outside the markers is never touched.
func mergeTmuxConf(path, workspace string, dryRun bool, res *Result) error {
	raw, err := readOptional(path)
	if err != nil {
		return err
	}
	updated, changed := applyTmuxBlock(string(raw), workspace)
	if !changed {
		return nil
	}
	return writeManagedFile(path, updated, 0o644, dryRun, res)
}

func applyTmuxBlock(raw, workspace string) (string, bool) {
	block := tmuxBlockBegin + "\n" + renderTmuxBinding(workspace) + tmuxBlockEnd + "\n"

	start := strings.Index(raw, tmuxBlockBegin)
	finish := strings.Index(raw, tmuxBlockEnd)
	if start >= 0 && finish > start {
		finish += len(tmuxBlockEnd)
		// Swallow the newline after the end marker so replacement
		// does not accumulate blank lines.
		if finish < len(raw) && raw[finish] == '\n' {
			finish++
		}
		replaced := raw[:start] + block + raw[finish:]
		if replaced == raw {
			return raw, false
		}
		return replaced, true
	}

	if strings.TrimSpace(raw) == "" {
		return block, true
	}
	return strings.TrimRight(raw, "\n") + "\n\n" + block, true
}

func renderTmuxBinding(workspace string) string {
	return fmt.Sprintf(`# Prefix + g jumps to the %[1]s workspace, creating it on first use.
bind-key g if-shell "tmux has-session -t %[1]s 2>/dev/null" "switch-client -t %[1]s" "new-session -d -s %[1]s ; switch-client -t %[1]s"
`, workspace)
}

// scaffoldConfig writes a commented starter config. An existing file
// is the user's and is left alone.
func scaffoldConfig(path string, dryRun bool, res *Result) error {
	existing, err := readOptional(path)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	return writeManagedFile(path, renderConfigScaffold(), 0o600, dryRun, res)
}

func renderAttachScript(agentBin string) string {
	return fmt.Sprintf(`#!/bin/sh
# Runs the agent client for one controller session. The lifecycle
# manager invokes this as: %s --session <id> --server <url>.
# This process stays resident as the pane's attach process; its argv
# is what the reaper inspects for session affinity.
set -u
REAL_BIN="${MUXHERD_AGENT_BIN:-%s}"
"$REAL_BIN" "$@"
RC=$?
exit "$RC"
`, WrapperName, agentBin)
}

func renderConfigScaffold() string {
	return `# muxherd configuration. Delays are integer milliseconds.
# Every key is optional; omitted keys keep their defaults.

# enabled: true
# workspace_session: herd
# server_url: http://127.0.0.1:8090

# Layout. layout_name selects a tmux preset (main-vertical, tiled, ...);
# leave it empty for the computed column layout.
# layout_name: ""
# main_pane_percent: 0
# max_per_column: 3
# auto_close: true

# Spawn queue.
# item_delay_ms: 300
# base_backoff_ms: 250
# max_retries: 2
# stale_after_ms: 30000

# Lifecycle polling.
# poll_interval_ms: 5000
# missing_grace_ms: 30000
# session_timeout_ms: 14400000
# layout_debounce_ms: 500

# Zombie reaper.
# reap_interval_ms: 60000
# min_zombie_checks: 3
# zombie_grace_ms: 120000
# kill_wait_ms: 5000
# self_destruct: false
# self_destruct_timeout_ms: 1800000
`
}

func writeManagedFile(path, content string, perm os.FileMode, dryRun bool, res *Result) error {
	existing, err := readOptional(path)
	if err != nil {
		return err
	}
	if bytes.Equal(existing, []byte(content)) {
		return nil
	}

	if dryRun {
		res.FilesWritten = append(res.FilesWritten, path)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	if len(existing) > 0 {
		backupPath := fmt.Sprintf("%s.bak.%d", path, time.Now().UTC().UnixNano())
		if err := os.WriteFile(backupPath, existing, 0o600); err != nil {
			return fmt.Errorf("write backup %s: %w", backupPath, err)
		}
		res.Backups = append(res.Backups, backupPath)
	}

	tmpPath := fmt.Sprintf("%s.tmp.%d", path, time.Now().UTC().UnixNano())
	if err := os.WriteFile(tmpPath, []byte(content), perm); err != nil {
		return fmt.Errorf("write temp file %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp file %s: %w", path, err)
	}
	res.FilesWritten = append(res.FilesWritten, path)
	return nil
}

func readOptional(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		return b, nil
	}
	if os.IsNotExist(err) {
		return nil, nil
	}
	return nil, fmt.Errorf("read file %s: %w", path, err)
}
