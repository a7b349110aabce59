package mux

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Pane-scoped user options carrying muxherd's ownership tags.
const (
	sessionTagOption = "@muxherd_session"
	labelTagOption   = "@muxherd_label"
)

// SpawnOptions describe one pane creation.
type SpawnOptions struct {
	Window    string // target window; empty means the client's current
	Command   string // shell command the pane runs
	SessionID string
	Label     string
}

// SpawnPane splits a new pane off the target window, starts the attach
// command in it, and tags it with the owning session id so the pane
// can be reconciled after a restart.
func (c *Client) SpawnPane(ctx context.Context, opts SpawnOptions) (string, error) {
	if strings.TrimSpace(opts.Command) == "" {
		return "", fmt.Errorf("spawn pane: empty command")
	}
	if strings.TrimSpace(opts.SessionID) == "" {
		return "", fmt.Errorf("spawn pane: empty session id")
	}
	args := []string{"split-window", "-d", "-P", "-F", "#{pane_id}"}
	if opts.Window != "" {
		args = append(args, "-t", opts.Window)
	}
	args = append(args, opts.Command)
	out, err := c.run(ctx, args...)
	if err != nil {
		return "", err
	}
	paneID := strings.TrimSpace(out)
	if !strings.HasPrefix(paneID, "%") {
		return "", fmt.Errorf("spawn pane: unexpected split-window output %q", out)
	}
	if err := c.TagPane(ctx, paneID, sessionTagOption, opts.SessionID); err != nil {
		return "", err
	}
	if opts.Label != "" {
		if err := c.TagPane(ctx, paneID, labelTagOption, opts.Label); err != nil {
			return "", err
		}
	}
	return paneID, nil
}

// KillPane destroys a pane. A pane that is already gone counts as
// destroyed.
func (c *Client) KillPane(ctx context.Context, paneID string) error {
	_, err := c.run(ctx, "kill-pane", "-t", paneID)
	if isGone(err) {
		return nil
	}
	return err
}

// KillSession destroys a whole tmux session. Already gone counts as
// destroyed.
func (c *Client) KillSession(ctx context.Context, session string) error {
	_, err := c.run(ctx, "kill-session", "-t", session)
	if isGone(err) {
		return nil
	}
	return err
}

// ApplyLayout applies a named preset or a checksummed custom layout
// string to the window.
func (c *Client) ApplyLayout(ctx context.Context, window, layout string) error {
	if strings.TrimSpace(layout) == "" {
		return fmt.Errorf("apply layout: empty layout")
	}
	args := []string{"select-layout"}
	if window != "" {
		args = append(args, "-t", window)
	}
	args = append(args, layout)
	_, err := c.run(ctx, args...)
	return err
}

// TagPane sets a pane-scoped user option.
func (c *Client) TagPane(ctx context.Context, paneID, option, value string) error {
	_, err := c.run(ctx, "set-option", "-p", "-t", paneID, option, value)
	return err
}

// Pane is one row of list-panes output: the pane id and the session
// tag it carries. SessionID is empty for panes muxherd does not own.
type Pane struct {
	ID        string
	SessionID string
}

// Panes lists every pane in the window in index order, tagged or not.
func (c *Client) Panes(ctx context.Context, window string) ([]Pane, error) {
	args := []string{"list-panes"}
	if window != "" {
		args = append(args, "-t", window)
	}
	args = append(args, "-F", joinFormat("#{pane_id}", "#{"+sessionTagOption+"}"))
	out, err := c.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	var panes []Pane
	s := bufio.NewScanner(strings.NewReader(out))
	for s.Scan() {
		line := s.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.SplitN(line, fieldSep, 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid list-panes line: %q", line)
		}
		panes = append(panes, Pane{ID: parts[0], SessionID: parts[1]})
	}
	return panes, nil
}

// WindowSize reads the window's current terminal dimensions.
func (c *Client) WindowSize(ctx context.Context, window string) (int, int, error) {
	args := []string{"display-message", "-p"}
	if window != "" {
		args = append(args, "-t", window)
	}
	args = append(args, joinFormat("#{window_width}", "#{window_height}"))
	out, err := c.run(ctx, args...)
	if err != nil {
		return 0, 0, err
	}
	parts := strings.SplitN(strings.TrimSpace(out), fieldSep, 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid display-message output %q", out)
	}
	w, werr := strconv.Atoi(parts[0])
	h, herr := strconv.Atoi(parts[1])
	if werr != nil || herr != nil || w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("invalid window size %q", out)
	}
	return w, h, nil
}

// PaneNumericID strips tmux's %-prefix: "%12" → 12. The layout engine
// works with the numeric form.
func PaneNumericID(paneID string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(paneID, "%"))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid pane id %q", paneID)
	}
	return n, nil
}
