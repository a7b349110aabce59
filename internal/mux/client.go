// Package mux is the tmux command layer: spawning and killing panes,
// tagging them for reconstruction, applying layouts, and reading
// window geometry. It shells out to tmux; nothing here inspects pane
// content.
package mux

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// fieldSep separates fields in tmux -F format strings. ASCII Unit
// Separator avoids collision with pane titles and commands.
const fieldSep = "\x1f"

func joinFormat(fields ...string) string {
	return strings.Join(fields, fieldSep)
}

type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// Options tune one client.
type Options struct {
	CommandTimeout time.Duration
	RetryBackoff   []time.Duration
	Logf           func(format string, args ...any)
}

// Client invokes tmux with per-command timeouts and retries read-only
// commands on transient failure.
type Client struct {
	opts   Options
	runner Runner

	binOnce sync.Once
	bin     string
	binErr  error
}

func NewClient(opts Options) *Client {
	return NewClientWithRunner(opts, OSRunner{})
}

func NewClientWithRunner(opts Options, runner Runner) *Client {
	if opts.CommandTimeout == 0 {
		opts.CommandTimeout = 5 * time.Second
	}
	if opts.RetryBackoff == nil {
		opts.RetryBackoff = []time.Duration{200 * time.Millisecond, 500 * time.Millisecond}
	}
	if opts.Logf == nil {
		opts.Logf = func(string, ...any) {}
	}
	return &Client{opts: opts, runner: runner}
}

// ResolveBin locates the tmux binary once per client instance.
func (c *Client) ResolveBin() (string, error) {
	c.binOnce.Do(func() {
		c.bin, c.binErr = exec.LookPath("tmux")
	})
	return c.bin, c.binErr
}

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("empty tmux command")
	}
	maxAttempts := 1
	if isRetryableCommand(args[0]) {
		maxAttempts += len(c.opts.RetryBackoff)
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		runCtx, cancel := context.WithTimeout(ctx, c.opts.CommandTimeout)
		out, err := c.runner.Run(runCtx, "tmux", args...)
		cancel()
		if err == nil {
			return string(out), nil
		}
		lastErr = fmt.Errorf("tmux %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
		if attempt < maxAttempts {
			c.opts.Logf("mux: tmux %s attempt %d failed: %v", args[0], attempt, err)
			backoff := c.opts.RetryBackoff[attempt-1]
			jitter := time.Duration(0)
			if maxJitter := int64(backoff / 4); maxJitter > 0 {
				jitter = time.Duration(time.Now().UTC().UnixNano() % maxJitter)
			}
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}
	}
	return "", lastErr
}

// Only idempotent read commands are retried; mutations get one shot
// and rely on the caller's retry policy.
func isRetryableCommand(verb string) bool {
	switch verb {
	case "list-panes", "list-windows", "list-sessions", "display-message", "show-options":
		return true
	default:
		return false
	}
}

// isGone matches tmux's complaints about already-deleted targets.
func isGone(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "can't find") || strings.Contains(msg, "no such")
}
