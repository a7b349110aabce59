// Package procscan wraps the OS process inspection the reaper needs:
// finding processes by command text, reading their command lines,
// checking liveness, signalling them, and mapping TCP ports to pids.
package procscan

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// Inspector is the seam tests fake. OS is the real implementation.
type Inspector interface {
	PIDsMatching(ctx context.Context, pattern string) ([]int, error)
	Cmdline(ctx context.Context, pid int) (string, error)
	Signal(pid int, sig syscall.Signal) error
	Alive(pid int) bool
	PIDsOnPort(ctx context.Context, port int) ([]int, error)
}

type commandRunner interface {
	run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// OS inspects live processes via pgrep, lsof, /proc, and kill(2).
type OS struct {
	runner commandRunner
}

func NewOS() *OS {
	return &OS{runner: execRunner{}}
}

// PIDsMatching lists pids whose full command line contains pattern.
func (o *OS) PIDsMatching(ctx context.Context, pattern string) ([]int, error) {
	out, err := o.runner.run(ctx, "pgrep", "-f", pattern)
	if err != nil {
		// pgrep exits 1 when nothing matches.
		if isExitCode(err, 1) {
			return nil, nil
		}
		return nil, fmt.Errorf("pgrep -f %q: %w", pattern, err)
	}
	return parsePIDLines(out)
}

// Cmdline returns the process's full command line with arguments
// separated by single spaces.
func (o *OS) Cmdline(ctx context.Context, pid int) (string, error) {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err == nil {
		return strings.TrimRight(strings.ReplaceAll(string(raw), "\x00", " "), " "), nil
	}
	// No /proc (or the process is not ours to read); ask ps.
	out, psErr := o.runner.run(ctx, "ps", "-o", "args=", "-p", strconv.Itoa(pid))
	if psErr != nil {
		return "", fmt.Errorf("cmdline for pid %d: %w", pid, psErr)
	}
	return strings.TrimSpace(string(out)), nil
}

func (o *OS) Signal(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(pid, sig); err != nil {
		return fmt.Errorf("signal %v pid %d: %w", sig, pid, err)
	}
	return nil
}

// Alive reports whether pid exists. EPERM still means alive, just not
// ours.
func (o *OS) Alive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// PIDsOnPort lists pids with a TCP listener on port.
func (o *OS) PIDsOnPort(ctx context.Context, port int) ([]int, error) {
	out, err := o.runner.run(ctx, "lsof", "-t", "-i", fmt.Sprintf("tcp:%d", port), "-sTCP:LISTEN")
	if err != nil {
		// lsof exits 1 when no process matches.
		if isExitCode(err, 1) {
			return nil, nil
		}
		return nil, fmt.Errorf("lsof tcp:%d: %w", port, err)
	}
	return parsePIDLines(out)
}

// IsGone reports an ESRCH from Signal: the process already exited,
// which callers treat as the signal having been satisfied.
func IsGone(err error) bool {
	return errors.Is(err, syscall.ESRCH)
}

func parsePIDLines(out []byte) ([]int, error) {
	var pids []int
	seen := map[int]bool{}
	for _, line := range strings.Fields(string(out)) {
		pid, err := strconv.Atoi(line)
		if err != nil {
			return nil, fmt.Errorf("parse pid %q: %w", line, err)
		}
		if seen[pid] {
			continue
		}
		seen[pid] = true
		pids = append(pids, pid)
	}
	return pids, nil
}

func isExitCode(err error, code int) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr) && exitErr.ExitCode() == code
}
