package reaper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/muxherd/muxherd/internal/liveness"
	"github.com/muxherd/muxherd/internal/model"
)

const (
	sweepProbeAttempts = 3
	sweepRetryDelay    = 200 * time.Millisecond
	sweepConcurrency   = 8
	sweepProbeTimeout  = 2 * time.Second
)

// Prober asks the HTTP endpoint on a local port how many sessions it
// owns. Transport failures return wrapped errors; an unparseable body
// returns model.ErrAmbiguousResponse.
type Prober func(ctx context.Context, port int) (int, error)

func defaultProber(ctx context.Context, port int) (int, error) {
	client := liveness.New(fmt.Sprintf("http://127.0.0.1:%d", port), &http.Client{Timeout: sweepProbeTimeout})
	sessions, err := client.Sessions(ctx)
	if err != nil {
		return 0, err
	}
	return len(sessions), nil
}

// SweepOptions bound one operator-invoked sweep.
type SweepOptions struct {
	PortStart int
	PortEnd   int
}

// PortOutcome classifies what a sweep did to one listening port.
type PortOutcome string

const (
	PortKilled           PortOutcome = "killed"
	PortKillFailed       PortOutcome = "kill_failed"
	PortSkippedActive    PortOutcome = "skipped_active"
	PortSkippedAmbiguous PortOutcome = "skipped_ambiguous"
)

// SweepEntry is the outcome for one port that had listeners. Ports with
// no listener produce no entry.
type SweepEntry struct {
	Port     int
	Outcome  PortOutcome
	PIDs     []int
	Sessions int
	Detail   string
}

// SweepReport summarizes one sweep over a port range.
type SweepReport struct {
	PortStart int
	PortEnd   int
	Scanned   int
	Entries   []SweepEntry
}

// Sweep probes every port in [PortStart, PortEnd] and kills listeners
// that are provably dead controllers: unreachable after every probe
// retry, or reachable and explicitly reporting zero sessions. A
// reachable listener that is busy, ambiguous, or plainly not a
// controller is left alone.
func (r *Reaper) Sweep(ctx context.Context, opts SweepOptions) (SweepReport, error) {
	if opts.PortStart <= 0 || opts.PortEnd < opts.PortStart || opts.PortEnd > 65535 {
		return SweepReport{}, fmt.Errorf("invalid port range %d-%d", opts.PortStart, opts.PortEnd)
	}
	prober := r.opts.Prober
	if prober == nil {
		prober = defaultProber
	}

	var (
		mu      sync.Mutex
		entries []SweepEntry
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for port := opts.PortStart; port <= opts.PortEnd; port++ {
		port := port // per-iteration copy; required for correct capture before Go 1.22
		g.Go(func() error {
			entry, ok := r.sweepPort(gctx, prober, port)
			if !ok {
				return nil
			}
			mu.Lock()
			entries = append(entries, entry)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return SweepReport{}, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Port < entries[j].Port })
	return SweepReport{
		PortStart: opts.PortStart,
		PortEnd:   opts.PortEnd,
		Scanned:   opts.PortEnd - opts.PortStart + 1,
		Entries:   entries,
	}, nil
}

func (r *Reaper) sweepPort(ctx context.Context, prober Prober, port int) (SweepEntry, bool) {
	pids, err := r.insp.PIDsOnPort(ctx, port)
	if err != nil {
		r.logf("sweep: port %d: %v", port, err)
		return SweepEntry{}, false
	}
	if len(pids) == 0 {
		return SweepEntry{}, false
	}

	count, err := r.probeWithRetries(ctx, prober, port)
	switch {
	case err == nil && count > 0:
		return SweepEntry{Port: port, Outcome: PortSkippedActive, PIDs: pids, Sessions: count}, true
	case err == nil:
		// The server answered and explicitly owns nothing.
		return r.killListeners(ctx, port, pids, "empty"), true
	case errors.Is(err, model.ErrAmbiguousResponse):
		r.logf("sweep: port %d: ambiguous reply, skipping: %v", port, err)
		return SweepEntry{Port: port, Outcome: PortSkippedAmbiguous, PIDs: pids, Detail: err.Error()}, true
	default:
		var reqErr *liveness.RequestError
		if errors.As(err, &reqErr) {
			// Something answered, so it is alive; it is just not one
			// of ours.
			r.logf("sweep: port %d: HTTP %d, skipping: %v", port, reqErr.StatusCode, err)
			return SweepEntry{Port: port, Outcome: PortSkippedAmbiguous, PIDs: pids, Detail: err.Error()}, true
		}
		return r.killListeners(ctx, port, pids, "unreachable"), true
	}
}

// probeWithRetries probes up to sweepProbeAttempts times. Ambiguous
// bodies and non-2xx replies are conclusive on the first attempt; only
// transport failures are retried.
func (r *Reaper) probeWithRetries(ctx context.Context, prober Prober, port int) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= sweepProbeAttempts; attempt++ {
		count, err := prober(ctx, port)
		if err == nil {
			return count, nil
		}
		lastErr = err
		if errors.Is(err, model.ErrAmbiguousResponse) {
			return 0, err
		}
		var reqErr *liveness.RequestError
		if errors.As(err, &reqErr) {
			return 0, err
		}
		if attempt < sweepProbeAttempts {
			r.opts.Sleep(sweepRetryDelay)
		}
	}
	return 0, lastErr
}

func (r *Reaper) killListeners(ctx context.Context, port int, pids []int, why string) SweepEntry {
	entry := SweepEntry{Port: port, Outcome: PortKilled, PIDs: pids, Detail: why}
	for _, pid := range pids {
		subject := fmt.Sprintf("port %d", port)
		detail := fmt.Sprintf("pid %d: %s", pid, why)
		if err := r.Kill(pid); err != nil {
			r.logf("sweep: port %d: kill pid %d: %v", port, pid, err)
			entry.Outcome = PortKillFailed
			r.record(ctx, model.Action{
				Type:       model.ActionSweep,
				Subject:    subject,
				Detail:     detail,
				ResultCode: model.ResultFailed,
				ErrorCode:  model.ErrCodeKillFailed,
			})
			continue
		}
		r.logf("sweep: port %d: killed pid %d (%s)", port, pid, why)
		r.record(ctx, model.Action{
			Type:       model.ActionSweep,
			Subject:    subject,
			Detail:     detail,
			ResultCode: model.ResultOK,
		})
	}
	return entry
}
