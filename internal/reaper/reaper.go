// Package reaper kills attach processes whose claimed session no longer
// exists on the controller, and hosts the port sweep for abandoned
// controller instances.
//
// A process is only ever a reap candidate when its own cmdline claims
// affinity to this instance's endpoint. Candidates must stay orphaned
// across several consecutive scans and past a grace period before any
// signal is sent; a scan that cannot read the controller's session list
// aborts without touching candidate state, so an unreachable or garbled
// controller never reads as "no sessions".
package reaper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/muxherd/muxherd/internal/model"
	"github.com/muxherd/muxherd/internal/procscan"
)

// ErrScanInFlight is returned when a scan is requested while a previous
// scan is still running. The caller's state is untouched.
var ErrScanInFlight = errors.New("reaper: scan already in progress")

// SessionLister reads the controller's live session set. A returned
// error means the set is unknown, not empty.
type SessionLister interface {
	Sessions(ctx context.Context) (map[string]model.StatusTag, error)
}

// Recorder journals reap and sweep actions. A nil Recorder disables
// journaling.
type Recorder interface {
	Record(ctx context.Context, action model.Action) error
}

// Options configure a Reaper. Zero values fall back to defaults.
type Options struct {
	// ServerURL identifies this instance; only processes claiming this
	// endpoint are considered.
	ServerURL string
	// AttachSignature is the cmdline pattern that marks attach processes.
	AttachSignature string
	// ReapInterval is the period between scans in Run.
	ReapInterval time.Duration
	// MinZombieChecks is how many consecutive scans must see a process
	// orphaned before it becomes reapable.
	MinZombieChecks int
	// GracePeriod is the minimum wall-clock age of a candidate before it
	// becomes reapable. Both this and MinZombieChecks must be satisfied.
	GracePeriod time.Duration
	// KillWait bounds how long Kill waits after SIGTERM before
	// escalating to SIGKILL.
	KillWait time.Duration

	// SelfDestruct enables shutting this instance down after the last
	// attach process disappears for SelfDestructTimeout.
	SelfDestruct        bool
	SelfDestructTimeout time.Duration
	// OnSelfDestruct runs at most once, when the idle timeout expires.
	OnSelfDestruct func()

	// Prober overrides the HTTP probe used by Sweep. Nil uses a real
	// HTTP client against 127.0.0.1.
	Prober Prober

	Logf  func(format string, args ...any)
	Now   func() time.Time
	Sleep func(d time.Duration)
}

// candidate tracks one suspected zombie across scans.
type candidate struct {
	Count           int
	FirstDetectedAt time.Time
}

// Reaper owns candidate state for one controller endpoint. Methods are
// safe for concurrent use; scans themselves never overlap.
type Reaper struct {
	insp procscan.Inspector
	src  SessionLister
	rec  Recorder
	opts Options

	mu           sync.Mutex
	scanning     bool
	candidates   map[int]candidate
	lastActivity time.Time

	destructOnce sync.Once
}

// New builds a Reaper. The idle clock for self-destruct starts now.
func New(insp procscan.Inspector, src SessionLister, rec Recorder, opts Options) *Reaper {
	if opts.AttachSignature == "" {
		opts.AttachSignature = "muxherd-attach"
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = 60 * time.Second
	}
	if opts.MinZombieChecks <= 0 {
		opts.MinZombieChecks = 3
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 2 * time.Minute
	}
	if opts.KillWait <= 0 {
		opts.KillWait = 5 * time.Second
	}
	if opts.SelfDestructTimeout <= 0 {
		opts.SelfDestructTimeout = 30 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}
	return &Reaper{
		insp:         insp,
		src:          src,
		rec:          rec,
		opts:         opts,
		candidates:   make(map[int]candidate),
		lastActivity: opts.Now(),
	}
}

// Run scans on every tick until ctx is canceled. Scan errors are logged
// and the next tick proceeds normally.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.ScanOnce(ctx); err != nil {
				r.logf("reaper: scan aborted: %v", err)
			}
		}
	}
}

// ScanOnce runs one full scan cycle: enumerate attach processes, read
// the controller's session set, advance or lapse candidates, and reap
// those past both thresholds. Any failure to enumerate or to read the
// session set aborts the cycle with candidate state unchanged.
func (r *Reaper) ScanOnce(ctx context.Context) error {
	r.mu.Lock()
	if r.scanning {
		r.mu.Unlock()
		return ErrScanInFlight
	}
	r.scanning = true
	prev := r.candidates
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.scanning = false
		r.mu.Unlock()
	}()

	pids, err := r.insp.PIDsMatching(ctx, r.opts.AttachSignature)
	if err != nil {
		return fmt.Errorf("list attach processes: %w", err)
	}
	sessions, err := r.src.Sessions(ctx)
	if err != nil {
		return fmt.Errorf("controller sessions: %w", err)
	}

	now := r.opts.Now()
	next := make(map[int]candidate)
	ownProcesses := 0
	for _, pid := range pids {
		cmdline, err := r.insp.Cmdline(ctx, pid)
		if err != nil {
			continue // raced with process exit
		}
		att, err := procscan.ParseAttachment(pid, cmdline)
		if err != nil {
			if !errors.Is(err, model.ErrNoAffinity) {
				r.logf("reaper: pid %d: %v", pid, err)
			}
			continue
		}
		if !SameEndpoint(att.ServerURL, r.opts.ServerURL) {
			continue
		}
		ownProcesses++
		if _, listed := sessions[att.SessionID]; listed {
			continue // session is healthy, any candidate entry lapses
		}
		c, known := prev[pid]
		if !known {
			c = candidate{FirstDetectedAt: now}
		}
		c.Count++
		if c.Count >= r.opts.MinZombieChecks && now.Sub(c.FirstDetectedAt) >= r.opts.GracePeriod {
			subject := fmt.Sprintf("pid %d", pid)
			if err := r.Kill(pid); err != nil {
				r.logf("reaper: kill pid %d (session %s): %v", pid, att.SessionID, err)
				r.record(ctx, model.Action{
					Type:       model.ActionReap,
					Subject:    subject,
					Detail:     att.SessionID,
					ResultCode: model.ResultFailed,
					ErrorCode:  model.ErrCodeKillFailed,
				})
				next[pid] = c
				continue
			}
			r.logf("reaper: reaped pid %d claiming session %s", pid, att.SessionID)
			r.record(ctx, model.Action{
				Type:       model.ActionReap,
				Subject:    subject,
				Detail:     att.SessionID,
				ResultCode: model.ResultOK,
			})
			continue
		}
		next[pid] = c
	}

	r.mu.Lock()
	r.candidates = next
	if ownProcesses > 0 {
		r.lastActivity = now
	}
	idle := now.Sub(r.lastActivity)
	r.mu.Unlock()

	if r.opts.SelfDestruct && ownProcesses == 0 && idle >= r.opts.SelfDestructTimeout {
		r.selfDestruct(ctx, idle)
	}
	return nil
}

// CandidateCount reports how many processes are currently under
// suspicion.
func (r *Reaper) CandidateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.candidates)
}

const killPollInterval = 100 * time.Millisecond

// Kill terminates one process: SIGTERM, a bounded wait, then SIGKILL.
// A process already gone at any step counts as killed. A process that
// survives even SIGKILL is logged, not treated as an error.
func (r *Reaper) Kill(pid int) error {
	if err := r.insp.Signal(pid, syscall.SIGTERM); err != nil {
		if procscan.IsGone(err) {
			return nil
		}
		return fmt.Errorf("sigterm pid %d: %w", pid, err)
	}
	steps := int(r.opts.KillWait/killPollInterval) + 1
	for i := 0; i < steps; i++ {
		if !r.insp.Alive(pid) {
			return nil
		}
		r.opts.Sleep(killPollInterval)
	}
	if err := r.insp.Signal(pid, syscall.SIGKILL); err != nil {
		if procscan.IsGone(err) {
			return nil
		}
		return fmt.Errorf("sigkill pid %d: %w", pid, err)
	}
	r.opts.Sleep(killPollInterval)
	if r.insp.Alive(pid) {
		r.logf("reaper: pid %d survived SIGKILL", pid)
	}
	return nil
}

func (r *Reaper) selfDestruct(ctx context.Context, idle time.Duration) {
	r.destructOnce.Do(func() {
		r.logf("reaper: no attach processes for %s, self destructing", idle.Round(time.Second))
		r.record(ctx, model.Action{
			Type:       model.ActionSelfDestruct,
			Subject:    r.opts.ServerURL,
			Detail:     idle.Round(time.Second).String(),
			ResultCode: model.ResultOK,
		})
		if r.opts.OnSelfDestruct != nil {
			r.opts.OnSelfDestruct()
		}
	})
}

func (r *Reaper) record(ctx context.Context, action model.Action) {
	if r.rec == nil {
		return
	}
	if err := r.rec.Record(ctx, action); err != nil {
		r.logf("reaper: journal %s: %v", action.Type, err)
	}
}

func (r *Reaper) logf(format string, args ...any) {
	if r.opts.Logf == nil {
		return
	}
	r.opts.Logf(format, args...)
}
