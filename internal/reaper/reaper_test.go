package reaper

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/muxherd/muxherd/internal/model"
)

const zombieCmdline = "muxherd-attach --session sess-9 --server http://localhost:8090"

type sigCall struct {
	pid int
	sig syscall.Signal
}

type fakeInspector struct {
	mu        sync.Mutex
	pids      []int
	pidsErr   error
	cmdlines  map[int]string
	alive     map[int]bool
	dieOn     map[int]syscall.Signal
	signalErr map[int]error
	portPIDs  map[int][]int
	portErr   map[int]error
	signals   []sigCall
}

func newFakeInspector() *fakeInspector {
	return &fakeInspector{
		cmdlines:  make(map[int]string),
		alive:     make(map[int]bool),
		dieOn:     make(map[int]syscall.Signal),
		signalErr: make(map[int]error),
		portPIDs:  make(map[int][]int),
		portErr:   make(map[int]error),
	}
}

func (f *fakeInspector) addProcess(pid int, cmdline string, diesOn syscall.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pids = append(f.pids, pid)
	f.cmdlines[pid] = cmdline
	f.alive[pid] = true
	f.dieOn[pid] = diesOn
}

func (f *fakeInspector) addListener(port int, pids ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.portPIDs[port] = append(f.portPIDs[port], pids...)
	for _, pid := range pids {
		f.alive[pid] = true
		f.dieOn[pid] = syscall.SIGTERM
	}
}

func (f *fakeInspector) setAlive(pid int, alive bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[pid] = alive
}

func (f *fakeInspector) sentSignals() []sigCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sigCall(nil), f.signals...)
}

func (f *fakeInspector) PIDsMatching(ctx context.Context, pattern string) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pidsErr != nil {
		return nil, f.pidsErr
	}
	var out []int
	for _, pid := range f.pids {
		if f.alive[pid] && strings.Contains(f.cmdlines[pid], pattern) {
			out = append(out, pid)
		}
	}
	return out, nil
}

func (f *fakeInspector) Cmdline(ctx context.Context, pid int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.alive[pid] {
		return "", fmt.Errorf("cmdline for pid %d: %w", pid, syscall.ESRCH)
	}
	return f.cmdlines[pid], nil
}

func (f *fakeInspector) Signal(pid int, sig syscall.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.signalErr[pid]; err != nil {
		return err
	}
	if !f.alive[pid] {
		return fmt.Errorf("signal %v pid %d: %w", sig, pid, syscall.ESRCH)
	}
	f.signals = append(f.signals, sigCall{pid: pid, sig: sig})
	if f.dieOn[pid] == sig {
		f.alive[pid] = false
	}
	return nil
}

func (f *fakeInspector) Alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

func (f *fakeInspector) PIDsOnPort(ctx context.Context, port int) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.portErr[port]; err != nil {
		return nil, err
	}
	return append([]int(nil), f.portPIDs[port]...), nil
}

type fakeLister struct {
	mu       sync.Mutex
	sessions map[string]model.StatusTag
	err      error
}

func (f *fakeLister) Sessions(ctx context.Context) (map[string]model.StatusTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]model.StatusTag, len(f.sessions))
	for id, tag := range f.sessions {
		out[id] = tag
	}
	return out, nil
}

func (f *fakeLister) set(sessions map[string]model.StatusTag, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = sessions
	f.err = err
}

type fakeRecorder struct {
	mu      sync.Mutex
	actions []model.Action
}

func (f *fakeRecorder) Record(ctx context.Context, a model.Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, a)
	return nil
}

func (f *fakeRecorder) byType(t model.ActionType) []model.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Action
	for _, a := range f.actions {
		if a.Type == t {
			out = append(out, a)
		}
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestReaper(t *testing.T, insp *fakeInspector, src SessionLister, opts Options) (*Reaper, *fakeRecorder, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	rec := &fakeRecorder{}
	if opts.ServerURL == "" {
		opts.ServerURL = "http://127.0.0.1:8090"
	}
	opts.Now = clock.Now
	opts.Sleep = func(time.Duration) {}
	opts.Logf = t.Logf
	return New(insp, src, rec, opts), rec, clock
}

func TestScanReapsAfterChecksAndGrace(t *testing.T) {
	insp := newFakeInspector()
	insp.addProcess(4242, zombieCmdline, syscall.SIGTERM)
	src := &fakeLister{sessions: map[string]model.StatusTag{}}
	r, rec, clock := newTestReaper(t, insp, src, Options{
		MinZombieChecks: 3,
		GracePeriod:     2 * time.Minute,
	})
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		if err := r.ScanOnce(ctx); err != nil {
			t.Fatalf("scan %d: %v", i, err)
		}
		if got := insp.sentSignals(); len(got) != 0 {
			t.Fatalf("scan %d sent signals %v, want none yet", i, got)
		}
		clock.Advance(time.Minute)
	}
	if got := r.CandidateCount(); got != 1 {
		t.Fatalf("CandidateCount = %d, want 1", got)
	}

	if err := r.ScanOnce(ctx); err != nil {
		t.Fatalf("final scan: %v", err)
	}
	sigs := insp.sentSignals()
	if len(sigs) != 1 || sigs[0] != (sigCall{pid: 4242, sig: syscall.SIGTERM}) {
		t.Fatalf("signals = %v, want one SIGTERM to 4242", sigs)
	}
	if insp.Alive(4242) {
		t.Fatal("pid 4242 still alive after reap")
	}
	if got := r.CandidateCount(); got != 0 {
		t.Fatalf("CandidateCount after reap = %d, want 0", got)
	}
	reaps := rec.byType(model.ActionReap)
	if len(reaps) != 1 {
		t.Fatalf("journaled %d reap actions, want 1", len(reaps))
	}
	if reaps[0].Subject != "pid 4242" || reaps[0].Detail != "sess-9" || reaps[0].ResultCode != model.ResultOK {
		t.Fatalf("reap action = %+v", reaps[0])
	}
}

func TestScanHoldsUntilBothThresholds(t *testing.T) {
	t.Run("count met, grace not", func(t *testing.T) {
		insp := newFakeInspector()
		insp.addProcess(100, zombieCmdline, syscall.SIGTERM)
		src := &fakeLister{sessions: map[string]model.StatusTag{}}
		r, _, clock := newTestReaper(t, insp, src, Options{MinZombieChecks: 2, GracePeriod: 10 * time.Minute})
		for i := 0; i < 4; i++ {
			if err := r.ScanOnce(context.Background()); err != nil {
				t.Fatalf("scan: %v", err)
			}
			clock.Advance(time.Minute)
		}
		if got := insp.sentSignals(); len(got) != 0 {
			t.Fatalf("signals = %v, want none before grace elapses", got)
		}
	})
	t.Run("grace met, count not", func(t *testing.T) {
		insp := newFakeInspector()
		insp.addProcess(100, zombieCmdline, syscall.SIGTERM)
		src := &fakeLister{sessions: map[string]model.StatusTag{}}
		r, _, clock := newTestReaper(t, insp, src, Options{MinZombieChecks: 5, GracePeriod: time.Minute})
		if err := r.ScanOnce(context.Background()); err != nil {
			t.Fatalf("scan: %v", err)
		}
		clock.Advance(2 * time.Minute)
		if err := r.ScanOnce(context.Background()); err != nil {
			t.Fatalf("scan: %v", err)
		}
		if got := insp.sentSignals(); len(got) != 0 {
			t.Fatalf("signals = %v, want none before check count is met", got)
		}
	})
}

func TestScanAbortKeepsCandidatesUntouched(t *testing.T) {
	insp := newFakeInspector()
	insp.addProcess(4242, zombieCmdline, syscall.SIGTERM)
	src := &fakeLister{sessions: map[string]model.StatusTag{}}
	r, _, clock := newTestReaper(t, insp, src, Options{MinZombieChecks: 3, GracePeriod: 2 * time.Minute})
	ctx := context.Background()

	if err := r.ScanOnce(ctx); err != nil {
		t.Fatalf("scan: %v", err)
	}

	src.set(nil, fmt.Errorf("decode status payload: %w", model.ErrAmbiguousResponse))
	clock.Advance(5 * time.Minute)
	for i := 0; i < 3; i++ {
		if err := r.ScanOnce(ctx); err == nil {
			t.Fatal("scan with unreadable session list should error")
		}
	}
	if got := insp.sentSignals(); len(got) != 0 {
		t.Fatalf("aborted scans sent signals %v", got)
	}
	if got := r.CandidateCount(); got != 1 {
		t.Fatalf("CandidateCount = %d, want candidate preserved across aborts", got)
	}

	// Recovery resumes counting where it left off rather than counting
	// the aborted cycles or reaping immediately.
	src.set(map[string]model.StatusTag{}, nil)
	if err := r.ScanOnce(ctx); err != nil {
		t.Fatalf("recovered scan: %v", err)
	}
	if got := insp.sentSignals(); len(got) != 0 {
		t.Fatalf("signals = %v, want none at check 2 of 3", got)
	}
}

func TestSessionReappearanceClearsCandidate(t *testing.T) {
	insp := newFakeInspector()
	insp.addProcess(4242, zombieCmdline, syscall.SIGTERM)
	src := &fakeLister{sessions: map[string]model.StatusTag{}}
	r, _, clock := newTestReaper(t, insp, src, Options{MinZombieChecks: 2, GracePeriod: time.Minute})
	ctx := context.Background()

	if err := r.ScanOnce(ctx); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if got := r.CandidateCount(); got != 1 {
		t.Fatalf("CandidateCount = %d, want 1", got)
	}

	src.set(map[string]model.StatusTag{"sess-9": model.StatusActive}, nil)
	clock.Advance(5 * time.Minute)
	if err := r.ScanOnce(ctx); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if got := r.CandidateCount(); got != 0 {
		t.Fatalf("CandidateCount = %d, want 0 after session reappears", got)
	}

	// Orphaned again: the count restarts from one, so the stale first
	// detection never combines with the new count to force a kill.
	src.set(map[string]model.StatusTag{}, nil)
	if err := r.ScanOnce(ctx); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if got := insp.sentSignals(); len(got) != 0 {
		t.Fatalf("signals = %v, want none on a fresh first strike", got)
	}
}

func TestScanIgnoresForeignAndMalformedClaims(t *testing.T) {
	insp := newFakeInspector()
	insp.addProcess(11, "muxherd-attach --session far-1 --server http://10.0.0.5:9000", syscall.SIGTERM)
	insp.addProcess(12, "muxherd-attach --help", syscall.SIGTERM)
	insp.addProcess(13, "muxherd-attach --session broken", syscall.SIGTERM)
	src := &fakeLister{sessions: map[string]model.StatusTag{}}
	r, _, clock := newTestReaper(t, insp, src, Options{MinZombieChecks: 1, GracePeriod: time.Minute})

	for i := 0; i < 3; i++ {
		if err := r.ScanOnce(context.Background()); err != nil {
			t.Fatalf("scan: %v", err)
		}
		clock.Advance(time.Minute)
	}
	if got := r.CandidateCount(); got != 0 {
		t.Fatalf("CandidateCount = %d, want 0 for foreign and malformed claims", got)
	}
	if got := insp.sentSignals(); len(got) != 0 {
		t.Fatalf("signals = %v, want none", got)
	}
}

func TestScanAbortsWhenProcessListingFails(t *testing.T) {
	insp := newFakeInspector()
	insp.pidsErr = errors.New("pgrep: exec format error")
	src := &fakeLister{sessions: map[string]model.StatusTag{}}
	r, _, _ := newTestReaper(t, insp, src, Options{})

	if err := r.ScanOnce(context.Background()); err == nil {
		t.Fatal("scan should surface process listing failure")
	}
}

type blockingLister struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingLister) Sessions(ctx context.Context) (map[string]model.StatusTag, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return map[string]model.StatusTag{}, nil
}

func TestConcurrentScanIsRejected(t *testing.T) {
	src := &blockingLister{entered: make(chan struct{}), release: make(chan struct{})}
	r, _, _ := newTestReaper(t, newFakeInspector(), src, Options{})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- r.ScanOnce(ctx) }()
	<-src.entered

	if err := r.ScanOnce(ctx); !errors.Is(err, ErrScanInFlight) {
		t.Fatalf("second scan error = %v, want ErrScanInFlight", err)
	}
	close(src.release)
	if err := <-done; err != nil {
		t.Fatalf("first scan: %v", err)
	}
}

func TestKillEscalatesToSigkill(t *testing.T) {
	insp := newFakeInspector()
	insp.addProcess(77, zombieCmdline, syscall.SIGKILL) // shrugs off SIGTERM
	r, _, _ := newTestReaper(t, insp, &fakeLister{}, Options{KillWait: 500 * time.Millisecond})

	if err := r.Kill(77); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	want := []sigCall{{pid: 77, sig: syscall.SIGTERM}, {pid: 77, sig: syscall.SIGKILL}}
	if got := insp.sentSignals(); !reflect.DeepEqual(got, want) {
		t.Fatalf("signals = %v, want %v", got, want)
	}
	if insp.Alive(77) {
		t.Fatal("pid 77 still alive after SIGKILL")
	}
}

func TestKillStopsAtSigtermWhenProcessDies(t *testing.T) {
	insp := newFakeInspector()
	insp.addProcess(78, zombieCmdline, syscall.SIGTERM)
	r, _, _ := newTestReaper(t, insp, &fakeLister{}, Options{})

	if err := r.Kill(78); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	sigs := insp.sentSignals()
	if len(sigs) != 1 || sigs[0].sig != syscall.SIGTERM {
		t.Fatalf("signals = %v, want a single SIGTERM", sigs)
	}
}

func TestKillTreatsGoneProcessAsKilled(t *testing.T) {
	r, _, _ := newTestReaper(t, newFakeInspector(), &fakeLister{}, Options{})
	if err := r.Kill(404); err != nil {
		t.Fatalf("Kill of vanished pid: %v", err)
	}
}

func TestKillSurfacesSignalFailure(t *testing.T) {
	insp := newFakeInspector()
	insp.addProcess(79, zombieCmdline, syscall.SIGTERM)
	insp.signalErr[79] = errors.New("signal 15 pid 79: operation not permitted")
	r, _, _ := newTestReaper(t, insp, &fakeLister{}, Options{})

	if err := r.Kill(79); err == nil {
		t.Fatal("Kill should surface a non-ESRCH signal failure")
	}
}

func TestSelfDestructFiresOnceAfterIdleTimeout(t *testing.T) {
	insp := newFakeInspector()
	src := &fakeLister{sessions: map[string]model.StatusTag{}}
	fired := 0
	r, rec, clock := newTestReaper(t, insp, src, Options{
		SelfDestruct:        true,
		SelfDestructTimeout: 30 * time.Minute,
		OnSelfDestruct:      func() { fired++ },
	})
	ctx := context.Background()

	if err := r.ScanOnce(ctx); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if fired != 0 {
		t.Fatal("fired before the idle timeout elapsed")
	}

	clock.Advance(31 * time.Minute)
	for i := 0; i < 3; i++ {
		if err := r.ScanOnce(ctx); err != nil {
			t.Fatalf("scan: %v", err)
		}
		clock.Advance(time.Minute)
	}
	if fired != 1 {
		t.Fatalf("OnSelfDestruct fired %d times, want exactly 1", fired)
	}
	acts := rec.byType(model.ActionSelfDestruct)
	if len(acts) != 1 || acts[0].ResultCode != model.ResultOK {
		t.Fatalf("self destruct journal = %+v", acts)
	}
}

func TestSelfDestructClockResetsOnActivity(t *testing.T) {
	insp := newFakeInspector()
	src := &fakeLister{sessions: map[string]model.StatusTag{"sess-9": model.StatusActive}}
	fired := 0
	r, _, clock := newTestReaper(t, insp, src, Options{
		SelfDestruct:        true,
		SelfDestructTimeout: 30 * time.Minute,
		OnSelfDestruct:      func() { fired++ },
	})
	ctx := context.Background()

	// A healthy attach process at +29m resets the idle clock even
	// though nothing is reapable.
	clock.Advance(29 * time.Minute)
	insp.addProcess(4242, zombieCmdline, syscall.SIGTERM)
	if err := r.ScanOnce(ctx); err != nil {
		t.Fatalf("scan: %v", err)
	}

	insp.setAlive(4242, false)
	clock.Advance(29 * time.Minute)
	if err := r.ScanOnce(ctx); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if fired != 0 {
		t.Fatal("fired 29 minutes after last activity, want quiet until 30")
	}

	clock.Advance(2 * time.Minute)
	if err := r.ScanOnce(ctx); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if fired != 1 {
		t.Fatalf("OnSelfDestruct fired %d times, want 1", fired)
	}
}

func TestSelfDestructDisabledNeverFires(t *testing.T) {
	insp := newFakeInspector()
	src := &fakeLister{sessions: map[string]model.StatusTag{}}
	fired := 0
	r, _, clock := newTestReaper(t, insp, src, Options{
		SelfDestruct:        false,
		SelfDestructTimeout: time.Minute,
		OnSelfDestruct:      func() { fired++ },
	})

	clock.Advance(10 * time.Hour)
	for i := 0; i < 3; i++ {
		if err := r.ScanOnce(context.Background()); err != nil {
			t.Fatalf("scan: %v", err)
		}
		clock.Advance(time.Hour)
	}
	if fired != 0 {
		t.Fatalf("OnSelfDestruct fired %d times with self destruct disabled", fired)
	}
}
