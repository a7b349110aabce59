package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/muxherd/muxherd/internal/model"
	"github.com/muxherd/muxherd/internal/mux"
	"github.com/muxherd/muxherd/internal/queue"
)

type fakeMux struct {
	mu             sync.Mutex
	nextPane       int
	spawned        []mux.SpawnOptions
	killedPanes    []string
	killedSessions []string
	layouts        []string
	panes          []mux.Pane
	spawnErr       error
	killPaneErr    error
	width, height  int
}

func newFakeMux() *fakeMux {
	return &fakeMux{
		nextPane: 1,
		width:    208,
		height:   62,
		panes:    []mux.Pane{{ID: "%0"}},
	}
}

func (f *fakeMux) SpawnPane(_ context.Context, opts mux.SpawnOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return "", f.spawnErr
	}
	id := fmt.Sprintf("%%%d", f.nextPane)
	f.nextPane++
	f.spawned = append(f.spawned, opts)
	f.panes = append(f.panes, mux.Pane{ID: id, SessionID: opts.SessionID})
	return id, nil
}

func (f *fakeMux) KillPane(_ context.Context, paneID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.killPaneErr != nil {
		return f.killPaneErr
	}
	f.killedPanes = append(f.killedPanes, paneID)
	f.dropLocked(paneID)
	return nil
}

func (f *fakeMux) KillSession(_ context.Context, session string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killedSessions = append(f.killedSessions, session)
	f.panes = nil
	return nil
}

func (f *fakeMux) ApplyLayout(_ context.Context, _ string, layout string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.layouts = append(f.layouts, layout)
	return nil
}

func (f *fakeMux) Panes(_ context.Context, _ string) ([]mux.Pane, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]mux.Pane, len(f.panes))
	copy(out, f.panes)
	return out, nil
}

func (f *fakeMux) WindowSize(_ context.Context, _ string) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.width, f.height, nil
}

// dropPane removes a pane as if the user killed it by hand.
func (f *fakeMux) dropPane(paneID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropLocked(paneID)
}

func (f *fakeMux) dropLocked(paneID string) {
	var rest []mux.Pane
	for _, p := range f.panes {
		if p.ID != paneID {
			rest = append(rest, p)
		}
	}
	f.panes = rest
}

func (f *fakeMux) spawnCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawned)
}

func (f *fakeMux) killedPaneIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.killedPanes))
	copy(out, f.killedPanes)
	return out
}

func (f *fakeMux) killedSessionNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.killedSessions))
	copy(out, f.killedSessions)
	return out
}

func (f *fakeMux) appliedLayouts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.layouts))
	copy(out, f.layouts)
	return out
}

type fakeSource struct {
	mu          sync.Mutex
	sessions    map[string]model.StatusTag
	sessionsErr error
	healthyErr  error
	calls       int
	block       chan struct{}
}

func (f *fakeSource) Sessions(context.Context) (map[string]model.StatusTag, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	err := f.sessionsErr
	snap := make(map[string]model.StatusTag, len(f.sessions))
	for k, v := range f.sessions {
		snap[k] = v
	}
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (f *fakeSource) Healthy(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthyErr
}

func (f *fakeSource) set(sessions map[string]model.StatusTag) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = sessions
}

func (f *fakeSource) setErrs(sessionsErr, healthyErr error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionsErr = sessionsErr
	f.healthyErr = healthyErr
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSource) unblock() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	actions []model.Action
}

func (f *fakeRecorder) Record(_ context.Context, a model.Action) error {
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
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestManager(t *testing.T, fm *fakeMux, fs *fakeSource, fr *fakeRecorder, clock *fakeClock, mutate func(*Options)) *Manager {
	t.Helper()
	opts := Options{
		Workspace:      "herd",
		AgentCommand:   "muxherd-attach",
		ServerURL:      "http://127.0.0.1:8090",
		MaxPerColumn:   3,
		AutoClose:      true,
		PollInterval:   time.Hour,
		MissingGrace:   30 * time.Second,
		SessionTimeout: 4 * time.Hour,
		LayoutDebounce: 10 * time.Millisecond,
		Queue: queue.Options{
			ItemDelay:   time.Millisecond,
			BaseBackoff: time.Millisecond,
			StaleAfter:  time.Minute,
			Sleep:       func(context.Context, time.Duration) error { return nil },
		},
		Now: clock.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	m := New(fm, fs, fr, opts)
	t.Cleanup(func() {
		m.Shutdown(context.Background(), model.TeardownPanes)
	})
	return m
}

func waitResult(t *testing.T, p *queue.Pending) queue.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res := p.Wait(ctx)
	if errors.Is(res.Err, context.DeadlineExceeded) {
		t.Fatalf("timed out waiting for spawn result")
	}
	return res
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

func TestNotifySpawnsTracksAndLaysOut(t *testing.T) {
	fm := newFakeMux()
	fs := &fakeSource{}
	fr := &fakeRecorder{}
	m := newTestManager(t, fm, fs, fr, newFakeClock(), nil)

	res := waitResult(t, m.NotifySession("sess-1", "refactor", "sess-0"))
	if res.Err != nil {
		t.Fatalf("notify: %v", res.Err)
	}
	if res.PaneID != "%1" {
		t.Fatalf("expected pane %%1, got %q", res.PaneID)
	}

	fm.mu.Lock()
	spawn := fm.spawned[0]
	fm.mu.Unlock()
	if spawn.Window != "herd" || spawn.SessionID != "sess-1" || spawn.Label != "refactor" {
		t.Fatalf("unexpected spawn options %+v", spawn)
	}
	if !strings.Contains(spawn.Command, "--session sess-1") || !strings.Contains(spawn.Command, "--server http://127.0.0.1:8090") {
		t.Fatalf("spawn command missing affinity flags: %q", spawn.Command)
	}

	snap := m.Snapshot()
	if len(snap.Tracked) != 1 || snap.Tracked[0].PaneID != "%1" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.Tracked[0].ParentID != "sess-0" {
		t.Fatalf("expected parent sess-0, got %q", snap.Tracked[0].ParentID)
	}

	eventually(t, func() bool { return len(fm.appliedLayouts()) >= 1 }, "debounced relayout ran")
	layoutRe := regexp.MustCompile(`^[0-9a-f]{4},208x62,0,0\{`)
	if got := fm.appliedLayouts()[0]; !layoutRe.MatchString(got) {
		t.Fatalf("unexpected layout string %q", got)
	}

	spawns := fr.byType(model.ActionSpawn)
	if len(spawns) != 1 || spawns[0].Subject != "sess-1" {
		t.Fatalf("unexpected spawn journal %+v", spawns)
	}
}

func TestDuplicateNotifyReusesLivePane(t *testing.T) {
	fm := newFakeMux()
	m := newTestManager(t, fm, &fakeSource{}, nil, newFakeClock(), nil)

	first := waitResult(t, m.NotifySession("sess-1", "", ""))
	second := waitResult(t, m.NotifySession("sess-1", "", ""))
	if first.Err != nil || second.Err != nil {
		t.Fatalf("unexpected errors: %v, %v", first.Err, second.Err)
	}
	if first.PaneID != second.PaneID {
		t.Fatalf("expected same pane, got %q and %q", first.PaneID, second.PaneID)
	}
	if fm.spawnCalls() != 1 {
		t.Fatalf("expected a single spawn, got %d", fm.spawnCalls())
	}
}

func TestNotifyRespawnsWhenPaneVanished(t *testing.T) {
	fm := newFakeMux()
	m := newTestManager(t, fm, &fakeSource{}, nil, newFakeClock(), nil)

	first := waitResult(t, m.NotifySession("sess-1", "", ""))
	if first.PaneID != "%1" {
		t.Fatalf("expected %%1, got %q", first.PaneID)
	}
	fm.dropPane("%1")

	second := waitResult(t, m.NotifySession("sess-1", "", ""))
	if second.Err != nil {
		t.Fatalf("respawn: %v", second.Err)
	}
	if second.PaneID != "%2" || fm.spawnCalls() != 2 {
		t.Fatalf("expected respawn as %%2, got %q after %d spawns", second.PaneID, fm.spawnCalls())
	}
	snap := m.Snapshot()
	if len(snap.Tracked) != 1 || snap.Tracked[0].PaneID != "%2" {
		t.Fatalf("tracking not updated: %+v", snap.Tracked)
	}
}

func TestPollClosesIdleSessions(t *testing.T) {
	fm := newFakeMux()
	fs := &fakeSource{}
	fr := &fakeRecorder{}
	m := newTestManager(t, fm, fs, fr, newFakeClock(), nil)

	waitResult(t, m.NotifySession("sess-1", "", ""))
	fs.set(map[string]model.StatusTag{"sess-1": model.StatusIdle})

	if tornDown := m.pollCycle(context.Background()); tornDown {
		t.Fatalf("idle close must not count as teardown")
	}
	if got := fm.killedPaneIDs(); len(got) != 1 || got[0] != "%1" {
		t.Fatalf("expected pane %%1 killed, got %v", got)
	}
	if snap := m.Snapshot(); len(snap.Tracked) != 0 {
		t.Fatalf("session still tracked: %+v", snap.Tracked)
	}
	closes := fr.byType(model.ActionClose)
	if len(closes) != 1 || closes[0].Detail != string(model.CloseIdle) {
		t.Fatalf("unexpected close journal %+v", closes)
	}
}

func TestPollKeepsIdleWhenAutoCloseOff(t *testing.T) {
	fm := newFakeMux()
	fs := &fakeSource{}
	m := newTestManager(t, fm, fs, nil, newFakeClock(), func(o *Options) {
		o.AutoClose = false
	})

	waitResult(t, m.NotifySession("sess-1", "", ""))
	fs.set(map[string]model.StatusTag{"sess-1": model.StatusIdle})
	m.pollCycle(context.Background())

	if len(fm.killedPaneIDs()) != 0 {
		t.Fatalf("idle session closed despite auto close off")
	}
	if snap := m.Snapshot(); len(snap.Tracked) != 1 {
		t.Fatalf("session dropped: %+v", snap.Tracked)
	}
}

func TestPollMissingGraceThenClose(t *testing.T) {
	fm := newFakeMux()
	fs := &fakeSource{}
	fr := &fakeRecorder{}
	clock := newFakeClock()
	m := newTestManager(t, fm, fs, fr, clock, nil)

	waitResult(t, m.NotifySession("sess-1", "", ""))
	fs.set(map[string]model.StatusTag{})

	m.pollCycle(context.Background())
	snap := m.Snapshot()
	if len(snap.Tracked) != 1 || snap.Tracked[0].MissingSince == nil {
		t.Fatalf("expected missing mark, got %+v", snap.Tracked)
	}

	clock.Advance(29 * time.Second)
	m.pollCycle(context.Background())
	if snap := m.Snapshot(); len(snap.Tracked) != 1 {
		t.Fatalf("closed before grace elapsed")
	}

	clock.Advance(2 * time.Second)
	m.pollCycle(context.Background())
	if snap := m.Snapshot(); len(snap.Tracked) != 0 {
		t.Fatalf("expected close after grace, got %+v", snap.Tracked)
	}
	closes := fr.byType(model.ActionClose)
	if len(closes) != 1 || closes[0].Detail != string(model.CloseMissing) {
		t.Fatalf("unexpected close journal %+v", closes)
	}
}

func TestReappearanceClearsMissingMark(t *testing.T) {
	fm := newFakeMux()
	fs := &fakeSource{}
	clock := newFakeClock()
	m := newTestManager(t, fm, fs, nil, clock, nil)

	waitResult(t, m.NotifySession("sess-1", "", ""))
	fs.set(map[string]model.StatusTag{})
	m.pollCycle(context.Background())

	clock.Advance(40 * time.Second)
	fs.set(map[string]model.StatusTag{"sess-1": model.StatusActive})
	m.pollCycle(context.Background())

	snap := m.Snapshot()
	if len(snap.Tracked) != 1 {
		t.Fatalf("reappeared session was closed: %+v", snap.Tracked)
	}
	if snap.Tracked[0].MissingSince != nil {
		t.Fatalf("missing mark not cleared: %+v", snap.Tracked[0])
	}
	if len(fm.killedPaneIDs()) != 0 {
		t.Fatalf("unexpected kills %v", fm.killedPaneIDs())
	}
}

func TestAbsoluteTimeoutClosesActiveSession(t *testing.T) {
	fm := newFakeMux()
	fs := &fakeSource{}
	fr := &fakeRecorder{}
	clock := newFakeClock()
	m := newTestManager(t, fm, fs, fr, clock, nil)

	waitResult(t, m.NotifySession("sess-1", "", ""))
	fs.set(map[string]model.StatusTag{"sess-1": model.StatusActive})

	clock.Advance(4*time.Hour + time.Second)
	m.pollCycle(context.Background())

	if snap := m.Snapshot(); len(snap.Tracked) != 0 {
		t.Fatalf("expected timeout close, got %+v", snap.Tracked)
	}
	closes := fr.byType(model.ActionClose)
	if len(closes) != 1 || closes[0].Detail != string(model.CloseTimeout) {
		t.Fatalf("unexpected close journal %+v", closes)
	}
}

func TestPollFailureTransientKeepsState(t *testing.T) {
	fm := newFakeMux()
	fs := &fakeSource{}
	m := newTestManager(t, fm, fs, nil, newFakeClock(), nil)

	waitResult(t, m.NotifySession("sess-1", "", ""))
	fs.setErrs(errors.New("connection reset"), nil)

	if tornDown := m.pollCycle(context.Background()); tornDown {
		t.Fatalf("transient failure must not tear down")
	}
	snap := m.Snapshot()
	if len(snap.Tracked) != 1 || snap.Tracked[0].MissingSince != nil {
		t.Fatalf("state disturbed by failed poll: %+v", snap.Tracked)
	}
	if len(fm.killedPaneIDs()) != 0 {
		t.Fatalf("unexpected kills %v", fm.killedPaneIDs())
	}
}

func TestPollFailureUnreachableTearsDownAll(t *testing.T) {
	fm := newFakeMux()
	fs := &fakeSource{}
	fr := &fakeRecorder{}
	m := newTestManager(t, fm, fs, fr, newFakeClock(), nil)

	waitResult(t, m.NotifySession("sess-1", "", ""))
	waitResult(t, m.NotifySession("sess-2", "", ""))
	fs.setErrs(errors.New("connection refused"), errors.New("connection refused"))

	if tornDown := m.pollCycle(context.Background()); !tornDown {
		t.Fatalf("expected teardown when health probe fails")
	}
	if got := fm.killedPaneIDs(); len(got) != 2 {
		t.Fatalf("expected both panes killed, got %v", got)
	}
	if snap := m.Snapshot(); len(snap.Tracked) != 0 {
		t.Fatalf("sessions survived teardown: %+v", snap.Tracked)
	}
	closes := fr.byType(model.ActionClose)
	if len(closes) != 2 || closes[0].Detail != string(model.CloseUnreachable) {
		t.Fatalf("unexpected close journal %+v", closes)
	}
}

func TestRelayoutDebounceCoalesces(t *testing.T) {
	fm := newFakeMux()
	m := newTestManager(t, fm, &fakeSource{}, nil, newFakeClock(), func(o *Options) {
		o.LayoutDebounce = 25 * time.Millisecond
	})

	m.scheduleRelayout()
	m.scheduleRelayout()
	m.scheduleRelayout()
	time.Sleep(120 * time.Millisecond)
	if got := len(fm.appliedLayouts()); got != 1 {
		t.Fatalf("expected one coalesced relayout, got %d", got)
	}

	m.scheduleRelayout()
	time.Sleep(120 * time.Millisecond)
	if got := len(fm.appliedLayouts()); got != 2 {
		t.Fatalf("expected second window to run once, got %d", got)
	}
}

func TestShutdownPanesKillsOnlyOwnPanes(t *testing.T) {
	fm := newFakeMux()
	fr := &fakeRecorder{}
	m := newTestManager(t, fm, &fakeSource{}, fr, newFakeClock(), nil)

	waitResult(t, m.NotifySession("sess-1", "", ""))
	waitResult(t, m.NotifySession("sess-2", "", ""))

	m.Shutdown(context.Background(), model.TeardownPanes)

	killed := fm.killedPaneIDs()
	if len(killed) != 2 {
		t.Fatalf("expected 2 pane kills, got %v", killed)
	}
	for _, id := range killed {
		if id == "%0" {
			t.Fatalf("user pane %%0 must survive a pane teardown")
		}
	}
	if len(fm.killedSessionNames()) != 0 {
		t.Fatalf("pane teardown must not kill the session: %v", fm.killedSessionNames())
	}

	late := waitResult(t, m.NotifySession("sess-3", "", ""))
	if !errors.Is(late.Err, model.ErrQueueClosed) {
		t.Fatalf("expected queue closed, got %v", late.Err)
	}

	teardowns := fr.byType(model.ActionTeardown)
	if len(teardowns) != 1 || teardowns[0].Detail != string(model.TeardownPanes) {
		t.Fatalf("unexpected teardown journal %+v", teardowns)
	}

	// Idempotent.
	m.Shutdown(context.Background(), model.TeardownPanes)
}

func TestShutdownWorkspaceKillsWholeSession(t *testing.T) {
	fm := newFakeMux()
	m := newTestManager(t, fm, &fakeSource{}, nil, newFakeClock(), nil)

	waitResult(t, m.NotifySession("sess-1", "", ""))
	m.Shutdown(context.Background(), model.TeardownWorkspace)

	if got := fm.killedSessionNames(); len(got) != 1 || got[0] != "herd" {
		t.Fatalf("expected workspace kill, got %v", got)
	}
	if len(fm.killedPaneIDs()) != 0 {
		t.Fatalf("workspace teardown should not kill panes one by one: %v", fm.killedPaneIDs())
	}
}

func TestPollingParksWhenEmptyAndRestartsLazily(t *testing.T) {
	fm := newFakeMux()
	fs := &fakeSource{}
	fs.set(map[string]model.StatusTag{"sess-1": model.StatusActive})
	m := newTestManager(t, fm, fs, nil, newFakeClock(), func(o *Options) {
		o.PollInterval = 20 * time.Millisecond
	})

	waitResult(t, m.NotifySession("sess-1", "", ""))
	eventually(t, func() bool { return fs.callCount() >= 1 }, "polling started")

	fs.set(map[string]model.StatusTag{"sess-1": model.StatusIdle})
	eventually(t, func() bool {
		snap := m.Snapshot()
		return len(snap.Tracked) == 0 && !snap.Polling
	}, "polling parked after last close")

	before := fs.callCount()
	time.Sleep(100 * time.Millisecond)
	if after := fs.callCount(); after != before {
		t.Fatalf("poll loop still running while parked: %d -> %d", before, after)
	}

	fs.set(map[string]model.StatusTag{"sess-2": model.StatusActive})
	waitResult(t, m.NotifySession("sess-2", "", ""))
	eventually(t, func() bool { return fs.callCount() > before }, "polling resumed for new session")
}

func TestPollNowCoalescesBursts(t *testing.T) {
	fm := newFakeMux()
	release := make(chan struct{})
	fs := &fakeSource{block: release}
	fs.set(map[string]model.StatusTag{"sess-1": model.StatusActive})
	m := newTestManager(t, fm, fs, nil, newFakeClock(), nil)

	waitResult(t, m.NotifySession("sess-1", "", ""))

	m.PollNow()
	eventually(t, func() bool { return fs.callCount() == 1 }, "first requested cycle started")

	for i := 0; i < 4; i++ {
		m.PollNow()
	}
	release <- struct{}{}
	eventually(t, func() bool { return fs.callCount() == 2 }, "exactly one queued cycle followed")
	release <- struct{}{}

	time.Sleep(50 * time.Millisecond)
	if got := fs.callCount(); got != 2 {
		t.Fatalf("burst was not coalesced: %d cycles", got)
	}
	fs.unblock()
}
