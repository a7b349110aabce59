// Package lifecycle mirrors controller sessions into tmux panes. The
// manager owns the spawn queue, polls the controller's liveness
// endpoint, closes panes whose sessions went idle or vanished, and
// keeps the window layout in step with the pane population.
package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/muxherd/muxherd/internal/layout"
	"github.com/muxherd/muxherd/internal/model"
	"github.com/muxherd/muxherd/internal/mux"
	"github.com/muxherd/muxherd/internal/queue"
)

// Mux is the slice of the tmux client the manager drives.
type Mux interface {
	SpawnPane(ctx context.Context, opts mux.SpawnOptions) (string, error)
	KillPane(ctx context.Context, paneID string) error
	KillSession(ctx context.Context, session string) error
	ApplyLayout(ctx context.Context, window, layout string) error
	Panes(ctx context.Context, window string) ([]mux.Pane, error)
	WindowSize(ctx context.Context, window string) (int, int, error)
}

// Source answers which sessions the controller still considers alive.
type Source interface {
	Sessions(ctx context.Context) (map[string]model.StatusTag, error)
	Healthy(ctx context.Context) error
}

// Recorder appends audit rows. A nil recorder disables journaling.
type Recorder interface {
	Record(ctx context.Context, action model.Action) error
}

type Options struct {
	Workspace       string
	AgentCommand    string
	ServerURL       string
	LayoutName      string
	MainPanePercent int
	MaxPerColumn    int
	AutoClose       bool
	PollInterval    time.Duration
	MissingGrace    time.Duration
	SessionTimeout  time.Duration
	LayoutDebounce  time.Duration
	Queue           queue.Options
	Logf            func(format string, args ...any)
	Now             func() time.Time
}

type Manager struct {
	mux  Mux
	src  Source
	rec  Recorder
	opts Options

	queue *queue.Queue

	mu            sync.Mutex
	tracked       map[string]*model.TrackedSession
	spawnParents  map[string]string
	polling       bool
	stopped       bool
	relayoutTimer *time.Timer

	pollNow chan struct{}
	stopCh  chan struct{}
	loopWG  sync.WaitGroup
}

func New(m Mux, src Source, rec Recorder, opts Options) *Manager {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.MissingGrace <= 0 {
		opts.MissingGrace = 30 * time.Second
	}
	if opts.LayoutDebounce <= 0 {
		opts.LayoutDebounce = 500 * time.Millisecond
	}
	if opts.MaxPerColumn <= 0 {
		opts.MaxPerColumn = 3
	}
	if opts.AgentCommand == "" {
		opts.AgentCommand = "muxherd-attach"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Queue.Logf == nil {
		opts.Queue.Logf = opts.Logf
	}
	mgr := &Manager{
		mux:          m,
		src:          src,
		rec:          rec,
		opts:         opts,
		tracked:      make(map[string]*model.TrackedSession),
		spawnParents: make(map[string]string),
		pollNow:      make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}
	mgr.queue = queue.New(mgr.spawnWork, opts.Queue)
	return mgr
}

// NotifySession asks for a pane mirroring the controller session. The
// returned handle resolves once the spawn queue has run the request;
// duplicate notifies while one is pending share a single handle.
// parentID names the session that spawned this one, empty for roots;
// it is remembered until the spawn lands and then stored on the
// tracked record.
func (m *Manager) NotifySession(sessionID, label, parentID string) *queue.Pending {
	if parentID != "" {
		m.mu.Lock()
		m.spawnParents[sessionID] = parentID
		m.mu.Unlock()
	}
	return m.queue.Submit(sessionID, label)
}

// PendingCount reports queued plus in-flight spawn requests.
func (m *Manager) PendingCount() int {
	return m.queue.PendingCount()
}

// AdoptPanes reconciles panes tagged by a previous run into tracking so
// a daemon restart does not orphan them. Pane tags, not the journal,
// are the source of truth here.
func (m *Manager) AdoptPanes(ctx context.Context) (int, error) {
	panes, err := m.mux.Panes(ctx, m.opts.Workspace)
	if err != nil {
		return 0, fmt.Errorf("adopt panes: %w", err)
	}
	now := m.opts.Now()
	adopted := 0
	m.mu.Lock()
	for _, p := range panes {
		if p.SessionID == "" {
			continue
		}
		if _, ok := m.tracked[p.SessionID]; ok {
			continue
		}
		m.tracked[p.SessionID] = &model.TrackedSession{
			SessionID:  p.SessionID,
			PaneID:     p.ID,
			CreatedAt:  now,
			LastSeenAt: now,
		}
		adopted++
	}
	m.ensurePollingLocked()
	m.mu.Unlock()
	if adopted > 0 {
		m.logf("lifecycle: adopted %d tagged panes", adopted)
		m.scheduleRelayout()
	}
	return adopted, nil
}

func (m *Manager) spawnWork(ctx context.Context, req queue.SpawnRequest) (string, error) {
	if paneID, ok := m.reusableLivePane(ctx, req.Key); ok {
		m.adoptParent(req.Key)
		return paneID, nil
	}
	cmd := fmt.Sprintf("%s --session %s --server %s", m.opts.AgentCommand, req.Key, m.opts.ServerURL)
	paneID, err := m.mux.SpawnPane(ctx, mux.SpawnOptions{
		Window:    m.opts.Workspace,
		Command:   cmd,
		SessionID: req.Key,
		Label:     req.Label,
	})
	if err != nil {
		return "", err
	}
	m.sessionStarted(req.Key, paneID, req.Label)
	m.record(ctx, model.Action{
		Type:       model.ActionSpawn,
		Subject:    req.Key,
		Detail:     paneID,
		ResultCode: model.ResultOK,
	})
	return paneID, nil
}

// reusableLivePane reports whether the session already has a pane that
// still exists in the window, so a repeated notify never double-spawns.
func (m *Manager) reusableLivePane(ctx context.Context, sessionID string) (string, bool) {
	m.mu.Lock()
	s, ok := m.tracked[sessionID]
	var paneID string
	if ok {
		paneID = s.PaneID
	}
	m.mu.Unlock()
	if !ok {
		return "", false
	}
	panes, err := m.mux.Panes(ctx, m.opts.Workspace)
	if err != nil {
		// Cannot verify; reuse rather than risk a duplicate pane.
		m.logf("lifecycle: verify pane %s: %v", paneID, err)
		return paneID, true
	}
	for _, p := range panes {
		if p.ID == paneID {
			return paneID, true
		}
	}
	// The pane vanished underneath us. Forget it and respawn.
	m.mu.Lock()
	if cur, ok := m.tracked[sessionID]; ok && cur.PaneID == paneID {
		delete(m.tracked, sessionID)
	}
	m.mu.Unlock()
	return "", false
}

// adoptParent moves a remembered parent id onto an already-tracked
// session. Adopted panes have no parent until a notify supplies one.
func (m *Manager) adoptParent(sessionID string) {
	m.mu.Lock()
	if parentID, ok := m.spawnParents[sessionID]; ok {
		delete(m.spawnParents, sessionID)
		if s, tracked := m.tracked[sessionID]; tracked && s.ParentID == "" {
			s.ParentID = parentID
		}
	}
	m.mu.Unlock()
}

func (m *Manager) sessionStarted(sessionID, paneID, label string) {
	now := m.opts.Now()
	m.mu.Lock()
	parentID := m.spawnParents[sessionID]
	delete(m.spawnParents, sessionID)
	m.tracked[sessionID] = &model.TrackedSession{
		SessionID:  sessionID,
		PaneID:     paneID,
		ParentID:   parentID,
		Label:      label,
		CreatedAt:  now,
		LastSeenAt: now,
	}
	m.ensurePollingLocked()
	m.mu.Unlock()
	m.scheduleRelayout()
}

// PollNow requests an immediate liveness cycle. At most one request is
// held while a cycle runs; extras are dropped rather than queued.
func (m *Manager) PollNow() {
	select {
	case m.pollNow <- struct{}{}:
	default:
	}
}

func (m *Manager) ensurePollingLocked() {
	if m.polling || m.stopped || len(m.tracked) == 0 {
		return
	}
	m.polling = true
	m.loopWG.Add(1)
	go m.pollLoop()
}

// pollLoop runs cycles strictly one after another. The interval timer
// re-arms only after a cycle completes, so a slow controller call never
// overlaps the next one. The loop parks itself once nothing is tracked;
// the next spawn or adoption starts a fresh one.
func (m *Manager) pollLoop() {
	defer m.loopWG.Done()
	timer := time.NewTimer(m.opts.PollInterval)
	defer timer.Stop()
	for {
		select {
		case <-m.stopCh:
			m.mu.Lock()
			m.polling = false
			m.mu.Unlock()
			return
		case <-timer.C:
		case <-m.pollNow:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		tornDown := m.pollCycle(context.Background())
		m.mu.Lock()
		if tornDown || m.stopped || len(m.tracked) == 0 {
			m.polling = false
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		timer.Reset(m.opts.PollInterval)
	}
}

// pollCycle runs one liveness pass and reports whether it tore the
// panes down because the controller is unreachable.
func (m *Manager) pollCycle(ctx context.Context) bool {
	sessions, err := m.src.Sessions(ctx)
	if err != nil {
		m.logf("lifecycle: poll failed: %v", err)
		if herr := m.src.Healthy(ctx); herr != nil {
			m.logf("lifecycle: controller unreachable, tearing down panes: %v", herr)
			m.removeAll(ctx, model.CloseUnreachable)
			return true
		}
		// Transient failure or ambiguous payload: leave every state
		// untouched and try again next cycle.
		return false
	}

	now := m.opts.Now()
	type closure struct {
		sessionID string
		reason    model.CloseReason
	}
	var closures []closure

	m.mu.Lock()
	for id, s := range m.tracked {
		tag, present := sessions[id]
		switch {
		case present && tag.IsIdle() && m.opts.AutoClose:
			closures = append(closures, closure{id, model.CloseIdle})
			continue
		case present:
			s.LastSeenAt = now
			s.MissingSince = nil
		case s.MissingSince == nil:
			t := now
			s.MissingSince = &t
		case now.Sub(*s.MissingSince) >= m.opts.MissingGrace:
			closures = append(closures, closure{id, model.CloseMissing})
			continue
		}
		if m.opts.SessionTimeout > 0 && now.Sub(s.CreatedAt) >= m.opts.SessionTimeout {
			closures = append(closures, closure{id, model.CloseTimeout})
		}
	}
	m.mu.Unlock()

	sort.Slice(closures, func(i, j int) bool { return closures[i].sessionID < closures[j].sessionID })
	for _, c := range closures {
		m.closeSession(ctx, c.sessionID, c.reason)
	}
	return false
}

// closeSession kills the pane and forgets the session. A kill that
// fails for a reason other than the pane being gone leaves the session
// tracked so the next cycle retries.
func (m *Manager) closeSession(ctx context.Context, sessionID string, reason model.CloseReason) {
	m.mu.Lock()
	s, ok := m.tracked[sessionID]
	var paneID string
	if ok {
		paneID = s.PaneID
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := m.mux.KillPane(ctx, paneID); err != nil {
		m.logf("lifecycle: close %s (%s): %v", sessionID, reason, err)
		m.record(ctx, model.Action{
			Type:       model.ActionClose,
			Subject:    sessionID,
			Detail:     string(reason),
			ResultCode: model.ResultFailed,
			ErrorCode:  model.ErrCodeInternal,
		})
		return
	}
	m.mu.Lock()
	delete(m.tracked, sessionID)
	delete(m.spawnParents, sessionID)
	m.mu.Unlock()
	m.logf("lifecycle: closed %s: %s", sessionID, reason)
	m.record(ctx, model.Action{
		Type:       model.ActionClose,
		Subject:    sessionID,
		Detail:     string(reason),
		ResultCode: model.ResultOK,
	})
	m.scheduleRelayout()
}

// removeAll is final: every session is untracked even if its pane kill
// fails. Teardown paths use it; routine closes go through closeSession.
func (m *Manager) removeAll(ctx context.Context, reason model.CloseReason) {
	m.mu.Lock()
	victims := make([]*model.TrackedSession, 0, len(m.tracked))
	for _, s := range m.tracked {
		victims = append(victims, s)
	}
	m.tracked = make(map[string]*model.TrackedSession)
	m.spawnParents = make(map[string]string)
	m.mu.Unlock()

	sort.Slice(victims, func(i, j int) bool { return victims[i].SessionID < victims[j].SessionID })
	for _, s := range victims {
		if err := m.mux.KillPane(ctx, s.PaneID); err != nil {
			m.logf("lifecycle: teardown %s: %v", s.SessionID, err)
		}
		m.record(ctx, model.Action{
			Type:       model.ActionClose,
			Subject:    s.SessionID,
			Detail:     string(reason),
			ResultCode: model.ResultOK,
		})
	}
}

// scheduleRelayout arms the debounce window. Triggers while armed
// coalesce into the single run at the end of the window; the window is
// never extended by later triggers.
func (m *Manager) scheduleRelayout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || m.relayoutTimer != nil {
		return
	}
	m.relayoutTimer = time.AfterFunc(m.opts.LayoutDebounce, func() {
		m.mu.Lock()
		m.relayoutTimer = nil
		stopped := m.stopped
		m.mu.Unlock()
		if stopped {
			return
		}
		if err := m.Relayout(context.Background()); err != nil {
			m.logf("lifecycle: relayout: %v", err)
		}
	})
}

// Relayout recomputes and applies the window layout immediately. The
// main pane is the window's first untagged pane; tagged panes fill the
// satellite columns in pane-index order.
func (m *Manager) Relayout(ctx context.Context) error {
	if m.opts.LayoutName != "" {
		return m.mux.ApplyLayout(ctx, m.opts.Workspace, m.opts.LayoutName)
	}
	width, height, err := m.mux.WindowSize(ctx, m.opts.Workspace)
	if err != nil {
		return err
	}
	panes, err := m.mux.Panes(ctx, m.opts.Workspace)
	if err != nil {
		return err
	}
	mainID := -1
	agentIDs := make([]int, 0, len(panes))
	for _, p := range panes {
		n, err := mux.PaneNumericID(p.ID)
		if err != nil {
			return err
		}
		if p.SessionID == "" {
			if mainID < 0 {
				mainID = n
			}
			continue
		}
		agentIDs = append(agentIDs, n)
	}
	if mainID < 0 {
		// No untagged pane to anchor the layout around.
		return nil
	}
	dist, err := layout.Distribute(len(agentIDs), m.opts.MaxPerColumn)
	if err != nil {
		return err
	}
	pct := m.opts.MainPanePercent
	if pct <= 0 {
		pct = layout.MainPaneShare(dist.NumColumns)
	}
	rendered, err := layout.Render(width, height, pct, dist, mainID, agentIDs)
	if err != nil {
		return err
	}
	return m.mux.ApplyLayout(ctx, m.opts.Workspace, rendered)
}

// Shutdown drains the spawn queue, stops polling and any pending
// relayout, and removes what the mode demands: TeardownPanes kills only
// panes this instance created, TeardownWorkspace kills the surrounding
// tmux session too. Queued spawns fail fast; an in-flight spawn
// finishes and its pane is torn down with the rest.
func (m *Manager) Shutdown(ctx context.Context, mode model.TeardownMode) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	if m.relayoutTimer != nil {
		m.relayoutTimer.Stop()
		m.relayoutTimer = nil
	}
	close(m.stopCh)
	m.mu.Unlock()

	m.queue.Shutdown()
	m.queue.Wait()
	m.loopWG.Wait()

	if mode == model.TeardownWorkspace {
		m.mu.Lock()
		m.tracked = make(map[string]*model.TrackedSession)
		m.mu.Unlock()
		if err := m.mux.KillSession(ctx, m.opts.Workspace); err != nil {
			m.logf("lifecycle: kill workspace %s: %v", m.opts.Workspace, err)
		}
	} else {
		m.removeAll(ctx, model.CloseShutdown)
	}
	m.record(ctx, model.Action{
		Type:       model.ActionTeardown,
		Subject:    m.opts.Workspace,
		Detail:     string(mode),
		ResultCode: model.ResultOK,
	})
}

// Snapshot is a point-in-time copy of manager state for the status API.
type Snapshot struct {
	Tracked []model.TrackedSession
	Pending int
	Polling bool
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	tracked := make([]model.TrackedSession, 0, len(m.tracked))
	for _, s := range m.tracked {
		dup := *s
		if s.MissingSince != nil {
			t := *s.MissingSince
			dup.MissingSince = &t
		}
		tracked = append(tracked, dup)
	}
	polling := m.polling
	m.mu.Unlock()
	sort.Slice(tracked, func(i, j int) bool { return tracked[i].SessionID < tracked[j].SessionID })
	return Snapshot{Tracked: tracked, Pending: m.queue.PendingCount(), Polling: polling}
}

func (m *Manager) record(ctx context.Context, action model.Action) {
	if m.rec == nil {
		return
	}
	if err := m.rec.Record(ctx, action); err != nil {
		m.logf("lifecycle: journal %s %s: %v", action.Type, action.Subject, err)
	}
}

func (m *Manager) logf(format string, args ...any) {
	if m.opts.Logf != nil {
		m.opts.Logf(format, args...)
	}
}
