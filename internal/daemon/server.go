// Package daemon hosts the muxherdd control API on a unix domain
// socket. The API is a thin window onto the lifecycle manager and the
// reaper; it never mutates tracking state itself.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/muxherd/muxherd/internal/api"
	"github.com/muxherd/muxherd/internal/config"
	"github.com/muxherd/muxherd/internal/lifecycle"
	"github.com/muxherd/muxherd/internal/model"
	"github.com/muxherd/muxherd/internal/queue"
	"github.com/muxherd/muxherd/internal/reaper"
)

const defaultActionsLimit = 50

// Herder is the lifecycle surface the control API needs.
type Herder interface {
	NotifySession(sessionID, label, parentID string) *queue.Pending
	Snapshot() lifecycle.Snapshot
}

// Sweeper runs one-shot port sweeps and reports reap candidates.
type Sweeper interface {
	Sweep(ctx context.Context, opts reaper.SweepOptions) (reaper.SweepReport, error)
	CandidateCount() int
}

// History reads back journal rows.
type History interface {
	ListRecent(ctx context.Context, limit int) ([]model.Action, error)
}

type Server struct {
	cfg     config.Config
	herder  Herder
	sweeper Sweeper
	history History
	version string

	startedAt time.Time
	httpSrv   *http.Server
	listener  net.Listener
	lock      *flock.Flock

	mu          sync.Mutex
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, herder Herder, sweeper Sweeper, history History, version string) *Server {
	mux := http.NewServeMux()
	s := &Server{
		cfg:       cfg,
		herder:    herder,
		sweeper:   sweeper,
		history:   history,
		version:   version,
		startedAt: time.Now(),
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/status", s.statusHandler)
	mux.HandleFunc("/v1/notify", s.notifyHandler)
	mux.HandleFunc("/v1/sweep", s.sweepHandler)
	mux.HandleFunc("/v1/actions", s.actionsHandler)
	return s
}

// Start binds the unix socket and serves until ctx is cancelled or the
// listener fails. A lock file guards against a second daemon racing us
// for the socket; a stale socket left by a crashed instance is removed
// once the lock is held.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close()      //nolint:errcheck
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	resp := api.HealthResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
		PID:           os.Getpid(),
		Version:       s.version,
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	snap := s.herder.Snapshot()
	resp := api.StatusEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Workspace:     s.cfg.WorkspaceSession,
		ServerURL:     s.cfg.ServerURL,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Polling:       snap.Polling,
		PendingSpawns: snap.Pending,
		Sessions:      make([]api.TrackedSessionItem, 0, len(snap.Tracked)),
	}
	if s.sweeper != nil {
		resp.ReapCandidates = s.sweeper.CandidateCount()
	}
	for _, ts := range snap.Tracked {
		item := api.TrackedSessionItem{
			SessionID:  ts.SessionID,
			PaneID:     ts.PaneID,
			ParentID:   ts.ParentID,
			Label:      ts.Label,
			State:      string(model.SessionActive),
			CreatedAt:  ts.CreatedAt.UTC().Format(time.RFC3339),
			LastSeenAt: ts.LastSeenAt.UTC().Format(time.RFC3339),
		}
		if ts.MissingSince != nil {
			item.State = string(model.SessionMissing)
			v := ts.MissingSince.UTC().Format(time.RFC3339)
			item.MissingSince = &v
		}
		resp.Sessions = append(resp.Sessions, item)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// notifyHandler runs the session-started path: enqueue a spawn and hold
// the request open until the queue resolves it. Duplicate notifies for
// a session already pending share the in-flight outcome.
func (s *Server) notifyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.NotifyRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid request body")
		return
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeBadRequest, "session_id is required")
		return
	}
	pending := s.herder.NotifySession(req.SessionID, strings.TrimSpace(req.Label), strings.TrimSpace(req.ParentID))
	res := pending.Wait(r.Context())
	if res.Err != nil {
		code := model.CodeForError(res.Err)
		s.writeError(w, statusForCode(code), code, res.Err.Error())
		return
	}
	resp := api.NotifyResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		SessionID:     req.SessionID,
		PaneID:        res.PaneID,
		ResultCode:    model.ResultOK,
	}
	s.writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) sweepHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.SweepRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid request body")
		return
	}
	if req.PortStart < 1 || req.PortEnd > 65535 || req.PortStart > req.PortEnd {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeBadRequest, "port range must satisfy 1 <= port_start <= port_end <= 65535")
		return
	}
	report, err := s.sweeper.Sweep(r.Context(), reaper.SweepOptions{PortStart: req.PortStart, PortEnd: req.PortEnd})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, err.Error())
		return
	}
	resp := api.SweepEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		PortStart:     report.PortStart,
		PortEnd:       report.PortEnd,
		Scanned:       report.Scanned,
		Entries:       make([]api.SweepPortItem, 0, len(report.Entries)),
	}
	for _, e := range report.Entries {
		resp.Entries = append(resp.Entries, api.SweepPortItem{
			Port:     e.Port,
			Outcome:  string(e.Outcome),
			PIDs:     e.PIDs,
			Sessions: e.Sessions,
			Detail:   e.Detail,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) actionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	limit := defaultActionsLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.writeError(w, http.StatusBadRequest, model.ErrCodeBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	if s.history == nil {
		s.writeError(w, http.StatusServiceUnavailable, model.ErrCodeInternal, "journal is unavailable")
		return
	}
	actions, err := s.history.ListRecent(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, err.Error())
		return
	}
	resp := api.ActionsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Actions:       make([]api.ActionItem, 0, len(actions)),
	}
	for _, a := range actions {
		resp.Actions = append(resp.Actions, api.ActionItem{
			ActionID:   a.ActionID,
			ActionType: string(a.Type),
			Subject:    a.Subject,
			Detail:     a.Detail,
			ResultCode: a.ResultCode,
			ErrorCode:  a.ErrorCode,
			CreatedAt:  a.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// statusForCode maps journal/API error codes onto HTTP statuses.
func statusForCode(code string) int {
	switch code {
	case model.ErrCodeBadRequest:
		return http.StatusBadRequest
	case model.ErrCodeQueueClosed, model.ErrCodeStaleRequest:
		return http.StatusServiceUnavailable
	case model.ErrCodeSpawnFailed, model.ErrCodeUnreachable, model.ErrCodeAmbiguous:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	resp := api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrCodeBadRequest, "method not allowed")
}

// acquireLock takes the singleton flock and stamps the holder's PID
// into the lock file. Liveness is the flock itself; the PID is there
// for humans and the doctor, so it is never trusted on its own.
func (s *Server) acquireLock() error {
	lockPath := s.cfg.LockPath
	if lockPath == "" {
		lockPath = s.cfg.SocketPath + ".lock"
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("daemon already running (lock held: %s)", lockPath)
	}
	if err := os.WriteFile(lockPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		lock.Unlock() //nolint:errcheck
		return fmt.Errorf("write pid to lock file: %w", err)
	}
	s.mu.Lock()
	s.lock = lock
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	lock := s.lock
	s.lock = nil
	s.mu.Unlock()
	if lock == nil {
		return nil
	}
	return lock.Unlock()
}
