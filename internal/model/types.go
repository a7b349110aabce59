package model

import (
	"errors"
	"time"
)

// SessionState is the lifecycle state of a tracked session.
type SessionState string

const (
	SessionAbsent  SessionState = "absent"
	SessionActive  SessionState = "active"
	SessionMissing SessionState = "missing"
	SessionClosed  SessionState = "closed"
)

// StatusTag is the per-session status reported by the controller's
// liveness endpoint. Tags other than the ones below are passed through
// untouched; only "idle" carries lifecycle meaning.
type StatusTag string

const (
	StatusActive  StatusTag = "active"
	StatusIdle    StatusTag = "idle"
	StatusWaiting StatusTag = "waiting"
)

// IsIdle reports whether the tag forces session closure.
func (t StatusTag) IsIdle() bool { return t == StatusIdle }

// TeardownMode selects how much of the workspace a shutdown removes.
type TeardownMode string

const (
	// TeardownPanes kills only panes this instance created. Routine
	// restarts (SIGTERM etc.) use this so the user's workspace survives.
	TeardownPanes TeardownMode = "panes"
	// TeardownWorkspace kills the surrounding tmux session as well.
	// Reserved for an interactive interrupt.
	TeardownWorkspace TeardownMode = "workspace"
)

// CloseReason records why a tracked session was closed.
type CloseReason string

const (
	CloseIdle        CloseReason = "idle"
	CloseMissing     CloseReason = "missing_past_grace"
	CloseTimeout     CloseReason = "session_timeout"
	CloseUnreachable CloseReason = "server_unreachable"
	CloseShutdown    CloseReason = "shutdown"
)

// TrackedSession is the in-memory record for one mirrored session.
// Owned exclusively by the lifecycle manager; PaneID is a weak
// reference, tmux owns the pane itself.
type TrackedSession struct {
	SessionID    string
	PaneID       string
	ParentID     string
	Label        string
	CreatedAt    time.Time
	LastSeenAt   time.Time
	MissingSince *time.Time
}

// Attachment is the structured affinity claim parsed from an attach
// process's command line: which session it serves and which controller
// it believes owns that session.
type Attachment struct {
	PID       int
	SessionID string
	ServerURL string
}

type ActionType string

const (
	ActionSpawn        ActionType = "spawn"
	ActionClose        ActionType = "close"
	ActionTeardown     ActionType = "teardown"
	ActionReap         ActionType = "reap"
	ActionSweep        ActionType = "sweep"
	ActionSelfDestruct ActionType = "self_destruct"
)

// Action is one journal row. The journal is an audit trail only; no
// tracking state is ever rebuilt from it.
type Action struct {
	ActionID   string
	Type       ActionType
	Subject    string
	Detail     string
	ResultCode string
	ErrorCode  string
	CreatedAt  time.Time
}

const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)

// Error codes defined by the API and journal contract.
const (
	ErrCodeQueueClosed  = "E_QUEUE_CLOSED"
	ErrCodeStaleRequest = "E_STALE_REQUEST"
	ErrCodeSpawnFailed  = "E_SPAWN_FAILED"
	ErrCodeAmbiguous    = "E_AMBIGUOUS_RESPONSE"
	ErrCodeUnreachable  = "E_UNREACHABLE"
	ErrCodeKillFailed   = "E_KILL_FAILED"
	ErrCodeBadRequest   = "E_BAD_REQUEST"
	ErrCodeInternal     = "E_INTERNAL"
)

var (
	// ErrQueueClosed resolves submissions made after Shutdown and the
	// queued items Shutdown drains.
	ErrQueueClosed = errors.New("spawn queue closed")
	// ErrStaleRequest resolves items that waited past the staleness
	// threshold without starting.
	ErrStaleRequest = errors.New("spawn request stale")
	// ErrAmbiguousResponse marks a liveness payload that no parsing
	// strategy accepted. Callers must abort, never treat it as an
	// empty session set.
	ErrAmbiguousResponse = errors.New("ambiguous liveness response")
	// ErrNoAffinity means a command line carries no session/server
	// claim at all; the process is not ours to judge.
	ErrNoAffinity = errors.New("no affinity claim in command line")
	// ErrBadAffinity means an affinity flag is present but malformed.
	ErrBadAffinity = errors.New("malformed affinity claim")
)

// CodeForError maps sentinel errors onto wire/journal codes.
func CodeForError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrQueueClosed):
		return ErrCodeQueueClosed
	case errors.Is(err, ErrStaleRequest):
		return ErrCodeStaleRequest
	case errors.Is(err, ErrAmbiguousResponse):
		return ErrCodeAmbiguous
	default:
		return ErrCodeSpawnFailed
	}
}
