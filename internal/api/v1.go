// Package api defines the JSON shapes served over the daemon socket.
// Every response carries schema_version "v1" and a generation
// timestamp; errors use a single {error:{code,message}} envelope.
package api

import "time"

const SchemaVersion = "v1"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type TrackedSessionItem struct {
	SessionID    string  `json:"session_id"`
	PaneID       string  `json:"pane_id"`
	ParentID     string  `json:"parent_id,omitempty"`
	Label        string  `json:"label,omitempty"`
	State        string  `json:"state"`
	CreatedAt    string  `json:"created_at"`
	LastSeenAt   string  `json:"last_seen_at"`
	MissingSince *string `json:"missing_since,omitempty"`
}

type StatusEnvelope struct {
	SchemaVersion  string               `json:"schema_version"`
	GeneratedAt    time.Time            `json:"generated_at"`
	Workspace      string               `json:"workspace"`
	ServerURL      string               `json:"server_url"`
	UptimeSeconds  int64                `json:"uptime_seconds"`
	Polling        bool                 `json:"polling"`
	PendingSpawns  int                  `json:"pending_spawns"`
	ReapCandidates int                  `json:"reap_candidates"`
	Sessions       []TrackedSessionItem `json:"sessions"`
}

type NotifyRequest struct {
	SessionID string `json:"session_id"`
	ParentID  string `json:"parent_id,omitempty"`
	Label     string `json:"label,omitempty"`
}

type NotifyResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	SessionID     string    `json:"session_id"`
	PaneID        string    `json:"pane_id"`
	ResultCode    string    `json:"result_code"`
}

type SweepRequest struct {
	PortStart int `json:"port_start"`
	PortEnd   int `json:"port_end"`
}

type SweepPortItem struct {
	Port     int    `json:"port"`
	Outcome  string `json:"outcome"`
	PIDs     []int  `json:"pids"`
	Sessions int    `json:"sessions,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

type SweepEnvelope struct {
	SchemaVersion string          `json:"schema_version"`
	GeneratedAt   time.Time       `json:"generated_at"`
	PortStart     int             `json:"port_start"`
	PortEnd       int             `json:"port_end"`
	Scanned       int             `json:"scanned"`
	Entries       []SweepPortItem `json:"entries"`
}

type ActionItem struct {
	ActionID   string `json:"action_id"`
	ActionType string `json:"action_type"`
	Subject    string `json:"subject"`
	Detail     string `json:"detail,omitempty"`
	ResultCode string `json:"result_code"`
	ErrorCode  string `json:"error_code,omitempty"`
	CreatedAt  string `json:"created_at"`
}

type ActionsEnvelope struct {
	SchemaVersion string       `json:"schema_version"`
	GeneratedAt   time.Time    `json:"generated_at"`
	Actions       []ActionItem `json:"actions"`
}
