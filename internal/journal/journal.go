// Package journal persists an append-only audit trail of the actions
// the daemon takes against panes and servers. It is never consulted to
// rebuild runtime state; tmux pane tags remain the source of truth.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/muxherd/muxherd/internal/model"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod journal path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Record inserts one action row. Missing ActionID and CreatedAt are
// filled in so callers can pass sparse values. Detail is scrubbed of
// credential-shaped substrings before it is written.
func (s *Store) Record(ctx context.Context, action model.Action) error {
	if action.ActionID == "" {
		action.ActionID = uuid.NewString()
	}
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now().UTC()
	}
	action.Detail = redactDetail(action.Detail)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO actions(action_id, action_type, subject, detail, result_code, error_code, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, action.ActionID, string(action.Type), action.Subject, nullIfEmpty(action.Detail), action.ResultCode, nullIfEmpty(action.ErrorCode), ts(action.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	return nil
}

func (s *Store) ListRecent(ctx context.Context, limit int) ([]model.Action, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT action_id, action_type, subject, COALESCE(detail, ''), result_code, COALESCE(error_code, ''), created_at
FROM actions
ORDER BY created_at DESC, action_id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent actions: %w", err)
	}
	defer rows.Close()

	out := make([]model.Action, 0, limit)
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter recent actions: %w", err)
	}
	return out, nil
}

func (s *Store) GetAction(ctx context.Context, actionID string) (model.Action, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT action_id, action_type, subject, COALESCE(detail, ''), result_code, COALESCE(error_code, ''), created_at
FROM actions
WHERE action_id = ?
`, actionID)
	return scanAction(row)
}

func (s *Store) CountByType(ctx context.Context) (map[model.ActionType]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT action_type, COUNT(*)
FROM actions
GROUP BY action_type
`)
	if err != nil {
		return nil, fmt.Errorf("count actions by type: %w", err)
	}
	defer rows.Close()

	out := make(map[model.ActionType]int64)
	for rows.Next() {
		var (
			actionType string
			count      int64
		)
		if err := rows.Scan(&actionType, &count); err != nil {
			return nil, fmt.Errorf("scan action count: %w", err)
		}
		out[model.ActionType(actionType)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter action counts: %w", err)
	}
	return out, nil
}

func scanAction(scanner interface{ Scan(dest ...any) error }) (model.Action, error) {
	var (
		out           model.Action
		actionTypeStr string
		createdAt     string
	)
	if err := scanner.Scan(&out.ActionID, &actionTypeStr, &out.Subject, &out.Detail, &out.ResultCode, &out.ErrorCode, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Action{}, ErrNotFound
		}
		return model.Action{}, fmt.Errorf("scan action: %w", err)
	}
	out.Type = model.ActionType(actionTypeStr)
	var err error
	out.CreatedAt, err = parseTS(createdAt)
	if err != nil {
		return model.Action{}, fmt.Errorf("parse action created_at: %w", err)
	}
	return out, nil
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
