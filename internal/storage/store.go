package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"spotwatch/internal/confirm"
	"spotwatch/internal/gps"
	"spotwatch/internal/notify"
)

type Store struct {
	db *sql.DB
}

// QueuedNotification is an outbox row awaiting delivery.
type QueuedNotification struct {
	notify.Notification
	Attempts int
}

type PromptRecord struct {
	ID         string
	SessionID  string
	Position   gps.Position
	IssuedAt   time.Time
	Deadline   time.Time
	Outcome    confirm.Outcome
	ResolvedAt time.Time
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}
	// SQLite serialises writers; one connection also keeps ":memory:"
	// databases from splitting across the pool.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("verify sqlite connection to %q: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS notifications (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	lat REAL NOT NULL,
	lon REAL NOT NULL,
	created_at INTEGER NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	delivered_at INTEGER,
	failed_at INTEGER
);
CREATE INDEX IF NOT EXISTS notifications_pending
	ON notifications (next_attempt_at)
	WHERE delivered_at IS NULL AND failed_at IS NULL;
CREATE TABLE IF NOT EXISTS prompts (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	lat REAL NOT NULL,
	lon REAL NOT NULL,
	issued_at INTEGER NOT NULL,
	deadline INTEGER NOT NULL,
	outcome TEXT NOT NULL DEFAULT '',
	resolved_at INTEGER
);
CREATE INDEX IF NOT EXISTS prompts_session ON prompts (session_id, issued_at);
`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) EnqueueNotification(ctx context.Context, n notify.Notification) (int64, error) {
	if n.Kind == "" {
		return 0, errors.New("notification kind required")
	}
	if n.SessionID == "" {
		return 0, errors.New("notification session required")
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO notifications (session_id, kind, lat, lon, created_at, next_attempt_at)
VALUES (?, ?, ?, ?, ?, ?)
`, n.SessionID, string(n.Kind), n.Payload.Latitude, n.Payload.Longitude, n.CreatedAt.UnixMilli(), n.CreatedAt.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// NextNotification returns the oldest undelivered notification due at now.
// It returns sql.ErrNoRows when nothing is due.
func (s *Store) NextNotification(ctx context.Context, now time.Time) (QueuedNotification, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, session_id, kind, lat, lon, created_at, attempts
FROM notifications
WHERE delivered_at IS NULL AND failed_at IS NULL AND next_attempt_at <= ?
ORDER BY next_attempt_at, id
LIMIT 1
`, now.UnixMilli())
	var q QueuedNotification
	var kind string
	var createdAt int64
	if err := row.Scan(&q.ID, &q.SessionID, &kind, &q.Payload.Latitude, &q.Payload.Longitude, &createdAt, &q.Attempts); err != nil {
		return QueuedNotification{}, err
	}
	q.Kind = notify.Kind(kind)
	q.CreatedAt = time.UnixMilli(createdAt)
	return q, nil
}

func (s *Store) MarkDelivered(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE notifications
SET delivered_at = ?, attempts = attempts + 1, last_error = ''
WHERE id = ?
`, time.Now().UnixMilli(), id)
	return err
}

func (s *Store) MarkRetry(ctx context.Context, id int64, lastErr string, nextAttempt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE notifications
SET attempts = attempts + 1, last_error = ?, next_attempt_at = ?
WHERE id = ?
`, lastErr, nextAttempt.UnixMilli(), id)
	return err
}

func (s *Store) MarkFailed(ctx context.Context, id int64, lastErr string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE notifications
SET attempts = attempts + 1, last_error = ?, failed_at = ?
WHERE id = ?
`, lastErr, time.Now().UnixMilli(), id)
	return err
}

// CountPendingNotifications counts notifications neither delivered nor failed.
func (s *Store) CountPendingNotifications(ctx context.Context) (int, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM notifications
WHERE delivered_at IS NULL AND failed_at IS NULL
`)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) NotificationStatus(ctx context.Context, id int64) (attempts int, lastErr string, delivered, failed bool, err error) {
	row := s.db.QueryRowContext(ctx, `
SELECT attempts, last_error, delivered_at IS NOT NULL, failed_at IS NOT NULL
FROM notifications
WHERE id = ?
`, id)
	err = row.Scan(&attempts, &lastErr, &delivered, &failed)
	return attempts, lastErr, delivered, failed, err
}

func (s *Store) RecordPrompt(ctx context.Context, p confirm.Prompt) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO prompts (id, session_id, lat, lon, issued_at, deadline)
VALUES (?, ?, ?, ?, ?, ?)
`, p.ID, p.SessionID, p.Position.Lat, p.Position.Lon, p.IssuedAt.UnixMilli(), p.Deadline.UnixMilli())
	return err
}

func (s *Store) ResolvePrompt(ctx context.Context, promptID string, outcome confirm.Outcome, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE prompts
SET outcome = ?, resolved_at = ?
WHERE id = ? AND resolved_at IS NULL
`, string(outcome), at.UnixMilli(), promptID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("resolve prompt %s: %w", promptID, sql.ErrNoRows)
	}
	return nil
}

// ListPrompts returns a session's most recent prompts, newest first.
func (s *Store) ListPrompts(ctx context.Context, sessionID string, limit int) ([]PromptRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, lat, lon, issued_at, deadline, outcome, resolved_at
FROM prompts
WHERE session_id = ?
ORDER BY issued_at DESC, id
LIMIT ?
`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []PromptRecord
	for rows.Next() {
		var r PromptRecord
		var issuedAt, deadline int64
		var outcome string
		var resolvedAt sql.NullInt64
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Position.Lat, &r.Position.Lon, &issuedAt, &deadline, &outcome, &resolvedAt); err != nil {
			return nil, err
		}
		r.IssuedAt = time.UnixMilli(issuedAt)
		r.Deadline = time.UnixMilli(deadline)
		r.Outcome = confirm.Outcome(outcome)
		if resolvedAt.Valid {
			r.ResolvedAt = time.UnixMilli(resolvedAt.Int64)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
