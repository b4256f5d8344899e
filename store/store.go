// Package store is the sqlite persistence layer: users keyed by badge tag,
// sessions from login to logout, and the scans recorded against them. A
// partial unique index keeps the core invariant — at most one open session
// per user — true even if the process dies mid-operation.
package store

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

	"gointake/kiosk"
	"gointake/session"
)

var (
	// ErrNotFound is returned for lookups of missing rows.
	ErrNotFound = errors.New("not found")
	// ErrSessionClosed is returned when ending a session twice.
	ErrSessionClosed = errors.New("session already ended")
)

// Store wraps the sqlite handle. It implements kiosk.Store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the sqlite database at path and applies
// pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := ApplyMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// GetUserByTag looks a user up by badge tag. found is false for unknown
// tags; err only reports real database trouble.
func (s *Store) GetUserByTag(ctx context.Context, tag string) (kiosk.User, bool, error) {
	var u kiosk.User
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, display_name, badge_tag FROM users WHERE badge_tag = ?`, tag).
		Scan(&u.ID, &u.DisplayName, &u.BadgeTag)
	if errors.Is(err, sql.ErrNoRows) {
		return kiosk.User{}, false, nil
	}
	if err != nil {
		return kiosk.User{}, false, fmt.Errorf("get user by tag: %w", err)
	}
	return u, true, nil
}

// CreateUser inserts a user for a badge tag.
func (s *Store) CreateUser(ctx context.Context, displayName, badgeTag string) (kiosk.User, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users(display_name, badge_tag, created_at) VALUES (?, ?, ?)`,
		displayName, badgeTag, ts(time.Now()))
	if err != nil {
		return kiosk.User{}, fmt.Errorf("create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return kiosk.User{}, fmt.Errorf("create user id: %w", err)
	}
	return kiosk.User{ID: id, DisplayName: displayName, BadgeTag: badgeTag}, nil
}

// CreateSession opens a session for userID. Any session left open for the
// user (a crashed kiosk, a missed logout) is closed first so the
// one-active-session index cannot reject the login.
func (s *Store) CreateSession(ctx context.Context, userID int64) (session.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return session.Session{}, fmt.Errorf("begin create session: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ? WHERE user_id = ? AND ended_at IS NULL`,
		ts(now), userID); err != nil {
		return session.Session{}, fmt.Errorf("close stale sessions: %w", err)
	}

	sess := session.Session{ID: uuid.NewString(), UserID: userID, StartedAt: now}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions(session_id, user_id, started_at) VALUES (?, ?, ?)`,
		sess.ID, userID, ts(now)); err != nil {
		return session.Session{}, fmt.Errorf("create session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return session.Session{}, fmt.Errorf("commit create session: %w", err)
	}
	return sess, nil
}

// EndSession closes an open session. Ending an unknown session returns
// ErrNotFound, an already-closed one ErrSessionClosed.
func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ? WHERE session_id = ? AND ended_at IS NULL`,
		ts(time.Now().UTC()), sessionID)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("end session rows: %w", err)
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sessions WHERE session_id = ?`, sessionID).Scan(&exists); err != nil {
			return fmt.Errorf("end session check: %w", err)
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrSessionClosed
	}
	return nil
}

// RecordScan stores one accepted payload against a session.
func (s *Store) RecordScan(ctx context.Context, sessionID, payload string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO scans(session_id, payload, captured_at) VALUES (?, ?, ?)`,
		sessionID, payload, ts(time.Now().UTC())); err != nil {
		return fmt.Errorf("record scan: %w", err)
	}
	return nil
}

// CountScans returns how many scans a session has recorded.
func (s *Store) CountScans(ctx context.Context, sessionID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scans WHERE session_id = ?`, sessionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count scans: %w", err)
	}
	return n, nil
}

// ActiveRecord pairs an open session with its user, for restart recovery.
type ActiveRecord struct {
	User    kiosk.User
	Session session.Session
}

// ActiveSessions returns every session without an end timestamp, oldest
// first, so the router can be re-seeded in original login order.
func (s *Store) ActiveSessions(ctx context.Context) ([]ActiveRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT s.session_id, s.started_at, u.user_id, u.display_name, u.badge_tag
FROM sessions s
JOIN users u ON u.user_id = s.user_id
WHERE s.ended_at IS NULL
ORDER BY s.started_at, s.session_id`)
	if err != nil {
		return nil, fmt.Errorf("active sessions: %w", err)
	}
	defer rows.Close()

	var out []ActiveRecord
	for rows.Next() {
		var rec ActiveRecord
		var started string
		if err := rows.Scan(&rec.Session.ID, &started, &rec.User.ID, &rec.User.DisplayName, &rec.User.BadgeTag); err != nil {
			return nil, fmt.Errorf("scan active session: %w", err)
		}
		rec.Session.UserID = rec.User.ID
		if t, err := time.Parse(time.RFC3339Nano, started); err == nil {
			rec.Session.StartedAt = t
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("active sessions rows: %w", err)
	}
	return out, nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
