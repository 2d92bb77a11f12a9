package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UpsertUser creates or refreshes a web UI account.
func (s *Store) UpsertUser(ctx context.Context, u *User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = nowUTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user (id, username, display_name, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(username) DO UPDATE SET display_name = excluded.display_name`,
		u.ID.String(), u.Username, u.DisplayName, toMillis(u.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting user %s: %w", u.Username, err)
	}
	return nil
}

// CreateSession stores a new login session.
func (s *Store) CreateSession(ctx context.Context, session *Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session (id, user_id, expiry, data) VALUES (?, ?, ?, ?)`,
		session.ID, session.UserID.String(), toMillis(session.Expiry), session.Data,
	)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	return nil
}

// SessionByID returns a session if it exists and hasn't expired.
func (s *Store) SessionByID(ctx context.Context, id string) (*Session, error) {
	var session Session
	var userID string
	var expiry int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, expiry, data FROM session WHERE id = ?`, id,
	).Scan(&session.ID, &userID, &expiry, &session.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	if session.UserID, err = uuid.Parse(userID); err != nil {
		return nil, fmt.Errorf("parsing session user id %q: %w", userID, err)
	}
	session.Expiry = fromMillis(expiry)
	if session.Expiry.Before(nowUTC()) {
		return nil, ErrNotFound
	}
	return &session, nil
}

// DeleteSession removes a session, for logout.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM session WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// CleanExpiredSessions removes sessions past their expiry plus the grace
// window. Returns how many rows were removed.
func (s *Store) CleanExpiredSessions(ctx context.Context, grace time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM session WHERE expiry < ?`,
		toMillis(nowUTC().Add(-grace)),
	)
	if err != nil {
		return 0, fmt.Errorf("cleaning sessions: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return deleted, nil
}
