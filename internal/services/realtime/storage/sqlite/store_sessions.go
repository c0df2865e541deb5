package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ralph0830/trpg/internal/services/realtime/storage"
)

const sessionColumns = `id, name, status, max_players, current_players, story_summary, ai_context,
	started_at, ended_at, created_at, updated_at`

// CreateSession inserts a session, filling ID, defaults and timestamps.
func (s *Store) CreateSession(ctx context.Context, session storage.Session) (storage.Session, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Session{}, err
	}
	session.Name = strings.TrimSpace(session.Name)
	if session.Name == "" {
		return storage.Session{}, fmt.Errorf("session name is required")
	}
	if session.ID == "" {
		newID, err := s.newID()
		if err != nil {
			return storage.Session{}, fmt.Errorf("create session: %w", err)
		}
		session.ID = newID
	}
	if session.Status == "" {
		session.Status = storage.SessionWaiting
	}
	if session.MaxPlayers <= 0 {
		session.MaxPlayers = storage.DefaultMaxPlayers
	}
	if session.StorySummary == "" {
		session.StorySummary = storage.DefaultStorySummary
	}
	now := s.now().UTC()
	session.CreatedAt = now
	session.UpdatedAt = now

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID,
		session.Name,
		string(session.Status),
		session.MaxPlayers,
		session.CurrentPlayers,
		session.StorySummary,
		session.AIContext,
		toNullMillis(session.StartedAt),
		toNullMillis(session.EndedAt),
		toMillis(session.CreatedAt),
		toMillis(session.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.Session{}, fmt.Errorf("create session %s: %w", session.ID, storage.ErrDuplicate)
		}
		return storage.Session{}, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

// FindSession returns one session by ID.
func (s *Store) FindSession(ctx context.Context, id string) (storage.Session, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Session{}, err
	}
	id, err := requireID("session", id)
	if err != nil {
		return storage.Session{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Session{}, storage.ErrNotFound
		}
		return storage.Session{}, fmt.Errorf("find session: %w", err)
	}
	return session, nil
}

// ListSessions returns every session, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]storage.Session, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []storage.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// UpdateSessionStatus applies the non-zero fields of update.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, update storage.SessionStatusUpdate) (storage.Session, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Session{}, err
	}
	id, err := requireID("session", id)
	if err != nil {
		return storage.Session{}, err
	}
	if update.CurrentPlayers != nil && *update.CurrentPlayers < 0 {
		return storage.Session{}, fmt.Errorf("current players must not be negative")
	}

	var status sql.NullString
	if update.Status != "" {
		status = sql.NullString{String: string(update.Status), Valid: true}
	}
	var players sql.NullInt64
	if update.CurrentPlayers != nil {
		players = sql.NullInt64{Int64: int64(*update.CurrentPlayers), Valid: true}
	}

	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE sessions SET
		   status = COALESCE(?, status),
		   current_players = COALESCE(?, current_players),
		   started_at = COALESCE(?, started_at),
		   ended_at = COALESCE(?, ended_at),
		   updated_at = ?
		 WHERE id = ?`,
		status,
		players,
		toNullMillis(update.StartedAt),
		toNullMillis(update.EndedAt),
		toMillis(s.now()),
		id,
	)
	if err != nil {
		return storage.Session{}, fmt.Errorf("update session status: %w", err)
	}
	if err := rowsAffectedOrNotFound(result); err != nil {
		return storage.Session{}, err
	}
	return s.FindSession(ctx, id)
}

// UpdateSessionContext replaces the narrator context and story summary.
func (s *Store) UpdateSessionContext(ctx context.Context, id string, aiContext string, storySummary string) (storage.Session, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Session{}, err
	}
	id, err := requireID("session", id)
	if err != nil {
		return storage.Session{}, err
	}
	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE sessions SET ai_context = ?, story_summary = ?, updated_at = ? WHERE id = ?`,
		aiContext, storySummary, toMillis(s.now()), id,
	)
	if err != nil {
		return storage.Session{}, fmt.Errorf("update session context: %w", err)
	}
	if err := rowsAffectedOrNotFound(result); err != nil {
		return storage.Session{}, err
	}
	return s.FindSession(ctx, id)
}

// DeleteSession removes a session with its characters and events.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	id, err := requireID("session", id)
	if err != nil {
		return err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM game_events WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete session events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM characters WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete session characters: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if err := rowsAffectedOrNotFound(result); err != nil {
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (storage.Session, error) {
	var (
		session   storage.Session
		status    string
		startedAt sql.NullInt64
		endedAt   sql.NullInt64
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(
		&session.ID,
		&session.Name,
		&status,
		&session.MaxPlayers,
		&session.CurrentPlayers,
		&session.StorySummary,
		&session.AIContext,
		&startedAt,
		&endedAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return storage.Session{}, err
	}
	session.Status = storage.SessionStatus(status)
	session.StartedAt = fromNullMillis(startedAt)
	session.EndedAt = fromNullMillis(endedAt)
	session.CreatedAt = fromMillis(createdAt)
	session.UpdatedAt = fromMillis(updatedAt)
	return session, nil
}
