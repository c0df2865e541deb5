package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ralph0830/trpg/internal/services/realtime/storage"
)

const eventSelect = `SELECT e.seq, e.id, e.session_id, e.character_id, e.kind, e.data, e.message,
	e.visible_to_all, e.created_at, c.name, c.player_name
	FROM game_events e
	LEFT JOIN characters c ON c.id = e.character_id`

// AppendEvent stores event and returns it with ID, Sequence, CreatedAt and
// the originating character's names filled in.
func (s *Store) AppendEvent(ctx context.Context, event storage.GameEvent) (storage.GameEvent, error) {
	if err := s.ready(ctx); err != nil {
		return storage.GameEvent{}, err
	}
	sessionID, err := requireID("session", event.SessionID)
	if err != nil {
		return storage.GameEvent{}, err
	}
	if _, err := storage.ParseEventKind(string(event.Kind)); err != nil {
		return storage.GameEvent{}, err
	}
	event.SessionID = sessionID
	if event.ID == "" {
		newID, err := s.newID()
		if err != nil {
			return storage.GameEvent{}, fmt.Errorf("append event: %w", err)
		}
		event.ID = newID
	}
	if len(event.Data) == 0 {
		event.Data = json.RawMessage(`{}`)
	} else if !json.Valid(event.Data) {
		return storage.GameEvent{}, fmt.Errorf("event data is not valid json")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now().UTC()
	}

	var characterID sql.NullString
	if strings.TrimSpace(event.CharacterID) != "" {
		characterID = sql.NullString{String: event.CharacterID, Valid: true}
	}

	result, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO game_events (id, session_id, character_id, kind, data, message, visible_to_all, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.SessionID,
		characterID,
		string(event.Kind),
		string(event.Data),
		event.Message,
		boolToInt(event.VisibleToAll),
		toMillis(event.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.GameEvent{}, fmt.Errorf("append event %s: %w", event.ID, storage.ErrDuplicate)
		}
		if strings.Contains(strings.ToLower(err.Error()), "foreign key") {
			return storage.GameEvent{}, storage.ErrNotFound
		}
		return storage.GameEvent{}, fmt.Errorf("append event: %w", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return storage.GameEvent{}, fmt.Errorf("append event: %w", err)
	}
	event.Sequence = seq

	if characterID.Valid {
		var name, player string
		err := s.sqlDB.QueryRowContext(ctx,
			`SELECT name, player_name FROM characters WHERE id = ?`, characterID.String,
		).Scan(&name, &player)
		if err == nil {
			event.CharacterName, event.PlayerName = name, player
		}
	}
	return event, nil
}

// ListEvents returns the newest limit events of a session in chronological
// order. A non-positive limit returns every event.
func (s *Store) ListEvents(ctx context.Context, sessionID string, limit int) ([]storage.GameEvent, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	sessionID, err := requireID("session", sessionID)
	if err != nil {
		return nil, err
	}
	return s.queryEvents(ctx,
		eventSelect+` WHERE e.session_id = ? ORDER BY e.seq DESC LIMIT ?`,
		sessionID, sqlLimit(limit),
	)
}

// ListEventsByKind is ListEvents restricted to one kind.
func (s *Store) ListEventsByKind(ctx context.Context, sessionID string, kind storage.EventKind, limit int) ([]storage.GameEvent, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	sessionID, err := requireID("session", sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := storage.ParseEventKind(string(kind)); err != nil {
		return nil, err
	}
	return s.queryEvents(ctx,
		eventSelect+` WHERE e.session_id = ? AND e.kind = ? ORDER BY e.seq DESC LIMIT ?`,
		sessionID, string(kind), sqlLimit(limit),
	)
}

// DeleteEventsOlderThan removes events created before cutoff and returns how
// many were deleted.
func (s *Store) DeleteEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	result, err := s.sqlDB.ExecContext(ctx, `DELETE FROM game_events WHERE created_at < ?`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete old events: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete old events: %w", err)
	}
	return n, nil
}

// queryEvents expects newest-first rows and returns them oldest-first.
func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]storage.GameEvent, error) {
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []storage.GameEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	slices.Reverse(events)
	return events, nil
}

func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func scanEvent(row rowScanner) (storage.GameEvent, error) {
	var (
		event         storage.GameEvent
		characterID   sql.NullString
		kind          string
		data          string
		visibleToAll  int
		createdAt     int64
		characterName sql.NullString
		playerName    sql.NullString
	)
	if err := row.Scan(
		&event.Sequence,
		&event.ID,
		&event.SessionID,
		&characterID,
		&kind,
		&data,
		&event.Message,
		&visibleToAll,
		&createdAt,
		&characterName,
		&playerName,
	); err != nil {
		return storage.GameEvent{}, err
	}
	event.CharacterID = characterID.String
	event.Kind = storage.EventKind(kind)
	event.Data = json.RawMessage(data)
	event.VisibleToAll = visibleToAll != 0
	event.CreatedAt = fromMillis(createdAt)
	event.CharacterName = characterName.String
	event.PlayerName = playerName.String
	return event, nil
}
