package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ralph0830/trpg/internal/services/realtime/storage"
)

const characterColumns = `id, session_id, player_name, name, class, hp, max_hp, mp, max_mp,
	position_x, position_y, is_active, is_ai_controlled, created_at, updated_at`

// CreateCharacter inserts a character. A second character for the same
// (session, player) pair fails with storage.ErrDuplicate.
func (s *Store) CreateCharacter(ctx context.Context, character storage.Character) (storage.Character, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Character{}, err
	}
	sessionID, err := requireID("session", character.SessionID)
	if err != nil {
		return storage.Character{}, err
	}
	character.SessionID = sessionID
	character.PlayerName = strings.TrimSpace(character.PlayerName)
	character.Name = strings.TrimSpace(character.Name)
	if character.PlayerName == "" {
		return storage.Character{}, fmt.Errorf("player name is required")
	}
	if character.Name == "" {
		return storage.Character{}, fmt.Errorf("character name is required")
	}
	if character.ID == "" {
		newID, err := s.newID()
		if err != nil {
			return storage.Character{}, fmt.Errorf("create character: %w", err)
		}
		character.ID = newID
	}
	if character.Class == "" {
		character.Class = storage.DefaultCharacterClass
	}
	if character.MaxHP == 0 && character.HP == 0 {
		character.HP, character.MaxHP = storage.DefaultHP, storage.DefaultHP
	}
	if character.MaxMP == 0 && character.MP == 0 {
		character.MP, character.MaxMP = storage.DefaultMP, storage.DefaultMP
	}
	now := s.now().UTC()
	character.CreatedAt = now
	character.UpdatedAt = now

	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO characters (`+characterColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		character.ID,
		character.SessionID,
		character.PlayerName,
		character.Name,
		character.Class,
		character.HP,
		character.MaxHP,
		character.MP,
		character.MaxMP,
		character.Position.X,
		character.Position.Y,
		boolToInt(character.Active),
		boolToInt(character.AIControlled),
		toMillis(character.CreatedAt),
		toMillis(character.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.Character{}, fmt.Errorf("create character for %s: %w", character.PlayerName, storage.ErrDuplicate)
		}
		if strings.Contains(strings.ToLower(err.Error()), "foreign key") {
			return storage.Character{}, storage.ErrNotFound
		}
		return storage.Character{}, fmt.Errorf("create character: %w", err)
	}
	return character, nil
}

// FindCharacter returns one character by ID.
func (s *Store) FindCharacter(ctx context.Context, id string) (storage.Character, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Character{}, err
	}
	id, err := requireID("character", id)
	if err != nil {
		return storage.Character{}, err
	}
	return findCharacter(ctx, s.sqlDB, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func findCharacter(ctx context.Context, q queryRower, id string) (storage.Character, error) {
	row := q.QueryRowContext(ctx, `SELECT `+characterColumns+` FROM characters WHERE id = ?`, id)
	character, err := scanCharacter(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Character{}, storage.ErrNotFound
		}
		return storage.Character{}, fmt.Errorf("find character: %w", err)
	}
	return character, nil
}

// ListCharacters returns a session's characters in creation order.
func (s *Store) ListCharacters(ctx context.Context, sessionID string) ([]storage.Character, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	sessionID, err := requireID("session", sessionID)
	if err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+characterColumns+` FROM characters WHERE session_id = ? ORDER BY created_at, id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list characters: %w", err)
	}
	defer rows.Close()

	var characters []storage.Character
	for rows.Next() {
		character, err := scanCharacter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan character: %w", err)
		}
		characters = append(characters, character)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list characters: %w", err)
	}
	return characters, nil
}

// UpdatePosition moves a character.
func (s *Store) UpdatePosition(ctx context.Context, id string, position storage.Position) (storage.Character, error) {
	return s.updateCharacter(ctx, id, "update position",
		`UPDATE characters SET position_x = ?, position_y = ?, updated_at = ? WHERE id = ?`,
		position.X, position.Y,
	)
}

// UpdateActiveStatus sets the connection flags of a character.
func (s *Store) UpdateActiveStatus(ctx context.Context, id string, active bool, aiControlled bool) (storage.Character, error) {
	return s.updateCharacter(ctx, id, "update active status",
		`UPDATE characters SET is_active = ?, is_ai_controlled = ?, updated_at = ? WHERE id = ?`,
		boolToInt(active), boolToInt(aiControlled),
	)
}

// UpdateStats applies update after checking current ≤ max for the merged
// values.
func (s *Store) UpdateStats(ctx context.Context, id string, update storage.StatsUpdate) (storage.Character, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Character{}, err
	}
	id, err := requireID("character", id)
	if err != nil {
		return storage.Character{}, err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.Character{}, fmt.Errorf("update stats: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := findCharacter(ctx, tx, id)
	if err != nil {
		return storage.Character{}, err
	}
	next, err := update.Apply(current)
	if err != nil {
		return storage.Character{}, fmt.Errorf("update stats: %w", err)
	}
	next.UpdatedAt = s.now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE characters SET hp = ?, max_hp = ?, mp = ?, max_mp = ?, updated_at = ? WHERE id = ?`,
		next.HP, next.MaxHP, next.MP, next.MaxMP, toMillis(next.UpdatedAt), id,
	); err != nil {
		return storage.Character{}, fmt.Errorf("update stats: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return storage.Character{}, fmt.Errorf("update stats: %w", err)
	}
	return next, nil
}

// DeleteCharacter removes a character. Its events keep their rows with the
// character reference cleared.
func (s *Store) DeleteCharacter(ctx context.Context, id string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	id, err := requireID("character", id)
	if err != nil {
		return err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete character: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE game_events SET character_id = NULL WHERE character_id = ?`, id); err != nil {
		return fmt.Errorf("detach character events: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM characters WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete character: %w", err)
	}
	if err := rowsAffectedOrNotFound(result); err != nil {
		return err
	}
	return tx.Commit()
}

// updateCharacter runs query with args followed by updated_at and id, then
// reloads the row.
func (s *Store) updateCharacter(ctx context.Context, id, op, query string, args ...any) (storage.Character, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Character{}, err
	}
	id, err := requireID("character", id)
	if err != nil {
		return storage.Character{}, err
	}
	args = append(args, toMillis(s.now()), id)
	result, err := s.sqlDB.ExecContext(ctx, query, args...)
	if err != nil {
		return storage.Character{}, fmt.Errorf("%s: %w", op, err)
	}
	if err := rowsAffectedOrNotFound(result); err != nil {
		return storage.Character{}, err
	}
	return findCharacter(ctx, s.sqlDB, id)
}

func scanCharacter(row rowScanner) (storage.Character, error) {
	var (
		character    storage.Character
		active       int
		aiControlled int
		createdAt    int64
		updatedAt    int64
	)
	if err := row.Scan(
		&character.ID,
		&character.SessionID,
		&character.PlayerName,
		&character.Name,
		&character.Class,
		&character.HP,
		&character.MaxHP,
		&character.MP,
		&character.MaxMP,
		&character.Position.X,
		&character.Position.Y,
		&active,
		&aiControlled,
		&createdAt,
		&updatedAt,
	); err != nil {
		return storage.Character{}, err
	}
	character.Active = active != 0
	character.AIControlled = aiControlled != 0
	character.CreatedAt = fromMillis(createdAt)
	character.UpdatedAt = fromMillis(updatedAt)
	return character, nil
}
