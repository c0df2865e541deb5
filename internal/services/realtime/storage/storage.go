// Package storage defines the persistence contract for sessions, characters
// and game events.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate indicates a uniqueness constraint rejected the write.
	ErrDuplicate = errors.New("record already exists")
)

// Defaults applied to new records.
const (
	DefaultMaxPlayers     = 4
	DefaultStorySummary   = "A new adventure is about to begin."
	DefaultCharacterClass = "adventurer"
	DefaultHP             = 100
	DefaultMP             = 50
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionWaiting   SessionStatus = "waiting"
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionPaused    SessionStatus = "paused"
)

// ParseSessionStatus validates a status string.
func ParseSessionStatus(value string) (SessionStatus, error) {
	switch status := SessionStatus(strings.TrimSpace(value)); status {
	case SessionWaiting, SessionActive, SessionCompleted, SessionPaused:
		return status, nil
	default:
		return "", fmt.Errorf("unknown session status %q", value)
	}
}

// Session is a bounded multiplayer game instance.
type Session struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Status         SessionStatus `json:"status"`
	MaxPlayers     int           `json:"maxPlayers"`
	CurrentPlayers int           `json:"currentPlayers"`
	StorySummary   string        `json:"storySummary"`
	AIContext      string        `json:"aiContext"`
	StartedAt      *time.Time    `json:"startedAt,omitempty"`
	EndedAt        *time.Time    `json:"endedAt,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// SessionStatusUpdate changes lifecycle status and/or the mirrored occupancy.
// Zero Status and nil pointers leave the stored value unchanged.
type SessionStatusUpdate struct {
	Status         SessionStatus
	CurrentPlayers *int
	StartedAt      *time.Time
	EndedAt        *time.Time
}

// Position is a grid coordinate.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Character is a player's avatar inside one session.
type Character struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"sessionId"`
	PlayerName   string    `json:"playerName"`
	Name         string    `json:"name"`
	Class        string    `json:"class"`
	HP           int       `json:"currentHp"`
	MaxHP        int       `json:"maxHp"`
	MP           int       `json:"currentMp"`
	MaxMP        int       `json:"maxMp"`
	Position     Position  `json:"position"`
	Active       bool      `json:"isActive"`
	AIControlled bool      `json:"isAiControlled"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// StatsUpdate lists the character stats an operator may change. Nil fields
// keep their stored value.
type StatsUpdate struct {
	HP    *int `json:"currentHp,omitempty"`
	MP    *int `json:"currentMp,omitempty"`
	MaxHP *int `json:"maxHp,omitempty"`
	MaxMP *int `json:"maxMp,omitempty"`
}

// Empty reports whether the update changes nothing.
func (u StatsUpdate) Empty() bool {
	return u.HP == nil && u.MP == nil && u.MaxHP == nil && u.MaxMP == nil
}

// Apply merges the update into c and checks the result keeps every value
// non-negative with current ≤ max.
func (u StatsUpdate) Apply(c Character) (Character, error) {
	if u.HP != nil {
		c.HP = *u.HP
	}
	if u.MP != nil {
		c.MP = *u.MP
	}
	if u.MaxHP != nil {
		c.MaxHP = *u.MaxHP
	}
	if u.MaxMP != nil {
		c.MaxMP = *u.MaxMP
	}
	switch {
	case c.HP < 0 || c.MP < 0 || c.MaxHP < 0 || c.MaxMP < 0:
		return Character{}, errors.New("stats must not be negative")
	case c.HP > c.MaxHP:
		return Character{}, fmt.Errorf("hp %d exceeds max %d", c.HP, c.MaxHP)
	case c.MP > c.MaxMP:
		return Character{}, fmt.Errorf("mp %d exceeds max %d", c.MP, c.MaxMP)
	}
	return c, nil
}

// EventKind classifies a game event.
type EventKind string

const (
	EventChat       EventKind = "chat"
	EventAction     EventKind = "action"
	EventCombat     EventKind = "combat"
	EventAIResponse EventKind = "ai_response"
)

// ParseEventKind validates an event kind string.
func ParseEventKind(value string) (EventKind, error) {
	switch kind := EventKind(strings.TrimSpace(value)); kind {
	case EventChat, EventAction, EventCombat, EventAIResponse:
		return kind, nil
	default:
		return "", fmt.Errorf("unknown event kind %q", value)
	}
}

// GameEvent is an append-only record of something that happened in a
// session. Sequence is assigned by the store and increases with every append.
type GameEvent struct {
	ID           string          `json:"id"`
	Sequence     int64           `json:"sequence"`
	SessionID    string          `json:"session_id"`
	CharacterID  string          `json:"character_id,omitempty"`
	Kind         EventKind       `json:"event_type"`
	Data         json.RawMessage `json:"event_data,omitempty"`
	Message      string          `json:"message"`
	VisibleToAll bool            `json:"is_visible_to_all"`
	CreatedAt    time.Time       `json:"created_at"`

	// Filled from the originating character on reads.
	CharacterName string `json:"character_name,omitempty"`
	PlayerName    string `json:"player_name,omitempty"`
}

// SessionStore persists sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, session Session) (Session, error)
	FindSession(ctx context.Context, id string) (Session, error)
	ListSessions(ctx context.Context) ([]Session, error)
	UpdateSessionStatus(ctx context.Context, id string, update SessionStatusUpdate) (Session, error)
	UpdateSessionContext(ctx context.Context, id string, aiContext string, storySummary string) (Session, error)
	DeleteSession(ctx context.Context, id string) error
}

// CharacterStore persists characters.
type CharacterStore interface {
	CreateCharacter(ctx context.Context, character Character) (Character, error)
	FindCharacter(ctx context.Context, id string) (Character, error)
	ListCharacters(ctx context.Context, sessionID string) ([]Character, error)
	UpdatePosition(ctx context.Context, id string, position Position) (Character, error)
	UpdateStats(ctx context.Context, id string, update StatsUpdate) (Character, error)
	UpdateActiveStatus(ctx context.Context, id string, active bool, aiControlled bool) (Character, error)
	DeleteCharacter(ctx context.Context, id string) error
}

// EventStore persists game events.
type EventStore interface {
	AppendEvent(ctx context.Context, event GameEvent) (GameEvent, error)
	// ListEvents returns the newest limit events in chronological order.
	ListEvents(ctx context.Context, sessionID string, limit int) ([]GameEvent, error)
	ListEventsByKind(ctx context.Context, sessionID string, kind EventKind, limit int) ([]GameEvent, error)
	DeleteEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// EntityStore is everything the coordinator and admin API need durably.
type EntityStore interface {
	SessionStore
	CharacterStore
	EventStore
}
