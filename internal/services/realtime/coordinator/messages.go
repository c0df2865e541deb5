package coordinator

import "github.com/ralph0830/trpg/internal/services/realtime/storage"

// Outbound event names.
const (
	EventJoinedSession  = "joinedSession"
	EventPlayerJoined   = "playerJoined"
	EventGameHistory    = "gameHistory"
	EventNewGameEvent   = "newGameEvent"
	EventCharacterMoved = "characterMoved"
	EventPlayerLeft     = "playerLeft"
	EventError          = "error"
)

// JoinRequest asks to enter a session as playerName.
type JoinRequest struct {
	SessionID     string `json:"sessionId"`
	PlayerName    string `json:"playerName"`
	CharacterName string `json:"characterName"`
}

// JoinedSessionPayload is sent to the joining connection.
type JoinedSessionPayload struct {
	Session   storage.Session   `json:"session"`
	Character storage.Character `json:"character"`
	Occupancy int               `json:"occupancy"`
}

// PlayerJoinedPayload is sent to the other members when someone joins.
type PlayerJoinedPayload struct {
	PlayerName    string `json:"playerName"`
	CharacterName string `json:"characterName"`
	Occupancy     int    `json:"occupancy"`
}

// GameHistoryPayload carries recent events, oldest first.
type GameHistoryPayload struct {
	Events []storage.GameEvent `json:"events"`
}

// CharacterMovedPayload announces a new position.
type CharacterMovedPayload struct {
	CharacterID   string           `json:"characterId"`
	Position      storage.Position `json:"position"`
	CharacterName string           `json:"characterName"`
}

// PlayerLeftPayload is sent to the remaining members after a disconnect.
type PlayerLeftPayload struct {
	CharacterID string `json:"characterId"`
	Occupancy   int    `json:"occupancy"`
}

// Narration is text produced by the external narrator.
type Narration struct {
	Response string `json:"response"`
	Context  string `json:"context,omitempty"`
}
