package coordinator

import (
	"strconv"

	apperrors "github.com/ralph0830/trpg/internal/platform/errors"
)

func errSessionNotFound(sessionID string) error {
	return apperrors.WithMetadata(apperrors.CodeSessionNotFound,
		"session "+sessionID+" not found",
		map[string]string{"session_id": sessionID},
	)
}

func errSessionFull(sessionID string, maxPlayers int) error {
	return apperrors.WithMetadata(apperrors.CodeSessionFull,
		"session "+sessionID+" is full",
		map[string]string{"session_id": sessionID, "max_players": strconv.Itoa(maxPlayers)},
	)
}

func errNotJoined(connID string) error {
	return apperrors.WithMetadata(apperrors.CodeNotJoined,
		"connection "+connID+" is not in a session",
		map[string]string{"connection_id": connID},
	)
}

func errValidation(reason string) error {
	return apperrors.WithMetadata(apperrors.CodeValidationFailed, reason, map[string]string{"reason": reason})
}

func errStore(op string, cause error) error {
	return apperrors.Wrap(apperrors.CodeStoreFailure, op, cause)
}

func errCharacterNotFound(characterID string) error {
	return apperrors.WithMetadata(apperrors.CodeCharacterNotFound,
		"character "+characterID+" not found",
		map[string]string{"character_id": characterID},
	)
}
