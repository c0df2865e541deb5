package coordinator

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ralph0830/trpg/internal/services/realtime/storage"
)

// ControlUpdate overrides a character's activity flags. Nil fields take the
// value implied by the live binding: active when a connection plays the
// character, AI controlled when none does.
type ControlUpdate struct {
	Active       *bool
	AIControlled *bool
}

// PlaceCharacter moves characterID on behalf of an operator and announces the
// move to its session. It serializes with joins and leaves of that session.
func (c *Coordinator) PlaceCharacter(ctx context.Context, characterID string, position storage.Position) (storage.Character, error) {
	ctx, cancel := c.begin(ctx)
	defer cancel()
	ctx, span := c.startSpan(ctx, "PlaceCharacter", attribute.String("character.id", characterID))
	defer span.End()

	character, err := c.findCharacter(ctx, characterID)
	if err != nil {
		return storage.Character{}, err
	}
	entry := c.members.Acquire(character.SessionID)
	defer c.members.Release(entry)

	character, err = c.store.UpdatePosition(ctx, characterID, position)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Character{}, errCharacterNotFound(characterID)
		}
		return storage.Character{}, errStore("update position", err)
	}
	c.router.Broadcast(entry, Message{Event: EventCharacterMoved, Payload: CharacterMovedPayload{
		CharacterID:   character.ID,
		Position:      character.Position,
		CharacterName: character.Name,
	}}, "")
	return character, nil
}

// SetCharacterControl applies an operator override of characterID's flags.
// The active flag must agree with the live binding, so an override can hand
// a seated character to AI assistance but cannot mark an unplayed character
// active or a played one inactive.
func (c *Coordinator) SetCharacterControl(ctx context.Context, characterID string, update ControlUpdate) (storage.Character, error) {
	ctx, cancel := c.begin(ctx)
	defer cancel()
	ctx, span := c.startSpan(ctx, "SetCharacterControl", attribute.String("character.id", characterID))
	defer span.End()

	character, err := c.findCharacter(ctx, characterID)
	if err != nil {
		return storage.Character{}, err
	}
	entry := c.members.Acquire(character.SessionID)
	defer c.members.Release(entry)

	_, held := entry.ConnectionFor(characterID)
	active, aiControlled := held, !held
	if update.Active != nil {
		active = *update.Active
	}
	if update.AIControlled != nil {
		aiControlled = *update.AIControlled
	}
	switch {
	case active && !held:
		return storage.Character{}, errValidation("character has no live connection")
	case !active && held:
		return storage.Character{}, errValidation("character is played by a live connection")
	}

	updated, err := c.store.UpdateActiveStatus(ctx, characterID, active, aiControlled)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Character{}, errCharacterNotFound(characterID)
		}
		return storage.Character{}, errStore("update character status", err)
	}
	c.logger.Info("character control overridden",
		zap.String("session_id", updated.SessionID),
		zap.String("character_id", characterID),
		zap.Bool("active", updated.Active),
		zap.Bool("ai_controlled", updated.AIControlled),
	)
	return updated, nil
}

func (c *Coordinator) findCharacter(ctx context.Context, characterID string) (storage.Character, error) {
	character, err := c.store.FindCharacter(ctx, characterID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Character{}, errCharacterNotFound(characterID)
		}
		return storage.Character{}, errStore("find character", err)
	}
	return character, nil
}
