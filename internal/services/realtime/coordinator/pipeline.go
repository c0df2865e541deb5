package coordinator

import (
	"context"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ralph0830/trpg/internal/services/realtime/storage"
)

// MaxChatRunes caps a chat message.
const MaxChatRunes = 2000

func validateChat(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errValidation("message is empty")
	}
	if utf8.RuneCountInString(text) > MaxChatRunes {
		return "", errValidation("message is too long")
	}
	return text, nil
}

// Chat records a chat event for connID's character and sends it to every
// member of the session, the sender included.
func (c *Coordinator) Chat(ctx context.Context, connID string, text string) (storage.GameEvent, error) {
	binding, ok := c.registry.Lookup(connID)
	if !ok {
		return storage.GameEvent{}, errNotJoined(connID)
	}
	text, err := validateChat(text)
	if err != nil {
		return storage.GameEvent{}, err
	}

	ctx, cancel := c.begin(ctx)
	defer cancel()
	ctx, span := c.startSpan(ctx, "Chat", attribute.String("session.id", binding.SessionID))
	defer span.End()

	entry := c.members.Acquire(binding.SessionID)
	defer c.members.Release(entry)
	if current, ok := c.registry.Lookup(connID); !ok || current != binding {
		return storage.GameEvent{}, errNotJoined(connID)
	}

	data, err := json.Marshal(map[string]string{"message": text})
	if err != nil {
		return storage.GameEvent{}, errValidation("message cannot be encoded")
	}
	event, err := c.store.AppendEvent(ctx, storage.GameEvent{
		SessionID:    binding.SessionID,
		CharacterID:  binding.CharacterID,
		Kind:         storage.EventChat,
		Data:         data,
		Message:      text,
		VisibleToAll: true,
	})
	if err != nil {
		span.RecordError(err)
		c.logger.Error("append chat event",
			zap.String("session_id", binding.SessionID),
			zap.String("connection_id", connID),
			zap.Error(err),
		)
		return storage.GameEvent{}, errStore("append chat event", err)
	}

	c.publish(ctx, event)
	c.router.Broadcast(entry, Message{Event: EventNewGameEvent, Payload: event}, "")
	return event, nil
}

// Move stores a new position for connID's character and announces it to the
// whole session. Moves from unbound connections are dropped silently.
func (c *Coordinator) Move(ctx context.Context, connID string, position storage.Position) error {
	binding, ok := c.registry.Lookup(connID)
	if !ok {
		c.logger.Debug("move from unbound connection ignored", zap.String("connection_id", connID))
		return nil
	}

	ctx, cancel := c.begin(ctx)
	defer cancel()
	ctx, span := c.startSpan(ctx, "Move", attribute.String("session.id", binding.SessionID))
	defer span.End()

	entry := c.members.Acquire(binding.SessionID)
	defer c.members.Release(entry)
	if current, ok := c.registry.Lookup(connID); !ok || current != binding {
		return nil
	}

	character, err := c.store.UpdatePosition(ctx, binding.CharacterID, position)
	if err != nil {
		span.RecordError(err)
		c.logger.Error("update position",
			zap.String("session_id", binding.SessionID),
			zap.String("character_id", binding.CharacterID),
			zap.Error(err),
		)
		return errStore("update position", err)
	}

	c.router.Broadcast(entry, Message{Event: EventCharacterMoved, Payload: CharacterMovedPayload{
		CharacterID:   character.ID,
		Position:      character.Position,
		CharacterName: character.Name,
	}}, "")
	return nil
}

// Narrate records narrator text as an ai_response event and sends it to every
// member of the session. The session need not have anyone connected.
func (c *Coordinator) Narrate(ctx context.Context, sessionID string, narration Narration) (storage.GameEvent, error) {
	sessionID = strings.TrimSpace(sessionID)
	narration.Response = strings.TrimSpace(narration.Response)
	if sessionID == "" {
		return storage.GameEvent{}, errValidation("sessionId is required")
	}
	if narration.Response == "" {
		return storage.GameEvent{}, errValidation("response is empty")
	}

	ctx, cancel := c.begin(ctx)
	defer cancel()
	ctx, span := c.startSpan(ctx, "Narrate", attribute.String("session.id", sessionID))
	defer span.End()

	entry := c.members.Acquire(sessionID)
	defer c.members.Release(entry)

	if _, err := c.findSession(ctx, sessionID); err != nil {
		return storage.GameEvent{}, err
	}
	data, err := json.Marshal(narration)
	if err != nil {
		return storage.GameEvent{}, errValidation("narration cannot be encoded")
	}
	event, err := c.store.AppendEvent(ctx, storage.GameEvent{
		SessionID:    sessionID,
		Kind:         storage.EventAIResponse,
		Data:         data,
		Message:      narration.Response,
		VisibleToAll: true,
	})
	if err != nil {
		span.RecordError(err)
		c.logger.Error("append narration", zap.String("session_id", sessionID), zap.Error(err))
		return storage.GameEvent{}, errStore("append narration", err)
	}

	c.publish(ctx, event)
	c.router.Broadcast(entry, Message{Event: EventNewGameEvent, Payload: event}, "")
	return event, nil
}
