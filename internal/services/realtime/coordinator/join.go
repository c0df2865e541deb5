package coordinator

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/ralph0830/trpg/internal/services/realtime/storage"
)

const maxNameRunes = 64

// JoinResult describes a successful join.
type JoinResult struct {
	Session   storage.Session
	Character storage.Character
	Occupancy int
}

func (r JoinRequest) normalize() (JoinRequest, error) {
	r.SessionID = strings.TrimSpace(r.SessionID)
	r.PlayerName = strings.TrimSpace(r.PlayerName)
	r.CharacterName = strings.TrimSpace(r.CharacterName)
	switch {
	case r.SessionID == "":
		return r, errValidation("sessionId is required")
	case r.PlayerName == "":
		return r, errValidation("playerName is required")
	case r.CharacterName == "":
		return r, errValidation("characterName is required")
	case utf8.RuneCountInString(r.PlayerName) > maxNameRunes:
		return r, errValidation("playerName is too long")
	case utf8.RuneCountInString(r.CharacterName) > maxNameRunes:
		return r, errValidation("characterName is too long")
	}
	return r, nil
}

// Join enters connID into a session as req.PlayerName. A player with a
// character in the session gets it back without a new seat when their old
// connection is still live; otherwise the join needs a free seat. A
// connection already seated somewhere gives that seat up only once the new
// join is certain, so a refused join leaves it where it was.
func (c *Coordinator) Join(ctx context.Context, connID string, req JoinRequest) (JoinResult, error) {
	req, err := req.normalize()
	if err != nil {
		return JoinResult{}, err
	}
	if _, ok := c.peers.get(connID); !ok {
		return JoinResult{}, errValidation("connection is not registered")
	}

	ctx, cancel := c.begin(ctx)
	defer cancel()
	ctx, span := c.startSpan(ctx, "Join",
		attribute.String("session.id", req.SessionID),
		attribute.String("connection.id", connID),
	)
	defer span.End()

	entry, prev, release := c.acquireForJoin(connID, req.SessionID)
	defer release()

	result, err := c.joinLocked(ctx, entry, prev, connID, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "join failed")
		return JoinResult{}, err
	}
	c.logger.Info("player joined",
		zap.String("session_id", req.SessionID),
		zap.String("connection_id", connID),
		zap.String("character_id", result.Character.ID),
		zap.Int("occupancy", result.Occupancy),
	)
	return result, nil
}

// acquireForJoin locks the target session and, when connID is seated in
// another session, that one too. Both locks are taken in session ID order.
// prev is the entry holding connID's current seat, or nil.
func (c *Coordinator) acquireForJoin(connID, sessionID string) (entry, prev *SessionEntry, release func()) {
	binding, ok := c.registry.Lookup(connID)
	if !ok || binding.SessionID == sessionID {
		entry = c.members.Acquire(sessionID)
		if entry.Has(connID) {
			prev = entry
		}
		return entry, prev, func() { c.members.Release(entry) }
	}

	var other *SessionEntry
	if binding.SessionID < sessionID {
		other = c.members.Acquire(binding.SessionID)
		entry = c.members.Acquire(sessionID)
	} else {
		entry = c.members.Acquire(sessionID)
		other = c.members.Acquire(binding.SessionID)
	}
	switch {
	case other.Has(connID):
		prev = other
	case entry.Has(connID):
		prev = entry
	}
	return entry, prev, func() {
		c.members.Release(other)
		c.members.Release(entry)
	}
}

func (c *Coordinator) joinLocked(ctx context.Context, entry, prev *SessionEntry, connID string, req JoinRequest) (JoinResult, error) {
	session, err := c.findSession(ctx, req.SessionID)
	if err != nil {
		return JoinResult{}, err
	}
	characters, err := c.store.ListCharacters(ctx, req.SessionID)
	if err != nil {
		return JoinResult{}, errStore("list characters", err)
	}
	for i := range characters {
		if characters[i].PlayerName == req.PlayerName {
			return c.rejoinLocked(ctx, entry, prev, connID, session, characters[i])
		}
	}
	return c.createLocked(ctx, entry, prev, connID, session, req)
}

// reserveSeat claims a slot in entry for a joining connection. One switching
// players inside entry reuses the seat it is about to give up.
func reserveSeat(entry, prev *SessionEntry, capacity int) bool {
	if prev == entry {
		capacity++
	}
	return entry.Reserve(capacity)
}

// vacate gives up connID's current seat once its next join is committed.
func (c *Coordinator) vacate(ctx context.Context, prev *SessionEntry, connID string) {
	if prev == nil || !prev.Has(connID) {
		return
	}
	binding, ok := c.registry.Lookup(connID)
	if !ok {
		return
	}
	if err := c.leaveLocked(ctx, prev, connID, binding); err != nil {
		c.logger.Warn("leave previous seat",
			zap.String("connection_id", connID),
			zap.String("session_id", binding.SessionID),
			zap.Error(err),
		)
	}
}

func (c *Coordinator) createLocked(ctx context.Context, entry, prev *SessionEntry, connID string, session storage.Session, req JoinRequest) (JoinResult, error) {
	if !reserveSeat(entry, prev, session.MaxPlayers) {
		return JoinResult{}, errSessionFull(session.ID, session.MaxPlayers)
	}
	character, err := c.store.CreateCharacter(ctx, storage.Character{
		SessionID:  session.ID,
		PlayerName: req.PlayerName,
		Name:       req.CharacterName,
		Active:     true,
	})
	if err != nil {
		entry.Unreserve()
		return JoinResult{}, errStore("create character", err)
	}

	c.vacate(ctx, prev, connID)
	c.bind(entry, connID, session.ID, character.ID)
	if err := c.persistOccupancy(ctx, entry); err != nil {
		c.unwindJoin(ctx, entry, connID, character.ID)
		return JoinResult{}, err
	}
	return c.announceJoin(ctx, entry, connID, session, character, true), nil
}

func (c *Coordinator) rejoinLocked(ctx context.Context, entry, prev *SessionEntry, connID string, session storage.Session, character storage.Character) (JoinResult, error) {
	oldConn, held := entry.ConnectionFor(character.ID)
	if held && oldConn == connID {
		return c.announceJoin(ctx, entry, connID, session, character, false), nil
	}

	if held {
		updated, err := c.store.UpdateActiveStatus(ctx, character.ID, true, false)
		if err != nil {
			return JoinResult{}, errStore("reactivate character", err)
		}
		c.vacate(ctx, prev, connID)
		entry.Swap(character.ID, connID)
		c.registry.Unbind(oldConn)
		c.registry.Bind(connID, Binding{SessionID: session.ID, CharacterID: character.ID})
		c.logger.Info("connection superseded",
			zap.String("session_id", session.ID),
			zap.String("character_id", character.ID),
			zap.String("connection_id", connID),
			zap.String("previous_connection_id", oldConn),
		)
		return c.announceJoin(ctx, entry, connID, session, updated, true), nil
	}

	if !reserveSeat(entry, prev, session.MaxPlayers) {
		return JoinResult{}, errSessionFull(session.ID, session.MaxPlayers)
	}
	updated, err := c.store.UpdateActiveStatus(ctx, character.ID, true, false)
	if err != nil {
		entry.Unreserve()
		return JoinResult{}, errStore("reactivate character", err)
	}
	c.vacate(ctx, prev, connID)
	c.bind(entry, connID, session.ID, character.ID)
	if err := c.persistOccupancy(ctx, entry); err != nil {
		c.unwindJoin(ctx, entry, connID, character.ID)
		return JoinResult{}, err
	}
	return c.announceJoin(ctx, entry, connID, session, updated, true), nil
}

func (c *Coordinator) bind(entry *SessionEntry, connID, sessionID, characterID string) {
	entry.Attach(connID, characterID)
	c.registry.Bind(connID, Binding{SessionID: sessionID, CharacterID: characterID})
}

// unwindJoin releases a seat whose occupancy could not be persisted and hands
// the character back to AI control.
func (c *Coordinator) unwindJoin(ctx context.Context, entry *SessionEntry, connID, characterID string) {
	entry.Detach(connID)
	c.registry.Unbind(connID)
	if _, err := c.store.UpdateActiveStatus(ctx, characterID, false, true); err != nil {
		c.logger.Warn("revert character after failed join",
			zap.String("session_id", entry.SessionID()),
			zap.String("character_id", characterID),
			zap.Error(err),
		)
	}
}

// announceJoin sends the joiner its state and history, and tells the others.
// Each delivery stands alone; a failed history load does not undo the join.
func (c *Coordinator) announceJoin(ctx context.Context, entry *SessionEntry, connID string, session storage.Session, character storage.Character, notifyOthers bool) JoinResult {
	occupancy := entry.Occupancy()
	session.CurrentPlayers = occupancy

	c.deliver(connID, Message{Event: EventJoinedSession, Payload: JoinedSessionPayload{
		Session:   session,
		Character: character,
		Occupancy: occupancy,
	}})
	if notifyOthers {
		c.router.Broadcast(entry, Message{Event: EventPlayerJoined, Payload: PlayerJoinedPayload{
			PlayerName:    character.PlayerName,
			CharacterName: character.Name,
			Occupancy:     occupancy,
		}}, connID)
	}

	history, err := c.store.ListEvents(ctx, session.ID, c.historyLimit)
	if err != nil {
		c.logger.Warn("load game history",
			zap.String("session_id", session.ID),
			zap.String("connection_id", connID),
			zap.Error(err),
		)
		c.deliver(connID, Message{Event: EventError, Payload: errStore("load game history", err)})
	} else {
		if history == nil {
			history = []storage.GameEvent{}
		}
		c.deliver(connID, Message{Event: EventGameHistory, Payload: GameHistoryPayload{Events: history}})
	}

	return JoinResult{Session: session, Character: character, Occupancy: occupancy}
}

func (c *Coordinator) findSession(ctx context.Context, sessionID string) (storage.Session, error) {
	session, err := c.store.FindSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Session{}, errSessionNotFound(sessionID)
		}
		return storage.Session{}, errStore("find session", err)
	}
	return session, nil
}

func (c *Coordinator) persistOccupancy(ctx context.Context, entry *SessionEntry) error {
	occupancy := entry.Occupancy()
	if _, err := c.store.UpdateSessionStatus(ctx, entry.SessionID(), storage.SessionStatusUpdate{
		CurrentPlayers: &occupancy,
	}); err != nil {
		return errStore("persist occupancy", err)
	}
	return nil
}
