package realtimefakes

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ralph0830/trpg/internal/services/realtime/storage"
)

// Store is an in-memory storage.EntityStore. Set an Err field to make the
// matching method fail; Writes counts successful mutations of characters
// and events.
type Store struct {
	mu         sync.Mutex
	sessions   map[string]storage.Session
	characters map[string]storage.Character
	events     []storage.GameEvent
	nextID     int
	seq        int64
	Now        func() time.Time

	CreateSessionErr         error
	FindSessionErr           error
	ListSessionsErr          error
	UpdateSessionStatusErr   error
	UpdateSessionContextErr  error
	DeleteSessionErr         error
	CreateCharacterErr       error
	FindCharacterErr         error
	ListCharactersErr        error
	UpdatePositionErr        error
	UpdateStatsErr           error
	UpdateActiveStatusErr    error
	DeleteCharacterErr       error
	AppendEventErr           error
	ListEventsErr            error
	DeleteEventsOlderThanErr error

	CharacterWrites int
	EventWrites     int
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		sessions:   make(map[string]storage.Session),
		characters: make(map[string]storage.Character),
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetErr swaps an injected error under the store lock; use it when other
// goroutines are already calling the store.
func (s *Store) SetErr(field *error, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*field = err
}

// Writes returns the character and event mutation counters.
func (s *Store) Writes() (characters int, events int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CharacterWrites, s.EventWrites
}

func (s *Store) newID(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s-%d", prefix, s.nextID)
}

// PutSession seeds a session as-is.
func (s *Store) PutSession(session storage.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
}

func (s *Store) CreateSession(_ context.Context, session storage.Session) (storage.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateSessionErr != nil {
		return storage.Session{}, s.CreateSessionErr
	}
	if strings.TrimSpace(session.Name) == "" {
		return storage.Session{}, fmt.Errorf("session name is required")
	}
	if session.ID == "" {
		session.ID = s.newID("session")
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
	session.CreatedAt = s.Now()
	session.UpdatedAt = session.CreatedAt
	s.sessions[session.ID] = session
	return session, nil
}

func (s *Store) FindSession(_ context.Context, id string) (storage.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FindSessionErr != nil {
		return storage.Session{}, s.FindSessionErr
	}
	session, ok := s.sessions[id]
	if !ok {
		return storage.Session{}, storage.ErrNotFound
	}
	return session, nil
}

func (s *Store) ListSessions(context.Context) ([]storage.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ListSessionsErr != nil {
		return nil, s.ListSessionsErr
	}
	out := make([]storage.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateSessionStatus(_ context.Context, id string, update storage.SessionStatusUpdate) (storage.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UpdateSessionStatusErr != nil {
		return storage.Session{}, s.UpdateSessionStatusErr
	}
	session, ok := s.sessions[id]
	if !ok {
		return storage.Session{}, storage.ErrNotFound
	}
	if update.Status != "" {
		session.Status = update.Status
	}
	if update.CurrentPlayers != nil {
		session.CurrentPlayers = *update.CurrentPlayers
	}
	if update.StartedAt != nil {
		session.StartedAt = update.StartedAt
	}
	if update.EndedAt != nil {
		session.EndedAt = update.EndedAt
	}
	session.UpdatedAt = s.Now()
	s.sessions[id] = session
	return session, nil
}

func (s *Store) UpdateSessionContext(_ context.Context, id string, aiContext string, storySummary string) (storage.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UpdateSessionContextErr != nil {
		return storage.Session{}, s.UpdateSessionContextErr
	}
	session, ok := s.sessions[id]
	if !ok {
		return storage.Session{}, storage.ErrNotFound
	}
	session.AIContext = aiContext
	session.StorySummary = storySummary
	s.sessions[id] = session
	return session, nil
}

func (s *Store) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DeleteSessionErr != nil {
		return s.DeleteSessionErr
	}
	if _, ok := s.sessions[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.sessions, id)
	for cid, character := range s.characters {
		if character.SessionID == id {
			delete(s.characters, cid)
		}
	}
	s.events = slices.DeleteFunc(s.events, func(e storage.GameEvent) bool { return e.SessionID == id })
	return nil
}

func (s *Store) CreateCharacter(_ context.Context, character storage.Character) (storage.Character, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateCharacterErr != nil {
		return storage.Character{}, s.CreateCharacterErr
	}
	if _, ok := s.sessions[character.SessionID]; !ok {
		return storage.Character{}, storage.ErrNotFound
	}
	for _, existing := range s.characters {
		if existing.SessionID == character.SessionID && existing.PlayerName == character.PlayerName {
			return storage.Character{}, storage.ErrDuplicate
		}
	}
	if character.ID == "" {
		character.ID = s.newID("character")
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
	character.CreatedAt = s.Now()
	character.UpdatedAt = character.CreatedAt
	s.characters[character.ID] = character
	s.CharacterWrites++
	return character, nil
}

func (s *Store) FindCharacter(_ context.Context, id string) (storage.Character, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FindCharacterErr != nil {
		return storage.Character{}, s.FindCharacterErr
	}
	character, ok := s.characters[id]
	if !ok {
		return storage.Character{}, storage.ErrNotFound
	}
	return character, nil
}

func (s *Store) ListCharacters(_ context.Context, sessionID string) ([]storage.Character, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ListCharactersErr != nil {
		return nil, s.ListCharactersErr
	}
	var out []storage.Character
	for _, character := range s.characters {
		if character.SessionID == sessionID {
			out = append(out, character)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdatePosition(_ context.Context, id string, position storage.Position) (storage.Character, error) {
	return s.mutateCharacter(id, &s.UpdatePositionErr, func(c *storage.Character) error {
		c.Position = position
		return nil
	})
}

func (s *Store) UpdateStats(_ context.Context, id string, update storage.StatsUpdate) (storage.Character, error) {
	return s.mutateCharacter(id, &s.UpdateStatsErr, func(c *storage.Character) error {
		next, err := update.Apply(*c)
		if err != nil {
			return err
		}
		*c = next
		return nil
	})
}

func (s *Store) UpdateActiveStatus(_ context.Context, id string, active bool, aiControlled bool) (storage.Character, error) {
	return s.mutateCharacter(id, &s.UpdateActiveStatusErr, func(c *storage.Character) error {
		c.Active = active
		c.AIControlled = aiControlled
		return nil
	})
}

func (s *Store) DeleteCharacter(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DeleteCharacterErr != nil {
		return s.DeleteCharacterErr
	}
	if _, ok := s.characters[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.characters, id)
	s.CharacterWrites++
	return nil
}

func (s *Store) mutateCharacter(id string, injected *error, apply func(*storage.Character) error) (storage.Character, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if *injected != nil {
		return storage.Character{}, *injected
	}
	character, ok := s.characters[id]
	if !ok {
		return storage.Character{}, storage.ErrNotFound
	}
	if err := apply(&character); err != nil {
		return storage.Character{}, err
	}
	character.UpdatedAt = s.Now()
	s.characters[id] = character
	s.CharacterWrites++
	return character, nil
}

func (s *Store) AppendEvent(_ context.Context, event storage.GameEvent) (storage.GameEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AppendEventErr != nil {
		return storage.GameEvent{}, s.AppendEventErr
	}
	if _, ok := s.sessions[event.SessionID]; !ok {
		return storage.GameEvent{}, storage.ErrNotFound
	}
	if _, err := storage.ParseEventKind(string(event.Kind)); err != nil {
		return storage.GameEvent{}, err
	}
	if event.ID == "" {
		event.ID = s.newID("event")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.Now()
	}
	s.seq++
	event.Sequence = s.seq
	if character, ok := s.characters[event.CharacterID]; ok {
		event.CharacterName = character.Name
		event.PlayerName = character.PlayerName
	}
	s.events = append(s.events, event)
	s.EventWrites++
	return event, nil
}

func (s *Store) ListEvents(_ context.Context, sessionID string, limit int) ([]storage.GameEvent, error) {
	return s.listEvents(sessionID, "", limit)
}

func (s *Store) ListEventsByKind(_ context.Context, sessionID string, kind storage.EventKind, limit int) ([]storage.GameEvent, error) {
	return s.listEvents(sessionID, kind, limit)
}

func (s *Store) listEvents(sessionID string, kind storage.EventKind, limit int) ([]storage.GameEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ListEventsErr != nil {
		return nil, s.ListEventsErr
	}
	var out []storage.GameEvent
	for _, event := range s.events {
		if event.SessionID != sessionID || (kind != "" && event.Kind != kind) {
			continue
		}
		out = append(out, event)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return slices.Clone(out), nil
}

func (s *Store) DeleteEventsOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DeleteEventsOlderThanErr != nil {
		return 0, s.DeleteEventsOlderThanErr
	}
	before := len(s.events)
	s.events = slices.DeleteFunc(s.events, func(e storage.GameEvent) bool { return e.CreatedAt.Before(cutoff) })
	return int64(before - len(s.events)), nil
}

var _ storage.EntityStore = (*Store)(nil)
