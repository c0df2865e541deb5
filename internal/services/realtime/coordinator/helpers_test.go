package coordinator

import (
	"context"
	"sync"
	"testing"

	apperrors "github.com/ralph0830/trpg/internal/platform/errors"
	"github.com/ralph0830/trpg/internal/services/realtime/storage"
	"github.com/ralph0830/trpg/internal/test/mock/realtimefakes"
)

type recordingPeer struct {
	id   string
	mu   sync.Mutex
	msgs []Message
	full bool
}

func (p *recordingPeer) ID() string { return p.id }

func (p *recordingPeer) Deliver(msg Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.full {
		return false
	}
	p.msgs = append(p.msgs, msg)
	return true
}

func (p *recordingPeer) events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.msgs))
	for i, msg := range p.msgs {
		out[i] = msg.Event
	}
	return out
}

func (p *recordingPeer) all(event string) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Message
	for _, msg := range p.msgs {
		if msg.Event == event {
			out = append(out, msg)
		}
	}
	return out
}

func (p *recordingPeer) last(t *testing.T, event string) Message {
	t.Helper()
	msgs := p.all(event)
	if len(msgs) == 0 {
		t.Fatalf("peer %s received no %s; got %v", p.id, event, p.events())
	}
	return msgs[len(msgs)-1]
}

func (p *recordingPeer) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []storage.GameEvent
}

func (s *recordingSink) Publish(_ context.Context, event storage.GameEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func newTestCoordinator(t *testing.T, store storage.EntityStore, opts ...Option) *Coordinator {
	t.Helper()
	c, err := New(store, opts...)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return c
}

func seedSession(store *realtimefakes.Store, id string, maxPlayers int) {
	store.PutSession(storage.Session{
		ID:         id,
		Name:       "Session " + id,
		Status:     storage.SessionWaiting,
		MaxPlayers: maxPlayers,
	})
}

func connect(t *testing.T, c *Coordinator, id string) *recordingPeer {
	t.Helper()
	peer := &recordingPeer{id: id}
	if err := c.Connect(peer); err != nil {
		t.Fatalf("connect %s: %v", id, err)
	}
	return peer
}

func mustJoin(t *testing.T, c *Coordinator, connID, sessionID, player string) JoinResult {
	t.Helper()
	result, err := c.Join(context.Background(), connID, JoinRequest{
		SessionID:     sessionID,
		PlayerName:    player,
		CharacterName: player + " the Bold",
	})
	if err != nil {
		t.Fatalf("join %s as %s: %v", connID, player, err)
	}
	return result
}

func wantCode(t *testing.T, err error, code apperrors.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("err = nil, want %s", code)
	}
	if got := apperrors.CodeOf(err); got != code {
		t.Fatalf("code = %s, want %s (err: %v)", got, code, err)
	}
}

func findCharacter(t *testing.T, store storage.EntityStore, sessionID, player string) storage.Character {
	t.Helper()
	characters, err := store.ListCharacters(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("list characters: %v", err)
	}
	for _, character := range characters {
		if character.PlayerName == player {
			return character
		}
	}
	t.Fatalf("no character for %s in %s", player, sessionID)
	return storage.Character{}
}
