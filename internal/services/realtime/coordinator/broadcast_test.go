package coordinator

import (
	"context"
	"testing"

	"github.com/ralph0830/trpg/internal/test/mock/realtimefakes"
)

func TestBroadcastReachesOnlySessionMembers(t *testing.T) {
	store := realtimefakes.NewStore()
	seedSession(store, "s1", 4)
	seedSession(store, "s2", 4)
	c := newTestCoordinator(t, store)
	a := connect(t, c, "a")
	b := connect(t, c, "b")
	other := connect(t, c, "other")
	lurker := connect(t, c, "lurker")
	mustJoin(t, c, "a", "s1", "alice")
	mustJoin(t, c, "b", "s1", "bob")
	mustJoin(t, c, "other", "s2", "olga")
	other.reset()

	if _, err := c.Chat(context.Background(), "a", "hello"); err != nil {
		t.Fatalf("chat: %v", err)
	}
	if len(a.all(EventNewGameEvent)) != 1 || len(b.all(EventNewGameEvent)) != 1 {
		t.Fatal("session members missed the chat")
	}
	if len(other.events()) != 0 || len(lurker.events()) != 0 {
		t.Fatalf("outsiders received: other %v lurker %v", other.events(), lurker.events())
	}
}

func TestBroadcastExcludesAndCountsDeliveries(t *testing.T) {
	store := realtimefakes.NewStore()
	seedSession(store, "s1", 4)
	c := newTestCoordinator(t, store)
	a := connect(t, c, "a")
	b := connect(t, c, "b")
	mustJoin(t, c, "a", "s1", "alice")
	mustJoin(t, c, "b", "s1", "bob")
	a.reset()
	b.reset()

	if n := c.Broadcast("s1", "ping", nil, "a"); n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
	if len(a.events()) != 0 || len(b.all("ping")) != 1 {
		t.Fatalf("a %v b %v", a.events(), b.events())
	}
	if n := c.Broadcast("empty", "ping", nil, ""); n != 0 {
		t.Fatalf("delivered to empty session = %d", n)
	}
}

func TestBroadcastFullQueueDropsOnlyThatPeer(t *testing.T) {
	store := realtimefakes.NewStore()
	seedSession(store, "s1", 4)
	c := newTestCoordinator(t, store)
	a := connect(t, c, "a")
	b := connect(t, c, "b")
	mustJoin(t, c, "a", "s1", "alice")
	mustJoin(t, c, "b", "s1", "bob")

	b.mu.Lock()
	b.full = true
	b.mu.Unlock()

	if _, err := c.Chat(context.Background(), "a", "hello"); err != nil {
		t.Fatalf("chat: %v", err)
	}
	if len(a.all(EventNewGameEvent)) != 1 {
		t.Fatal("sender missed its own chat")
	}
	if len(b.all(EventNewGameEvent)) != 0 {
		t.Fatal("full peer received message")
	}
}
