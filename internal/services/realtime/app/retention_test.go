package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ralph0830/trpg/internal/services/realtime/storage"
	"github.com/ralph0830/trpg/internal/test/mock/realtimefakes"
)

func TestRetentionSweepDeletesExpiredEvents(t *testing.T) {
	store := realtimefakes.NewStore()
	seedSession(store, "s1", 4)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()
	for _, createdAt := range []time.Time{now.Add(-10 * 24 * time.Hour), now.Add(-8 * 24 * time.Hour), now.Add(-time.Hour)} {
		if _, err := store.AppendEvent(ctx, storage.GameEvent{SessionID: "s1", Kind: storage.EventChat, Message: "m", CreatedAt: createdAt}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	sweeper := &retentionSweeper{
		events:   store,
		maxAge:   7 * 24 * time.Hour,
		interval: time.Hour,
		now:      func() time.Time { return now },
		logger:   zap.NewNop(),
	}
	deleted, err := sweeper.sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("deleted = %d, want 2", deleted)
	}
	remaining, _ := store.ListEvents(ctx, "s1", 0)
	if len(remaining) != 1 {
		t.Fatalf("remaining = %d, want 1", len(remaining))
	}
}

func TestRetentionRunLogsFailuresAndStops(t *testing.T) {
	store := realtimefakes.NewStore()
	store.SetErr(&store.DeleteEventsOlderThanErr, errors.New("locked"))
	core, logs := observer.New(zap.InfoLevel)

	sweeper := &retentionSweeper{
		events:   store,
		maxAge:   time.Hour,
		interval: 10 * time.Millisecond,
		now:      time.Now,
		logger:   zap.New(core),
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweeper.run(ctx) }()

	waitFor(t, "sweep failure logged", func() bool {
		return logs.FilterMessage("retention sweep").Len() >= 2
	})
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("retention loop did not stop")
	}
}
