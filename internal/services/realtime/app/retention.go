package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ralph0830/trpg/internal/services/realtime/storage"
)

// retentionSweeper deletes game events older than maxAge on every tick.
type retentionSweeper struct {
	events   storage.EventStore
	maxAge   time.Duration
	interval time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// sweep removes expired events once and reports how many went.
func (s *retentionSweeper) sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.maxAge)
	deleted, err := s.events.DeleteEventsOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete events before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return deleted, nil
}

// run sweeps immediately and then every interval until ctx ends. Failed
// sweeps are logged and retried on the next tick.
func (s *retentionSweeper) run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		deleted, err := s.sweep(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			s.logger.Error("retention sweep", zap.Error(err))
		case deleted > 0:
			s.logger.Info("retention sweep", zap.Int64("deleted", deleted), zap.Duration("max_age", s.maxAge))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
