// Package feed mirrors persisted game events to Redis Streams so that
// out-of-process consumers, such as the narrator, can follow a session.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/ralph0830/trpg/internal/services/realtime/storage"
)

// DefaultKeyPrefix is prepended to the session ID to form a stream key.
const DefaultKeyPrefix = "trpg:events:"

// Config configures a RedisPublisher.
type Config struct {
	// Client is required.
	Client redis.UniversalClient
	// KeyPrefix defaults to DefaultKeyPrefix.
	KeyPrefix string
	// MaxLen approximately caps each stream. Zero keeps everything.
	MaxLen int64
}

// RedisPublisher appends each event to the stream of its session.
type RedisPublisher struct {
	client    redis.UniversalClient
	keyPrefix string
	maxLen    int64
}

// NewRedisPublisher builds a publisher from cfg.
func NewRedisPublisher(cfg Config) (*RedisPublisher, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.MaxLen < 0 {
		return nil, fmt.Errorf("max len must not be negative")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisPublisher{client: cfg.Client, keyPrefix: prefix, maxLen: cfg.MaxLen}, nil
}

// Dial connects to addr and verifies the server answers.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}

// StreamKey returns the stream holding sessionID's events.
func (p *RedisPublisher) StreamKey(sessionID string) string {
	return p.keyPrefix + sessionID
}

// Publish appends event to its session stream.
func (p *RedisPublisher) Publish(ctx context.Context, event storage.GameEvent) error {
	if event.SessionID == "" {
		return fmt.Errorf("event has no session id")
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event.ID, err)
	}
	args := &redis.XAddArgs{
		Stream: p.StreamKey(event.SessionID),
		Values: map[string]any{
			"id":       event.ID,
			"sequence": strconv.FormatInt(event.Sequence, 10),
			"type":     string(event.Kind),
			"data":     data,
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("publish event %s to stream %s: %w", event.ID, args.Stream, err)
	}
	return nil
}

// Cleanup removes sessionID's stream.
func (p *RedisPublisher) Cleanup(ctx context.Context, sessionID string) error {
	key := p.StreamKey(sessionID)
	if err := p.client.Del(ctx, key).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("delete stream %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
