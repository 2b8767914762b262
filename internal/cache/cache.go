// Package cache holds the shared stream state in Redis: a status string and
// an append-only token buffer per chat UUID, both TTL'd. The cache is
// best-effort; the chat row in Postgres stays the source of truth at terminal.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eternisai/chat-relay/internal/chat"
	"github.com/redis/go-redis/v9"
)

// ErrStatusNotFound is returned when no status entry exists for a chat.
var ErrStatusNotFound = errors.New("status not found")

// StreamCache wraps the Redis client with the relay's key scheme.
type StreamCache struct {
	client *redis.Client
	ttl    time.Duration
}

// New creates a StreamCache. Keys written through it expire after ttl; every
// buffer flush refreshes the TTL so active streams never expire mid-generation.
func New(client *redis.Client, ttl time.Duration) *StreamCache {
	return &StreamCache{client: client, ttl: ttl}
}

func statusKey(chatUUID string) string {
	return "chat:status:" + chatUUID
}

func bufferKey(chatUUID string) string {
	return "chat:buffer:" + chatUUID
}

// SetStatus writes the status value with TTL. Idempotent.
func (c *StreamCache) SetStatus(ctx context.Context, chatUUID string, status chat.Status) error {
	if err := c.client.Set(ctx, statusKey(chatUUID), string(status), c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set status: %w", err)
	}
	return nil
}

// GetStatus reads the status value. Returns ErrStatusNotFound when the key
// is missing or expired.
func (c *StreamCache) GetStatus(ctx context.Context, chatUUID string) (chat.Status, error) {
	val, err := c.client.Get(ctx, statusKey(chatUUID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrStatusNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get status: %w", err)
	}
	return chat.Status(val), nil
}

// AppendBuffer pushes chunks onto the buffer list and refreshes the TTL of
// both keys, all in a single pipeline round-trip.
func (c *StreamCache) AppendBuffer(ctx context.Context, chatUUID string, chunks []string) error {
	if len(chunks) == 0 {
		return nil
	}
	items := make([]interface{}, len(chunks))
	for i, chunk := range chunks {
		items[i] = chunk
	}

	pipe := c.client.Pipeline()
	pipe.RPush(ctx, bufferKey(chatUUID), items...)
	pipe.Expire(ctx, bufferKey(chatUUID), c.ttl)
	pipe.Expire(ctx, statusKey(chatUUID), c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to flush buffer: %w", err)
	}
	return nil
}

// FetchSince reads the current status and the buffer entries from index
// `from` to the end in a single pipeline round-trip. An index past the end of
// the buffer yields an empty slice, not an error; callers keep polling.
// Status is "" when no status entry exists.
func (c *StreamCache) FetchSince(ctx context.Context, chatUUID string, from int64) (chat.Status, []string, error) {
	pipe := c.client.Pipeline()
	statusCmd := pipe.Get(ctx, statusKey(chatUUID))
	rangeCmd := pipe.LRange(ctx, bufferKey(chatUUID), from, -1)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return "", nil, fmt.Errorf("failed to fetch stream state: %w", err)
	}

	var status chat.Status
	if val, err := statusCmd.Result(); err == nil {
		status = chat.Status(val)
	} else if !errors.Is(err, redis.Nil) {
		return "", nil, fmt.Errorf("failed to fetch status: %w", err)
	}

	chunks, err := rangeCmd.Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", nil, fmt.Errorf("failed to fetch buffer slice: %w", err)
	}
	return status, chunks, nil
}

// BufferLen returns the current number of buffered chunks.
func (c *StreamCache) BufferLen(ctx context.Context, chatUUID string) (int64, error) {
	n, err := c.client.LLen(ctx, bufferKey(chatUUID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read buffer length: %w", err)
	}
	return n, nil
}
