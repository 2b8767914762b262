package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/eternisai/chat-relay/internal/chat"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*StreamCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, time.Hour), mr
}

func TestStatusRoundTrip(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SetStatus(ctx, "uuid-1", chat.StatusActive))

	status, err := c.GetStatus(ctx, "uuid-1")
	require.NoError(t, err)
	assert.Equal(t, chat.StatusActive, status)

	// TTL applied
	assert.Greater(t, mr.TTL("chat:status:uuid-1"), time.Duration(0))
}

func TestGetStatusMissing(t *testing.T) {
	c, _ := newTestCache(t)

	_, err := c.GetStatus(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrStatusNotFound))
}

func TestAppendBufferOrderAndTTL(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.AppendBuffer(ctx, "uuid-2", []string{"a", "b"}))
	require.NoError(t, c.AppendBuffer(ctx, "uuid-2", []string{"c"}))

	items, err := mr.List("chat:buffer:uuid-2")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, items)
	assert.Greater(t, mr.TTL("chat:buffer:uuid-2"), time.Duration(0))
}

func TestAppendBufferEmptyIsNoop(t *testing.T) {
	c, mr := newTestCache(t)

	require.NoError(t, c.AppendBuffer(context.Background(), "uuid-3", nil))
	assert.False(t, mr.Exists("chat:buffer:uuid-3"))
}

func TestFetchSince(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SetStatus(ctx, "uuid-4", chat.StatusActive))
	require.NoError(t, c.AppendBuffer(ctx, "uuid-4", []string{"t0", "t1", "t2", chat.SentinelDone}))

	t.Run("from start", func(t *testing.T) {
		status, chunks, err := c.FetchSince(ctx, "uuid-4", 0)
		require.NoError(t, err)
		assert.Equal(t, chat.StatusActive, status)
		assert.Equal(t, []string{"t0", "t1", "t2", chat.SentinelDone}, chunks)
	})

	t.Run("from middle", func(t *testing.T) {
		_, chunks, err := c.FetchSince(ctx, "uuid-4", 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"t2", chat.SentinelDone}, chunks)
	})

	t.Run("past the end yields empty slice", func(t *testing.T) {
		_, chunks, err := c.FetchSince(ctx, "uuid-4", 100)
		require.NoError(t, err)
		assert.Empty(t, chunks)
	})
}

func TestFetchSinceWithoutStatus(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.AppendBuffer(ctx, "uuid-5", []string{"x"}))

	status, chunks, err := c.FetchSince(ctx, "uuid-5", 0)
	require.NoError(t, err)
	assert.Equal(t, chat.Status(""), status)
	assert.Equal(t, []string{"x"}, chunks)
}

func TestFetchSinceNothingAtAll(t *testing.T) {
	c, _ := newTestCache(t)

	status, chunks, err := c.FetchSince(context.Background(), "ghost", 0)
	require.NoError(t, err)
	assert.Equal(t, chat.Status(""), status)
	assert.Empty(t, chunks)
}

func TestBufferLen(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.AppendBuffer(ctx, "uuid-6", []string{"a", "b", "c"}))

	n, err := c.BufferLen(ctx, "uuid-6")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestKeysExpire(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	c := New(client, time.Second)
	ctx := context.Background()

	require.NoError(t, c.SetStatus(ctx, "uuid-7", chat.StatusActive))
	require.NoError(t, c.AppendBuffer(ctx, "uuid-7", []string{"a"}))

	mr.FastForward(2 * time.Second)

	_, err := c.GetStatus(ctx, "uuid-7")
	assert.True(t, errors.Is(err, ErrStatusNotFound))

	_, chunks, err := c.FetchSince(ctx, "uuid-7", 0)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}
