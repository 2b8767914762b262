// Package streaming implements the relay core: a producer that drives one
// upstream token stream per chat, an SSE emitter feeding the connected
// client, and a replayer that serves reconnecting clients from the shared
// buffer.
//
// Concurrency model: one producer goroutine and one emitter per chat,
// connected by a buffered channel with exactly one sender and one receiver.
// The producer runs on a context detached from the HTTP request, so a client
// disconnect never interrupts generation or persistence.
package streaming

import (
	"context"
	"time"

	"github.com/eternisai/chat-relay/internal/chat"
	"github.com/eternisai/chat-relay/internal/config"
	"github.com/google/uuid"
)

// StreamState is the shared cache surface: the status record and the token
// buffer keyed by chat UUID. Implemented by cache.StreamCache.
type StreamState interface {
	SetStatus(ctx context.Context, chatUUID string, status chat.Status) error
	GetStatus(ctx context.Context, chatUUID string) (chat.Status, error)
	AppendBuffer(ctx context.Context, chatUUID string, chunks []string) error
	FetchSince(ctx context.Context, chatUUID string, from int64) (chat.Status, []string, error)
}

// ChatStore is the durable chat record surface. Implemented by pg.Store.
type ChatStore interface {
	GetChatByUUID(ctx context.Context, chatUUID uuid.UUID) (*chat.Chat, error)
	GetChatStatus(ctx context.Context, chatUUID uuid.UUID) (chat.Status, error)
	UpdatePartialResponse(ctx context.Context, chatUUID uuid.UUID, raw string) error
	FinalizeChat(ctx context.Context, chatUUID uuid.UUID, cleaned string, status chat.Status, usage *chat.Usage) error
}

// Tunables are the timing and batching knobs of the relay core, split out
// from the full config so tests can shrink them.
type Tunables struct {
	RedisFlushEveryN       int
	DBFlushEveryM          int
	SSEReconnectionDelayMS int
	TotalResponseTimeout   time.Duration
	AliveInterval          time.Duration
	ReconnectPollRedis     time.Duration
	ReconnectPollDB        time.Duration
	ChannelBufferLen       int
}

// TunablesFromConfig extracts the relay tunables from the app config.
func TunablesFromConfig(cfg *config.Config) Tunables {
	return Tunables{
		RedisFlushEveryN:       cfg.RedisFlushEveryN,
		DBFlushEveryM:          cfg.DBFlushEveryM,
		SSEReconnectionDelayMS: cfg.SSEReconnectionDelayMS,
		TotalResponseTimeout:   cfg.TotalResponseTimeout,
		AliveInterval:          cfg.AliveInterval,
		ReconnectPollRedis:     cfg.ReconnectPollRedis,
		ReconnectPollDB:        cfg.ReconnectPollDB,
		ChannelBufferLen:       cfg.EmitterChannelBufferLen,
	}
}
