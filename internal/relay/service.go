// Package relay exposes the HTTP surface of the streaming chat relay:
// chat creation (streaming and blocking), reconnection, interrupts, and
// thread history.
package relay

import (
	"context"

	"github.com/eternisai/chat-relay/internal/chat"
	"github.com/eternisai/chat-relay/internal/llm"
	"github.com/eternisai/chat-relay/internal/logger"
	"github.com/eternisai/chat-relay/internal/storage/pg"
	"github.com/eternisai/chat-relay/internal/streaming"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Store is the persistence surface the handlers need on top of what the
// streaming core already uses.
type Store interface {
	streaming.ChatStore
	CreateChat(ctx context.Context, params pg.CreateChatParams) (*chat.Chat, error)
	SetChatStatus(ctx context.Context, chatUUID uuid.UUID, status chat.Status) error
	ListChatsByThread(ctx context.Context, threadID int64, descending bool) ([]chat.Chat, error)
}

// Service wires the relay handlers to their dependencies.
type Service struct {
	store  Store
	state  streaming.StreamState
	client llm.Client
	tun    streaming.Tunables
	logger *logger.Logger
}

// NewService builds the relay service.
func NewService(store Store, state streaming.StreamState, client llm.Client, tun streaming.Tunables, log *logger.Logger) *Service {
	return &Service{
		store:  store,
		state:  state,
		client: client,
		tun:    tun,
		logger: log.WithComponent("relay"),
	}
}

// RegisterRoutes mounts the relay endpoints on the router.
func RegisterRoutes(r gin.IRouter, s *Service) {
	r.POST("/chat", s.ChatHandler())
	r.POST("/chat/stop", s.StopHandler())
	r.GET("/threads/:threadID/chats", s.ThreadChatsHandler())
}
