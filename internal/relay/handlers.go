package relay

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/eternisai/chat-relay/internal/cache"
	"github.com/eternisai/chat-relay/internal/chat"
	"github.com/eternisai/chat-relay/internal/errors"
	"github.com/eternisai/chat-relay/internal/llm"
	"github.com/eternisai/chat-relay/internal/logger"
	"github.com/eternisai/chat-relay/internal/metrics"
	"github.com/eternisai/chat-relay/internal/storage/pg"
	"github.com/eternisai/chat-relay/internal/streaming"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// chatResponse is the JSON body of a finished chat: the blocking path and
// reconnections onto already terminal chats.
type chatResponse struct {
	ChatUUID string      `json:"chat_uuid"`
	ThreadID int64       `json:"thread_id,omitempty"`
	Text     string      `json:"text"`
	Status   chat.Status `json:"status,omitempty"`
	Usage    *chat.Usage `json:"usage,omitempty"`
}

// ChatHandler serves POST /chat. The one endpoint covers three shapes:
// a reconnection (chat_uuid present), a blocking completion (stream=false),
// and the default streaming relay.
func (s *Service) ChatHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req chat.Request
		if err := c.ShouldBindJSON(&req); err != nil {
			errors.AbortWithBadRequest(c, "invalid request body", map[string]interface{}{"error": err.Error()})
			return
		}
		if err := req.Validate(); err != nil {
			errors.AbortWithBadRequest(c, err.Error(), nil)
			return
		}

		switch {
		case req.IsReconnect():
			s.handleReconnect(c, &req)
		case !req.Streaming():
			s.handleBlocking(c, &req)
		default:
			s.handleStream(c, &req)
		}
	}
}

func (s *Service) handleReconnect(c *gin.Context, req *chat.Request) {
	log := s.requestLogger(c, req.ChatUUID)

	chatUUID, err := uuid.Parse(req.ChatUUID)
	if err != nil {
		errors.AbortWithBadRequest(c, "chat_uuid is not a valid UUID", nil)
		return
	}

	row, err := s.store.GetChatByUUID(c.Request.Context(), chatUUID)
	if err != nil {
		if stderrors.Is(err, pg.ErrChatNotFound) {
			errors.AbortWithNotFound(c, "chat not found", nil)
			return
		}
		log.Error("failed to load chat for reconnect", slog.Any("error", err))
		errors.AbortWithInternal(c, "failed to load chat", nil)
		return
	}

	// A terminal chat has its full, cleaned text on the row already; no
	// stream needed.
	if row.Status.Terminal() {
		c.JSON(http.StatusOK, chatResponse{
			ChatUUID: row.UUID.String(),
			ThreadID: row.ThreadID.Int64,
			Text:     row.LLMResponse,
			Status:   row.Status,
			Usage:    row.UsageCounters(),
		})
		return
	}

	replayer := streaming.NewReplayer(s.state, s.store, s.tun, s.logger)
	replayer.Stream(c.Request.Context(), c.Writer, row, lastEventID(c))
}

// lastEventID reads the Last-Event-ID header. Absent or unparsable means 0:
// the client saw the init frame but no tokens.
func lastEventID(c *gin.Context) int64 {
	raw := c.GetHeader("Last-Event-ID")
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}

func (s *Service) handleBlocking(c *gin.Context, req *chat.Request) {
	log := s.requestLogger(c, "")
	ctx := c.Request.Context()

	messages, err := s.buildMessages(ctx, req)
	if err != nil {
		log.Error("failed to assemble thread history", slog.Any("error", err))
		errors.AbortWithInternal(c, "failed to load thread history", nil)
		return
	}

	completion, err := s.client.Complete(ctx, llm.CompletionRequest{
		Model:    req.ModelID(),
		Messages: messages,
	})
	if err != nil {
		log.Error("blocking completion failed", slog.Any("error", err))
		errors.AbortWithBadGateway(c, "upstream returned no response", nil)
		return
	}

	row, err := s.store.CreateChat(ctx, pg.CreateChatParams{
		UserPrompt:       req.UserPrompt,
		SystemPrompt:     req.SystemPrompt,
		Model:            req.Model,
		Provider:         req.Provider,
		ThreadID:         req.ThreadID,
		Status:           chat.StatusCompleted,
		LLMResponse:      completion.Text,
		Usage:            completion.Usage,
		CompleteResponse: completion.Raw,
	})
	if err != nil {
		log.Error("failed to persist chat", slog.Any("error", err))
		errors.AbortWithInternal(c, "failed to save chat", nil)
		return
	}

	c.JSON(http.StatusOK, chatResponse{
		ChatUUID: row.UUID.String(),
		ThreadID: row.ThreadID.Int64,
		Text:     completion.Text,
		Status:   chat.StatusCompleted,
		Usage:    completion.Usage,
	})
}

func (s *Service) handleStream(c *gin.Context, req *chat.Request) {
	log := s.requestLogger(c, "")
	ctx := c.Request.Context()

	messages, err := s.buildMessages(ctx, req)
	if err != nil {
		log.Error("failed to assemble thread history", slog.Any("error", err))
		errors.AbortWithInternal(c, "failed to load thread history", nil)
		return
	}

	// The row (and its thread) must exist before the first response byte;
	// the init frame carries both identifiers.
	row, err := s.store.CreateChat(ctx, pg.CreateChatParams{
		UserPrompt:   req.UserPrompt,
		SystemPrompt: req.SystemPrompt,
		Model:        req.Model,
		Provider:     req.Provider,
		ThreadID:     req.ThreadID,
		Status:       chat.StatusActive,
	})
	if err != nil {
		log.Error("failed to persist chat", slog.Any("error", err))
		errors.AbortWithInternal(c, "failed to save chat", nil)
		return
	}

	log = &logger.Logger{Logger: log.With(slog.String("chat_uuid", row.UUID.String()))}

	if err := s.state.SetStatus(ctx, row.UUID.String(), chat.StatusActive); err != nil {
		// Reconnects degrade to the DB fallback; the stream itself is fine.
		log.Warn("failed to mark stream active in cache", slog.Any("error", err))
		metrics.CacheFlushFailures.Inc()
	}

	producer := streaming.NewProducer(row, llm.CompletionRequest{
		Model:    req.ModelID(),
		Messages: messages,
	}, s.client, s.state, s.store, s.tun, s.logger)

	// Detached context: the client hanging up must not stop generation.
	go producer.Run(logger.WithChatUUID(context.Background(), row.UUID.String()))

	emitter := streaming.NewEmitter(row, producer.Out(), s.tun, s.logger)
	emitter.Stream(c.Writer)
}

// buildMessages assembles the upstream message list, folding in prior turns
// of the thread when the request names one.
func (s *Service) buildMessages(ctx context.Context, req *chat.Request) ([]llm.Message, error) {
	var history []llm.Message
	if req.ThreadID != nil {
		turns, err := s.store.ListChatsByThread(ctx, *req.ThreadID, false)
		if err != nil {
			return nil, err
		}
		history = llm.HistoryFromChats(turns)
	}
	return llm.BuildMessages(req.SystemPrompt, history, req.UserPrompt), nil
}

// StopHandler serves POST /chat/stop: it requests a cooperative interrupt of
// an active stream. Interrupting an already terminal chat is an idempotent
// 200.
func (s *Service) StopHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req chat.StopRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			errors.AbortWithBadRequest(c, "invalid request body", map[string]interface{}{"error": err.Error()})
			return
		}
		if err := req.Validate(); err != nil {
			errors.AbortWithBadRequest(c, err.Error(), nil)
			return
		}

		log := s.requestLogger(c, req.ChatUUID)
		ctx := c.Request.Context()

		chatUUID, err := uuid.Parse(req.ChatUUID)
		if err != nil {
			errors.AbortWithBadRequest(c, "chat_uuid is not a valid UUID", nil)
			return
		}

		status, err := s.state.GetStatus(ctx, req.ChatUUID)
		if err != nil {
			if !stderrors.Is(err, cache.ErrStatusNotFound) {
				log.Warn("status lookup failed in cache, trying database", slog.Any("error", err))
			}
			status, err = s.store.GetChatStatus(ctx, chatUUID)
			if err != nil {
				if stderrors.Is(err, pg.ErrChatNotFound) {
					errors.AbortWithNotFound(c, "no stream for chat_uuid", nil)
					return
				}
				log.Error("status lookup failed", slog.Any("error", err))
				errors.AbortWithInternal(c, "failed to resolve chat status", nil)
				return
			}
		}

		if status != chat.StatusActive {
			c.JSON(http.StatusOK, gin.H{"chat_uuid": req.ChatUUID, "status": status})
			return
		}

		if err := s.state.SetStatus(ctx, req.ChatUUID, chat.StatusInterrupted); err != nil {
			log.Warn("failed to write interrupt to cache", slog.Any("error", err))
			metrics.CacheFlushFailures.Inc()
		}
		// Mirror into the chat record so the producer's DB fallback check
		// sees the interrupt even during a cache outage.
		if err := s.store.SetChatStatus(ctx, chatUUID, chat.StatusInterrupted); err != nil {
			log.Error("failed to mirror interrupt into database", slog.Any("error", err))
			errors.AbortWithInternal(c, "failed to record interrupt", nil)
			return
		}

		metrics.Interrupts.Inc()
		log.Info("stream interrupt accepted")
		c.JSON(http.StatusOK, gin.H{"chat_uuid": req.ChatUUID, "status": chat.StatusInterrupted})
	}
}

// threadChat is the list item of GET /threads/:threadID/chats.
type threadChat struct {
	ID         int64       `json:"id"`
	ChatUUID   string      `json:"chat_uuid"`
	ThreadID   int64       `json:"thread_id"`
	UserPrompt string      `json:"user_prompt"`
	Text       string      `json:"text"`
	Status     chat.Status `json:"status"`
	Model      string      `json:"model"`
	Provider   string      `json:"provider"`
	Usage      *chat.Usage `json:"usage,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// ThreadChatsHandler serves GET /threads/:threadID/chats, newest first.
func (s *Service) ThreadChatsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		threadID, err := strconv.ParseInt(c.Param("threadID"), 10, 64)
		if err != nil {
			errors.AbortWithBadRequest(c, "threadID must be an integer", nil)
			return
		}

		rows, err := s.store.ListChatsByThread(c.Request.Context(), threadID, true)
		if err != nil {
			s.requestLogger(c, "").Error("failed to list thread chats", slog.Any("error", err))
			errors.AbortWithInternal(c, "failed to list chats", nil)
			return
		}

		out := make([]threadChat, 0, len(rows))
		for i := range rows {
			row := &rows[i]
			out = append(out, threadChat{
				ID:         row.ID,
				ChatUUID:   row.UUID.String(),
				ThreadID:   row.ThreadID.Int64,
				UserPrompt: row.UserPrompt,
				Text:       row.LLMResponse,
				Status:     row.Status,
				Model:      row.Model,
				Provider:   row.Provider,
				Usage:      row.UsageCounters(),
				CreatedAt:  row.CreatedAt,
			})
		}
		c.JSON(http.StatusOK, gin.H{"thread_id": threadID, "chats": out})
	}
}

// HealthHandler serves GET /health.
func HealthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "instance_id": logger.GetInstanceID()})
	}
}

func (s *Service) requestLogger(c *gin.Context, chatUUID string) *logger.Logger {
	log := s.logger.WithContext(c.Request.Context())
	if chatUUID != "" {
		log = &logger.Logger{Logger: log.With(slog.String("chat_uuid", chatUUID))}
	}
	return log
}
