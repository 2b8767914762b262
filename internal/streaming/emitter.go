package streaming

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/eternisai/chat-relay/internal/chat"
	"github.com/eternisai/chat-relay/internal/logger"
)

// Emitter turns the producer's channel into SSE frames for the connected
// client. It is deliberately ignorant of the client's context: when the
// write side fails it keeps draining the channel silently so the producer
// can always make progress to its terminal state.
type Emitter struct {
	chatUUID string
	threadID int64
	in       <-chan string
	tun      Tunables
	logger   *logger.Logger
}

// NewEmitter wires an emitter to a producer's output channel.
func NewEmitter(row *chat.Chat, in <-chan string, tun Tunables, log *logger.Logger) *Emitter {
	return &Emitter{
		chatUUID: row.UUID.String(),
		threadID: row.ThreadID.Int64,
		in:       in,
		tun:      tun,
		logger:   &logger.Logger{Logger: log.WithComponent("emitter").With(slog.String("chat_uuid", row.UUID.String()))},
	}
}

// Stream writes the init frame, then relays until the terminal sentinel.
// Content chunks get consecutive ids starting at 0; heartbeats become
// comment frames and do not advance the id. Stream returns only after the
// channel is fully drained.
func (e *Emitter) Stream(w http.ResponseWriter) {
	SetStreamHeaders(w)

	fw := newFrameWriter(w)
	fw.Init(e.chatUUID, e.threadID, false, e.tun.SSEReconnectionDelayMS)

	var chunkIdx int64
	for {
		select {
		case text, ok := <-e.in:
			if !ok {
				return
			}
			switch text {
			case chat.SentinelHeartbeat:
				fw.Comment(heartbeatComment)
			case chat.SentinelDone, chat.SentinelInterrupted, chat.SentinelFailed:
				fw.Terminal(chunkIdx, sentinelStatus(text))
				e.drain()
				if err := fw.Err(); err != nil {
					e.logger.Info("client went away before terminal frame", slog.Any("error", err))
				}
				return
			default:
				fw.Chunk(chunkIdx, text)
				chunkIdx++
			}

		case <-time.After(e.tun.AliveInterval):
			// The producer emits its own heartbeats, so this fires only
			// when it is wedged mid-flush. Keep the client informed anyway.
			fw.Comment(heartbeatComment)
		}
	}
}

// drain consumes the channel to the end so the producer's final send never
// blocks.
func (e *Emitter) drain() {
	for range e.in {
	}
}

func sentinelStatus(sentinel string) chat.Status {
	switch sentinel {
	case chat.SentinelInterrupted:
		return chat.StatusInterrupted
	case chat.SentinelFailed:
		return chat.StatusFailed
	default:
		return chat.StatusCompleted
	}
}
