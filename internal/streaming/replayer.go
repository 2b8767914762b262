package streaming

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/eternisai/chat-relay/internal/chat"
	"github.com/eternisai/chat-relay/internal/logger"
	"github.com/eternisai/chat-relay/internal/metrics"
)

// Replayer serves a reconnecting client: it re-sends the buffered chunks the
// client missed, then follows the live tail until the chat reaches a
// terminal status or its deadline passes.
//
// The preferred source is the cache buffer. If a cache read fails the
// replayer degrades permanently (for this session) to polling the chat row,
// forwarding new text as aggregated chunk frames.
type Replayer struct {
	state  StreamState
	store  ChatStore
	tun    Tunables
	logger *logger.Logger
}

// NewReplayer builds a replayer over the shared cache and the chat store.
func NewReplayer(state StreamState, store ChatStore, tun Tunables, log *logger.Logger) *Replayer {
	return &Replayer{
		state:  state,
		store:  store,
		tun:    tun,
		logger: log.WithComponent("replayer"),
	}
}

// Stream replays the chat identified by row to the client. lastEventID is
// the value of the Last-Event-ID header: 0 means the client saw only the
// init frame, N>0 means it already rendered buffer entries 0..N-1, so replay
// starts at index N. ctx is the client's request context; a disconnect ends
// the session without touching any shared state.
//
// The caller has already established that row exists and is active; the
// replayer still enforces the deadline derived from the row's creation time.
func (r *Replayer) Stream(ctx context.Context, w http.ResponseWriter, row *chat.Chat, lastEventID int64) {
	metrics.Reconnects.Inc()

	log := r.logger.With(slog.String("chat_uuid", row.UUID.String()))
	log.Info("replaying stream", slog.Int64("last_event_id", lastEventID))

	SetStreamHeaders(w)
	fw := newFrameWriter(w)
	fw.Init(row.UUID.String(), row.ThreadID.Int64, true, r.tun.SSEReconnectionDelayMS)

	deadline := row.CreatedAt.Add(r.tun.TotalResponseTimeout)
	if !time.Now().Before(deadline) {
		log.Warn("reconnect after the response deadline")
		fw.Terminal(lastEventID, chat.StatusFailed)
		return
	}

	sentSoFar := lastEventID
	if sentSoFar < 0 {
		sentSoFar = 0
	}
	dbContentSent := 0
	useCache := true

	for {
		if fw.Err() != nil || ctx.Err() != nil {
			log.Info("client left during replay")
			return
		}

		if useCache {
			status, chunks, err := r.state.FetchSince(ctx, row.UUID.String(), sentSoFar)
			if err != nil {
				log.Warn("cache read failed, switching to db polling", slog.Any("error", err))
				useCache = false
				continue
			}
			for i, c := range chunks {
				if chat.IsSentinel(c) {
					continue
				}
				fw.Chunk(sentSoFar+int64(i), c)
			}
			sentSoFar += int64(len(chunks))
			if status.Terminal() {
				fw.Terminal(sentSoFar, status)
				return
			}
		} else {
			current, err := r.store.GetChatByUUID(ctx, row.UUID)
			if err != nil {
				log.Warn("db poll failed", slog.Any("error", err))
			} else {
				if len(current.LLMResponse) > dbContentSent {
					// Mid-stream rows still contain raw sentinels; strip
					// without trimming so token boundaries survive.
					text := chat.StripSentinels(current.LLMResponse[dbContentSent:])
					dbContentSent = len(current.LLMResponse)
					if text != "" {
						fw.Chunk(sentSoFar, text)
						sentSoFar++
					}
				}
				if current.Status.Terminal() {
					fw.Terminal(sentSoFar, current.Status)
					return
				}
			}
		}

		interval := r.tun.ReconnectPollRedis
		if !useCache {
			interval = r.tun.ReconnectPollDB
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			log.Warn("replay deadline passed without terminal status")
			fw.Terminal(sentSoFar, chat.StatusFailed)
			return
		}
		if interval > remaining {
			interval = remaining
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}
