package streaming

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/eternisai/chat-relay/internal/chat"
	"github.com/eternisai/chat-relay/internal/llm"
	"github.com/eternisai/chat-relay/internal/logger"
	"github.com/eternisai/chat-relay/internal/metrics"
)

// finalizeTimeout bounds the terminal flush and DB finalization. It runs on
// a fresh context so an expired stream deadline cannot starve persistence.
const finalizeTimeout = 30 * time.Second

// Producer drives one upstream token stream for one chat: it relays chunks
// to the local emitter channel, batches them into the cache buffer and the
// database, honors interrupts, and finalizes the chat record exactly once.
//
// Run must be called on a context that is NOT derived from the client's
// request, so that a dropped connection never stops generation.
type Producer struct {
	row    *chat.Chat
	req    llm.CompletionRequest
	client llm.Client
	state  StreamState
	store  ChatStore
	tun    Tunables
	out    chan string
	logger *logger.Logger
}

// NewProducer wires a producer for one chat. The emitter consumes Out.
func NewProducer(row *chat.Chat, req llm.CompletionRequest, client llm.Client, state StreamState, store ChatStore, tun Tunables, log *logger.Logger) *Producer {
	return &Producer{
		row:    row,
		req:    req,
		client: client,
		state:  state,
		store:  store,
		tun:    tun,
		out:    make(chan string, tun.ChannelBufferLen),
		logger: &logger.Logger{Logger: log.WithComponent("producer").With(slog.String("chat_uuid", row.UUID.String()))},
	}
}

// Out is the channel of relayed chunks, sentinels included. It is closed
// after the terminal sentinel; the consumer must drain it to the end.
func (p *Producer) Out() <-chan string {
	return p.out
}

// producerState carries the accumulation across the run and into
// finalization.
type producerState struct {
	status    chat.Status
	usage     *chat.Usage
	redisBuf  []string // chunks not yet flushed to the cache buffer
	allChunks []string // every chunk since the start, sentinels included
	dbPending int      // chunks since the last partial DB write
}

// Run executes the stream to completion and finalizes the chat record.
// It never returns before the terminal sentinel has been pushed to the
// cache buffer and the local channel, whatever happened in between.
func (p *Producer) Run(ctx context.Context) {
	metrics.StreamsStarted.Inc()
	metrics.ActiveProducers.Inc()
	defer metrics.ActiveProducers.Dec()

	st := &producerState{status: chat.StatusCompleted}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("producer panicked", slog.Any("panic", r))
			st.status = chat.StatusFailed
		}
		p.finalize(st)
	}()

	p.run(ctx, st)
}

type recvResult struct {
	chunk llm.Chunk
	err   error
}

func (p *Producer) run(ctx context.Context, st *producerState) {
	ctx, cancel := context.WithTimeout(ctx, p.tun.TotalResponseTimeout)
	defer cancel()

	stream, err := p.client.StreamCompletion(ctx, p.req)
	if err != nil {
		p.logger.Error("failed to open upstream stream", slog.Any("error", err))
		st.status = chat.StatusFailed
		return
	}
	defer stream.Close() //nolint:errcheck

	// A pump goroutine turns the blocking Recv into a channel so the loop
	// can race it against the liveness timer and the overall deadline. The
	// pump exits on upstream EOF/error or when ctx is done.
	recvCh := make(chan recvResult)
	go func() {
		for {
			chunk, recvErr := stream.Recv()
			select {
			case recvCh <- recvResult{chunk: chunk, err: recvErr}:
				if recvErr != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	alive := time.NewTimer(p.tun.AliveInterval)
	defer alive.Stop()

	for {
		var text string

		select {
		case <-ctx.Done():
			p.logger.Warn("total response deadline exceeded", slog.Duration("timeout", p.tun.TotalResponseTimeout))
			st.status = chat.StatusFailed
			return

		case res := <-recvCh:
			if res.err != nil {
				if errors.Is(res.err, io.EOF) {
					return
				}
				p.logger.Error("upstream stream failed", slog.Any("error", res.err))
				st.status = chat.StatusFailed
				return
			}
			if res.chunk.Usage != nil {
				st.usage = res.chunk.Usage
			}
			if !res.chunk.HasText {
				continue
			}
			text = res.chunk.Text

		case <-alive.C:
			// Upstream is quiet; keep the client and any replayer aware
			// that generation is still running.
			text = chat.SentinelHeartbeat
		}

		if !alive.Stop() {
			select {
			case <-alive.C:
			default:
			}
		}
		alive.Reset(p.tun.AliveInterval)

		p.relay(ctx, st, text)

		if p.interrupted(ctx) {
			p.logger.Info("interrupt observed, stopping stream")
			st.status = chat.StatusInterrupted
			return
		}
	}
}

// relay pushes one chunk to the emitter channel and the accumulation
// buffers, flushing the cache and the database at their thresholds.
// Heartbeats stay out of the cache buffer: buffer indexes then coincide with
// the chunk ids the emitter hands out, so Last-Event-ID replay starts at
// exactly the first undelivered chunk even after a stall.
func (p *Producer) relay(ctx context.Context, st *producerState, text string) {
	st.allChunks = append(st.allChunks, text)
	if text != chat.SentinelHeartbeat {
		st.redisBuf = append(st.redisBuf, text)
	}
	st.dbPending++

	p.out <- text
	if !chat.IsSentinel(text) {
		metrics.ChunksRelayed.Inc()
	}

	if len(st.redisBuf) >= p.tun.RedisFlushEveryN {
		p.flushCache(ctx, st)
	}
	if st.dbPending >= p.tun.DBFlushEveryM {
		p.flushDB(ctx, st)
	}
}

// flushCache appends the pending chunks to the cache buffer. Failures are
// logged and counted, never fatal: reconnects fall back to the database.
func (p *Producer) flushCache(ctx context.Context, st *producerState) {
	if len(st.redisBuf) == 0 {
		return
	}
	if err := p.state.AppendBuffer(ctx, p.row.UUID.String(), st.redisBuf); err != nil {
		p.logger.Warn("cache buffer flush failed", slog.Any("error", err), slog.Int("chunks", len(st.redisBuf)))
		metrics.CacheFlushFailures.Inc()
	}
	st.redisBuf = st.redisBuf[:0]
}

// flushDB writes the raw accumulation so far, sentinels included, so a
// replayer on the database fallback always sees a strict prefix of the
// final content.
func (p *Producer) flushDB(ctx context.Context, st *producerState) {
	if err := p.store.UpdatePartialResponse(ctx, p.row.UUID, strings.Join(st.allChunks, "")); err != nil {
		p.logger.Warn("partial response write failed", slog.Any("error", err))
	}
	st.dbPending = 0
}

// interrupted checks the shared status record, falling back to the database
// when the cache is unavailable. Unknown is treated as not interrupted.
func (p *Producer) interrupted(ctx context.Context) bool {
	status, err := p.state.GetStatus(ctx, p.row.UUID.String())
	if err == nil {
		return status == chat.StatusInterrupted
	}

	dbStatus, dbErr := p.store.GetChatStatus(ctx, p.row.UUID)
	if dbErr != nil {
		p.logger.Warn("interrupt check failed in cache and database", slog.Any("cache_error", err), slog.Any("db_error", dbErr))
		return false
	}
	return dbStatus == chat.StatusInterrupted
}

// finalize runs unconditionally at the end of every stream: it emits the
// single terminal sentinel, flushes the remaining buffer, persists the
// cleaned response with the terminal status, and mirrors the status to the
// cache for replayers.
func (p *Producer) finalize(st *producerState) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	terminal := chat.TerminalSentinel(st.status)
	st.allChunks = append(st.allChunks, terminal)
	st.redisBuf = append(st.redisBuf, terminal)

	p.flushCache(ctx, st)
	if err := p.state.SetStatus(ctx, p.row.UUID.String(), st.status); err != nil {
		p.logger.Warn("terminal status write to cache failed", slog.Any("error", err))
		metrics.CacheFlushFailures.Inc()
	}

	cleaned := chat.CleanResponse(strings.Join(st.allChunks, ""))
	if err := p.store.FinalizeChat(ctx, p.row.UUID, cleaned, st.status, st.usage); err != nil {
		p.logger.Error("chat finalization write failed", slog.Any("error", err))
	}

	p.out <- terminal
	close(p.out)

	metrics.StreamsFinished.WithLabelValues(string(st.status)).Inc()
	p.logger.Info("stream finished",
		slog.String("status", string(st.status)),
		slog.Int("chunks", len(st.allChunks)))
}
