package streaming

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/eternisai/chat-relay/internal/chat"
	"github.com/eternisai/chat-relay/internal/llm"
	"github.com/eternisai/chat-relay/internal/logger"
	"github.com/google/uuid"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError})
}

func testTunables() Tunables {
	return Tunables{
		RedisFlushEveryN:       2,
		DBFlushEveryM:          3,
		SSEReconnectionDelayMS: 30000,
		TotalResponseTimeout:   2 * time.Second,
		AliveInterval:          200 * time.Millisecond,
		ReconnectPollRedis:     5 * time.Millisecond,
		ReconnectPollDB:        5 * time.Millisecond,
		ChannelBufferLen:       16,
	}
}

// fakeState is an in-memory StreamState.
type fakeState struct {
	mu          sync.Mutex
	status      map[string]chat.Status
	buffer      map[string][]string
	failFetch   bool
	appendCalls [][]string
}

func newFakeState() *fakeState {
	return &fakeState{
		status: make(map[string]chat.Status),
		buffer: make(map[string][]string),
	}
}

func (s *fakeState) SetStatus(_ context.Context, chatUUID string, status chat.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[chatUUID] = status
	return nil
}

func (s *fakeState) GetStatus(_ context.Context, chatUUID string) (chat.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.status[chatUUID]
	if !ok {
		return "", errors.New("status not found")
	}
	return status, nil
}

func (s *fakeState) AppendBuffer(_ context.Context, chatUUID string, chunks []string) error {
	if len(chunks) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := append([]string(nil), chunks...)
	s.appendCalls = append(s.appendCalls, batch)
	s.buffer[chatUUID] = append(s.buffer[chatUUID], batch...)
	return nil
}

func (s *fakeState) FetchSince(_ context.Context, chatUUID string, from int64) (chat.Status, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFetch {
		return "", nil, errors.New("cache unavailable")
	}
	buf := s.buffer[chatUUID]
	if from < 0 {
		from = 0
	}
	if from > int64(len(buf)) {
		return s.status[chatUUID], nil, nil
	}
	return s.status[chatUUID], append([]string(nil), buf[from:]...), nil
}

func (s *fakeState) bufferOf(chatUUID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.buffer[chatUUID]...)
}

func (s *fakeState) statusOf(chatUUID string) chat.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status[chatUUID]
}

// fakeStore is an in-memory ChatStore.
type fakeStore struct {
	mu        sync.Mutex
	rows      map[uuid.UUID]*chat.Chat
	partials  []string
	finalized bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[uuid.UUID]*chat.Chat)}
}

func (s *fakeStore) put(row *chat.Chat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *row
	s.rows[row.UUID] = &clone
}

func (s *fakeStore) GetChatByUUID(_ context.Context, chatUUID uuid.UUID) (*chat.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[chatUUID]
	if !ok {
		return nil, errors.New("chat not found")
	}
	clone := *row
	return &clone, nil
}

func (s *fakeStore) GetChatStatus(_ context.Context, chatUUID uuid.UUID) (chat.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[chatUUID]
	if !ok {
		return "", errors.New("chat not found")
	}
	return row.Status, nil
}

func (s *fakeStore) UpdatePartialResponse(_ context.Context, chatUUID uuid.UUID, raw string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partials = append(s.partials, raw)
	if row, ok := s.rows[chatUUID]; ok {
		row.LLMResponse = raw
	}
	return nil
}

func (s *fakeStore) FinalizeChat(_ context.Context, chatUUID uuid.UUID, cleaned string, status chat.Status, usage *chat.Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = true
	if row, ok := s.rows[chatUUID]; ok {
		row.LLMResponse = cleaned
		row.Status = status
		if usage != nil {
			if usage.TotalTokens != nil {
				row.TotalTokens.Int64 = *usage.TotalTokens
				row.TotalTokens.Valid = true
			}
		}
	}
	return nil
}

func (s *fakeStore) row(chatUUID uuid.UUID) *chat.Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *s.rows[chatUUID]
	return &clone
}

// fakeEvent is one scripted upstream stream event.
type fakeEvent struct {
	chunk llm.Chunk
	err   error
}

func textEvent(text string) fakeEvent {
	return fakeEvent{chunk: llm.Chunk{Text: text, HasText: true}}
}

// fakeStream reads scripted events from a channel. Closing the channel ends
// the stream with io.EOF; leaving it open makes Recv block, which is how
// stall and timeout tests starve the producer.
type fakeStream struct {
	ch chan fakeEvent
}

func newFakeStream() *fakeStream {
	return &fakeStream{ch: make(chan fakeEvent, 64)}
}

func (s *fakeStream) Recv() (llm.Chunk, error) {
	ev, ok := <-s.ch
	if !ok {
		return llm.Chunk{}, io.EOF
	}
	return ev.chunk, ev.err
}

func (s *fakeStream) Close() error { return nil }

// fakeClient hands out one scripted stream.
type fakeClient struct {
	stream llm.Stream
	err    error
}

func (c *fakeClient) StreamCompletion(context.Context, llm.CompletionRequest) (llm.Stream, error) {
	return c.stream, c.err
}

func (c *fakeClient) Complete(context.Context, llm.CompletionRequest) (*llm.Completion, error) {
	return nil, errors.New("not implemented")
}

// sseFrame is one parsed frame of a recorded SSE response.
type sseFrame struct {
	id      string
	event   string
	data    string
	retry   string
	comment bool
}

// parseFrames splits a recorded SSE body into frames. Comment frames keep
// their text in data.
func parseFrames(body string) []sseFrame {
	var frames []sseFrame
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		var f sseFrame
		if strings.HasPrefix(block, ":") {
			f.comment = true
			f.data = strings.TrimSpace(strings.TrimPrefix(block, ":"))
			frames = append(frames, f)
			continue
		}
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "id: "):
				f.id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "event: "):
				f.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				f.data = strings.TrimPrefix(line, "data: ")
			case strings.HasPrefix(line, "retry: "):
				f.retry = strings.TrimPrefix(line, "retry: ")
			}
		}
		frames = append(frames, f)
	}
	return frames
}

// contentFrames filters out comments and the init frame.
func contentFrames(frames []sseFrame) []sseFrame {
	var out []sseFrame
	for _, f := range frames {
		if f.comment || f.event == "init" {
			continue
		}
		out = append(out, f)
	}
	return out
}

func newTestChat() *chat.Chat {
	row := &chat.Chat{
		UUID:       uuid.Must(uuid.NewV7()),
		UserPrompt: "hello",
		Status:     chat.StatusActive,
		Model:      "gpt-4o",
		Provider:   "openai",
		Role:       "assistant",
		CreatedAt:  time.Now(),
	}
	row.ThreadID.Int64 = 7
	row.ThreadID.Valid = true
	return row
}
