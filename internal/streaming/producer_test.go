package streaming

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/eternisai/chat-relay/internal/chat"
	"github.com/eternisai/chat-relay/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runRelay spawns the producer on a detached context and drives the emitter
// to completion against a recorder, the same wiring the HTTP handler uses.
func runRelay(t *testing.T, row *chat.Chat, client llm.Client, state *fakeState, store *fakeStore, tun Tunables) *httptest.ResponseRecorder {
	t.Helper()

	store.put(row)
	require.NoError(t, state.SetStatus(context.Background(), row.UUID.String(), chat.StatusActive))

	producer := NewProducer(row, llm.CompletionRequest{Model: "openai/gpt-4o"}, client, state, store, tun, testLogger())
	emitter := NewEmitter(row, producer.Out(), tun, testLogger())

	go producer.Run(context.Background())

	rec := httptest.NewRecorder()
	emitter.Stream(rec)
	return rec
}

func TestStreamHappyPath(t *testing.T) {
	stream := newFakeStream()
	stream.ch <- textEvent("Hel")
	stream.ch <- textEvent("lo")
	stream.ch <- textEvent("!")
	total := int64(5)
	stream.ch <- fakeEvent{chunk: llm.Chunk{Usage: &chat.Usage{TotalTokens: &total}}}
	close(stream.ch)

	state := newFakeState()
	store := newFakeStore()
	row := newTestChat()

	rec := runRelay(t, row, &fakeClient{stream: stream}, state, store, testTunables())

	frames := parseFrames(rec.Body.String())
	require.NotEmpty(t, frames)

	init := frames[0]
	assert.Equal(t, "init", init.event)
	assert.Equal(t, row.UUID.String(), init.id)
	assert.Equal(t, "30000", init.retry)
	assert.Contains(t, init.data, `"thread_id":7`)
	assert.NotContains(t, init.data, "reconnected")

	content := contentFrames(frames)
	require.Len(t, content, 4)
	for i, text := range []string{"Hel", "lo", "!"} {
		assert.Equal(t, strconv.Itoa(i), content[i].id)
		assert.Equal(t, "chunk", content[i].event)
		assert.Equal(t, fmt.Sprintf("{%q:%q}", "text", text), content[i].data)
	}
	assert.Equal(t, "done", content[3].event)
	assert.Equal(t, "[DONE]", content[3].data)

	// Buffer holds every chunk plus exactly one terminal sentinel.
	buf := state.bufferOf(row.UUID.String())
	assert.Equal(t, []string{"Hel", "lo", "!", chat.SentinelDone}, buf)
	assert.Equal(t, chat.StatusCompleted, state.statusOf(row.UUID.String()))

	final := store.row(row.UUID)
	assert.Equal(t, chat.StatusCompleted, final.Status)
	assert.Equal(t, "Hello!", final.LLMResponse)
	assert.Equal(t, int64(5), final.TotalTokens.Int64)
}

func TestStreamInterrupt(t *testing.T) {
	stream := newFakeStream()
	state := newFakeState()
	store := newFakeStore()
	row := newTestChat()

	tun := testTunables()
	tun.AliveInterval = 30 * time.Millisecond

	stream.ch <- textEvent("a")
	stream.ch <- textEvent("b")
	// Upstream stalls after two chunks; the stop endpoint writes
	// interrupted while the producer is waiting, and the next iteration
	// boundary (a synthesized heartbeat) observes it.
	go func() {
		time.Sleep(60 * time.Millisecond)
		state.SetStatus(context.Background(), row.UUID.String(), chat.StatusInterrupted) //nolint:errcheck
	}()

	rec := runRelay(t, row, &fakeClient{stream: stream}, state, store, tun)

	content := contentFrames(parseFrames(rec.Body.String()))
	require.Len(t, content, 3)
	assert.Equal(t, "chunk", content[0].event)
	assert.Equal(t, "chunk", content[1].event)
	assert.Equal(t, "done", content[2].event)
	assert.Equal(t, "[INTERRUPT]", content[2].data)

	final := store.row(row.UUID)
	assert.Equal(t, chat.StatusInterrupted, final.Status)
	assert.Equal(t, "ab", final.LLMResponse)

	buf := state.bufferOf(row.UUID.String())
	require.NotEmpty(t, buf)
	assert.Equal(t, chat.SentinelInterrupted, buf[len(buf)-1])
}

func TestStreamHeartbeatOnStall(t *testing.T) {
	tun := testTunables()
	tun.AliveInterval = 30 * time.Millisecond

	stream := newFakeStream()
	state := newFakeState()
	store := newFakeStore()
	row := newTestChat()

	go func() {
		stream.ch <- textEvent("a")
		time.Sleep(100 * time.Millisecond) // two stall windows
		stream.ch <- textEvent("b")
		close(stream.ch)
	}()

	rec := runRelay(t, row, &fakeClient{stream: stream}, state, store, tun)

	frames := parseFrames(rec.Body.String())
	var comments int
	for _, f := range frames {
		if f.comment {
			comments++
		}
	}
	assert.GreaterOrEqual(t, comments, 2)

	// Heartbeats do not advance chunk ids.
	content := contentFrames(frames)
	require.Len(t, content, 3)
	assert.Equal(t, "0", content[0].id)
	assert.Equal(t, "1", content[1].id)
	assert.Equal(t, "done", content[2].event)

	// Heartbeats are stripped from the stored response and never enter the
	// buffer, so replay indexes stay aligned with live chunk ids.
	assert.Equal(t, "ab", store.row(row.UUID).LLMResponse)
	assert.Equal(t, []string{"a", "b", chat.SentinelDone}, state.bufferOf(row.UUID.String()))
}

func TestReplayIdsMatchLiveStreamAfterStall(t *testing.T) {
	tun := testTunables()
	tun.AliveInterval = 30 * time.Millisecond

	stream := newFakeStream()
	state := newFakeState()
	store := newFakeStore()
	row := newTestChat()

	go func() {
		stream.ch <- textEvent("a")
		stream.ch <- textEvent("b")
		time.Sleep(80 * time.Millisecond) // stall long enough to heartbeat
		stream.ch <- textEvent("c")
		close(stream.ch)
	}()

	runRelay(t, row, &fakeClient{stream: stream}, state, store, tun)

	// A client that saw chunks 0 and 1 before dropping reconnects with
	// Last-Event-ID 2 and gets only the chunk it missed.
	rec := httptest.NewRecorder()
	NewReplayer(state, store, tun, testLogger()).Stream(context.Background(), rec, row, 2)

	content := contentFrames(parseFrames(rec.Body.String()))
	require.Len(t, content, 2)
	assert.Equal(t, "2", content[0].id)
	assert.Equal(t, fmt.Sprintf("{%q:%q}", "text", "c"), content[0].data)
	assert.Equal(t, "done", content[1].event)
}

func TestStreamTotalTimeout(t *testing.T) {
	tun := testTunables()
	tun.AliveInterval = 20 * time.Millisecond
	tun.TotalResponseTimeout = 90 * time.Millisecond

	stream := newFakeStream() // never yields, never closes
	state := newFakeState()
	store := newFakeStore()
	row := newTestChat()

	rec := runRelay(t, row, &fakeClient{stream: stream}, state, store, tun)

	content := contentFrames(parseFrames(rec.Body.String()))
	require.NotEmpty(t, content)
	last := content[len(content)-1]
	assert.Equal(t, "failed", last.event)
	assert.Equal(t, "[FAILED]", last.data)

	assert.Equal(t, chat.StatusFailed, store.row(row.UUID).Status)
	assert.Equal(t, chat.StatusFailed, state.statusOf(row.UUID.String()))
}

func TestStreamUpstreamFault(t *testing.T) {
	stream := newFakeStream()
	stream.ch <- textEvent("partial")
	stream.ch <- fakeEvent{err: errors.New("connection reset")}

	state := newFakeState()
	store := newFakeStore()
	row := newTestChat()

	rec := runRelay(t, row, &fakeClient{stream: stream}, state, store, testTunables())

	content := contentFrames(parseFrames(rec.Body.String()))
	require.Len(t, content, 2)
	assert.Equal(t, "chunk", content[0].event)
	assert.Equal(t, "failed", content[1].event)

	final := store.row(row.UUID)
	assert.Equal(t, chat.StatusFailed, final.Status)
	assert.Equal(t, "partial", final.LLMResponse)
}

func TestStreamUpstreamOpenFailure(t *testing.T) {
	state := newFakeState()
	store := newFakeStore()
	row := newTestChat()

	rec := runRelay(t, row, &fakeClient{err: errors.New("upstream down")}, state, store, testTunables())

	frames := parseFrames(rec.Body.String())
	require.Len(t, frames, 2)
	assert.Equal(t, "init", frames[0].event)
	assert.Equal(t, "failed", frames[1].event)

	assert.Equal(t, chat.StatusFailed, store.row(row.UUID).Status)
	assert.Equal(t, []string{chat.SentinelFailed}, state.bufferOf(row.UUID.String()))
}

// brokenWriter fails every write after the first, standing in for a client
// that dropped the connection mid-stream.
type brokenWriter struct {
	*httptest.ResponseRecorder
	writes int
}

func (w *brokenWriter) Write(p []byte) (int, error) {
	w.writes++
	if w.writes > 1 {
		return 0, errors.New("broken pipe")
	}
	return w.ResponseRecorder.Write(p)
}

func TestProducerSurvivesClientDisconnect(t *testing.T) {
	stream := newFakeStream()
	stream.ch <- textEvent("a")
	stream.ch <- textEvent("b")
	stream.ch <- textEvent("c")
	close(stream.ch)

	state := newFakeState()
	store := newFakeStore()
	row := newTestChat()
	store.put(row)
	require.NoError(t, state.SetStatus(context.Background(), row.UUID.String(), chat.StatusActive))

	tun := testTunables()
	producer := NewProducer(row, llm.CompletionRequest{Model: "openai/gpt-4o"}, &fakeClient{stream: stream}, state, store, tun, testLogger())
	emitter := NewEmitter(row, producer.Out(), tun, testLogger())

	go producer.Run(context.Background())
	emitter.Stream(&brokenWriter{ResponseRecorder: httptest.NewRecorder()})

	// Emitter returning means the channel was drained, so the producer has
	// finished persisting despite the dead client.
	final := store.row(row.UUID)
	assert.Equal(t, chat.StatusCompleted, final.Status)
	assert.Equal(t, "abc", final.LLMResponse)
	assert.Equal(t, []string{"a", "b", "c", chat.SentinelDone}, state.bufferOf(row.UUID.String()))
}

func TestFlushThresholds(t *testing.T) {
	tun := testTunables()
	tun.RedisFlushEveryN = 2
	tun.DBFlushEveryM = 3

	stream := newFakeStream()
	for _, text := range []string{"1", "2", "3", "4", "5"} {
		stream.ch <- textEvent(text)
	}
	close(stream.ch)

	state := newFakeState()
	store := newFakeStore()
	row := newTestChat()

	runRelay(t, row, &fakeClient{stream: stream}, state, store, tun)

	// Two threshold flushes of two chunks each, then the terminal flush.
	require.GreaterOrEqual(t, len(state.appendCalls), 3)
	assert.Equal(t, []string{"1", "2"}, state.appendCalls[0])
	assert.Equal(t, []string{"3", "4"}, state.appendCalls[1])

	// Partial writes carry the whole raw accumulation so far.
	require.NotEmpty(t, store.partials)
	assert.Equal(t, "123", store.partials[0])
}
