package streaming

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/eternisai/chat-relay/internal/chat"
)

// heartbeatComment is the body of the SSE comment frame sent while the
// upstream is quiet. Comments carry no id and no event; clients ignore them
// without advancing their Last-Event-ID.
const heartbeatComment = "PING, WE ARE STILL GENERATING RESPONSE"

type initPayload struct {
	ChatUUID    string `json:"chat_uuid"`
	ThreadID    int64  `json:"thread_id"`
	Reconnected bool   `json:"reconnected,omitempty"`
}

type chunkPayload struct {
	Text string `json:"text"`
}

// frameWriter serializes SSE frames and flushes after each one. The first
// write error sticks: later frames become no-ops, which lets callers keep
// draining their source after a client disconnect.
type frameWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	err     error
}

func newFrameWriter(w http.ResponseWriter) *frameWriter {
	flusher, _ := w.(http.Flusher)
	return &frameWriter{w: w, flusher: flusher}
}

// Err returns the first write error, nil while the client is still reading.
func (f *frameWriter) Err() error {
	return f.err
}

func (f *frameWriter) write(s string) {
	if f.err != nil {
		return
	}
	if _, err := fmt.Fprint(f.w, s); err != nil {
		f.err = err
		return
	}
	if f.flusher != nil {
		f.flusher.Flush()
	}
}

// Init emits the first frame of a stream. retryMS becomes the client's
// reconnection delay.
func (f *frameWriter) Init(chatUUID string, threadID int64, reconnected bool, retryMS int) {
	data, err := json.Marshal(initPayload{ChatUUID: chatUUID, ThreadID: threadID, Reconnected: reconnected})
	if err != nil {
		f.err = err
		return
	}
	f.write("id: " + chatUUID + "\nevent: init\ndata: " + string(data) + "\nretry: " + strconv.Itoa(retryMS) + "\n\n")
}

// Chunk emits one content frame. id is the chunk index the client will echo
// back as Last-Event-ID plus one on reconnect.
func (f *frameWriter) Chunk(id int64, text string) {
	data, err := json.Marshal(chunkPayload{Text: text})
	if err != nil {
		f.err = err
		return
	}
	f.write("id: " + strconv.FormatInt(id, 10) + "\nevent: chunk\ndata: " + string(data) + "\n\n")
}

// Comment emits an SSE comment frame.
func (f *frameWriter) Comment(text string) {
	f.write(": " + text + "\n\n")
}

// Terminal emits the closing frame for a terminal status.
func (f *frameWriter) Terminal(id int64, status chat.Status) {
	var event, data string
	switch status {
	case chat.StatusFailed:
		event, data = "failed", "[FAILED]"
	case chat.StatusInterrupted:
		event, data = "done", "[INTERRUPT]"
	default:
		event, data = "done", "[DONE]"
	}
	f.write("id: " + strconv.FormatInt(id, 10) + "\nevent: " + event + "\ndata: " + data + "\n\n")
}

// SetStreamHeaders prepares a response for SSE delivery.
func SetStreamHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}
