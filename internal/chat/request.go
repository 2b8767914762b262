package chat

import (
	"errors"
	"fmt"
	"strings"
)

// Request is the body of POST /chat. A request with ChatUUID set is a
// reconnection; everything else describes a new chat.
type Request struct {
	Model        string `json:"model"`
	Provider     string `json:"provider"`
	UserPrompt   string `json:"user_prompt"`
	SystemPrompt string `json:"system_prompt"`
	Stream       *bool  `json:"stream"`
	ThreadID     *int64 `json:"thread_id"`
	ChatUUID     string `json:"chat_uuid"`
}

// IsReconnect reports whether the request targets an existing chat.
func (r *Request) IsReconnect() bool {
	return r.ChatUUID != ""
}

// Streaming reports the effective stream flag (defaults to true).
func (r *Request) Streaming() bool {
	return r.Stream == nil || *r.Stream
}

// ModelID returns the provider-qualified model identifier.
func (r *Request) ModelID() string {
	return r.Provider + "/" + r.Model
}

// Validate checks the fields a new chat requires. Reconnection requests only
// need the UUID; the handler resolves everything else from the stored row.
func (r *Request) Validate() error {
	if r.IsReconnect() {
		return nil
	}
	var missing []string
	if r.UserPrompt == "" {
		missing = append(missing, "user_prompt")
	}
	if r.Provider == "" {
		missing = append(missing, "provider")
	}
	if r.Model == "" {
		missing = append(missing, "model")
	}
	if len(missing) > 0 {
		return fmt.Errorf("fields required for new chat: %s", strings.Join(missing, ", "))
	}
	return nil
}

// StopRequest is the body of POST /chat/stop.
type StopRequest struct {
	ChatUUID string `json:"chat_uuid"`
}

// Validate ensures the stop request names a chat.
func (r *StopRequest) Validate() error {
	if r.ChatUUID == "" {
		return errors.New("chat_uuid is required")
	}
	return nil
}
