// Package llm talks to an OpenAI-compatible chat completions endpoint over
// plain HTTP. No provider SDK: any endpoint speaking the wire format works
// (OpenAI, OpenRouter, vLLM, self-hosted).
package llm

import (
	"context"

	"github.com/eternisai/chat-relay/internal/chat"
)

// Message is one turn of a conversation in the upstream wire format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest describes one upstream call.
type CompletionRequest struct {
	// Model is the provider-qualified model id, e.g. "openai/gpt-4o".
	Model    string
	Messages []Message
}

// Chunk is one decoded streaming delta. HasText is false when the chunk
// carried no content delta at all (role-only or usage-only chunks); Text may
// legitimately be the empty string when HasText is true.
type Chunk struct {
	Text    string
	HasText bool
	Usage   *chat.Usage
}

// Stream yields chunks from an in-flight streaming completion.
// Recv returns io.EOF when the upstream closes the stream normally.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// Completion is a full non-streaming response.
type Completion struct {
	Text  string
	Usage *chat.Usage
	// Raw is the provider's response body, stored on the chat row as
	// complete_response.
	Raw []byte
}

// Client is the upstream LLM interface the streaming core depends on.
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
	StreamCompletion(ctx context.Context, req CompletionRequest) (Stream, error)
}

// BuildMessages assembles the upstream message list: prior thread turns
// first, then the optional system prompt, then the new user prompt.
func BuildMessages(systemPrompt string, history []Message, userPrompt string) []Message {
	messages := make([]Message, 0, len(history)+2)
	messages = append(messages, history...)
	if systemPrompt != "" {
		messages = append(messages, Message{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, Message{Role: "user", Content: userPrompt})
	return messages
}

// HistoryFromChats converts stored thread turns into upstream messages.
// Each chat contributes its user prompt and, when present, the assistant
// response.
func HistoryFromChats(chats []chat.Chat) []Message {
	messages := make([]Message, 0, len(chats)*2)
	for _, c := range chats {
		messages = append(messages, Message{Role: "user", Content: c.UserPrompt})
		if c.LLMResponse != "" {
			messages = append(messages, Message{Role: "assistant", Content: c.LLMResponse})
		}
	}
	return messages
}
