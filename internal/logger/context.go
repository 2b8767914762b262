package logger

import (
	"context"

	"github.com/google/uuid"
)

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// WithChatUUID adds a chat UUID to the context.
func WithChatUUID(ctx context.Context, chatUUID string) context.Context {
	return context.WithValue(ctx, ContextKeyChatUUID, chatUUID)
}

// GenerateRequestID generates a new request ID.
func GenerateRequestID() string {
	return uuid.New().String()
}
