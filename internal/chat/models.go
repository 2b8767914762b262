package chat

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Thread groups an ordered sequence of chats into a conversation.
type Thread struct {
	ID        int64
	Title     string
	CreatedAt time.Time
	UpdatedAt sql.NullTime
	DeletedAt sql.NullTime
}

// Chat is one user prompt + one assistant response pair. The UUID is the
// externally visible handle; it is minted by the relay (UUIDv7, time-ordered)
// and never changes.
type Chat struct {
	ID           int64
	UUID         uuid.UUID
	ThreadID     sql.NullInt64
	UserPrompt   string
	FinalPrompt  string
	SystemPrompt sql.NullString
	LLMResponse  string
	Status       Status
	Model        string
	Provider     string
	Role         string

	InputTokens     sql.NullInt64
	OutputTokens    sql.NullInt64
	ReasoningTokens sql.NullInt64
	TotalTokens     sql.NullInt64

	// Provider response metadata, stored as raw JSON.
	Meta             []byte
	CompleteResponse []byte

	CreatedAt time.Time
	UpdatedAt sql.NullTime
	IsDeleted bool
}

// UsageCounters collects the row's token counters into a Usage, nil when the
// provider reported none of them.
func (c *Chat) UsageCounters() *Usage {
	usage := &Usage{}
	found := false
	for _, pair := range []struct {
		src sql.NullInt64
		dst **int64
	}{
		{c.InputTokens, &usage.InputTokens},
		{c.OutputTokens, &usage.OutputTokens},
		{c.ReasoningTokens, &usage.ReasoningTokens},
		{c.TotalTokens, &usage.TotalTokens},
	} {
		if pair.src.Valid {
			v := pair.src.Int64
			*pair.dst = &v
			found = true
		}
	}
	if !found {
		return nil
	}
	return usage
}

// Usage holds the token counters a provider reports on the final chunk of a
// stream (or on a non-streaming response). Fields are nil when the provider
// did not report them.
type Usage struct {
	InputTokens     *int64 `json:"input_tokens,omitempty"`
	OutputTokens    *int64 `json:"output_tokens,omitempty"`
	ReasoningTokens *int64 `json:"reasoning_tokens,omitempty"`
	TotalTokens     *int64 `json:"total_tokens,omitempty"`
}
