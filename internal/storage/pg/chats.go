package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/eternisai/chat-relay/internal/chat"
	"github.com/google/uuid"
)

// ErrChatNotFound is returned when no chat row exists for a UUID.
var ErrChatNotFound = errors.New("chat not found")

// threadTitleMaxLen bounds the thread title minted from the first user
// prompt, counted in runes so multi-byte prompts stay valid UTF-8.
const threadTitleMaxLen = 100

// threadTitle derives a thread title from the first user prompt.
func threadTitle(prompt string) string {
	runes := []rune(prompt)
	if len(runes) > threadTitleMaxLen {
		runes = runes[:threadTitleMaxLen]
	}
	return string(runes)
}

// Store provides access to the chat and chat_thread tables.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store on top of an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateChatParams holds everything needed to insert a new chat row.
type CreateChatParams struct {
	UserPrompt   string
	SystemPrompt string
	Model        string
	Provider     string
	ThreadID     *int64
	Status       chat.Status
	LLMResponse  string
	Usage        *chat.Usage
	// Raw provider response metadata for the non-streaming path.
	CompleteResponse []byte
}

// CreateChat inserts a chat row in a single transaction, minting a thread
// from the first user prompt when the request carries no thread_id. The chat
// UUID (v7, time-ordered) is assigned here and never changes; the thread is
// assigned before any client-visible response byte.
func (s *Store) CreateChat(ctx context.Context, params CreateChatParams) (*chat.Chat, error) {
	chatUUID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to mint chat uuid: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	threadID := params.ThreadID
	if threadID == nil {
		title := threadTitle(params.UserPrompt)
		var id int64
		err := tx.QueryRowContext(ctx,
			`INSERT INTO chat_thread (thread_title) VALUES ($1) RETURNING id`,
			title,
		).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("failed to create thread: %w", err)
		}
		threadID = &id
	}

	row := &chat.Chat{
		UUID:        chatUUID,
		ThreadID:    sql.NullInt64{Int64: *threadID, Valid: true},
		UserPrompt:  params.UserPrompt,
		FinalPrompt: params.UserPrompt,
		LLMResponse: params.LLMResponse,
		Status:      params.Status,
		Model:       params.Model,
		Provider:    params.Provider,
		Role:        "assistant",
	}
	if params.SystemPrompt != "" {
		row.SystemPrompt = sql.NullString{String: params.SystemPrompt, Valid: true}
	}
	if params.Usage != nil {
		row.InputTokens = nullInt64(params.Usage.InputTokens)
		row.OutputTokens = nullInt64(params.Usage.OutputTokens)
		row.ReasoningTokens = nullInt64(params.Usage.ReasoningTokens)
		row.TotalTokens = nullInt64(params.Usage.TotalTokens)
	}
	row.CompleteResponse = params.CompleteResponse

	err = tx.QueryRowContext(ctx,
		`INSERT INTO chat (
			uuid, thread_id, user_prompt, final_prompt, system_prompt,
			llm_response, status, model, provider, role,
			input_tokens, output_tokens, reasoning_tokens, total_tokens,
			complete_response
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id, created_at`,
		row.UUID, row.ThreadID, row.UserPrompt, row.FinalPrompt, row.SystemPrompt,
		row.LLMResponse, string(row.Status), row.Model, row.Provider, row.Role,
		row.InputTokens, row.OutputTokens, row.ReasoningTokens, row.TotalTokens,
		nullJSON(row.CompleteResponse),
	).Scan(&row.ID, &row.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert chat: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit chat insert: %w", err)
	}
	return row, nil
}

const chatColumns = `id, uuid, thread_id, user_prompt, final_prompt, system_prompt,
	llm_response, status, model, provider, role,
	input_tokens, output_tokens, reasoning_tokens, total_tokens,
	meta, complete_response, created_at, updated_at, is_deleted`

// GetChatByUUID fetches a chat row by its external handle.
func (s *Store) GetChatByUUID(ctx context.Context, chatUUID uuid.UUID) (*chat.Chat, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+chatColumns+` FROM chat WHERE uuid = $1`, chatUUID)
	return scanChat(row)
}

// GetChatStatus reads only the status column. The producer uses this as the
// interrupt-check fallback when Redis is unavailable.
func (s *Store) GetChatStatus(ctx context.Context, chatUUID uuid.UUID) (chat.Status, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM chat WHERE uuid = $1`, chatUUID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrChatNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read chat status: %w", err)
	}
	return chat.Status(status), nil
}

// UpdatePartialResponse stores the raw accumulated response mid-stream.
// Sentinel placeholders are intentionally kept; only the final write cleans.
func (s *Store) UpdatePartialResponse(ctx context.Context, chatUUID uuid.UUID, raw string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chat SET llm_response = $2, updated_at = $3 WHERE uuid = $1`,
		chatUUID, raw, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to write partial response: %w", err)
	}
	return nil
}

// FinalizeChat performs the single terminal update: cleaned response text,
// terminal status, usage counters, updated_at.
func (s *Store) FinalizeChat(ctx context.Context, chatUUID uuid.UUID, cleaned string, status chat.Status, usage *chat.Usage) error {
	var in, out, reasoning, total sql.NullInt64
	if usage != nil {
		in = nullInt64(usage.InputTokens)
		out = nullInt64(usage.OutputTokens)
		reasoning = nullInt64(usage.ReasoningTokens)
		total = nullInt64(usage.TotalTokens)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE chat SET
			llm_response = $2,
			status = $3,
			input_tokens = $4,
			output_tokens = $5,
			reasoning_tokens = $6,
			total_tokens = $7,
			updated_at = $8
		WHERE uuid = $1`,
		chatUUID, cleaned, string(status), in, out, reasoning, total, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to finalize chat: %w", err)
	}
	return nil
}

// SetChatStatus mirrors a status change (the stop endpoint) into the row.
// Only active rows are touched: status transitions are monotone, and a stale
// cache read must not flip a finalized chat back.
func (s *Store) SetChatStatus(ctx context.Context, chatUUID uuid.UUID, status chat.Status) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chat SET status = $2, updated_at = $3 WHERE uuid = $1 AND status = 'active'`,
		chatUUID, string(status), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set chat status: %w", err)
	}
	return nil
}

// ListChatsByThread returns the non-deleted chats of a thread ordered by
// creation time. Feeds conversation history into the upstream prompt.
func (s *Store) ListChatsByThread(ctx context.Context, threadID int64, descending bool) ([]chat.Chat, error) {
	order := "ASC"
	if descending {
		order = "DESC"
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chatColumns+` FROM chat
		 WHERE thread_id = $1 AND is_deleted = FALSE
		 ORDER BY created_at `+order, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats for thread: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var chats []chat.Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chats: %w", err)
	}
	return chats, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanChat(row rowScanner) (*chat.Chat, error) {
	var c chat.Chat
	var status string
	err := row.Scan(
		&c.ID, &c.UUID, &c.ThreadID, &c.UserPrompt, &c.FinalPrompt, &c.SystemPrompt,
		&c.LLMResponse, &status, &c.Model, &c.Provider, &c.Role,
		&c.InputTokens, &c.OutputTokens, &c.ReasoningTokens, &c.TotalTokens,
		&c.Meta, &c.CompleteResponse, &c.CreatedAt, &c.UpdatedAt, &c.IsDeleted,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan chat row: %w", err)
	}
	c.Status = chat.Status(status)
	return &c, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
