package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/eternisai/chat-relay/internal/chat"
	"github.com/eternisai/chat-relay/internal/logger"
)

const (
	// Scanner buffer sizing for SSE lines: 64KB initial, 1MB max per line.
	scannerInitialBuffer = 64 * 1024
	scannerMaxBuffer     = 1024 * 1024
)

// HTTPClient implements Client against an OpenAI-compatible endpoint.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewHTTPClient creates an HTTPClient. baseURL is the API root, e.g.
// "https://openrouter.ai/api/v1". The http.Client carries no overall timeout;
// the producer owns all deadlines.
func NewHTTPClient(baseURL, apiKey string, log *logger.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{},
		logger:     log.WithComponent("llm-client"),
	}
}

type wireRequest struct {
	Model         string         `json:"model"`
	Messages      []Message      `json:"messages"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type wireChoice struct {
	Delta *struct {
		Content *string `json:"content"`
	} `json:"delta"`
	Message *struct {
		Content string `json:"content"`
	} `json:"message"`
	FinishReason *string `json:"finish_reason"`
}

type wireUsage struct {
	PromptTokens            *int64 `json:"prompt_tokens"`
	CompletionTokens        *int64 `json:"completion_tokens"`
	TotalTokens             *int64 `json:"total_tokens"`
	CompletionTokensDetails *struct {
		ReasoningTokens *int64 `json:"reasoning_tokens"`
	} `json:"completion_tokens_details"`
}

type wireResponse struct {
	Choices []wireChoice `json:"choices"`
	Usage   *wireUsage   `json:"usage"`
}

func (u *wireUsage) toUsage() *chat.Usage {
	if u == nil {
		return nil
	}
	usage := &chat.Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.TotalTokens,
	}
	if u.CompletionTokensDetails != nil {
		usage.ReasoningTokens = u.CompletionTokensDetails.ReasoningTokens
	}
	return usage
}

func (c *HTTPClient) newRequest(ctx context.Context, req CompletionRequest, stream bool) (*http.Request, error) {
	body := wireRequest{
		Model:    req.Model,
		Messages: req.Messages,
		Stream:   stream,
	}
	if stream {
		// The final chunk carries token counts only when usage is requested.
		body.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return httpReq, nil
}

// Complete performs a non-streaming completion call.
func (c *HTTPClient) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	httpReq, err := c.newRequest(ctx, req, false)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("completion call failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read completion response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream returned status %d: %s", resp.StatusCode, truncate(string(raw), 256))
	}

	var parsed wireResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode completion response: %w", err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message == nil {
		return nil, fmt.Errorf("upstream response has no choices")
	}

	return &Completion{
		Text:  parsed.Choices[0].Message.Content,
		Usage: parsed.Usage.toUsage(),
		Raw:   raw,
	}, nil
}

// StreamCompletion opens a streaming completion. The returned Stream must be
// closed by the caller; its Recv blocks until the next SSE data line.
func (c *HTTPClient) StreamCompletion(ctx context.Context, req CompletionRequest) (Stream, error) {
	httpReq, err := c.newRequest(ctx, req, true)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("streaming completion call failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close() //nolint:errcheck
		return nil, fmt.Errorf("upstream returned status %d: %s", resp.StatusCode, truncate(string(body), 256))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, scannerInitialBuffer), scannerMaxBuffer)

	c.logger.Debug("upstream stream opened", slog.String("model", req.Model))

	return &sseStream{
		body:    resp.Body,
		scanner: scanner,
	}, nil
}

// sseStream decodes OpenAI-style SSE data lines into Chunks.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func (s *sseStream) Recv() (Chunk, error) {
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data: ") {
			// Comments and event names are not interesting here.
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return Chunk{}, io.EOF
		}

		var parsed wireResponse
		if err := json.Unmarshal([]byte(data), &parsed); err != nil {
			// Malformed frames are skipped rather than failing the stream.
			continue
		}

		chunk := Chunk{Usage: parsed.Usage.toUsage()}
		if len(parsed.Choices) > 0 && parsed.Choices[0].Delta != nil && parsed.Choices[0].Delta.Content != nil {
			chunk.Text = *parsed.Choices[0].Delta.Content
			chunk.HasText = true
		}
		return chunk, nil
	}

	if err := s.scanner.Err(); err != nil {
		return Chunk{}, fmt.Errorf("upstream stream read failed: %w", err)
	}
	return Chunk{}, io.EOF
}

func (s *sseStream) Close() error {
	return s.body.Close()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
