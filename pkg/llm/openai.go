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
	"os"
	"strings"
	"time"

	"github.com/convergio/convergio/pkg/config"
	"github.com/convergio/convergio/pkg/models"
)

// chatRequest is the OpenAI chat completions request body.
type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	Tools         []chatTool     `json:"tools,omitempty"`
	Stream        bool           `json:"stream"`
	Temperature   *float64       `json:"temperature,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []toolCallWire `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// toolCallWire carries streamed tool calls; Index identifies the slot
// being appended to across chunks.
type toolCallWire struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatChunk struct {
	Choices []struct {
		Delta *struct {
			Content   string         `json:"content,omitempty"`
			ToolCalls []toolCallWire `json:"tool_calls,omitempty"`
		} `json:"delta,omitempty"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
}

// OpenAIClient speaks the OpenAI-compatible chat completions protocol.
type OpenAIClient struct {
	provider string
	baseURL  string
	apiKey   string
	http     *http.Client
}

// NewOpenAIClient builds a client for one provider endpoint. The API
// key is resolved from the environment variable the config names.
func NewOpenAIClient(name string, cfg config.ProviderConfig) (*OpenAIClient, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if cfg.APIKeyEnv != "" && apiKey == "" {
		return nil, fmt.Errorf("provider %q: environment variable %s is not set", name, cfg.APIKeyEnv)
	}

	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OpenAIClient{
		provider: name,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   apiKey,
		http:     &http.Client{Timeout: timeout},
	}, nil
}

var _ Client = (*OpenAIClient)(nil)

// Stream sends the completion request and forwards SSE chunks.
func (c *OpenAIClient) Stream(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		body, err := json.Marshal(c.buildRequest(req))
		if err != nil {
			errs <- fmt.Errorf("marshal request: %w", err)
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			errs <- fmt.Errorf("build request: %w", err)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.http.Do(httpReq)
		if err != nil {
			errs <- models.WrapError(models.ErrProviderUnavailable,
				fmt.Sprintf("provider %s request failed", c.provider), err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			err := &models.OrchestrationError{
				Kind:      models.ErrProviderUnavailable,
				Message:   fmt.Sprintf("provider %s returned %d: %s", c.provider, resp.StatusCode, strings.TrimSpace(string(payload))),
				Retryable: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
			}
			errs <- err
			return
		}

		if err := c.readSSE(ctx, resp.Body, chunks); err != nil {
			errs <- err
		}
	}()

	return chunks, errs
}

func (c *OpenAIClient) buildRequest(req Request) chatRequest {
	msgs := make([]chatMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, toWireMessage(m))
	}

	out := chatRequest{
		Model:         req.Model,
		Messages:      msgs,
		Stream:        true,
		MaxTokens:     req.MaxTokens,
		StreamOptions: &streamOptions{IncludeUsage: true},
	}
	if req.Temperature > 0 {
		t := req.Temperature
		out.Temperature = &t
	}
	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, chatTool{
			Type: "function",
			Function: chatFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	return out
}

func toWireMessage(m models.Message) chatMessage {
	role := "user"
	switch m.Role {
	case models.RoleAgent:
		role = "assistant"
	case models.RoleSystem:
		role = "system"
	case models.RoleTool:
		role = "tool"
	}

	wire := chatMessage{Role: role, Content: m.Content}
	for _, tc := range m.ToolCalls {
		w := toolCallWire{ID: tc.CallID, Type: "function"}
		w.Function.Name = tc.ToolName
		w.Function.Arguments = tc.Arguments
		wire.ToolCalls = append(wire.ToolCalls, w)
	}
	if role == "tool" && len(m.ToolResults) > 0 {
		wire.ToolCallID = m.ToolResults[0].CallID
		if m.ToolResults[0].Error != "" {
			wire.Content = m.ToolResults[0].Error
		} else {
			wire.Content = m.ToolResults[0].Result
		}
	}
	return wire
}

// readSSE parses the event stream, forwarding content deltas as they
// arrive and assembling incrementally streamed tool calls.
func (c *OpenAIClient) readSSE(ctx context.Context, body io.Reader, chunks chan<- Chunk) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	type partialToolCall struct {
		id   string
		name string
		args strings.Builder
	}
	var toolCalls []partialToolCall
	var usage *models.TokenUsage
	finishReason := ""

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			slog.Debug("Skipping malformed SSE chunk", "provider", c.provider, "error", err)
			continue
		}

		if chunk.Usage != nil {
			usage = &models.TokenUsage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
		if choice.Delta == nil {
			continue
		}

		if choice.Delta.Content != "" {
			select {
			case chunks <- Chunk{Content: choice.Delta.Content}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			for len(toolCalls) <= tc.Index {
				toolCalls = append(toolCalls, partialToolCall{})
			}
			if tc.ID != "" {
				toolCalls[tc.Index].id = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[tc.Index].name = tc.Function.Name
			}
			toolCalls[tc.Index].args.WriteString(tc.Function.Arguments)
		}
	}
	if err := scanner.Err(); err != nil {
		return models.WrapError(models.ErrProviderUnavailable, "stream read failed", err)
	}

	for _, tc := range toolCalls {
		args := tc.args.String()
		if !json.Valid([]byte(args)) {
			args = "{}"
		}
		call := &models.ToolCall{CallID: tc.id, ToolName: tc.name, Arguments: args}
		select {
		case chunks <- Chunk{ToolCall: call}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	final := Chunk{FinishReason: finishReason, Usage: usage}
	if final.FinishReason == "" {
		final.FinishReason = "stop"
	}
	select {
	case chunks <- final:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
