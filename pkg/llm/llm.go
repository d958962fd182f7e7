// Package llm abstracts chat-completion providers behind a streaming
// client interface. The concrete implementation speaks the
// OpenAI-compatible chat completions protocol over SSE.
package llm

import (
	"context"
	"encoding/json"

	"github.com/convergio/convergio/pkg/models"
)

// Chunk is one streaming fragment from the model. Exactly one of
// Content, ToolCall, or Usage is meaningful per chunk; FinishReason is
// set on the closing chunk.
type Chunk struct {
	Content      string
	ToolCall     *models.ToolCall
	Usage        *models.TokenUsage
	FinishReason string
}

// ToolDef describes a callable tool in the request.
type ToolDef struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Request is a single chat completion call.
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []models.Message
	Tools        []ToolDef
	Temperature  float64
	MaxTokens    int
}

// Client streams a model response. The chunks channel is closed when
// the stream completes; at most one error is sent on errs. Callers
// must drain chunks before reading errs.
type Client interface {
	Stream(ctx context.Context, req Request) (<-chan Chunk, <-chan error)
}
