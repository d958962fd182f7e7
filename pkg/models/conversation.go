// Package models defines the core domain types shared across the
// orchestration core: conversations, messages, turn records, stream
// events, cost entries, and approval requests.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ConversationStatus is the terminal-state enum for a conversation.
type ConversationStatus string

const (
	ConversationRunning        ConversationStatus = "running"
	ConversationDone           ConversationStatus = "done"
	ConversationBudgetExceeded ConversationStatus = "budget_exceeded"
	ConversationSafetyBlocked  ConversationStatus = "safety_blocked"
	ConversationCancelled      ConversationStatus = "cancelled"
	ConversationTimeout        ConversationStatus = "timeout"
	ConversationError          ConversationStatus = "error"
)

// Terminal reports whether the status is final. Once terminal, no further
// messages may be appended to the conversation.
func (s ConversationStatus) Terminal() bool {
	return s != ConversationRunning && s != ""
}

// Conversation is a bounded group chat owned exclusively by one
// orchestrator run. Messages are append-only and ordered by turn index.
type Conversation struct {
	ID             string             `json:"conv_id"`
	UserID         string             `json:"user_id"`
	Messages       []Message          `json:"messages"`
	TurnCount      int                `json:"turn_count"`
	BudgetLimitUSD decimal.Decimal    `json:"budget_limit_usd"`
	Status         ConversationStatus `json:"status"`
	StartedAt      time.Time          `json:"started_at"`
	EndedAt        *time.Time         `json:"ended_at,omitempty"`
}

// Append adds a message to the conversation. Returns false if the
// conversation is already terminal.
func (c *Conversation) Append(msg Message) bool {
	if c.Status.Terminal() {
		return false
	}
	c.Messages = append(c.Messages, msg)
	return true
}

// LastMessage returns the most recent message, or nil for an empty
// conversation.
func (c *Conversation) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return &c.Messages[len(c.Messages)-1]
}

// SpeakerHistory returns the agent speaker ids in turn order, oldest first.
func (c *Conversation) SpeakerHistory() []string {
	speakers := make([]string, 0, len(c.Messages))
	for _, m := range c.Messages {
		if m.Role == RoleAgent {
			speakers = append(speakers, m.SpeakerID)
		}
	}
	return speakers
}

// MessageRole identifies who produced a message.
type MessageRole string

const (
	RoleUser   MessageRole = "user"
	RoleAgent  MessageRole = "agent"
	RoleSystem MessageRole = "system"
	RoleTool   MessageRole = "tool"
)

// Message is one entry in a conversation. TurnIndex is monotonic within
// a conversation.
type Message struct {
	Role        MessageRole  `json:"role"`
	SpeakerID   string       `json:"speaker_id,omitempty"`
	Content     string       `json:"content"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
	TokenUsage  *TokenUsage  `json:"token_usage,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	TurnIndex   int          `json:"turn_index"`
}

// ToolCall is an agent's request to invoke a tool.
type ToolCall struct {
	CallID    string `json:"call_id"`
	ToolName  string `json:"tool_name"`
	Arguments string `json:"arguments"` // JSON
}

// ToolResult is the outcome of a tool call, matched by CallID.
type ToolResult struct {
	CallID string `json:"call_id"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// TokenUsage aggregates token consumption for one or more model calls.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates usage from another call.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}
