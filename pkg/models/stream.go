package models

import "github.com/shopspring/decimal"

// StreamEventKind identifies the variant of a StreamEvent.
type StreamEventKind string

const (
	EventDelta      StreamEventKind = "delta"
	EventToolCall   StreamEventKind = "tool_call"
	EventToolResult StreamEventKind = "tool_result"
	EventHandoff    StreamEventKind = "handoff"
	EventHeartbeat  StreamEventKind = "heartbeat"
	EventFinal      StreamEventKind = "final"
	EventError      StreamEventKind = "error"

	// Orchestrator meta events wrapping the per-turn stream.
	EventTurnStarted       StreamEventKind = "turn_started"
	EventTurnEnded         StreamEventKind = "turn_ended"
	EventOrchestratorFinal StreamEventKind = "orchestrator_final"
)

// CompletionReason explains why a turn finished.
type CompletionReason string

const (
	CompletionStop      CompletionReason = "stop"
	CompletionLength    CompletionReason = "length"
	CompletionTool      CompletionReason = "tool"
	CompletionCancelled CompletionReason = "cancelled"
	CompletionError     CompletionReason = "error"
)

// StreamEvent is the tagged union emitted by the streaming runner and,
// with ConvID/TurnIndex attached, forwarded by the orchestrator. Seq is
// strictly increasing per turn, starting at 0. Exactly one of the
// variant pointers is set, matching Kind.
type StreamEvent struct {
	Kind      StreamEventKind `json:"kind"`
	ConvID    string          `json:"conv_id,omitempty"`
	TurnIndex int             `json:"turn_index"`
	Seq       int             `json:"seq"`

	Delta      *DeltaEvent      `json:"delta,omitempty"`
	ToolCall   *ToolCall        `json:"tool_call,omitempty"`
	ToolResult *ToolResult      `json:"tool_result,omitempty"`
	Handoff    *HandoffEvent    `json:"handoff,omitempty"`
	Final      *FinalEvent      `json:"final,omitempty"`
	Error      *ErrorEvent      `json:"error,omitempty"`
	TurnMeta   *TurnMetaEvent   `json:"turn_meta,omitempty"`
	FinalMeta  *OrchestratorEnd `json:"orchestrator_final,omitempty"`
}

// DeltaEvent is a partial text chunk. Concatenating all deltas of a turn
// up to the final event yields the canonical turn text.
type DeltaEvent struct {
	Content string `json:"content"`
}

// HandoffEvent is observational only: the orchestrator, not the agent,
// decides the next speaker.
type HandoffEvent struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// FinalEvent terminates a successful turn stream.
type FinalEvent struct {
	TotalTokens      int              `json:"total_tokens"`
	PromptTokens     int              `json:"prompt_tokens"`
	CompletionTokens int              `json:"completion_tokens"`
	CompletionReason CompletionReason `json:"completion_reason"`
	CostEstimateUSD  decimal.Decimal  `json:"cost_estimate_usd"`
}

// ErrorEvent terminates a failed turn stream.
type ErrorEvent struct {
	Kind      ErrorKind `json:"kind"`
	Retryable bool      `json:"retryable"`
	Details   string    `json:"details,omitempty"`
}

// TurnMetaEvent carries turn_started / turn_ended payloads.
type TurnMetaEvent struct {
	SpeakerID        string           `json:"speaker_id,omitempty"`
	CompletionReason CompletionReason `json:"completion_reason,omitempty"`
	Tokens           int              `json:"tokens,omitempty"`
	CostUSD          decimal.Decimal  `json:"cost_usd"`
}

// OrchestratorEnd is the orchestrator_final payload closing a stream.
type OrchestratorEnd struct {
	Status      ConversationStatus `json:"status"`
	TotalTokens int                `json:"total_tokens"`
	TotalCost   decimal.Decimal    `json:"total_cost"`
	AgentsUsed  []string           `json:"agents_used"`
	Message     string             `json:"message"`
}
