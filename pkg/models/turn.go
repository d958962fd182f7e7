package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TurnRecord captures the accounting outcome of a single turn.
// CostUSD is computed with decimal arithmetic from the per-model price
// table; it never goes through float64.
type TurnRecord struct {
	ConvID           string          `json:"conv_id"`
	TurnIndex        int             `json:"turn_index"`
	SpeakerID        string          `json:"speaker_id"`
	Model            string          `json:"model"`
	PromptTokens     int             `json:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens"`
	CostUSD          decimal.Decimal `json:"cost_usd"`
	DurationMS       int64           `json:"duration_ms"`
	RecordedAt       time.Time       `json:"recorded_at"`
}

// CostLedgerEntry is one append-only cost observation in the process-wide
// ledger. Entries are totally ordered by arrival timestamp.
type CostLedgerEntry struct {
	Timestamp time.Time       `json:"ts"`
	Provider  string          `json:"provider"`
	Model     string          `json:"model"`
	AgentID   string          `json:"agent_id"`
	ConvID    string          `json:"conv_id"`
	SessionID string          `json:"session_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	TokensIn  int             `json:"tokens_in"`
	TokensOut int             `json:"tokens_out"`
	CostUSD   decimal.Decimal `json:"cost_usd"`
}

// BudgetLimits configures spend ceilings. Zero-valued limits mean
// "unlimited" except PerConversationUSD, where zero denies admission.
type BudgetLimits struct {
	DailyUSD           decimal.Decimal            `json:"daily_usd"`
	MonthlyUSD         decimal.Decimal            `json:"monthly_usd"`
	PerProviderUSD     map[string]decimal.Decimal `json:"per_provider_usd,omitempty"`
	PerConversationUSD decimal.Decimal            `json:"per_conversation_usd"`
}
