// Package tokens keeps the per-conversation turn accounting: a timeline
// of TurnRecords with running token and cost totals against an optional
// per-conversation budget. Threshold crossings fire callbacks once per
// conversation.
package tokens

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/convergio/convergio/pkg/config"
	"github.com/convergio/convergio/pkg/models"
)

// BudgetEvent is fired when a conversation crosses a budget threshold.
type BudgetEvent struct {
	ConvID      string
	Kind        string // budget_warning or budget_breach
	LimitUSD    decimal.Decimal
	SpentUSD    decimal.Decimal
	Utilization float64
}

const (
	EventBudgetWarning = "budget_warning"
	EventBudgetBreach  = "budget_breach"

	warningPct = 0.75
)

// Summary aggregates a conversation's timeline.
type Summary struct {
	ConvID           string          `json:"conv_id"`
	Turns            int             `json:"turns"`
	PromptTokens     int             `json:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens"`
	TotalTokens      int             `json:"total_tokens"`
	TotalCostUSD     decimal.Decimal `json:"total_cost_usd"`
	BudgetLimitUSD   decimal.Decimal `json:"budget_limit_usd"`
	Utilization      float64         `json:"utilization"`
	ByAgent          map[string]int  `json:"tokens_by_agent,omitempty"`
}

type timeline struct {
	records  []models.TurnRecord
	cost     decimal.Decimal
	limit    decimal.Decimal
	warned   bool
	breached bool
}

// Tracker records turns. Safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	prices   *config.PriceTable
	convs    map[string]*timeline
	onBudget func(BudgetEvent)
	now      func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithBudgetFunc registers the threshold callback. Called outside the
// tracker lock is not guaranteed; keep it fast.
func WithBudgetFunc(fn func(BudgetEvent)) Option {
	return func(t *Tracker) { t.onBudget = fn }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New creates a Tracker pricing against the given table.
func New(prices *config.PriceTable, opts ...Option) *Tracker {
	t := &Tracker{
		prices: prices,
		convs:  map[string]*timeline{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetBudget sets the per-conversation spend ceiling. Zero means
// unlimited. Must be called before the first turn to guarantee
// threshold events fire in order.
func (t *Tracker) SetBudget(convID string, limitUSD decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conv(convID).limit = limitUSD
}

// RecordTurn prices the turn, appends it to the conversation timeline,
// and returns the completed record. Threshold callbacks fire at 75%
// (warning) and 100% (breach), once each per conversation.
func (t *Tracker) RecordTurn(convID string, turnIndex int, speakerID, model string, promptTokens, completionTokens int, duration time.Duration) models.TurnRecord {
	cost := t.prices.Cost(model, promptTokens, completionTokens)

	rec := models.TurnRecord{
		ConvID:           convID,
		TurnIndex:        turnIndex,
		SpeakerID:        speakerID,
		Model:            model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		CostUSD:          cost,
		DurationMS:       duration.Milliseconds(),
		RecordedAt:       t.now(),
	}

	t.mu.Lock()
	tl := t.conv(convID)
	tl.records = append(tl.records, rec)
	tl.cost = tl.cost.Add(cost)
	events := t.thresholdEventsLocked(convID, tl)
	t.mu.Unlock()

	for _, ev := range events {
		slog.Warn("Conversation budget threshold crossed",
			"conv_id", ev.ConvID, "event", ev.Kind,
			"spent_usd", ev.SpentUSD.String(), "limit_usd", ev.LimitUSD.String())
		if t.onBudget != nil {
			t.onBudget(ev)
		}
	}
	return rec
}

// thresholdEventsLocked fires each threshold at most once per
// conversation, in order (warning before breach when one turn crosses
// both).
func (t *Tracker) thresholdEventsLocked(convID string, tl *timeline) []BudgetEvent {
	if !tl.limit.IsPositive() {
		return nil
	}
	util, _ := tl.cost.Div(tl.limit).Float64()

	var events []BudgetEvent
	if !tl.warned && util >= warningPct {
		tl.warned = true
		events = append(events, BudgetEvent{
			ConvID: convID, Kind: EventBudgetWarning,
			LimitUSD: tl.limit, SpentUSD: tl.cost, Utilization: util,
		})
	}
	if !tl.breached && util >= 1.0 {
		tl.breached = true
		events = append(events, BudgetEvent{
			ConvID: convID, Kind: EventBudgetBreach,
			LimitUSD: tl.limit, SpentUSD: tl.cost, Utilization: util,
		})
	}
	return events
}

// Breached reports whether the conversation has exhausted its budget.
func (t *Tracker) Breached(convID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	tl, ok := t.convs[convID]
	return ok && tl.breached
}

// Summarize aggregates the conversation's timeline.
func (t *Tracker) Summarize(convID string) Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Summary{ConvID: convID, TotalCostUSD: decimal.Zero}
	tl, ok := t.convs[convID]
	if !ok {
		return s
	}

	s.Turns = len(tl.records)
	s.TotalCostUSD = tl.cost
	s.BudgetLimitUSD = tl.limit
	s.ByAgent = map[string]int{}
	for _, rec := range tl.records {
		s.PromptTokens += rec.PromptTokens
		s.CompletionTokens += rec.CompletionTokens
		s.ByAgent[rec.SpeakerID] += rec.PromptTokens + rec.CompletionTokens
	}
	s.TotalTokens = s.PromptTokens + s.CompletionTokens
	if tl.limit.IsPositive() {
		s.Utilization, _ = tl.cost.Div(tl.limit).Float64()
	}
	return s
}

// Timeline returns the conversation's turn records in order.
func (t *Tracker) Timeline(convID string) []models.TurnRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	tl, ok := t.convs[convID]
	if !ok {
		return nil
	}
	out := make([]models.TurnRecord, len(tl.records))
	copy(out, tl.records)
	sort.SliceStable(out, func(i, j int) bool { return out[i].TurnIndex < out[j].TurnIndex })
	return out
}

// Export serializes the timeline for archival or hand-off.
func (t *Tracker) Export(convID string) ([]byte, error) {
	records := t.Timeline(convID)
	if records == nil {
		return nil, fmt.Errorf("tokens: unknown conversation %q", convID)
	}
	payload := struct {
		Summary Summary             `json:"summary"`
		Records []models.TurnRecord `json:"records"`
	}{
		Summary: t.Summarize(convID),
		Records: records,
	}
	return json.Marshal(payload)
}

// Forget drops a conversation's timeline after it is persisted.
func (t *Tracker) Forget(convID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.convs, convID)
}

func (t *Tracker) conv(convID string) *timeline {
	tl, ok := t.convs[convID]
	if !ok {
		tl = &timeline{cost: decimal.Zero}
		t.convs[convID] = tl
	}
	return tl
}
