// Package orchestrator runs one conversation as a bounded group chat:
// admission through the circuit breaker, speaker selection, context
// injection, safety validation, streamed turns, accounting, and the
// continuation decision after every turn. One conversation is owned by
// exactly one orchestration run at a time.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/convergio/convergio/pkg/approval"
	"github.com/convergio/convergio/pkg/breaker"
	"github.com/convergio/convergio/pkg/config"
	"github.com/convergio/convergio/pkg/events"
	"github.com/convergio/convergio/pkg/ledger"
	"github.com/convergio/convergio/pkg/models"
	"github.com/convergio/convergio/pkg/rag"
	"github.com/convergio/convergio/pkg/registry"
	"github.com/convergio/convergio/pkg/runner"
	"github.com/convergio/convergio/pkg/safety"
	"github.com/convergio/convergio/pkg/selector"
	"github.com/convergio/convergio/pkg/store"
	"github.com/convergio/convergio/pkg/tokens"
)

const (
	defaultOverallDeadline = 180 * time.Second
	defaultRetryBackoff    = 500 * time.Millisecond

	// finalFlushBudget bounds how long a run may wait to deliver its
	// closing event to an abandoned consumer.
	finalFlushBudget = 2 * time.Second
)

// Options are the per-request knobs. Nil pointers fall back to the
// configured defaults.
type Options struct {
	BudgetLimitUSD *decimal.Decimal
	RAGInLoop      *bool
	HITLEnabled    *bool
	MaxTurns       int
	Timeout        time.Duration
}

// Request starts or resumes a conversation.
type Request struct {
	ConvID  string
	UserID  string
	Message string
	Options Options
}

// Result is the terminal outcome of one orchestration run.
type Result struct {
	ConvID      string                    `json:"conv_id"`
	Status      models.ConversationStatus `json:"status"`
	Message     string                    `json:"message"`
	TotalTokens int                       `json:"total_tokens"`
	TotalCost   decimal.Decimal           `json:"total_cost_usd"`
	AgentsUsed  []string                  `json:"agents_used"`
	Turns       int                       `json:"turns"`
}

// Deps wires the orchestrator to the component planes. Bus and Tools
// are optional; everything else is required.
type Deps struct {
	Config    *config.Config
	Registry  *registry.Registry
	Store     store.Store
	Ledger    *ledger.Ledger
	Breaker   *breaker.Breaker
	Tracker   *tokens.Tracker
	Selector  *selector.Selector
	Guardian  *safety.Guardian
	Approvals approval.Store
	Injector  *rag.Injector
	Runner    *runner.Runner
	Bus       *events.Bus
	Tools     runner.ToolExecutor
}

// Orchestrator is safe for concurrent use; each call runs one
// conversation loop.
type Orchestrator struct {
	deps Deps

	mu     sync.Mutex
	active map[string]bool
}

// New validates the wiring and returns an Orchestrator.
func New(deps Deps) (*Orchestrator, error) {
	required := map[string]bool{
		"config":    deps.Config == nil,
		"registry":  deps.Registry == nil,
		"store":     deps.Store == nil,
		"ledger":    deps.Ledger == nil,
		"breaker":   deps.Breaker == nil,
		"tracker":   deps.Tracker == nil,
		"selector":  deps.Selector == nil,
		"guardian":  deps.Guardian == nil,
		"approvals": deps.Approvals == nil,
		"injector":  deps.Injector == nil,
		"runner":    deps.Runner == nil,
	}
	for name, missing := range required {
		if missing {
			return nil, fmt.Errorf("orchestrator: missing dependency %s", name)
		}
	}
	return &Orchestrator{deps: deps, active: map[string]bool{}}, nil
}

// Stream runs the conversation and returns its event sequence: the
// per-turn runner events verbatim, wrapped with turn_started /
// turn_ended, and closed by exactly one orchestrator_final.
func (o *Orchestrator) Stream(ctx context.Context, req Request) <-chan models.StreamEvent {
	out := make(chan models.StreamEvent, 64)
	go o.run(ctx, req, out)
	return out
}

// Orchestrate runs the conversation to completion and returns the
// terminal result. The error is non-nil only when the run could not
// produce a closing event at all.
func (o *Orchestrator) Orchestrate(ctx context.Context, req Request) (Result, error) {
	var res Result
	closed := false
	turns := 0
	for ev := range o.Stream(ctx, req) {
		if ev.Kind == models.EventTurnEnded {
			turns++
		}
		if ev.Kind == models.EventOrchestratorFinal && ev.FinalMeta != nil {
			res = Result{
				ConvID:      ev.ConvID,
				Status:      ev.FinalMeta.Status,
				Message:     ev.FinalMeta.Message,
				TotalTokens: ev.FinalMeta.TotalTokens,
				TotalCost:   ev.FinalMeta.TotalCost,
				AgentsUsed:  ev.FinalMeta.AgentsUsed,
				Turns:       turns,
			}
			closed = true
		}
	}
	if !closed {
		return res, models.NewError(models.ErrInternal, "orchestration ended without a final event")
	}
	return res, nil
}

// claim takes exclusive ownership of a conversation id.
func (o *Orchestrator) claim(convID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active[convID] {
		return false
	}
	o.active[convID] = true
	return true
}

func (o *Orchestrator) release(convID string) {
	o.mu.Lock()
	delete(o.active, convID)
	o.mu.Unlock()
}

// orchestratorAgentID picks the routing target for the opening message:
// the lexicographically first executive-tier agent, falling back to the
// first agent of any tier.
func (o *Orchestrator) orchestratorAgentID() string {
	execs := o.deps.Registry.List(registry.Filter{Tier: registry.TierExecutive})
	if len(execs) > 0 {
		return execs[0].ID
	}
	if all := o.deps.Registry.List(registry.Filter{}); len(all) > 0 {
		return all[0].ID
	}
	return ""
}

// newConvID generates a conversation id.
func newConvID() string { return uuid.NewString() }
