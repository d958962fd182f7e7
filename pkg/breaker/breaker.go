// Package breaker gates admission of orchestration requests and
// outbound provider calls. Scopes (global, per-provider, per-agent) are
// tracked independently; a request is admitted only when every relevant
// scope is CLOSED or covered by an active override.
package breaker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/convergio/convergio/pkg/config"
	"github.com/convergio/convergio/pkg/ledger"
	"github.com/convergio/convergio/pkg/models"
)

// State is the classic circuit state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Scope identifies one breaker tracking unit.
type Scope struct {
	Kind ledger.ScopeKind `json:"kind"`
	Key  string           `json:"key,omitempty"`
}

// GlobalScope covers all traffic.
var GlobalScope = Scope{Kind: ledger.ScopeGlobal}

// ProviderScope returns the scope for one provider.
func ProviderScope(provider string) Scope {
	return Scope{Kind: ledger.ScopeProvider, Key: provider}
}

// AgentScope returns the scope for one agent.
func AgentScope(agentID string) Scope {
	return Scope{Kind: ledger.ScopeAgent, Key: agentID}
}

func (s Scope) String() string {
	if s.Key == "" {
		return string(s.Kind)
	}
	return string(s.Kind) + ":" + s.Key
}

// Status is the externally visible state of one scope.
type Status struct {
	Scope      Scope      `json:"scope"`
	State      State      `json:"state"`
	Reason     string     `json:"reason,omitempty"`
	OpenedAt   *time.Time `json:"opened_at,omitempty"`
	RetryAfter *time.Time `json:"retry_after,omitempty"`
	Overridden bool       `json:"overridden,omitempty"`
}

// AdmitRequest carries the signals evaluated on admission.
type AdmitRequest struct {
	Provider      string
	AgentID       string
	UserID        string
	EstimatedCost decimal.Decimal
}

type scopeState struct {
	state      State
	openedAt   time.Time
	reason     string
	errStreak  int
	probeTaken bool // HALF_OPEN admits at most one probe
}

type override struct {
	approver  string
	expiresAt time.Time
}

// Breaker is the admission gate. All methods are safe for concurrent
// use; state mutations hold a single short-lived mutex.
type Breaker struct {
	cfg    *config.BreakerConfig
	ledger *ledger.Ledger

	mu        sync.Mutex
	states    map[string]*scopeState
	overrides map[string]override

	now func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New creates a Breaker consulting the given ledger.
func New(cfg *config.BreakerConfig, l *ledger.Ledger, opts ...Option) *Breaker {
	b := &Breaker{
		cfg:       cfg,
		ledger:    l,
		states:    map[string]*scopeState{},
		overrides: map[string]override{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Admit decides whether a request may proceed. Returns nil when
// admitted; otherwise an OrchestrationError whose kind explains the
// denial (BudgetExceeded or ProviderUnavailable).
func (b *Breaker) Admit(req AdmitRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Budget-driven trips are evaluated first so the denial carries the
	// budget error kind rather than a generic circuit message.
	if err := b.checkBudgetsLocked(req); err != nil {
		return err
	}
	if err := b.checkAnomaliesLocked(req); err != nil {
		return err
	}

	scopes := []Scope{GlobalScope}
	if req.Provider != "" {
		scopes = append(scopes, ProviderScope(req.Provider))
	}
	if req.AgentID != "" {
		scopes = append(scopes, AgentScope(req.AgentID))
	}
	for _, scope := range scopes {
		if err := b.admitScopeLocked(scope); err != nil {
			return err
		}
	}
	return nil
}

// admitScopeLocked applies the state machine for a single scope.
func (b *Breaker) admitScopeLocked(scope Scope) error {
	if b.overrideActiveLocked(scope) {
		return nil
	}
	st := b.states[scope.String()]
	if st == nil || st.state == StateClosed {
		return nil
	}

	retryAfter := b.cfg.RetryAfter.Std(60 * time.Second)
	switch st.state {
	case StateOpen:
		if b.now().Sub(st.openedAt) < retryAfter {
			return b.denialLocked(scope, st)
		}
		// Error-driven provider trips recover through the probe
		// protocol: RecordSuccess/RecordFailure report the outcome.
		// Every other trip (budget, anomaly, manual) is condition
		// driven and has no call outcome to wait for; the admission
		// checks above re-evaluated the trigger for this request, so
		// an elapsed cool-down means it has cleared.
		if st.reason != reasonErrors {
			b.closeLocked(scope, st)
			return nil
		}
		st.state = StateHalfOpen
		st.probeTaken = true
		slog.Info("Breaker half-open, admitting probe", "scope", scope.String())
		return nil
	case StateHalfOpen:
		if st.reason != reasonErrors {
			b.closeLocked(scope, st)
			return nil
		}
		if st.probeTaken {
			return b.denialLocked(scope, st)
		}
		st.probeTaken = true
		return nil
	default:
		return nil
	}
}

func (b *Breaker) closeLocked(scope Scope, st *scopeState) {
	st.state = StateClosed
	st.probeTaken = false
	st.reason = ""
	st.errStreak = 0
	slog.Info("Breaker closed after cool-down, trigger cleared", "scope", scope.String())
}

func (b *Breaker) denialLocked(scope Scope, st *scopeState) error {
	if st.reason == reasonBudget {
		return models.NewError(models.ErrBudgetExceeded,
			fmt.Sprintf("budget circuit open for %s", scope.String()))
	}
	return models.NewError(models.ErrProviderUnavailable,
		fmt.Sprintf("circuit open for %s: %s", scope.String(), st.reason))
}

const (
	reasonBudget  = "budget"
	reasonAnomaly = "anomaly"
	reasonErrors  = "provider_errors"
)

func (b *Breaker) checkBudgetsLocked(req AdmitRequest) error {
	daily := b.ledger.Utilization(ledger.Global)
	monthly := b.ledger.MonthlyUtilization()
	if daily >= b.cfg.DailyTripPct || monthly >= b.cfg.MonthlyTripPct {
		b.tripLocked(GlobalScope, reasonBudget)
		return models.NewError(models.ErrBudgetExceeded,
			fmt.Sprintf("budget utilization %.0f%% daily / %.0f%% monthly", daily*100, monthly*100))
	}
	if req.Provider != "" {
		util := b.ledger.Utilization(ledger.Scope{Kind: ledger.ScopeProvider, Key: req.Provider})
		if util >= b.cfg.ProviderTripPct {
			b.tripLocked(ProviderScope(req.Provider), reasonBudget)
			return models.NewError(models.ErrBudgetExceeded,
				fmt.Sprintf("provider %s at %.0f%% of its budget", req.Provider, util*100))
		}
	}
	return nil
}

func (b *Breaker) checkAnomaliesLocked(req AdmitRequest) error {
	if b.overrideActiveLocked(GlobalScope) {
		return nil
	}
	if req.UserID != "" && b.cfg.RateSpikePerMin > 0 {
		calls := b.ledger.CallsSince(req.UserID, b.now().Add(-time.Minute))
		if calls > b.cfg.RateSpikePerMin {
			b.tripLocked(GlobalScope, reasonAnomaly)
			return models.NewError(models.ErrProviderUnavailable,
				fmt.Sprintf("rate spike: %d calls/min from user %s", calls, req.UserID))
		}
	}
	if !req.EstimatedCost.IsZero() && b.cfg.CostSpikeFactor > 0 {
		mean := b.ledger.RollingMeanCost(20)
		if !mean.IsZero() {
			threshold := mean.Mul(decimal.NewFromFloat(b.cfg.CostSpikeFactor))
			if req.EstimatedCost.GreaterThan(threshold) {
				b.tripLocked(GlobalScope, reasonAnomaly)
				return models.NewError(models.ErrProviderUnavailable,
					fmt.Sprintf("cost spike: estimated %s exceeds %sx rolling mean",
						req.EstimatedCost.String(), decimal.NewFromFloat(b.cfg.CostSpikeFactor).String()))
			}
		}
	}
	return nil
}

// RecordFailure notes a provider call failure. Enough consecutive
// failures trip the provider scope.
func (b *Breaker) RecordFailure(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	scope := ProviderScope(provider)
	st := b.stateLocked(scope)
	if st.state == StateHalfOpen {
		// Failed probe: back to OPEN, restart the cool-down.
		st.state = StateOpen
		st.openedAt = b.now()
		st.probeTaken = false
		slog.Warn("Breaker probe failed, reopening", "scope", scope.String())
		return
	}
	st.errStreak++
	threshold := b.cfg.ConsecutiveErrors
	if threshold <= 0 {
		threshold = 3
	}
	if st.state == StateClosed && st.errStreak >= threshold {
		b.tripLocked(scope, reasonErrors)
	}
}

// RecordSuccess notes a provider call success. A successful HALF_OPEN
// probe closes the circuit; in CLOSED it resets the error streak.
func (b *Breaker) RecordSuccess(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	scope := ProviderScope(provider)
	st := b.stateLocked(scope)
	st.errStreak = 0
	if st.state == StateHalfOpen {
		st.state = StateClosed
		st.probeTaken = false
		st.reason = ""
		slog.Info("Breaker probe succeeded, closing", "scope", scope.String())
	}
}

// Trip forces a scope OPEN (used by tests and ops tooling).
func (b *Breaker) Trip(scope Scope, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tripLocked(scope, reason)
}

func (b *Breaker) tripLocked(scope Scope, reason string) {
	st := b.stateLocked(scope)
	if st.state == StateOpen {
		return
	}
	st.state = StateOpen
	st.openedAt = b.now()
	st.reason = reason
	st.probeTaken = false
	slog.Warn("Breaker opened", "scope", scope.String(), "reason", reason)
}

func (b *Breaker) stateLocked(scope Scope) *scopeState {
	key := scope.String()
	st, ok := b.states[key]
	if !ok {
		st = &scopeState{state: StateClosed}
		b.states[key] = st
	}
	return st
}

// Status returns the externally visible state of a scope.
func (b *Breaker) Status(scope Scope) Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := Status{Scope: scope, State: StateClosed, Overridden: b.overrideActiveLocked(scope)}
	st := b.states[scope.String()]
	if st == nil {
		return out
	}
	out.State = st.state
	out.Reason = st.reason
	if st.state != StateClosed {
		opened := st.openedAt
		retry := opened.Add(b.cfg.RetryAfter.Std(60 * time.Second))
		out.OpenedAt = &opened
		out.RetryAfter = &retry
	}
	return out
}

// Statuses returns the state of every scope the breaker has tracked.
func (b *Breaker) Statuses() []Status {
	b.mu.Lock()
	keys := make([]Scope, 0, len(b.states))
	for key := range b.states {
		keys = append(keys, parseScopeKey(key))
	}
	b.mu.Unlock()

	out := make([]Status, 0, len(keys))
	for _, scope := range keys {
		out = append(out, b.Status(scope))
	}
	return out
}

func parseScopeKey(key string) Scope {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return Scope{Kind: ledger.ScopeKind(key[:i]), Key: key[i+1:]}
		}
	}
	return Scope{Kind: ledger.ScopeKind(key)}
}
