// Package ledger is the process-wide, append-only log of cost
// observations with aggregate views and budget alerting. All money math
// is decimal with 6 fractional digits; nothing here touches float64
// except utilization percentages.
package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/convergio/convergio/pkg/models"
)

// ScopeKind selects the aggregation axis for usage queries.
type ScopeKind string

const (
	ScopeGlobal       ScopeKind = "global"
	ScopeProvider     ScopeKind = "provider"
	ScopeModel        ScopeKind = "model"
	ScopeAgent        ScopeKind = "agent"
	ScopeConversation ScopeKind = "conversation"
	ScopeSession      ScopeKind = "session"
	ScopeUser         ScopeKind = "user"
)

// Scope identifies one aggregation bucket. Key is empty for global.
type Scope struct {
	Kind ScopeKind
	Key  string
}

// Global is the all-traffic scope.
var Global = Scope{Kind: ScopeGlobal}

// Window selects the time range for usage queries.
type Window string

const (
	WindowDay   Window = "day"
	WindowMonth Window = "month"
	WindowAll   Window = "all"
)

// Usage is the aggregate view over one scope and window.
type Usage struct {
	TokensIn  int             `json:"tokens_in"`
	TokensOut int             `json:"tokens_out"`
	CostUSD   decimal.Decimal `json:"cost_usd"`
	Calls     int             `json:"calls"`
}

// AlertLevel grades a budget utilization alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"     // 50%
	AlertWarn     AlertLevel = "warn"     // 75%
	AlertCritical AlertLevel = "critical" // 90%
	AlertBreach   AlertLevel = "breach"   // 100%
)

// Alert is emitted when a scope crosses a utilization threshold.
// Each (scope, threshold) pair fires at most once per window.
type Alert struct {
	Scope       Scope
	Level       AlertLevel
	Threshold   float64 // fraction, e.g. 0.75
	Utilization float64 // fraction at emit time
	Window      Window
	At          time.Time
}

// thresholds in ascending order; level mapping per the alerting design.
var alertThresholds = []struct {
	frac  float64
	level AlertLevel
}{
	{0.50, AlertInfo},
	{0.75, AlertWarn},
	{0.90, AlertCritical},
	{1.00, AlertBreach},
}

// EntrySink receives every recorded entry for durable storage. Failures
// are logged, never propagated: the in-memory ledger is authoritative
// for admission decisions within a process.
type EntrySink interface {
	AppendCostEntry(ctx context.Context, entry models.CostLedgerEntry) error
}

// AlertFunc observes emitted alerts.
type AlertFunc func(Alert)

// Ledger is the cost event log. Safe for concurrent use; writes hold a
// short lock, aggregate reads copy scalars out under the same lock.
type Ledger struct {
	mu      sync.Mutex
	entries []models.CostLedgerEntry
	limits  models.BudgetLimits

	// fired tracks alert thresholds already emitted, keyed by
	// window start + scope + threshold.
	fired map[string]bool

	sink    EntrySink
	onAlert AlertFunc
	now     func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithSink attaches a durable entry sink.
func WithSink(sink EntrySink) Option {
	return func(l *Ledger) { l.sink = sink }
}

// WithAlertFunc attaches an alert observer.
func WithAlertFunc(fn AlertFunc) Option {
	return func(l *Ledger) { l.onAlert = fn }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a Ledger enforcing the given limits.
func New(limits models.BudgetLimits, opts ...Option) *Ledger {
	l := &Ledger{
		limits: limits,
		fired:  map[string]bool{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record appends a cost observation, forwards it to the sink, and
// evaluates alert thresholds for the affected scopes.
func (l *Ledger) Record(ctx context.Context, entry models.CostLedgerEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now()
	}
	entry.CostUSD = entry.CostUSD.Round(6)

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	alerts := l.collectAlertsLocked(entry)
	l.mu.Unlock()

	if l.sink != nil {
		if err := l.sink.AppendCostEntry(ctx, entry); err != nil {
			slog.Error("Failed to persist cost ledger entry",
				"provider", entry.Provider, "conv_id", entry.ConvID, "error", err)
		}
	}

	for _, alert := range alerts {
		slog.Warn("Budget utilization threshold crossed",
			"scope", string(alert.Scope.Kind), "key", alert.Scope.Key,
			"level", string(alert.Level),
			"utilization_pct", int(alert.Utilization*100))
		if l.onAlert != nil {
			l.onAlert(alert)
		}
	}
}

// Usage returns the aggregate for a scope over a window.
func (l *Ledger) Usage(scope Scope, window Window) Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.usageLocked(scope, window)
}

func (l *Ledger) usageLocked(scope Scope, window Window) Usage {
	start := l.windowStart(window)
	var u Usage
	u.CostUSD = decimal.Zero
	for i := range l.entries {
		e := &l.entries[i]
		if e.Timestamp.Before(start) || !matches(scope, e) {
			continue
		}
		u.TokensIn += e.TokensIn
		u.TokensOut += e.TokensOut
		u.CostUSD = u.CostUSD.Add(e.CostUSD)
		u.Calls++
	}
	return u
}

// Utilization returns spend divided by the applicable limit for the
// scope, as a fraction. Scopes without a configured limit return 0.
func (l *Ledger) Utilization(scope Scope) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.utilizationLocked(scope)
}

func (l *Ledger) utilizationLocked(scope Scope) float64 {
	limit, window := l.limitFor(scope)
	if limit.IsZero() {
		return 0
	}
	spent := l.usageLocked(scope, window).CostUSD
	frac, _ := spent.Div(limit).Float64()
	return frac
}

// MonthlyUtilization is the global spend against the monthly limit.
func (l *Ledger) MonthlyUtilization() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limits.MonthlyUSD.IsZero() {
		return 0
	}
	spent := l.usageLocked(Global, WindowMonth).CostUSD
	frac, _ := spent.Div(l.limits.MonthlyUSD).Float64()
	return frac
}

// SetLimits replaces the budget limits after validating them.
func (l *Ledger) SetLimits(limits models.BudgetLimits) error {
	if limits.DailyUSD.IsNegative() || limits.MonthlyUSD.IsNegative() ||
		limits.PerConversationUSD.IsNegative() {
		return models.NewError(models.ErrValidation, "budget limits must be non-negative")
	}
	for provider, amount := range limits.PerProviderUSD {
		if amount.IsNegative() {
			return models.NewError(models.ErrValidation,
				"per-provider limit for "+provider+" must be non-negative")
		}
	}
	if !limits.DailyUSD.IsZero() && !limits.MonthlyUSD.IsZero() &&
		limits.DailyUSD.GreaterThan(limits.MonthlyUSD) {
		return models.NewError(models.ErrValidation, "daily limit must not exceed monthly limit")
	}

	l.mu.Lock()
	l.limits = limits
	l.mu.Unlock()
	return nil
}

// Limits returns a copy of the current budget limits.
func (l *Ledger) Limits() models.BudgetLimits {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limits
}

// CallsSince counts calls by one user since the given time. The breaker
// uses this for rate-spike detection.
func (l *Ledger) CallsSince(userID string, since time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	count := 0
	for i := range l.entries {
		e := &l.entries[i]
		if e.UserID == userID && !e.Timestamp.Before(since) {
			count++
		}
	}
	return count
}

// RollingMeanCost returns the mean per-call cost over the most recent n
// calls, or zero when the ledger is empty.
func (l *Ledger) RollingMeanCost(n int) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 || n <= 0 {
		return decimal.Zero
	}
	start := len(l.entries) - n
	if start < 0 {
		start = 0
	}
	sum := decimal.Zero
	for i := start; i < len(l.entries); i++ {
		sum = sum.Add(l.entries[i].CostUSD)
	}
	return sum.Div(decimal.NewFromInt(int64(len(l.entries) - start))).Round(6)
}

// collectAlertsLocked evaluates thresholds for the scopes affected by a
// new entry and returns alerts that have not yet fired this window.
func (l *Ledger) collectAlertsLocked(entry models.CostLedgerEntry) []Alert {
	var alerts []Alert
	scopes := []Scope{Global, {Kind: ScopeProvider, Key: entry.Provider}}
	for _, scope := range scopes {
		limit, window := l.limitFor(scope)
		if limit.IsZero() {
			continue
		}
		util := l.utilizationLocked(scope)
		for _, th := range alertThresholds {
			if util < th.frac {
				break
			}
			key := l.windowStart(window).Format(time.RFC3339) + "|" +
				string(scope.Kind) + "|" + scope.Key + "|" + th.level.String()
			if l.fired[key] {
				continue
			}
			l.fired[key] = true
			alerts = append(alerts, Alert{
				Scope:       scope,
				Level:       th.level,
				Threshold:   th.frac,
				Utilization: util,
				Window:      window,
				At:          l.now(),
			})
		}
	}
	return alerts
}

// limitFor resolves the limit and its natural window for a scope.
func (l *Ledger) limitFor(scope Scope) (decimal.Decimal, Window) {
	switch scope.Kind {
	case ScopeGlobal:
		return l.limits.DailyUSD, WindowDay
	case ScopeProvider:
		if limit, ok := l.limits.PerProviderUSD[scope.Key]; ok {
			return limit, WindowDay
		}
		return decimal.Zero, WindowDay
	case ScopeConversation:
		return l.limits.PerConversationUSD, WindowAll
	default:
		return decimal.Zero, WindowAll
	}
}

func (l *Ledger) windowStart(window Window) time.Time {
	now := l.now().UTC()
	switch window {
	case WindowDay:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	case WindowMonth:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Time{}
	}
}

func matches(scope Scope, e *models.CostLedgerEntry) bool {
	switch scope.Kind {
	case ScopeGlobal:
		return true
	case ScopeProvider:
		return e.Provider == scope.Key
	case ScopeModel:
		return e.Model == scope.Key
	case ScopeAgent:
		return e.AgentID == scope.Key
	case ScopeConversation:
		return e.ConvID == scope.Key
	case ScopeSession:
		return e.SessionID == scope.Key
	case ScopeUser:
		return e.UserID == scope.Key
	default:
		return false
	}
}

// String implements fmt.Stringer for log fields.
func (a AlertLevel) String() string { return string(a) }
