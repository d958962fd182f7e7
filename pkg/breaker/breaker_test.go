package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convergio/convergio/pkg/config"
	"github.com/convergio/convergio/pkg/ledger"
	"github.com/convergio/convergio/pkg/models"
)

func usd(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testBreakerConfig() *config.BreakerConfig {
	return &config.BreakerConfig{
		RetryAfter:        config.Duration(60 * time.Second),
		DailyTripPct:      0.90,
		MonthlyTripPct:    0.90,
		ProviderTripPct:   0.95,
		RateSpikePerMin:   10,
		CostSpikeFactor:   5.0,
		ConsecutiveErrors: 3,
	}
}

func newTestBreaker(t *testing.T, limits models.BudgetLimits) (*Breaker, *ledger.Ledger, *time.Time) {
	t.Helper()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	l := ledger.New(limits, ledger.WithClock(clock))
	b := New(testBreakerConfig(), l, WithClock(clock))
	return b, l, &now
}

func TestAdmitClosedByDefault(t *testing.T) {
	b, _, _ := newTestBreaker(t, models.BudgetLimits{DailyUSD: usd("10")})
	err := b.Admit(AdmitRequest{Provider: "openai", AgentID: "ali", UserID: "u1"})
	assert.NoError(t, err)
}

func TestAdmitDeniesOnDailyBudget(t *testing.T) {
	b, l, _ := newTestBreaker(t, models.BudgetLimits{DailyUSD: usd("10")})

	l.Record(context.Background(), models.CostLedgerEntry{Provider: "openai", CostUSD: usd("9.5")})

	err := b.Admit(AdmitRequest{Provider: "openai"})
	require.Error(t, err)
	assert.Equal(t, models.ErrBudgetExceeded, models.KindOf(err))
	assert.Equal(t, StateOpen, b.Status(GlobalScope).State)
}

func TestAdmitDeniesOnProviderBudget(t *testing.T) {
	b, l, _ := newTestBreaker(t, models.BudgetLimits{
		DailyUSD:       usd("100"),
		PerProviderUSD: map[string]decimal.Decimal{"openai": usd("1")},
	})

	l.Record(context.Background(), models.CostLedgerEntry{Provider: "openai", CostUSD: usd("0.96")})

	err := b.Admit(AdmitRequest{Provider: "openai"})
	require.Error(t, err)
	assert.Equal(t, models.ErrBudgetExceeded, models.KindOf(err))

	// Other providers unaffected.
	assert.NoError(t, b.Admit(AdmitRequest{Provider: "anthropic"}))
}

func TestAdmitDeniesOnRateSpike(t *testing.T) {
	b, l, _ := newTestBreaker(t, models.BudgetLimits{DailyUSD: usd("1000")})

	for i := 0; i < 11; i++ {
		l.Record(context.Background(), models.CostLedgerEntry{
			Provider: "openai", UserID: "flooder", CostUSD: usd("0.001"),
		})
	}

	err := b.Admit(AdmitRequest{Provider: "openai", UserID: "flooder"})
	require.Error(t, err)
	assert.Equal(t, models.ErrProviderUnavailable, models.KindOf(err))
	assert.Equal(t, "anomaly", b.Status(GlobalScope).Reason)
}

func TestAdmitDeniesOnCostSpike(t *testing.T) {
	b, l, _ := newTestBreaker(t, models.BudgetLimits{DailyUSD: usd("1000")})

	for i := 0; i < 5; i++ {
		l.Record(context.Background(), models.CostLedgerEntry{
			Provider: "openai", UserID: "u1", CostUSD: usd("0.01"),
		})
	}

	err := b.Admit(AdmitRequest{Provider: "openai", EstimatedCost: usd("1")})
	require.Error(t, err)
	assert.Equal(t, models.ErrProviderUnavailable, models.KindOf(err))
}

func TestConsecutiveFailuresTripProvider(t *testing.T) {
	b, _, _ := newTestBreaker(t, models.BudgetLimits{DailyUSD: usd("1000")})

	b.RecordFailure("openai")
	b.RecordFailure("openai")
	assert.NoError(t, b.Admit(AdmitRequest{Provider: "openai"}))

	b.RecordFailure("openai")
	err := b.Admit(AdmitRequest{Provider: "openai"})
	require.Error(t, err)
	assert.Equal(t, models.ErrProviderUnavailable, models.KindOf(err))
	assert.Equal(t, StateOpen, b.Status(ProviderScope("openai")).State)
}

func TestHalfOpenAdmitsSingleProbe(t *testing.T) {
	b, _, now := newTestBreaker(t, models.BudgetLimits{DailyUSD: usd("1000")})

	for i := 0; i < 3; i++ {
		b.RecordFailure("openai")
	}
	require.Error(t, b.Admit(AdmitRequest{Provider: "openai"}))

	// After retry_after, exactly one probe is admitted.
	*now = now.Add(61 * time.Second)
	assert.NoError(t, b.Admit(AdmitRequest{Provider: "openai"}))
	assert.Equal(t, StateHalfOpen, b.Status(ProviderScope("openai")).State)
	require.Error(t, b.Admit(AdmitRequest{Provider: "openai"}))

	// Successful probe closes the circuit.
	b.RecordSuccess("openai")
	assert.Equal(t, StateClosed, b.Status(ProviderScope("openai")).State)
	assert.NoError(t, b.Admit(AdmitRequest{Provider: "openai"}))
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	b, _, now := newTestBreaker(t, models.BudgetLimits{DailyUSD: usd("1000")})

	for i := 0; i < 3; i++ {
		b.RecordFailure("openai")
	}
	*now = now.Add(61 * time.Second)
	require.NoError(t, b.Admit(AdmitRequest{Provider: "openai"}))

	b.RecordFailure("openai")
	assert.Equal(t, StateOpen, b.Status(ProviderScope("openai")).State)
	require.Error(t, b.Admit(AdmitRequest{Provider: "openai"}))
}

func TestGlobalAnomalyTripRecoversAfterCooldown(t *testing.T) {
	b, l, now := newTestBreaker(t, models.BudgetLimits{DailyUSD: usd("1000")})

	for i := 0; i < 11; i++ {
		l.Record(context.Background(), models.CostLedgerEntry{
			Provider: "openai", UserID: "flooder", CostUSD: usd("0.001"),
		})
	}
	require.Error(t, b.Admit(AdmitRequest{Provider: "openai", UserID: "flooder"}))
	require.Equal(t, StateOpen, b.Status(GlobalScope).State)

	// Cool-down elapsed and the spike window has passed: the global
	// scope closes on re-check, not just for a single probe.
	*now = now.Add(5 * time.Minute)
	assert.NoError(t, b.Admit(AdmitRequest{Provider: "openai", UserID: "flooder"}))
	assert.Equal(t, StateClosed, b.Status(GlobalScope).State)
	assert.NoError(t, b.Admit(AdmitRequest{Provider: "openai", UserID: "flooder"}))
	assert.NoError(t, b.Admit(AdmitRequest{Provider: "openai", UserID: "other"}))
}

func TestGlobalBudgetTripRecoversNextDay(t *testing.T) {
	b, l, now := newTestBreaker(t, models.BudgetLimits{DailyUSD: usd("10")})

	l.Record(context.Background(), models.CostLedgerEntry{Provider: "openai", CostUSD: usd("9.5")})
	require.Error(t, b.Admit(AdmitRequest{Provider: "openai"}))
	require.Equal(t, StateOpen, b.Status(GlobalScope).State)

	// Still inside the day: utilization re-trips on every attempt.
	*now = now.Add(2 * time.Minute)
	require.Error(t, b.Admit(AdmitRequest{Provider: "openai"}))

	// The daily window resets: the budget trigger has cleared and the
	// scope closes without any probe feedback.
	*now = now.Add(24 * time.Hour)
	assert.NoError(t, b.Admit(AdmitRequest{Provider: "openai"}))
	assert.Equal(t, StateClosed, b.Status(GlobalScope).State)
	assert.NoError(t, b.Admit(AdmitRequest{Provider: "openai"}))
}

func TestManualTripExpiresAfterCooldown(t *testing.T) {
	b, _, now := newTestBreaker(t, models.BudgetLimits{DailyUSD: usd("1000")})

	b.Trip(AgentScope("ali"), "incident")
	require.Error(t, b.Admit(AdmitRequest{Provider: "openai", AgentID: "ali"}))

	*now = now.Add(61 * time.Second)
	assert.NoError(t, b.Admit(AdmitRequest{Provider: "openai", AgentID: "ali"}))
	assert.Equal(t, StateClosed, b.Status(AgentScope("ali")).State)
}

func TestOverrideForcesClosed(t *testing.T) {
	b, _, now := newTestBreaker(t, models.BudgetLimits{DailyUSD: usd("1000")})
	secret := []byte("test-secret")
	scope := ProviderScope("openai")

	b.Trip(scope, "provider_errors")
	require.Error(t, b.Admit(AdmitRequest{Provider: "openai"}))

	code := SignOverride(secret, scope, now.Add(time.Hour))
	require.NoError(t, b.ApplyOverride(secret, scope, code, "ops-admin"))
	assert.NoError(t, b.Admit(AdmitRequest{Provider: "openai"}))
	assert.True(t, b.Status(scope).Overridden)

	// Override auto-expires.
	*now = now.Add(2 * time.Hour)
	require.Error(t, b.Admit(AdmitRequest{Provider: "openai"}))
}

func TestOverrideRejectsBadCode(t *testing.T) {
	b, _, _ := newTestBreaker(t, models.BudgetLimits{DailyUSD: usd("1000")})
	scope := ProviderScope("openai")

	err := b.ApplyOverride([]byte("secret"), scope, "garbage", "ops")
	require.Error(t, err)

	// Code signed for a different scope is rejected.
	code := SignOverride([]byte("secret"), GlobalScope, time.Now().Add(time.Hour))
	err = b.ApplyOverride([]byte("secret"), scope, code, "ops")
	require.Error(t, err)

	// Wrong secret is rejected.
	code = SignOverride([]byte("other"), scope, time.Now().Add(time.Hour))
	err = b.ApplyOverride([]byte("secret"), scope, code, "ops")
	require.Error(t, err)
}
