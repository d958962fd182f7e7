package config

import (
	"math"

	"github.com/shopspring/decimal"
)

// validate checks the merged configuration before it is handed to any
// component. The first violation wins; startup fails fast.
func validate(cfg *Config) error {
	if err := validateBudgets(cfg.Budgets); err != nil {
		return err
	}
	if err := validatePolicy(cfg.Policy); err != nil {
		return err
	}
	if err := validateProviders(cfg.Providers); err != nil {
		return err
	}
	if err := validateBreaker(cfg.Breaker); err != nil {
		return err
	}
	if cfg.Registry.DefinitionsDir == "" {
		return NewValidationError("registry.definitions_dir", "must not be empty")
	}
	if cfg.RAG.ContextShare < 0 || cfg.RAG.ContextShare > 1 {
		return NewValidationError("rag.context_share", "must be in [0, 1]")
	}
	return nil
}

func validateBudgets(b *BudgetConfig) error {
	daily, err := parseNonNegative(b.DailyUSD)
	if err != nil {
		return NewValidationError("budgets.daily_usd", err.Error())
	}
	monthly, err := parseNonNegative(b.MonthlyUSD)
	if err != nil {
		return NewValidationError("budgets.monthly_usd", err.Error())
	}
	if _, err := parseNonNegative(b.PerConversationUSD); err != nil {
		return NewValidationError("budgets.per_conversation_usd", err.Error())
	}
	for provider, amount := range b.PerProviderUSD {
		if _, err := parseNonNegative(amount); err != nil {
			return NewValidationError("budgets.per_provider_usd."+provider, err.Error())
		}
	}
	if !daily.IsZero() && !monthly.IsZero() && daily.GreaterThan(monthly) {
		return NewValidationError("budgets.daily_usd", "daily limit exceeds monthly limit")
	}
	return nil
}

func validatePolicy(p *PolicyConfig) error {
	for class, limits := range p.Classes {
		if limits.MaxTurns < 1 {
			return NewValidationError("policy.classes."+string(class)+".max_turns", "must be >= 1")
		}
	}
	sum := p.Weights.Relevance + p.Weights.Diversity + p.Weights.Dependency +
		p.Weights.CostFit + p.Weights.Recency
	if math.Abs(sum-1.0) > 0.001 {
		return NewValidationError("policy.selection_weights", "weights must sum to 1.0")
	}
	if p.MailboxCapacity < 1 {
		return NewValidationError("policy.mailbox_capacity", "must be >= 1")
	}
	if p.ConsecutiveCap < 1 {
		return NewValidationError("policy.consecutive_cap", "must be >= 1")
	}
	return nil
}

func validateProviders(providers map[string]ProviderConfig) error {
	for name, p := range providers {
		if p.BaseURL == "" {
			return NewValidationError("providers."+name+".base_url", "must not be empty")
		}
		if p.DefaultModel == "" {
			return NewValidationError("providers."+name+".default_model", "must not be empty")
		}
		if p.MaxConcurrency < 0 {
			return NewValidationError("providers."+name+".max_concurrency", "must be >= 0")
		}
	}
	return nil
}

func validateBreaker(b *BreakerConfig) error {
	for field, pct := range map[string]float64{
		"breaker.daily_trip_pct":    b.DailyTripPct,
		"breaker.monthly_trip_pct":  b.MonthlyTripPct,
		"breaker.provider_trip_pct": b.ProviderTripPct,
	} {
		if pct <= 0 || pct > 1 {
			return NewValidationError(field, "must be in (0, 1]")
		}
	}
	if b.CostSpikeFactor < 1 {
		return NewValidationError("breaker.cost_spike_factor", "must be >= 1")
	}
	return nil
}

func parseNonNegative(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, errNegativeAmount
	}
	return d, nil
}

var errNegativeAmount = NewValidationError("amount", "must be non-negative")
