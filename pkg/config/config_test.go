package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "convergio.yaml"), []byte(content), 0o644))
	return dir
}

func TestInitializeDefaultsWhenNoFile(t *testing.T) {
	cfg, err := Initialize(context.Background(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.System.HTTPPort)
	assert.Equal(t, 64, cfg.Policy.MailboxCapacity)
	assert.Equal(t, 2, cfg.Policy.ProviderRetries)
	assert.True(t, cfg.Policy.RAGInLoop)
	assert.Equal(t, 0.40, cfg.Policy.Weights.Relevance)

	greeting := cfg.Policy.Limits(ClassGreeting)
	assert.Equal(t, 1, greeting.MaxTurns)
	assert.Equal(t, 30*time.Second, greeting.Timeout.Std(0))

	complexLimits := cfg.Policy.Limits(ClassComplex)
	assert.Equal(t, 10, complexLimits.MaxTurns)
	assert.Equal(t, 120*time.Second, complexLimits.Timeout.Std(0))
}

func TestInitializeMergesUserOverDefaults(t *testing.T) {
	dir := writeConfig(t, `
system:
  http_port: "9090"
policy:
  provider_retries: 3
budgets:
  daily_usd: "10"
  monthly_usd: "100"
providers:
  openai:
    type: openai-compatible
    base_url: https://api.openai.com/v1
    api_key_env: OPENAI_API_KEY
    default_model: gpt-4o-mini
`)
	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.System.HTTPPort)
	assert.Equal(t, 3, cfg.Policy.ProviderRetries)
	// Untouched defaults survive the merge.
	assert.Equal(t, 64, cfg.Policy.MailboxCapacity)

	limits := cfg.Budgets.Limits()
	assert.Equal(t, "10", limits.DailyUSD.String())
	assert.Equal(t, "100", limits.MonthlyUSD.String())

	p, ok := cfg.Provider("openai")
	require.True(t, ok)
	assert.Equal(t, "gpt-4o-mini", p.DefaultModel)
}

func TestInitializeRejectsDailyAboveMonthly(t *testing.T) {
	dir := writeConfig(t, `
budgets:
  daily_usd: "200"
  monthly_usd: "100"
`)
	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daily limit exceeds monthly limit")
}

func TestInitializeRejectsBadWeights(t *testing.T) {
	dir := writeConfig(t, `
policy:
  selection_weights:
    relevance: 0.9
    diversity: 0.9
    dependency: 0.1
    cost_fit: 0.1
    recency: 0.1
`)
	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weights must sum to 1.0")
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("CONVERGIO_TEST_PORT", "7777")
	out := ExpandEnv([]byte(`port: "{{.CONVERGIO_TEST_PORT}}"`))
	assert.Equal(t, `port: "7777"`, string(out))

	// Literal $ is not treated as a variable reference.
	out = ExpandEnv([]byte(`pattern: "^secret.*$"`))
	assert.Equal(t, `pattern: "^secret.*$"`, string(out))
}

func TestPriceTableCost(t *testing.T) {
	table, err := NewPriceTable(map[string]ModelPriceYAML{
		"gpt-4o-mini": {Provider: "openai", InputPer1K: "0.00015", OutputPer1K: "0.0006"},
	}, "0.01", "0.03")
	require.NoError(t, err)

	// 1000 in + 1000 out at the listed prices.
	cost := table.Cost("gpt-4o-mini", 1000, 1000)
	assert.Equal(t, "0.00075", cost.String())

	// Versioned model names resolve to their base entry.
	_, listed := table.Price("gpt-4o-mini-2024-07-18")
	assert.True(t, listed)

	// Unknown model falls back to the conservative price.
	cost = table.Cost("mystery-model", 1000, 1000)
	assert.Equal(t, "0.04", cost.String())
	_, listed = table.Price("mystery-model")
	assert.False(t, listed)
}

func TestDurationUnmarshal(t *testing.T) {
	dir := writeConfig(t, `
breaker:
  retry_after: 90s
`)
	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Breaker.RetryAfter.Std(0))
}
