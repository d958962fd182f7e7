// Package config loads and validates the Convergio service configuration:
// the orchestration policy, model price table, budget limits, provider
// endpoints, and the agent definition registry settings.
package config

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/convergio/convergio/pkg/models"
)

// Config is the umbrella configuration object returned by Initialize()
// and passed by handle to every component at startup. No component reads
// ambient globals.
type Config struct {
	configDir string

	System    *SystemConfig
	Policy    *PolicyConfig
	Budgets   *BudgetConfig
	Registry  *RegistryConfig
	RAG       *RAGConfig
	Safety    *SafetyConfig
	Breaker   *BreakerConfig
	Providers map[string]ProviderConfig
	Pricing   *PriceTable
}

// ConfigDir returns the directory the configuration was loaded from.
func (c *Config) ConfigDir() string { return c.configDir }

// Provider retrieves a provider configuration by name.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	p, ok := c.Providers[name]
	return p, ok
}

// Stats contains counts for startup logging.
type Stats struct {
	Providers int
	Models    int
}

// Stats returns configuration statistics for logging/monitoring.
func (c *Config) Stats() Stats {
	s := Stats{Providers: len(c.Providers)}
	if c.Pricing != nil {
		s.Models = c.Pricing.Len()
	}
	return s
}

// SystemConfig groups system-wide infrastructure settings.
type SystemConfig struct {
	HTTPPort         string          `yaml:"http_port,omitempty"`
	AllowedOrigins   []string        `yaml:"allowed_origins,omitempty"`
	ShutdownGraceSec int             `yaml:"shutdown_grace_sec,omitempty"`
	Database         *DatabaseConfig `yaml:"database,omitempty"`
}

// DatabaseConfig describes the PostgreSQL connection. The password is
// referenced by environment variable name, never stored inline. Nil
// config selects the in-memory store.
type DatabaseConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port,omitempty"` // default 5432
	User        string `yaml:"user"`
	PasswordEnv string `yaml:"password_env,omitempty"`
	Database    string `yaml:"database"`
	SSLMode     string `yaml:"ssl_mode,omitempty"` // default "disable"

	MaxOpenConns int `yaml:"max_open_conns,omitempty"` // default 10
}

// ProviderConfig describes one LLM provider endpoint. API keys are
// referenced by environment variable name, never stored inline.
type ProviderConfig struct {
	Type           string `yaml:"type"` // "openai-compatible"
	BaseURL        string `yaml:"base_url"`
	APIKeyEnv      string `yaml:"api_key_env"`
	DefaultModel   string `yaml:"default_model"`
	MaxConcurrency int    `yaml:"max_concurrency,omitempty"` // 0 = default 8
	TimeoutSec     int    `yaml:"timeout_sec,omitempty"`
}

// RegistryConfig controls the agent definition registry.
type RegistryConfig struct {
	DefinitionsDir string   `yaml:"definitions_dir"`
	Watch          bool     `yaml:"watch,omitempty"`
	DebounceMS     int      `yaml:"debounce_ms,omitempty"` // min 1000, the watcher clamps
	KnownTools     []string `yaml:"known_tools,omitempty"`
}

// RAGConfig controls the per-turn context injector.
type RAGConfig struct {
	Enabled       bool    `yaml:"enabled"`
	CacheTTLSec   int     `yaml:"cache_ttl_sec,omitempty"`  // default 60
	CacheSize     int     `yaml:"cache_size,omitempty"`     // default 1024 entries
	MaxFacts      int     `yaml:"max_facts,omitempty"`      // default 5
	TopN          int     `yaml:"top_n,omitempty"`          // retrieval candidates, default 20
	ContextShare  float64 `yaml:"context_share,omitempty"`  // default 0.20 of max_context_tokens
	NumericDelta  float64 `yaml:"numeric_delta,omitempty"`  // conflict threshold, default 0.10
	StrictDegrade bool    `yaml:"strict_degrade,omitempty"` // surface RetrievalDegraded to callers
}

// SafetyConfig controls the prompt/output guardian.
type SafetyConfig struct {
	Enabled         bool          `yaml:"enabled"`
	HITLEnabled     bool          `yaml:"hitl_enabled"`
	ApprovalTimeout Duration      `yaml:"approval_timeout,omitempty"` // default 30s
	ExtraPatterns   []MaskPattern `yaml:"extra_patterns,omitempty"`
}

// MaskPattern is a user-supplied redaction pattern applied in addition to
// the built-in PII set.
type MaskPattern struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// BreakerConfig controls the circuit breaker plane.
type BreakerConfig struct {
	RetryAfter        Duration `yaml:"retry_after,omitempty"`         // default 60s
	DailyTripPct      float64  `yaml:"daily_trip_pct,omitempty"`      // default 0.90
	MonthlyTripPct    float64  `yaml:"monthly_trip_pct,omitempty"`    // default 0.90
	ProviderTripPct   float64  `yaml:"provider_trip_pct,omitempty"`   // default 0.95
	RateSpikePerMin   int      `yaml:"rate_spike_per_min,omitempty"`  // default 10
	CostSpikeFactor   float64  `yaml:"cost_spike_factor,omitempty"`   // default 5.0
	ConsecutiveErrors int      `yaml:"consecutive_errors,omitempty"`  // default 3
	OverrideSecretEnv string   `yaml:"override_secret_env,omitempty"` // HMAC key env var
}

// BudgetConfig is the YAML-side representation of models.BudgetLimits.
// Amounts are decimal strings so they never round-trip through float64.
type BudgetConfig struct {
	DailyUSD           string            `yaml:"daily_usd,omitempty"`
	MonthlyUSD         string            `yaml:"monthly_usd,omitempty"`
	PerProviderUSD     map[string]string `yaml:"per_provider_usd,omitempty"`
	PerConversationUSD string            `yaml:"per_conversation_usd,omitempty"`
}

// Limits converts the YAML strings to models.BudgetLimits. Validation
// has already rejected malformed amounts by the time this is called.
func (b *BudgetConfig) Limits() models.BudgetLimits {
	limits := models.BudgetLimits{
		DailyUSD:           mustDecimal(b.DailyUSD),
		MonthlyUSD:         mustDecimal(b.MonthlyUSD),
		PerConversationUSD: mustDecimal(b.PerConversationUSD),
	}
	if len(b.PerProviderUSD) > 0 {
		limits.PerProviderUSD = make(map[string]decimal.Decimal, len(b.PerProviderUSD))
		for provider, amount := range b.PerProviderUSD {
			limits.PerProviderUSD[provider] = mustDecimal(amount)
		}
	}
	return limits
}

// Duration wraps time.Duration with YAML string parsing ("30s", "2m").
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration, or fallback when unset.
func (d Duration) Std(fallback time.Duration) time.Duration {
	if d == 0 {
		return fallback
	}
	return time.Duration(d)
}

// mustDecimal parses a config decimal string, returning zero on empty.
// Validation rejects malformed values before this is reached.
func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
