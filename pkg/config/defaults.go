package config

import "time"

// Built-in defaults. User configuration merges over these; anything a
// deployment does not mention keeps the value below.

func defaultConfig() *Config {
	return &Config{
		System: &SystemConfig{
			HTTPPort:         "8080",
			ShutdownGraceSec: 30,
		},
		Policy: &PolicyConfig{
			Classes:           defaultClassLimits(),
			OverallDeadline:   Duration(180 * time.Second),
			HeartbeatInterval: Duration(5 * time.Second),
			MailboxCapacity:   64,
			ProviderRetries:   2,
			RetryBackoff:      Duration(500 * time.Millisecond),
			ConsecutiveCap:    2,
			DiversityWindow:   3,
			RAGInLoop:         true,
			Weights: SelectionWeights{
				Relevance:  0.40,
				Diversity:  0.20,
				Dependency: 0.15,
				CostFit:    0.15,
				Recency:    0.10,
			},
		},
		Budgets: &BudgetConfig{
			DailyUSD:           "50",
			MonthlyUSD:         "500",
			PerConversationUSD: "1",
		},
		Registry: &RegistryConfig{
			DefinitionsDir: "./agents",
			Watch:          false,
			DebounceMS:     1000,
			KnownTools:     defaultKnownTools(),
		},
		RAG: &RAGConfig{
			Enabled:      true,
			CacheTTLSec:  60,
			CacheSize:    1024,
			MaxFacts:     5,
			TopN:         20,
			ContextShare: 0.20,
			NumericDelta: 0.10,
		},
		Safety: &SafetyConfig{
			Enabled:         true,
			HITLEnabled:     true,
			ApprovalTimeout: Duration(30 * time.Second),
		},
		Breaker: &BreakerConfig{
			RetryAfter:        Duration(60 * time.Second),
			DailyTripPct:      0.90,
			MonthlyTripPct:    0.90,
			ProviderTripPct:   0.95,
			RateSpikePerMin:   10,
			CostSpikeFactor:   5.0,
			ConsecutiveErrors: 3,
		},
		Providers: map[string]ProviderConfig{},
	}
}

// defaultKnownTools is the tool vocabulary agent definitions may
// reference. Deployments extend it via registry.known_tools.
func defaultKnownTools() []string {
	return []string{
		"web_search",
		"vector_search",
		"calculator",
		"code_interpreter",
		"document_reader",
		"project_query",
		"talent_query",
		"calendar",
		"email_draft",
	}
}

// defaultFallbackPrices are the conservative per-1K-token prices applied
// to models absent from the pricing table.
const (
	defaultFallbackInputPer1K  = "0.01"
	defaultFallbackOutputPer1K = "0.03"
)
