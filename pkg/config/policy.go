package config

import "time"

// MessageClass is the classifier outcome for the first user message.
// Each class maps to a turn budget and a per-turn timeout.
type MessageClass string

const (
	ClassGreeting MessageClass = "greeting"
	ClassSimple   MessageClass = "simple"
	ClassStandard MessageClass = "standard"
	ClassComplex  MessageClass = "complex"
)

// ClassLimits holds the turn budget and timeout for one message class.
type ClassLimits struct {
	MaxTurns int      `yaml:"max_turns"`
	Timeout  Duration `yaml:"timeout"`
}

// PolicyConfig is the orchestration policy: turn budgets, deadlines,
// retry behavior, streaming parameters, and speaker selection weights.
type PolicyConfig struct {
	Classes map[MessageClass]ClassLimits `yaml:"classes,omitempty"`

	OverallDeadline   Duration `yaml:"overall_deadline,omitempty"`    // default 180s
	HeartbeatInterval Duration `yaml:"heartbeat_interval,omitempty"`  // default 5s
	MailboxCapacity   int      `yaml:"mailbox_capacity,omitempty"`    // default 64
	ProviderRetries   int      `yaml:"provider_retries,omitempty"`    // default 2
	RetryBackoff      Duration `yaml:"retry_backoff,omitempty"`       // base, default 500ms
	ConsecutiveCap    int      `yaml:"consecutive_cap,omitempty"`     // same-speaker cap, default 2
	DiversityWindow   int      `yaml:"diversity_window,omitempty"`    // default 3 turns
	RAGInLoop         bool     `yaml:"rag_in_loop"`

	Weights SelectionWeights `yaml:"selection_weights,omitempty"`
}

// SelectionWeights are the speaker-selection scoring weights. They must
// sum to 1.0; validation enforces this within a small tolerance.
type SelectionWeights struct {
	Relevance  float64 `yaml:"relevance"`  // default 0.40
	Diversity  float64 `yaml:"diversity"`  // default 0.20
	Dependency float64 `yaml:"dependency"` // default 0.15
	CostFit    float64 `yaml:"cost_fit"`   // default 0.15
	Recency    float64 `yaml:"recency"`    // default 0.10
}

// Limits returns the turn budget for a class, falling back to the
// built-in defaults for unknown classes.
func (p *PolicyConfig) Limits(class MessageClass) ClassLimits {
	if limits, ok := p.Classes[class]; ok {
		return limits
	}
	return defaultClassLimits()[class]
}

func defaultClassLimits() map[MessageClass]ClassLimits {
	return map[MessageClass]ClassLimits{
		ClassGreeting: {MaxTurns: 1, Timeout: Duration(30 * time.Second)},
		ClassSimple:   {MaxTurns: 2, Timeout: Duration(30 * time.Second)},
		ClassStandard: {MaxTurns: 5, Timeout: Duration(60 * time.Second)},
		ClassComplex:  {MaxTurns: 10, Timeout: Duration(120 * time.Second)},
	}
}
