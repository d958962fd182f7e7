// Package safety validates prompts and agent outputs: prompt-injection
// detection, PII redaction, content policy enforcement, and escalation
// of high-risk actions to human approval. The guardian is side-effect
// free on allow; redaction rewrites the message in place and the
// original is discarded.
package safety

import (
	"regexp"
	"sort"

	"github.com/convergio/convergio/pkg/config"
	"github.com/convergio/convergio/pkg/models"
)

// Action is the guardian's verdict on a prompt or output.
type Action string

const (
	ActionAllow           Action = "allow"
	ActionBlock           Action = "block"
	ActionSanitize        Action = "sanitize"
	ActionRequireApproval Action = "require_approval"
)

// PromptVerdict is the result of validating an inbound prompt.
// Redacted always holds the text to use downstream; on allow with no
// PII hits it equals the input.
type PromptVerdict struct {
	Action     Action
	Reason     string
	Risk       models.RiskLevel
	ActionType string // which high-risk category matched, for the approval request
	Redacted   string
}

// OutputVerdict is the result of validating an agent's final text.
// Sanitized always holds the text to store.
type OutputVerdict struct {
	Action    Action
	Reason    string
	Sanitized string
}

// Guardian applies the safety policy. Safe for concurrent use after
// construction; patterns are compiled once.
type Guardian struct {
	cfg        *config.SafetyConfig
	redactions []*CompiledPattern
	injections map[string]*regexp.Regexp
	exfil      map[string]*regexp.Regexp
	risky      map[string]riskyPattern
}

// New compiles the built-in and configured patterns into a Guardian.
func New(cfg *config.SafetyConfig) *Guardian {
	g := &Guardian{cfg: cfg}
	g.redactions, g.injections, g.exfil, g.risky = compileBuiltins(cfg.ExtraPatterns)
	return g
}

// ValidatePrompt checks an inbound user message. Precedence: injection
// and exfiltration block outright; high-risk actions escalate to HITL
// (when enabled) at risk >= medium; otherwise the redacted text is
// allowed through.
func (g *Guardian) ValidatePrompt(message string) PromptVerdict {
	if !g.cfg.Enabled {
		return PromptVerdict{Action: ActionAllow, Risk: models.RiskLow, Redacted: message}
	}

	if name := g.matchAny(g.injections, message); name != "" {
		return PromptVerdict{
			Action: ActionBlock,
			Reason: "prompt injection pattern: " + name,
			Risk:   models.RiskHigh,
		}
	}
	if name := g.matchAny(g.exfil, message); name != "" {
		return PromptVerdict{
			Action: ActionBlock,
			Reason: "data exfiltration pattern: " + name,
			Risk:   models.RiskHigh,
		}
	}

	redacted := g.Redact(message)

	if name, risk := g.matchRisk(message); name != "" && risk.AtLeast(models.RiskMedium) {
		if g.cfg.HITLEnabled {
			return PromptVerdict{
				Action:     ActionRequireApproval,
				Reason:     "high-risk action: " + name,
				Risk:       risk,
				ActionType: name,
				Redacted:   redacted,
			}
		}
		// Without a human in the loop, high-risk requests are refused
		// rather than silently executed.
		return PromptVerdict{
			Action: ActionBlock,
			Reason: "high-risk action requires approval but HITL is disabled: " + name,
			Risk:   risk,
		}
	}

	return PromptVerdict{Action: ActionAllow, Risk: models.RiskLow, Redacted: redacted}
}

// ValidateOutput checks an agent's final text before it is recorded.
// Sensitive data is sanitized in place; policy violations block.
func (g *Guardian) ValidateOutput(output string) OutputVerdict {
	if !g.cfg.Enabled {
		return OutputVerdict{Action: ActionAllow, Sanitized: output}
	}

	if name := g.matchAny(g.exfil, output); name != "" {
		return OutputVerdict{
			Action: ActionBlock,
			Reason: "output contains exfiltration pattern: " + name,
		}
	}

	sanitized := g.Redact(output)
	if sanitized != output {
		return OutputVerdict{
			Action:    ActionSanitize,
			Reason:    "sensitive data redacted",
			Sanitized: sanitized,
		}
	}
	return OutputVerdict{Action: ActionAllow, Sanitized: output}
}

// Redact applies every redaction pattern to the text.
func (g *Guardian) Redact(text string) string {
	for _, p := range g.redactions {
		text = p.Regex.ReplaceAllString(text, p.Replacement)
	}
	return text
}

// matchAny returns the first (alphabetically) matching pattern name, or
// empty. Sorted iteration keeps verdicts deterministic.
func (g *Guardian) matchAny(patterns map[string]*regexp.Regexp, text string) string {
	names := make([]string, 0, len(patterns))
	for name := range patterns {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if patterns[name].MatchString(text) {
			return name
		}
	}
	return ""
}

// matchRisk returns the highest-risk matching action pattern.
func (g *Guardian) matchRisk(text string) (string, models.RiskLevel) {
	bestName := ""
	best := models.RiskLow
	names := make([]string, 0, len(g.risky))
	for name := range g.risky {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rp := g.risky[name]
		if !rp.re.MatchString(text) {
			continue
		}
		risk := models.RiskLevel(rp.risk)
		if bestName == "" || risk.AtLeast(best) && risk != best {
			bestName, best = name, risk
		}
	}
	return bestName, best
}
