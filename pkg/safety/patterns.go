package safety

import (
	"log/slog"
	"regexp"

	"github.com/convergio/convergio/pkg/config"
)

// CompiledPattern is a pre-compiled redaction pattern with its
// replacement token.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// builtinRedactions are the PII and secret patterns applied to every
// message before storage. Replacement tokens keep the category visible
// for debugging without keeping the value.
var builtinRedactions = []struct {
	name        string
	pattern     string
	replacement string
}{
	{"email", `[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`, "[REDACTED_EMAIL]"},
	{"phone", `(?:\+\d{1,3}[-. ]?)?\(?\d{3}\)?[-. ]\d{3}[-. ]\d{4}\b`, "[REDACTED_PHONE]"},
	{"ssn", `\b\d{3}-\d{2}-\d{4}\b`, "[REDACTED_SSN]"},
	{"credit_card", `\b(?:\d[ -]?){13,16}\b`, "[REDACTED_CARD]"},
	{"api_key", `\b(?:sk|pk|rk)[-_](?:live|test|proj)?[-_]?[A-Za-z0-9]{16,}\b`, "[REDACTED_KEY]"},
	{"bearer_token", `(?i)bearer\s+[A-Za-z0-9\-._~+/]{20,}=*`, "[REDACTED_TOKEN]"},
	{"iban", `\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`, "[REDACTED_IBAN]"},
}

// injectionPatterns detect prompt-injection attempts. A match blocks
// the prompt outright.
var injectionPatterns = []struct {
	name    string
	pattern string
}{
	{"ignore_instructions", `(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions|prompts|rules)`},
	{"reveal_system_prompt", `(?i)(reveal|show|print|repeat)\s+(your|the)\s+system\s+prompt`},
	{"role_override", `(?i)you\s+are\s+now\s+(dan|developer\s+mode|jailbroken)`},
	{"pretend_no_rules", `(?i)pretend\s+(you\s+have|there\s+are)\s+no\s+(rules|restrictions|guidelines)`},
	{"disable_safety", `(?i)(disable|bypass|turn\s+off)\s+(your\s+)?(safety|content)\s+(filter|policy|guardrails?)`},
}

// exfiltrationPatterns detect attempts to push conversation context to
// an attacker-controlled destination.
var exfiltrationPatterns = []struct {
	name    string
	pattern string
}{
	{"post_context", `(?i)(send|post|upload|forward)\s+(this|the)\s+(conversation|context|history|prompt)\s+to\s+https?://`},
	{"curl_exfil", `(?i)curl\s+-[A-Za-z]*d[A-Za-z]*\s+.*https?://`},
}

// highRiskActions flag operations needing human approval before an
// agent may act on them.
var highRiskActions = []struct {
	name    string
	pattern string
	risk    string
}{
	{"funds_transfer", `(?i)\b(wire|transfer|send|move)\b.{0,40}\b(funds?|money|payment|\$\s?\d)`, "high"},
	{"bulk_delete", `(?i)\b(delete|drop|purge|wipe)\b.{0,30}\b(all|every|entire|database|production)`, "high"},
	{"personnel_action", `(?i)\b(fire|terminate|dismiss|lay\s?off)\b.{0,30}\b(employee|contractor|team|staff|talent)`, "critical"},
	{"external_email", `(?i)\b(send|draft)\b.{0,30}\bemail\b.{0,40}\b(client|customer|external|investor)`, "medium"},
	{"contract_signing", `(?i)\b(sign|execute|approve)\b.{0,30}\b(contract|agreement|purchase\s+order)`, "high"},
}

func compileBuiltins(extra []config.MaskPattern) (redactions []*CompiledPattern, injections, exfil map[string]*regexp.Regexp, risky map[string]riskyPattern) {
	for _, p := range builtinRedactions {
		re, err := regexp.Compile(p.pattern)
		if err != nil {
			slog.Error("Failed to compile redaction pattern, skipping", "pattern", p.name, "error", err)
			continue
		}
		redactions = append(redactions, &CompiledPattern{Name: p.name, Regex: re, Replacement: p.replacement})
	}
	for _, p := range extra {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			slog.Error("Failed to compile custom redaction pattern, skipping", "pattern", p.Name, "error", err)
			continue
		}
		redactions = append(redactions, &CompiledPattern{Name: p.Name, Regex: re, Replacement: p.Replacement})
	}

	injections = map[string]*regexp.Regexp{}
	for _, p := range injectionPatterns {
		re, err := regexp.Compile(p.pattern)
		if err != nil {
			slog.Error("Failed to compile injection pattern, skipping", "pattern", p.name, "error", err)
			continue
		}
		injections[p.name] = re
	}

	exfil = map[string]*regexp.Regexp{}
	for _, p := range exfiltrationPatterns {
		re, err := regexp.Compile(p.pattern)
		if err != nil {
			slog.Error("Failed to compile exfiltration pattern, skipping", "pattern", p.name, "error", err)
			continue
		}
		exfil[p.name] = re
	}

	risky = map[string]riskyPattern{}
	for _, p := range highRiskActions {
		re, err := regexp.Compile(p.pattern)
		if err != nil {
			slog.Error("Failed to compile risk pattern, skipping", "pattern", p.name, "error", err)
			continue
		}
		risky[p.name] = riskyPattern{re: re, risk: p.risk}
	}
	return redactions, injections, exfil, risky
}

type riskyPattern struct {
	re   *regexp.Regexp
	risk string
}
