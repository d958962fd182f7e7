package selector

import (
	"regexp"
	"strings"

	"github.com/convergio/convergio/pkg/config"
)

var greetingRe = regexp.MustCompile(`(?i)^\s*(hi|hello|hey|howdy|good\s+(morning|afternoon|evening)|greetings|yo)\b[\s!.,]*\w{0,12}[\s!.,]*$`)

// complexMarkers indicate multi-step analytical work that warrants a
// longer turn budget.
var complexMarkers = []string{
	"analyze", "analyse", "compare", "evaluate", "strategy", "strategic",
	"roadmap", "plan", "design", "architect", "trade-off", "tradeoff",
	"forecast", "simulate", "step by step", "end-to-end", "comprehensive",
}

// Classify grades the first user message into a turn-budget class.
// Pure heuristic; runs in microseconds.
func Classify(message string) config.MessageClass {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" || greetingRe.MatchString(trimmed) {
		return config.ClassGreeting
	}

	lower := strings.ToLower(trimmed)
	words := len(strings.Fields(lower))
	questions := strings.Count(trimmed, "?")

	markers := 0
	for _, m := range complexMarkers {
		if strings.Contains(lower, m) {
			markers++
		}
	}

	switch {
	case markers >= 2 || words > 60 || (markers >= 1 && questions >= 2):
		return config.ClassComplex
	case markers >= 1 || words > 25 || questions >= 2:
		return config.ClassStandard
	default:
		return config.ClassSimple
	}
}
