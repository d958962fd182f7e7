// Package selector decides who speaks next in a group conversation:
// mission routing for the opening message, then weighted scoring over
// the eligible agents for every in-loop turn.
package selector

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/convergio/convergio/pkg/config"
	"github.com/convergio/convergio/pkg/models"
	"github.com/convergio/convergio/pkg/registry"
)

// Terminate is the sentinel speaker id ending the conversation loop.
const Terminate = "terminate"

// defaultInteractionCost prices agents that do not declare
// cost_per_interaction.
var defaultInteractionCost = decimal.RequireFromString("0.01")

// terminationMarkers in an agent's last message end the loop.
var terminationMarkers = []string{"final answer", "conclusion"}

// Decision is the selector's verdict for one turn.
type Decision struct {
	SpeakerID   string
	Terminate   bool
	Reason      string
	SingleAgent bool
	Class       config.MessageClass
	Scores      map[string]float64
}

// Selector is stateless between calls; all inputs arrive per turn.
type Selector struct {
	policy *config.PolicyConfig
}

// New creates a Selector over the orchestration policy.
func New(policy *config.PolicyConfig) *Selector {
	return &Selector{policy: policy}
}

// Route classifies the opening user message and routes it to the
// orchestrator agent. Greeting and simple messages stay single-agent.
func (s *Selector) Route(userMessage, orchestratorID string) Decision {
	class := Classify(userMessage)
	single := class == config.ClassGreeting || class == config.ClassSimple
	slog.Debug("Mission routed", "class", string(class), "single_agent", single)
	return Decision{
		SpeakerID:   orchestratorID,
		SingleAgent: single,
		Class:       class,
		Reason:      "mission routing: " + string(class),
	}
}

// NextRequest carries the in-loop selection inputs.
type NextRequest struct {
	Conversation    *models.Conversation
	Candidates      []*registry.AgentDefinition
	RemainingBudget decimal.Decimal
	MaxTurns        int
	SingleAgent     bool
}

// Next scores the eligible agents and returns the next speaker, or a
// terminate decision when a stop rule fires.
func (s *Selector) Next(req NextRequest) Decision {
	conv := req.Conversation
	history := conv.SpeakerHistory()

	if reason, stop := s.shouldTerminate(req, history); stop {
		return Decision{SpeakerID: Terminate, Terminate: true, Reason: reason}
	}

	eligible := s.filterConsecutive(req.Candidates, history)
	if len(eligible) == 0 {
		return Decision{SpeakerID: Terminate, Terminate: true, Reason: "no eligible agents"}
	}

	lastText := ""
	if last := conv.LastMessage(); last != nil {
		lastText = last.Content
	}

	scores := make(map[string]float64, len(eligible))
	for _, def := range eligible {
		scores[def.ID] = s.score(def, lastText, history, req.RemainingBudget)
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if scores[a.ID] != scores[b.ID] {
			return scores[a.ID] > scores[b.ID]
		}
		ca, cb := interactionCost(a), interactionCost(b)
		if !ca.Equal(cb) {
			return ca.LessThan(cb)
		}
		return a.ID < b.ID
	})

	winner := eligible[0]
	return Decision{SpeakerID: winner.ID, Reason: "scored selection", Scores: scores}
}

func (s *Selector) shouldTerminate(req NextRequest, history []string) (string, bool) {
	if req.MaxTurns > 0 && req.Conversation.TurnCount >= req.MaxTurns {
		return "max turns reached", true
	}
	if !req.RemainingBudget.IsZero() && !req.RemainingBudget.IsPositive() {
		return "turn budget exhausted", true
	}
	if last := req.Conversation.LastMessage(); last != nil && last.Role == models.RoleAgent {
		if hasTerminationMarker(last.Content) {
			return "termination marker in last message", true
		}
		if req.SingleAgent && len(history) >= 1 {
			return "single-agent mode answered", true
		}
	}
	return "", false
}

// filterConsecutive drops agents that already spoke the last
// consecutive_cap turns in a row.
func (s *Selector) filterConsecutive(candidates []*registry.AgentDefinition, history []string) []*registry.AgentDefinition {
	limit := s.policy.ConsecutiveCap
	if limit <= 0 {
		limit = 2
	}
	if len(history) < limit {
		return candidates
	}
	streakID := history[len(history)-1]
	streak := 0
	for i := len(history) - 1; i >= 0 && history[i] == streakID; i-- {
		streak++
	}
	if streak < limit {
		return candidates
	}

	var out []*registry.AgentDefinition
	for _, def := range candidates {
		if def.ID != streakID {
			out = append(out, def)
		}
	}
	return out
}

func (s *Selector) score(def *registry.AgentDefinition, lastMessage string, history []string, remaining decimal.Decimal) float64 {
	w := s.policy.Weights
	score := w.Relevance*relevance(def, lastMessage) +
		w.Diversity*diversity(def.ID, history, s.diversityWindow()) +
		w.Dependency*dependencySatisfaction(def, history) +
		w.CostFit*costFit(def, remaining) +
		w.Recency*recency(def.ID, history)
	return score
}

func (s *Selector) diversityWindow() int {
	if s.policy.DiversityWindow > 0 {
		return s.policy.DiversityWindow
	}
	return 3
}

// relevance is the fraction of the agent's capability vocabulary found
// in the last message.
func relevance(def *registry.AgentDefinition, lastMessage string) float64 {
	text := strings.ToLower(lastMessage)
	if text == "" {
		return 0.5
	}
	vocab := map[string]bool{}
	for _, c := range def.Capabilities {
		for _, w := range strings.Fields(strings.ToLower(c)) {
			if len(w) > 3 {
				vocab[w] = true
			}
		}
	}
	for _, tag := range def.Tags {
		vocab[strings.ToLower(tag)] = true
	}
	if len(vocab) == 0 {
		return 0
	}
	hits := 0
	for w := range vocab {
		if strings.Contains(text, w) {
			hits++
		}
	}
	return float64(hits) / float64(len(vocab))
}

// diversity penalizes agents that spoke within the last window turns.
func diversity(id string, history []string, window int) float64 {
	if len(history) == 0 {
		return 1
	}
	start := len(history) - window
	if start < 0 {
		start = 0
	}
	uses := 0
	for _, speaker := range history[start:] {
		if speaker == id {
			uses++
		}
	}
	return 1 - float64(uses)/float64(window)
}

// dependencySatisfaction rewards agents whose declared dependencies
// have already spoken.
func dependencySatisfaction(def *registry.AgentDefinition, history []string) float64 {
	if def.LoadPending {
		return 0
	}
	if len(def.Dependencies) == 0 {
		return 1
	}
	spoken := map[string]bool{}
	for _, s := range history {
		spoken[s] = true
	}
	satisfied := 0
	for _, dep := range def.Dependencies {
		if spoken[dep] {
			satisfied++
		}
	}
	return float64(satisfied) / float64(len(def.Dependencies))
}

// costFit compares the agent's estimated interaction cost with the
// remaining budget. Unlimited budget scores everyone equally.
func costFit(def *registry.AgentDefinition, remaining decimal.Decimal) float64 {
	if remaining.IsZero() {
		return 1
	}
	if !remaining.IsPositive() {
		return 0
	}
	est := interactionCost(def)
	ratio, _ := est.Div(remaining).Float64()
	if ratio > 1 {
		return 0
	}
	return 1 - ratio
}

// recency rewards agents that have not spoken recently; never-spoken
// agents score highest.
func recency(id string, history []string) float64 {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i] == id {
			turnsAgo := len(history) - i
			return float64(turnsAgo-1) / float64(len(history))
		}
	}
	return 1
}

func interactionCost(def *registry.AgentDefinition) decimal.Decimal {
	if def.CostPerInteraction == "" {
		return defaultInteractionCost
	}
	d, err := decimal.NewFromString(def.CostPerInteraction)
	if err != nil || d.IsNegative() {
		return defaultInteractionCost
	}
	return d
}

// hasTerminationMarker checks the explicit stop phrases. "DONE" must be
// an upper-case standalone word; the phrase markers are
// case-insensitive.
func hasTerminationMarker(text string) bool {
	for _, w := range strings.Fields(text) {
		if strings.Trim(w, ".,;:!?") == "DONE" {
			return true
		}
	}
	lower := strings.ToLower(text)
	for _, marker := range terminationMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
