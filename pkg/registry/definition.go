// Package registry loads agent definition documents and exposes
// runnable agents behind an atomically swappable snapshot. Definitions
// are markdown files with a YAML front-matter header and the system
// prompt as body.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// AgentTier places an agent in the organizational hierarchy.
type AgentTier string

const (
	TierExecutive  AgentTier = "executive"
	TierDirector   AgentTier = "director"
	TierManager    AgentTier = "manager"
	TierSpecialist AgentTier = "specialist"
)

// AgentStatus is the lifecycle status of a definition.
type AgentStatus string

const (
	StatusActive     AgentStatus = "active"
	StatusBeta       AgentStatus = "beta"
	StatusDeprecated AgentStatus = "deprecated"
)

// ToolSpec declares a tool an agent may call.
type ToolSpec struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Required    bool   `yaml:"required,omitempty" json:"required,omitempty"`
}

// AgentDefinition is an immutable snapshot parsed from one definition
// document. (ID, Version) is unique within a snapshot.
type AgentDefinition struct {
	ID                 string      `json:"agent_id"`
	Name               string      `json:"name"`
	Role               string      `json:"role"`
	Tier               AgentTier   `json:"tier"`
	Category           string      `json:"category"`
	Capabilities       []string    `json:"capabilities"`
	Tools              []ToolSpec  `json:"tools,omitempty"`
	Tags               []string    `json:"tags,omitempty"`
	Dependencies       []string    `json:"dependencies,omitempty"`
	SystemPrompt       string      `json:"-"`
	ModelPreference    string      `json:"model_preference,omitempty"`
	Temperature        float64     `json:"temperature"`
	MaxContextTokens   int         `json:"max_context_tokens"`
	CostPerInteraction string      `json:"cost_per_interaction,omitempty"`
	Version            string      `json:"version"`
	Status             AgentStatus `json:"status"`
	ContentHash        string      `json:"content_hash"`

	// LoadPending is set when declared dependencies are not (yet)
	// registered. The agent stays loaded but the selector discounts it.
	LoadPending bool `json:"load_pending,omitempty"`
}

// HasTool reports whether the definition declares the named tool.
func (d *AgentDefinition) HasTool(name string) bool {
	for _, t := range d.Tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// HasTag reports whether the definition carries the given tag.
func (d *AgentDefinition) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// frontMatter is the YAML header of a definition document.
type frontMatter struct {
	AgentID            string     `yaml:"agent_id"`
	Name               string     `yaml:"name"`
	Role               string     `yaml:"role"`
	Tier               string     `yaml:"tier"`
	Category           string     `yaml:"category"`
	Capabilities       []string   `yaml:"capabilities"`
	Version            string     `yaml:"version,omitempty"`
	Status             string     `yaml:"status,omitempty"`
	Tools              []ToolSpec `yaml:"tools,omitempty"`
	Dependencies       []string   `yaml:"dependencies,omitempty"`
	Tags               []string   `yaml:"tags,omitempty"`
	CostPerInteraction string     `yaml:"cost_per_interaction,omitempty"`
	MaxContextTokens   int        `yaml:"max_context_tokens,omitempty"`
	Temperature        *float64   `yaml:"temperature,omitempty"`
	ModelPreference    string     `yaml:"model_preference,omitempty"`
}

const frontMatterDelimiter = "---"

// ParseDefinition parses one definition document. The returned
// definition has defaults applied but is not yet validated against the
// registry-wide rules (duplicate ids, dependency resolution).
func ParseDefinition(raw []byte) (*AgentDefinition, error) {
	header, body, err := splitFrontMatter(string(raw))
	if err != nil {
		return nil, err
	}

	var fm frontMatter
	if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
		return nil, fmt.Errorf("invalid front matter: %w", err)
	}

	def := &AgentDefinition{
		ID:                 fm.AgentID,
		Name:               fm.Name,
		Role:               fm.Role,
		Tier:               AgentTier(fm.Tier),
		Category:           fm.Category,
		Capabilities:       fm.Capabilities,
		Tools:              fm.Tools,
		Tags:               fm.Tags,
		Dependencies:       fm.Dependencies,
		SystemPrompt:       extractSystemPrompt(body),
		ModelPreference:    fm.ModelPreference,
		CostPerInteraction: fm.CostPerInteraction,
		MaxContextTokens:   fm.MaxContextTokens,
		Version:            fm.Version,
		Status:             AgentStatus(fm.Status),
	}

	// Defaults per the definition document contract.
	if def.Version == "" {
		def.Version = "1.0.0"
	}
	if def.Status == "" {
		def.Status = StatusActive
	}
	if def.MaxContextTokens == 0 {
		def.MaxContextTokens = 8000
	}
	if fm.Temperature != nil {
		def.Temperature = *fm.Temperature
	} else {
		def.Temperature = 0.7
	}

	sum := sha256.Sum256(raw)
	def.ContentHash = hex.EncodeToString(sum[:])

	return def, nil
}

// splitFrontMatter separates the YAML header from the document body.
func splitFrontMatter(doc string) (header, body string, err error) {
	trimmed := strings.TrimPrefix(doc, "\uFEFF")
	trimmed = strings.TrimLeft(trimmed, "\n\r ")
	if !strings.HasPrefix(trimmed, frontMatterDelimiter+"\n") && trimmed != frontMatterDelimiter {
		return "", "", fmt.Errorf("missing front matter header")
	}
	rest := trimmed[len(frontMatterDelimiter)+1:]
	end := strings.Index(rest, "\n"+frontMatterDelimiter)
	if end < 0 {
		return "", "", fmt.Errorf("unterminated front matter header")
	}
	header = rest[:end]
	body = rest[end+len("\n"+frontMatterDelimiter):]
	// Consume the rest of the delimiter line.
	if idx := strings.IndexByte(body, '\n'); idx >= 0 {
		body = body[idx+1:]
	} else {
		body = ""
	}
	return header, body, nil
}

// extractSystemPrompt returns the prompt portion of the body. A second
// horizontal-rule delimiter marks the start of informational prose.
func extractSystemPrompt(body string) string {
	if idx := strings.Index(body, "\n"+frontMatterDelimiter+"\n"); idx >= 0 {
		body = body[:idx]
	}
	return strings.TrimSpace(body)
}

// vagueCapabilities is the blocklist of generic capability tokens.
// Definitions claiming only vague abilities get rejected so the speaker
// selector has real expertise signals to score against.
var vagueCapabilities = map[string]bool{
	"general":    true,
	"generic":    true,
	"misc":       true,
	"stuff":      true,
	"things":     true,
	"everything": true,
	"various":    true,
	"helper":     true,
	"assistant":  true,
	"support":    true,
	"tasks":      true,
	"other":      true,
}

const (
	minPromptLen = 50
	maxPromptLen = 5000
)

// Validate applies the per-definition rules. knownTools may be empty,
// which disables the tool vocabulary check.
func (d *AgentDefinition) Validate(knownTools map[string]bool) error {
	if d.ID == "" {
		return fmt.Errorf("agent_id is required")
	}
	if d.Name == "" {
		return fmt.Errorf("agent %q: name is required", d.ID)
	}
	if d.Role == "" {
		return fmt.Errorf("agent %q: role is required", d.ID)
	}
	switch d.Tier {
	case TierExecutive, TierDirector, TierManager, TierSpecialist:
	default:
		return fmt.Errorf("agent %q: invalid tier %q", d.ID, d.Tier)
	}
	if d.Category == "" {
		return fmt.Errorf("agent %q: category is required", d.ID)
	}
	if len(d.Capabilities) == 0 {
		return fmt.Errorf("agent %q: capabilities must not be empty", d.ID)
	}
	for _, capability := range d.Capabilities {
		if vagueCapabilities[strings.ToLower(strings.TrimSpace(capability))] {
			return fmt.Errorf("agent %q: capability %q is too vague", d.ID, capability)
		}
	}
	if n := len(d.SystemPrompt); n < minPromptLen || n > maxPromptLen {
		return fmt.Errorf("agent %q: system prompt length %d outside %d..%d", d.ID, n, minPromptLen, maxPromptLen)
	}
	if len(knownTools) > 0 {
		for _, tool := range d.Tools {
			if !knownTools[tool.Name] {
				return fmt.Errorf("agent %q: unknown tool %q", d.ID, tool.Name)
			}
		}
	}
	if _, err := semver.NewVersion(d.Version); err != nil {
		return fmt.Errorf("agent %q: invalid version %q: %w", d.ID, d.Version, err)
	}
	switch d.Status {
	case StatusActive, StatusBeta, StatusDeprecated:
	default:
		return fmt.Errorf("agent %q: invalid status %q", d.ID, d.Status)
	}
	if d.Temperature < 0 || d.Temperature > 2 {
		return fmt.Errorf("agent %q: temperature %v outside 0..2", d.ID, d.Temperature)
	}
	return nil
}
