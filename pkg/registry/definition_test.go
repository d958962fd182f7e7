package registry

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDoc = `---
agent_id: ali-chief-of-staff
name: Ali
role: Chief of Staff
tier: executive
category: leadership
capabilities:
  - strategic planning
  - delegation
tools:
  - name: web_search
    description: Search the web
dependencies:
  - amy-cfo
tags: [leadership, planning]
version: 2.1.0
temperature: 0.3
max_context_tokens: 16000
model_preference: gpt-4o
---
You are Ali, the chief of staff. Coordinate the team, decompose the
mission into delegated tasks, and synthesize a final answer.
---
Everything below the rule is documentation, not prompt.
`

func TestParseDefinition(t *testing.T) {
	def, err := ParseDefinition([]byte(sampleDoc))
	require.NoError(t, err)

	assert.Equal(t, "ali-chief-of-staff", def.ID)
	assert.Equal(t, TierExecutive, def.Tier)
	assert.Equal(t, "2.1.0", def.Version)
	assert.Equal(t, StatusActive, def.Status) // default
	assert.Equal(t, 0.3, def.Temperature)
	assert.Equal(t, 16000, def.MaxContextTokens)
	assert.Equal(t, []string{"amy-cfo"}, def.Dependencies)
	assert.True(t, def.HasTool("web_search"))
	assert.True(t, def.HasTag("planning"))
	assert.NotEmpty(t, def.ContentHash)

	// Prompt stops at the second rule; trailing docs are not prompt.
	assert.Contains(t, def.SystemPrompt, "chief of staff")
	assert.NotContains(t, def.SystemPrompt, "documentation")
}

func TestParseDefinitionDefaults(t *testing.T) {
	doc := `---
agent_id: x
name: X
role: Specialist
tier: specialist
category: eng
capabilities: [code review]
---
` + strings.Repeat("prompt ", 20)
	def, err := ParseDefinition([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", def.Version)
	assert.Equal(t, 0.7, def.Temperature)
	assert.Equal(t, 8000, def.MaxContextTokens)
}

func TestParseDefinitionRejectsMissingHeader(t *testing.T) {
	_, err := ParseDefinition([]byte("no front matter here"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "front matter")
}

func TestValidate(t *testing.T) {
	known := map[string]bool{"web_search": true}

	base := func() *AgentDefinition {
		def, err := ParseDefinition([]byte(sampleDoc))
		require.NoError(t, err)
		return def
	}

	tests := []struct {
		name    string
		mutate  func(*AgentDefinition)
		wantErr string
	}{
		{"valid", func(d *AgentDefinition) {}, ""},
		{"missing id", func(d *AgentDefinition) { d.ID = "" }, "agent_id is required"},
		{"bad tier", func(d *AgentDefinition) { d.Tier = "intern" }, "invalid tier"},
		{"no capabilities", func(d *AgentDefinition) { d.Capabilities = nil }, "capabilities must not be empty"},
		{"vague capability", func(d *AgentDefinition) { d.Capabilities = []string{"stuff"} }, "too vague"},
		{"short prompt", func(d *AgentDefinition) { d.SystemPrompt = "hi" }, "system prompt length"},
		{"long prompt", func(d *AgentDefinition) { d.SystemPrompt = strings.Repeat("x", 5001) }, "system prompt length"},
		{"unknown tool", func(d *AgentDefinition) { d.Tools = []ToolSpec{{Name: "teleport"}} }, "unknown tool"},
		{"bad version", func(d *AgentDefinition) { d.Version = "not-semver" }, "invalid version"},
		{"bad status", func(d *AgentDefinition) { d.Status = "retired" }, "invalid status"},
		{"bad temperature", func(d *AgentDefinition) { d.Temperature = 3.5 }, "temperature"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			def := base()
			tc.mutate(def)
			err := def.Validate(known)
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			}
		})
	}
}
