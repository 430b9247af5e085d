package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wlagent/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "problem-refinement", cfg.ProblemItemID())
	assert.Equal(t, "workshop-eventstorming", cfg.Workshop(domain.PhaseEventStorming).ID)
	assert.Equal(t, "Decision Workshop", cfg.PhaseLabels()[domain.PhaseDecisionWorkshop])
	assert.Equal(t, 6, cfg.Model.MaxIterations)
	assert.Len(t, cfg.Problem.Options, 4)
	assert.Contains(t, cfg.Prompts.Features, `{"title": "...", "summary": "..."}`)
	assert.Equal(t, "Feature workshop: ", cfg.Features.TitlePrefix)
}

func TestPhasePrompt(t *testing.T) {
	cfg := Default()
	got := cfg.PhasePrompt(cfg.Prompts.DiscoveryPhase, "Event Storming")
	assert.Contains(t, got, "workshop phase: Event Storming.")
	assert.NotContains(t, got, PhasePlaceholder)
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
model:
  name: gpt-4o
  temperature: 0
  max_iterations: 3
  strategies: [agent_executor]
agent_log:
  enabled: true
`))
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", cfg.Model.Name)
	assert.Equal(t, []string{StrategyAgentExecutor}, cfg.Model.Strategies)
	assert.True(t, cfg.AgentLog.Enabled)
	assert.Equal(t, "agent-log", cfg.AgentLog.ItemID)
	assert.Equal(t, "workshop-clarify", cfg.Workshop(domain.PhaseClarify).ID)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"bad yaml":          "model: [",
		"unknown strategy":  "model: {name: m, temperature: 0.2, max_iterations: 2, strategies: [magic]}",
		"missing other":     "problem: {question: q, options: [a, b]}",
		"no placeholder":    "prompts: {discovery_phase: static text}",
		"duplicate item":    "workshops: {clarify: {id: problem-refinement, title: t, preset: p}}",
		"unknown phase":     "workshops: {retro: {id: r, title: t, preset: p}}",
		"unknown role":      "sandbox: {attestation_authorities: {ci.*: [ghost]}}",
		"bad temperature":   "model: {name: m, temperature: 3, max_iterations: 2, strategies: [tool_calling]}",
		"agent log no item": "agent_log: {enabled: true, item_id: ''}",
	}
	for name, doc := range cases {
		_, err := FromYAML([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestLoad(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", cfg.Model.Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wlagent config init")

	path := filepath.Join(t.TempDir(), "wlagent.yml")
	require.NoError(t, os.WriteFile(path, []byte(GenerateDefault()), 0o644))
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestWriteIsLoadable(t *testing.T) {
	cfg := Default()
	cfg.AgentLog.Enabled = true
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, cfg))

	back, err := FromYAML(buf.Bytes())
	require.NoError(t, err)
	assert.True(t, back.AgentLog.Enabled)
	assert.Equal(t, cfg.Prompts, back.Prompts)
	assert.Equal(t, cfg.Sandbox.AttestationAuthorities, back.Sandbox.AttestationAuthorities)
}
