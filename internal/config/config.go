package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"wlagent/internal/domain"
)

// PhasePlaceholder is replaced by the phase label in phase prompts.
const PhasePlaceholder = "{phase}"

// Config models the workflow file (wlagent.yml).
type Config struct {
	Workshops map[domain.Phase]Workshop `yaml:"workshops"`
	Problem   struct {
		Question string   `yaml:"question"`
		Options  []string `yaml:"options"`
	} `yaml:"problem"`
	Features struct {
		IDPrefix       string `yaml:"id_prefix"`
		TitlePrefix    string `yaml:"title_prefix"`
		FallbackSlug   string `yaml:"fallback_slug"`
		Preset         string `yaml:"preset"`
		DefaultSummary string `yaml:"default_summary"`
	} `yaml:"features"`
	Model    Model   `yaml:"model"`
	Prompts  Prompts `yaml:"prompts"`
	Delivery struct {
		TaskListLimit int `yaml:"task_list_limit"`
		EventsLimit   int `yaml:"events_limit"`
	} `yaml:"delivery"`
	AgentLog struct {
		Enabled bool   `yaml:"enabled"`
		ItemID  string `yaml:"item_id"`
		Title   string `yaml:"title"`
	} `yaml:"agent_log"`
	Sandbox Sandbox `yaml:"sandbox"`
}

// Workshop describes the Workline item backing one discovery phase.
type Workshop struct {
	ID          string `yaml:"id"`
	Title       string `yaml:"title"`
	Label       string `yaml:"label"`
	Preset      string `yaml:"preset"`
	Description string `yaml:"description"`
}

type Model struct {
	Name          string   `yaml:"name"`
	Temperature   float64  `yaml:"temperature"`
	MaxIterations int      `yaml:"max_iterations"`
	Strategies    []string `yaml:"strategies"`
}

type Prompts struct {
	Discovery      string `yaml:"discovery"`
	DiscoveryPhase string `yaml:"discovery_phase"`
	NextSteps      string `yaml:"next_steps"`
	Planner        string `yaml:"planner"`
	Delivery       string `yaml:"delivery"`
	Specifications string `yaml:"specifications"`
	Features       string `yaml:"features"`
}

// Sandbox configures the local stand-in Workline backend.
type Sandbox struct {
	Actors []SandboxActor `yaml:"actors"`
	// IterationApproval is the attestation an iteration needs before it can
	// be validated without force. Empty disables the check.
	IterationApproval string `yaml:"iteration_approval"`
	// AttestationAuthorities maps an attestation kind, or a "prefix.*"
	// pattern, to the roles allowed to record it. Unlisted kinds are open.
	AttestationAuthorities map[string][]string `yaml:"attestation_authorities"`
}

type SandboxActor struct {
	ID     string   `yaml:"id"`
	APIKey string   `yaml:"api_key"`
	Roles  []string `yaml:"roles"`
}

// Known agent strategies.
const (
	StrategyToolCalling   = "tool_calling"
	StrategyAgentExecutor = "agent_executor"
)

// Workshop returns the item for a phase.
func (c *Config) Workshop(p domain.Phase) Workshop {
	return c.Workshops[p]
}

// ProblemItemID is the item holding the problem statement and the specs.
func (c *Config) ProblemItemID() string {
	return c.Workshops[domain.PhaseInitial].ID
}

// PhaseLabels maps phases to their display labels.
func (c *Config) PhaseLabels() map[domain.Phase]string {
	out := map[domain.Phase]string{}
	for p, w := range c.Workshops {
		out[p] = w.Label
	}
	return out
}

// PhasePrompt renders the discovery phase prompt for a label.
func (c *Config) PhasePrompt(tmpl, label string) string {
	return strings.ReplaceAll(tmpl, PhasePlaceholder, label)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	seen := map[string]domain.Phase{}
	for _, p := range domain.DiscoveryPhases() {
		w, ok := c.Workshops[p]
		if !ok {
			return fmt.Errorf("config.workshops.%s is required", p)
		}
		if w.ID == "" || w.Title == "" || w.Preset == "" {
			return fmt.Errorf("config.workshops.%s needs id, title and preset", p)
		}
		if other, dup := seen[w.ID]; dup {
			return fmt.Errorf("config.workshops.%s reuses item id %s of %s", p, w.ID, other)
		}
		seen[w.ID] = p
	}
	for p := range c.Workshops {
		if !p.Valid() {
			return fmt.Errorf("config.workshops has unknown phase %s", p)
		}
	}
	if strings.TrimSpace(c.Problem.Question) == "" {
		return fmt.Errorf("config.problem.question is required")
	}
	if n := len(c.Problem.Options); n > 0 && !strings.HasPrefix(strings.ToLower(c.Problem.Options[n-1]), "other") {
		return fmt.Errorf("config.problem.options must end with an 'Other' option")
	}
	if c.Features.IDPrefix == "" || c.Features.FallbackSlug == "" || c.Features.Preset == "" {
		return fmt.Errorf("config.features needs id_prefix, fallback_slug and preset")
	}
	if c.Model.Name == "" {
		return fmt.Errorf("config.model.name is required")
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 2 {
		return fmt.Errorf("config.model.temperature must be within [0, 2]")
	}
	if c.Model.MaxIterations <= 0 {
		return fmt.Errorf("config.model.max_iterations must be positive")
	}
	if len(c.Model.Strategies) == 0 {
		return fmt.Errorf("config.model.strategies is required")
	}
	for _, s := range c.Model.Strategies {
		if s != StrategyToolCalling && s != StrategyAgentExecutor {
			return fmt.Errorf("config.model.strategies has unknown strategy %s", s)
		}
	}
	prompts := map[string]string{
		"discovery":       c.Prompts.Discovery,
		"discovery_phase": c.Prompts.DiscoveryPhase,
		"next_steps":      c.Prompts.NextSteps,
		"planner":         c.Prompts.Planner,
		"delivery":        c.Prompts.Delivery,
		"specifications":  c.Prompts.Specifications,
		"features":        c.Prompts.Features,
	}
	for name, text := range prompts {
		if strings.TrimSpace(text) == "" {
			return fmt.Errorf("config.prompts.%s is required", name)
		}
	}
	if !strings.Contains(c.Prompts.DiscoveryPhase, PhasePlaceholder) {
		return fmt.Errorf("config.prompts.discovery_phase must contain %s", PhasePlaceholder)
	}
	if !strings.Contains(c.Prompts.NextSteps, PhasePlaceholder) {
		return fmt.Errorf("config.prompts.next_steps must contain %s", PhasePlaceholder)
	}
	if c.Delivery.TaskListLimit <= 0 || c.Delivery.EventsLimit <= 0 {
		return fmt.Errorf("config.delivery limits must be positive")
	}
	if c.AgentLog.Enabled && c.AgentLog.ItemID == "" {
		return fmt.Errorf("config.agent_log.item_id is required when enabled")
	}
	return c.Sandbox.validate()
}

func (s Sandbox) validate() error {
	roles := map[string]bool{}
	keys := map[string]bool{}
	for _, a := range s.Actors {
		if a.ID == "" {
			return fmt.Errorf("config.sandbox.actors contains empty actor id")
		}
		if a.APIKey != "" {
			if keys[a.APIKey] {
				return fmt.Errorf("config.sandbox.actors reuses api key of %s", a.ID)
			}
			keys[a.APIKey] = true
		}
		for _, r := range a.Roles {
			roles[r] = true
		}
	}
	for kind, allowed := range s.AttestationAuthorities {
		if kind == "" {
			return fmt.Errorf("config.sandbox.attestation_authorities has empty kind")
		}
		for _, r := range allowed {
			if len(s.Actors) > 0 && !roles[r] {
				return fmt.Errorf("attestation kind %s references unknown role %s", kind, r)
			}
		}
	}
	return nil
}

// Default returns the built-in workflow.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes. Missing sections
// keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads the workflow file at path; an empty path yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with wlagent config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Write renders cfg as YAML.
func Write(w io.Writer, cfg *Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}
