// Package config provides configuration loading for loom.
//
// Precedence, highest first: environment variables (LOOM_ prefix), the YAML
// config file, hardcoded defaults.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level loom configuration.
type Config struct {
	Run       RunConfig       `koanf:"run"`
	Huddle    HuddleConfig    `koanf:"huddle"`
	Gates     []GateConfig    `koanf:"gates"`
	Anthropic AnthropicConfig `koanf:"anthropic"`
	Log       LogConfig       `koanf:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// RunConfig bounds one run.
type RunConfig struct {
	RootDir string `koanf:"root_dir"`
	Mode    string `koanf:"mode"`

	// Goal is the operator's stated objective, surfaced to the decision
	// source every turn.
	Goal string `koanf:"goal"`

	// Steps is the ordered critical path.
	Steps []string `koanf:"steps"`

	// DeliverableGlobs selects what ships in the finalization bundle.
	// Empty means the built-in backend/frontend/contracts/plans set.
	DeliverableGlobs []string `koanf:"deliverable_globs"`

	MaxSteps          int `koanf:"max_steps"`
	MaxOpenHuddles    int `koanf:"max_open_huddles"`
	MaxSliceExecutors int `koanf:"max_slice_executors"`

	// GateFailureThreshold is how many consecutive failures of the same gate
	// trigger the cooldown.
	GateFailureThreshold int `koanf:"gate_failure_threshold"`
	CooldownMS           int `koanf:"cooldown_ms"`
}

// HuddleConfig bounds huddles.
type HuddleConfig struct {
	MaxRounds int `koanf:"max_rounds"`

	// Mode is the default conduct mode for huddles opened without an
	// explicit one: dialog or synthesis.
	Mode string `koanf:"mode"`
}

// GateConfig declares one stage gate.
type GateConfig struct {
	ID         string   `koanf:"id"`
	Name       string   `koanf:"name"`
	Step       string   `koanf:"step"`
	Conditions []string `koanf:"conditions"`
}

// AnthropicConfig configures the model-backed decision source.
type AnthropicConfig struct {
	APIKey string `koanf:"api_key"`
	Model  string `koanf:"model"`

	// FallbackModel, when set, answers decisions the primary model fails on.
	FallbackModel string `koanf:"fallback_model"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig selects the OTLP endpoint. Empty endpoint disables export.
type TelemetryConfig struct {
	Endpoint string `koanf:"endpoint"`
	Insecure bool   `koanf:"insecure"`
}

// Load reads configuration from path (skipped when empty or missing), then
// LOOM_* environment variables, then applies defaults and validates.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			content, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("loading config file %s: %w", path, err)
			}
		}
	}

	// LOOM_RUN_MAX_STEPS -> run.max_steps, LOOM_ANTHROPIC_API_KEY ->
	// anthropic.api_key. Split on the first underscore after the prefix:
	// section, then field.
	if err := k.Load(env.Provider("LOOM_", ".", func(s string) string {
		lower := strings.ToLower(strings.TrimPrefix(s, "LOOM_"))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// DefaultSteps is the built-in critical path.
var DefaultSteps = []string{"contracts", "backend_scaffold", "frontend_scaffold", "smoke_tests"}

// DefaultGates returns the built-in stage gates, one per step.
func DefaultGates() []GateConfig {
	return []GateConfig{
		{
			ID:         "sg_api_contract",
			Name:       "API contract agreed",
			Step:       "contracts",
			Conditions: []string{"tests.pass('api_contract')"},
		},
		{
			ID:         "sg_be_scaffold",
			Name:       "Backend scaffold in place",
			Step:       "backend_scaffold",
			Conditions: []string{"tests.pass('be_scaffold') and artifact.exists('backend/**')"},
		},
		{
			ID:         "sg_fe_scaffold",
			Name:       "Frontend scaffold in place",
			Step:       "frontend_scaffold",
			Conditions: []string{"tests.pass('fe_scaffold') and artifact.exists('frontend/**')"},
		},
		{
			ID:         "sg_smoke",
			Name:       "Smoke tests green",
			Step:       "smoke_tests",
			Conditions: []string{"tests.pass('smoke')"},
		},
	}
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Run.RootDir == "" {
		c.Run.RootDir = "runs"
	}
	if c.Run.Mode == "" {
		c.Run.Mode = "ladder"
	}
	if len(c.Run.Steps) == 0 {
		c.Run.Steps = append([]string(nil), DefaultSteps...)
	}
	if c.Run.MaxSteps == 0 {
		c.Run.MaxSteps = 32
	}
	if c.Run.MaxOpenHuddles == 0 {
		c.Run.MaxOpenHuddles = 2
	}
	if c.Run.MaxSliceExecutors == 0 {
		c.Run.MaxSliceExecutors = 3
	}
	if c.Run.GateFailureThreshold == 0 {
		c.Run.GateFailureThreshold = 2
	}
	if c.Run.CooldownMS == 0 {
		c.Run.CooldownMS = 5000
	}
	if c.Huddle.MaxRounds == 0 {
		c.Huddle.MaxRounds = 3
	}
	if c.Huddle.Mode == "" {
		c.Huddle.Mode = "dialog"
	}
	if len(c.Gates) == 0 {
		c.Gates = DefaultGates()
	}
	if c.Anthropic.Model == "" {
		c.Anthropic.Model = "claude-sonnet-4-5"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// Validate rejects configurations the controller cannot run with.
func (c *Config) Validate() error {
	if c.Run.MaxSteps < 1 {
		return fmt.Errorf("run.max_steps must be positive, got %d", c.Run.MaxSteps)
	}
	if c.Run.MaxOpenHuddles < 1 {
		return fmt.Errorf("run.max_open_huddles must be positive, got %d", c.Run.MaxOpenHuddles)
	}
	if c.Run.MaxSliceExecutors < 1 {
		return fmt.Errorf("run.max_slice_executors must be positive, got %d", c.Run.MaxSliceExecutors)
	}
	if c.Huddle.MaxRounds < 1 || c.Huddle.MaxRounds > 3 {
		return fmt.Errorf("huddle.max_rounds must be in 1..3, got %d", c.Huddle.MaxRounds)
	}
	if c.Huddle.Mode != "dialog" && c.Huddle.Mode != "synthesis" {
		return fmt.Errorf("huddle.mode must be dialog or synthesis, got %q", c.Huddle.Mode)
	}
	if len(c.Run.Steps) == 0 {
		return fmt.Errorf("run.steps must not be empty")
	}
	steps := map[string]bool{}
	for _, s := range c.Run.Steps {
		if steps[s] {
			return fmt.Errorf("run.steps contains duplicate %q", s)
		}
		steps[s] = true
	}
	seen := map[string]bool{}
	for _, g := range c.Gates {
		if g.ID == "" {
			return fmt.Errorf("gate with empty id")
		}
		if seen[g.ID] {
			return fmt.Errorf("duplicate gate id %q", g.ID)
		}
		seen[g.ID] = true
		if g.Step != "" && !steps[g.Step] {
			return fmt.Errorf("gate %s references unknown step %q", g.ID, g.Step)
		}
	}
	return nil
}

// GatesForStep returns the gates guarding the named step.
func (c *Config) GatesForStep(step string) []GateConfig {
	var out []GateConfig
	for _, g := range c.Gates {
		if g.Step == step {
			out = append(out, g)
		}
	}
	return out
}
