package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrConfig wraps any configuration failure; startup halts on it.
type ErrConfig struct {
	Reason string
}

func (e ErrConfig) Error() string { return "config: " + e.Reason }

// Config models taskforge.yml: model backend connection, sampling parameters,
// per-stage prompt instructions with optional word ceilings, and the category set.
// Loaded once at process start and passed explicitly; never a mutable global.
type Config struct {
	Backend  Backend  `yaml:"backend"`
	Sampling Sampling `yaml:"sampling"`
	Prompts  Prompts  `yaml:"prompts"`
	// Categories is the enumerated category set tasks and stories classify into.
	Categories []string `yaml:"categories"`
}

type Backend struct {
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the per-invocation deadline for model calls.
func (b Backend) Timeout() time.Duration {
	if b.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(b.TimeoutSeconds) * time.Second
}

type Sampling struct {
	Temperature      float64 `yaml:"temperature"`
	MaxTokens        int     `yaml:"max_tokens"`
	TopP             float64 `yaml:"top_p"`
	FrequencyPenalty float64 `yaml:"frequency_penalty"`
	PresencePenalty  float64 `yaml:"presence_penalty"`
}

// StagePrompt configures one generation stage. MaxWords of 0 means unbounded.
type StagePrompt struct {
	Instruction string `yaml:"instruction"`
	MaxWords    int    `yaml:"max_words"`
}

type Prompts struct {
	BaseRole       string      `yaml:"base_role"`
	Describe       StagePrompt `yaml:"describe"`
	Categorize     StagePrompt `yaml:"categorize"`
	Estimate       StagePrompt `yaml:"estimate"`
	RiskAnalysis   StagePrompt `yaml:"risk_analysis"`
	RiskMitigation StagePrompt `yaml:"risk_mitigation"`
	Decompose      StagePrompt `yaml:"decompose_story"`
	GenerateStory  StagePrompt `yaml:"generate_story"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfig{Reason: fmt.Sprintf("%s not found; create one with tf init", path)}
		}
		return nil, ErrConfig{Reason: err.Error()}
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	if _, err := os.Stat(Path(workspace)); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(workspace)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, ErrConfig{Reason: "invalid yaml: " + err.Error()}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return ErrConfig{Reason: "backend.base_url is required"}
	}
	if c.Backend.Model == "" {
		return ErrConfig{Reason: "backend.model is required"}
	}
	if c.Sampling.MaxTokens <= 0 {
		return ErrConfig{Reason: "sampling.max_tokens must be positive"}
	}
	if c.Sampling.Temperature < 0 || c.Sampling.Temperature > 2 {
		return ErrConfig{Reason: "sampling.temperature must be in [0, 2]"}
	}
	if c.Prompts.BaseRole == "" {
		return ErrConfig{Reason: "prompts.base_role is required"}
	}
	for name, sp := range map[string]StagePrompt{
		"describe":        c.Prompts.Describe,
		"categorize":      c.Prompts.Categorize,
		"estimate":        c.Prompts.Estimate,
		"risk_analysis":   c.Prompts.RiskAnalysis,
		"risk_mitigation": c.Prompts.RiskMitigation,
		"decompose_story": c.Prompts.Decompose,
		"generate_story":  c.Prompts.GenerateStory,
	} {
		if sp.Instruction == "" {
			return ErrConfig{Reason: fmt.Sprintf("prompts.%s.instruction is required", name)}
		}
		if sp.MaxWords < 0 {
			return ErrConfig{Reason: fmt.Sprintf("prompts.%s.max_words must not be negative", name)}
		}
	}
	if len(c.Categories) < 10 {
		return ErrConfig{Reason: fmt.Sprintf("categories requires at least 10 members, got %d", len(c.Categories))}
	}
	seen := make(map[string]bool, len(c.Categories))
	for _, cat := range c.Categories {
		if cat == "" {
			return ErrConfig{Reason: "categories contains an empty name"}
		}
		if seen[cat] {
			return ErrConfig{Reason: "duplicate category " + cat}
		}
		seen[cat] = true
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskforge.yml")
}

// Default returns the built-in default Config.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(err)
	}
	return cfg
}

// GenerateDefault returns the default config YAML, for tf init.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `backend:
  base_url: http://localhost:11434/v1
  model: gpt-4
  api_key: ""
  timeout_seconds: 60

sampling:
  temperature: 0.7
  max_tokens: 2500
  top_p: 0.95
  frequency_penalty: 0.0
  presence_penalty: 0.0

prompts:
  base_role: >
    You are an expert technical project manager helping a software team turn
    intent into well-structured backlog items.
  describe:
    instruction: >
      Write a clear, actionable description for the task. Respond with the
      description only, no headings or extra commentary.
    max_words: 120
  categorize:
    instruction: >
      Classify the task into exactly one of the available categories. Respond
      with the exact category name only.
    max_words: 0
  estimate:
    instruction: >
      Estimate the effort in hours required to complete the task. Respond with
      a single decimal number, for example 4.5.
    max_words: 0
  risk_analysis:
    instruction: >
      Analyze the risks of the task: technical, scheduling and dependency
      risks. Provide a focused risk analysis.
    max_words: 150
  risk_mitigation:
    instruction: >
      Based on the task and its risk analysis, produce a mitigation plan with
      preventive actions and contingencies.
    max_words: 150
  decompose_story:
    instruction: >
      Decompose the user story into specific, actionable technical tasks.
      Respond only with a JSON array where each element has the fields title,
      description, priority, status and assigned_to. No markdown, no prose.
    max_words: 0
  generate_story:
    instruction: >
      Convert the idea into a complete user story. Respond only with a JSON
      object with the fields project, role, goal, reason, description,
      priority, story_points and effort_hours. No markdown, no prose.
    max_words: 0

categories:
  - Backend
  - Frontend
  - Database
  - DevOps
  - Infrastructure
  - Testing
  - Documentation
  - Security
  - Performance
  - UI/UX
  - API
  - Mobile
  - Architecture
  - Maintenance
  - Bug Fix
  - Feature
  - Refactoring
  - Integration
  - Deployment
  - Monitoring
`
