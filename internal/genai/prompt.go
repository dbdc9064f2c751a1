// Package genai holds the generation and enrichment pipeline: prompt
// construction, structured-output parsing, the per-field enrichment
// orchestrator and the story-to-tasks pipeline. Everything here is
// deterministic given the model's responses; only the llm gateway does I/O.
package genai

import (
	"fmt"
	"strconv"
	"strings"

	"taskforge/internal/config"
	"taskforge/internal/domain"
)

// Kind identifies one generation stage.
type Kind string

const (
	KindDescribe       Kind = "describe"
	KindCategorize     Kind = "categorize"
	KindEstimate       Kind = "estimate"
	KindRiskAnalysis   Kind = "risk_analysis"
	KindRiskMitigation Kind = "risk_mitigation"
	KindDecompose      Kind = "decompose_story"
	KindGenerateStory  Kind = "generate_story"
)

// Prompt is a system/user message pair ready for the gateway.
type Prompt struct {
	System string
	User   string
}

const notSpecified = "not specified"

// systemMessage assembles the configured role framing, the stage instruction
// and, when the stage has a word ceiling, an explicit length constraint.
// Identical inputs always produce identical messages.
func systemMessage(cfg *config.Config, sp config.StagePrompt, subject string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(cfg.Prompts.BaseRole))
	b.WriteString("\n\n")
	b.WriteString(strings.TrimSpace(sp.Instruction))
	if sp.MaxWords > 0 {
		fmt.Fprintf(&b, "\n\nIMPORTANT: The %s must not exceed %d words.", subject, sp.MaxWords)
	}
	return b.String()
}

func taskField(label, value string) string {
	if strings.TrimSpace(value) == "" {
		value = notSpecified
	}
	return label + ": " + value + "\n"
}

func optStr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func optFloat(p *float64) string {
	if p == nil {
		return ""
	}
	return strconv.FormatFloat(*p, 'f', -1, 64)
}

// taskContext renders every known field of the task except those named in
// omit, so the model sees all context but never the field it must produce.
func taskContext(t domain.Task, omit ...string) string {
	skip := make(map[string]bool, len(omit))
	for _, o := range omit {
		skip[o] = true
	}
	var b strings.Builder
	if !skip["title"] {
		b.WriteString(taskField("Title", t.Title))
	}
	if !skip["description"] {
		b.WriteString(taskField("Description", optStr(t.Description)))
	}
	if !skip["category"] {
		b.WriteString(taskField("Category", optStr(t.Category)))
	}
	if !skip["priority"] {
		b.WriteString(taskField("Priority", t.Priority))
	}
	if !skip["effort_hours"] {
		b.WriteString(taskField("Estimated hours", optFloat(t.EffortHours)))
	}
	if !skip["status"] {
		b.WriteString(taskField("Status", t.Status))
	}
	if !skip["assigned_to"] {
		b.WriteString(taskField("Assigned to", t.AssignedTo))
	}
	return b.String()
}

// BuildTaskPrompt produces the message pair for a single-field task stage.
// For risk_mitigation the already generated risk analysis is embedded in the
// user message; callers must not request it before the analysis exists.
func BuildTaskPrompt(kind Kind, t domain.Task, cfg *config.Config) (Prompt, error) {
	switch kind {
	case KindDescribe:
		return Prompt{
			System: systemMessage(cfg, cfg.Prompts.Describe, "description"),
			User: "Generate a description for the following task:\n\n" +
				taskContext(t, "description") +
				"\nRespond only with the description, without headings or additional explanations.",
		}, nil
	case KindCategorize:
		return Prompt{
			System: systemMessage(cfg, cfg.Prompts.Categorize, "category"),
			User: "Classify the following task:\n\n" +
				taskContext(t, "category", "effort_hours", "status") +
				"\nAvailable categories: " + strings.Join(cfg.Categories, ", ") +
				"\n\nRespond only with the exact category name.",
		}, nil
	case KindEstimate:
		return Prompt{
			System: systemMessage(cfg, cfg.Prompts.Estimate, "estimate"),
			User: "Estimate the effort in hours for the following task:\n\n" +
				taskContext(t, "effort_hours", "status") +
				"\nRespond only with a decimal number (example: 4.5).",
		}, nil
	case KindRiskAnalysis:
		return Prompt{
			System: systemMessage(cfg, cfg.Prompts.RiskAnalysis, "analysis"),
			User: "Analyze the risks of the following task:\n\n" +
				taskContext(t, "risk_analysis", "risk_mitigation") +
				"\nProvide a focused risk analysis.",
		}, nil
	case KindRiskMitigation:
		if t.RiskAnalysis == nil {
			return Prompt{}, fmt.Errorf("risk_mitigation prompt requires risk_analysis")
		}
		return Prompt{
			System: systemMessage(cfg, cfg.Prompts.RiskMitigation, "mitigation plan"),
			User: "Based on the following task and its risk analysis, generate a mitigation plan:\n\n" +
				"TASK INFORMATION:\n" +
				taskContext(t, "risk_analysis", "risk_mitigation") +
				"\nRISK ANALYSIS:\n" + *t.RiskAnalysis +
				"\n\nProvide a mitigation plan with preventive actions and contingency measures.",
		}, nil
	default:
		return Prompt{}, fmt.Errorf("unknown task prompt kind %q", kind)
	}
}

// BuildStoryCategorizePrompt asks for the dominant work category of a story,
// restricted to the configured set.
func BuildStoryCategorizePrompt(s domain.UserStory, cfg *config.Config) Prompt {
	return Prompt{
		System: systemMessage(cfg, cfg.Prompts.Categorize, "category"),
		User: "Determine the dominant work category for the following user story:\n\n" +
			taskField("Goal", s.Goal) +
			taskField("Description", s.Description) +
			"\nAvailable categories: " + strings.Join(cfg.Categories, ", ") +
			"\n\nRespond only with the exact category name.",
	}
}

// BuildDecomposePrompt asks for count draft tasks of the given category
// implementing the story.
func BuildDecomposePrompt(s domain.UserStory, category string, count int, cfg *config.Config) Prompt {
	system := systemMessage(cfg, cfg.Prompts.Decompose, "decomposition") +
		fmt.Sprintf("\n\nGenerate exactly %d tasks, all of category %s.", count, category)
	user := fmt.Sprintf("Generate %d %s tasks to implement the following user story:\n\n", count, category) +
		taskField("Project", s.Project) +
		taskField("As a", s.Role) +
		taskField("I want", s.Goal) +
		taskField("So that", s.Reason) +
		taskField("Description", s.Description) +
		taskField("Priority", s.Priority) +
		taskField("Story points", strconv.Itoa(s.StoryPoints)) +
		fmt.Sprintf("\nAll tasks must be of category %s.", category)
	return Prompt{System: system, User: user}
}

// BuildStoryPrompt asks for a complete user story generated from free-form
// intent.
func BuildStoryPrompt(idea string, cfg *config.Config) Prompt {
	system := systemMessage(cfg, cfg.Prompts.GenerateStory, "story") +
		"\n\nThe role field must be exactly one of: " + strings.Join(cfg.Categories, ", ") + "." +
		"\nThe priority field must be one of: " + strings.Join(domain.Priorities(), ", ") + "."
	return Prompt{
		System: system,
		User:   "Generate a complete user story based on: " + idea,
	}
}
