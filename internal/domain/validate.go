package domain

import (
	"fmt"
	"strings"
)

// ValidationError reports a single field contract violation. It carries the
// offending field path so the API layer can produce a structured 4xx body.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ValidPriority reports whether p is a member of the priority enum.
func ValidPriority(p string) bool {
	for _, v := range Priorities() {
		if v == p {
			return true
		}
	}
	return false
}

// ValidStatus reports whether s is a member of the task status enum.
func ValidStatus(s string) bool {
	for _, v := range Statuses() {
		if v == s {
			return true
		}
	}
	return false
}

// ValidCategory reports whether c is a member of the configured category set.
func ValidCategory(c string, categories []string) bool {
	for _, v := range categories {
		if v == c {
			return true
		}
	}
	return false
}

// ValidateTask enforces the task field contracts against the configured
// category set. It applies to every boundary where fields are set, whether
// the values came from a client or from the model.
func ValidateTask(t Task, categories []string) error {
	if strings.TrimSpace(t.Title) == "" {
		return ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if strings.TrimSpace(t.AssignedTo) == "" {
		return ValidationError{Field: "assigned_to", Reason: "must not be empty"}
	}
	if !ValidPriority(t.Priority) {
		return ValidationError{Field: "priority", Reason: fmt.Sprintf("must be one of %s", strings.Join(Priorities(), ", "))}
	}
	if !ValidStatus(t.Status) {
		return ValidationError{Field: "status", Reason: fmt.Sprintf("must be one of %s", strings.Join(Statuses(), ", "))}
	}
	if t.EffortHours != nil && *t.EffortHours <= 0 {
		return ValidationError{Field: "effort_hours", Reason: "must be greater than zero"}
	}
	if t.Category != nil && !ValidCategory(*t.Category, categories) {
		return ValidationError{Field: "category", Reason: fmt.Sprintf("%q is not a configured category", *t.Category)}
	}
	// risk_mitigation never exists without the analysis it was derived from
	if t.RiskMitigation != nil && t.RiskAnalysis == nil {
		return ValidationError{Field: "risk_mitigation", Reason: "requires risk_analysis"}
	}
	return nil
}

// ValidateStory enforces the user story field contracts.
func ValidateStory(s UserStory, categories []string) error {
	for field, value := range map[string]string{
		"project": s.Project,
		"role":    s.Role,
		"goal":    s.Goal,
		"reason":  s.Reason,
	} {
		if strings.TrimSpace(value) == "" {
			return ValidationError{Field: field, Reason: "must not be empty"}
		}
	}
	if !ValidPriority(s.Priority) {
		return ValidationError{Field: "priority", Reason: fmt.Sprintf("must be one of %s", strings.Join(Priorities(), ", "))}
	}
	if s.StoryPoints < 1 || s.StoryPoints > 8 {
		return ValidationError{Field: "story_points", Reason: "must be between 1 and 8"}
	}
	if s.EffortHours < 0 {
		return ValidationError{Field: "effort_hours", Reason: "must not be negative"}
	}
	return nil
}
