package genai

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"taskforge/internal/domain"
)

var (
	// ErrEmptyResponse means the model returned only whitespace.
	ErrEmptyResponse = errors.New("empty model response")
	// ErrUnparsableNumber means no numeric token was found in the response.
	ErrUnparsableNumber = errors.New("no numeric value in model response")
	// ErrOutOfRange means the parsed number is not a usable effort value.
	ErrOutOfRange = errors.New("effort value out of range")
	// ErrUnknownCategory means the response matched none of the allowed
	// categories.
	ErrUnknownCategory = errors.New("unknown category in model response")
)

// DecompositionError reports a decompose_story response that could not be
// turned into the requested draft tasks. It aborts the whole pipeline run.
type DecompositionError struct {
	Reason string
}

func (e *DecompositionError) Error() string {
	return "decomposition failed: " + e.Reason
}

var numberPattern = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

// ParseEffortHours extracts the first numeric token from the response,
// ignoring surrounding prose and units. "approximately 12.5 hours" parses
// to 12.5.
func ParseEffortHours(text string) (float64, error) {
	tok := numberPattern.FindString(text)
	if tok == "" {
		return 0, fmt.Errorf("%w: %q", ErrUnparsableNumber, strings.TrimSpace(text))
	}
	v, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnparsableNumber, tok)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%w: %v", ErrOutOfRange, v)
	}
	return v, nil
}

// ParseCategory matches the response against the allowed set by
// case-insensitive containment. When several categories appear in the text
// the longest name wins, so "Bug Fix" beats "Bug" style collisions.
func ParseCategory(text string, allowed []string) (string, error) {
	lower := strings.ToLower(text)
	best := ""
	for _, c := range allowed {
		if strings.Contains(lower, strings.ToLower(c)) && len(c) > len(best) {
			best = c
		}
	}
	if best == "" {
		return "", fmt.Errorf("%w: %q", ErrUnknownCategory, strings.TrimSpace(text))
	}
	return best, nil
}

// ParseBoundedText trims the response and enforces the stage's word ceiling
// by truncation. Overlong responses are shortened, never rejected.
// wordCeiling <= 0 means unbounded.
func ParseBoundedText(text string, wordCeiling int) (string, error) {
	out := strings.TrimSpace(text)
	if out == "" {
		return "", ErrEmptyResponse
	}
	if wordCeiling > 0 {
		words := strings.Fields(out)
		if len(words) > wordCeiling {
			out = strings.Join(words[:wordCeiling], " ")
		}
	}
	return out, nil
}

// DraftTask is one element of a decompose_story response before persistence.
type DraftTask struct {
	Title       string  `json:"title"`
	Description *string `json:"description"`
	Priority    string  `json:"priority"`
	Status      string  `json:"status"`
	AssignedTo  string  `json:"assigned_to"`
}

// StoryDraft is a generate_story response before persistence.
type StoryDraft struct {
	Project     string  `json:"project"`
	Role        string  `json:"role"`
	Goal        string  `json:"goal"`
	Reason      string  `json:"reason"`
	Description string  `json:"description"`
	Priority    string  `json:"priority"`
	StoryPoints int     `json:"story_points"`
	EffortHours float64 `json:"effort_hours"`
}

var arrayPattern = regexp.MustCompile(`\[[\s\S]*\]`)

// stripFences removes a surrounding markdown code fence, with or without a
// language tag.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		first := strings.TrimSpace(s[:i])
		if first == "json" || first == "" {
			s = s[i+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// ParseDraftTasks decodes a decompose_story response into exactly count
// drafts. Missing priority or status default to medium and pending; a
// missing title or assignee, malformed JSON, an unknown enum value or too
// few elements all yield a DecompositionError.
func ParseDraftTasks(text string, count int) ([]DraftTask, error) {
	raw := stripFences(text)
	if m := arrayPattern.FindString(raw); m != "" {
		raw = m
	}
	var drafts []DraftTask
	if err := json.Unmarshal([]byte(raw), &drafts); err != nil {
		return nil, &DecompositionError{Reason: "response is not a JSON task array: " + err.Error()}
	}
	if len(drafts) < count {
		return nil, &DecompositionError{Reason: fmt.Sprintf("expected %d tasks, got %d", count, len(drafts))}
	}
	drafts = drafts[:count]
	for i := range drafts {
		d := &drafts[i]
		d.Title = strings.TrimSpace(d.Title)
		d.AssignedTo = strings.TrimSpace(d.AssignedTo)
		if d.Title == "" {
			return nil, &DecompositionError{Reason: fmt.Sprintf("task %d has no title", i+1)}
		}
		if d.AssignedTo == "" {
			return nil, &DecompositionError{Reason: fmt.Sprintf("task %d has no assignee", i+1)}
		}
		if d.Priority == "" {
			d.Priority = domain.PriorityMedium
		}
		if d.Status == "" {
			d.Status = domain.StatusPending
		}
		if !domain.ValidPriority(d.Priority) {
			return nil, &DecompositionError{Reason: fmt.Sprintf("task %d has unknown priority %q", i+1, d.Priority)}
		}
		if !domain.ValidStatus(d.Status) {
			return nil, &DecompositionError{Reason: fmt.Sprintf("task %d has unknown status %q", i+1, d.Status)}
		}
	}
	return drafts, nil
}

// ParseStory decodes a generate_story response.
func ParseStory(text string) (StoryDraft, error) {
	raw := stripFences(text)
	if i := strings.IndexByte(raw, '{'); i > 0 {
		raw = raw[i:]
	}
	if i := strings.LastIndexByte(raw, '}'); i >= 0 {
		raw = raw[:i+1]
	}
	var d StoryDraft
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return StoryDraft{}, fmt.Errorf("response is not a JSON story object: %w", err)
	}
	d.Project = strings.TrimSpace(d.Project)
	d.Role = strings.TrimSpace(d.Role)
	d.Goal = strings.TrimSpace(d.Goal)
	d.Reason = strings.TrimSpace(d.Reason)
	d.Description = strings.TrimSpace(d.Description)
	if d.Goal == "" {
		return StoryDraft{}, fmt.Errorf("story object has no goal")
	}
	return d, nil
}
