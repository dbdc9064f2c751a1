package server

import (
	"taskforge/internal/domain"
	"taskforge/internal/genai"
)

// Request payloads

type CreateStoryRequest struct {
	Project     string  `json:"project"`
	Role        string  `json:"role"`
	Goal        string  `json:"goal"`
	Reason      string  `json:"reason"`
	Description string  `json:"description,omitempty"`
	Priority    string  `json:"priority,omitempty" enum:"low,medium,high,blocking"`
	StoryPoints int     `json:"story_points" minimum:"1" maximum:"8"`
	EffortHours float64 `json:"effort_hours,omitempty" minimum:"0"`
}

type GenerateStoryRequest struct {
	Prompt string `json:"prompt" minLength:"1"`
}

type GenerateTasksRequest struct {
	Count int `json:"count,omitempty" minimum:"1" maximum:"20"`
}

type TaskRequest struct {
	Title          string   `json:"title"`
	Description    *string  `json:"description,omitempty"`
	Priority       string   `json:"priority,omitempty" enum:"low,medium,high,blocking"`
	EffortHours    *float64 `json:"effort_hours,omitempty"`
	Status         string   `json:"status,omitempty" enum:"pending,in_progress,in_review,completed"`
	AssignedTo     string   `json:"assigned_to"`
	Category       *string  `json:"category,omitempty"`
	RiskAnalysis   *string  `json:"risk_analysis,omitempty"`
	RiskMitigation *string  `json:"risk_mitigation,omitempty"`
	UserStoryID    *int64   `json:"user_story_id,omitempty"`
}

// Response payloads

type StoryResponse struct {
	ID               int64   `json:"id"`
	Project          string  `json:"project"`
	Role             string  `json:"role"`
	Goal             string  `json:"goal"`
	Reason           string  `json:"reason"`
	Description      string  `json:"description,omitempty"`
	Priority         string  `json:"priority"`
	StoryPoints      int     `json:"story_points"`
	EffortHours      float64 `json:"effort_hours"`
	EffortHoursTotal float64 `json:"effort_hours_total"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
}

type TaskResponse struct {
	ID             int64    `json:"id"`
	Title          string   `json:"title"`
	Description    *string  `json:"description,omitempty"`
	Priority       string   `json:"priority"`
	EffortHours    *float64 `json:"effort_hours,omitempty"`
	Status         string   `json:"status"`
	AssignedTo     string   `json:"assigned_to"`
	Category       *string  `json:"category,omitempty"`
	RiskAnalysis   *string  `json:"risk_analysis,omitempty"`
	RiskMitigation *string  `json:"risk_mitigation,omitempty"`
	UserStoryID    *int64   `json:"user_story_id,omitempty"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
}

type OutcomeResponse struct {
	Stage  string `json:"stage"`
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

type EnrichedTaskResponse struct {
	Task     TaskResponse      `json:"task"`
	Outcomes []OutcomeResponse `json:"outcomes"`
}

type GeneratedTasksResponse struct {
	StoryID int64                  `json:"story_id"`
	Tasks   []EnrichedTaskResponse `json:"tasks"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json,omitempty"`
}

// Mappers

func storyResponse(s domain.UserStory) StoryResponse {
	return StoryResponse{
		ID:               s.ID,
		Project:          s.Project,
		Role:             s.Role,
		Goal:             s.Goal,
		Reason:           s.Reason,
		Description:      s.Description,
		Priority:         s.Priority,
		StoryPoints:      s.StoryPoints,
		EffortHours:      s.EffortHours,
		EffortHoursTotal: s.EffortHoursTotal,
		CreatedAt:        s.CreatedAt,
	}
}

func mapStories(items []domain.UserStory) []StoryResponse {
	out := make([]StoryResponse, 0, len(items))
	for _, s := range items {
		out = append(out, storyResponse(s))
	}
	return out
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:             t.ID,
		Title:          t.Title,
		Description:    t.Description,
		Priority:       t.Priority,
		EffortHours:    t.EffortHours,
		Status:         t.Status,
		AssignedTo:     t.AssignedTo,
		Category:       t.Category,
		RiskAnalysis:   t.RiskAnalysis,
		RiskMitigation: t.RiskMitigation,
		UserStoryID:    t.UserStoryID,
		CreatedAt:      t.CreatedAt,
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}

func taskFromRequest(req TaskRequest) domain.Task {
	return domain.Task{
		Title:          req.Title,
		Description:    req.Description,
		Priority:       req.Priority,
		EffortHours:    req.EffortHours,
		Status:         req.Status,
		AssignedTo:     req.AssignedTo,
		Category:       req.Category,
		RiskAnalysis:   req.RiskAnalysis,
		RiskMitigation: req.RiskMitigation,
		UserStoryID:    req.UserStoryID,
	}
}

func storyFromRequest(req CreateStoryRequest) domain.UserStory {
	return domain.UserStory{
		Project:     req.Project,
		Role:        req.Role,
		Goal:        req.Goal,
		Reason:      req.Reason,
		Description: req.Description,
		Priority:    req.Priority,
		StoryPoints: req.StoryPoints,
		EffortHours: req.EffortHours,
	}
}

func mapOutcomes(items []genai.Outcome) []OutcomeResponse {
	out := make([]OutcomeResponse, 0, len(items))
	for _, o := range items {
		out = append(out, OutcomeResponse{Stage: string(o.Kind), OK: o.OK, Reason: o.Reason})
	}
	return out
}

func mapResults(items []genai.TaskResult) []EnrichedTaskResponse {
	out := make([]EnrichedTaskResponse, 0, len(items))
	for _, r := range items {
		out = append(out, EnrichedTaskResponse{Task: taskResponse(r.Task), Outcomes: mapOutcomes(r.Outcomes)})
	}
	return out
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, e := range items {
		out = append(out, EventResponse{
			ID:         e.ID,
			TS:         e.TS,
			Type:       e.Type,
			EntityKind: e.EntityKind,
			EntityID:   e.EntityID,
			ActorID:    e.ActorID,
			Payload:    e.Payload,
		})
	}
	return out
}
