package genai

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"taskforge/internal/config"
	"taskforge/internal/domain"
	"taskforge/internal/llm"
)

// Store is the persistence surface the pipeline needs. The engine satisfies
// it with the repo plus its aggregate maintenance.
type Store interface {
	GetStory(ctx context.Context, id int64) (domain.UserStory, error)
	InsertTask(ctx context.Context, t domain.Task) (domain.Task, error)
	RecomputeStoryEffort(ctx context.Context, storyID int64) error
}

// TaskResult pairs a persisted task with the outcomes of its enrichment
// stages.
type TaskResult struct {
	Task     domain.Task `json:"task"`
	Outcomes []Outcome   `json:"outcomes"`
}

// Pipeline turns a stored user story into persisted tasks: categorize the
// story, decompose it into drafts, then enrich and persist each draft.
// Draft enrichment failures are isolated per task; a failed decomposition
// aborts the whole run before anything is written.
type Pipeline struct {
	gateway llm.Invoker
	orch    *Orchestrator
	store   Store
	cfg     *config.Config
	logger  *zap.Logger
}

func NewPipeline(gateway llm.Invoker, store Store, cfg *config.Config, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		gateway: gateway,
		orch:    NewOrchestrator(gateway, cfg, logger),
		store:   store,
		cfg:     cfg,
		logger:  logger,
	}
}

// GenerateTasks runs the full pipeline for the story and returns one result
// per persisted task. The story's effort total is recomputed exactly once,
// after the last insert.
func (p *Pipeline) GenerateTasks(ctx context.Context, storyID int64, count int) ([]TaskResult, error) {
	if count < 1 {
		return nil, domain.ValidationError{Field: "count", Reason: "must be at least 1"}
	}
	run := uuid.NewString()
	log := p.logger.With(zap.String("run_id", run), zap.Int64("story_id", storyID))

	story, err := p.store.GetStory(ctx, storyID)
	if err != nil {
		return nil, err
	}

	category, err := p.storyCategory(ctx, story)
	if err != nil {
		return nil, err
	}
	log.Debug("story categorized", zap.String("category", category))

	decompose := BuildDecomposePrompt(story, category, count, p.cfg)
	text, err := p.gateway.Invoke(ctx, decompose.System, decompose.User)
	if err != nil {
		return nil, err
	}
	drafts, err := ParseDraftTasks(text, count)
	if err != nil {
		log.Warn("decomposition rejected", zap.Error(err))
		return nil, err
	}

	results := make([]TaskResult, 0, len(drafts))
	for i, d := range drafts {
		task := domain.Task{
			Title:       d.Title,
			Description: d.Description,
			Priority:    d.Priority,
			Status:      d.Status,
			AssignedTo:  d.AssignedTo,
			Category:    &category,
			UserStoryID: &story.ID,
		}
		enriched, outcomes := p.orch.Enrich(ctx, task, []Track{TrackDescription, TrackEffort, TrackAudit})
		persisted, err := p.store.InsertTask(ctx, enriched)
		if err != nil {
			return results, fmt.Errorf("persist task %d of %d: %w", i+1, len(drafts), err)
		}
		log.Debug("task persisted",
			zap.Int64("task_id", persisted.ID),
			zap.Int("failed_stages", countFailed(outcomes)))
		results = append(results, TaskResult{Task: persisted, Outcomes: outcomes})
	}

	if err := p.store.RecomputeStoryEffort(ctx, story.ID); err != nil {
		return results, err
	}
	return results, nil
}

// storyCategory asks the model for the dominant category of the story.
func (p *Pipeline) storyCategory(ctx context.Context, s domain.UserStory) (string, error) {
	prompt := BuildStoryCategorizePrompt(s, p.cfg)
	text, err := p.gateway.Invoke(ctx, prompt.System, prompt.User)
	if err != nil {
		return "", err
	}
	return ParseCategory(text, p.cfg.Categories)
}

// GenerateStory turns free-form intent into a validated story ready for
// persistence. A role outside the configured set is normalized by
// containment match and falls back to the first category; priority falls
// back to medium and story points are clamped into the 1..8 scale.
func (p *Pipeline) GenerateStory(ctx context.Context, idea string) (domain.UserStory, error) {
	prompt := BuildStoryPrompt(idea, p.cfg)
	text, err := p.gateway.Invoke(ctx, prompt.System, prompt.User)
	if err != nil {
		return domain.UserStory{}, err
	}
	draft, err := ParseStory(text)
	if err != nil {
		return domain.UserStory{}, err
	}

	role := draft.Role
	if !domain.ValidCategory(role, p.cfg.Categories) {
		if matched, err := ParseCategory(role, p.cfg.Categories); err == nil {
			role = matched
		} else {
			role = p.cfg.Categories[0]
		}
	}
	if !domain.ValidPriority(draft.Priority) {
		draft.Priority = domain.PriorityMedium
	}
	points := draft.StoryPoints
	if points < 1 {
		points = 1
	}
	if points > 8 {
		points = 8
	}
	effort := draft.EffortHours
	if effort < 0 {
		effort = 0
	}

	story := domain.UserStory{
		Project:     draft.Project,
		Role:        role,
		Goal:        draft.Goal,
		Reason:      draft.Reason,
		Description: draft.Description,
		Priority:    draft.Priority,
		StoryPoints: points,
		EffortHours: effort,
	}
	if story.Project == "" {
		story.Project = "General"
	}
	if story.Reason == "" {
		story.Reason = "deliver value to the team"
	}
	if err := domain.ValidateStory(story, p.cfg.Categories); err != nil {
		return domain.UserStory{}, err
	}
	return story, nil
}

func countFailed(outcomes []Outcome) int {
	n := 0
	for _, o := range outcomes {
		if !o.OK {
			n++
		}
	}
	return n
}
